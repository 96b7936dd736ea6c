// Package config provides the gateway's fully resolved configuration type.
// Loading, merging, and hot-reload live outside the core: the core only
// ever consumes a validated *Config value.
// The schema is a single struct tree with yaml/mapstructure tags,
// validated with go-playground/validator/v10, covering the gateway's
// multi-upstream proxy and runner sections.
package config

import "time"

// Config is the top-level, fully resolved gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Security SecurityConfig `yaml:"security" mapstructure:"security"`
	Proxy   ProxyConfig   `yaml:"proxy" mapstructure:"proxy"`
	Runner  RunnerConfig  `yaml:"runner" mapstructure:"runner"`
}

// ServerConfig configures the Streamable HTTP listener.
type ServerConfig struct {
	Port     int    `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Hostname string `yaml:"hostname" mapstructure:"hostname"`
	CORS     bool   `yaml:"cors" mapstructure:"cors"`
	// TimeoutMS is the per-request timeout in milliseconds.
	TimeoutMS int `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,min=0"`
}

// Timeout returns Server.TimeoutMS as a time.Duration.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// LoggingConfig configures the process-wide slog.Logger.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=pretty json"`
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,oneof=console file"`
}

// RateLimitConfig is the security section's rate-limit sub-block.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled" mapstructure:"enabled"`
	WindowMS    int  `yaml:"windowMs" mapstructure:"windowMs" validate:"omitempty,min=1"`
	MaxRequests int  `yaml:"maxRequests" mapstructure:"maxRequests" validate:"omitempty,min=1"`
}

// SecurityConfig configures auth and origin policy.
type SecurityConfig struct {
	RequireAuth    bool            `yaml:"requireAuth" mapstructure:"requireAuth"`
	AllowedOrigins []string        `yaml:"allowedOrigins" mapstructure:"allowedOrigins"`
	RateLimit      RateLimitConfig `yaml:"rateLimit" mapstructure:"rateLimit"`
}

// NamespaceConfig controls exposed-name conflict handling in the proxy
// registry.
type NamespaceConfig struct {
	Separator     string          `yaml:"separator" mapstructure:"separator"`
	CaseSensitive bool            `yaml:"caseSensitive" mapstructure:"caseSensitive"`
	MaxLength     int             `yaml:"maxLength" mapstructure:"maxLength" validate:"omitempty,min=1"`
	AutoPrefix    AutoPrefixConfig `yaml:"autoPrefix" mapstructure:"autoPrefix"`
}

// AutoPrefixConfig configures the rename disambiguator format used by
// NamespaceConfig when ConflictResolution is "rename".
type AutoPrefixConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Format  string `yaml:"format" mapstructure:"format"`
}

// UpstreamConfig describes one proxied MCP server.
type UpstreamConfig struct {
	ID          string            `yaml:"id" mapstructure:"id" validate:"required"`
	Transport   string            `yaml:"transport" mapstructure:"transport" validate:"required,oneof=http stdio"`
	Endpoint    string            `yaml:"endpoint" mapstructure:"endpoint"`
	Auth        UpstreamAuthConfig `yaml:"auth" mapstructure:"auth"`
	TimeoutMS   int               `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,min=0"`
	Include     []string          `yaml:"include" mapstructure:"include"`
	Exclude     []string          `yaml:"exclude" mapstructure:"exclude"`
	Rename      map[string]string `yaml:"rename" mapstructure:"rename"`
	HealthCheckMS int             `yaml:"healthCheckMs" mapstructure:"healthCheckMs" validate:"omitempty,min=0"`
}

// UpstreamAuthConfig carries the credential scheme applied to an HTTP
// upstream.
type UpstreamAuthConfig struct {
	Kind     string            `yaml:"kind" mapstructure:"kind" validate:"omitempty,oneof=bearer basic custom"`
	Token    string            `yaml:"token" mapstructure:"token"`
	Username string            `yaml:"username" mapstructure:"username"`
	Password string            `yaml:"password" mapstructure:"password"`
	Headers  map[string]string `yaml:"headers" mapstructure:"headers"`
}

// ProxyConfig configures the registry/router.
type ProxyConfig struct {
	Servers            []UpstreamConfig `yaml:"servers" mapstructure:"servers" validate:"omitempty,dive"`
	NamespaceStrategy  string           `yaml:"namespaceStrategy" mapstructure:"namespaceStrategy" validate:"omitempty,oneof=prefix flat"`
	ConflictResolution string           `yaml:"conflictResolution" mapstructure:"conflictResolution" validate:"omitempty,oneof=error first-wins rename"`
	Namespace          NamespaceConfig  `yaml:"namespace" mapstructure:"namespace"`
}

// ResourceLimitsConfig bounds a spawned subprocess.
type ResourceLimitsConfig struct {
	MemoryMB     int `yaml:"memoryMb" mapstructure:"memoryMb" validate:"omitempty,min=0"`
	CPUSeconds   int `yaml:"cpuSeconds" mapstructure:"cpuSeconds" validate:"omitempty,min=0"`
	WallSeconds  int `yaml:"wallSeconds" mapstructure:"wallSeconds" validate:"omitempty,min=0"`
	MaxOpenFiles int `yaml:"maxOpenFiles" mapstructure:"maxOpenFiles" validate:"omitempty,min=0"`
}

// PermissionsConfig controls what a sandboxed subprocess upstream may do.
type PermissionsConfig struct {
	Network      bool     `yaml:"network" mapstructure:"network"`
	FSRead       bool     `yaml:"fsRead" mapstructure:"fsRead"`
	FSWrite      bool     `yaml:"fsWrite" mapstructure:"fsWrite"`
	EnvAccess    bool     `yaml:"envAccess" mapstructure:"envAccess"`
	SpawnChild   bool     `yaml:"spawnChildren" mapstructure:"spawnChildren"`
	AllowedHosts []string `yaml:"allowedHosts" mapstructure:"allowedHosts"`
	AllowedPaths []string `yaml:"allowedPaths" mapstructure:"allowedPaths"`
}

// RunnerDefaultsConfig supplies fallback launch settings for a subprocess
// server entry that omits them.
type RunnerDefaultsConfig struct {
	PackageManager string               `yaml:"packageManager" mapstructure:"packageManager" validate:"omitempty,oneof=npx pnpm-dlx yarn-dlx bunx deno-run-npm"`
	Limits         ResourceLimitsConfig `yaml:"limits" mapstructure:"limits"`
	Permissions    PermissionsConfig    `yaml:"permissions" mapstructure:"permissions"`
}

// SubprocessConfig is the launch descriptor for one locally spawned
// upstream.
type SubprocessConfig struct {
	ID                  string               `yaml:"id" mapstructure:"id" validate:"required"`
	Package             string               `yaml:"package" mapstructure:"package" validate:"required"`
	PackageManager      string               `yaml:"packageManager" mapstructure:"packageManager" validate:"omitempty,oneof=npx pnpm-dlx yarn-dlx bunx deno-run-npm"`
	Version             string               `yaml:"version" mapstructure:"version"`
	Args                []string             `yaml:"args" mapstructure:"args"`
	Env                 map[string]string    `yaml:"env" mapstructure:"env"`
	WorkingDir          string               `yaml:"workingDir" mapstructure:"workingDir"`
	Transport           string               `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=stdio http"`
	HTTPPort            int                  `yaml:"httpPort" mapstructure:"httpPort" validate:"omitempty,min=0,max=65535"`
	Framing             string               `yaml:"framing" mapstructure:"framing" validate:"omitempty,oneof=line length-prefixed"`
	Limits              ResourceLimitsConfig `yaml:"limits" mapstructure:"limits"`
	Permissions         PermissionsConfig    `yaml:"permissions" mapstructure:"permissions"`
	HealthCheckInterval string               `yaml:"healthCheckInterval" mapstructure:"healthCheckInterval"`
	RestartOnFailure    bool                 `yaml:"restartOnFailure" mapstructure:"restartOnFailure"`
	MaxRestarts         int                  `yaml:"maxRestarts" mapstructure:"maxRestarts" validate:"omitempty,min=0"`
	StopTimeout         string               `yaml:"stopTimeout" mapstructure:"stopTimeout"`
}

// RunnerConfig configures the subprocess lifecycle manager.
type RunnerConfig struct {
	Servers  []SubprocessConfig   `yaml:"servers" mapstructure:"servers" validate:"omitempty,dive"`
	Defaults RunnerDefaultsConfig `yaml:"defaults" mapstructure:"defaults"`
	Registry string               `yaml:"registry" mapstructure:"registry"`
	CacheDir string               `yaml:"cacheDir" mapstructure:"cacheDir"`
}

// Default returns a Config with the gateway's baseline defaults applied,
// following the package's ApplyDefaults convention.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8080,
			Hostname:  "127.0.0.1",
			TimeoutMS: 30_000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "pretty",
			Output: "console",
		},
		Security: SecurityConfig{
			RequireAuth: false,
		},
		Proxy: ProxyConfig{
			NamespaceStrategy:  "prefix",
			ConflictResolution: "error",
			Namespace: NamespaceConfig{
				Separator: ":",
				MaxLength: 128,
				AutoPrefix: AutoPrefixConfig{
					Enabled: true,
					Format:  "{server}_{index}",
				},
			},
		},
		Runner: RunnerConfig{
			Defaults: RunnerDefaultsConfig{
				PackageManager: "npx",
			},
		},
	}
}

// ApplyDefaults fills unset fields in c with the gateway's baseline
// defaults.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.Hostname == "" {
		c.Server.Hostname = d.Server.Hostname
	}
	if c.Server.TimeoutMS == 0 {
		c.Server.TimeoutMS = d.Server.TimeoutMS
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = d.Logging.Output
	}
	if c.Proxy.NamespaceStrategy == "" {
		c.Proxy.NamespaceStrategy = d.Proxy.NamespaceStrategy
	}
	if c.Proxy.ConflictResolution == "" {
		c.Proxy.ConflictResolution = d.Proxy.ConflictResolution
	}
	if c.Proxy.Namespace.Separator == "" {
		c.Proxy.Namespace.Separator = d.Proxy.Namespace.Separator
	}
	if c.Proxy.Namespace.MaxLength == 0 {
		c.Proxy.Namespace.MaxLength = d.Proxy.Namespace.MaxLength
	}
	if c.Proxy.Namespace.AutoPrefix.Format == "" {
		c.Proxy.Namespace.AutoPrefix.Format = d.Proxy.Namespace.AutoPrefix.Format
	}
	if c.Runner.Defaults.PackageManager == "" {
		c.Runner.Defaults.PackageManager = d.Runner.Defaults.PackageManager
	}
	for i := range c.Runner.Servers {
		if c.Runner.Servers[i].PackageManager == "" {
			c.Runner.Servers[i].PackageManager = c.Runner.Defaults.PackageManager
		}
	}
}
