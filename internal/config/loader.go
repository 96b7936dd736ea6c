package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load reads path (or, if empty, searches "./hatago.yaml"/"./hatago.yml"),
// applies the documented HATAGO_* environment overrides, fills defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hatago")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides binds a fixed set of environment variable names, each
// taking precedence over the file value when set. Rather than a single
// AutomaticEnv()-driven nested binding (HATAGO_ prefix plus "." replaced by
// "_"), several of these names are flat ("PORT", "HOSTNAME") rather than
// section-qualified, so they are bound explicitly rather than through a
// single key replacer.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupInt("HATAGO_PORT"); ok {
		cfg.Server.Port = v
	} else if v, ok := lookupInt("PORT"); ok {
		cfg.Server.Port = v
	}

	if v, ok := os.LookupEnv("HATAGO_HOSTNAME"); ok {
		cfg.Server.Hostname = v
	} else if v, ok := os.LookupEnv("HOSTNAME"); ok {
		cfg.Server.Hostname = v
	}

	if v, ok := os.LookupEnv("HATAGO_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookupBool("HATAGO_CORS"); ok {
		cfg.Server.CORS = v
	}
	if v, ok := lookupInt("HATAGO_TIMEOUT"); ok {
		cfg.Server.TimeoutMS = v
	}
	if v, ok := lookupBool("HATAGO_REQUIRE_AUTH"); ok {
		cfg.Security.RequireAuth = v
	}
	if v, ok := os.LookupEnv("HATAGO_ALLOWED_ORIGINS"); ok {
		cfg.Security.AllowedOrigins = splitNonEmpty(v, ",")
	}

	if v, ok := lookupBool("HATAGO_RATE_LIMIT_ENABLED"); ok {
		cfg.Security.RateLimit.Enabled = v
	}
	if v, ok := lookupInt("HATAGO_RATE_LIMIT_WINDOW_MS"); ok {
		cfg.Security.RateLimit.WindowMS = v
	}
	if v, ok := lookupInt("HATAGO_RATE_LIMIT_MAX_REQUESTS"); ok {
		cfg.Security.RateLimit.MaxRequests = v
	}

	if v, ok := os.LookupEnv("HATAGO_NAMESPACE_SEPARATOR"); ok {
		cfg.Proxy.Namespace.Separator = v
	}
	if v, ok := lookupBool("HATAGO_NAMESPACE_CASE_SENSITIVE"); ok {
		cfg.Proxy.Namespace.CaseSensitive = v
	}
	if v, ok := lookupInt("HATAGO_NAMESPACE_MAX_LENGTH"); ok {
		cfg.Proxy.Namespace.MaxLength = v
	}
}

func lookupInt(name string) (int, bool) {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupBool(name string) (bool, bool) {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return false, false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return b, true
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
