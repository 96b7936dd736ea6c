// Package upstream holds the data model and client implementations for a
// single upstream MCP server: its launch/connection spec, lifecycle
// state, and tool-catalog entries, covering both HTTP/SSE and subprocess
// upstreams.
package upstream

import (
	"encoding/json"
	"time"
)

// TransportKind selects how the gateway reaches an upstream.
type TransportKind string

const (
	// TransportHTTP speaks MCP Streamable HTTP/SSE to a remote endpoint.
	TransportHTTP TransportKind = "http"
	// TransportStdio spawns a subprocess and speaks MCP over its stdio.
	TransportStdio TransportKind = "stdio"
)

// AuthKind selects the credential scheme applied to an HTTP upstream.
type AuthKind string

const (
	AuthNone   AuthKind = ""
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthCustom AuthKind = "custom"
)

// AuthConfig carries upstream-specific HTTP credentials.
type AuthConfig struct {
	Kind     AuthKind
	Token    string            // bearer token, or basic password
	Username string            // basic auth username
	Headers  map[string]string // custom header set
}

// ToolFilter controls which of an upstream's tools are exposed, and under
// what name, "tool-filter rules (include/exclude/rename
// globs)".
type ToolFilter struct {
	Include []string          // glob patterns; empty means include all
	Exclude []string          // glob patterns checked after Include
	Rename  map[string]string // original tool name -> override name
}

// PackageManager selects the launcher used to run an npm-distributed
// subprocess upstream.
type PackageManager string

const (
	PMNpx    PackageManager = "npx"
	PMPnpm   PackageManager = "pnpm-dlx"
	PMYarn   PackageManager = "yarn-dlx"
	PMBunx   PackageManager = "bunx"
	PMDenoNP PackageManager = "deno-run-npm"
)

// ResourceLimits bounds a spawned subprocess.
type ResourceLimits struct {
	MemoryMB     int
	CPUSeconds   int
	WallSeconds  int
	MaxOpenFiles int
}

// Permissions controls what a sandboxed subprocess upstream may do.
type Permissions struct {
	Network      bool
	FSRead       bool
	FSWrite      bool
	EnvAccess    bool
	SpawnChild   bool
	AllowedHosts []string
	AllowedPaths []string
}

// Framing selects how a stdio upstream delimits JSON-RPC messages on its
// stdout/stdin, "infer from upstream; document both".
type Framing string

const (
	FramingLineDelimited  Framing = "line"
	FramingLengthPrefixed Framing = "length-prefixed"
)

// SubprocessSpec is the launch descriptor for a locally spawned upstream
//.
type SubprocessSpec struct {
	Package        string
	PackageManager PackageManager
	Version        string
	Args           []string
	Env            map[string]string
	WorkingDir     string
	TransportKind  TransportKind // stdio or http-with-port
	HTTPPort       int           // only meaningful when TransportKind == TransportHTTP
	Framing        Framing
	Limits         ResourceLimits
	Permissions    Permissions

	HealthCheckInterval time.Duration
	RestartOnFailure    bool
	MaxRestarts         int
	StopTimeout         time.Duration
}

// Spec fully describes one configured upstream.
type Spec struct {
	ID          string
	Transport   TransportKind
	Endpoint    string // HTTP base URL, when Transport == TransportHTTP
	Auth        AuthConfig
	Timeout     time.Duration
	Filter      ToolFilter
	HealthCheck time.Duration
	Subprocess  *SubprocessSpec // non-nil when this upstream is a local subprocess
}

// State is the lifecycle state machine of an upstream.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Status snapshots an upstream's runtime state for observability and the
// proxy registry's startup-failure tolerance.
type Status struct {
	ID           string
	State        State
	PID          int
	LastError    string
	RestartCount int
	StartTime    time.Time
	StopTime     time.Time
}

// Tool is one entry in an upstream's catalog, before namespacing is applied
// by the proxy registry.
type Tool struct {
	Name        string
	Title       string
	Description string
	InputSchema json.RawMessage
}
