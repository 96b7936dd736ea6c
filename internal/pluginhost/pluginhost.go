// Package pluginhost sequentially loads gateway plugins at startup and
// gives each one an explicit capability context: register a tool, mount a
// route, attach middleware. Each registered plugin function must return
// before the next one runs, so load order is also registration order.
package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hatago/gateway/internal/session"
	"github.com/hatago/gateway/internal/toolsurface"
)

// Capabilities is the explicit, closed set of operations a plugin may
// perform during registration.
type Capabilities struct {
	// RegisterTool adds a tool to the gateway's local tool surface.
	RegisterTool func(name, title, description string, inputSchema json.RawMessage, handler toolsurface.Handler)

	// RegisterRoute mounts an additional HTTP handler at pattern (e.g.
	// "/.well-known/oauth-protected-resource"), on the same mux the MCP
	// endpoint is served from.
	RegisterRoute func(pattern string, handler http.Handler)

	// Use attaches middleware wrapping every request to the gateway's HTTP
	// mux, applied in registration order.
	Use func(mw func(http.Handler) http.Handler)

	// SessionAccessor returns a namespaced key/value store scoped to this
	// plugin, for the given session id.
	SessionAccessor func(sessionID string) (session.KVStore, error)

	// RotateSession requests the session store rotate sessionID to a new
	// id, preserving its stored data, for auth-elevating events.
	RotateSession func(ctx context.Context, sessionID string) (newSessionID string, err error)

	// Logger returns a structured logger handle scoped to the plugin's name.
	Logger *slog.Logger
}

// Plugin is a pure registration function: it may only register tools,
// routes, and middleware, and read/rotate session state. Side effects
// belong at call time, not at registration time.
type Plugin func(caps Capabilities) error

// Host sequentially loads plugins against a shared capability context.
type Host struct {
	logger     *slog.Logger
	tools      func(name, title, description string, inputSchema json.RawMessage, handler toolsurface.Handler)
	routes     []routeReg
	middleware []func(http.Handler) http.Handler
	sessions   *session.Store
}

type routeReg struct {
	pattern string
	handler http.Handler
}

// New creates a Host backed by the given tool surface and session store.
func New(surface *toolsurface.Surface, sessions *session.Store, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		logger:   logger,
		tools:    surface.RegisterTool,
		sessions: sessions,
	}
}

// Load runs each plugin in order, failing startup on the first error a
// plugin returns.
func (h *Host) Load(ctx context.Context, plugins []Plugin) error {
	for i, p := range plugins {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("plugin load aborted: %w", err)
		}

		name := fmt.Sprintf("plugin-%d", i)
		pluginLogger := h.logger.With("plugin", name)

		caps := Capabilities{
			RegisterTool: h.tools,
			RegisterRoute: func(pattern string, handler http.Handler) {
				h.routes = append(h.routes, routeReg{pattern: pattern, handler: handler})
			},
			Use: func(mw func(http.Handler) http.Handler) {
				h.middleware = append(h.middleware, mw)
			},
			SessionAccessor: func(sessionID string) (session.KVStore, error) {
				return h.sessions.PluginStore(ctx, name, sessionID)
			},
			RotateSession: func(ctx context.Context, sessionID string) (string, error) {
				newID := uuid.NewString()
				if err := h.sessions.Rotate(ctx, sessionID, newID); err != nil {
					return "", err
				}
				return newID, nil
			},
			Logger: pluginLogger,
		}

		if err := p(caps); err != nil {
			return fmt.Errorf("plugin %s failed to load: %w", name, err)
		}
		pluginLogger.Info("plugin loaded")
	}
	return nil
}

// Routes returns every HTTP route registered by a plugin, for the caller to
// mount on its mux.
func (h *Host) Routes() map[string]http.Handler {
	out := make(map[string]http.Handler, len(h.routes))
	for _, r := range h.routes {
		out[r.pattern] = r.handler
	}
	return out
}

// Middleware returns every middleware attached by a plugin, in registration
// order, for the caller to wrap its mux with.
func (h *Host) Middleware() []func(http.Handler) http.Handler {
	return h.middleware
}
