package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hatago/gateway/internal/domain/mcperr"
	"github.com/hatago/gateway/internal/limiter"
	"github.com/hatago/gateway/internal/metrics"
	"github.com/hatago/gateway/internal/upstream"
)

// Upstream bundles a connected client with the spec that produced it, so
// the Registry can re-apply filters and report status without reaching
// back into the runner/client construction code.
type Upstream struct {
	Spec   upstream.Spec
	Client upstream.Client
}

// Registry owns the set of connected upstreams and the aggregate Catalog
// built from them, working uniformly across HTTP and stdio upstreams
// through the narrow upstream.Client interface.
type Registry struct {
	catalog    *Catalog
	logger     *slog.Logger
	circuitCfg limiter.CircuitConfig
	sink       metrics.Sink

	mu        sync.RWMutex
	upstreams map[string]*Upstream
	breakers  map[string]*limiter.CircuitBreaker

	// refreshGroup collapses concurrent Refresh calls for the same upstream
	// ID into a single in-flight ListTools call, since a runner recovery
	// callback and an admin-triggered refresh can race for the same
	// upstream without either knowing about the other.
	refreshGroup singleflight.Group
}

// NewRegistry creates an empty Registry. Each registered upstream gets its
// own circuit breaker using limiter.DefaultCircuitConfig(); override with
// SetCircuitConfig before the first Register call.
func NewRegistry(strategy NamespaceStrategy, policy ConflictPolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		catalog:    NewCatalog(strategy, policy),
		logger:     logger,
		circuitCfg: limiter.DefaultCircuitConfig(),
		sink:       metrics.NoopSink{},
		upstreams:  make(map[string]*Upstream),
		breakers:   make(map[string]*limiter.CircuitBreaker),
	}
}

// SetCircuitConfig overrides the per-upstream circuit breaker tuning applied
// to upstreams registered after this call.
func (r *Registry) SetCircuitConfig(cfg limiter.CircuitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuitCfg = cfg
}

// SetMetricsSink installs the sink that observes each upstream's circuit
// breaker transitions.
func (r *Registry) SetMetricsSink(sink metrics.Sink) {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// SetNamespaceOptions applies config.proxy.namespace's separator and
// autoPrefix.format to the aggregate catalog. Empty values leave the
// catalog's current defaults in place.
func (r *Registry) SetNamespaceOptions(separator, autoPrefixFormat string) {
	r.catalog.SetSeparator(separator)
	r.catalog.SetAutoPrefixFormat(autoPrefixFormat)
}

// Register connects to an upstream, lists its tools, and adds them to the
// catalog. Failure is tolerated: "startup-failure tolerance",
// a failing upstream is logged and skipped rather than aborting the whole
// gateway's boot.
func (r *Registry) Register(ctx context.Context, spec upstream.Spec, client upstream.Client) error {
	if _, err := client.Initialize(ctx); err != nil {
		r.logger.Error("upstream initialize failed", "upstream", spec.ID, "error", err)
		return fmt.Errorf("initialize upstream %s: %w", spec.ID, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		r.logger.Error("upstream tool listing failed", "upstream", spec.ID, "error", err)
		return fmt.Errorf("list tools for upstream %s: %w", spec.ID, err)
	}

	r.mu.Lock()
	r.upstreams[spec.ID] = &Upstream{Spec: spec, Client: client}
	if _, ok := r.breakers[spec.ID]; !ok {
		breaker := limiter.NewCircuitBreaker(r.circuitCfg)
		upstreamID := spec.ID
		breaker.OnStateChange(func(state limiter.CircuitState) {
			r.mu.RLock()
			sink := r.sink
			r.mu.RUnlock()
			sink.ObserveCircuitState(upstreamID, string(state))
		})
		r.breakers[spec.ID] = breaker
	}
	r.mu.Unlock()

	conflicts := r.catalog.SetToolsForUpstream(spec.ID, tools, spec.Filter)
	for _, c := range conflicts {
		r.logger.Warn("tool name conflict", "tool", c.ToolName, "upstream", c.UpstreamID, "winner", c.WinnerID, "policy", c.Resolution)
	}
	r.logger.Info("upstream registered", "upstream", spec.ID, "tools", len(tools))
	return nil
}

// Refresh re-lists tools for an already-registered upstream, e.g. after a
// runner restart brings it back up.
func (r *Registry) Refresh(ctx context.Context, upstreamID string) error {
	_, err, _ := r.refreshGroup.Do(upstreamID, func() (any, error) {
		r.mu.RLock()
		up, ok := r.upstreams[upstreamID]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("refresh: unknown upstream %s", upstreamID)
		}
		tools, err := up.Client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh upstream %s: %w", upstreamID, err)
		}
		r.catalog.SetToolsForUpstream(upstreamID, tools, up.Spec.Filter)
		return nil, nil
	})
	return err
}

// Deregister removes an upstream from the catalog and closes its client,
// e.g. when the runner gives up restarting it.
func (r *Registry) Deregister(upstreamID string) {
	r.mu.Lock()
	up, ok := r.upstreams[upstreamID]
	delete(r.upstreams, upstreamID)
	delete(r.breakers, upstreamID)
	r.mu.Unlock()
	if ok {
		_ = up.Client.Close()
	}
	r.catalog.RemoveUpstream(upstreamID)
	r.logger.Info("upstream deregistered", "upstream", upstreamID)
}

// ListTools returns the full aggregate catalog.
func (r *Registry) ListTools() []*CatalogEntry {
	return r.catalog.All()
}

// Call dispatches a tool call to the upstream owning exposedName, translating
// the exposed name back to the upstream's original tool name.
func (r *Registry) Call(ctx context.Context, exposedName string, args []byte, progressToken any, sink upstream.NotificationSink) (upstream.CallResult, error) {
	entry, ok := r.catalog.Lookup(exposedName)
	if !ok {
		return upstream.CallResult{}, mcperr.New(mcperr.KindMethodNotFound, fmt.Sprintf("tool not found: %s", exposedName))
	}

	r.mu.RLock()
	up, ok := r.upstreams[entry.UpstreamID]
	breaker := r.breakers[entry.UpstreamID]
	r.mu.RUnlock()
	if !ok {
		return upstream.CallResult{}, mcperr.New(mcperr.KindUpstream, fmt.Sprintf("upstream not connected: %s", entry.UpstreamID))
	}

	if breaker != nil {
		if allowed, retryAfter := breaker.Allow(); !allowed {
			return upstream.CallResult{}, mcperr.CircuitOpen(entry.UpstreamID, retryAfter)
		}
	}

	result, err := up.Client.CallTool(ctx, entry.OriginalName, args, progressToken, sink)
	if breaker != nil {
		if err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	if err != nil {
		return upstream.CallResult{}, mcperr.Wrap(mcperr.KindUpstream, fmt.Sprintf("calling %s on upstream %s", entry.OriginalName, entry.UpstreamID), err)
	}
	return result, nil
}

// Status returns the Spec of every registered upstream, keyed by upstream
// ID.
func (r *Registry) Status() map[string]upstream.Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]upstream.Spec, len(r.upstreams))
	for id, up := range r.upstreams {
		out[id] = up.Spec
	}
	return out
}

// Len reports how many upstreams are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.upstreams)
}

// Close closes every registered upstream's client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, up := range r.upstreams {
		if err := up.Client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing upstream %s: %w", id, err)
		}
	}
	return firstErr
}
