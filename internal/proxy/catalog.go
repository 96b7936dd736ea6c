// Package proxy aggregates tool catalogs from multiple upstream MCP servers
// into a single namespaced view and routes calls back to their owning
// upstream, with configurable namespace and conflict-resolution strategies.
package proxy

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/hatago/gateway/internal/upstream"
)

// NamespaceStrategy controls how an upstream's tool names are exposed in
// the aggregate catalog.
type NamespaceStrategy string

const (
	// NamespacePrefix exposes tools as "<upstreamID><separator><toolName>",
	// using the configured namespace separator (default ":").
	NamespacePrefix NamespaceStrategy = "prefix"
	// NamespaceFlat exposes tools under their original name, unprefixed.
	NamespaceFlat NamespaceStrategy = "flat"
)

// ConflictPolicy controls what happens when two upstreams expose the same
// flattened tool name.
type ConflictPolicy string

const (
	// ConflictError rejects registration of the conflicting tool.
	ConflictError ConflictPolicy = "error"
	// ConflictFirstWins keeps whichever upstream registered the name first.
	ConflictFirstWins ConflictPolicy = "first-wins"
	// ConflictRename auto-prefixes the loser with a numeric disambiguator
	// per the configured AutoPrefix format (default "{server}_{index}").
	ConflictRename ConflictPolicy = "rename"
)

// MaxToolsPerUpstream and MaxTotalTools bound catalog growth from a
// misbehaving or malicious upstream.
const (
	MaxToolsPerUpstream = 1000
	MaxTotalTools       = 10000
)

// defaultSeparator is the namespace.separator default per spec §4.6 and
// §6 (config.proxy.namespace.separator), used when none is configured.
const defaultSeparator = ":"

// defaultAutoPrefixFormat is the namespace.autoPrefix.format default per
// spec §4.6: "{server}_{index}".
const defaultAutoPrefixFormat = "{server}_{index}"

// CatalogEntry is one tool as exposed to clients, after namespacing.
type CatalogEntry struct {
	ExposedName string
	OriginalName string
	UpstreamID  string
	Title       string
	Description string
	InputSchema json.RawMessage
}

// Conflict records a tool name collision that the configured ConflictPolicy
// resolved or rejected.
type Conflict struct {
	ToolName   string
	UpstreamID string
	WinnerID   string
	Resolution ConflictPolicy
}

// Catalog is the thread-safe aggregate tool registry for one gateway
// instance.
type Catalog struct {
	strategy NamespaceStrategy
	policy   ConflictPolicy

	mu         sync.RWMutex
	byExposed  map[string]*CatalogEntry
	byUpstream map[string][]string // upstream ID -> exposed names it owns
	conflicts  []Conflict

	// toolsHash caches a fast hash of each upstream's last-applied tool
	// list (name+description+schema), so a Refresh poll that finds nothing
	// changed skips the remove+reinsert churn and conflict reprocessing.
	toolsHash map[string]uint64

	separator        string
	autoPrefixFormat string
	// renameSeq counts how many times each pre-rename exposed name has
	// been disambiguated, so repeated collisions on the same name get a
	// monotonically increasing {index}.
	renameSeq map[string]int
}

// NewCatalog creates an empty Catalog using the given strategy and policy.
// The namespace separator and auto-prefix rename format default to
// defaultSeparator and defaultAutoPrefixFormat; override with SetSeparator
// / SetAutoPrefixFormat to apply config.proxy.namespace values.
func NewCatalog(strategy NamespaceStrategy, policy ConflictPolicy) *Catalog {
	if strategy == "" {
		strategy = NamespacePrefix
	}
	if policy == "" {
		policy = ConflictError
	}
	return &Catalog{
		strategy:         strategy,
		policy:           policy,
		byExposed:        make(map[string]*CatalogEntry),
		byUpstream:       make(map[string][]string),
		toolsHash:        make(map[string]uint64),
		separator:        defaultSeparator,
		autoPrefixFormat: defaultAutoPrefixFormat,
		renameSeq:        make(map[string]int),
	}
}

// SetSeparator overrides the "prefix" namespace strategy's separator
// (config.proxy.namespace.separator). Ignored if sep is empty.
func (c *Catalog) SetSeparator(sep string) {
	if sep == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.separator = sep
}

// SetAutoPrefixFormat overrides the "rename" conflict policy's
// disambiguator template (config.proxy.namespace.autoPrefix.format).
// Ignored if format is empty. The template supports "{server}" and
// "{index}" placeholders.
func (c *Catalog) SetAutoPrefixFormat(format string) {
	if format == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoPrefixFormat = format
}

// hashTools computes a fast, order-sensitive digest of a tool list's
// identity fields, used to detect a no-op Refresh.
func hashTools(tools []upstream.Tool) uint64 {
	h := xxhash.New()
	for _, t := range tools {
		_, _ = h.WriteString(t.Name)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(t.Description)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(t.InputSchema)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// exposedName computes the client-visible tool name for a tool owned by
// upstreamID, per the configured NamespaceStrategy.
func (c *Catalog) exposedName(upstreamID, toolName string) string {
	if c.strategy == NamespaceFlat {
		return toolName
	}
	return upstreamID + c.separator + toolName
}

// autoPrefixed renders the configured autoPrefix.format template for a
// renamed tool, substituting "{server}" with upstreamID and "{index}" with
// the disambiguator count, then joins it to the tool's plain name with the
// namespace separator.
func (c *Catalog) autoPrefixed(upstreamID, toolName string, index int) string {
	prefix := strings.NewReplacer("{server}", upstreamID, "{index}", strconv.Itoa(index)).Replace(c.autoPrefixFormat)
	return prefix + c.separator + toolName
}

// SetToolsForUpstream replaces the catalog entries contributed by one
// upstream, applying the filter, namespace strategy, and conflict policy.
// Returns the conflicts it recorded while doing so.
func (c *Catalog) SetToolsForUpstream(upstreamID string, tools []upstream.Tool, filter upstream.ToolFilter) []Conflict {
	hash := hashTools(tools)

	c.mu.Lock()
	if prev, ok := c.toolsHash[upstreamID]; ok && prev == hash {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	filtered := applyFilter(tools, filter)
	if len(filtered) > MaxToolsPerUpstream {
		filtered = filtered[:MaxToolsPerUpstream]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.toolsHash[upstreamID] = hash
	c.removeUpstreamLocked(upstreamID)

	var recorded []Conflict
	var owned []string
	for _, t := range filtered {
		name := t.Name
		if renamed, ok := filter.Rename[t.Name]; ok {
			name = renamed
		}
		exposed := c.exposedName(upstreamID, name)

		if existing, clash := c.byExposed[exposed]; clash && existing.UpstreamID != upstreamID {
			switch c.policy {
			case ConflictFirstWins:
				recorded = append(recorded, Conflict{ToolName: exposed, UpstreamID: upstreamID, WinnerID: existing.UpstreamID, Resolution: ConflictFirstWins})
				continue
			case ConflictRename:
				c.renameSeq[exposed]++
				exposed = c.autoPrefixed(upstreamID, name, c.renameSeq[exposed])
			default: // ConflictError
				recorded = append(recorded, Conflict{ToolName: exposed, UpstreamID: upstreamID, WinnerID: existing.UpstreamID, Resolution: ConflictError})
				continue
			}
		}

		if len(c.byExposed) >= MaxTotalTools {
			break
		}

		c.byExposed[exposed] = &CatalogEntry{
			ExposedName:  exposed,
			OriginalName: t.Name,
			UpstreamID:   upstreamID,
			Title:        t.Title,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
		}
		owned = append(owned, exposed)
	}
	c.byUpstream[upstreamID] = owned
	c.conflicts = append(c.conflicts, recorded...)
	return recorded
}

func (c *Catalog) removeUpstreamLocked(upstreamID string) {
	for _, exposed := range c.byUpstream[upstreamID] {
		if e, ok := c.byExposed[exposed]; ok && e.UpstreamID == upstreamID {
			delete(c.byExposed, exposed)
		}
	}
	delete(c.byUpstream, upstreamID)
}

// RemoveUpstream drops all catalog entries owned by upstreamID, e.g. when
// it fails startup or is stopped.
func (c *Catalog) RemoveUpstream(upstreamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeUpstreamLocked(upstreamID)
	delete(c.toolsHash, upstreamID)
}

// Lookup resolves an exposed tool name to its catalog entry.
func (c *Catalog) Lookup(exposedName string) (*CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byExposed[exposedName]
	return e, ok
}

// All returns every catalog entry, sorted by exposed name for deterministic
// tools/list responses.
func (c *Catalog) All() []*CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*CatalogEntry, 0, len(c.byExposed))
	for _, e := range c.byExposed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExposedName < out[j].ExposedName })
	return out
}

// Conflicts returns all conflicts recorded so far.
func (c *Catalog) Conflicts() []Conflict {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Conflict, len(c.conflicts))
	copy(out, c.conflicts)
	return out
}

// Count returns the total number of exposed tools.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byExposed)
}

func applyFilter(tools []upstream.Tool, filter upstream.ToolFilter) []upstream.Tool {
	if len(filter.Include) == 0 && len(filter.Exclude) == 0 {
		return tools
	}
	out := make([]upstream.Tool, 0, len(tools))
	for _, t := range tools {
		if len(filter.Include) > 0 && !matchesAny(filter.Include, t.Name) {
			continue
		}
		if matchesAny(filter.Exclude, t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// matchesAny reports whether name matches any glob pattern using '*' as a
// wildcard segment marker (simple prefix/suffix/contains globbing, adequate
// for tool-name filters which are rarely more than a single wildcard).
func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if globMatch(p, name) {
			return true
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	rest := strings.TrimPrefix(name, parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		idx := strings.Index(rest, p)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(p):]
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(name, last) {
		return false
	}
	return true
}
