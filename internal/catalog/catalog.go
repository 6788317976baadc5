// Package catalog maintains the read-mostly index of every tool discovered
// across all backends, under the prefixed names callers actually see.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/5dlabs/toolman/internal/backend"
)

// Tool is one entry in the catalog: a backend's tool, indexed under its
// collision-resolved prefixed name. InputSchema and Description are kept
// byte-for-byte as the backend declared them.
type Tool struct {
	PrefixedName string
	OriginalName string
	BackendID    string
	Description  string
	InputSchema  json.RawMessage
}

// Catalog indexes tools by prefixed name and tracks, per backend, which
// names currently belong to it so a rediscovery can atomically replace
// just that backend's slice.
type Catalog struct {
	mu        sync.RWMutex
	byName    map[string]Tool
	byBackend map[string][]string // backend_id -> prefixed names currently owned
}

func New() *Catalog {
	return &Catalog{
		byName:    make(map[string]Tool),
		byBackend: make(map[string][]string),
	}
}

// sanitize maps a raw identifier onto [A-Za-z0-9_], per §4.4. Any other
// byte becomes an underscore; this is deliberately permissive rather than
// dropping characters, so two differently-punctuated names don't silently
// collapse to the same prefix without going through collision resolution.
func sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// OnDiscover implements backend.ToolDiscoveryFunc: it is handed straight to
// backend.NewConnection/Pool as the subscriber for rediscovery events.
//
// Name assignment happens under a single write lock so that (a) the
// backend's own previous names are removed from the taken set before
// collision resolution runs, so a stable re-discovery reproduces the exact
// same prefixed names rather than colliding with its own prior entry, and
// (b) names assigned earlier in this same batch are visible to collision
// resolution for names assigned later in the batch, so two raw tools from
// the same backend that sanitize to the same base never collide silently.
func (c *Catalog) OnDiscover(backendID string, raw []backend.RawTool) {
	type candidate struct {
		base string
		tool backend.RawTool
	}
	candidates := make([]candidate, 0, len(raw))
	for _, t := range raw {
		if err := validateSchema(t.InputSchema); err != nil {
			// A malformed schema does not abort discovery for the rest of
			// the backend's tools; that one tool is dropped. OnDiscover has
			// no error result and logs nothing, so the drop is not reported.
			continue
		}
		candidates = append(candidates, candidate{base: sanitize(backendID) + "_" + sanitize(t.Name), tool: t})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, old := range c.byBackend[backendID] {
		delete(c.byName, old)
	}

	seen := make(map[string]int)
	names := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		name := cand.base
		for {
			if _, taken := c.byName[name]; !taken {
				break
			}
			seen[cand.base]++
			name = fmt.Sprintf("%s_%d", cand.base, seen[cand.base]+1)
		}
		c.byName[name] = Tool{
			PrefixedName: name,
			OriginalName: cand.tool.Name,
			BackendID:    backendID,
			Description:  cand.tool.Description,
			InputSchema:  cand.tool.InputSchema,
		}
		names = append(names, name)
	}
	c.byBackend[backendID] = names
}

func (c *Catalog) Lookup(prefixedName string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[prefixedName]
	return t, ok
}

// Iter returns a snapshot of every tool currently indexed, in a stable
// order (sorted by prefixed name) so callers get deterministic output.
func (c *Catalog) Iter() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.byName))
	for _, t := range c.byName {
		out = append(out, t)
	}
	sortTools(out)
	return out
}

// FindByBackendAndOriginal looks up a tool by the backend id and original
// (unprefixed) name the backend itself declared, for callers like the
// enable_tool/disable_tool built-ins that only know the tool by its
// pre-prefixing identity.
func (c *Catalog) FindByBackendAndOriginal(backendID, originalName string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range c.byBackend[backendID] {
		if t, ok := c.byName[name]; ok && t.OriginalName == originalName {
			return t, true
		}
	}
	return Tool{}, false
}

func (c *Catalog) IterForBackend(backendID string) []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := c.byBackend[backendID]
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		if t, ok := c.byName[n]; ok {
			out = append(out, t)
		}
	}
	sortTools(out)
	return out
}

func sortTools(tools []Tool) {
	for i := 1; i < len(tools); i++ {
		for j := i; j > 0 && tools[j-1].PrefixedName > tools[j].PrefixedName; j-- {
			tools[j-1], tools[j] = tools[j], tools[j-1]
		}
	}
}

// validateSchema confirms a backend's declared input schema is at least
// well-formed JSON Schema; it never rewrites or normalizes the schema, only
// rejects tools whose schema would choke a caller trying to validate
// arguments against it later.
func validateSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("catalog: invalid input schema: %w", err)
	}
	return nil
}
