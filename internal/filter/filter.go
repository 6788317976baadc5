// Package filter computes, for each incoming request, which tools in the
// catalog are visible to the caller, combining a per-request header,
// session-declared tool set, and static configuration in that order of
// precedence.
package filter

import (
	"encoding/json"
	"strings"

	"github.com/5dlabs/toolman/internal/catalog"
	"github.com/5dlabs/toolman/internal/mcperr"
)

// StaticEnabled reports whether a tool is enabled by static configuration.
// A tool absent from the underlying map is enabled by default; only an
// explicit false entry masks it, and that mask applies even under a "*"
// header, per the aggregator's conservative reading of an otherwise
// unspecified interaction.
type StaticEnabled interface {
	IsEnabled(prefixedName string) bool
}

// Compute returns the deterministic, catalog-ordered slice of tools
// visible to this request. header is the raw per-request filter header
// value, or "" if absent. sessionTools is the requested-tool set declared
// at session creation, or nil if the caller has no session.
func Compute(all []catalog.Tool, header string, sessionTools []string, static StaticEnabled) ([]catalog.Tool, error) {
	var visible map[string]bool

	switch {
	case header != "":
		patterns, err := parseHeader(header)
		if err != nil {
			return nil, mcperr.Wrap(mcperr.InvalidParams, "unparseable filter header", err)
		}
		visible = matchAll(all, patterns)
	case len(sessionTools) > 0:
		visible = make(map[string]bool, len(sessionTools))
		for _, name := range sessionTools {
			visible[name] = true
		}
	default:
		visible = map[string]bool{}
	}

	out := make([]catalog.Tool, 0, len(visible))
	for _, t := range all {
		if !visible[t.PrefixedName] {
			continue
		}
		if static != nil && !static.IsEnabled(t.PrefixedName) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// parseHeader recognizes the three grammars §4.6 allows: the literal "*",
// a JSON array of strings, or a comma-separated list. Any other shape is a
// parse failure, reported as invalid_params by the caller.
func parseHeader(header string) ([]string, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "*" {
		return []string{"*"}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var patterns []string
		if err := json.Unmarshal([]byte(trimmed), &patterns); err != nil {
			return nil, err
		}
		return patterns, nil
	}
	parts := strings.Split(trimmed, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func matchAll(all []catalog.Tool, patterns []string) map[string]bool {
	visible := make(map[string]bool, len(all))
	for _, p := range patterns {
		if p == "*" {
			for _, t := range all {
				visible[t.PrefixedName] = true
			}
			return visible
		}
	}
	for _, t := range all {
		for _, p := range patterns {
			if globMatch(p, t.PrefixedName) {
				visible[t.PrefixedName] = true
				break
			}
		}
	}
	return visible
}

// globMatch implements the single-segment "*" wildcard semantics §4.6
// calls for: "*" matches any run of characters within the name, with no
// path-separator awareness. path.Match treats "/" specially in a way this
// use case has no notion of (prefixed tool names never contain "/"), so a
// small hand-rolled matcher is clearer than working around stdlib's path
// semantics for a case that does not need them.
func globMatch(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "*"), name, strings.Contains(pattern, "*"))
}

func matchSegments(segments []string, name string, hasWildcard bool) bool {
	if !hasWildcard {
		return len(segments) == 1 && segments[0] == name
	}
	if !strings.HasPrefix(name, segments[0]) {
		return false
	}
	name = name[len(segments[0]):]
	for i := 1; i < len(segments)-1; i++ {
		idx := strings.Index(name, segments[i])
		if idx < 0 {
			return false
		}
		name = name[idx+len(segments[i]):]
	}
	return strings.HasSuffix(name, segments[len(segments)-1])
}
