// Package interpolate resolves "{{path}}" template references against a
// step-results tree and evaluates the restricted boolean predicate grammar
// used by condition and loop nodes. Path extraction is backed by
// tidwall/gjson rather than a hand-rolled JSON walker.
package interpolate

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var refPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Resolver interpolates "{{path}}" references against a snapshot of step
// results. A Resolver is safe for concurrent use once built; Root is
// re-marshaled on each ResolveConfig call so callers may mutate the
// underlying map between calls.
type Resolver struct {
	Root map[string]any
}

// New builds a Resolver over the given step-results snapshot.
func New(stepResults map[string]any) *Resolver {
	return &Resolver{Root: stepResults}
}

// ResolveConfig walks an arbitrary node-config value (map, slice, string, or
// scalar) and returns a copy with every "{{path}}" reference substituted.
// Non-string leaves pass through unchanged.
func (r *Resolver) ResolveConfig(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = r.ResolveConfig(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = r.ResolveConfig(e)
		}
		return out
	case string:
		return r.resolveString(val)
	default:
		return v
	}
}

// resolveString substitutes every "{{path}}" reference in s with the string
// form of the dereferenced value: non-string leaves are stringified by JSON
// rules (objects -> compact JSON, numbers/booleans -> textual form,
// null/missing -> empty string). There is no native-type carve-out for a
// whole-string single reference; a string with no "{{...}}" markers returns
// unchanged.
func (r *Resolver) resolveString(s string) any {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := strings.TrimSpace(s[m[2]:m[3]])
		b.WriteString(stringify(r.lookup(path)))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// ResolveReference resolves a single "{{path}}" reference to its native Go
// type, without stringifying it. This is a distinct surface from
// ResolveConfig/resolveString (which always produce strings): it backs
// typed, non-template consumers that need a native value out of a whole
// reference, such as the loop handler's iteratorExpression, which must
// resolve to an actual array (predicate operands call lookup directly for
// the same native value). ref may be
// given with or without its surrounding "{{" "}}".
func (r *Resolver) ResolveReference(ref string) any {
	path := strings.TrimSpace(ref)
	path = strings.TrimPrefix(path, "{{")
	path = strings.TrimSuffix(path, "}}")
	return r.lookup(strings.TrimSpace(path))
}

// lookup resolves a single dot-path against Root. A missing path is a
// silent miss: it returns nil rather than failing the node, and any
// logging of the miss is the caller's concern.
func (r *Resolver) lookup(path string) any {
	raw, err := json.Marshal(r.Root)
	if err != nil {
		return nil
	}
	result := gjson.GetBytes(raw, gjsonPath(path))
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// gjsonPath maps a dot-path to gjson's path syntax. gjson already accepts
// plain numeric segments as array indices, so the path is returned
// unchanged; the function exists so a future path-syntax divergence has one
// place to adapt.
func gjsonPath(path string) string {
	return path
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
