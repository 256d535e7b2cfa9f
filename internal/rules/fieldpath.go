// internal/rules/fieldpath.go
package rules

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dealbrain/dealbrain/internal/types"
)

/*
 * Field path resolution for listing contexts.
 *
 * Paths are dotted references into the listing context, optionally with
 * array index and wildcard segments:
 *
 *   ram_gb
 *   ram_spec.ddr_generation
 *   storage_profiles[0].capacity_gb
 *   ports_profile.ports[*].type
 *
 * The context provider may hand us either a flattened map (the key is the
 * whole dotted path) or nested maps joined from CPU/GPU/RamSpec/etc. rows.
 * Resolve checks the flattened key first, then walks segments.
 *
 * Wildcard semantics: ANY - the first element that resolves wins. Object
 * wildcards iterate keys in sorted order so results are deterministic.
 *
 * Limits (depth, wildcard count) are enforced by ParsePath, which runs when
 * a rule is saved; Resolve never fails on well-formed paths, it only
 * reports not-found.
 */

// PathSegment represents one component of a field path.
type PathSegment struct {
	Key      string // object key (mutually exclusive with Index/Wildcard)
	Index    int    // array index (mutually exclusive with Key/Wildcard)
	IsIndex  bool   // disambiguates Index=0 from unset
	Wildcard bool   // true = [*] segment
}

// Path is a parsed field path. Raw is kept for flattened-key lookup and
// for explanation text.
type Path struct {
	Raw      string
	Segments []PathSegment
}

func (p Path) String() string { return p.Raw }

// ResolveResult contains the resolved value.
type ResolveResult struct {
	Value any  // resolved value (nil if not found)
	Found bool // true if path resolved to a value
}

// ParsePath parses a dotted field path and enforces depth/wildcard limits.
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Path{}, types.ErrInvalidPath
	}

	var segments []PathSegment
	for _, part := range strings.Split(raw, ".") {
		if part == "" {
			return Path{}, types.ErrInvalidPath
		}
		name := part
		rest := ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			name, rest = part[:i], part[i:]
		}
		if name != "" {
			segments = append(segments, PathSegment{Key: name})
		} else if len(segments) == 0 {
			// "[0].x" has nothing to index into
			return Path{}, types.ErrInvalidPath
		}
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				return Path{}, types.ErrInvalidPath
			}
			inner := rest[1:end]
			rest = rest[end+1:]
			if inner == "*" {
				segments = append(segments, PathSegment{Wildcard: true})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return Path{}, types.ErrInvalidPath
			}
			segments = append(segments, PathSegment{Index: idx, IsIndex: true})
		}
	}

	if len(segments) > types.MaxPathDepth {
		return Path{}, types.ErrPathTooDeep
	}
	wildcards := 0
	for _, seg := range segments {
		if seg.Wildcard {
			wildcards++
		}
	}
	if wildcards > types.MaxNestedWildcards {
		return Path{}, types.ErrTooManyWildcards
	}

	return Path{Raw: raw, Segments: segments}, nil
}

// MustParsePath is ParsePath for static paths; it panics on error.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic("rules: bad path " + strconv.Quote(raw) + ": " + err.Error())
	}
	return p
}

// Resolve looks up path in ctx. Returns ErrFieldNotFound when any segment
// is missing or the value at the end is null.
func Resolve(path Path, ctx types.Context) (ResolveResult, error) {
	if v, ok := ctx[path.Raw]; ok {
		if v == nil {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return ResolveResult{Value: v, Found: true}, nil
	}
	return resolveRecursive(path.Segments, map[string]any(ctx))
}

// resolveRecursive traverses nested structures following path segments.
// Returns first match for wildcards (ANY semantics).
func resolveRecursive(path []PathSegment, current any) (ResolveResult, error) {
	if len(path) == 0 {
		if current == nil {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return ResolveResult{Value: current, Found: true}, nil
	}

	seg := path[0]
	remaining := path[1:]

	if obj, ok := asObject(current); ok {
		if seg.Wildcard {
			// Sort keys for deterministic iteration order
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				result, err := resolveRecursive(remaining, obj[key])
				if err == nil && result.Found {
					return result, nil
				}
			}
			return ResolveResult{}, types.ErrFieldNotFound
		}
		if seg.IsIndex {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		val, ok := obj[seg.Key]
		if !ok {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, val)
	}

	if arr, ok := asSlice(current); ok {
		if seg.Wildcard {
			for _, elem := range arr {
				result, err := resolveRecursive(remaining, elem)
				if err == nil && result.Found {
					return result, nil
				}
			}
			return ResolveResult{}, types.ErrFieldNotFound
		}
		if !seg.IsIndex || seg.Index >= len(arr) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, arr[seg.Index])
	}

	// Scalar or null value but path continues
	return ResolveResult{}, types.ErrFieldNotFound
}

// asObject accepts the map shapes a context provider produces.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.Context:
		return map[string]any(m), true
	case types.Metadata:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

// asSlice accepts JSON-decoded arrays and the typed slices Go callers build.
func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}
