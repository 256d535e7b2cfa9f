package formula

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/dealbrain/dealbrain/internal/types"
)

// reserved words that are never context fields.
var reserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true,
	VarSubtotal: true, VarBasePrice: true,
}

// normalize widens integer literals to doubles and collects the top-level
// identifiers the expression reads. Literals used as list indexes ("[0]")
// stay integers. Identifiers followed by "(" are calls, identifiers after
// "." are field selections; neither is a context field.
func normalize(src string) (string, []string) {
	var b strings.Builder
	b.Grow(len(src) + 8)
	seen := map[string]bool{}
	var idents []string

	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			j := skipString(src, i)
			b.WriteString(src[i:j])
			i = j

		case isDigit(c):
			j, isInt := scanNumber(src, i)
			b.WriteString(src[i:j])
			if isInt && !(prevNonSpace(src, i) == '[' && nextNonSpace(src, j) == ']') {
				b.WriteString(".0")
			}
			i = j

		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			b.WriteString(word)
			isField := !reserved[word] &&
				prevNonSpace(src, i) != '.' &&
				nextNonSpace(src, j) != '(' &&
				!(j < n && (src[j] == '"' || src[j] == '\'')) // r"..." / b'...' prefixes
			if isField && !seen[word] {
				seen[word] = true
				idents = append(idents, word)
			}
			i = j

		default:
			b.WriteByte(c)
			i++
		}
	}
	sort.Strings(idents)
	return b.String(), idents
}

func skipString(src string, i int) int {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(src)
}

// scanNumber consumes a numeric literal starting at i and reports whether
// it is a plain decimal integer.
func scanNumber(src string, i int) (int, bool) {
	n := len(src)
	j := i
	if j+1 < n && src[j] == '0' && (src[j+1] == 'x' || src[j+1] == 'X') {
		j += 2
		for j < n && isHexDigit(src[j]) {
			j++
		}
		if j < n && (src[j] == 'u' || src[j] == 'U') {
			j++
		}
		return j, false
	}
	isInt := true
	for j < n && isDigit(src[j]) {
		j++
	}
	if j+1 < n && src[j] == '.' && isDigit(src[j+1]) {
		isInt = false
		j++
		for j < n && isDigit(src[j]) {
			j++
		}
	}
	if j < n && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < n && (src[k] == '+' || src[k] == '-') {
			k++
		}
		if k < n && isDigit(src[k]) {
			isInt = false
			j = k
			for j < n && isDigit(src[j]) {
				j++
			}
		}
	}
	if isInt && j < n && (src[j] == 'u' || src[j] == 'U') {
		return j + 1, false
	}
	return j, isInt
}

func prevNonSpace(src string, i int) byte {
	for k := i - 1; k >= 0; k-- {
		if !isSpace(src[k]) {
			return src[k]
		}
	}
	return 0
}

func nextNonSpace(src string, j int) byte {
	for k := j; k < len(src); k++ {
		if !isSpace(src[k]) {
			return src[k]
		}
	}
	return 0
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isHexDigit(c byte) bool   { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

// activation builds the CEL input from a listing context. Flattened keys
// ("cpu.cpu_mark") are nested so selection syntax reaches them, and numbers
// are widened to float64. Only fields the program reads are copied.
func activation(lctx types.Context, fields []string) map[string]any {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}

	act := make(map[string]any, len(fields)+2)
	for k, v := range lctx {
		head, rest, dotted := strings.Cut(k, ".")
		if !want[head] {
			continue
		}
		if !dotted {
			if existing, ok := act[k].(map[string]any); ok {
				if m, ok := widen(v).(map[string]any); ok {
					for mk, mv := range m {
						existing[mk] = mv
					}
					continue
				}
			}
			act[k] = widen(v)
			continue
		}
		setPath(act, head, rest, widen(v))
	}
	return act
}

// setPath stores v at head.rest, creating maps on the way. Existing
// non-map values are left alone.
func setPath(act map[string]any, head, rest string, v any) {
	cur, ok := act[head].(map[string]any)
	if !ok {
		if _, taken := act[head]; taken {
			return
		}
		cur = map[string]any{}
		act[head] = cur
	}
	parts := strings.Split(rest, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			if _, taken := cur[p]; taken {
				return
			}
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if _, taken := cur[last]; !taken {
		cur[last] = v
	}
}

// widen converts a context value into the shapes CEL adapts natively, with
// every number as float64.
func widen(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = widen(e)
		}
		return out
	case types.Context:
		return widen(map[string]any(x))
	case types.Metadata:
		return widen(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = widen(e)
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	default:
		return v
	}
}
