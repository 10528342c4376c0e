package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Scope is the data a template can reference. ContactName and Phone are the
// execution's fixed context; everything else comes from Variables.
type Scope struct {
	ContactName string
	Phone       string
	Variables   map[string]any
}

// Interpolate replaces every {{name}} placeholder in template. Whitespace inside
// the braces is ignored and dotted names walk nested maps. Placeholders that do
// not resolve are left in the output exactly as written.
func Interpolate(template string, scope Scope) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}
		start := i + idx
		out.WriteString(template[i:start])

		end := strings.Index(template[start+2:], "}}")
		if end == -1 {
			out.WriteString(template[start:])
			break
		}
		end += start + 2

		name := strings.TrimSpace(template[start+2 : end])
		if val, ok := scope.lookup(name); ok {
			out.WriteString(Stringify(val))
		} else {
			out.WriteString(template[start : end+2])
		}
		i = end + 2
	}
	return out.String()
}

// InterpolateValue interpolates every string found in v, descending into maps
// and slices. Other values are returned unchanged.
func InterpolateValue(v any, scope Scope) any {
	switch val := v.(type) {
	case string:
		return Interpolate(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = InterpolateValue(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = InterpolateValue(item, scope)
		}
		return out
	default:
		return v
	}
}

func (s Scope) lookup(name string) (any, bool) {
	if !validIdentifier(name) {
		return nil, false
	}
	switch name {
	case "contact_name":
		if s.ContactName != "" {
			return s.ContactName, true
		}
	case "phone":
		if s.Phone != "" {
			return s.Phone, true
		}
	}
	if s.Variables == nil {
		return nil, false
	}
	if v, ok := s.Variables[name]; ok {
		return v, true
	}
	return traversePath(s.Variables, name)
}

// traversePath walks a dot-delimited path through nested maps.
func traversePath(root map[string]any, path string) (any, bool) {
	var current any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// validIdentifier accepts word characters and dots, the only names a
// placeholder may use.
func validIdentifier(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	for _, r := range name {
		switch {
		case r == '_' || r == '.':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Stringify renders a variable value as message text. Strings are verbatim,
// whole floats drop their fraction, and maps or slices become JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
