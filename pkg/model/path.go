package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Lookup resolves a dotted path against a value tree. Missing
// intermediate keys evaluate as unset (ok == false).
func Lookup(tree map[string]interface{}, path string) (interface{}, bool) {
	if tree == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur interface{} = tree
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

var templateRef = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// IsTemplateRef reports whether s is a single "{{path}}" reference and
// returns the inner path.
func IsTemplateRef(s string) (string, bool) {
	m := templateRef.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || strings.TrimSpace(s) != m[0] {
		return "", false
	}
	return m[1], true
}

// ExpandString substitutes every {{path}} occurrence in s with the
// stringified value at that path in src. A string that is exactly one
// reference yields the referenced value itself, preserving its type.
func ExpandString(s string, src map[string]interface{}) interface{} {
	if path, ok := IsTemplateRef(s); ok {
		path = strings.TrimPrefix(path, "context.")
		if v, found := Lookup(src, path); found {
			return v
		}
		return nil
	}
	return templateRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := templateRef.FindStringSubmatch(ref)
		path := strings.TrimPrefix(m[1], "context.")
		if v, found := Lookup(src, path); found {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}

// ExpandPayload template-expands every string value (recursively) of a
// cascading-rule payload against the source context.
func ExpandPayload(payload map[string]interface{}, src map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = expandValue(v, src)
	}
	return out
}

func expandValue(v interface{}, src map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return ExpandString(val, src)
	case map[string]interface{}:
		return ExpandPayload(val, src)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = expandValue(item, src)
		}
		return out
	default:
		return v
	}
}
