package automation

import (
	"fmt"
	"regexp"
	"strings"
)

var eventPlaceholderRe = regexp.MustCompile(`\{event\.([a-zA-Z0-9_.-]+)\}`)

// resolveEventTemplate expands {event.<path>} placeholders against the
// event data. Dotted paths walk nested maps; missing paths become the
// empty string.
func resolveEventTemplate(template string, data map[string]any) string {
	return eventPlaceholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := match[len("{event.") : len(match)-1]
		v, ok := lookupPath(data, path)
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	})
}

func lookupPath(data map[string]any, path string) (any, bool) {
	// a key containing dots wins over nested traversal
	if v, ok := data[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
