package router

import (
	"fmt"
	"log/slog"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_.-]+)\}`)

// ResolvePrompt substitutes {param} placeholders in template with the
// string-cast values from params. Missing params become the empty
// string and are logged; substitution is literal, no escaping.
func ResolvePrompt(template string, params map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		v, ok := params[key]
		if !ok {
			slog.Warn("router: prompt param missing, substituting empty", "param", key)
			return ""
		}
		return fmt.Sprint(v)
	})
}
