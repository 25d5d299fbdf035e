package notify

import (
	"regexp"

	"github.com/spf13/cast"
)

var placeholder = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Render replaces every {{key}} in content with the string form of
// vars[key]. Unbound keys render as the empty string.
func Render(content string, vars map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok || v == nil {
			return ""
		}
		return cast.ToString(v)
	})
}

// mergeVars returns base overlaid with override.
func mergeVars(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Placeholders lists the distinct keys referenced by content, in order of
// first use.
func Placeholders(content string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
