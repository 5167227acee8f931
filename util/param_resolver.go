package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile("{(.*?)}")

// Lookup resolves a jsonpath expression such as $.answer.text against data.
func Lookup(data map[string]any, path string) (any, bool) {
	if len(data) == 0 || !strings.HasPrefix(path, "$") {
		return nil, false
	}
	value, err := jsonpath.JsonPathLookup(data, path)
	if err != nil || value == nil {
		return nil, false
	}
	return value, true
}

// ResolveTemplate replaces {$.path} tokens with values from vars. Unknown paths
// resolve to an empty string; tokens not starting with $ are left untouched.
func ResolveTemplate(text string, vars map[string]any) string {
	tokens := tokenPattern.FindAllString(text, -1)
	if len(tokens) == 0 {
		return text
	}
	for _, token := range tokens {
		tmatch := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
		if !strings.HasPrefix(tmatch, "$") {
			continue
		}
		value, ok := Lookup(vars, tmatch)
		replacement := ""
		if ok {
			replacement = fmt.Sprintf("%v", value)
		}
		text = strings.ReplaceAll(text, token, replacement)
	}
	return text
}

func ResolveParams(vars map[string]any, params map[string]any) map[string]any {
	output := make(map[string]any, len(params))
	for k, v := range params {
		output[k] = resolveValue(vars, v)
	}
	return output
}

func resolveValue(vars map[string]any, v any) any {
	switch val := v.(type) {
	case map[string]any:
		return ResolveParams(vars, val)
	case string:
		return ResolveTemplate(val, vars)
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, resolveValue(vars, item))
		}
		return out
	default:
		return v
	}
}
