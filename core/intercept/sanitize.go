package intercept

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	redactedValue   = "[REDACTED]"
	truncatedSuffix = "...[truncated]"
)

var secretKeyMarkers = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
	"cookie",
}

// sanitizeArgs returns a JSON-shaped copy of args with secret-looking keys
// redacted and long strings truncated to maxChars runes.
func sanitizeArgs(args any, maxChars int) any {
	normalized, err := toJSONValue(args)
	if err != nil {
		return truncate(fmt.Sprintf("%v", args), maxChars)
	}
	return sanitizeValue(normalized, maxChars)
}

func toJSONValue(value any) (any, error) {
	switch value.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return value, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sanitizeValue(value any, maxChars int) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			if isSecretKey(key) {
				out[key] = redactedValue
				continue
			}
			out[key] = sanitizeValue(item, maxChars)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for index, item := range typed {
			out[index] = sanitizeValue(item, maxChars)
		}
		return out
	case string:
		return truncate(typed, maxChars)
	case nil, bool, float64:
		return typed
	default:
		normalized, err := toJSONValue(typed)
		if err != nil {
			return truncate(fmt.Sprintf("%v", typed), maxChars)
		}
		return sanitizeValue(normalized, maxChars)
	}
}

func isSecretKey(key string) bool {
	lowered := strings.ToLower(strings.ReplaceAll(key, "-", "_"))
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func truncate(value string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(value) <= maxChars {
		return value
	}
	runes := []rune(value)
	return string(runes[:maxChars]) + truncatedSuffix
}
