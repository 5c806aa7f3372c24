package sourcegraph

import "encoding/json"

// NormalizeDelta unwraps a completion payload into assistant text. JSON strings
// are unquoted, objects yield their "completion" or "deltaText" field, and
// anything that is not JSON is returned unchanged. The boolean is false when
// the payload carries no text.
func NormalizeDelta(raw string) (string, bool) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw, raw != ""
	}

	switch t := v.(type) {
	case string:
		return t, t != ""
	case map[string]any:
		for _, key := range []string{"completion", "deltaText"} {
			if s, ok := t[key].(string); ok && s != "" {
				return s, true
			}
		}
		return "", false
	default:
		return raw, true
	}
}
