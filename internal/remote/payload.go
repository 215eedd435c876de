package remote

import "math"

func GetPayloadString(payload map[string]any, key string, defaultVal string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

func GetPayloadInt(payload map[string]any, key string, defaultVal int) int {
	if v, ok := payload[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

func GetPayloadBool(payload map[string]any, key string, defaultVal bool) bool {
	if v, ok := payload[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// timeoutSeconds reads a whole-second timeout, falling back to defaultVal
// when absent. Values beyond the int32 range are clamped so the session
// reports them as out of range.
func timeoutSeconds(payload map[string]any, key string, defaultVal int) (int, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return defaultVal, nil
	}
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, badRequest("%s must be a number", key)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, badRequest("%s must be a whole number of seconds", key)
	}
	switch {
	case f > math.MaxInt32:
		return math.MaxInt32, nil
	case f < math.MinInt32:
		return math.MinInt32, nil
	}
	return int(f), nil
}

// requireString returns a non-empty string parameter or a bad request.
func requireString(payload map[string]any, key string) (string, error) {
	s := GetPayloadString(payload, key, "")
	if s == "" {
		return "", badRequest("missing %s", key)
	}
	return s, nil
}

// requireBool returns a boolean parameter or a bad request.
func requireBool(payload map[string]any, key string) (bool, error) {
	v, ok := payload[key]
	if !ok {
		return false, badRequest("missing %s", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, badRequest("%s must be a boolean", key)
	}
	return b, nil
}
