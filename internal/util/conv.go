package util

// ToInt64 converts a Redis Lua reply element to int64.
// Scripts may hand back int64, float64 or uint64 depending on the path.
func ToInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case uint64:
		return int64(x)
	case int:
		return int64(x)
	default:
		return 0
	}
}
