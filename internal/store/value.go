package store

import "strconv"

// Decoded JSON represents numbers as float64; records written by older CFS
// versions occasionally carry numeric strings. These helpers coerce entry
// values into the types the controllers work with.

// AsInt coerces a decoded JSON value to an int.
func AsInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// AsString coerces a decoded JSON value to a string.
func AsString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// AsBool coerces a decoded JSON value to a bool.
func AsBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// AsMap returns the value as a JSON object.
func AsMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok
}

// AsSlice returns the value as a JSON array.
func AsSlice(value any) ([]any, bool) {
	s, ok := value.([]any)
	return s, ok
}

// StringField returns entry[key] as a string, or "" when absent or not a
// string.
func StringField(entry Entry, key string) string {
	s, _ := AsString(entry[key])
	return s
}

// IntField returns entry[key] as an int, or fallback when absent or not
// numeric.
func IntField(entry Entry, key string, fallback int) int {
	i, ok := AsInt(entry[key])
	if !ok {
		return fallback
	}
	return i
}

// MapField returns entry[key] as an object, or nil.
func MapField(entry Entry, key string) map[string]any {
	m, _ := AsMap(entry[key])
	return m
}

// SliceField returns entry[key] as an array, or nil.
func SliceField(entry Entry, key string) []any {
	s, _ := AsSlice(entry[key])
	return s
}
