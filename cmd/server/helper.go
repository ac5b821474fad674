package main

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Helper functions for query parameters. Absent or blank parameters fall back to the default;
// present but malformed ones are a caller error.

// badRequestError marks caller input problems so they map to 400.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// queryString returns a trimmed parameter or the default
func queryString(q url.Values, key, defaultValue string) string {
	if value := strings.TrimSpace(q.Get(key)); value != "" {
		return value
	}
	return defaultValue
}

// queryFloat parses a finite float parameter or returns the default
func queryFloat(q url.Values, key string, defaultValue float64) (float64, error) {
	v, err := queryOptionalFloat(q, key)
	if err != nil || v == nil {
		return defaultValue, err
	}
	return *v, nil
}

// queryOptionalFloat parses a finite float parameter, returning nil when absent
func queryOptionalFloat(q url.Values, key string) (*float64, error) {
	value := strings.TrimSpace(q.Get(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil, badRequest("invalid %s: %q is not a finite number", key, value)
	}
	return &parsed, nil
}

// queryInt parses an integer parameter or returns the default
func queryInt(q url.Values, key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(q.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, badRequest("invalid %s: %q is not an integer", key, value)
	}
	return parsed, nil
}

// queryPositiveInt is queryInt restricted to values above zero
func queryPositiveInt(q url.Values, key string, defaultValue int) (int, error) {
	v, err := queryInt(q, key, defaultValue)
	if err != nil {
		return v, err
	}
	if v <= 0 {
		return defaultValue, badRequest("invalid %s: must be positive, got %d", key, v)
	}
	return v, nil
}
