package config

import (
	"os"
	"strconv"
	"strings"
)

// BoolEnv parses name as a boolean. Unset or unrecognised values yield
// defaultValue.
func BoolEnv(name string, defaultValue bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return defaultValue
	}

	switch v {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return defaultValue
	}
}

// IntEnvClamped parses name as an integer clamped to [minValue, maxValue].
func IntEnvClamped(name string, defaultValue, minValue, maxValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return clamp(n, minValue, maxValue)
}

// StringEnv returns the trimmed value of name, or defaultValue when unset.
func StringEnv(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

func clamp(n, minValue, maxValue int) int {
	if minValue > maxValue {
		return n
	}
	if n < minValue {
		return minValue
	}
	if n > maxValue {
		return maxValue
	}
	return n
}
