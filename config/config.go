// Config loads configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

const Version = "1.0"

// Get returns the environment variable varName, or defaultVal when unset.
func Get(varName string, defaultVal string) string {
	if v := os.Getenv(varName); v != "" {
		return v
	}
	return defaultVal
}

// GetInt loads the environment variable varName, converts it to an integer,
// and returns that integer or an error.
func GetInt(varName string) (int, error) {
	envVar := os.Getenv(varName)
	return strconv.Atoi(envVar)
}

// GetIntOrDefault returns varName parsed as an integer, or defaultVal when
// unset or unparseable.
func GetIntOrDefault(varName string, defaultVal int) int {
	if n, err := GetInt(varName); err == nil {
		return n
	}
	return defaultVal
}

// GetDurationOrDefault returns varName parsed with time.ParseDuration, or
// defaultVal when unset or unparseable.
func GetDurationOrDefault(varName string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(varName)); err == nil {
		return d
	}
	return defaultVal
}
