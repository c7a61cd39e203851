package shared

import (
	"os"
	"regexp"
	"strings"
)

var envRefPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// ExpandEnvRef resolves a `${VAR_NAME}` reference against the process
// environment. Values that are not a reference pass through verbatim, so
// config files can carry either a literal key or an indirection.
func ExpandEnvRef(value string) string {
	m := envRefPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return value
	}
	return os.Getenv(m[1])
}

// Getenv reads an environment variable with a fallback default.
func Getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
