// Package cmdutil holds the small helpers shared by command entrypoints:
// environment parsing with defaults and JSON output.
package cmdutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// env returns the trimmed value of key and whether it was non-blank. Blank
// and unset are treated the same so that `QSV_X=` in a unit file does not
// differ from leaving the variable out.
func env(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// EnvString returns the env value, or fallback when unset or blank.
func EnvString(key string, fallback string) string {
	if v, ok := env(key); ok {
		return v
	}
	return fallback
}

// EnvBool parses a boolean env value, or returns fallback when unset.
func EnvBool(key string, fallback bool) (bool, error) {
	raw, ok := env(key)
	if !ok {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}

// EnvInt parses an integer env value, or returns fallback when unset.
func EnvInt(key string, fallback int) (int, error) {
	raw, ok := env(key)
	if !ok {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// EnvInt64 parses an int64 env value, or returns fallback when unset.
func EnvInt64(key string, fallback int64) (int64, error) {
	raw, ok := env(key)
	if !ok {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// EnvDuration parses a time.Duration env value, or returns fallback when
// unset. Bare numbers are rejected; the unit must be explicit ("30s").
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := env(key)
	if !ok {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

// SplitCSVEnv splits a comma-separated env value into trimmed non-empty
// parts. An unset or blank variable yields nil.
func SplitCSVEnv(key string) []string {
	raw, ok := env(key)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
