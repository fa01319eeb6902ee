package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key, falling back when the variable is unset
// or empty. Empty and unset are deliberately treated the same: an empty
// override in a compose file should not blank out a default.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetIntEnv parses key as an integer. Malformed values fall back and are
// logged rather than failing startup.
func GetIntEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer in environment", "key", key, "value", v)
		return fallback
	}
	return n
}

// GetDurationEnv parses key in time.ParseDuration syntax ("30s", "5m").
// Malformed values fall back the same way GetIntEnv does.
func GetDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring malformed duration in environment", "key", key, "value", v)
		return fallback
	}
	return d
}

// GetSecretFile reads a secret mounted as a file (docker secrets under
// /run/secrets, kubernetes secret volumes) and strips the trailing newline
// most secret writers leave behind. An empty path or unreadable file yields
// "", which disables the feature guarded by the secret.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("secret file not readable", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
