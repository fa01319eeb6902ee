package notify

import (
	"time"

	"jobsengine/internal/config"
)

// Config holds notifier settings.
type Config struct {
	BufferSize  int
	Workers     int
	HTTPTimeout time.Duration
	SigningKey  string
	Source      string // CloudEvents source URI
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Source == "" {
		c.Source = "jobsengine"
	}
	return c
}

// LoadConfigFromEnv reads notifier settings from the environment.
func LoadConfigFromEnv() Config {
	return Config{
		BufferSize:  config.GetIntEnv("NOTIFIER_BUFFER_SIZE", 1024),
		Workers:     config.GetIntEnv("NOTIFIER_WORKERS", 2),
		HTTPTimeout: config.GetDurationEnv("NOTIFIER_HTTP_TIMEOUT", 10*time.Second),
		SigningKey:  config.GetSecretFile(config.GetEnv("NOTIFIER_SIGNING_KEY_FILE", "")),
		Source:      config.GetEnv("NOTIFIER_SOURCE", "jobsengine"),
	}
}
