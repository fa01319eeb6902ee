// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	DBPath            string        // SQLite database file
	WorkerSlots       int           // concurrent execution slots
	QueueSize         int           // pending queue capacity
	CancelGracePeriod time.Duration // how long a cancelled body may keep running
	SubscriberBuffer  int           // per-subscriber log buffer size
	ShutdownDrainWait time.Duration // time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		DBPath:            GetEnv("DB_PATH", "data/jobs.db"),
		WorkerSlots:       GetIntEnv("WORKER_SLOTS", 4),
		QueueSize:         GetIntEnv("QUEUE_SIZE", 128),
		CancelGracePeriod: GetDurationEnv("CANCEL_GRACE_PERIOD", 30*time.Second),
		SubscriberBuffer:  GetIntEnv("SUBSCRIBER_BUFFER", 256),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
