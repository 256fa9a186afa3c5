package config

import "github.com/spf13/viper"

// Config holds typed configuration for the reconciler service.
type Config struct {
	LogLevel     string
	MetricsAddr  string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	// SweepCron is a standard five-field cron expression for the sweep cadence.
	SweepCron string
	// DeadlineMin is how long a task may stay running before the sweep fails it.
	DeadlineMin int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		MetricsAddr:  v.GetString("metrics_addr"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		SweepCron:    v.GetString("sweep_cron"),
		DeadlineMin:  v.GetInt("deadline_min"),
	}
}
