package config

import "github.com/spf13/viper"

// Config holds typed configuration for the runner service.
type Config struct {
	LogLevel     string
	MetricsAddr  string
	KafkaBrokers string
	GroupID      string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	// HandlerTimeoutSec bounds one HTTP invocation of the task handler.
	HandlerTimeoutSec int
	// MaxRetries is the number of re-invocations after a failed attempt.
	MaxRetries int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		MetricsAddr:       v.GetString("metrics_addr"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		GroupID:           v.GetString("group_id"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		HandlerTimeoutSec: v.GetInt("handler_timeout_sec"),
		MaxRetries:        v.GetInt("max_retries"),
	}
}
