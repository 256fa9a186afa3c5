package config

import "github.com/spf13/viper"

// Config holds typed configuration for the api service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	GitHubToken   string
	GitHubBaseURL string
	GitHubRPS     float64

	// CallbackURL is the task-handler endpoint the runner invokes for each
	// queued task. It travels inside the invocation envelope.
	CallbackURL string

	// MaxDispatch bounds concurrent task creation during a bulk delegate.
	MaxDispatch int

	// NotifyPerMinute caps issue-tracker notifications per repository per
	// minute across all api replicas. Zero disables the limiter.
	NotifyPerMinute int

	// AnthropicAPIKey enables the AI issue summary in delegation comments
	// when non-empty.
	AnthropicAPIKey string
	SummaryModel    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		GitHubToken:     v.GetString("github_token"),
		GitHubBaseURL:   v.GetString("github_base_url"),
		GitHubRPS:       v.GetFloat64("github_rps"),
		CallbackURL:     v.GetString("callback_url"),
		MaxDispatch:     v.GetInt("max_dispatch"),
		NotifyPerMinute: v.GetInt("notify_per_minute"),
		AnthropicAPIKey: v.GetString("anthropic_api_key"),
		SummaryModel:    v.GetString("summary_model"),
	}
}
