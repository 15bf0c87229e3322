package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the orchestrator service.
// Empty PostgresDSN, RedisAddr, or KafkaBrokers disable the matching
// integration; the orchestrator then runs memory-only.
type Config struct {
	LogLevel    string
	HTTPPort    string
	MetricsAddr string

	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers string
	EventsTopic  string

	TaskTimeout        time.Duration
	DefaultMaxRetries  int
	DefaultConcurrency int
	GlobalTaskSlots    int
	RateLimitPerMin    int

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:           v.GetString("log_level"),
		HTTPPort:           v.GetString("http_port"),
		MetricsAddr:        v.GetString("metrics_addr"),
		PostgresDSN:        v.GetString("postgres_dsn"),
		RedisAddr:          v.GetString("redis_addr"),
		KafkaBrokers:       v.GetString("kafka_brokers"),
		EventsTopic:        v.GetString("events_topic"),
		TaskTimeout:        v.GetDuration("task_timeout"),
		DefaultMaxRetries:  v.GetInt("default_max_retries"),
		DefaultConcurrency: v.GetInt("default_concurrency"),
		GlobalTaskSlots:    v.GetInt("global_task_slots"),
		RateLimitPerMin:    v.GetInt("rate_limit_per_min"),
		SMTPHost:           v.GetString("smtp_host"),
		SMTPPort:           v.GetInt("smtp_port"),
		SMTPFrom:           v.GetString("smtp_from"),
		SMTPUsername:       v.GetString("smtp_username"),
		SMTPPassword:       v.GetString("smtp_password"),
		OTelEndpoint:       v.GetString("otel_endpoint"),
	}
}
