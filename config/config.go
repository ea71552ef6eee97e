package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Matcher modes for if_group and the pattern fields
const (
	MatcherWord  = "word"
	MatcherRegex = "regex"
)

// Config holds all configuration for analysisd
type Config struct {
	Rules struct {
		// Files lists rule files and directories, loaded in order
		Files            []string `mapstructure:"files"`
		SchemaValidation bool     `mapstructure:"schema_validation"`
		// ImplicitRoots turns the first rule of an unknown category into its root
		ImplicitRoots bool `mapstructure:"implicit_roots"`
	} `mapstructure:"rules"`

	History struct {
		MaxSize int `mapstructure:"max_size"` // entries kept per correlation list
	} `mapstructure:"history"`

	Matcher struct {
		Mode           string `mapstructure:"mode"`
		RegexTimeoutMS int    `mapstructure:"regex_timeout_ms"`
		CacheSize      int    `mapstructure:"cache_size"`
	} `mapstructure:"matcher"`

	Engine struct {
		WorkerCount int `mapstructure:"worker_count"`
		QueueSize   int `mapstructure:"queue_size"`
		// RateLimit caps streamed events per second, 0 means unlimited
		RateLimit int `mapstructure:"rate_limit"`
	} `mapstructure:"engine"`

	Ingest struct {
		// Addr enables the network event listener when set
		Addr                string `mapstructure:"addr"`
		Protocol            string `mapstructure:"protocol"`
		Format              string `mapstructure:"format"`
		MaxConnections      int    `mapstructure:"max_connections"`
		MaxConnectionsPerIP int    `mapstructure:"max_connections_per_ip"`
	} `mapstructure:"ingest"`

	Output struct {
		// SQLitePath enables the alert database when set
		SQLitePath      string `mapstructure:"sqlite_path"`
		BatchSize       int    `mapstructure:"batch_size"`
		FlushIntervalMS int    `mapstructure:"flush_interval_ms"`
		Workers         int    `mapstructure:"workers"`
		RetentionDays   int    `mapstructure:"retention_days"`
	} `mapstructure:"output"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rules.files", []string{"rules"})
	v.SetDefault("rules.schema_validation", true)
	v.SetDefault("rules.implicit_roots", false)
	v.SetDefault("history.max_size", 1024)
	v.SetDefault("matcher.mode", MatcherWord)
	v.SetDefault("matcher.regex_timeout_ms", 100)
	v.SetDefault("matcher.cache_size", 1024)
	v.SetDefault("engine.worker_count", 4)
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.rate_limit", 0)
	v.SetDefault("ingest.addr", "")
	v.SetDefault("ingest.protocol", "tcp")
	v.SetDefault("ingest.format", "json")
	v.SetDefault("ingest.max_connections", 1000)
	v.SetDefault("ingest.max_connections_per_ip", 10)
	v.SetDefault("output.sqlite_path", "")
	v.SetDefault("output.batch_size", 100)
	v.SetDefault("output.flush_interval_ms", 1000)
	v.SetDefault("output.workers", 1)
	v.SetDefault("output.retention_days", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", false)
	// Use 127.0.0.1 instead of localhost to avoid IPv6 resolution surprises
	v.SetDefault("metrics.addr", "127.0.0.1:9101")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("ANALYSISD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("rules.files", "ANALYSISD_RULES")
	_ = v.BindEnv("log.level", "ANALYSISD_LOG_LEVEL")
	_ = v.BindEnv("output.sqlite_path", "ANALYSISD_ALERT_DB")
}

// LoadConfig loads configuration from file and environment variables.
// With an empty path, config.yaml is searched in . and ./config and a missing
// file falls back to defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.Rules.Files = splitList(config.Rules.Files)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// splitList expands comma separated entries, as delivered by environment variables.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func validateConfig(config *Config) error {
	if len(config.Rules.Files) == 0 {
		return fmt.Errorf("rules.files cannot be empty")
	}
	if config.History.MaxSize <= 0 {
		return fmt.Errorf("history.max_size must be positive, got %d", config.History.MaxSize)
	}

	switch config.Matcher.Mode {
	case MatcherWord, MatcherRegex:
	default:
		return fmt.Errorf("invalid matcher.mode %q: must be %q or %q", config.Matcher.Mode, MatcherWord, MatcherRegex)
	}
	if config.Matcher.RegexTimeoutMS <= 0 {
		return fmt.Errorf("matcher.regex_timeout_ms must be positive")
	}
	if config.Matcher.CacheSize <= 0 {
		return fmt.Errorf("matcher.cache_size must be positive")
	}

	if config.Engine.WorkerCount <= 0 || config.Engine.WorkerCount > 1024 {
		return fmt.Errorf("engine.worker_count must be between 1 and 1024, got %d", config.Engine.WorkerCount)
	}
	if config.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive")
	}
	if config.Engine.RateLimit < 0 {
		return fmt.Errorf("engine.rate_limit cannot be negative")
	}

	if config.Ingest.Addr != "" {
		if _, _, err := net.SplitHostPort(config.Ingest.Addr); err != nil {
			return fmt.Errorf("invalid ingest.addr %q: %w", config.Ingest.Addr, err)
		}
		switch config.Ingest.Protocol {
		case "tcp", "udp":
		default:
			return fmt.Errorf("invalid ingest.protocol %q: must be tcp or udp", config.Ingest.Protocol)
		}
		switch config.Ingest.Format {
		case "json", "msgpack":
		default:
			return fmt.Errorf("invalid ingest.format %q: must be json or msgpack", config.Ingest.Format)
		}
	}

	if config.Output.SQLitePath != "" {
		if config.Output.BatchSize <= 0 {
			return fmt.Errorf("output.batch_size must be positive")
		}
		if config.Output.FlushIntervalMS <= 0 {
			return fmt.Errorf("output.flush_interval_ms must be positive")
		}
		if config.Output.Workers <= 0 {
			return fmt.Errorf("output.workers must be positive")
		}
	}
	if config.Output.RetentionDays < 0 {
		return fmt.Errorf("output.retention_days cannot be negative")
	}

	switch strings.ToLower(config.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", config.Log.Level)
	}

	if config.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(config.Metrics.Addr); err != nil {
			return fmt.Errorf("invalid metrics.addr %q: %w", config.Metrics.Addr, err)
		}
	}
	return nil
}

// GetFlushInterval returns how long a partial alert batch may wait
func (c *Config) GetFlushInterval() time.Duration {
	return time.Duration(c.Output.FlushIntervalMS) * time.Millisecond
}

// GetRegexTimeout returns the configured regex timeout as a duration
func (c *Config) GetRegexTimeout() time.Duration {
	return time.Duration(c.Matcher.RegexTimeoutMS) * time.Millisecond
}
