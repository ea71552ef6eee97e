package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

// newTestConfig returns a valid Config for testing
func newTestConfig() Config {
	var c Config
	c.Rules.Files = []string{"rules"}
	c.Rules.SchemaValidation = true
	c.History.MaxSize = 16
	c.Matcher.Mode = MatcherWord
	c.Matcher.RegexTimeoutMS = 100
	c.Matcher.CacheSize = 32
	c.Engine.WorkerCount = 2
	c.Engine.QueueSize = 10
	c.Log.Level = "info"
	c.Metrics.Addr = "127.0.0.1:9101"
	c.Ingest.Protocol = "tcp"
	c.Ingest.Format = "json"
	c.Output.BatchSize = 10
	c.Output.FlushIntervalMS = 100
	c.Output.Workers = 1
	return c
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"rules"}, cfg.Rules.Files)
	assert.True(t, cfg.Rules.SchemaValidation)
	assert.False(t, cfg.Rules.ImplicitRoots)
	assert.Equal(t, 1024, cfg.History.MaxSize)
	assert.Equal(t, MatcherWord, cfg.Matcher.Mode)
	assert.Equal(t, 100*time.Millisecond, cfg.GetRegexTimeout())
	assert.Equal(t, 4, cfg.Engine.WorkerCount)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Zero(t, cfg.Engine.RateLimit)
	assert.Empty(t, cfg.Ingest.Addr)
	assert.Equal(t, "tcp", cfg.Ingest.Protocol)
	assert.Equal(t, 10, cfg.Ingest.MaxConnectionsPerIP)
	assert.Empty(t, cfg.Output.SQLitePath, "alert database is off by default")
	assert.Equal(t, 100, cfg.Output.BatchSize)
	assert.Equal(t, time.Second, cfg.GetFlushInterval())
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysisd.yaml")
	content := `
rules:
  files: [/var/ossec/ruleset/rules, /var/ossec/etc/rules]
  implicit_roots: true
matcher:
  mode: regex
  regex_timeout_ms: 250
engine:
  worker_count: 8
  rate_limit: 500
output:
  sqlite_path: /var/lib/analysisd/alerts.db
  batch_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/ossec/ruleset/rules", "/var/ossec/etc/rules"}, cfg.Rules.Files)
	assert.True(t, cfg.Rules.ImplicitRoots)
	assert.Equal(t, MatcherRegex, cfg.Matcher.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.GetRegexTimeout())
	assert.Equal(t, 8, cfg.Engine.WorkerCount)
	assert.Equal(t, 500, cfg.Engine.RateLimit)
	assert.Equal(t, "/var/lib/analysisd/alerts.db", cfg.Output.SQLitePath)
	assert.Equal(t, 50, cfg.Output.BatchSize)
	assert.Equal(t, 1000, cfg.Engine.QueueSize, "unset keys keep their defaults")
}

func TestLoadConfig_Env(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ANALYSISD_RULES", "a.yml, b.yml")
	t.Setenv("ANALYSISD_HISTORY_MAX_SIZE", "64")
	t.Setenv("ANALYSISD_LOG_LEVEL", "debug")
	t.Setenv("ANALYSISD_ALERT_DB", "alerts.db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yml", "b.yml"}, cfg.Rules.Files)
	assert.Equal(t, 64, cfg.History.MaxSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "alerts.db", cfg.Output.SQLitePath)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysisd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("matcher:\n  mode: fuzzy\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matcher.mode")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no rules", mutate: func(c *Config) { c.Rules.Files = nil }, wantErr: "rules.files"},
		{name: "zero history", mutate: func(c *Config) { c.History.MaxSize = 0 }, wantErr: "history.max_size"},
		{name: "bad mode", mutate: func(c *Config) { c.Matcher.Mode = "glob" }, wantErr: "matcher.mode"},
		{name: "zero timeout", mutate: func(c *Config) { c.Matcher.RegexTimeoutMS = 0 }, wantErr: "regex_timeout_ms"},
		{name: "zero cache", mutate: func(c *Config) { c.Matcher.CacheSize = 0 }, wantErr: "cache_size"},
		{name: "too many workers", mutate: func(c *Config) { c.Engine.WorkerCount = 5000 }, wantErr: "worker_count"},
		{name: "zero queue", mutate: func(c *Config) { c.Engine.QueueSize = 0 }, wantErr: "queue_size"},
		{name: "negative rate", mutate: func(c *Config) { c.Engine.RateLimit = -1 }, wantErr: "rate_limit"},
		{name: "zero batch with database", mutate: func(c *Config) {
			c.Output.SQLitePath = "alerts.db"
			c.Output.BatchSize = 0
		}, wantErr: "output.batch_size"},
		{name: "zero batch without database", mutate: func(c *Config) { c.Output.BatchSize = 0 }},
		{name: "zero store workers", mutate: func(c *Config) {
			c.Output.SQLitePath = "alerts.db"
			c.Output.Workers = 0
		}, wantErr: "output.workers"},
		{name: "listener", mutate: func(c *Config) { c.Ingest.Addr = "127.0.0.1:1514" }},
		{name: "bad listen addr", mutate: func(c *Config) { c.Ingest.Addr = "1514" }, wantErr: "ingest.addr"},
		{name: "bad listen protocol", mutate: func(c *Config) {
			c.Ingest.Addr = "127.0.0.1:1514"
			c.Ingest.Protocol = "sctp"
		}, wantErr: "ingest.protocol"},
		{name: "bad listen format", mutate: func(c *Config) {
			c.Ingest.Addr = "127.0.0.1:1514"
			c.Ingest.Format = "cef"
		}, wantErr: "ingest.format"},
		{name: "negative retention", mutate: func(c *Config) { c.Output.RetentionDays = -1 }, wantErr: "retention_days"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "verbose" }, wantErr: "log.level"},
		{name: "bad metrics addr", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = "9101"
		}, wantErr: "metrics.addr"},
		{name: "metrics addr ignored when disabled", mutate: func(c *Config) { c.Metrics.Addr = "9101" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a,b", " c ", ""}))
	assert.Empty(t, splitList(nil))
}
