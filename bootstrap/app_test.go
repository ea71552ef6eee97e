package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"analysisd/config"
	"analysisd/core"
	"analysisd/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseRules = `
rules:
  - id: 1
    category: syslog
  - id: 5700
    decoded_as: sshd
    group: sshd,
  - id: 5716
    level: 5
    if_sid: 5700
    match: Failed password
    group: authentication_failed,sshd,
`

func newTestApp(t *testing.T, mutate func(*config.Config)) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0095-sshd_rules.yml"), []byte(baseRules), 0o600))

	cfg := &config.Config{}
	cfg.Rules.Files = []string{dir}
	cfg.Rules.SchemaValidation = true
	cfg.History.MaxSize = 16
	cfg.Matcher.Mode = config.MatcherWord
	cfg.Matcher.RegexTimeoutMS = 100
	cfg.Matcher.CacheSize = 16
	cfg.Engine.WorkerCount = 2
	cfg.Engine.QueueSize = 8
	cfg.Log.Level = "info"
	if mutate != nil {
		mutate(cfg)
	}

	app, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	return app, dir
}

func sshdEvent(log string) *core.Event {
	ev := core.NewEvent()
	ev.Category = "syslog"
	ev.DecodedAs = "sshd"
	ev.Log = log
	return ev
}

func TestNewApp(t *testing.T) {
	app, _ := newTestApp(t, nil)

	assert.Equal(t, 3, app.Forest().RecordCount())
	alert := app.Evaluate(sshdEvent("Failed password for root"))
	require.NotNil(t, alert)
	assert.Equal(t, 5716, alert.SigID)
}

func TestNewApp_BadRules(t *testing.T) {
	_, err := NewApp(context.Background(), &config.Config{}, nil)
	assert.Error(t, err, "no rule paths")

	_, err = NewApp(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestApp_RegexMode(t *testing.T) {
	app, dir := newTestApp(t, func(c *config.Config) { c.Matcher.Mode = config.MatcherRegex })
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local_rules.yml"), []byte(`
rules:
  - id: 100200
    level: 9
    if_sid: 5716
    match: 'for (root|admin) from'
`), 0o600))
	require.NoError(t, app.Reload())

	alert := app.Evaluate(sshdEvent("Failed password for admin from 10.0.0.1"))
	require.NotNil(t, alert)
	assert.Equal(t, 100200, alert.SigID)
}

func TestApp_Reload(t *testing.T) {
	app, dir := newTestApp(t, nil)
	before := app.Forest()

	local := filepath.Join(dir, "local_rules.yml")
	require.NoError(t, os.WriteFile(local, []byte(`
rules:
  - id: 5716
    level: 8
    if_sid: 5700
    match: Failed password
    options: [overwrite]
`), 0o600))
	require.NoError(t, app.Reload())
	assert.NotSame(t, before, app.Forest())
	assert.Equal(t, 8, app.Evaluate(sshdEvent("Failed password")).Level)

	// a broken file keeps the published forest
	current := app.Forest()
	require.NoError(t, os.WriteFile(local, []byte("rules:\n  - id: 100\n    if_sid: 4242\n"), 0o600))
	err := app.Reload()
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.Same(t, current, app.Forest())
}

func TestApp_SubmitAndShutdown(t *testing.T) {
	app, _ := newTestApp(t, nil)
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))

	var mu sync.Mutex
	var got []int
	emit := func(a *core.Alert) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, a.SigID)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, app.Submit(ctx, sshdEvent("Failed password for root"), emit))
	}
	// 5700 is level 0 and never emitted
	require.NoError(t, app.Submit(ctx, sshdEvent("session opened"), emit))

	app.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{5716, 5716, 5716, 5716, 5716}, got)

	assert.ErrorIs(t, app.Submit(ctx, sshdEvent("late"), emit), core.ErrWorkerPoolNotRunning)
}

func TestApp_StoresAlerts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "alerts.db")
	app, _ := newTestApp(t, func(c *config.Config) {
		c.Output.SQLitePath = dbPath
		c.Output.BatchSize = 2
		c.Output.FlushIntervalMS = 10
		c.Output.Workers = 1
		c.Output.RetentionDays = 30
	})
	require.NotNil(t, app.Alerts())

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, app.Submit(ctx, sshdEvent("Failed password for root"), nil))
	}
	require.NoError(t, app.Submit(ctx, sshdEvent("session opened"), nil))
	app.Shutdown()

	sqlite, err := storage.NewSQLite(dbPath, nil)
	require.NoError(t, err)
	defer sqlite.Close()
	store, err := storage.NewAlertStorage(sqlite, 1, nil)
	require.NoError(t, err)

	count, err := store.GetAlertCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "silent alerts are not stored")

	counts, err := store.CountBySigID(ctx, 5)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 5716, counts[0].SigID)
}

func TestApp_NoAlertStore(t *testing.T) {
	app, _ := newTestApp(t, nil)
	assert.Nil(t, app.Alerts())
}

func TestInitLogger(t *testing.T) {
	logger, sugar, err := InitLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NotNil(t, sugar)

	_, _, err = InitLogger("loud")
	assert.Error(t, err)
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysisd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  files: [/etc/analysisd/rules]\n"), 0o600))

	_, sugar, err := InitLogger("error")
	require.NoError(t, err)
	cfg, err := InitConfig(path, sugar)
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/analysisd/rules"}, cfg.Rules.Files)
}
