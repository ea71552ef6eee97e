package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"analysisd/config"
	"analysisd/core"
	"analysisd/detect"
	"analysisd/metrics"
	"analysisd/storage"
	"analysisd/util/goroutine"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App represents the analysisd application with all its components.
type App struct {
	Config *config.Config
	Sugar  *zap.SugaredLogger

	// engine is swapped as a whole on Reload. In-flight evaluations finish on
	// the engine they started with.
	engine atomic.Pointer[detect.Engine]
	regex  *detect.RegexMatcher
	pool   *core.WorkerPool

	// sqlite and alerts are nil unless output.sqlite_path is set
	sqlite *storage.SQLite
	alerts *storage.AlertStorage

	reloadMu      sync.Mutex
	metricsServer *http.Server
	stopCh        chan struct{}
	serviceWg     sync.WaitGroup
}

// NewApp loads the configured rules and prepares the evaluation pool. The
// pool is bound to ctx and started by Start.
func NewApp(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}

	regex, err := detect.NewRegexMatcher(cfg.GetRegexTimeout(), cfg.Matcher.CacheSize, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create regex matcher: %w", err)
	}

	a := &App{
		Config: cfg,
		Sugar:  sugar,
		regex:  regex,
		stopCh: make(chan struct{}),
	}

	engine, err := a.buildEngine()
	if err != nil {
		return nil, err
	}
	a.publish(engine)

	if cfg.Output.SQLitePath != "" {
		if err := a.openAlertStore(); err != nil {
			return nil, err
		}
	}

	a.pool = core.NewWorkerPool(ctx, cfg.Engine.WorkerCount, cfg.Engine.QueueSize, "evaluate", sugar)
	return a, nil
}

func (a *App) openAlertStore() error {
	sqlite, err := storage.NewSQLite(a.Config.Output.SQLitePath, a.Sugar)
	if err != nil {
		return fmt.Errorf("failed to open alert database: %w", err)
	}
	alerts, err := storage.NewAlertStorage(sqlite, a.Config.Engine.QueueSize, a.Sugar,
		storage.WithBatchSize(a.Config.Output.BatchSize),
		storage.WithFlushInterval(a.Config.GetFlushInterval()),
	)
	if err != nil {
		_ = sqlite.Close()
		return fmt.Errorf("failed to create alert store: %w", err)
	}
	a.sqlite = sqlite
	a.alerts = alerts
	return nil
}

// buildEngine loads every configured rule path into a fresh forest.
func (a *App) buildEngine() (*detect.Engine, error) {
	var patterns detect.Matcher = detect.WordMatcher{}
	if a.Config.Matcher.Mode == config.MatcherRegex {
		patterns = a.regex
	}

	start := time.Now()
	forest, err := detect.BuildForest(a.Config.Rules.Files,
		[]detect.LoaderOption{
			detect.WithSchemaValidation(a.Config.Rules.SchemaValidation),
			detect.WithImplicitRoots(a.Config.Rules.ImplicitRoots),
			detect.WithLoaderLogger(a.Sugar),
		},
		detect.WithMatcher(patterns),
		detect.WithHistorySize(a.Config.History.MaxSize),
		detect.WithLogger(a.Sugar),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	a.Sugar.Infow("Rule forest built",
		"records", forest.RecordCount(),
		"nodes", forest.Len(),
		"roots", len(forest.Roots()),
		"duration", time.Since(start))

	return detect.NewEngine(forest,
		detect.WithRegexMatcher(a.regex),
		detect.WithEngineLogger(a.Sugar),
	), nil
}

func (a *App) publish(engine *detect.Engine) {
	a.engine.Store(engine)
	metrics.ForestNodes.Set(float64(engine.Forest().Len()))
	metrics.ForestRecords.Set(float64(engine.Forest().RecordCount()))
}

// Forest returns the currently published rule forest.
func (a *App) Forest() *detect.Forest {
	return a.engine.Load().Forest()
}

// Reload rebuilds the forest from the configured rule paths and publishes it.
// On failure the current forest stays in place. Match history and ignore
// windows start empty in the new forest.
func (a *App) Reload() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	engine, err := a.buildEngine()
	if err != nil {
		a.Sugar.Errorw("Rule reload failed, keeping current rules", "error", err)
		return err
	}
	a.publish(engine)
	a.Sugar.Info("Rules reloaded")
	return nil
}

// Evaluate runs ev through the published forest on the calling goroutine.
func (a *App) Evaluate(ev *core.Event) *core.Alert {
	return a.engine.Load().Evaluate(ev)
}

// Alerts returns the alert store, or nil when no alert database is configured.
func (a *App) Alerts() *storage.AlertStorage {
	return a.alerts
}

// Submit queues ev for evaluation on the worker pool. emit is called from a
// worker goroutine for every alert that is not silent. Those alerts are also
// written to the alert database when one is configured.
func (a *App) Submit(ctx context.Context, ev *core.Event, emit func(*core.Alert)) error {
	engine := a.engine.Load()
	return a.pool.Submit(ctx, func() {
		alert := engine.Evaluate(ev)
		if alert == nil || alert.Silent {
			return
		}
		if a.alerts != nil {
			// queued evaluations still drain into the store after ctx is cancelled
			if err := a.alerts.Enqueue(context.WithoutCancel(ctx), alert); err != nil {
				a.Sugar.Warnw("Failed to queue alert for storage", "alert_id", alert.AlertID, "error", err)
			}
		}
		if emit != nil {
			emit(alert)
		}
	})
}

// Start starts the worker pool, the alert store and, when enabled, the
// metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	if a.alerts != nil {
		a.alerts.Start(a.Config.Output.Workers)
		if a.Config.Output.RetentionDays > 0 {
			a.startRetention(ctx)
		}
	}
	if err := a.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if a.Config.Metrics.Enabled {
		a.startMetricsServer()
	}
	return nil
}

// startRetention deletes expired alerts now and then once an hour.
func (a *App) startRetention(ctx context.Context) {
	retention := time.Duration(a.Config.Output.RetentionDays) * 24 * time.Hour

	a.serviceWg.Add(1)
	goroutine.Go("alert-retention", a.Sugar, func() {
		defer a.serviceWg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			if _, err := a.alerts.CleanupOldAlerts(ctx, time.Now().Add(-retention)); err != nil {
				a.Sugar.Warnw("Alert retention cleanup failed", "error", err)
			}
			select {
			case <-ticker.C:
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.serviceWg.Add(1)
	goroutine.Go("metrics-server", a.Sugar, func() {
		defer a.serviceWg.Done()
		a.Sugar.Infow("Metrics endpoint listening", "addr", a.Config.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("Metrics server failed", "error", err)
		}
	})
}

// Shutdown drains queued evaluations, flushes stored alerts and stops the
// metrics endpoint.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")
	close(a.stopCh)

	// Phase 1 - drain the evaluation queue
	a.pool.Stop()

	// Phase 2 - flush alerts still waiting for the database
	if a.alerts != nil {
		a.alerts.Stop()
	}

	// Phase 3 - stop the metrics endpoint
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop metrics server", "error", err)
		}
	}
	a.serviceWg.Wait()

	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close alert database", "error", err)
		}
	}
	a.Sugar.Info("Shutdown complete")
}
