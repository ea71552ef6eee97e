package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"analysisd/bootstrap"
	"analysisd/config"
	"analysisd/core"
	"analysisd/ingest"
	"analysisd/util/goroutine"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxEventSize bounds a single JSON event line
const maxEventSize = 1024 * 1024

// newRunCmd creates the 'run' subcommand
func newRunCmd() *cobra.Command {
	var (
		eventsFile  string
		workers     int
		metricsAddr string
		rateLimit   int
		alertDB     string
		listenAddr  string
		protocol    string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a stream of decoded events",
		Long: `Read decoded events as JSON lines and write one JSON alert per line for
every event that raises an alert. Level 0 and no_alert rules stay silent.
Alerts are also stored in the alert database when output.sqlite_path is set.

With --listen (or ingest.addr) events are received over TCP or UDP instead
of read from --events, until the process is interrupted.

SIGHUP reloads the rules; SIGINT and SIGTERM drain queued events and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sugar, err := loadConfig()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Engine.WorkerCount = workers
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = metricsAddr
			}
			if cmd.Flags().Changed("rate") {
				cfg.Engine.RateLimit = rateLimit
			}
			if alertDB != "" {
				cfg.Output.SQLitePath = alertDB
			}
			if listenAddr != "" {
				cfg.Ingest.Addr = listenAddr
			}
			if protocol != "" {
				cfg.Ingest.Protocol = protocol
			}
			if format != "" {
				cfg.Ingest.Format = format
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := initApp(ctx, cfg, sugar)
			if err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return err
			}
			watchReload(ctx, app, sugar)

			out := &alertWriter{enc: json.NewEncoder(cmd.OutOrStdout())}
			if cfg.Ingest.Addr != "" {
				err = listenEvents(ctx, app, cfg, out.write, sugar)
				app.Shutdown()
				sugar.Infow("Listener stopped", "alerts", out.count())
				return err
			}

			in := cmd.InOrStdin()
			if eventsFile != "" && eventsFile != "-" {
				f, err := os.Open(eventsFile)
				if err != nil {
					app.Shutdown()
					return fmt.Errorf("failed to open events file: %w", err)
				}
				defer f.Close()
				in = f
			}

			stats, err := streamEvents(ctx, app, in, out.write, newLimiter(cfg.Engine.RateLimit), sugar)
			app.Shutdown()

			sugar.Infow("Event stream finished",
				"events", stats.events,
				"malformed", stats.malformed,
				"alerts", out.count())
			return err
		},
	}

	cmd.Flags().StringVar(&eventsFile, "events", "-", "JSON lines file to read events from (- for stdin)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of evaluation workers, overrides engine.worker_count")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&rateLimit, "rate", 0, "Maximum events per second (0 for unlimited), overrides engine.rate_limit")
	cmd.Flags().StringVar(&alertDB, "alert-db", "", "Store alerts in this SQLite database, overrides output.sqlite_path")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Receive events on this address instead of --events, overrides ingest.addr")
	cmd.Flags().StringVar(&protocol, "protocol", "", "Listener protocol (tcp, udp), overrides ingest.protocol")
	cmd.Flags().StringVar(&format, "format", "", "Listener wire format (json, msgpack), overrides ingest.format")
	return cmd
}

type streamStats struct {
	events    int
	malformed int
}

// newLimiter returns a limiter admitting perSecond events, or nil for no limit.
func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// streamEvents decodes one event per line and submits it for evaluation.
// Malformed lines are logged and skipped. A non-nil limiter paces submission.
func streamEvents(ctx context.Context, app *bootstrap.App, in io.Reader, emit func(*core.Alert), limiter *rate.Limiter, sugar *zap.SugaredLogger) (streamStats, error) {
	var stats streamStats
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		ev, err := ingest.DecodeJSON(raw)
		if err != nil {
			stats.malformed++
			sugar.Warnw("Skipping malformed event", "line", line, "error", err)
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return stats, nil
			}
		}
		if err := app.Submit(ctx, ev, emit); err != nil {
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, fmt.Errorf("failed to submit event on line %d: %w", line, err)
		}
		stats.events++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read events: %w", err)
	}
	return stats, nil
}

// listenEvents serves the configured event listener until ctx is done. The
// listener drops events over the rate limit instead of pacing them.
func listenEvents(ctx context.Context, app *bootstrap.App, cfg *config.Config, emit func(*core.Alert), sugar *zap.SugaredLogger) error {
	listener, err := ingest.NewListener(ingest.Config{
		Protocol:            cfg.Ingest.Protocol,
		Addr:                cfg.Ingest.Addr,
		Format:              cfg.Ingest.Format,
		RateLimit:           cfg.Engine.RateLimit,
		MaxConnections:      cfg.Ingest.MaxConnections,
		MaxConnectionsPerIP: cfg.Ingest.MaxConnectionsPerIP,
	}, func(ev *core.Event) error {
		return app.Submit(ctx, ev, emit)
	}, sugar)
	if err != nil {
		return err
	}
	if err := listener.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	listener.Stop()
	return nil
}

// watchReload reloads the rules on SIGHUP until ctx is done.
func watchReload(ctx context.Context, app *bootstrap.App, sugar *zap.SugaredLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	goroutine.Go("rule-reload", sugar, func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				sugar.Info("SIGHUP received, reloading rules")
				_ = app.Reload()
			}
		}
	})
}

// alertWriter serializes alerts from concurrent workers.
type alertWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	n   int
}

func (w *alertWriter) write(a *core.Alert) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(a); err == nil {
		w.n++
	}
}

func (w *alertWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}
