package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"analysisd/core"
	"analysisd/metrics"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 100
	defaultQueueSize     = 1000
	defaultDedupSize     = 10000
	defaultFlushInterval = time.Second
)

// ErrStoreClosed is returned by Enqueue after Stop.
var ErrStoreClosed = errors.New("alert store is closed")

// RuleCount is one row of the per-rule alert summary.
type RuleCount struct {
	SigID       int    `json:"rule_id"`
	Level       int    `json:"level"`
	Description string `json:"description,omitempty"`
	Count       int64  `json:"count"`
}

// AlertStorage persists alerts in batches. The same event firing the same
// rule twice (a replayed stream) is stored once.
type AlertStorage struct {
	sqlite        *SQLite
	alertCh       chan *core.Alert
	batchSize     int
	flushInterval time.Duration
	dedup         *lru.Cache[uint64, struct{}]
	logger        *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// AlertStorageOption configures an AlertStorage.
type AlertStorageOption func(*AlertStorage)

// WithBatchSize sets how many alerts are written per transaction.
func WithBatchSize(n int) AlertStorageOption {
	return func(as *AlertStorage) {
		if n > 0 {
			as.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait before it is written.
func WithFlushInterval(d time.Duration) AlertStorageOption {
	return func(as *AlertStorage) {
		if d > 0 {
			as.flushInterval = d
		}
	}
}

// NewAlertStorage creates an alert store on top of an open database.
func NewAlertStorage(sqlite *SQLite, queueSize int, logger *zap.SugaredLogger, opts ...AlertStorageOption) (*AlertStorage, error) {
	if sqlite == nil {
		return nil, fmt.Errorf("sqlite cannot be nil")
	}
	if logger == nil {
		logger = sqlite.Logger
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	dedup, err := lru.New[uint64, struct{}](defaultDedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	as := &AlertStorage{
		sqlite:        sqlite,
		alertCh:       make(chan *core.Alert, queueSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		dedup:         dedup,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(as)
	}
	return as, nil
}

// Start launches numWorkers batch writers.
func (as *AlertStorage) Start(numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		as.wg.Add(1)
		go as.worker()
	}
	as.logger.Infow("Alert store started", "workers", numWorkers, "batch_size", as.batchSize)
}

// Enqueue queues an alert for writing, blocking while the queue is full.
func (as *AlertStorage) Enqueue(ctx context.Context, alert *core.Alert) error {
	if alert == nil {
		return nil
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.closed {
		return ErrStoreClosed
	}
	select {
	case as.alertCh <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the queue and waits for the writers to finish. Safe to call twice.
func (as *AlertStorage) Stop() {
	as.mu.Lock()
	if as.closed {
		as.mu.Unlock()
		return
	}
	as.closed = true
	close(as.alertCh)
	as.mu.Unlock()

	as.wg.Wait()
	as.logger.Info("Alert store stopped")
}

func (as *AlertStorage) worker() {
	defer as.wg.Done()

	batch := make([]*core.Alert, 0, as.batchSize)
	ticker := time.NewTicker(as.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := as.insertBatch(batch); err != nil {
			metrics.AlertsStored.WithLabelValues("failed").Add(float64(len(batch)))
			as.logger.Errorw("Failed to store alert batch", "size", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case alert, ok := <-as.alertCh:
			if !ok {
				flush()
				return
			}
			if as.seen(alert) {
				metrics.AlertsStored.WithLabelValues("duplicate").Inc()
				continue
			}
			batch = append(batch, alert)
			if len(batch) >= as.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// seen reports whether the rule already fired for this event, and records it.
func (as *AlertStorage) seen(alert *core.Alert) bool {
	if alert.Event == nil || alert.Event.EventID == "" {
		return false
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(alert.SigID))
	d := xxhash.New()
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(alert.Event.EventID)
	key := d.Sum64()

	found, _ := as.dedup.ContainsOrAdd(key, struct{}{})
	return found
}

func (as *AlertStorage) insertBatch(batch []*core.Alert) error {
	err := as.sqlite.WithTransaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO alerts (alert_id, rule_id, level, category, description, rule_groups, path,
				event_id, src_ip, full_log, event, timestamp_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, alert := range batch {
			groups, err := json.Marshal(alert.Groups)
			if err != nil {
				return fmt.Errorf("failed to marshal groups for alert %s: %w", alert.AlertID, err)
			}
			path, err := json.Marshal(alert.Path)
			if err != nil {
				return fmt.Errorf("failed to marshal path for alert %s: %w", alert.AlertID, err)
			}

			var eventID, srcIP, fullLog, event string
			if alert.Event != nil {
				eventID, srcIP, fullLog = alert.Event.EventID, alert.Event.SrcIP, alert.Event.Log
				raw, err := json.Marshal(alert.Event)
				if err != nil {
					return fmt.Errorf("failed to marshal event for alert %s: %w", alert.AlertID, err)
				}
				event = string(raw)
			}

			if _, err := stmt.Exec(alert.AlertID, alert.SigID, alert.Level, alert.Category, alert.Description,
				string(groups), string(path), eventID, srcIP, fullLog, event, alert.Timestamp.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert alert %s: %w", alert.AlertID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.AlertsStored.WithLabelValues("stored").Add(float64(len(batch)))
	as.logger.Debugw("Stored alert batch", "size", len(batch))
	return nil
}

// GetAlerts returns up to limit alerts, newest first.
func (as *AlertStorage) GetAlerts(ctx context.Context, limit int) ([]core.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := as.sqlite.ReadDB.QueryContext(ctx, `
		SELECT alert_id, rule_id, level, category, description, rule_groups, path, event, timestamp_ns
		FROM alerts ORDER BY timestamp_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []core.Alert
	for rows.Next() {
		var (
			alert                      core.Alert
			description, groups, event sql.NullString
			path                       string
			ts                         int64
		)
		if err := rows.Scan(&alert.AlertID, &alert.SigID, &alert.Level, &alert.Category, &description,
			&groups, &path, &event, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alert.Description = description.String
		alert.Timestamp = time.Unix(0, ts).UTC()
		if groups.Valid && groups.String != "" && groups.String != "null" {
			if err := json.Unmarshal([]byte(groups.String), &alert.Groups); err != nil {
				return nil, fmt.Errorf("failed to decode groups of alert %s: %w", alert.AlertID, err)
			}
		}
		if err := json.Unmarshal([]byte(path), &alert.Path); err != nil {
			return nil, fmt.Errorf("failed to decode path of alert %s: %w", alert.AlertID, err)
		}
		if event.Valid && strings.TrimSpace(event.String) != "" {
			alert.Event = &core.Event{}
			if err := json.Unmarshal([]byte(event.String), alert.Event); err != nil {
				return nil, fmt.Errorf("failed to decode event of alert %s: %w", alert.AlertID, err)
			}
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// GetAlertCount returns the number of stored alerts.
func (as *AlertStorage) GetAlertCount(ctx context.Context) (int64, error) {
	var count int64
	if err := as.sqlite.ReadDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

// CountBySigID returns the limit rules with the most stored alerts.
func (as *AlertStorage) CountBySigID(ctx context.Context, limit int) ([]RuleCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := as.sqlite.ReadDB.QueryContext(ctx, `
		SELECT rule_id, MAX(level), MAX(description), COUNT(*) AS n
		FROM alerts GROUP BY rule_id ORDER BY n DESC, rule_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts by rule: %w", err)
	}
	defer rows.Close()

	var counts []RuleCount
	for rows.Next() {
		var rc RuleCount
		var description sql.NullString
		if err := rows.Scan(&rc.SigID, &rc.Level, &description, &rc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan rule count: %w", err)
		}
		rc.Description = description.String
		counts = append(counts, rc)
	}
	return counts, rows.Err()
}

// CleanupOldAlerts deletes alerts older than before and returns how many went.
func (as *AlertStorage) CleanupOldAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := as.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM alerts WHERE timestamp_ns < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted row count: %w", err)
	}
	if n > 0 {
		as.logger.Infow("Deleted old alerts", "count", n, "before", before)
	}
	return n, nil
}
