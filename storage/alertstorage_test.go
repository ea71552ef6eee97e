package storage

import (
	"context"
	"testing"
	"time"

	"analysisd/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert(sigid, level int, eventID string, ts time.Time) *core.Alert {
	ev := core.NewEvent()
	ev.EventID = eventID
	ev.Category = "syslog"
	ev.Log = "Failed password for root from 10.0.0.1"
	ev.SrcIP = "10.0.0.1"
	return &core.Alert{
		AlertID:     core.NewEvent().EventID,
		SigID:       sigid,
		Level:       level,
		Description: "sshd: authentication failed.",
		Category:    "syslog",
		Groups:      []string{"authentication_failed", "sshd"},
		Path:        []int{1, 5700, sigid},
		Timestamp:   ts,
		Event:       ev,
	}
}

func newTestStore(t *testing.T, opts ...AlertStorageOption) *AlertStorage {
	t.Helper()
	as, err := NewAlertStorage(newTestSQLite(t), 16, nil, opts...)
	require.NoError(t, err)
	return as
}

func TestAlertStorage_StoreAndQuery(t *testing.T) {
	as := newTestStore(t, WithBatchSize(2), WithFlushInterval(10*time.Millisecond))
	as.Start(1)

	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, as.Enqueue(ctx, testAlert(5716, 5, "ev-1", base)))
	require.NoError(t, as.Enqueue(ctx, testAlert(5716, 5, "ev-2", base.Add(time.Second))))
	require.NoError(t, as.Enqueue(ctx, testAlert(5720, 10, "ev-3", base.Add(2*time.Second))))
	as.Stop()

	count, err := as.GetAlertCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	alerts, err := as.GetAlerts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, 5720, alerts[0].SigID, "newest first")
	assert.Equal(t, []int{1, 5700, 5720}, alerts[0].Path)
	assert.Equal(t, []string{"authentication_failed", "sshd"}, alerts[0].Groups)
	assert.True(t, base.Add(2*time.Second).Equal(alerts[0].Timestamp))
	require.NotNil(t, alerts[0].Event)
	assert.Equal(t, "ev-3", alerts[0].Event.EventID)
	assert.Equal(t, "10.0.0.1", alerts[0].Event.SrcIP)

	counts, err := as.CountBySigID(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []RuleCount{
		{SigID: 5716, Level: 5, Description: "sshd: authentication failed.", Count: 2},
		{SigID: 5720, Level: 10, Description: "sshd: authentication failed.", Count: 1},
	}, counts)
}

func TestAlertStorage_DeduplicatesReplayedEvents(t *testing.T) {
	as := newTestStore(t)
	as.Start(1)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, as.Enqueue(ctx, testAlert(5716, 5, "ev-1", now)))
	require.NoError(t, as.Enqueue(ctx, testAlert(5716, 5, "ev-1", now)))
	// a different rule firing on the same event is kept
	require.NoError(t, as.Enqueue(ctx, testAlert(5720, 10, "ev-1", now)))
	as.Stop()

	count, err := as.GetAlertCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestAlertStorage_EnqueueAfterStop(t *testing.T) {
	as := newTestStore(t)
	as.Start(2)
	as.Stop()
	as.Stop()

	err := as.Enqueue(context.Background(), testAlert(5716, 5, "ev-1", time.Now()))
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.NoError(t, as.Enqueue(context.Background(), nil))
}

func TestAlertStorage_EnqueueHonorsContext(t *testing.T) {
	as, err := NewAlertStorage(newTestSQLite(t), 1, nil)
	require.NoError(t, err)
	// no workers: the second alert cannot be queued
	require.NoError(t, as.Enqueue(context.Background(), testAlert(1, 3, "a", time.Now())))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, as.Enqueue(ctx, testAlert(1, 3, "b", time.Now())), context.DeadlineExceeded)
}

func TestAlertStorage_CleanupOldAlerts(t *testing.T) {
	as := newTestStore(t)
	as.Start(1)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, as.Enqueue(ctx, testAlert(5716, 5, "old", now.Add(-48*time.Hour))))
	require.NoError(t, as.Enqueue(ctx, testAlert(5716, 5, "new", now)))
	as.Stop()

	n, err := as.CleanupOldAlerts(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	alerts, err := as.GetAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "new", alerts[0].Event.EventID)
}

func TestNewAlertStorage_NilDatabase(t *testing.T) {
	_, err := NewAlertStorage(nil, 0, nil)
	assert.Error(t, err)
}
