package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, RulesLoaded)
	assert.NotNil(t, ForestNodes)
	assert.NotNil(t, ForestRecords)
	assert.NotNil(t, RuleRelocations)
	assert.NotNil(t, CorrelationMarks)
	assert.NotNil(t, HistoryAppends)
	assert.NotNil(t, EventsEvaluated)
	assert.NotNil(t, EventEvaluationDuration)
	assert.NotNil(t, RegexErrors)
	assert.NotNil(t, AlertsStored)
	assert.NotNil(t, IngestEvents)
	assert.NotNil(t, TCPConnectionsActive)
	assert.NotNil(t, TCPConnectionsRejected)
}

func TestRulesLoadedCountsPerStrategy(t *testing.T) {
	before := testutil.ToFloat64(RulesLoaded.WithLabelValues("if_sid"))
	RulesLoaded.WithLabelValues("if_sid").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(RulesLoaded.WithLabelValues("if_sid")))
}
