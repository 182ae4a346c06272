package observability_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/observability"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	// GIVEN: Two metrics sets
	// WHEN: Both are built in the same process
	// THEN: Neither panics on duplicate registration

	assert.NotPanics(t, func() {
		observability.NewMetrics()
		observability.NewMetrics()
	})
}

func TestMetrics_RecordsEngineEvents(t *testing.T) {
	m := observability.NewMetrics()

	m.ItemRecorded(billing.ItemIncome)
	m.ItemRecorded(billing.ItemIncome)
	m.StoreFailure("append_item")
	m.CacheLookup(true)
	m.Resync("undo_last")
	m.OperationDuration("record", 3*time.Millisecond)
	m.RateFetch(false)

	count, err := testutil.GatherAndCount(m.Registry, "billing_items_recorded_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "one series per item type")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Contains(t, string(body), `billing_items_recorded_total{type="income"} 2`)
	assert.Contains(t, string(body), `billing_store_failures_total{op="append_item"} 1`)
	assert.Contains(t, string(body), `billing_rate_fetches_total{status="error"} 1`)
}
