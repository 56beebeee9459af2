package monitoring

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"feed-crawler/internal/utils"
	"feed-crawler/pkg/types"
)

func report(account string, collected, failed, resets int) types.RunReport {
	return types.RunReport{
		Account:    account,
		StartedAt:  time.Now().Add(-time.Minute),
		Duration:   30 * time.Second,
		Candidates: collected + failed,
		Collected:  collected,
		Failed:     failed,
		GateResets: resets,
		StopReason: "target",
		LayerHits:  map[string]int{"counts=page_state": collected, "videos=network": 1},
	}
}

func TestMonitor_RecordRunPersists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "metrics", "metrics.json")
	logger := utils.NewNopLogger()

	m := NewMonitor(logger, file)
	m.RecordRun(report("alice", 8, 2, 0))
	m.RecordRun(report("bob", 10, 0, 1))

	got := m.GetMetrics()
	assert.Equal(t, 2, got.CrawlRuns)
	assert.Equal(t, 18, got.CollectedPosts)
	assert.InDelta(t, 10.0, got.ErrorRate, 1e-9)
	assert.Equal(t, 18, got.LayerHits["counts=page_state"])
	assert.Equal(t, 2, got.LayerHits["videos=network"])
	assert.Equal(t, 1, got.AccountMetrics["bob"].GateResets)

	reloaded := NewMonitor(logger, file)
	assert.Equal(t, 2, reloaded.GetMetrics().CrawlRuns)
	assert.Equal(t, 8, reloaded.GetMetrics().AccountMetrics["alice"].PostsCollected)

	out := reloaded.GenerateReport()
	assert.Contains(t, out, "Account alice")
	assert.Contains(t, out, "counts=page_state: 18")
}

func TestAlertManager(t *testing.T) {
	logger := utils.NewNopLogger()
	m := NewMonitor(logger, "")
	alerts := NewAlertManager(m, logger)

	assert.Contains(t, alerts.CheckAlerts(), "ALERT: No posts have been collected")

	m.RecordRun(report("alice", 5, 5, 1))
	got := alerts.CheckAlerts()
	assert.Contains(t, got, "ALERT: High error rate: 50.00%")
	assert.Contains(t, got, "ALERT: Frequent gate resets: 1 in 1 runs")
	assert.NotContains(t, got, "ALERT: Crawler hasn't run in over 24 hours")
}

func TestHealthStatus(t *testing.T) {
	m := NewMonitor(utils.NewNopLogger(), "")
	assert.Equal(t, "warning", m.GetHealthStatus()["status"])

	m.RecordRun(report("alice", 10, 0, 0))
	assert.Equal(t, "healthy", m.GetHealthStatus()["status"])
}
