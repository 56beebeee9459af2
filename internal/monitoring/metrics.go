package monitoring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"feed-crawler/pkg/types"
)

type Metrics struct {
	CrawlRuns       int                      `json:"crawl_runs"`
	TotalCandidates int                      `json:"total_candidates"`
	CollectedPosts  int                      `json:"collected_posts"`
	FailedPosts     int                      `json:"failed_posts"`
	DegradedPages   int                      `json:"degraded_pages"`
	GateResets      int                      `json:"gate_resets"`
	MissingCounts   int                      `json:"missing_counts"`
	LastRun         time.Time                `json:"last_run"`
	AverageRunTime  time.Duration            `json:"average_run_time"`
	ErrorRate       float64                  `json:"error_rate"`
	LayerHits       map[string]int           `json:"layer_hits"`
	AccountMetrics  map[string]AccountMetric `json:"account_metrics"`
}

type AccountMetric struct {
	Runs           int           `json:"runs"`
	PostsCollected int           `json:"posts_collected"`
	LastCrawled    time.Time     `json:"last_crawled"`
	LastStop       string        `json:"last_stop"`
	AverageRunTime time.Duration `json:"average_run_time"`
	ErrorCount     int           `json:"error_count"`
	GateResets     int           `json:"gate_resets"`
	LastError      string        `json:"last_error,omitempty"`
}

// Monitor accumulates run reports and persists them to a JSON file.
type Monitor struct {
	mu          sync.Mutex
	metrics     *Metrics
	logger      *logrus.Logger
	metricsFile string
}

func NewMonitor(logger *logrus.Logger, metricsFile string) *Monitor {
	monitor := &Monitor{
		metrics:     newMetrics(),
		logger:      logger,
		metricsFile: metricsFile,
	}

	monitor.loadMetrics()
	return monitor
}

func newMetrics() *Metrics {
	return &Metrics{
		LayerHits:      make(map[string]int),
		AccountMetrics: make(map[string]AccountMetric),
	}
}

func runningAverage(avg time.Duration, n int, d time.Duration) time.Duration {
	if n <= 1 {
		return d
	}
	return avg + (d-avg)/time.Duration(n)
}

// RecordRun implements the crawler's run recorder.
func (m *Monitor) RecordRun(r types.RunReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt := m.metrics
	mt.CrawlRuns++
	mt.TotalCandidates += r.Candidates
	mt.CollectedPosts += r.Collected
	mt.FailedPosts += r.Failed
	mt.DegradedPages += r.Degraded
	mt.GateResets += r.GateResets
	mt.MissingCounts += r.Missing
	mt.LastRun = r.StartedAt.Add(r.Duration)
	mt.AverageRunTime = runningAverage(mt.AverageRunTime, mt.CrawlRuns, r.Duration)

	if attempted := mt.CollectedPosts + mt.FailedPosts; attempted > 0 {
		mt.ErrorRate = float64(mt.FailedPosts) / float64(attempted) * 100
	}

	for layer, n := range r.LayerHits {
		mt.LayerHits[layer] += n
	}

	am := mt.AccountMetrics[r.Account]
	am.Runs++
	am.PostsCollected += r.Collected
	am.LastCrawled = mt.LastRun
	am.LastStop = r.StopReason
	am.AverageRunTime = runningAverage(am.AverageRunTime, am.Runs, r.Duration)
	am.ErrorCount += r.Failed
	am.GateResets += r.GateResets
	am.LastError = r.Error
	mt.AccountMetrics[r.Account] = am

	m.saveMetrics()

	m.logger.WithFields(logrus.Fields{
		"account":  r.Account,
		"task_id":  r.TaskID,
		"stop":     r.StopReason,
		"failed":   r.Failed,
		"degraded": r.Degraded,
	}).Infof("Recorded crawl run: %d posts in %v", r.Collected, r.Duration)
}

// GetMetrics returns a copy safe to read while runs are recorded.
func (m *Monitor) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := *m.metrics
	out.LayerHits = make(map[string]int, len(m.metrics.LayerHits))
	for k, v := range m.metrics.LayerHits {
		out.LayerHits[k] = v
	}
	out.AccountMetrics = make(map[string]AccountMetric, len(m.metrics.AccountMetrics))
	for k, v := range m.metrics.AccountMetrics {
		out.AccountMetrics[k] = v
	}
	return out
}

func (m *Monitor) GetHealthStatus() map[string]interface{} {
	metrics := m.GetMetrics()
	status := map[string]interface{}{
		"status":          "healthy",
		"last_run":        metrics.LastRun.Format(time.RFC3339),
		"total_runs":      metrics.CrawlRuns,
		"error_rate":      fmt.Sprintf("%.2f%%", metrics.ErrorRate),
		"average_runtime": metrics.AverageRunTime.String(),
		"gate_resets":     metrics.GateResets,
	}

	if time.Since(metrics.LastRun) > 24*time.Hour {
		status["status"] = "warning"
		status["warning"] = "No crawl runs in the last 24 hours"
	}

	if metrics.ErrorRate > 10 {
		status["status"] = "warning"
		status["warning"] = "High error rate detected"
	}

	return status
}

func (m *Monitor) GenerateReport() string {
	metrics := m.GetMetrics()

	var b strings.Builder
	fmt.Fprintf(&b, `
Feed Crawler Monitoring Report
==============================
Generated: %s

Overall Statistics:
- Total Crawl Runs: %d
- Candidates Discovered: %d
- Posts Collected: %d
- Failed Posts: %d
- Degraded Pages: %d
- Gate Resets: %d
- Posts Missing Counts: %d
- Error Rate: %.2f%%
- Average Run Time: %s
- Last Run: %s
`,
		time.Now().Format("2006-01-02 15:04:05"),
		metrics.CrawlRuns,
		metrics.TotalCandidates,
		metrics.CollectedPosts,
		metrics.FailedPosts,
		metrics.DegradedPages,
		metrics.GateResets,
		metrics.MissingCounts,
		metrics.ErrorRate,
		metrics.AverageRunTime,
		metrics.LastRun.Format("2006-01-02 15:04:05"),
	)

	b.WriteString("\nExtraction Layers:\n")
	for _, layer := range sortedKeys(metrics.LayerHits) {
		fmt.Fprintf(&b, "- %s: %d\n", layer, metrics.LayerHits[layer])
	}

	b.WriteString("\nAccount Performance:\n")
	accounts := make([]string, 0, len(metrics.AccountMetrics))
	for a := range metrics.AccountMetrics {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		am := metrics.AccountMetrics[account]
		fmt.Fprintf(&b, `
- Account %s:
  Runs: %d
  Posts Collected: %d
  Last Crawled: %s (%s)
  Average Runtime: %s
  Errors: %d
  Gate Resets: %d
`,
			account,
			am.Runs,
			am.PostsCollected,
			am.LastCrawled.Format("2006-01-02 15:04:05"),
			am.LastStop,
			am.AverageRunTime,
			am.ErrorCount,
			am.GateResets,
		)
	}

	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Monitor) loadMetrics() {
	if _, err := os.Stat(m.metricsFile); os.IsNotExist(err) {
		m.logger.Info("No existing metrics file found, starting fresh")
		return
	}

	data, err := os.ReadFile(m.metricsFile)
	if err != nil {
		m.logger.Warnf("Failed to read metrics file: %v", err)
		return
	}

	loaded := newMetrics()
	if err := json.Unmarshal(data, loaded); err != nil {
		m.logger.Warnf("Failed to parse metrics file: %v", err)
		return
	}
	if loaded.LayerHits == nil {
		loaded.LayerHits = make(map[string]int)
	}
	if loaded.AccountMetrics == nil {
		loaded.AccountMetrics = make(map[string]AccountMetric)
	}
	m.metrics = loaded

	m.logger.Info("Loaded existing metrics from file")
}

func (m *Monitor) saveMetrics() {
	if m.metricsFile == "" {
		return
	}
	data, err := json.MarshalIndent(m.metrics, "", "  ")
	if err != nil {
		m.logger.Errorf("Failed to marshal metrics: %v", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(m.metricsFile), 0755); err != nil {
		m.logger.Errorf("Failed to create metrics dir: %v", err)
		return
	}
	if err := os.WriteFile(m.metricsFile, data, 0644); err != nil {
		m.logger.Errorf("Failed to save metrics: %v", err)
	}
}

// AlertManager handles alerting based on metrics
type AlertManager struct {
	monitor *Monitor
	logger  *logrus.Logger
}

func NewAlertManager(monitor *Monitor, logger *logrus.Logger) *AlertManager {
	return &AlertManager{
		monitor: monitor,
		logger:  logger,
	}
}

func (am *AlertManager) CheckAlerts() []string {
	var alerts []string
	metrics := am.monitor.GetMetrics()

	if time.Since(metrics.LastRun) > 25*time.Hour {
		alerts = append(alerts, "ALERT: Crawler hasn't run in over 24 hours")
	}

	if metrics.ErrorRate > 15 {
		alerts = append(alerts, fmt.Sprintf("ALERT: High error rate: %.2f%%", metrics.ErrorRate))
	}

	if metrics.CollectedPosts == 0 {
		alerts = append(alerts, "ALERT: No posts have been collected")
	}

	// A reset every other run means the session blob is likely stale.
	if metrics.CrawlRuns > 0 && float64(metrics.GateResets)/float64(metrics.CrawlRuns) >= 0.5 {
		alerts = append(alerts, fmt.Sprintf("ALERT: Frequent gate resets: %d in %d runs", metrics.GateResets, metrics.CrawlRuns))
	}

	if metrics.CollectedPosts > 0 && float64(metrics.MissingCounts)/float64(metrics.CollectedPosts) > 0.5 {
		alerts = append(alerts, fmt.Sprintf("ALERT: %d of %d posts are missing counts", metrics.MissingCounts, metrics.CollectedPosts))
	}

	return alerts
}

func (am *AlertManager) SendAlerts(alerts []string) {
	for _, alert := range alerts {
		am.logger.Warn(alert)
	}
}
