package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-crawler/internal/config"
	"feed-crawler/internal/utils"
	"feed-crawler/pkg/types"
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New("UTC", time.Minute, utils.NewNopLogger())
	require.NoError(t, err)
	return s
}

func TestNew_InvalidTimezone(t *testing.T) {
	_, err := New("Mars/Olympus", time.Minute, utils.NewNopLogger())
	assert.Error(t, err)
}

func TestAddCrawlPlans(t *testing.T) {
	s := newScheduler(t)
	var got []types.CrawlRequest
	crawl := func(ctx context.Context, req types.CrawlRequest) (*types.BatchResult, error) {
		got = append(got, req)
		return &types.BatchResult{Collected: 2}, nil
	}

	plans := []config.AccountPlan{
		{Account: "alice", WantedExtra: 10, Cron: "0 */6 * * *"},
		{Account: "bob", WantedExtra: 5, Cron: "15 8 * * *"},
	}
	require.NoError(t, s.AddCrawlPlans(plans, crawl))

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "crawl:alice", jobs[0].Name)
	assert.Equal(t, "0 */6 * * *", jobs[0].Schedule)

	require.NoError(t, s.RunNow("crawl:bob"))
	require.Len(t, got, 1)
	assert.Equal(t, types.CrawlRequest{Account: "bob", WantedExtra: 5, Incremental: true}, got[0])
	assert.Error(t, s.RunNow("crawl:carol"))

	assert.Error(t, s.AddCrawlPlans(plans[:1], crawl), "duplicate job names are rejected")
}

func TestAddJob_InvalidSchedule(t *testing.T) {
	s := newScheduler(t)
	assert.Error(t, s.AddJob("bad", "not a cron", func(ctx context.Context) error { return nil }))
}

func TestAddSweep(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.AddSweep("", time.Hour, nil))
	assert.Empty(t, s.ListJobs())

	var retention time.Duration
	sweep := func(ctx context.Context, r time.Duration) (int, error) {
		retention = r
		return 3, errors.New("partial")
	}
	require.NoError(t, s.AddSweep("30 3 * * *", 48*time.Hour, sweep))
	require.Len(t, s.ListJobs(), 1)

	assert.EqualError(t, s.RunNow("sweep"), "partial")
	assert.Equal(t, 48*time.Hour, retention)

	s.RemoveJob("sweep")
	assert.Empty(t, s.ListJobs())
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s := newScheduler(t)
	s.Start()

	require.NoError(t, s.AddJob("slow", "@every 1h", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not observe Stop")
	}
}
