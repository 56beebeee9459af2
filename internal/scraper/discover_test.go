package scraper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-crawler/internal/config"
	"feed-crawler/internal/utils"
)

type fakeFeed struct {
	rounds [][]string
	errs   map[int]int // round index -> failures before success
	calls  int
	round  int
}

func (f *fakeFeed) ScrollRound(ctx context.Context) ([]string, error) {
	f.calls++
	if f.errs[f.round] > 0 {
		f.errs[f.round]--
		return nil, errors.New("scroll timeout")
	}
	defer func() { f.round++ }()
	if f.round >= len(f.rounds) {
		return nil, nil
	}
	return f.rounds[f.round], nil
}

func (f *fakeFeed) Queries() []QueryResponse { return nil }
func (f *fakeFeed) Close()                   {}

func postLink(id string) string {
	return fmt.Sprintf("https://www.threads.net/@alice/post/%s", id)
}

func newTestDiscoverer(t *testing.T, maxIdle int) *FeedDiscoverer {
	t.Helper()
	cfg := config.Default().Crawler
	cfg.MaxIdleRounds = maxIdle
	cfg.RetryDelay = 1
	cfg.SafetyBuffer = 2
	fd, err := NewFeedDiscoverer(cfg, config.DefaultSelectors(), utils.NewNopLogger())
	require.NoError(t, err)
	return fd
}

func TestDiscover_KnownRoundsDoNotStop(t *testing.T) {
	known := map[string]struct{}{}
	var rounds [][]string
	for i := 0; i < 14; i++ {
		id := fmt.Sprintf("known%d", i)
		known[id] = struct{}{}
		rounds = append(rounds, []string{postLink(id)})
	}
	rounds = append(rounds, []string{postLink("fresh1")})

	feed := &fakeFeed{rounds: rounds}
	res, err := newTestDiscoverer(t, 15).Discover(context.Background(), feed, "alice", 1, known)
	require.NoError(t, err)

	assert.Equal(t, 15, res.Rounds)
	assert.Equal(t, StopTarget, res.StopReason)
	assert.Equal(t, 14, res.KnownSkipped)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "fresh1", res.Candidates[0].PostID)
}

func TestDiscover_EmptyRoundsBelowThresholdContinue(t *testing.T) {
	rounds := make([][]string, 14)
	rounds = append(rounds, []string{postLink("late")})

	feed := &fakeFeed{rounds: rounds}
	res, err := newTestDiscoverer(t, 15).Discover(context.Background(), feed, "alice", 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "late", res.Candidates[0].PostID)
}

func TestDiscover_StopsAfterIdleRounds(t *testing.T) {
	feed := &fakeFeed{rounds: [][]string{{postLink("a1")}}}
	res, err := newTestDiscoverer(t, 5).Discover(context.Background(), feed, "alice", 10, nil)
	require.NoError(t, err)

	assert.Equal(t, StopIdle, res.StopReason)
	assert.Equal(t, 6, res.Rounds)
	assert.Len(t, res.Candidates, 1)
}

func TestDiscover_CapsAtSafetyBuffer(t *testing.T) {
	var links []string
	for i := 0; i < 10; i++ {
		links = append(links, postLink(fmt.Sprintf("p%d", i)))
	}
	feed := &fakeFeed{rounds: [][]string{links}}
	res, err := newTestDiscoverer(t, 15).Discover(context.Background(), feed, "alice", 3, nil)
	require.NoError(t, err)

	assert.Equal(t, StopTarget, res.StopReason)
	assert.Len(t, res.Candidates, 5)
	assert.Equal(t, "p0", res.Candidates[0].PostID)
}

func TestDiscover_SkipsOtherAccountsAndNonPostLinks(t *testing.T) {
	feed := &fakeFeed{rounds: [][]string{{
		"https://www.threads.net/@bob/post/bob1",
		"https://www.threads.net/@alice",
		"https://www.threads.net/@alice/post/mine1?xmt=abc",
	}}}
	res, err := newTestDiscoverer(t, 15).Discover(context.Background(), feed, "alice", 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "mine1", res.Candidates[0].PostID)
	assert.Equal(t, "https://www.threads.net/@alice/post/mine1", res.Candidates[0].URL)
}

func TestDiscover_RetriesFailedScroll(t *testing.T) {
	feed := &fakeFeed{
		rounds: [][]string{{postLink("x1")}},
		errs:   map[int]int{0: 2},
	}
	res, err := newTestDiscoverer(t, 15).Discover(context.Background(), feed, "alice", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, feed.calls)
	assert.Equal(t, 0, res.ScrollErrors)
	assert.Len(t, res.Candidates, 1)
}

func TestDiscover_NothingWanted(t *testing.T) {
	feed := &fakeFeed{rounds: [][]string{{postLink("x1")}}}
	res, err := newTestDiscoverer(t, 15).Discover(context.Background(), feed, "alice", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StopNoWant, res.StopReason)
	assert.Equal(t, 0, feed.calls)
}

func TestDiscover_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	feed := &fakeFeed{rounds: [][]string{{postLink("x1")}}}
	_, err := newTestDiscoverer(t, 15).Discover(ctx, feed, "alice", 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPostURLMatcher(t *testing.T) {
	m, err := NewPostURLMatcher(config.DefaultSelectors().PostURLPatterns)
	require.NoError(t, err)

	tests := []struct {
		link     string
		ok       bool
		postID   string
		username string
	}{
		{"https://www.threads.net/@alice/post/C9xYz_1", true, "C9xYz_1", "alice"},
		{"https://www.threads.net/@alice/post/C9xYz_1/media", true, "C9xYz_1", "alice"},
		{"https://www.threads.net/t/ABCdef", true, "ABCdef", ""},
		{"https://www.threads.net/@alice", false, "", ""},
		{"::not a url", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			c, ok := m.Match(tt.link)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.postID, c.PostID)
			assert.Equal(t, tt.username, c.Username)
		})
	}
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"267", 267, true},
		{"1,204", 1204, true},
		{"3.4K", 3400, true},
		{"2M", 2000000, true},
		{"1.2万", 12000, true},
		{"0", 0, true},
		{"", 0, false},
		{"replies", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseCount(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
