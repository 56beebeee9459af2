package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-crawler/internal/config"
	"feed-crawler/internal/ranking"
	"feed-crawler/internal/scraper"
	"feed-crawler/internal/storage"
	"feed-crawler/internal/utils"
	"feed-crawler/pkg/types"
)

const postPage = `<html><body>
<script type="application/json" data-sjs>{"containing_thread":{"thread_items":[{"post":{"pk":"1%[1]s","code":"%[1]s","taken_at":1754539659,"like_count":%[2]d,"user":{"username":"alice"},"caption":{"text":"post %[1]s"},"text_post_app_info":{"direct_reply_count":1,"repost_count":0,"reshare_count":0}}}]}}</script>
<div data-pressable-container="true"><span dir="auto">post %[1]s</span></div>
</body></html>`

const gatedPage = `<html><body><div data-pressable-container="true"><span dir="auto">Log in to see more</span></div></body></html>`

type fakeFeed struct {
	rounds [][]string
	next   int
}

func (f *fakeFeed) ScrollRound(ctx context.Context) ([]string, error) {
	if f.next >= len(f.rounds) {
		return nil, nil
	}
	r := f.rounds[f.next]
	f.next++
	return r, nil
}

func (f *fakeFeed) Queries() []scraper.QueryResponse { return nil }
func (f *fakeFeed) Close()                          {}

type fakeBrowser struct {
	mu       sync.Mutex
	rounds   [][]string
	likes    map[string]int
	gated    map[string]bool
	failOnce map[string]bool
	broken   map[string]bool
	calls    map[string]int
	resets   int
	closed   bool
	onFetch  func(ctx context.Context, id string) error
}

func newFakeBrowser(rounds ...[]string) *fakeBrowser {
	return &fakeBrowser{
		rounds:   rounds,
		likes:    map[string]int{},
		gated:    map[string]bool{},
		failOnce: map[string]bool{},
		broken:   map[string]bool{},
		calls:    map[string]int{},
	}
}

func (b *fakeBrowser) OpenFeed(ctx context.Context, account string) (scraper.FeedPage, error) {
	return &fakeFeed{rounds: b.rounds}, nil
}

func (b *fakeBrowser) FetchPost(ctx context.Context, postURL string) (*scraper.PageCapture, error) {
	id := postURL[strings.LastIndex(postURL, "/")+1:]

	b.mu.Lock()
	b.calls[id]++
	fail := b.broken[id] || (b.failOnce[id] && b.calls[id] == 1)
	gated := b.gated[id]
	likes := b.likes[id]
	hook := b.onFetch
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return nil, err
		}
	}
	if fail {
		return nil, errors.New("navigation timeout")
	}

	capture := &scraper.PageCapture{URL: postURL, FetchedAt: time.Now()}
	if gated {
		capture.HTML = gatedPage
		capture.Degraded = true
	} else {
		capture.HTML = fmt.Sprintf(postPage, id, likes)
	}
	return capture, nil
}

func (b *fakeBrowser) Reset(ctx context.Context) error {
	b.mu.Lock()
	b.resets++
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

type memRepo struct {
	mu    sync.Mutex
	posts map[string]types.PostRecord
	state *types.CrawlState
}

func (r *memRepo) ExistingPostIDs(ctx context.Context, account string) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := map[string]struct{}{}
	for _, p := range r.posts {
		if p.Account == account {
			ids[p.PostID] = struct{}{}
		}
	}
	return ids, nil
}

func (r *memRepo) UpsertPosts(ctx context.Context, posts []types.PostRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range posts {
		r.posts[p.Account+"/"+p.PostID] = p
	}
	return nil
}

func (r *memRepo) UpdateCrawlState(ctx context.Context, account string, at time.Time) (*types.CrawlState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(r.posts)
	if r.state != nil && r.state.TotalCrawled > total {
		total = r.state.TotalCrawled
	}
	r.state = &types.CrawlState{Account: account, LastCrawlAt: at, TotalCrawled: total}
	s := *r.state
	return &s, nil
}

func (r *memRepo) GetCrawlState(ctx context.Context, account string) (*types.CrawlState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil, nil
	}
	s := *r.state
	return &s, nil
}

type fakeTiers struct {
	mu       sync.Mutex
	progress []types.CrawlProgress
	rankings map[string][]types.RankingEntry
	media    []types.PostRecord
}

func (f *fakeTiers) SaveProgress(ctx context.Context, p types.CrawlProgress) error {
	f.mu.Lock()
	f.progress = append(f.progress, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeTiers) SaveRanking(ctx context.Context, account string, entries []types.RankingEntry) error {
	f.mu.Lock()
	f.rankings[account] = entries
	f.mu.Unlock()
	return nil
}

func (f *fakeTiers) PersistMedia(ctx context.Context, account string, posts []types.PostRecord) ([]types.MediaRecord, error) {
	f.mu.Lock()
	f.media = append(f.media, posts...)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeTiers) last() types.CrawlProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress[len(f.progress)-1]
}

type fakeQueue struct {
	mu   sync.Mutex
	reqs []types.FillRequest
}

func (q *fakeQueue) Push(ctx context.Context, req types.FillRequest) error {
	q.mu.Lock()
	q.reqs = append(q.reqs, req)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context) (*types.FillRequest, error) { return nil, nil }
func (q *fakeQueue) Len(ctx context.Context) (int64, error)             { return int64(len(q.reqs)), nil }

type recorder struct {
	reports []types.RunReport
}

func (r *recorder) RecordRun(report types.RunReport) {
	r.reports = append(r.reports, report)
}

type harness struct {
	crawler  *Crawler
	browser  *fakeBrowser
	repo     *memRepo
	tiers    *fakeTiers
	queue    *fakeQueue
	recorder *recorder
	launches int
}

func newHarness(t *testing.T, browser *fakeBrowser, opts ...func(*config.Config)) *harness {
	t.Helper()
	logger := utils.NewNopLogger()
	cfg := config.Default()
	cfg.Crawler.MaxIdleRounds = 2
	cfg.Crawler.SafetyBuffer = 0
	cfg.Crawler.RequestsPerMinute = 60000
	cfg.Crawler.RetryDelay = 1
	cfg.Crawler.TopMedia = 2
	for _, opt := range opts {
		opt(cfg)
	}
	sel := config.DefaultSelectors()

	discoverer, err := scraper.NewFeedDiscoverer(cfg.Crawler, sel, logger)
	require.NoError(t, err)
	counts, err := scraper.NewCountsExtractor(sel, logger)
	require.NoError(t, err)
	times, err := utils.NewTimeNormalizer(cfg.Platform.Timezone)
	require.NoError(t, err)
	assembler := scraper.NewPostAssembler(sel, counts, scraper.NewMediaExtractor(sel, logger), times, logger)

	h := &harness{
		browser:  browser,
		repo:     &memRepo{posts: map[string]types.PostRecord{}},
		tiers:    &fakeTiers{rankings: map[string][]types.RankingEntry{}},
		queue:    &fakeQueue{},
		recorder: &recorder{},
	}
	h.crawler = New(cfg, Deps{
		Launch: func(ctx context.Context) (Browser, error) {
			h.launches++
			return h.browser, nil
		},
		Discoverer: discoverer,
		Assembler:  assembler,
		State:      storage.NewCrawlStateStore(h.repo, logger),
		Tiers:      h.tiers,
		Fill:       h.queue,
		Ranking:    ranking.NewEngine(cfg.Ranking),
		Recorder:   h.recorder,
	}, logger)
	return h
}

func links(ids ...string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "https://www.threads.net/@alice/post/" + id
	}
	return out
}

func ids(posts []types.PostRecord) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.PostID
	}
	return out
}

func TestCrawl_CommitsRanksAndQueuesFills(t *testing.T) {
	b := newFakeBrowser(links("P1", "P2"), links("P3"))
	b.likes = map[string]int{"P1": 5, "P2": 50, "P3": 20}
	h := newHarness(t, b)

	res, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 3, Incremental: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1", "P2", "P3"}, ids(res.Posts))
	assert.Equal(t, 3, res.Collected)
	assert.NotEmpty(t, res.TaskID)
	require.NotNil(t, res.Posts[1].Likes)
	assert.Equal(t, 50, *res.Posts[1].Likes)
	assert.True(t, b.closed)

	assert.Len(t, h.repo.posts, 3)
	assert.Equal(t, 3, h.repo.state.TotalCrawled)

	ranked := h.tiers.rankings["alice"]
	require.Len(t, ranked, 3)
	assert.Equal(t, "P2", ranked[0].PostID)
	assert.Equal(t, []string{"P2", "P3"}, ids(h.tiers.media))

	// views are never in these pages
	require.Len(t, h.queue.reqs, 3)
	assert.Equal(t, []string{types.MetricViews}, h.queue.reqs[0].MissingFields)

	assert.Equal(t, types.ProgressDone, h.tiers.last().Stage)
	require.Len(t, h.recorder.reports, 1)
	assert.Equal(t, 3, h.recorder.reports[0].LayerHits["state=single_post"])
}

func TestCrawl_IncrementalRunsAreIdempotent(t *testing.T) {
	b := newFakeBrowser(links("P1", "P2"), links("P3"))
	h := newHarness(t, b)
	req := types.CrawlRequest{Account: "alice", WantedExtra: 3, Incremental: true}

	_, err := h.crawler.Crawl(context.Background(), req)
	require.NoError(t, err)
	first := h.repo.state.TotalCrawled

	res, err := h.crawler.Crawl(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Posts)
	assert.Equal(t, first, h.repo.state.TotalCrawled)
	assert.Len(t, h.repo.posts, 3)
	assert.Equal(t, scraper.StopIdle, h.recorder.reports[1].StopReason)

	// a refresh run refetches known posts without growing coverage
	res, err = h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 3})
	require.NoError(t, err)
	assert.Len(t, res.Posts, 3)
	assert.Equal(t, first, h.repo.state.TotalCrawled)
}

func TestCrawl_RetriesFailedFetch(t *testing.T) {
	b := newFakeBrowser(links("P1"))
	b.failOnce["P1"] = true
	h := newHarness(t, b)

	res, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids(res.Posts))
	assert.Equal(t, 2, b.calls["P1"])
}

func withSafetyBuffer(n int) func(*config.Config) {
	return func(cfg *config.Config) { cfg.Crawler.SafetyBuffer = n }
}

func (b *fakeBrowser) fetched(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[id]
}

func TestCrawl_StopsAtWantedDespiteBuffer(t *testing.T) {
	b := newFakeBrowser(links("P1", "P2", "P3", "P4", "P5"))
	h := newHarness(t, b, withSafetyBuffer(3))

	res, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 2, Incremental: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1", "P2"}, ids(res.Posts))
	assert.Equal(t, 2, res.Collected)
	assert.Len(t, h.repo.posts, 2)
	assert.Equal(t, 2, h.repo.state.TotalCrawled)
	assert.Equal(t, 5, h.recorder.reports[0].Candidates)
	for _, id := range []string{"P3", "P4", "P5"} {
		assert.Zero(t, b.fetched(id), id)
	}
}

func TestCrawl_BufferReplacesFailedPosts(t *testing.T) {
	b := newFakeBrowser(links("P1", "P2", "P3", "P4", "P5"))
	b.broken["P2"] = true
	h := newHarness(t, b, withSafetyBuffer(3))

	res, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 2, Incremental: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1", "P3"}, ids(res.Posts))
	assert.Equal(t, 1, h.recorder.reports[0].Failed)
	assert.Len(t, h.repo.posts, 2)
	assert.Zero(t, b.fetched("P4"))
	assert.Zero(t, b.fetched("P5"))
}

func TestCrawl_GateResetAfterConsecutiveDegraded(t *testing.T) {
	b := newFakeBrowser(links("G1", "G2", "G3", "G4"))
	for _, id := range []string{"G1", "G2", "G3", "G4"} {
		b.gated[id] = true
	}
	h := newHarness(t, b)

	res, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 4})
	require.NoError(t, err)

	assert.Equal(t, 1, b.resets)
	assert.Len(t, res.Posts, 4)
	for _, p := range res.Posts {
		assert.Contains(t, p.ExtractionMethod, "degraded")
		assert.Nil(t, p.Likes)
	}
	assert.Equal(t, 4, h.recorder.reports[0].Degraded)
	assert.Equal(t, 1, h.recorder.reports[0].GateResets)
}

func TestCrawl_FatalLaunchCommitsNothing(t *testing.T) {
	h := newHarness(t, newFakeBrowser())
	h.crawler.deps.Launch = func(ctx context.Context) (Browser, error) {
		return nil, fmt.Errorf("%w: no cookies", scraper.ErrSessionBlob)
	}

	res, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, scraper.ErrSessionBlob)

	var fatal *FatalError
	assert.ErrorAs(t, err, &fatal)
	require.NotNil(t, res)
	assert.Empty(t, res.Posts)
	assert.Nil(t, h.repo.state)
	assert.Equal(t, types.ProgressFailed, h.tiers.last().Stage)
}

func TestCrawl_CancelCommitsAssembledRecords(t *testing.T) {
	b := newFakeBrowser(links("P1", "P2", "P3"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var others sync.WaitGroup
	others.Add(2)
	b.onFetch = func(fctx context.Context, id string) error {
		if id == "P3" {
			others.Wait()
			cancel()
			return fctx.Err()
		}
		others.Done()
		return nil
	}
	h := newHarness(t, b)

	res, err := h.crawler.Crawl(ctx, types.CrawlRequest{Account: "alice", WantedExtra: 3})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.ElementsMatch(t, []string{"P1", "P2"}, ids(res.Posts))
	assert.Len(t, h.repo.posts, 2)
	assert.Equal(t, 2, h.repo.state.TotalCrawled)
	assert.Empty(t, h.tiers.rankings)
}

func TestCrawl_NothingWantedSkipsBrowser(t *testing.T) {
	h := newHarness(t, newFakeBrowser())
	res, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 0})
	require.NoError(t, err)
	assert.Empty(t, res.Posts)
	assert.Equal(t, 0, h.launches)
}

func TestCrawl_InvalidRequest(t *testing.T) {
	h := newHarness(t, newFakeBrowser())
	res, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{WantedExtra: 3})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 0, h.launches)
}

func TestCrawler_AccountBusy(t *testing.T) {
	h := newHarness(t, newFakeBrowser())
	require.True(t, h.crawler.acquire("alice"))
	_, err := h.crawler.Crawl(context.Background(), types.CrawlRequest{Account: "alice", WantedExtra: 1})
	assert.ErrorIs(t, err, ErrAccountBusy)
	h.crawler.release("alice")
	assert.True(t, h.crawler.acquire("alice"))
}
