package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"feed-crawler/internal/cache"
	"feed-crawler/internal/config"
	"feed-crawler/internal/ranking"
	"feed-crawler/internal/scraper"
	"feed-crawler/internal/storage"
	"feed-crawler/pkg/types"
)

// Browser is one authenticated browser session, exclusively owned by a run.
type Browser interface {
	OpenFeed(ctx context.Context, account string) (scraper.FeedPage, error)
	FetchPost(ctx context.Context, postURL string) (*scraper.PageCapture, error)
	Reset(ctx context.Context) error
	Close()
}

// LaunchFunc starts the Browser for a run.
type LaunchFunc func(ctx context.Context) (Browser, error)

// ChromeLauncher adapts the chromedp launcher.
func ChromeLauncher(l *scraper.Launcher) LaunchFunc {
	return func(ctx context.Context) (Browser, error) {
		s, err := l.Launch(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Tiers is the hot and object side of the tiered store.
type Tiers interface {
	SaveProgress(ctx context.Context, p types.CrawlProgress) error
	SaveRanking(ctx context.Context, account string, entries []types.RankingEntry) error
	PersistMedia(ctx context.Context, account string, posts []types.PostRecord) ([]types.MediaRecord, error)
}

// RunRecorder receives a report after every run.
type RunRecorder interface {
	RecordRun(report types.RunReport)
}

type Deps struct {
	Launch     LaunchFunc
	Discoverer *scraper.FeedDiscoverer
	Assembler  *scraper.PostAssembler
	State      *storage.CrawlStateStore
	Tiers      Tiers
	Fill       cache.FillQueue
	Ranking    *ranking.Engine
	Recorder   RunRecorder
}

type Crawler struct {
	cfg      *config.Config
	deps     Deps
	validate *validator.Validate
	logger   *logrus.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func New(cfg *config.Config, deps Deps, logger *logrus.Logger) *Crawler {
	return &Crawler{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(),
		logger:   logger,
		active:   make(map[string]struct{}),
	}
}

func (c *Crawler) acquire(account string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[account]; busy {
		return false
	}
	c.active[account] = struct{}{}
	return true
}

func (c *Crawler) release(account string) {
	c.mu.Lock()
	delete(c.active, account)
	c.mu.Unlock()
}

func (c *Crawler) workers() int {
	return min(max(c.cfg.Crawler.Concurrency, 3), 5)
}

// Crawl runs one account crawl. The result is never nil: on cancellation it
// holds the records that were fully assembled and committed, alongside the
// context error.
func (c *Crawler) Crawl(ctx context.Context, req types.CrawlRequest) (*types.BatchResult, error) {
	start := time.Now()
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	result := &types.BatchResult{TaskID: req.TaskID, Posts: []types.PostRecord{}}

	if err := c.validate.Struct(req); err != nil {
		return result, fmt.Errorf("invalid crawl request: %w", err)
	}
	if !c.acquire(req.Account) {
		return result, fmt.Errorf("%w: %s", ErrAccountBusy, req.Account)
	}
	defer c.release(req.Account)

	report := types.RunReport{
		TaskID:    req.TaskID,
		Account:   req.Account,
		StartedAt: start,
		LayerHits: make(map[string]int),
	}
	progress := types.CrawlProgress{TaskID: req.TaskID, Account: req.Account, Stage: types.ProgressDiscovering}
	c.saveProgress(ctx, progress)

	err := c.run(ctx, req, result, &report, &progress)

	result.Collected = len(result.Posts)
	result.ElapsedMs = time.Since(start).Milliseconds()
	report.Collected = result.Collected
	report.Duration = time.Since(start)

	progress.Completed = result.Collected
	progress.Stage = types.ProgressDone
	if err != nil {
		progress.Stage = types.ProgressFailed
		progress.Error = err.Error()
		report.Error = err.Error()
	}
	c.saveProgress(context.WithoutCancel(ctx), progress)
	if c.deps.Recorder != nil {
		c.deps.Recorder.RecordRun(report)
	}

	c.logger.WithFields(logrus.Fields{
		"account":    req.Account,
		"task_id":    req.TaskID,
		"collected":  result.Collected,
		"elapsed_ms": result.ElapsedMs,
	}).Info("Crawl finished")
	return result, err
}

func (c *Crawler) run(ctx context.Context, req types.CrawlRequest, result *types.BatchResult, report *types.RunReport, progress *types.CrawlProgress) error {
	log := c.logger.WithFields(logrus.Fields{"account": req.Account, "task_id": req.TaskID})

	need := c.deps.State.ComputeNeedToFetch(req.WantedExtra)
	if need == 0 {
		report.StopReason = scraper.StopNoWant
		log.Info("Nothing wanted, skipping crawl")
		return nil
	}

	skip := map[string]struct{}{}
	if req.Incremental {
		existing, err := c.deps.State.GetExistingIDs(ctx, req.Account)
		if err != nil {
			return err
		}
		skip = existing
		log.Infof("Incremental crawl: %d known posts", len(existing))
	}

	browser, err := c.deps.Launch(ctx)
	if err != nil {
		return &FatalError{Err: err}
	}
	defer browser.Close()

	feed, err := browser.OpenFeed(ctx, req.Account)
	if err != nil {
		return fmt.Errorf("failed to open feed: %w", err)
	}
	disc, derr := c.deps.Discoverer.Discover(ctx, feed, req.Account, need, skip)
	feedQueries := feed.Queries()
	feed.Close()

	report.Rounds = disc.Rounds
	report.Candidates = len(disc.Candidates)
	report.StopReason = disc.StopReason
	if derr != nil {
		return derr
	}

	progress.Stage = types.ProgressFetching
	progress.Candidates = len(disc.Candidates)
	c.saveProgress(ctx, *progress)

	rpm := max(c.cfg.Crawler.RequestsPerMinute, 1)
	pool := &fetchPool{
		workers:    c.workers(),
		browser:    browser,
		assembler:  c.deps.Assembler,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), c.workers()),
		retries:    c.cfg.Crawler.PostRetries,
		retryDelay: time.Duration(c.cfg.Crawler.RetryDelay) * time.Millisecond,
		threshold:  c.cfg.Crawler.GateThreshold,
		account:    req.Account,
		extra:      feedQueries,
		logger:     c.logger,
	}

	assembled := make([]*types.PostRecord, len(disc.Candidates))
	pool.run(ctx, disc.Candidates, need, func(res fetchResult) {
		if res.degraded {
			report.Degraded++
		}
		if res.err != nil {
			progress.Failed++
			report.Failed++
		} else {
			assembled[res.index] = res.record
			progress.Completed++
		}
		c.saveProgress(ctx, *progress)
	})
	report.GateResets = pool.gateResets()

	// discovery order, never more than wanted
	records := make([]types.PostRecord, 0, need)
	for _, rec := range assembled {
		if rec != nil && len(records) < need {
			records = append(records, *rec)
		}
	}

	commitCtx := ctx
	if ctx.Err() != nil {
		commitCtx = context.WithoutCancel(ctx)
	}
	if _, err := c.deps.State.CommitBatch(commitCtx, req.Account, records); err != nil {
		return err
	}
	result.Posts = records
	countLayerHits(records, report)

	if err := ctx.Err(); err != nil {
		log.Warnf("Crawl cancelled, committed %d of %d candidates", len(records), len(disc.Candidates))
		return err
	}

	c.requestFills(ctx, records, report)

	progress.Stage = types.ProgressRanking
	c.saveProgress(ctx, *progress)
	c.rank(ctx, req.Account, records)
	return nil
}

func (c *Crawler) rank(ctx context.Context, account string, records []types.PostRecord) {
	if len(records) == 0 || c.deps.Ranking == nil {
		return
	}
	entries := c.deps.Ranking.Rank(records)
	if c.deps.Tiers == nil {
		return
	}
	if err := c.deps.Tiers.SaveRanking(ctx, account, entries); err != nil {
		c.logger.WithField("account", account).Warnf("Failed to save ranking snapshot: %v", err)
	}

	top := ranking.Top(entries, c.cfg.Crawler.TopMedia)
	if len(top) == 0 {
		return
	}
	byID := make(map[string]types.PostRecord, len(records))
	for _, r := range records {
		byID[r.PostID] = r
	}
	selected := make([]types.PostRecord, 0, len(top))
	for _, e := range top {
		selected = append(selected, byID[e.PostID])
	}
	media, err := c.deps.Tiers.PersistMedia(ctx, account, selected)
	if err != nil {
		c.logger.WithField("account", account).Warnf("Failed to persist media: %v", err)
		return
	}
	c.logger.WithField("account", account).Infof("Persisted media for top %d posts (%d objects)", len(selected), len(media))
}

func (c *Crawler) requestFills(ctx context.Context, records []types.PostRecord, report *types.RunReport) {
	for _, r := range records {
		missing := r.MissingMetrics()
		if len(missing) == 0 {
			continue
		}
		report.Missing++
		if c.deps.Fill == nil {
			continue
		}
		req := types.FillRequest{PostID: r.PostID, URL: r.URL, MissingFields: missing}
		if err := c.deps.Fill.Push(ctx, req); err != nil {
			c.logger.WithField("post_id", r.PostID).Warnf("Failed to queue fill request: %v", err)
		}
	}
}

func (c *Crawler) saveProgress(ctx context.Context, p types.CrawlProgress) {
	if c.deps.Tiers == nil {
		return
	}
	if err := c.deps.Tiers.SaveProgress(ctx, p); err != nil {
		c.logger.WithField("task_id", p.TaskID).Debugf("Failed to save progress: %v", err)
	}
}

// countLayerHits tallies every part of each record's extraction tag, for
// example "videos=network" or "counts=query+page_state".
func countLayerHits(records []types.PostRecord, report *types.RunReport) {
	for _, r := range records {
		for _, part := range strings.Split(r.ExtractionMethod, ",") {
			if part != "" {
				report.LayerHits[part]++
			}
		}
	}
}
