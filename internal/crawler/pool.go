package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"feed-crawler/internal/scraper"
	"feed-crawler/pkg/types"
)

type fetchJob struct {
	index int
	cand  scraper.Candidate
}

type fetchResult struct {
	index    int
	record   *types.PostRecord
	degraded bool
	err      error
}

// fetchPool fetches and assembles detail pages on a bounded set of workers.
// The gate counter is shared: consecutive degraded captures, in completion
// order, trigger a session reset.
type fetchPool struct {
	workers    int
	browser    Browser
	assembler  *scraper.PostAssembler
	limiter    *rate.Limiter
	retries    int
	retryDelay time.Duration
	threshold  int
	account    string
	extra      []scraper.QueryResponse
	logger     *logrus.Logger

	mu          sync.Mutex
	consecutive int
	resets      int
}

// run fetches candidates in order until want records are assembled. A job is
// only dispatched while assembled plus in-flight stays below want, so the
// remaining candidates are only reached to replace failed ones.
func (p *fetchPool) run(ctx context.Context, cands []scraper.Candidate, want int, onResult func(fetchResult)) {
	if want <= 0 || len(cands) == 0 {
		return
	}
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	slots := make(chan struct{}, len(cands)+want)
	for i := 0; i < min(want, len(cands)); i++ {
		slots <- struct{}{}
	}

	jobs := make(chan fetchJob)
	results := make(chan fetchResult, p.workers)

	var wg sync.WaitGroup
	for i := 0; i < min(p.workers, want); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- p.process(ctx, job)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, cand := range cands {
			select {
			case <-slots:
			case <-feedCtx.Done():
				return
			}
			if feedCtx.Err() != nil {
				return
			}
			select {
			case jobs <- fetchJob{index: i, cand: cand}:
			case <-feedCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	assembled := 0
	for res := range results {
		onResult(res)
		if res.err != nil {
			slots <- struct{}{}
			continue
		}
		assembled++
		if assembled >= want {
			stopFeed()
		}
	}
}

func (p *fetchPool) process(ctx context.Context, job fetchJob) fetchResult {
	res := fetchResult{index: job.index}
	if ctx.Err() != nil {
		res.err = ctx.Err()
		return res
	}

	log := p.logger.WithFields(logrus.Fields{"account": p.account, "post_id": job.cand.PostID})

	var capture *scraper.PageCapture
	b := retry.WithMaxRetries(uint64(p.retries), retry.NewExponential(p.retryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		c, err := p.browser.FetchPost(ctx, job.cand.URL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("Detail fetch failed, retrying: %v", err)
			return retry.RetryableError(err)
		}
		capture = c
		return nil
	})
	if err != nil {
		log.Errorf("Skipping post after retries: %v", err)
		res.err = err
		return res
	}

	res.degraded = capture.Degraded
	p.observeGate(ctx, capture.Degraded)

	if len(p.extra) > 0 {
		capture.Queries = append(capture.Queries, p.extra...)
	}

	record, err := p.assembler.Assemble(p.account, job.cand, capture)
	if err != nil {
		log.Errorf("Failed to assemble post: %v", err)
		res.err = err
		return res
	}
	res.record = record
	return res
}

func (p *fetchPool) observeGate(ctx context.Context, degraded bool) {
	p.mu.Lock()
	if !degraded {
		p.consecutive = 0
		p.mu.Unlock()
		return
	}
	p.consecutive++
	reset := p.consecutive >= p.threshold
	if reset {
		p.consecutive = 0
		p.resets++
	}
	p.mu.Unlock()

	if reset {
		p.logger.WithField("account", p.account).Warnf("%d consecutive gated captures, resetting session", p.threshold)
		if err := p.browser.Reset(ctx); err != nil {
			p.logger.WithField("account", p.account).Errorf("Session reset failed: %v", err)
		}
	}
}

func (p *fetchPool) gateResets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}
