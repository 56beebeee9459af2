package scraper

import (
	"context"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
)

// FeedPage is an open account feed. ScrollRound scrolls once and returns only
// the post links rendered since the previous round.
type FeedPage interface {
	ScrollRound(ctx context.Context) ([]string, error)
	Queries() []QueryResponse
	Close()
}

const (
	StopTarget    = "target"
	StopIdle      = "idle"
	StopMaxRounds = "max_rounds"
	StopNoWant    = "nothing_wanted"
)

type DiscoveryResult struct {
	Candidates   []Candidate
	Rounds       int
	KnownSkipped int
	ScrollErrors int
	StopReason   string
}

type FeedDiscoverer struct {
	matcher      *PostURLMatcher
	maxIdle      int
	maxRounds    int
	safetyBuffer int
	retries      int
	retryBase    time.Duration
	ownOnly      bool
	logger       *logrus.Logger
}

func NewFeedDiscoverer(cfg config.CrawlerConfig, sel *config.Selectors, logger *logrus.Logger) (*FeedDiscoverer, error) {
	matcher, err := NewPostURLMatcher(sel.PostURLPatterns)
	if err != nil {
		return nil, err
	}
	return &FeedDiscoverer{
		matcher:      matcher,
		maxIdle:      cfg.MaxIdleRounds,
		maxRounds:    cfg.MaxRounds,
		safetyBuffer: cfg.SafetyBuffer,
		retries:      cfg.ScrollRetries,
		retryBase:    time.Duration(cfg.RetryDelay) * time.Millisecond,
		ownOnly:      cfg.OwnPostsOnly,
		logger:       logger,
	}, nil
}

// Discover scrolls until wantedExtra new posts are collected or the feed has
// been silent for maxIdle consecutive rounds. Rounds that only surface known
// posts are not silent: they are how the scroll reaches older, unfetched posts.
// On cancellation the candidates gathered so far are returned with ctx.Err().
func (fd *FeedDiscoverer) Discover(ctx context.Context, feed FeedPage, account string, wantedExtra int, skip map[string]struct{}) (*DiscoveryResult, error) {
	res := &DiscoveryResult{}
	if wantedExtra <= 0 {
		res.StopReason = StopNoWant
		return res, nil
	}

	logger := fd.logger.WithField("account", account)
	seen := map[string]bool{}
	idle := 0

	for {
		if err := ctx.Err(); err != nil {
			return fd.capped(res, wantedExtra), err
		}
		if res.Rounds >= fd.maxRounds {
			res.StopReason = StopMaxRounds
			break
		}
		res.Rounds++

		links, err := fd.scroll(ctx, feed)
		if err != nil {
			if ctx.Err() != nil {
				return fd.capped(res, wantedExtra), ctx.Err()
			}
			res.ScrollErrors++
			logger.WithError(err).Warnf("Scroll round %d failed after retries", res.Rounds)
		}

		postLinks := 0
		for _, link := range links {
			cand, ok := fd.matcher.Match(link)
			if !ok {
				continue
			}
			postLinks++
			if fd.ownOnly && cand.Username != "" && !strings.EqualFold(cand.Username, account) {
				continue
			}
			if seen[cand.PostID] {
				continue
			}
			seen[cand.PostID] = true
			if _, known := skip[cand.PostID]; known {
				res.KnownSkipped++
				continue
			}
			res.Candidates = append(res.Candidates, cand)
		}

		if postLinks == 0 {
			idle++
			logger.Debugf("Round %d surfaced no posts (%d/%d idle)", res.Rounds, idle, fd.maxIdle)
			if idle >= fd.maxIdle {
				res.StopReason = StopIdle
				break
			}
			continue
		}
		idle = 0

		if len(res.Candidates) >= wantedExtra {
			res.StopReason = StopTarget
			break
		}
	}

	logger.Infof("Discovery stopped (%s) after %d rounds: %d new, %d known skipped",
		res.StopReason, res.Rounds, len(res.Candidates), res.KnownSkipped)
	return fd.capped(res, wantedExtra), nil
}

func (fd *FeedDiscoverer) capped(res *DiscoveryResult, wantedExtra int) *DiscoveryResult {
	if limit := wantedExtra + fd.safetyBuffer; len(res.Candidates) > limit {
		res.Candidates = res.Candidates[:limit]
	}
	return res
}

// scroll runs one round with exponential backoff between failed attempts.
func (fd *FeedDiscoverer) scroll(ctx context.Context, feed FeedPage) ([]string, error) {
	var links []string
	backoff := retry.WithMaxRetries(uint64(fd.retries), retry.NewExponential(fd.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		got, err := feed.ScrollRound(ctx)
		if err != nil {
			fd.logger.WithError(err).Debug("Scroll attempt failed")
			return retry.RetryableError(err)
		}
		links = got
		return nil
	})
	return links, err
}
