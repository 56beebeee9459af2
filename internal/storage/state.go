package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"feed-crawler/pkg/types"
)

// PostRepository is the durable tier for posts and crawl state.
// database.DB implements it.
type PostRepository interface {
	ExistingPostIDs(ctx context.Context, account string) (map[string]struct{}, error)
	UpsertPosts(ctx context.Context, posts []types.PostRecord) error
	UpdateCrawlState(ctx context.Context, account string, at time.Time) (*types.CrawlState, error)
	GetCrawlState(ctx context.Context, account string) (*types.CrawlState, error)
}

// CrawlStateStore decides what a run still has to fetch and commits batches.
type CrawlStateStore struct {
	repo   PostRepository
	logger *logrus.Logger
	now    func() time.Time
}

func NewCrawlStateStore(repo PostRepository, logger *logrus.Logger) *CrawlStateStore {
	return &CrawlStateStore{repo: repo, logger: logger, now: time.Now}
}

func (s *CrawlStateStore) GetExistingIDs(ctx context.Context, account string) (map[string]struct{}, error) {
	ids, err := s.repo.ExistingPostIDs(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing ids for %s: %w", account, err)
	}
	return ids, nil
}

// ComputeNeedToFetch is the number of new posts discovery should look for.
func (s *CrawlStateStore) ComputeNeedToFetch(wantedExtra int) int {
	return max(0, wantedExtra)
}

func (s *CrawlStateStore) State(ctx context.Context, account string) (*types.CrawlState, error) {
	return s.repo.GetCrawlState(ctx, account)
}

// CommitBatch upserts the records, then advances the account's crawl state.
// A failed upsert leaves the state untouched.
func (s *CrawlStateStore) CommitBatch(ctx context.Context, account string, records []types.PostRecord) (*types.CrawlState, error) {
	if len(records) == 0 {
		return s.repo.GetCrawlState(ctx, account)
	}

	for i := range records {
		records[i].Account = account
	}

	if err := s.repo.UpsertPosts(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to commit %d posts for %s: %w", len(records), account, err)
	}

	state, err := s.repo.UpdateCrawlState(ctx, account, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"account":       account,
		"committed":     len(records),
		"total_crawled": state.TotalCrawled,
	}).Info("Committed crawl batch")
	return state, nil
}
