package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"feed-crawler/internal/cache"
	"feed-crawler/internal/config"
	"feed-crawler/internal/objectstore"
	"feed-crawler/pkg/types"
)

// MediaRepository is the durable tier for media records.
type MediaRepository interface {
	CreatePendingMedia(ctx context.Context, records []types.MediaRecord) ([]types.MediaRecord, error)
	UpdateMediaStatus(ctx context.Context, id int64, status string, storageKey *string, sizeBytes int64) error
	ExpireMedia(ctx context.Context, keys []string) (int64, error)
}

var errTooLarge = errors.New("media exceeds size limit")

// TieredStore fronts the hot, durable and object tiers.
type TieredStore struct {
	hot     cache.HotStore
	media   MediaRepository
	objects objectstore.Store
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger

	rankingTTL  time.Duration
	progressTTL time.Duration
	maxBytes    int64
	retries     int
	retryDelay  time.Duration
	userAgent   string
}

func NewTieredStore(hot cache.HotStore, media MediaRepository, objects objectstore.Store, cfg *config.Config, logger *logrus.Logger) *TieredStore {
	rpm := max(cfg.Crawler.RequestsPerMinute, 1)
	return &TieredStore{
		hot:         hot,
		media:       media,
		objects:     objects,
		client:      &http.Client{Timeout: time.Duration(cfg.Objects.Timeout) * time.Second},
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		logger:      logger,
		rankingTTL:  cfg.RankingTTL(),
		progressTTL: cfg.ProgressTTL(),
		maxBytes:    cfg.Objects.MaxBytes,
		retries:     cfg.Crawler.PostRetries,
		retryDelay:  time.Duration(cfg.Crawler.RetryDelay) * time.Millisecond,
		userAgent:   cfg.Session.UserAgent,
	}
}

func (s *TieredStore) SaveRanking(ctx context.Context, account string, entries []types.RankingEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode ranking: %w", err)
	}
	return s.hot.Set(ctx, cache.RankingKey(account), data, s.rankingTTL)
}

// LoadRanking returns cache.ErrNotFound when no snapshot is live.
func (s *TieredStore) LoadRanking(ctx context.Context, account string) ([]types.RankingEntry, error) {
	data, err := s.hot.Get(ctx, cache.RankingKey(account))
	if err != nil {
		return nil, err
	}
	var entries []types.RankingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode ranking: %w", err)
	}
	return entries, nil
}

func (s *TieredStore) DeleteRanking(ctx context.Context, account string) error {
	return s.hot.Delete(ctx, cache.RankingKey(account))
}

func (s *TieredStore) SaveProgress(ctx context.Context, p types.CrawlProgress) error {
	p.UpdatedAt = time.Now()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	return s.hot.Set(ctx, cache.ProgressKey(p.TaskID), data, s.progressTTL)
}

func (s *TieredStore) LoadProgress(ctx context.Context, taskID string) (*types.CrawlProgress, error) {
	data, err := s.hot.Get(ctx, cache.ProgressKey(taskID))
	if err != nil {
		return nil, err
	}
	var p types.CrawlProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &p, nil
}

// ConsumeProgress loads a task's progress and deletes the entry once it
// reports a finished task.
func (s *TieredStore) ConsumeProgress(ctx context.Context, taskID string) (*types.CrawlProgress, error) {
	p, err := s.LoadProgress(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if p.Finished() {
		if err := s.hot.Delete(ctx, cache.ProgressKey(taskID)); err != nil {
			s.logger.Warnf("Failed to delete progress %s: %v", taskID, err)
		}
	}
	return p, nil
}

// PersistMedia stores the media of the given (ranked) posts. Each reference
// gets a pending record first and ends as stored or failed. The returned
// records carry their final status.
func (s *TieredStore) PersistMedia(ctx context.Context, account string, posts []types.PostRecord) ([]types.MediaRecord, error) {
	var pending []types.MediaRecord
	for _, p := range posts {
		for _, u := range p.Videos {
			pending = append(pending, types.MediaRecord{PostID: p.PostID, Account: account, MediaType: types.MediaTypeVideo, SourceURL: u})
		}
		for _, u := range p.Images {
			pending = append(pending, types.MediaRecord{PostID: p.PostID, Account: account, MediaType: types.MediaTypeImage, SourceURL: u})
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	records, err := s.media.CreatePendingMedia(ctx, pending)
	if err != nil {
		return nil, err
	}

	for i := range records {
		rec := &records[i]
		if rec.Status == types.MediaStatusStored {
			continue
		}

		log := s.logger.WithFields(logrus.Fields{"account": account, "post_id": rec.PostID, "media_type": rec.MediaType})
		key, size, err := s.store(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return records, ctx.Err()
			}
			log.Warnf("Media download failed: %v", err)
			rec.Status = types.MediaStatusFailed
			if uerr := s.media.UpdateMediaStatus(ctx, rec.ID, rec.Status, nil, 0); uerr != nil {
				return records, uerr
			}
			continue
		}

		rec.Status = types.MediaStatusStored
		rec.StorageKey = &key
		rec.SizeBytes = size
		if err := s.media.UpdateMediaStatus(ctx, rec.ID, rec.Status, &key, size); err != nil {
			return records, err
		}
		log.Debugf("Stored media %s (%d bytes)", key, size)
	}
	return records, nil
}

func (s *TieredStore) store(ctx context.Context, rec *types.MediaRecord) (string, int64, error) {
	var data []byte
	var contentType string

	b := retry.WithMaxRetries(uint64(s.retries), retry.NewExponential(s.retryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		data, contentType, err = s.download(ctx, rec.SourceURL)
		return err
	})
	if err != nil {
		return "", 0, err
	}

	key := objectstore.Key(rec.PostID, objectstore.ContentHash(data), mediaExt(rec.SourceURL, contentType, rec.MediaType))
	n, err := s.objects.Put(ctx, key, bytes.NewReader(data))
	if err != nil {
		return "", 0, err
	}
	return key, n, nil
}

// download returns retryable errors for transport failures, 429 and 5xx.
func (s *TieredStore) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", retry.RetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, "", retry.RetryableError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, "", retry.RetryableError(err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, "", errTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}

var knownExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "webp": true, "gif": true, "heic": true,
	"mp4": true, "mov": true, "webm": true, "m4v": true,
}

func mediaExt(rawURL, contentType, mediaType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
		if knownExts[ext] {
			return ext
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/jpeg":
			return "jpg"
		case "video/mp4":
			return "mp4"
		}
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			return strings.TrimPrefix(exts[0], ".")
		}
	}
	if mediaType == types.MediaTypeVideo {
		return "mp4"
	}
	return "jpg"
}

// SweepObjects applies object retention and marks the swept media records.
func (s *TieredStore) SweepObjects(ctx context.Context, retention time.Duration) (int, error) {
	keys, err := s.objects.Sweep(ctx, retention)
	if len(keys) > 0 {
		if _, uerr := s.media.ExpireMedia(ctx, keys); uerr != nil {
			return len(keys), uerr
		}
	}
	return len(keys), err
}

// Ping checks the hot tier.
func (s *TieredStore) Ping(ctx context.Context) error {
	return s.hot.Ping(ctx)
}
