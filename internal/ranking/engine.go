package ranking

import (
	"sort"
	"time"

	"feed-crawler/internal/config"
	"feed-crawler/pkg/types"
)

// Engine scores posts by weighted engagement:
//
//	score = views*w1 + w2*(likes+comments) + w3*(reposts+shares)
//
// Unknown counts score as 0; the records keep their nils.
type Engine struct {
	views      float64
	engagement float64
	spread     float64
}

func NewEngine(cfg config.RankingConfig) *Engine {
	return &Engine{
		views:      cfg.ViewsWeight,
		engagement: cfg.EngagementWeight,
		spread:     cfg.SpreadWeight,
	}
}

func (e *Engine) Score(m types.MetricSnapshot) float64 {
	v := types.ValueOrZero
	return float64(v(m.Views))*e.views +
		e.engagement*float64(v(m.Likes)+v(m.Comments)) +
		e.spread*float64(v(m.Reposts)+v(m.Shares))
}

type scored struct {
	entry     types.RankingEntry
	likes     int
	published *time.Time
	index     int
}

// Rank orders posts by score, then likes, then the more recent publish time
// (unknown last), then input order.
func (e *Engine) Rank(posts []types.PostRecord) []types.RankingEntry {
	items := make([]scored, 0, len(posts))
	for i := range posts {
		p := &posts[i]
		snap := p.Snapshot()
		items = append(items, scored{
			entry: types.RankingEntry{
				URL:     p.URL,
				PostID:  p.PostID,
				Score:   e.Score(snap),
				Metrics: snap,
			},
			likes:     types.ValueOrZero(p.Likes),
			published: p.PublishedAt,
			index:     i,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.entry.Score != b.entry.Score {
			return a.entry.Score > b.entry.Score
		}
		if a.likes != b.likes {
			return a.likes > b.likes
		}
		switch {
		case a.published != nil && b.published != nil && !a.published.Equal(*b.published):
			return a.published.After(*b.published)
		case a.published != nil && b.published == nil:
			return true
		case a.published == nil && b.published != nil:
			return false
		}
		return a.index < b.index
	})

	out := make([]types.RankingEntry, len(items))
	for i, it := range items {
		out[i] = it.entry
	}
	return out
}

// Top returns the first n entries, the subset selected for deeper analysis.
func Top(entries []types.RankingEntry, n int) []types.RankingEntry {
	if n <= 0 {
		return nil
	}
	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}

// URLs is the ordered URL list of a ranking.
func URLs(entries []types.RankingEntry) []string {
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	return urls
}
