package types

import (
	"fmt"
	"strings"
	"time"
)

// Metric names used for counts, fill requests and ranking snapshots.
const (
	MetricLikes    = "likes"
	MetricComments = "comments"
	MetricReposts  = "reposts"
	MetricShares   = "shares"
	MetricViews    = "views"
)

// AllMetrics is the order counts are resolved and reported in.
var AllMetrics = []string{MetricLikes, MetricComments, MetricReposts, MetricShares, MetricViews}

type PostRecord struct {
	PostID           string            `json:"postId"`
	Account          string            `json:"account"`
	URL              string            `json:"url"`
	Username         string            `json:"username"`
	Content          string            `json:"content"`
	PublishedAt      *time.Time        `json:"publishedAt"`
	PublishedDisplay string            `json:"publishedDisplay"`
	FetchedAt        time.Time         `json:"fetchedAt"`
	Likes            *int              `json:"likes"`
	Comments         *int              `json:"comments"`
	Reposts          *int              `json:"reposts"`
	Shares           *int              `json:"shares"`
	Views            *int              `json:"views"`
	Images           []string          `json:"images"`
	Videos           []string          `json:"videos"`
	ExtractionMethod string            `json:"extractionMethod"`
	CountSources     map[string]string `json:"countSources,omitempty"`
	Tags             []string          `json:"tags"`
}

// Metric returns the named count, nil when it is unknown.
func (p *PostRecord) Metric(name string) *int {
	switch name {
	case MetricLikes:
		return p.Likes
	case MetricComments:
		return p.Comments
	case MetricReposts:
		return p.Reposts
	case MetricShares:
		return p.Shares
	case MetricViews:
		return p.Views
	}
	return nil
}

func (p *PostRecord) SetMetric(name string, value *int) {
	switch name {
	case MetricLikes:
		p.Likes = value
	case MetricComments:
		p.Comments = value
	case MetricReposts:
		p.Reposts = value
	case MetricShares:
		p.Shares = value
	case MetricViews:
		p.Views = value
	}
}

// MissingMetrics lists counts that are still unknown after extraction.
func (p *PostRecord) MissingMetrics() []string {
	var missing []string
	for _, name := range AllMetrics {
		if p.Metric(name) == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

func (p *PostRecord) Snapshot() MetricSnapshot {
	return MetricSnapshot{
		Views:    p.Views,
		Likes:    p.Likes,
		Comments: p.Comments,
		Reposts:  p.Reposts,
		Shares:   p.Shares,
	}
}

type CrawlState struct {
	Account      string    `json:"account"`
	LastCrawlAt  time.Time `json:"lastCrawlAt"`
	TotalCrawled int       `json:"totalCrawled"`
}

const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"

	MediaStatusPending = "pending"
	MediaStatusStored  = "stored"
	MediaStatusFailed  = "failed"
)

type MediaRecord struct {
	ID         int64     `json:"id"`
	PostID     string    `json:"postId"`
	Account    string    `json:"account"`
	MediaType  string    `json:"mediaType"`
	SourceURL  string    `json:"sourceUrl"`
	StorageKey *string   `json:"storageKey"`
	Status     string    `json:"status"`
	SizeBytes  int64     `json:"sizeBytes"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// MetricSnapshot is the set of counts a ranking score was computed from.
type MetricSnapshot struct {
	Views    *int `json:"views"`
	Likes    *int `json:"likes"`
	Comments *int `json:"comments"`
	Reposts  *int `json:"reposts"`
	Shares   *int `json:"shares"`
}

type RankingEntry struct {
	URL     string         `json:"url"`
	PostID  string         `json:"postId"`
	Score   float64        `json:"score"`
	Metrics MetricSnapshot `json:"metrics"`
}

type CrawlRequest struct {
	TaskID      string `json:"taskId,omitempty"`
	Account     string `json:"account" validate:"required,max=64"`
	WantedExtra int    `json:"wantedExtra" validate:"gte=0,lte=500"`
	Incremental bool   `json:"incremental"`
}

type BatchResult struct {
	TaskID    string       `json:"taskId,omitempty"`
	Posts     []PostRecord `json:"posts"`
	Collected int          `json:"collected"`
	ElapsedMs int64        `json:"elapsedMs"`
}

// FillRequest asks the external vision step to fill counts the pipeline could not resolve.
type FillRequest struct {
	PostID        string   `json:"postId"`
	URL           string   `json:"url"`
	MissingFields []string `json:"missingFields"`
}

const (
	ProgressDiscovering = "discovering"
	ProgressFetching    = "fetching"
	ProgressRanking     = "ranking"
	ProgressDone        = "done"
	ProgressFailed      = "failed"
)

type CrawlProgress struct {
	TaskID     string    `json:"taskId"`
	Account    string    `json:"account"`
	Stage      string    `json:"stage"`
	Candidates int       `json:"candidates"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (p CrawlProgress) Finished() bool {
	return p.Stage == ProgressDone || p.Stage == ProgressFailed
}

type PostFilter struct {
	MinLikes        int       `json:"min_likes"`
	MinComments     int       `json:"min_comments"`
	MinViews        int       `json:"min_views"`
	Keywords        []string  `json:"keywords"`
	ExcludeKeywords []string  `json:"exclude_keywords"`
	DaysBack        int       `json:"days_back"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
}

type FilterStats struct {
	TotalPosts      int `json:"total_posts"`
	FilteredPosts   int `json:"filtered_posts"`
	LikesFiltered   int `json:"likes_filtered"`
	TimeFiltered    int `json:"time_filtered"`
	KeywordFiltered int `json:"keyword_filtered"`
}

func (fs FilterStats) String() string {
	return fmt.Sprintf("Total: %d, Filtered: %d, Likes: %d, Time: %d, Keywords: %d",
		fs.TotalPosts, fs.FilteredPosts, fs.LikesFiltered, fs.TimeFiltered, fs.KeywordFiltered)
}

// IntPtr returns a pointer to v. Handy for literal counts.
func IntPtr(v int) *int {
	return &v
}

// ValueOrZero reads a nullable count for arithmetic only.
func ValueOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// MethodTag builds the extractionMethod tag from ordered key=value parts.
func MethodTag(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ",")
}
