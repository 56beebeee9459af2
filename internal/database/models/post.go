package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"feed-crawler/pkg/types"
)

// Post is the posts row. Counts are nullable: unknown is not zero.
type Post struct {
	ID               int64          `db:"id"`
	Account          string         `db:"account"`
	PostID           string         `db:"post_id"`
	URL              string         `db:"url"`
	Username         string         `db:"username"`
	Content          string         `db:"content"`
	PublishedAt      sql.NullTime   `db:"published_at"`
	PublishedDisplay string         `db:"published_display"`
	FetchedAt        time.Time      `db:"fetched_at"`
	Likes            sql.NullInt64  `db:"likes"`
	Comments         sql.NullInt64  `db:"comments"`
	Reposts          sql.NullInt64  `db:"reposts"`
	Shares           sql.NullInt64  `db:"shares"`
	Views            sql.NullInt64  `db:"views"`
	Images           StringArray    `db:"images"`
	Videos           StringArray    `db:"videos"`
	ExtractionMethod string         `db:"extraction_method"`
	CountSources     StringMap      `db:"count_sources"`
	Tags             pq.StringArray `db:"tags"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func FromRecord(r *types.PostRecord) *Post {
	p := &Post{
		Account:          r.Account,
		PostID:           r.PostID,
		URL:              r.URL,
		Username:         r.Username,
		Content:          r.Content,
		PublishedDisplay: r.PublishedDisplay,
		FetchedAt:        r.FetchedAt,
		Likes:            nullInt(r.Likes),
		Comments:         nullInt(r.Comments),
		Reposts:          nullInt(r.Reposts),
		Shares:           nullInt(r.Shares),
		Views:            nullInt(r.Views),
		Images:           StringArray(r.Images),
		Videos:           StringArray(r.Videos),
		ExtractionMethod: r.ExtractionMethod,
		CountSources:     StringMap(r.CountSources),
		Tags:             pq.StringArray(r.Tags),
	}
	if r.PublishedAt != nil {
		p.PublishedAt = sql.NullTime{Time: *r.PublishedAt, Valid: true}
	}
	if p.Tags == nil {
		p.Tags = pq.StringArray{}
	}
	return p
}

func (p *Post) ToRecord() types.PostRecord {
	r := types.PostRecord{
		PostID:           p.PostID,
		Account:          p.Account,
		URL:              p.URL,
		Username:         p.Username,
		Content:          p.Content,
		PublishedDisplay: p.PublishedDisplay,
		FetchedAt:        p.FetchedAt,
		Likes:            intPtr(p.Likes),
		Comments:         intPtr(p.Comments),
		Reposts:          intPtr(p.Reposts),
		Shares:           intPtr(p.Shares),
		Views:            intPtr(p.Views),
		Images:           []string(p.Images),
		Videos:           []string(p.Videos),
		ExtractionMethod: p.ExtractionMethod,
		CountSources:     map[string]string(p.CountSources),
		Tags:             []string(p.Tags),
	}
	if p.PublishedAt.Valid {
		t := p.PublishedAt.Time
		r.PublishedAt = &t
	}
	return r
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// Media is the media_records row.
type Media struct {
	ID         int64          `db:"id"`
	Account    string         `db:"account"`
	PostID     string         `db:"post_id"`
	MediaType  string         `db:"media_type"`
	SourceURL  string         `db:"source_url"`
	StorageKey sql.NullString `db:"storage_key"`
	Status     string         `db:"status"`
	SizeBytes  int64          `db:"size_bytes"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (m *Media) ToRecord() types.MediaRecord {
	r := types.MediaRecord{
		ID:        m.ID,
		PostID:    m.PostID,
		Account:   m.Account,
		MediaType: m.MediaType,
		SourceURL: m.SourceURL,
		Status:    m.Status,
		SizeBytes: m.SizeBytes,
		UpdatedAt: m.UpdatedAt,
	}
	if m.StorageKey.Valid {
		k := m.StorageKey.String
		r.StorageKey = &k
	}
	return r
}

// StringArray for handling JSON arrays in PostgreSQL
type StringArray []string

func (sa StringArray) Value() (driver.Value, error) {
	if len(sa) == 0 {
		return "[]", nil
	}
	return json.Marshal(sa)
}

func (sa *StringArray) Scan(value interface{}) error {
	if value == nil {
		*sa = StringArray{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, sa)
}

// StringMap stores a JSON object such as count_sources.
type StringMap map[string]string

func (sm StringMap) Value() (driver.Value, error) {
	if len(sm) == 0 {
		return "{}", nil
	}
	return json.Marshal(sm)
}

func (sm *StringMap) Scan(value interface{}) error {
	if value == nil {
		*sm = StringMap{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, sm)
}
