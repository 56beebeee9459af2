package scraper

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"feed-crawler/pkg/types"
)

// Shape identifies which known payload layout a page state was read from.
type Shape string

const (
	ShapeSinglePost Shape = "single_post"
	ShapeFeed       Shape = "feed"
	ShapePostNode   Shape = "post_node"
)

type StateVideo struct {
	URL    string
	Width  int
	Height int
}

type StateImage struct {
	URL    string
	Width  int
	Height int
}

// StatePost is the typed view of one post inside a page state or query payload.
type StatePost struct {
	ID       string
	Code     string
	Username string
	Caption  string
	TakenAt  int64
	Counts   map[string]*int
	Videos   []StateVideo
	Images   []StateImage
}

// PageState is the discriminated result of one shape parser.
type PageState struct {
	Shape Shape
	Posts []StatePost
}

// Find looks up a post by its url code or id.
func (ps PageState) Find(postID string) (StatePost, bool) {
	for _, p := range ps.Posts {
		if p.Code == postID || p.ID == postID {
			return p, true
		}
	}
	return StatePost{}, false
}

func findStatePost(states []PageState, postID string) (StatePost, Shape, bool) {
	for _, st := range states {
		if p, ok := st.Find(postID); ok {
			return p, st.Shape, true
		}
	}
	return StatePost{}, "", false
}

// flexString accepts both JSON strings and numbers, ids come as either.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(data)))
	return nil
}

type rawMediaVersion struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type rawPost struct {
	ID        flexString `json:"id"`
	PK        flexString `json:"pk"`
	Code      string     `json:"code"`
	TakenAt   int64      `json:"taken_at"`
	LikeCount *int       `json:"like_count"`
	ViewCount *int       `json:"view_count"`
	PlayCount *int       `json:"play_count"`
	User      struct {
		Username string `json:"username"`
	} `json:"user"`
	Caption *struct {
		Text string `json:"text"`
	} `json:"caption"`
	AppInfo struct {
		DirectReplyCount *int `json:"direct_reply_count"`
		RepostCount      *int `json:"repost_count"`
		ReshareCount     *int `json:"reshare_count"`
	} `json:"text_post_app_info"`
	VideoVersions []rawMediaVersion `json:"video_versions"`
	ImageVersions struct {
		Candidates []rawMediaVersion `json:"candidates"`
	} `json:"image_versions2"`
	CarouselMedia []rawPost `json:"carousel_media"`
}

type rawThread struct {
	ThreadItems []struct {
		Post rawPost `json:"post"`
	} `json:"thread_items"`
}

func (r rawPost) toState() StatePost {
	p := StatePost{
		ID:       string(r.ID),
		Code:     r.Code,
		Username: r.User.Username,
		TakenAt:  r.TakenAt,
		Counts: map[string]*int{
			types.MetricLikes:    r.LikeCount,
			types.MetricComments: r.AppInfo.DirectReplyCount,
			types.MetricReposts:  r.AppInfo.RepostCount,
			types.MetricShares:   r.AppInfo.ReshareCount,
			types.MetricViews:    r.ViewCount,
		},
	}
	if p.ID == "" {
		p.ID = string(r.PK)
	}
	if p.Counts[types.MetricViews] == nil {
		p.Counts[types.MetricViews] = r.PlayCount
	}
	if r.Caption != nil {
		p.Caption = r.Caption.Text
	}

	items := append([]rawPost{r}, r.CarouselMedia...)
	for _, item := range items {
		if v, ok := largestVersion(item.VideoVersions); ok {
			p.Videos = append(p.Videos, StateVideo(v))
		}
		if img, ok := largestVersion(item.ImageVersions.Candidates); ok {
			p.Images = append(p.Images, StateImage(img))
		}
	}
	return p
}

func largestVersion(versions []rawMediaVersion) (rawMediaVersion, bool) {
	var valid []rawMediaVersion
	for _, v := range versions {
		if v.URL != "" {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return rawMediaVersion{}, false
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Width*valid[i].Height > valid[j].Width*valid[j].Height
	})
	return valid[0], true
}

// stateParser recognises one payload shape at a node of a decoded document.
type stateParser interface {
	shape() Shape
	parse(node map[string]any) ([]StatePost, bool)
}

// singlePostParser reads {"containing_thread": {"thread_items": [...]}}.
type singlePostParser struct{}

func (singlePostParser) shape() Shape { return ShapeSinglePost }

func (singlePostParser) parse(node map[string]any) ([]StatePost, bool) {
	raw, ok := node["containing_thread"]
	if !ok {
		return nil, false
	}
	var thread rawThread
	if !remarshal(raw, &thread) {
		return nil, false
	}
	posts := threadPosts(thread)
	return posts, len(posts) > 0
}

// feedParser reads {"edges": [{"node": {"thread_items": [...]}}]}.
type feedParser struct{}

func (feedParser) shape() Shape { return ShapeFeed }

func (feedParser) parse(node map[string]any) ([]StatePost, bool) {
	raw, ok := node["edges"]
	if !ok {
		return nil, false
	}
	var edges []struct {
		Node rawThread `json:"node"`
	}
	if !remarshal(raw, &edges) {
		return nil, false
	}
	var posts []StatePost
	for _, e := range edges {
		posts = append(posts, threadPosts(e.Node)...)
	}
	return posts, len(posts) > 0
}

// postNodeParser reads a bare post object that carries a code and counts.
type postNodeParser struct{}

func (postNodeParser) shape() Shape { return ShapePostNode }

func (postNodeParser) parse(node map[string]any) ([]StatePost, bool) {
	code, _ := node["code"].(string)
	if code == "" {
		return nil, false
	}
	_, hasLikes := node["like_count"]
	_, hasInfo := node["text_post_app_info"]
	if !hasLikes && !hasInfo {
		return nil, false
	}
	var post rawPost
	if !remarshal(node, &post) {
		return nil, false
	}
	return []StatePost{post.toState()}, true
}

var stateParsers = []stateParser{singlePostParser{}, feedParser{}, postNodeParser{}}

func threadPosts(t rawThread) []StatePost {
	var posts []StatePost
	for _, item := range t.ThreadItems {
		if item.Post.Code == "" && item.Post.ID == "" && item.Post.PK == "" {
			continue
		}
		posts = append(posts, item.Post.toState())
	}
	return posts
}

func remarshal(in any, out any) bool {
	data, err := json.Marshal(in)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// ParseStates walks decoded documents and returns every shape found. A matched
// subtree is not descended into again.
func ParseStates(docs []any) []PageState {
	byShape := map[Shape]*PageState{}
	var order []Shape

	var walk func(node any)
	walk = func(node any) {
		switch v := node.(type) {
		case map[string]any:
			for _, p := range stateParsers {
				if posts, ok := p.parse(v); ok {
					st, seen := byShape[p.shape()]
					if !seen {
						st = &PageState{Shape: p.shape()}
						byShape[p.shape()] = st
						order = append(order, p.shape())
					}
					st.Posts = append(st.Posts, posts...)
					return
				}
			}
			for _, child := range v {
				walk(child)
			}
		case []any:
			for _, child := range v {
				walk(child)
			}
		}
	}
	for _, d := range docs {
		walk(d)
	}

	// stable order: single post before feed before bare nodes
	sort.SliceStable(order, func(i, j int) bool { return shapeRank(order[i]) < shapeRank(order[j]) })
	states := make([]PageState, 0, len(order))
	for _, s := range order {
		states = append(states, *byShape[s])
	}
	return states
}

func shapeRank(s Shape) int {
	for i, p := range stateParsers {
		if p.shape() == s {
			return i
		}
	}
	return len(stateParsers)
}

// DecodeDocuments reads a payload that may be prefixed with an anti-hijacking
// guard and may hold several concatenated JSON documents.
func DecodeDocuments(body []byte) []any {
	body = bytes.TrimSpace(body)
	body = bytes.TrimPrefix(body, []byte("for (;;);"))

	var docs []any
	// numbers stay json.Number so large ids survive a remarshal
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	for {
		var doc any
		if err := dec.Decode(&doc); err != nil {
			if err != io.EOF && len(docs) == 0 {
				return nil
			}
			break
		}
		docs = append(docs, doc)
	}
	return docs
}

// ParseEmbeddedStates reads the JSON blobs embedded in script tags. The first
// selector in the pool that matches anything wins.
func ParseEmbeddedStates(doc *goquery.Document, selectors []string) []PageState {
	var docs []any
	for _, selector := range selectors {
		scripts := doc.Find(selector)
		if scripts.Length() == 0 {
			continue
		}
		scripts.Each(func(i int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if text == "" || (text[0] != '{' && text[0] != '[') {
				return
			}
			docs = append(docs, DecodeDocuments([]byte(text))...)
		})
		break
	}
	return ParseStates(docs)
}
