package scraper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-crawler/internal/config"
	"feed-crawler/internal/utils"
	"feed-crawler/pkg/types"
)

func loadCapture(t *testing.T, name string) *PageCapture {
	t.Helper()
	html, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return &PageCapture{
		URL:       "https://www.threads.net/@alice/post/C9abc",
		HTML:      string(html),
		FetchedAt: time.Date(2025, 8, 8, 0, 0, 0, 0, time.UTC),
	}
}

func parse(t *testing.T, capture *PageCapture) *ParsedPage {
	t.Helper()
	page, err := ParsePage(capture, config.DefaultSelectors())
	require.NoError(t, err)
	return page
}

func newCounts(t *testing.T, sel *config.Selectors) *CountsExtractor {
	t.Helper()
	ce, err := NewCountsExtractor(sel, utils.NewNopLogger())
	require.NoError(t, err)
	return ce
}

func TestParseEmbeddedStates_SinglePost(t *testing.T) {
	page := parse(t, loadCapture(t, "single_post.html"))
	require.Len(t, page.States, 1)
	assert.Equal(t, ShapeSinglePost, page.States[0].Shape)

	post, ok := page.States[0].Find("C9abc")
	require.True(t, ok)
	assert.Equal(t, "3456789012345678901", post.ID)
	assert.Equal(t, "alice", post.Username)
	assert.Equal(t, int64(1754539659), post.TakenAt)
	assert.Equal(t, 267, *post.Counts[types.MetricLikes])
	assert.Nil(t, post.Counts[types.MetricViews])
	require.Len(t, post.Images, 1)
	assert.Equal(t, 1080, post.Images[0].Width)
}

func TestParseStates_FeedShape(t *testing.T) {
	docs := DecodeDocuments([]byte(`for (;;);{"data":{"mediaData":{"edges":[
		{"node":{"thread_items":[{"post":{"code":"A1","like_count":5}}]}},
		{"node":{"thread_items":[{"post":{"code":"B2","like_count":7}}]}}
	]}}}`))
	states := ParseStates(docs)
	require.Len(t, states, 1)
	assert.Equal(t, ShapeFeed, states[0].Shape)
	assert.Len(t, states[0].Posts, 2)

	_, ok := states[0].Find("B2")
	assert.True(t, ok)
	_, ok = states[0].Find("missing")
	assert.False(t, ok)
}

func TestDecodeDocuments_Streamed(t *testing.T) {
	docs := DecodeDocuments([]byte("{\"a\":1}\n{\"b\":2}\n"))
	assert.Len(t, docs, 2)
	assert.Nil(t, DecodeDocuments([]byte("<html>")))
}

func TestVote_PicksMaxPlausible(t *testing.T) {
	v, ok := Vote([]int{5, 22, 999999}, config.Range{Min: 0, Max: 200})
	require.True(t, ok)
	assert.Equal(t, 22, v)

	_, ok = Vote([]int{999999}, config.Range{Min: 0, Max: 200})
	assert.False(t, ok)

	v, ok = Vote([]int{0}, config.Range{Min: 0, Max: 200})
	require.True(t, ok)
	assert.Equal(t, 0, v)
}

func TestCountsExtract_QueryThenPageState(t *testing.T) {
	capture := loadCapture(t, "single_post.html")
	capture.Queries = []QueryResponse{
		{Name: "BarcelonaPostPageQuery", Body: []byte(`for (;;);{"data":{"data":{"edges":[{"node":{"thread_items":[{"post":{"code":"C9abc","like_count":300}}]}}]}}}`)},
		{Name: "UnrelatedQuery", Body: []byte(`{"code":"C9abc","like_count":9999}`)},
	}
	res := newCounts(t, config.DefaultSelectors()).Extract("alice", "C9abc", parse(t, capture))

	assert.Equal(t, 300, *res.Values[types.MetricLikes])
	assert.Equal(t, LayerQuery, res.Sources[types.MetricLikes])
	assert.Equal(t, 3, *res.Values[types.MetricComments])
	assert.Equal(t, LayerPageState, res.Sources[types.MetricComments])
	assert.Equal(t, 0, *res.Values[types.MetricReposts])
	assert.Nil(t, res.Values[types.MetricViews])
	assert.NotContains(t, res.Sources, types.MetricViews)
}

func TestCountsExtract_TextComboScopedToMainPost(t *testing.T) {
	capture := &PageCapture{
		HTML: `<html><body>
<div data-pressable-container="true"><span dir="auto">main</span><div><span>267</span></div><div><span>5</span></div><div><span>0</span></div><div><span>1</span></div></div>
<div data-pressable-container="true"><span dir="auto">reply</span><div><span>300</span></div><div><span>22</span></div><div><span>0</span></div><div><span>1</span></div></div>
</body></html>`,
		Text: "main\n267\n5\n0\n1\nreply\n300\n22\n0\n1\n",
	}
	res := newCounts(t, config.DefaultSelectors()).Extract("alice", "X1", parse(t, capture))

	assert.Equal(t, 267, *res.Values[types.MetricLikes])
	assert.Equal(t, 5, *res.Values[types.MetricComments])
	assert.Equal(t, 1, *res.Values[types.MetricShares])
	assert.Equal(t, LayerTextCombo, res.Sources[types.MetricLikes])
}

func TestBlockText(t *testing.T) {
	page := parse(t, &PageCapture{HTML: `<div id="x"><span>a</span> tail <script>var n = 1</script><p> b </p></div>`})
	assert.Equal(t, "a\ntail\nb", blockText(page.Doc.Find("#x")))
}

// With no container in the markup the whole page text is voted on.
func TestCountsExtract_TextComboRangeFilter(t *testing.T) {
	text := "267\n5\n0\n1\n\nreply one\n267\n22\n0\n1\n\nreply two\n300\n150000\n0\n1\n"
	capture := &PageCapture{HTML: "<html><body></body></html>", Text: text}

	sel := config.DefaultSelectors()
	sel.AccountProfiles = map[string]string{"bigstar": "celebrity"}
	ce := newCounts(t, sel)

	res := ce.Extract("alice", "X1", parse(t, capture))
	assert.Equal(t, 22, *res.Values[types.MetricComments])
	assert.Equal(t, 300, *res.Values[types.MetricLikes])
	assert.Equal(t, LayerTextCombo, res.Sources[types.MetricComments])
	assert.Empty(t, res.Rejected[types.MetricComments])

	res = ce.Extract("bigstar", "X1", parse(t, capture))
	assert.Equal(t, 150000, *res.Values[types.MetricComments])
}

func TestCountsExtract_UnknownStaysNil(t *testing.T) {
	capture := &PageCapture{HTML: "<html><body><p>nothing here</p></body></html>", Text: "nothing here"}
	res := newCounts(t, config.DefaultSelectors()).Extract("alice", "X1", parse(t, capture))
	for _, m := range types.AllMetrics {
		assert.Nil(t, res.Values[m], m)
	}
}

func TestValidVideoURL(t *testing.T) {
	me := NewMediaExtractor(config.DefaultSelectors(), utils.NewNopLogger())
	tests := []struct {
		url  string
		want bool
	}{
		{"https://scontent.cdninstagram.com/o1/v/t16/f2/m69/poster.jpg", false},
		{"https://scontent.cdninstagram.com/v/t51.2885-15/photo.webp", false},
		{"https://scontent.cdninstagram.com/o1/v/t16/f2/m69/AQOabc?efg=1", true},
		{"https://video.example.com/clip.mp4", true},
		{"https://video.example.com/master.m3u8?token=1", true},
		{"blob:https://www.threads.net/8c1e", false},
		{"https://www.threads.net/@alice/post/C9abc", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, me.ValidVideoURL(tt.url))
		})
	}
}

func TestMediaExtract_VideoLayers(t *testing.T) {
	me := NewMediaExtractor(config.DefaultSelectors(), utils.NewNopLogger())

	t.Run("network", func(t *testing.T) {
		capture := loadCapture(t, "single_post.html")
		capture.MediaResponses = []MediaResponse{
			{URL: "https://scontent.cdninstagram.com/v/t51.2885-15/thumb.jpg", MimeType: "image/jpeg"},
			{URL: "https://cdn.example.com/stream?bytestart=0&byteend=1000&id=7", MimeType: "video/mp4"},
			{URL: "https://cdn.example.com/stream?bytestart=1001&byteend=2000&id=7", MimeType: "video/mp4"},
		}
		res := me.Extract("C9abc", parse(t, capture))
		assert.Equal(t, LayerNetwork, res.VideoLayer)
		assert.Equal(t, []string{"https://cdn.example.com/stream?id=7"}, res.Videos)
	})

	t.Run("query prefers quality field", func(t *testing.T) {
		capture := &PageCapture{HTML: "<html><body></body></html>"}
		capture.Queries = []QueryResponse{{
			Name: "PolarisVideoPlaybackQuery",
			Body: []byte(`{"data":{"video":{"playable_url":"https://cdn.example.com/sd.mp4","playable_url_quality_hd":"https://cdn.example.com/hd.mp4"}}}`),
		}}
		res := me.Extract("C9abc", parse(t, capture))
		assert.Equal(t, LayerQuery, res.VideoLayer)
		assert.Equal(t, []string{"https://cdn.example.com/hd.mp4"}, res.Videos)
	})

	t.Run("page state largest version", func(t *testing.T) {
		res := me.Extract("C9abc", parse(t, loadCapture(t, "single_post.html")))
		assert.Equal(t, LayerPageState, res.VideoLayer)
		assert.Equal(t, []string{"https://scontent.cdninstagram.com/o1/v/t16/f2/m69/high?efg=1"}, res.Videos)
	})

	t.Run("play hook skips blob sources", func(t *testing.T) {
		capture := &PageCapture{HTML: "<html><body></body></html>"}
		capture.HookedSources = []string{"blob:https://www.threads.net/1", "https://scontent.cdninstagram.com/o1/v/t16/f1/m69/hooked"}
		res := me.Extract("C9abc", parse(t, capture))
		assert.Equal(t, LayerPlayHook, res.VideoLayer)
		assert.Equal(t, []string{"https://scontent.cdninstagram.com/o1/v/t16/f1/m69/hooked"}, res.Videos)
	})

	t.Run("dom", func(t *testing.T) {
		res := me.Extract("C9abc", parse(t, loadCapture(t, "page_scan.html")))
		assert.Equal(t, LayerDOM, res.VideoLayer)
		assert.Equal(t, []string{"https://cdn.example.com/clip.mp4"}, res.Videos)
	})
}

func TestMediaExtract_Images(t *testing.T) {
	me := NewMediaExtractor(config.DefaultSelectors(), utils.NewNopLogger())

	t.Run("scoped to first container", func(t *testing.T) {
		res := me.Extract("C9abc", parse(t, loadCapture(t, "single_post.html")))
		assert.Equal(t, LayerScoped, res.ImageLayer)
		assert.Equal(t, []string{"https://scontent.cdninstagram.com/v/t51.2885-15/dom.jpg"}, res.Images)
	})

	t.Run("page state when container has none", func(t *testing.T) {
		capture := loadCapture(t, "single_post.html")
		capture.HTML = stripPictures(capture.HTML)
		res := me.Extract("C9abc", parse(t, capture))
		assert.Equal(t, LayerPageState, res.ImageLayer)
		assert.Equal(t, []string{"https://scontent.cdninstagram.com/v/t51.2885-15/big.jpg"}, res.Images)
	})

	t.Run("capped page scan", func(t *testing.T) {
		res := me.Extract("C9abc", parse(t, loadCapture(t, "page_scan.html")))
		assert.Equal(t, LayerPageScan, res.ImageLayer)
		assert.Equal(t, []string{
			"https://scontent.cdninstagram.com/v/t51.2885-15/one.jpg",
			"https://scontent.cdninstagram.com/v/t51.2885-15/two.jpg",
			"https://scontent.cdninstagram.com/v/t51.2885-15/three.jpg",
		}, res.Images)
	})
}

func stripPictures(html string) string {
	page, _ := ParsePage(&PageCapture{HTML: html}, config.DefaultSelectors())
	page.Doc.Find("picture").Remove()
	out, _ := page.Doc.Html()
	return out
}

func newAssembler(t *testing.T) *PostAssembler {
	t.Helper()
	sel := config.DefaultSelectors()
	times, err := utils.NewTimeNormalizer("Asia/Shanghai")
	require.NoError(t, err)
	logger := utils.NewNopLogger()
	return NewPostAssembler(sel, newCounts(t, sel), NewMediaExtractor(sel, logger), times, logger)
}

func TestAssemble_SinglePost(t *testing.T) {
	cand := Candidate{PostID: "C9abc", URL: "https://www.threads.net/@alice/post/C9abc"}
	post, err := newAssembler(t).Assemble("alice", cand, loadCapture(t, "single_post.html"))
	require.NoError(t, err)

	assert.Equal(t, "alice", post.Username)
	assert.Equal(t, "Launch day #Go #golang", post.Content)
	assert.Equal(t, []string{"go", "golang"}, post.Tags)
	assert.Equal(t, 267, *post.Likes)
	assert.Equal(t, 3, *post.Comments)
	assert.Equal(t, 0, *post.Reposts)
	assert.Equal(t, 1, *post.Shares)
	assert.Nil(t, post.Views)
	assert.Equal(t, "page_state", post.CountSources[types.MetricLikes])
	require.NotNil(t, post.PublishedAt)
	assert.Equal(t, "2025-08-07 12:07:39", post.PublishedDisplay)
	assert.Equal(t, "counts=page_state,videos=page_state,images=scoped,state=single_post", post.ExtractionMethod)
}

func TestAssemble_DOMFallback(t *testing.T) {
	capture := loadCapture(t, "degraded.html")
	capture.Degraded = true
	cand := Candidate{PostID: "D1", URL: "https://www.threads.net/@bob/post/D1", Username: "bob"}
	post, err := newAssembler(t).Assemble("bob", cand, capture)
	require.NoError(t, err)

	assert.Equal(t, "Hello world", post.Content)
	assert.Equal(t, "2025-08-07 12:07:39", post.PublishedDisplay)
	assert.Nil(t, post.Likes)
	assert.Empty(t, post.Images)
	assert.Equal(t, "counts=none,degraded", post.ExtractionMethod)
	assert.Equal(t, []string{types.MetricLikes, types.MetricComments, types.MetricReposts, types.MetricShares, types.MetricViews}, post.MissingMetrics())
}

func TestAssemble_ContentIgnoresLongerReply(t *testing.T) {
	capture := &PageCapture{
		URL: "https://www.threads.net/@bob/post/D2",
		HTML: `<html><body>
<div data-pressable-container="true"><span dir="auto">bob</span><span dir="auto">Short main post</span></div>
<div data-pressable-container="true"><span dir="auto">carol</span><span dir="auto">This is a much longer reply written by somebody else entirely</span></div>
</body></html>`,
		Degraded:  true,
		FetchedAt: time.Date(2025, 8, 8, 0, 0, 0, 0, time.UTC),
	}
	cand := Candidate{PostID: "D2", URL: capture.URL, Username: "bob"}
	post, err := newAssembler(t).Assemble("bob", cand, capture)
	require.NoError(t, err)

	assert.Equal(t, "Short main post", post.Content)
}

func TestStripTranslationMarkers(t *testing.T) {
	markers := config.DefaultSelectors().TranslationMarkers
	assert.Equal(t, "hi", StripTranslationMarkers("hi See translation", markers))
	assert.Equal(t, "你好", StripTranslationMarkers("你好 查看翻译", markers))
	assert.Equal(t, "Translate this", StripTranslationMarkers("Translate this", markers))
}

func TestIsDegraded(t *testing.T) {
	markers := config.DefaultSelectors().FullPageMarkers
	assert.False(t, isDegraded(`{"thread_items":[]}`, markers))
	assert.True(t, isDegraded(`<html>log in to see more</html>`, markers))
}
