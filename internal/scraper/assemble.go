package scraper

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
	"feed-crawler/internal/utils"
	"feed-crawler/pkg/types"
)

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// PostAssembler combines counts, media and time into a PostRecord.
type PostAssembler struct {
	sel    *config.Selectors
	counts *CountsExtractor
	media  *MediaExtractor
	times  *utils.TimeNormalizer
	logger *logrus.Logger
}

func NewPostAssembler(sel *config.Selectors, counts *CountsExtractor, media *MediaExtractor, times *utils.TimeNormalizer, logger *logrus.Logger) *PostAssembler {
	return &PostAssembler{
		sel:    sel,
		counts: counts,
		media:  media,
		times:  times,
		logger: logger,
	}
}

// Assemble builds the record for one candidate. Only an unparseable page is an
// error; every missing field is left empty or nil.
func (pa *PostAssembler) Assemble(account string, cand Candidate, capture *PageCapture) (*types.PostRecord, error) {
	page, err := ParsePage(capture, pa.sel)
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %w", cand.PostID, err)
	}

	post := &types.PostRecord{
		PostID:    cand.PostID,
		Account:   account,
		URL:       cand.URL,
		Username:  cand.Username,
		FetchedAt: capture.FetchedAt,
	}

	state, shape, hasState := findStatePost(page.States, cand.PostID)
	if hasState && post.Username == "" {
		post.Username = state.Username
	}

	counts := pa.counts.Extract(account, cand.PostID, page)
	post.CountSources = map[string]string{}
	for _, metric := range types.AllMetrics {
		post.SetMetric(metric, counts.Values[metric])
		if layer, ok := counts.Sources[metric]; ok {
			post.CountSources[metric] = string(layer)
		}
	}

	media := pa.media.Extract(cand.PostID, page)
	post.Videos = media.Videos
	post.Images = media.Images

	content := ""
	if hasState {
		content = state.Caption
	}
	if content == "" {
		content = pa.contentFromDOM(page.Doc)
	}
	post.Content = StripTranslationMarkers(content, pa.sel.TranslationMarkers)
	post.Tags = extractHashtags(post.Content)

	var rawTime string
	if hasState && state.TakenAt > 0 {
		post.PublishedAt = pa.times.FromUnix(state.TakenAt)
	} else {
		rawTime = pa.timeFromDOM(page.Doc)
		post.PublishedAt = pa.times.Parse(rawTime)
	}
	post.PublishedDisplay = pa.times.DisplayOrRaw(post.PublishedAt, rawTime)

	post.ExtractionMethod = methodTag(counts, media, shape, capture.Degraded)

	pa.logger.WithFields(logrus.Fields{
		"post_id": cand.PostID,
		"account": account,
		"method":  post.ExtractionMethod,
	}).Debug("Assembled post")
	return post, nil
}

// contentFromDOM reads the primary container only, replies below it carry
// their own text.
func (pa *PostAssembler) contentFromDOM(doc *goquery.Document) string {
	scope := primaryContainer(doc, pa.sel.ContainerSelectors)
	for _, sel := range pa.sel.ContentSelectors {
		var parts []string
		scope.Find(sel).Each(func(i int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); text != "" {
				parts = append(parts, text)
			}
		})
		if len(parts) > 0 {
			// the first span is usually the author handle, keep the longest
			sort.SliceStable(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
			return parts[0]
		}
	}
	return ""
}

func (pa *PostAssembler) timeFromDOM(doc *goquery.Document) string {
	for _, sel := range pa.sel.TimeSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		for _, attr := range []string{"datetime", "data-utime", "title"} {
			if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		if text := strings.TrimSpace(node.Text()); text != "" {
			return text
		}
	}
	return ""
}

// StripTranslationMarkers removes trailing translation affordances such as
// "See translation" that the front end appends to post text.
func StripTranslationMarkers(content string, markers []string) string {
	content = strings.TrimSpace(content)
	// longest first so "查看翻译" is not cut down to "查看"
	ordered := append([]string(nil), markers...)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for changed := true; changed; {
		changed = false
		for _, m := range ordered {
			if m != "" && strings.HasSuffix(content, m) {
				content = strings.TrimSpace(strings.TrimSuffix(content, m))
				changed = true
			}
		}
	}
	return content
}

func extractHashtags(content string) []string {
	var tags []string
	seen := map[string]bool{}
	for _, m := range hashtagPattern.FindAllStringSubmatch(content, -1) {
		tag := strings.ToLower(m[1])
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// methodTag reads like "counts=query+text_combo,videos=network,images=page_scan".
func methodTag(counts CountsResult, media MediaResult, shape Shape, degraded bool) string {
	var layers []string
	seen := map[Layer]bool{}
	for _, metric := range types.AllMetrics {
		if l, ok := counts.Sources[metric]; ok && !seen[l] {
			seen[l] = true
			layers = append(layers, string(l))
		}
	}

	parts := []string{}
	if len(layers) > 0 {
		parts = append(parts, "counts="+strings.Join(layers, "+"))
	} else {
		parts = append(parts, "counts=none")
	}
	if media.VideoLayer != "" {
		parts = append(parts, "videos="+string(media.VideoLayer))
	}
	if media.ImageLayer != "" {
		parts = append(parts, "images="+string(media.ImageLayer))
	}
	if shape != "" {
		parts = append(parts, "state="+string(shape))
	}
	if degraded {
		parts = append(parts, "degraded")
	}
	return types.MethodTag(parts...)
}
