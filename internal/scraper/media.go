package scraper

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
)

var sizeHintPattern = regexp.MustCompile(`[sp](\d{2,4})x(\d{2,4})`)

// MediaResult is the outcome of video and image extraction for one post.
type MediaResult struct {
	Videos     []string
	VideoLayer Layer
	Images     []string
	ImageLayer Layer
}

type MediaExtractor struct {
	sel          *config.Selectors
	videoQueries globSet
	logger       *logrus.Logger
}

func NewMediaExtractor(sel *config.Selectors, logger *logrus.Logger) *MediaExtractor {
	return &MediaExtractor{
		sel:          sel,
		videoQueries: compileGlobs(sel.VideoQueryPatterns),
		logger:       logger,
	}
}

func (me *MediaExtractor) Extract(postID string, page *ParsedPage) MediaResult {
	var res MediaResult
	res.Videos, res.VideoLayer = me.extractVideos(postID, page)
	res.Images, res.ImageLayer = me.extractImages(postID, page)
	return res
}

func (me *MediaExtractor) extractVideos(postID string, page *ParsedPage) ([]string, Layer) {
	layers := []struct {
		layer Layer
		run   func() []string
	}{
		{LayerNetwork, func() []string { return me.videosFromNetwork(page.Capture.MediaResponses) }},
		{LayerQuery, func() []string { return me.videosFromQueries(postID, page.Capture.Queries) }},
		{LayerPageState, func() []string { return me.videosFromState(postID, page.States) }},
		{LayerPlayHook, func() []string { return me.acceptVideos(page.Capture.HookedSources) }},
		{LayerDOM, func() []string { return me.videosFromDOM(page.Doc) }},
	}
	for _, l := range layers {
		if videos := l.run(); len(videos) > 0 {
			me.logger.Debugf("Videos for %s resolved by %s layer (%d)", postID, l.layer, len(videos))
			return videos, l.layer
		}
	}
	return nil, ""
}

// ValidVideoURL rejects image files and blob sources, and accepts known video
// extensions or video CDN path segments.
func (me *MediaExtractor) ValidVideoURL(raw string) bool {
	return me.validVideo(raw, "")
}

func (me *MediaExtractor) validVideo(raw, mimeType string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	p := strings.ToLower(u.Path)
	ext := path.Ext(p)
	if hasString(me.sel.ImageExtensions, ext) {
		return false
	}
	if hasString(me.sel.VideoExtensions, ext) {
		return true
	}
	if containsAny(p, me.sel.VideoPathSegments) {
		return true
	}
	mimeType = strings.ToLower(mimeType)
	for _, prefix := range me.sel.VideoMimePrefixes {
		if mimeType != "" && strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

func (me *MediaExtractor) acceptVideos(urls []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, raw := range urls {
		if !me.ValidVideoURL(raw) {
			continue
		}
		canon := canonicalVideoURL(raw)
		if !seen[canon] {
			seen[canon] = true
			out = append(out, canon)
		}
	}
	return out
}

func (me *MediaExtractor) videosFromNetwork(responses []MediaResponse) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range responses {
		if !me.validVideo(r.URL, r.MimeType) {
			continue
		}
		canon := canonicalVideoURL(r.URL)
		if !seen[canon] {
			seen[canon] = true
			out = append(out, canon)
		}
	}
	return out
}

// videosFromQueries prefers the first quality field, in configured order, that
// carries a valid URL, then falls back to the post's largest video version.
func (me *MediaExtractor) videosFromQueries(postID string, queries []QueryResponse) []string {
	var docs []any
	for _, q := range queries {
		if me.videoQueries.Match(q.Name) {
			docs = append(docs, DecodeDocuments(q.Body)...)
		}
	}
	if len(docs) == 0 {
		return nil
	}

	fields := map[string][]string{}
	for _, d := range docs {
		collectStringFields(d, me.sel.VideoQualityFields, fields)
	}
	for _, f := range me.sel.VideoQualityFields {
		if videos := me.acceptVideos(fields[f]); len(videos) > 0 {
			return videos
		}
	}
	return me.videosFromState(postID, ParseStates(docs))
}

func (me *MediaExtractor) videosFromState(postID string, states []PageState) []string {
	post, _, ok := findStatePost(states, postID)
	if !ok {
		return nil
	}
	urls := make([]string, 0, len(post.Videos))
	for _, v := range post.Videos {
		urls = append(urls, v.URL)
	}
	return me.acceptVideos(urls)
}

func (me *MediaExtractor) videosFromDOM(doc *goquery.Document) []string {
	scope := me.container(doc)
	var urls []string
	scope.Find("video[src], video source[src]").Each(func(i int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			urls = append(urls, src)
		}
	})
	return me.acceptVideos(urls)
}

func collectStringFields(node any, fields []string, out map[string][]string) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			if s, ok := child.(string); ok && hasString(fields, k) && s != "" {
				out[k] = append(out[k], s)
				continue
			}
			collectStringFields(child, fields, out)
		}
	case []any:
		for _, child := range v {
			collectStringFields(child, fields, out)
		}
	}
}

// canonicalVideoURL drops byte-range parameters so segments of one file
// collapse to a single URL.
func canonicalVideoURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("bytestart") || q.Has("byteend") {
		q.Del("bytestart")
		q.Del("byteend")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (me *MediaExtractor) container(doc *goquery.Document) *goquery.Selection {
	return primaryContainer(doc, me.sel.ContainerSelectors)
}

// primaryContainer is the primary post's scope or the whole document when no
// container selector matches.
func primaryContainer(doc *goquery.Document, selectors []string) *goquery.Selection {
	if c, ok := findContainer(doc, selectors); ok {
		return c
	}
	return doc.Selection
}

func findContainer(doc *goquery.Document, selectors []string) (*goquery.Selection, bool) {
	for _, sel := range selectors {
		if c := doc.Find(sel).First(); c.Length() > 0 {
			return c, true
		}
	}
	return nil, false
}

func (me *MediaExtractor) extractImages(postID string, page *ParsedPage) ([]string, Layer) {
	if images := me.imagesFromContainer(page.Doc); len(images) > 0 {
		return images, LayerScoped
	}
	if images := me.imagesFromState(postID, page.States); len(images) > 0 {
		return images, LayerPageState
	}
	if images := me.imagesFromPageScan(page.Doc); len(images) > 0 {
		me.logger.Debugf("Images for %s came from a page scan", postID)
		return images, LayerPageScan
	}
	return nil, ""
}

func (me *MediaExtractor) imagesFromContainer(doc *goquery.Document) []string {
	var found []string
	for _, sel := range me.sel.ContainerSelectors {
		c := doc.Find(sel).First()
		if c.Length() == 0 {
			continue
		}
		for _, imgSel := range me.sel.ImageSelectors {
			c.Find(imgSel).Each(func(i int, s *goquery.Selection) {
				if src := me.imageFromNode(s); src != "" {
					found = append(found, src)
				}
			})
		}
		break
	}
	return dedupe(found, 0)
}

func (me *MediaExtractor) imagesFromState(postID string, states []PageState) []string {
	post, _, ok := findStatePost(states, postID)
	if !ok {
		return nil
	}
	var found []string
	for _, img := range post.Images {
		if img.Width > 0 && img.Height > 0 && (img.Width < me.sel.MinImageDimension || img.Height < me.sel.MinImageDimension) {
			continue
		}
		if me.validImage(img.URL) {
			found = append(found, img.URL)
		}
	}
	return dedupe(found, 0)
}

func (me *MediaExtractor) imagesFromPageScan(doc *goquery.Document) []string {
	var found []string
	seen := map[string]bool{}
	doc.Find("img").EachWithBreak(func(i int, s *goquery.Selection) bool {
		src := me.imageFromNode(s)
		if src != "" && !seen[src] {
			seen[src] = true
			found = append(found, src)
		}
		return len(found) < me.sel.PageScanCap
	})
	return found
}

func (me *MediaExtractor) imageFromNode(s *goquery.Selection) string {
	src, _ := s.Attr("src")
	if src == "" {
		src = largestSrcset(s.AttrOr("srcset", ""))
	}
	if !me.validImage(src) {
		return ""
	}
	w, _ := strconv.Atoi(s.AttrOr("width", ""))
	h, _ := strconv.Atoi(s.AttrOr("height", ""))
	if w > 0 && h > 0 && (w < me.sel.MinImageDimension || h < me.sel.MinImageDimension) {
		return ""
	}
	return src
}

func (me *MediaExtractor) validImage(raw string) bool {
	if raw == "" || strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "blob:") {
		return false
	}
	lower := strings.ToLower(raw)
	if containsAny(lower, me.sel.ImageExcludePatterns) {
		return false
	}
	if m := sizeHintPattern.FindStringSubmatch(lower); m != nil {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		if w < me.sel.MinImageDimension && h < me.sel.MinImageDimension {
			return false
		}
	}
	return true
}

// largestSrcset picks the widest entry of a srcset attribute.
func largestSrcset(srcset string) string {
	best, bestW := "", -1
	for _, entry := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(entry))
		if len(fields) == 0 {
			continue
		}
		w := 0
		if len(fields) > 1 {
			w, _ = strconv.Atoi(strings.TrimSuffix(fields[1], "w"))
		}
		if w > bestW {
			best, bestW = fields[0], w
		}
	}
	return best
}

func dedupe(items []string, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
