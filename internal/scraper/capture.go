package scraper

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"feed-crawler/internal/config"
)

// QueryResponse is one intercepted structured data-query response.
type QueryResponse struct {
	Name string
	URL  string
	Body []byte
}

// MediaResponse is a network response that looked like media.
type MediaResponse struct {
	URL      string
	MimeType string
}

// PageCapture is everything a single page visit produced.
type PageCapture struct {
	URL            string
	HTML           string
	Text           string
	Queries        []QueryResponse
	MediaResponses []MediaResponse
	HookedSources  []string
	Degraded       bool
	FetchedAt      time.Time
}

// ParsedPage is a capture with its document and page state decoded once, shared
// by every extraction layer.
type ParsedPage struct {
	Capture *PageCapture
	Doc     *goquery.Document
	States  []PageState
}

func ParsePage(capture *PageCapture, sel *config.Selectors) (*ParsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(capture.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page html: %w", err)
	}
	return &ParsedPage{
		Capture: capture,
		Doc:     doc,
		States:  ParseEmbeddedStates(doc, sel.PageStateSelectors),
	}, nil
}

// blockText puts every non-empty text node under s on its own line, close to
// what innerText gives for the block layout of a post.
func blockText(s *goquery.Selection) string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				lines = append(lines, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return strings.Join(lines, "\n")
}

// isDegraded reports a gate response: the full-page data marker is missing.
func isDegraded(body string, markers []string) bool {
	if len(markers) == 0 {
		return false
	}
	return !containsAny(body, markers)
}
