package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// globSet matches case-insensitive wildcard patterns. A pattern without
// wildcards matches as a substring, which is how upstream query names drift
// (prefixes and suffixes change, the stem does not).
type globSet []*regexp.Regexp

func compileGlobs(patterns []string) globSet {
	var set globSet
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !strings.ContainsAny(p, "*?") {
			p = "*" + p + "*"
		}
		expr := regexp.QuoteMeta(p)
		expr = strings.ReplaceAll(expr, `\*`, ".*")
		expr = strings.ReplaceAll(expr, `\?`, ".")
		set = append(set, regexp.MustCompile("^"+expr+"$"))
	}
	return set
}

func (g globSet) Match(s string) bool {
	s = strings.ToLower(s)
	for _, re := range g {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

var (
	suffixCountPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*([kmb万亿])(?:[^a-z]|$)`)
	plainCountPattern  = regexp.MustCompile(`\d+(?:,\d{3})*`)
)

// ParseCount reads a rendered count such as "267", "1,204", "3.4K" or "1.2万".
// ok is false when the text holds no number, which is different from 0.
func ParseCount(text string) (int, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return 0, false
	}

	if m := suffixCountPattern.FindStringSubmatch(text); len(m) == 3 {
		num, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err == nil {
			switch m[2] {
			case "k":
				return int(num * 1000), true
			case "m":
				return int(num * 1000000), true
			case "b":
				return int(num * 1000000000), true
			case "万":
				return int(num * 10000), true
			case "亿":
				return int(num * 100000000), true
			}
		}
	}

	if m := plainCountPattern.FindString(text); m != "" {
		if num, err := strconv.Atoi(strings.ReplaceAll(m, ",", "")); err == nil {
			return num, true
		}
	}
	return 0, false
}

// Candidate is a post discovered on the feed.
type Candidate struct {
	PostID   string `json:"postId"`
	URL      string `json:"url"`
	Username string `json:"username"`
}

// PostURLMatcher derives post ids from links using an ordered pattern pool.
// A pattern with two groups captures (username, postId), one group captures
// postId only.
type PostURLMatcher struct {
	patterns []*regexp.Regexp
}

func NewPostURLMatcher(patterns []string) (*PostURLMatcher, error) {
	m := &PostURLMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid post url pattern %q: %w", p, err)
		}
		if re.NumSubexp() < 1 || re.NumSubexp() > 2 {
			return nil, fmt.Errorf("post url pattern %q must have one or two groups", p)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

func (m *PostURLMatcher) Match(link string) (Candidate, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || u.Path == "" {
		return Candidate{}, false
	}
	for _, re := range m.patterns {
		groups := re.FindStringSubmatch(u.Path)
		if groups == nil {
			continue
		}
		c := Candidate{}
		if len(groups) == 3 {
			c.Username = groups[1]
			c.PostID = groups[2]
		} else {
			c.PostID = groups[1]
		}
		if c.PostID == "" {
			continue
		}
		u.RawQuery = ""
		u.Fragment = ""
		// drop trailing sub-pages such as /media or /replies
		u.Path = groups[0]
		c.URL = u.String()
		return c, true
	}
	return Candidate{}, false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
