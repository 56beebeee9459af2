package scraper

import (
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
	"feed-crawler/pkg/types"
)

// Layer names the fallback strategy that supplied a value.
type Layer string

const (
	LayerQuery     Layer = "query"
	LayerPageState Layer = "page_state"
	LayerTextCombo Layer = "text_combo"
	LayerNetwork   Layer = "network"
	LayerPlayHook  Layer = "play_hook"
	LayerDOM       Layer = "dom"
	LayerScoped    Layer = "scoped"
	LayerPageScan  Layer = "page_scan"
)

// comboOrder is the positional meaning of combo pattern groups.
var comboOrder = []string{types.MetricLikes, types.MetricComments, types.MetricReposts, types.MetricShares}

// CountsResult holds one value or nil per metric plus the layer that supplied it.
type CountsResult struct {
	Values   map[string]*int
	Sources  map[string]Layer
	Rejected map[string][]int
}

func (r CountsResult) Resolved(metric string) bool {
	return r.Values[metric] != nil
}

type CountsExtractor struct {
	sel          *config.Selectors
	countQueries globSet
	combos       []*regexp.Regexp
	logger       *logrus.Logger
}

func NewCountsExtractor(sel *config.Selectors, logger *logrus.Logger) (*CountsExtractor, error) {
	ce := &CountsExtractor{
		sel:          sel,
		countQueries: compileGlobs(sel.CountQueryPatterns),
		logger:       logger,
	}
	for _, p := range sel.ComboPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid combo pattern %q: %w", p, err)
		}
		ce.combos = append(ce.combos, re)
	}
	return ce, nil
}

// Extract resolves counts layer by layer. A layer only runs for metrics the
// previous layers left unresolved, and inside a layer the highest plausible
// candidate wins.
func (ce *CountsExtractor) Extract(account, postID string, page *ParsedPage) CountsResult {
	result := CountsResult{
		Values:   map[string]*int{},
		Sources:  map[string]Layer{},
		Rejected: map[string][]int{},
	}
	ranges := ce.sel.RangesFor(account)

	layers := []struct {
		layer Layer
		run   func() map[string][]int
	}{
		{LayerQuery, func() map[string][]int { return ce.fromQueries(postID, page.Capture.Queries) }},
		{LayerPageState, func() map[string][]int { return ce.fromPageState(postID, page.States) }},
		{LayerTextCombo, func() map[string][]int { return ce.fromComboText(page) }},
	}

	for _, l := range layers {
		if ce.allResolved(result) {
			break
		}
		candidates := l.run()
		for _, metric := range types.AllMetrics {
			if result.Resolved(metric) || len(candidates[metric]) == 0 {
				continue
			}
			r, ok := ranges[metric]
			if !ok {
				r = config.Range{Min: 0, Max: int(^uint(0) >> 1)}
			}
			value, kept := Vote(candidates[metric], r)
			if !kept {
				result.Rejected[metric] = append(result.Rejected[metric], candidates[metric]...)
				ce.logger.Debugf("Counts layer %s: no plausible %s for %s among %v", l.layer, metric, postID, candidates[metric])
				continue
			}
			result.Values[metric] = types.IntPtr(value)
			result.Sources[metric] = l.layer
		}
	}
	return result
}

func (ce *CountsExtractor) allResolved(r CountsResult) bool {
	for _, m := range types.AllMetrics {
		if !r.Resolved(m) {
			return false
		}
	}
	return true
}

// Vote keeps candidates inside the plausible range and returns the largest.
func Vote(values []int, r config.Range) (int, bool) {
	best, found := 0, false
	for _, v := range values {
		if !r.Contains(v) {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

func (ce *CountsExtractor) fromQueries(postID string, queries []QueryResponse) map[string][]int {
	out := map[string][]int{}
	for _, q := range queries {
		if !ce.countQueries.Match(q.Name) {
			continue
		}
		docs := DecodeDocuments(q.Body)
		if len(docs) == 0 {
			ce.logger.Debugf("Counts layer query: undecodable payload from %s", q.Name)
			continue
		}
		if post, _, ok := findStatePost(ParseStates(docs), postID); ok {
			collectStateCounts(out, post)
		}
	}
	return out
}

func (ce *CountsExtractor) fromPageState(postID string, states []PageState) map[string][]int {
	out := map[string][]int{}
	if post, _, ok := findStatePost(states, postID); ok {
		collectStateCounts(out, post)
	}
	return out
}

func collectStateCounts(out map[string][]int, post StatePost) {
	for metric, v := range post.Counts {
		if v != nil {
			out[metric] = append(out[metric], *v)
		}
	}
}

// fromComboText matches the primary container first so reply counts below
// the post stay out of the vote. The page innerText is used when the container
// has no combo.
func (ce *CountsExtractor) fromComboText(page *ParsedPage) map[string][]int {
	if page.Doc != nil {
		if scope, ok := findContainer(page.Doc, ce.sel.ContainerSelectors); ok {
			if out := ce.fromText(blockText(scope)); len(out) > 0 {
				return out
			}
		}
	}
	return ce.fromText(page.Capture.Text)
}

// fromText assigns the numeric groups of each combo match positionally.
func (ce *CountsExtractor) fromText(text string) map[string][]int {
	out := map[string][]int{}
	if text == "" {
		return out
	}
	for _, re := range ce.combos {
		for _, groups := range re.FindAllStringSubmatch(text, -1) {
			for i, g := range groups[1:] {
				if i >= len(comboOrder) {
					break
				}
				if v, ok := ParseCount(g); ok {
					out[comboOrder[i]] = append(out[comboOrder[i]], v)
				}
			}
		}
	}
	return out
}
