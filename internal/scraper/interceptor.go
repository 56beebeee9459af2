package scraper

import (
	"context"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
)

type pendingQuery struct {
	name string
	url  string
}

// interceptor records structured query responses and media responses of one
// tab. Bodies are fetched off the event loop, chromedp must not be called
// from inside a listener.
type interceptor struct {
	tab         context.Context
	queryURLs   globSet
	nameHeaders []string
	videoExts   []string
	videoMimes  []string
	logger      *logrus.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
	pending map[network.RequestID]pendingQuery
	queries []QueryResponse
	media   []MediaResponse
}

func newInterceptor(tab context.Context, sel *config.Selectors, logger *logrus.Logger) *interceptor {
	ic := buildInterceptor(tab, sel, logger)
	chromedp.ListenTarget(tab, ic.listen)
	return ic
}

func buildInterceptor(tab context.Context, sel *config.Selectors, logger *logrus.Logger) *interceptor {
	headers := make([]string, 0, len(sel.QueryNameHeaders))
	for _, h := range sel.QueryNameHeaders {
		headers = append(headers, strings.ToLower(h))
	}
	ic := &interceptor{
		tab:         tab,
		queryURLs:   compileGlobs(sel.QueryURLPatterns),
		nameHeaders: headers,
		videoExts:   sel.VideoExtensions,
		videoMimes:  sel.VideoMimePrefixes,
		logger:      logger,
		pending:     map[network.RequestID]pendingQuery{},
	}
	return ic
}

func (ic *interceptor) listen(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil || !ic.queryURLs.Match(e.Request.URL) {
			return
		}
		q := pendingQuery{name: ic.queryName(e.Request), url: e.Request.URL}
		ic.mu.Lock()
		ic.pending[e.RequestID] = q
		ic.mu.Unlock()

	case *network.EventResponseReceived:
		if e.Response == nil || !ic.looksLikeVideo(e.Response.URL, e.Response.MimeType) {
			return
		}
		ic.mu.Lock()
		if !ic.closed {
			ic.media = append(ic.media, MediaResponse{URL: e.Response.URL, MimeType: e.Response.MimeType})
		}
		ic.mu.Unlock()

	case *network.EventLoadingFinished:
		ic.mu.Lock()
		q, ok := ic.pending[e.RequestID]
		delete(ic.pending, e.RequestID)
		if !ok || ic.closed {
			ic.mu.Unlock()
			return
		}
		ic.wg.Add(1)
		ic.mu.Unlock()
		go ic.fetchBody(e.RequestID, q)

	case *network.EventLoadingFailed:
		ic.mu.Lock()
		delete(ic.pending, e.RequestID)
		ic.mu.Unlock()
	}
}

func (ic *interceptor) fetchBody(id network.RequestID, q pendingQuery) {
	defer ic.wg.Done()

	var body []byte
	err := chromedp.Run(ic.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		b, err := network.GetResponseBody(id).Do(ctx)
		body = b
		return err
	}))
	if err != nil {
		ic.logger.WithFields(logrus.Fields{"layer": LayerQuery, "query": q.name}).
			Debugf("Failed to read query body: %v", err)
		return
	}

	ic.mu.Lock()
	ic.queries = append(ic.queries, QueryResponse{Name: q.name, URL: q.url, Body: body})
	ic.mu.Unlock()
}

// queryName prefers an explicit name header, then a name query parameter, then
// the last path segment.
func (ic *interceptor) queryName(req *network.Request) string {
	for k, v := range req.Headers {
		if !hasString(ic.nameHeaders, strings.ToLower(k)) {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return req.URL
	}
	for _, key := range []string{"fb_api_req_friendly_name", "query_name", "operationName"} {
		if v := u.Query().Get(key); v != "" {
			return v
		}
	}
	return path.Base(u.Path)
}

func (ic *interceptor) looksLikeVideo(rawURL, mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	for _, p := range ic.videoMimes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return hasString(ic.videoExts, strings.ToLower(path.Ext(u.Path)))
}

// drain stops recording and waits up to timeout for in-flight body reads.
func (ic *interceptor) drain(timeout time.Duration) {
	ic.mu.Lock()
	if ic.closed {
		ic.mu.Unlock()
		return
	}
	ic.closed = true
	ic.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ic.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		ic.logger.Debug("Timed out waiting for query bodies")
	}
}

func (ic *interceptor) snapshot() ([]QueryResponse, []MediaResponse) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	queries := append([]QueryResponse(nil), ic.queries...)
	media := append([]MediaResponse(nil), ic.media...)
	return queries, media
}
