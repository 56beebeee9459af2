package scraper

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
)

// ErrBrowserLaunch marks a browser that could not be started or authenticated.
var ErrBrowserLaunch = errors.New("browser launch failed")

const (
	hookSettle = 800 * time.Millisecond
	bodyWait   = 2 * time.Second
)

func browserOptions(cfg config.SessionConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("disable-gpu", true))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Session owns one browser and one authenticated context for a crawl run.
// Every page is a tab borrowed from it.
type Session struct {
	cfg    *config.Config
	sel    *config.Selectors
	blob   *SessionBlob
	logger *logrus.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// Reset holds the write lock so it never races an in-flight detail fetch.
	mu sync.RWMutex
}

func NewSession(ctx context.Context, cfg *config.Config, sel *config.Selectors, blob *SessionBlob, logger *logrus.Logger) (*Session, error) {
	if cfg.Session.ExecPath == "" && !isChromeAvailable() {
		return nil, fmt.Errorf("%w: no chrome or chromium executable found", ErrBrowserLaunch)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), browserOptions(cfg.Session)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Debugf))

	s := &Session{
		cfg:           cfg,
		sel:           sel,
		blob:          blob,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	// the first Run starts the browser, it must not carry a timeout
	if err := chromedp.Run(browserCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrowserLaunch, err)
	}

	if expired := blob.Expired(time.Now()); len(expired) > 0 {
		logger.Warnf("Session blob has %d expired cookies: %v", len(expired), expired)
	}

	if err := s.authenticate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrowserLaunch, err)
	}
	logger.Infof("Browser session ready with %d cookies", len(blob.Cookies))
	return s, nil
}

func (s *Session) authenticate(ctx context.Context) error {
	actx, cancel := context.WithTimeout(s.browserCtx, 2*s.cfg.NavTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return s.blob.applyTo(actx, s.cfg.Platform.BaseURL)
}

// Reset clears server-visible state after repeated gate responses: the cache
// is dropped, the blob re-applied and the site root loaded fresh.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Warn("Resetting browser context")
	rctx, cancel := context.WithTimeout(s.browserCtx, s.cfg.NavTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(rctx, network.ClearBrowserCache()); err != nil {
		return fmt.Errorf("failed to clear browser cache: %w", err)
	}
	if err := s.authenticate(ctx); err != nil {
		return fmt.Errorf("failed to re-apply session: %w", err)
	}
	return nil
}

func (s *Session) Close() {
	s.browserCancel()
	s.allocCancel()
}

// newTab opens a tab that closes when the caller's context is cancelled.
func (s *Session) newTab(ctx context.Context) (context.Context, func(), error) {
	tab, cancelTab := chromedp.NewContext(s.browserCtx)
	stop := context.AfterFunc(ctx, cancelTab)
	closeTab := func() {
		stop()
		cancelTab()
	}
	if err := chromedp.Run(tab); err != nil {
		closeTab()
		return nil, nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return tab, closeTab, nil
}

func (s *Session) settleDelay() time.Duration {
	return time.Duration(s.cfg.Session.SettleDelay) * time.Millisecond
}

// FetchPost loads one post page with interception and the play hook active.
func (s *Session) FetchPost(ctx context.Context, postURL string) (*PageCapture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tab, closeTab, err := s.newTab(ctx)
	if err != nil {
		return nil, err
	}
	defer closeTab()

	ic := newInterceptor(tab, s.sel, s.logger)
	runCtx, cancel := context.WithTimeout(tab, s.cfg.NavTimeout())
	defer cancel()

	var html, text string
	var hooked []string
	err = chromedp.Run(runCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(playHookScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(postURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.settleDelay()),
		chromedp.Evaluate(triggerPlayScript, nil, awaitPromise),
		chromedp.Sleep(hookSettle),
		chromedp.Evaluate(readHookScript, &hooked),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(innerTextScript, &text),
	)
	ic.drain(bodyWait)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", postURL, err)
	}

	queries, media := ic.snapshot()
	return &PageCapture{
		URL:            postURL,
		HTML:           html,
		Text:           text,
		Queries:        queries,
		MediaResponses: media,
		HookedSources:  hooked,
		Degraded:       isDegraded(html, s.sel.FullPageMarkers),
		FetchedAt:      time.Now(),
	}, nil
}

// OpenFeed navigates a dedicated tab to the account feed.
func (s *Session) OpenFeed(ctx context.Context, account string) (FeedPage, error) {
	tab, closeTab, err := s.newTab(ctx)
	if err != nil {
		return nil, err
	}
	ic := newInterceptor(tab, s.sel, s.logger)

	navCtx, cancel := context.WithTimeout(tab, s.cfg.NavTimeout())
	defer cancel()
	if err := chromedp.Run(navCtx,
		network.Enable(),
		chromedp.Navigate(s.cfg.ProfileURL(account)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.settleDelay()),
	); err != nil {
		closeTab()
		return nil, fmt.Errorf("failed to open feed of %s: %w", account, err)
	}

	return &browserFeed{
		tab:      tab,
		closeTab: closeTab,
		ic:       ic,
		linksJS:  collectLinksScript(s.sel.PostLinkSelectors),
		delay:    time.Duration(s.cfg.Crawler.ScrollDelay) * time.Millisecond,
		timeout:  s.cfg.NavTimeout(),
		seen:     map[string]bool{},
	}, nil
}

type browserFeed struct {
	tab      context.Context
	closeTab func()
	ic       *interceptor
	linksJS  string
	delay    time.Duration
	timeout  time.Duration
	seen     map[string]bool
}

func (f *browserFeed) ScrollRound(ctx context.Context) ([]string, error) {
	rctx, cancel := context.WithTimeout(f.tab, f.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var hrefs []string
	if err := chromedp.Run(rctx,
		chromedp.Evaluate(scrollScript, nil),
		chromedp.Sleep(f.delay),
		chromedp.Evaluate(f.linksJS, &hrefs),
	); err != nil {
		return nil, fmt.Errorf("scroll round: %w", err)
	}

	var fresh []string
	for _, h := range hrefs {
		if !f.seen[h] {
			f.seen[h] = true
			fresh = append(fresh, h)
		}
	}
	return fresh, nil
}

// Queries stops interception and returns what the feed loaded while scrolling.
func (f *browserFeed) Queries() []QueryResponse {
	f.ic.drain(bodyWait)
	queries, _ := f.ic.snapshot()
	return queries
}

func (f *browserFeed) Close() {
	f.ic.drain(bodyWait)
	f.closeTab()
}

// Launcher starts one Session per crawl run from the configured blob.
type Launcher struct {
	cfg    *config.Config
	sel    *config.Selectors
	logger *logrus.Logger
}

func NewLauncher(cfg *config.Config, sel *config.Selectors, logger *logrus.Logger) *Launcher {
	return &Launcher{cfg: cfg, sel: sel, logger: logger}
}

func (l *Launcher) Launch(ctx context.Context) (*Session, error) {
	blob, err := LoadSessionBlob(l.cfg.Session.BlobFile)
	if err != nil {
		return nil, err
	}
	return NewSession(ctx, l.cfg, l.sel, blob, l.logger)
}

func isChromeAvailable() bool {
	paths := []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"}
	for _, path := range paths {
		if _, err := exec.LookPath(path); err == nil {
			return true
		}
	}
	return false
}
