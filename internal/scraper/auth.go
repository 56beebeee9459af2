package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ErrSessionBlob marks a session blob that cannot be used at all.
var ErrSessionBlob = errors.New("session blob unusable")

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HttpOnly bool    `json:"httpOnly"`
	SameSite string  `json:"sameSite,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
}

type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type OriginState struct {
	Origin       string         `json:"origin"`
	LocalStorage []StorageEntry `json:"localStorage"`
}

// SessionBlob is the authenticated-session snapshot produced elsewhere. It is
// only ever read here.
type SessionBlob struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

func LoadSessionBlob(file string) (*SessionBlob, error) {
	if _, err := os.Stat(file); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: file not found: %s", ErrSessionBlob, file)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrSessionBlob, file, err)
	}

	var blob SessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrSessionBlob, file, err)
	}
	if len(blob.Cookies) == 0 {
		return nil, fmt.Errorf("%w: no cookies in %s", ErrSessionBlob, file)
	}
	return &blob, nil
}

// Expired lists cookies whose expiry has passed. Session cookies never expire.
func (b *SessionBlob) Expired(now time.Time) []string {
	var names []string
	for _, c := range b.Cookies {
		if c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now) {
			names = append(names, c.Name)
		}
	}
	return names
}

// setCookies injects every cookie into the browser context.
func (b *SessionBlob) setCookies() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range b.Cookies {
			params := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HttpOnly)
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				params = params.WithExpires(&expires)
			}
			if ss := sameSite(c.SameSite); ss != "" {
				params = params.WithSameSite(ss)
			}
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

func sameSite(v string) network.CookieSameSite {
	switch strings.ToLower(v) {
	case "strict":
		return network.CookieSameSiteStrict
	case "lax":
		return network.CookieSameSiteLax
	case "none":
		return network.CookieSameSiteNone
	}
	return ""
}

// localStorageScript writes entries into the current origin's localStorage.
func localStorageScript(entries []StorageEntry) string {
	data, _ := json.Marshal(entries)
	return fmt.Sprintf(`(() => { for (const e of %s) { try { localStorage.setItem(e.name, e.value); } catch (err) {} } return true; })()`, data)
}

// applyTo restores the whole blob: cookies first, then each origin's
// localStorage, which needs a navigation to that origin.
func (b *SessionBlob) applyTo(ctx context.Context, baseURL string) error {
	actions := []chromedp.Action{network.Enable(), b.setCookies()}
	for _, o := range b.Origins {
		if len(o.LocalStorage) == 0 || o.Origin == "" {
			continue
		}
		var ok bool
		actions = append(actions,
			chromedp.Navigate(o.Origin),
			chromedp.Evaluate(localStorageScript(o.LocalStorage), &ok),
		)
	}
	actions = append(actions, chromedp.Navigate(baseURL), chromedp.WaitReady("body", chromedp.ByQuery))
	return chromedp.Run(ctx, actions...)
}
