package scraper

import (
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
)

// playHookScript runs before any page script and records the source of every
// media element the page starts playing.
const playHookScript = `(() => {
  if (window.__mediaHookInstalled) return;
  window.__mediaHookInstalled = true;
  window.__hookedMediaSources = [];
  const record = (el) => {
    try {
      const src = el.currentSrc || el.src;
      if (src) window.__hookedMediaSources.push(src);
      el.querySelectorAll('source').forEach((s) => { if (s.src) window.__hookedMediaSources.push(s.src); });
    } catch (e) {}
  };
  const play = HTMLMediaElement.prototype.play;
  HTMLMediaElement.prototype.play = function () {
    record(this);
    return play.apply(this, arguments);
  };
})();`

// triggerPlayScript starts every rendered player muted so lazy players load.
const triggerPlayScript = `Promise.allSettled(
  Array.from(document.querySelectorAll('video')).map((v) => { v.muted = true; return v.play(); })
).then(() => true)`

const readHookScript = `Array.from(new Set(window.__hookedMediaSources || []))`

const innerTextScript = `document.body ? document.body.innerText : ""`

const scrollScript = `window.scrollTo(0, document.body.scrollHeight); true`

// collectLinksScript returns the href of every element matching the pool.
func collectLinksScript(selectors []string) string {
	data, _ := json.Marshal(selectors)
	return fmt.Sprintf(`(() => {
  const out = [];
  for (const sel of %s) {
    try { document.querySelectorAll(sel).forEach((a) => { if (a.href) out.push(a.href); }); } catch (e) {}
  }
  return out;
})()`, data)
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}
