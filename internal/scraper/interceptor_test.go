package scraper

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"

	"feed-crawler/internal/config"
	"feed-crawler/internal/utils"
)

func newTestInterceptor() *interceptor {
	return buildInterceptor(context.Background(), config.DefaultSelectors(), utils.NewNopLogger())
}

func TestInterceptor_QueryName(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		headers network.Headers
		want    string
	}{
		{
			name:    "name header any case",
			url:     "https://www.threads.net/api/graphql",
			headers: network.Headers{"X-FB-Friendly-Name": "BarcelonaPostPageQuery"},
			want:    "BarcelonaPostPageQuery",
		},
		{
			name:    "root field header",
			url:     "https://www.threads.net/api/graphql",
			headers: network.Headers{"x-root-field-name": "xdt_api__v1__text_feed"},
			want:    "xdt_api__v1__text_feed",
		},
		{
			name:    "empty header falls back to query parameter",
			url:     "https://www.threads.net/api/graphql?fb_api_req_friendly_name=ProfileThreadsQuery",
			headers: network.Headers{"x-fb-friendly-name": ""},
			want:    "ProfileThreadsQuery",
		},
		{
			name:    "non string header is ignored",
			url:     "https://www.threads.net/graphql?operationName=ThreadsPost",
			headers: network.Headers{"x-fb-friendly-name": 42},
			want:    "ThreadsPost",
		},
		{
			name:    "unrelated header",
			url:     "https://www.threads.net/graphql?query_name=FeedQuery",
			headers: network.Headers{"x-asbd-id": "129477"},
			want:    "FeedQuery",
		},
		{
			name: "last path segment",
			url:  "https://www.threads.net/api/graphql",
			want: "graphql",
		},
		{
			name: "unparsable url is kept",
			url:  "://broken",
			want: "://broken",
		},
	}

	ic := newTestInterceptor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &network.Request{URL: tt.url, Headers: tt.headers}
			assert.Equal(t, tt.want, ic.queryName(req))
		})
	}
}

func TestInterceptor_LooksLikeVideo(t *testing.T) {
	tests := []struct {
		name string
		url  string
		mime string
		want bool
	}{
		{"video mime", "https://scontent.cdninstagram.com/o1/v/abc", "video/mp4", true},
		{"mime case insensitive", "https://scontent.cdninstagram.com/o1/v/abc", "Video/MP4", true},
		{"hls manifest mime", "https://scontent.cdninstagram.com/m/abc", "application/vnd.apple.mpegurl", true},
		{"extension without mime", "https://scontent.cdninstagram.com/v/clip.MP4?efg=1", "", true},
		{"dash extension", "https://scontent.cdninstagram.com/v/manifest.mpd", "application/octet-stream", true},
		{"image", "https://scontent.cdninstagram.com/v/photo.jpg", "image/jpeg", false},
		{"extension only in query", "https://www.threads.net/embed?file=clip.mp4", "text/html", false},
		{"unparsable url", "://broken.mp4", "", false},
	}

	ic := newTestInterceptor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ic.looksLikeVideo(tt.url, tt.mime))
		})
	}
}

func TestInterceptor_ListenRecordsMatchingTraffic(t *testing.T) {
	ic := newTestInterceptor()

	ic.listen(&network.EventRequestWillBeSent{
		RequestID: "1",
		Request:   &network.Request{URL: "https://www.threads.net/api/graphql", Headers: network.Headers{"x-fb-friendly-name": "BarcelonaPostPageQuery"}},
	})
	ic.listen(&network.EventRequestWillBeSent{
		RequestID: "2",
		Request:   &network.Request{URL: "https://www.threads.net/@alice"},
	})
	ic.listen(&network.EventResponseReceived{
		RequestID: "3",
		Response:  &network.Response{URL: "https://scontent.cdninstagram.com/v/clip.mp4", MimeType: "video/mp4"},
	})
	ic.listen(&network.EventResponseReceived{
		RequestID: "4",
		Response:  &network.Response{URL: "https://scontent.cdninstagram.com/v/photo.jpg", MimeType: "image/jpeg"},
	})

	assert.Equal(t, map[network.RequestID]pendingQuery{
		"1": {name: "BarcelonaPostPageQuery", url: "https://www.threads.net/api/graphql"},
	}, ic.pending)
	assert.Equal(t, []MediaResponse{{URL: "https://scontent.cdninstagram.com/v/clip.mp4", MimeType: "video/mp4"}}, ic.media)

	ic.listen(&network.EventLoadingFailed{RequestID: "1"})
	assert.Empty(t, ic.pending)
}
