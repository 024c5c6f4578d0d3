package appcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pdenning/go-appcache/stores"
)

const (
	headerAccept       = "Accept"
	headerContentType  = "Content-Type"
	headerSecFetchMode = "Sec-Fetch-Mode"
)

// defaultOfflinePage is served by PolicyCacheFirst for a navigation
// request when the network is unreachable and the root document is
// not in the store.
const defaultOfflinePage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<h1>You are offline</h1>
<p>This page is not available offline yet. Reconnect and reload once to cache it.</p>
</body>
</html>
`

// Transport implements http.RoundTripper and routes same-origin GET
// requests between the generation store and the wrapped round tripper
// according to the configured policy. Everything else is delegated to
// the wrapped round tripper untouched.
type Transport struct {
	Wrapped http.RoundTripper

	store  Store
	logger *slog.Logger
	now    func() time.Time

	c Config
}

// RoundTrip implements http.RoundTripper and carries the per-request
// cache-vs-network decision.
//
// The process follows these steps:
// 1. Declines non-GET and cross-origin requests
// 2. Returns the stored entry on a hit, with no network attempt
// 3. Fetches misses from the network and stores cacheable successes
// 4. Falls back per policy when the network is unreachable.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	if !t.intercepts(r) {
		return t.Wrapped.RoundTrip(r)
	}
	ctx := r.Context()

	static, err := t.store.Open(ctx, t.c.StaticVersion)
	if err != nil {
		t.logger.WarnContext(ctx, "generation unavailable, passing through", "error", err)
		return t.Wrapped.RoundTrip(r)
	}

	key := stores.Key(*r)
	if entry, ok := t.lookup(ctx, static, key); ok {
		t.logger.DebugContext(ctx, "cache hit", "url", r.URL.String())
		return entry.Response(), nil
	}
	t.logger.DebugContext(ctx, "cache miss", "url", r.URL.String())

	resp, transportError := t.Wrapped.RoundTrip(r)
	if transportError != nil {
		return t.handleNetworkFailure(r, static, transportError)
	}

	if !t.cacheable(resp) {
		return resp, nil
	}

	// The network body is single-read. Buffer it once, hand the store
	// its own copy, and give the caller a fresh reader over the same
	// bytes before anything consumes it.
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return t.handleNetworkFailure(r, static, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: t.now().UTC(),
	}

	// Store writes after a delivered response are fire-and-forget:
	// a failed write is logged and never surfaces to the caller.
	wctx := context.WithoutCancel(ctx)
	target := static
	if t.c.DynamicVersion != "" {
		if dynamic, openErr := t.store.Open(wctx, t.c.DynamicVersion); openErr == nil {
			target = dynamic
		} else {
			t.logger.WarnContext(wctx, "dynamic generation unavailable", "error", openErr)
		}
	}
	go func() {
		if putErr := target.Put(wctx, key, entry); putErr != nil {
			t.logger.WarnContext(wctx, "error caching response", "url", r.URL.String(), "error", putErr)
		}
	}()

	return resp, nil
}

// lookup checks the static generation and, when a dynamic role is
// configured, the dynamic one.
func (t *Transport) lookup(ctx context.Context, static Generation, key string) (*Entry, bool) {
	entry, err := static.Get(ctx, key)
	if err == nil {
		return entry, true
	}
	if !errors.Is(err, stores.ErrNoEntry) {
		t.logger.WarnContext(ctx, "generation lookup failed", "error", err)
	}

	if t.c.DynamicVersion == "" {
		return nil, false
	}
	dynamic, err := t.store.Open(ctx, t.c.DynamicVersion)
	if err != nil {
		return nil, false
	}
	entry, err = dynamic.Get(ctx, key)
	if err == nil {
		return entry, true
	}
	if !errors.Is(err, stores.ErrNoEntry) {
		t.logger.WarnContext(ctx, "generation lookup failed", "error", err)
	}
	return nil, false
}

// handleNetworkFailure applies the policy's fallback branches after a
// failed fetch. Non-navigation failures always propagate unchanged.
func (t *Transport) handleNetworkFailure(r *http.Request, static Generation, cause error) (*http.Response, error) {
	if !isNavigation(r) {
		return nil, cause
	}
	ctx := r.Context()

	root, err := static.Get(ctx, t.rootKey())
	if err == nil {
		t.logger.DebugContext(ctx, "network unreachable, serving cached root", "url", r.URL.String())
		return root.Response(), nil
	}

	if t.c.Policy == PolicyCacheFirst {
		t.logger.DebugContext(ctx, "network unreachable, serving offline page", "url", r.URL.String())
		return t.offlineResponse(), nil
	}
	return nil, cause
}

func (t *Transport) intercepts(r *http.Request) bool {
	return r.Method == http.MethodGet && t.sameOrigin(r.URL)
}

func (t *Transport) sameOrigin(u *url.URL) bool {
	return u.Scheme+"://"+u.Host == t.c.Origin
}

func (t *Transport) rootKey() string {
	return http.MethodGet + "#" + t.c.Origin + "/"
}

func (t *Transport) offlineResponse() *http.Response {
	page := t.c.OfflinePage
	if page == "" {
		page = defaultOfflinePage
	}
	header := make(http.Header)
	header.Set(headerContentType, "text/html; charset=utf-8")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(page)),
		ContentLength: int64(len(page)),
	}
}

// cacheable reports whether a network response may enter the store:
// a plain 200 whose final URL is still on the serving origin. A
// redirect that left the origin is opaque to this layer.
func (t *Transport) cacheable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.Request != nil && !t.sameOrigin(resp.Request.URL) {
		return false
	}
	return true
}

// isNavigation classifies a request as loading a top-level document.
// Sec-Fetch-Mode is authoritative when present; otherwise an Accept
// header asking for HTML is taken as a navigation.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get(headerSecFetchMode); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get(headerAccept), "text/html")
}

// New creates a transport middleware that routes requests through the
// generation store before the wrapped http.RoundTripper.
//
// If the 'now' function is nil, time.Now will be used as the default
// time provider. If the 'logger' is nil, a no-op logger writing to
// io.Discard will be used. A nil config falls back to DefaultConfig,
// which intercepts nothing until an origin is set.
func New(
	store Store,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) func(http.RoundTripper) http.RoundTripper {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}

	return func(rt http.RoundTripper) http.RoundTripper {
		return &Transport{Wrapped: rt, store: store, now: nowFunc, logger: logger, c: c}
	}
}
