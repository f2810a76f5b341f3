package ai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	webSearchHTTPTimeout = 15 * time.Second
	webSearchRateLimit   = 10
	webSearchRateWindow  = time.Minute

	maxFetchedPageBytes = 256 << 10
)

// looksLikeURL reports whether the query is a direct URL rather than a search phrase.
func looksLikeURL(query string) bool {
	if strings.ContainsAny(query, " \t\n") {
		return false
	}
	if !strings.HasPrefix(query, "http://") && !strings.HasPrefix(query, "https://") {
		return false
	}
	u, err := url.Parse(query)
	if err != nil {
		return false
	}
	return u.Host != ""
}

// fetchURL downloads a page and returns its body as text, capped at maxFetchedPageBytes.
func (w *webSearchTool) fetchURL(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "chatrelay/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedPageBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", fmt.Errorf("fetch url: empty body")
	}
	return text, nil
}

// toolRateLimiter is a fixed-window counter shared across tool invocations.
type toolRateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{
		limit:  limit,
		window: window,
		counts: make(map[string]*rateWindow),
	}
}

// Allow records one invocation for key and reports whether it is within the limit.
func (l *toolRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.counts[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.counts[key] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
