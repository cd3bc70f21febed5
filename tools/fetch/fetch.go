// Package fetch provides the web_fetch tool: allowlisted HTTP GET with
// readable-text extraction for HTML and text extraction for PDF.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	polaris "github.com/aelish/polaris"
)

const (
	maxBodyBytes    = 2 << 20 // 2MB
	defaultMaxChars = 8000
)

// Tool fetches URLs and extracts readable content. Responses are cached
// in memory with a lazy TTL check; single-reader-single-writer semantics
// per conversation make a plain mutex sufficient.
type Tool struct {
	client       *http.Client
	allowedHosts map[string]bool

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	content string
	expires time.Time
}

// Option configures a fetch Tool.
type Option func(*Tool)

// WithAllowedHosts restricts fetches to the given hosts. Without it any
// host is allowed.
func WithAllowedHosts(hosts ...string) Option {
	return func(t *Tool) {
		if t.allowedHosts == nil {
			t.allowedHosts = make(map[string]bool)
		}
		for _, h := range hosts {
			t.allowedHosts[h] = true
		}
	}
}

// WithCacheTTL sets the response cache lifetime. Default: 5 minutes.
func WithCacheTTL(d time.Duration) Option {
	return func(t *Tool) { t.ttl = d }
}

// New creates the tool with a 15-second request timeout.
func New(opts ...Option) *Tool {
	t := &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
		cache:  make(map[string]cacheEntry),
		ttl:    5 * time.Minute,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Definition returns the registrable tool.
func (t *Tool) Definition() polaris.Tool {
	return polaris.Tool{
		Definition: polaris.ToolDefinition{
			Name:        "web_fetch",
			Description: "Fetch a URL and extract its readable text content. Handles HTML articles and PDF documents.",
			Parameters: []polaris.ToolParam{
				{Name: "url", Type: polaris.ParamString, Description: "URL to fetch", Required: true},
				{Name: "max_chars", Type: polaris.ParamNumber, Description: "Truncate the result to this many characters (default 8000)"},
			},
		},
		Handler: t.handle,
	}
}

func (t *Tool) handle(params map[string]any) polaris.ToolResult {
	rawURL, _ := params["url"].(string)
	maxChars := defaultMaxChars
	if n, ok := params["max_chars"].(float64); ok && n > 0 {
		maxChars = int(n)
	}

	content, err := t.Fetch(context.Background(), rawURL)
	if err != nil {
		return polaris.ToolResult{Success: false, Error: err.Error()}
	}
	if len(content) > maxChars {
		content = content[:maxChars] + "\n... (truncated)"
	}
	return polaris.ToolResult{Success: true, Output: content}
}

// Fetch downloads a URL and extracts readable text. Exported for reuse by
// other tools.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}
	if t.allowedHosts != nil && !t.allowedHosts[parsed.Host] {
		return "", fmt.Errorf("host not in allowlist: %s", parsed.Host)
	}

	if cached, ok := t.cached(rawURL); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; PolarisBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	var content string
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/pdf") || strings.HasSuffix(parsed.Path, ".pdf") {
		content, err = extractPDF(body)
		if err != nil {
			return "", fmt.Errorf("pdf extraction: %w", err)
		}
	} else {
		content = extractHTML(string(body), parsed)
	}

	t.store(rawURL, content)
	return content, nil
}

func (t *Tool) cached(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expires) {
		delete(t.cache, key)
		return "", false
	}
	return entry.content, true
}

func (t *Tool) store(key, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[key] = cacheEntry{content: content, expires: time.Now().Add(t.ttl)}
}

// extractHTML runs readability extraction with a regex-strip fallback.
func extractHTML(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return stripHTML(html)
}

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlAnyTagRe = regexp.MustCompile(`<[^>]+>`)
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

func stripHTML(html string) string {
	text := htmlTagRe.ReplaceAllString(html, "")
	text = htmlAnyTagRe.ReplaceAllString(text, " ")
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func extractPDF(body []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
