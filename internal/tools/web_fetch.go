package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const webFetchTextCap = 8000

// WebFetchTool downloads a page and extracts readable text. Results are JSON
// objects: {url, text, truncated, length} on success, {"error": ...} on
// fetch failure. Parallel-safe, cached with TTL.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its readable text content"
}
func (t *WebFetchTool) ParallelSafe() bool      { return true }
func (t *WebFetchTool) CacheTTL() time.Duration { return 15 * time.Minute }

func (t *WebFetchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetchTool) CacheKey(args map[string]any) string {
	u, _ := args["url"].(string)
	return strings.TrimSpace(u)
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) string {
	rawURL, _ := args["url"].(string)

	parsed, err := validateFetchURL(rawURL)
	if err != nil {
		return Errorf("url validation failed for %q: %v", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Errorf("url validation failed for %q: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; nanoclaw/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return fetchErrorJSON(rawURL, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fetchErrorJSON(rawURL, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return fetchErrorJSON(rawURL, fmt.Sprintf("read failed: %v", err))
	}

	text := extractText(string(body), parsed)
	truncated := false
	length := len(text)
	if length > webFetchTextCap {
		text = text[:webFetchTextCap]
		truncated = true
	}

	out, _ := json.Marshal(map[string]any{
		"url":       rawURL,
		"text":      text,
		"truncated": truncated,
		"length":    length,
	})
	return string(out)
}

// validateFetchURL rejects non-HTTP schemes and private or loopback hosts so
// the tool cannot be steered at internal services.
func validateFetchURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheme %q not allowed", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return nil, fmt.Errorf("host %q not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return nil, fmt.Errorf("private address %q not allowed", host)
	}
	if addrs, err := net.LookupIP(host); err == nil {
		for _, ip := range addrs {
			if isPrivateIP(ip) {
				return nil, fmt.Errorf("host %q resolves to a private address", host)
			}
		}
	}
	return parsed, nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func fetchErrorJSON(url, detail string) string {
	out, _ := json.Marshal(map[string]any{"error": detail, "url": url})
	return "Warning: " + string(out)
}

var htmlTagRe = regexp.MustCompile(`(?s)<[^>]*>`)
var htmlScriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
var blankRunRe = regexp.MustCompile(`\n{3,}`)

// extractText runs readability extraction with a tag-stripping fallback.
func extractText(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}

	stripped := htmlScriptRe.ReplaceAllString(html, "")
	stripped = htmlTagRe.ReplaceAllString(stripped, "\n")
	stripped = blankRunRe.ReplaceAllString(stripped, "\n\n")
	return strings.TrimSpace(stripped)
}
