package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const firecrawlEndpoint = "https://api.firecrawl.dev/v1/scrape"

// FirecrawlTool scrapes JavaScript-heavy pages through the Firecrawl API,
// which renders the page and returns markdown. Parallel-safe, cached with
// TTL like web_fetch.
type FirecrawlTool struct {
	apiKey string
	client *http.Client
}

func NewFirecrawlTool(apiKey string) *FirecrawlTool {
	return &FirecrawlTool{
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *FirecrawlTool) Name() string { return "firecrawl_scrape" }
func (t *FirecrawlTool) Description() string {
	return "Scrape a URL with a rendering browser and return its content as markdown; use for pages web_fetch cannot read"
}
func (t *FirecrawlTool) ParallelSafe() bool      { return true }
func (t *FirecrawlTool) CacheTTL() time.Duration { return 15 * time.Minute }

func (t *FirecrawlTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to scrape",
			},
		},
		"required": []any{"url"},
	}
}

func (t *FirecrawlTool) CacheKey(args map[string]any) string {
	u, _ := args["url"].(string)
	return strings.TrimSpace(u)
}

func (t *FirecrawlTool) Execute(ctx context.Context, args map[string]any) string {
	if t.apiKey == "" {
		return Errorf("firecrawl_scrape is not configured: missing required Firecrawl API key")
	}
	rawURL, _ := args["url"].(string)
	if _, err := validateFetchURL(rawURL); err != nil {
		return Errorf("url validation failed for %q: %v", rawURL, err)
	}

	payload, _ := json.Marshal(map[string]any{
		"url":     rawURL,
		"formats": []string{"markdown"},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, firecrawlEndpoint, bytes.NewReader(payload))
	if err != nil {
		return Errorf("creating scrape request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return fetchErrorJSON(rawURL, fmt.Sprintf("scrape failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fetchErrorJSON(rawURL, fmt.Sprintf("read failed: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return fetchErrorJSON(rawURL, fmt.Sprintf("firecrawl API returned %d: %s", resp.StatusCode, truncateStr(string(body), 200)))
	}

	var fcResp struct {
		Success bool `json:"success"`
		Data    struct {
			Markdown string `json:"markdown"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &fcResp); err != nil || !fcResp.Success {
		return fetchErrorJSON(rawURL, "firecrawl returned an unparseable or failed response")
	}

	text := strings.TrimSpace(fcResp.Data.Markdown)
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
