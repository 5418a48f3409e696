// Package tools implements the tool registry and the built-in tool set. A
// tool declares a JSON Schema for its parameters and returns a string result;
// failures are strings with a leading "Error:" or "Warning:" marker, never
// panics or Go errors out of Execute.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tool is one capability the LLM can invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) string
}

// Optional capabilities, checked by the registry.

// ParallelSafe tools may run concurrently within one assistant turn.
type parallelSafe interface {
	ParallelSafe() bool
}

// Cacheable tools return a cache key for a parameter set; "" disables
// caching for that call.
type cacheable interface {
	CacheKey(args map[string]any) string
}

// cacheTTL bounds how long a cached result stays valid.
type cacheTTL interface {
	CacheTTL() time.Duration
}

// shouldCacher overrides the default "cache unless it is an error" rule.
type shouldCacher interface {
	ShouldCache(result string) bool
}

// maxRetrier overrides the default retry budget for retryable errors.
type maxRetrier interface {
	MaxRetries() int
}

// Errorf formats a permanent-by-convention tool error string.
func Errorf(format string, args ...any) string {
	return "Error: " + fmt.Sprintf(format, args...)
}

// Warnf formats a warning string. Warnings count toward the tool-error
// backoff streak but remain retryable.
func Warnf(format string, args ...any) string {
	return "Warning: " + fmt.Sprintf(format, args...)
}

// IsErrorResult reports whether a result string carries an error or warning
// marker.
func IsErrorResult(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "error:") || strings.HasPrefix(l, "warning:")
}

// permanentMarkers identify failures that retrying cannot fix.
var permanentMarkers = []string{
	"invalid parameters",
	"not permitted",
	"not found",
	"blocked by safety guard",
	"missing required",
	"url validation failed",
}

// IsRetryableResult reports whether an error result may succeed on retry.
func IsRetryableResult(s string) bool {
	if !IsErrorResult(s) {
		return false
	}
	l := strings.ToLower(s)
	for _, m := range permanentMarkers {
		if strings.Contains(l, m) {
			return false
		}
	}
	return true
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
