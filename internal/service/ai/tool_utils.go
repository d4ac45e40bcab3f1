package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	FinanceToolRateLimit = 10
	FinanceToolRateWin   = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second
)

type toolUserContextKey struct{}
type progressContextKey struct{}

// ProgressFunc forwards a tool's intermediate payload to the client stream.
type ProgressFunc func(payload any)

type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	if idx > 0 {
		queue = queue[idx:]
	}
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	queue = append(queue, now)
	l.hits[key] = queue
	return true
}

func WithToolUser(ctx context.Context, userID int64) context.Context {
	if userID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, toolUserContextKey{}, userID)
}

func ToolUserFromContext(ctx context.Context) (int64, bool) {
	val := ctx.Value(toolUserContextKey{})
	if val == nil {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok && userID > 0
}

func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, progressContextKey{}, fn)
}

// Progress emits a tool progress payload when a writer is attached; otherwise
// it is a no-op so tools run the same with and without a live stream.
func Progress(ctx context.Context, payload any) {
	val := ctx.Value(progressContextKey{})
	if val == nil {
		return
	}
	if fn, ok := val.(ProgressFunc); ok {
		fn(payload)
	}
}

// amountPattern matches the first money-like figure in free text, with or
// without a currency symbol and thousands separators.
var amountPattern = regexp.MustCompile(`[\$€£]?\s*(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)

// ParseAmount extracts the first monetary amount from free text.
func ParseAmount(text string) (float64, bool) {
	match := amountPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	raw := strings.ReplaceAll(match[1], ",", "")
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || amount <= 0 {
		return 0, false
	}
	return amount, true
}

var creditKeywords = []string{"salary", "paycheck", "income", "deposit", "refund", "received", "bonus", "cashback"}

// DetectTransactionType guesses credit vs debit from transaction wording.
// Spending is the default.
func DetectTransactionType(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range creditKeywords {
		if strings.Contains(lower, kw) {
			return "credit"
		}
	}
	return "debit"
}

var categoryKeywords = map[string][]string{
	"Food & Dining":  {"grocery", "groceries", "restaurant", "coffee", "lunch", "dinner", "food", "cafe", "takeout", "pizza"},
	"Transport":      {"uber", "lyft", "taxi", "gas", "fuel", "bus", "train", "metro", "parking", "flight"},
	"Housing":        {"rent", "mortgage", "utilities", "electricity", "water bill", "internet bill"},
	"Entertainment":  {"netflix", "spotify", "movie", "cinema", "concert", "game", "subscription"},
	"Shopping":       {"amazon", "clothes", "clothing", "shoes", "electronics", "mall"},
	"Health":         {"pharmacy", "doctor", "gym", "dentist", "hospital", "medicine"},
	"Income":         {"salary", "paycheck", "bonus", "freelance", "dividend"},
}

// CategorizeText maps transaction wording onto a spending category with a
// confidence score. Keyword hits are confident, everything else falls back to
// Other at half confidence.
func CategorizeText(text string) (string, float64) {
	lower := strings.ToLower(text)
	for category, keywords := range categoryKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return category, 0.9
			}
		}
	}
	return "Other", 0.5
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "FinAssist-WebSearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}

	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
