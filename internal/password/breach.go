package password

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/procuredesk/guard/internal/audit"
	"github.com/procuredesk/guard/internal/breaker"
)

const (
	// DefaultBreachURL is the k-anonymity range endpoint; the 5-char prefix is appended
	DefaultBreachURL = "https://api.pwnedpasswords.com/range/"
	prefixLength     = 5
)

// BreachResult reports whether a password appears in the breach corpus
type BreachResult struct {
	IsBreached bool `json:"isBreached"`
	Count      int  `json:"count"`
}

// BreachConfig configures the breach lookup client
type BreachConfig struct {
	BaseURL string
	Timeout time.Duration
	// RPS throttles outbound lookups; 0 disables throttling
	RPS float64
}

// BreachChecker looks passwords up by SHA-1 prefix. Only the first five hex
// characters of the digest leave the process.
type BreachChecker struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *breaker.Breaker
	sink    audit.Sink
	logger  *slog.Logger
}

// NewBreachChecker creates a breach checker. br and sink may be nil.
func NewBreachChecker(cfg BreachConfig, br *breaker.Breaker, sink audit.Sink, logger *slog.Logger) *BreachChecker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBreachURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &BreachChecker{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, max(1, int(cfg.RPS))),
		breaker: br,
		sink:    sink,
		logger:  logger,
	}
}

// Check looks password up. Any lookup failure fails open with a zero result
// and a medium severity security event.
func (c *BreachChecker) Check(ctx context.Context, password string) BreachResult {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:prefixLength], digest[prefixLength:]

	lookup := func(ctx context.Context) (int, error) {
		return c.lookup(ctx, prefix, suffix)
	}

	var (
		count int
		err   error
	)
	if c.breaker != nil {
		count, err = breaker.Do(ctx, c.breaker, lookup)
	} else {
		count, err = lookup(ctx)
	}
	if err != nil {
		if ctx.Err() == nil {
			c.failed(ctx, err)
		}
		return BreachResult{}
	}
	return BreachResult{IsBreached: count > 0, Count: count}
}

func (c *BreachChecker) lookup(ctx context.Context, prefix, suffix string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("breach lookup throttled: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+prefix, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Add-Padding", "true")
	req.Header.Set("User-Agent", "procuredesk-guard")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("breach lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("breach lookup returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		candidate, countStr, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(candidate, suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return 0, fmt.Errorf("breach lookup malformed count: %w", err)
		}
		// Padding rows carry a zero count.
		return n, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("breach lookup read: %w", err)
	}
	return 0, nil
}

func (c *BreachChecker) failed(ctx context.Context, err error) {
	c.logger.WarnContext(ctx, "breach check failed open", slog.String("error", err.Error()))
	if c.sink == nil {
		return
	}
	c.sink.LogSecurityEvent(ctx, audit.Event{
		Type:        audit.EventBreachCheckFailed,
		Severity:    audit.SeverityMedium,
		Description: "Password breach lookup unavailable; password accepted without check",
		Details: map[string]any{
			"reason":      err.Error(),
			"circuitOpen": breaker.IsOpen(err),
		},
	})
}
