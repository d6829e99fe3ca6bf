package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

const (
	defaultRatePerSec = 5
	maxRetries        = 3
	baseRetryWait     = 500 * time.Millisecond
	maxPages          = 1000
)

// accountsPage es una página del listado de prestatarios del indexer.
type accountsPage struct {
	Accounts   []string `json:"accounts"`
	NextCursor string   `json:"next_cursor"`
}

// IndexerClient implementa ports.PositionSource sobre la API HTTP de un indexer:
// GET {base}/accounts?cursor=... → {"accounts": [...], "next_cursor": "..."}.
type IndexerClient struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewIndexerClient crea un cliente para base con su propio rate limiter.
func NewIndexerClient(base string, ratePerSec float64) *IndexerClient {
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	return &IndexerClient{
		http:    &http.Client{Timeout: 10 * time.Second},
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 2),
	}
}

// ListAccounts recorre todas las páginas. Las direcciones mal formadas se ignoran.
func (c *IndexerClient) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var out []domain.Account
	cursor := ""
	for page := 0; page < maxPages; page++ {
		u, err := url.Parse(c.base + "/accounts")
		if err != nil {
			return nil, fmt.Errorf("positions.ListAccounts: bad base url: %w", err)
		}
		if cursor != "" {
			q := u.Query()
			q.Set("cursor", cursor)
			u.RawQuery = q.Encode()
		}

		var resp accountsPage
		if err := c.get(ctx, u.String(), &resp); err != nil {
			return nil, fmt.Errorf("positions.ListAccounts: page %d: %w", page, err)
		}

		for _, s := range resp.Accounts {
			a, err := domain.ParseAccount(s)
			if err != nil {
				slog.Debug("positions: skipping malformed account", "value", s)
				continue
			}
			out = append(out, a)
		}

		if resp.NextCursor == "" || resp.NextCursor == cursor {
			return out, nil
		}
		cursor = resp.NextCursor
	}
	return out, fmt.Errorf("positions.ListAccounts: more than %d pages", maxPages)
}

// get hace un GET con rate limiting y reintentos.
func (c *IndexerClient) get(ctx context.Context, rawURL string, out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries || ctx.Err() != nil {
				return fmt.Errorf("request failed after %d retries: %w", attempt, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server status %d after %d retries", resp.StatusCode, maxRetries)
			}
			slog.Warn("positions: indexer unavailable, retrying", "status", resp.StatusCode, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando ctx.
func (c *IndexerClient) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
