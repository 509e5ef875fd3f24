// Package binance is the REST collaborator for Binance USDT-M futures: the
// signed position check used to reconcile entries and the public klines
// endpoint used to backfill candle buffers.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"signal-engine/internal/circuit"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	defaultRequestsPerSecond = 10
	defaultBurst             = 20
	recvWindow               = "10000"
)

// APIError is a non-200 response from Binance.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the error is a rate limit or server-side fault.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 418 || e.StatusCode >= 500 ||
		e.Code == -1001 || e.Code == -1003
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Breaker           *circuit.Config
}

// Client performs rate-limited REST calls. Signed calls take the caller's
// credentials so one client serves every user.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuit.Breaker
	now        func() time.Time
	logger     zerolog.Logger
}

func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = FuturesBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	l := logger.With().Str("component", "BinanceClient").Logger()
	breaker := circuit.NewBreaker(cfg.Breaker)
	breaker.OnTrip(func(reason string) {
		l.Warn().Str("reason", reason).Msg("Binance REST circuit breaker tripped")
	})
	breaker.OnReset(func() {
		l.Info().Msg("Binance REST circuit breaker reset")
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:    breaker,
		now:        time.Now,
		logger:     l,
	}
}

// Credentials identify the account for signed endpoints.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// sign creates the HMAC-SHA256 signature of the canonical query string
func sign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs one GET. creds == nil makes an unsigned public request.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, creds *Credentials) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if creds != nil {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", recvWindow)
		query = params.Encode()
		query += "&signature=" + sign(strings.TrimSpace(creds.SecretKey), query)
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		req.Header.Set("X-MBX-APIKEY", strings.TrimSpace(creds.APIKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure(err)
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure(err)
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		if apiErr.Retryable() {
			c.breaker.RecordFailure(apiErr)
		}
		c.logger.Debug().Str("endpoint", endpoint).Int("status", resp.StatusCode).
			Str("used_weight", resp.Header.Get("X-MBX-USED-WEIGHT-1M")).Msg("Binance request failed")
		return nil, apiErr
	}

	c.breaker.RecordSuccess()
	return body, nil
}

// IsAPIError reports whether err carries a Binance API error.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
