package epic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/healthprep/healthprep/internal/platform/errs"
)

const (
	maxAttempts = 5

	backoffBase = time.Second
	backoffCap  = 60 * time.Second

	requestTimeout = 30 * time.Second
	// Binary downloads carry scanned documents and get a longer leash.
	binaryTimeout = 120 * time.Second

	maxResponseBytes = 32 << 20
)

// Client is a tenant- and provider-scoped FHIR R4 client. Every request
// flows through the hourly rate gate, is recorded in the call ledger, and
// retries transient failures: one immediate retry, then exponential
// backoff with jitter.
type Client struct {
	hc        *http.Client
	baseURL   string
	key       ClientKey
	tokens    *TokenManager
	ledger    CallLedger
	metrics   CallMetrics
	gate      *RateGate
	hourlyCap int
	pacer     *rate.Limiter
	log       zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientConfig wires a Client. HourlyCap of zero disables the tenant gate;
// PacerRPS of zero disables client-side pacing.
type ClientConfig struct {
	BaseURL   string
	Key       ClientKey
	Tokens    *TokenManager
	Ledger    CallLedger
	Metrics   CallMetrics
	HourlyCap int
	PacerRPS  float64
	PacerBurst int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	var pacer *rate.Limiter
	if cfg.PacerRPS > 0 {
		burst := cfg.PacerBurst
		if burst <= 0 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.PacerRPS), burst)
	}
	return &Client{
		hc:        hc,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		key:       cfg.Key,
		tokens:    cfg.Tokens,
		ledger:    cfg.Ledger,
		metrics:   cfg.Metrics,
		gate:      NewRateGate(cfg.Ledger),
		hourlyCap: cfg.HourlyCap,
		pacer:     pacer,
		log:       cfg.Logger.With().Str("component", "epic_client").Str("tenant_id", cfg.Key.TenantID.String()).Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Key returns the credential key the client acts under.
func (c *Client) Key() ClientKey { return c.key }

// CallMetrics counts outbound calls by resource and outcome; nil disables
// it.
type CallMetrics interface {
	EMRCall(resource, outcome string)
}

func callOutcome(status int, err error) string {
	switch {
	case err != nil:
		return "network_error"
	case status >= 200 && status < 300:
		return "ok"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDelay is the wait before attempt n (n starts at 1 for the first
// retry). The first retry is immediate; later retries double from the base
// with jitter, capped.
func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := backoffBase << uint(attempt-2)
	if d > backoffCap {
		d = backoffCap
	}
	// Full jitter keeps concurrent workers from retrying in lockstep.
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return errs.Ef(errs.KindAuthRequired, "fhir server returned 401")
	case status == http.StatusForbidden:
		return errs.Ef(errs.KindForbidden, "fhir server returned 403")
	case status == http.StatusNotFound:
		return errs.Ef(errs.KindNotFound, "fhir server returned 404")
	case status == http.StatusTooManyRequests:
		return errs.Ef(errs.KindRateLimitExceeded, "fhir server returned 429")
	case status >= 500:
		return errs.Ef(errs.KindTransient, "fhir server returned %d: %s", status, truncate(body, 200))
	default:
		return errs.Ef(errs.KindPermanent, "fhir server returned %d: %s", status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// request is one outbound call description.
type request struct {
	method       string
	path         string // resource path, or absolute URL for paging links
	query        url.Values
	body         []byte
	contentType  string
	resourceType string
	timeout      time.Duration
}

func (c *Client) resolveURL(r request) string {
	if strings.HasPrefix(r.path, "http://") || strings.HasPrefix(r.path, "https://") {
		return r.path
	}
	u := c.baseURL + "/" + strings.TrimLeft(r.path, "/")
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	return u
}

// do runs one request with the full policy stack: tenant-hour gate, pacing,
// token attach, retries, 401 refresh-retry-once, and ledger recording.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	if r.timeout == 0 {
		r.timeout = requestTimeout
	}
	fullURL := c.resolveURL(r)

	refreshed := false
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}

		if err := c.gate.Allow(ctx, c.key.TenantID, c.hourlyCap); err != nil {
			return nil, err
		}
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx); err != nil {
				return nil, err
			}
		}

		token, err := c.tokens.AccessToken(ctx, c.key)
		if err != nil {
			return nil, err
		}

		body, status, err := c.roundTrip(ctx, r, fullURL, token)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if errs.Is(err, errs.KindAuthRequired) && status == http.StatusUnauthorized && !refreshed {
			// Expired server-side: refresh once and retry immediately.
			refreshed = true
			if _, rerr := c.tokens.ForceRefresh(ctx, c.key); rerr != nil {
				return nil, rerr
			}
			attempt--
			continue
		}
		if !errs.Retryable(err) {
			return nil, err
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Str("url", fullURL).Msg("fhir request failed, retrying")
	}
	return nil, fmt.Errorf("fhir request to %s exhausted %d attempts: %w", fullURL, maxAttempts, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, r request, fullURL, token string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var bodyReader io.Reader
	if r.body != nil {
		bodyReader = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, fullURL, bodyReader)
	if err != nil {
		return nil, 0, errs.Ef(errs.KindPermanent, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Authorization", "Bearer "+token)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	start := c.now()
	resp, err := c.hc.Do(req)
	elapsed := c.now().Sub(start)

	status := 0
	var respBody []byte
	if err == nil {
		status = resp.StatusCode
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
	}

	if c.ledger != nil {
		if lerr := c.ledger.Record(ctx, Call{
			TenantID:     c.key.TenantID,
			ProviderID:   c.key.ProviderID,
			Endpoint:     r.method + " " + r.path,
			ResourceType: r.resourceType,
			StatusCode:   status,
			DurationMS:   int(elapsed.Milliseconds()),
			Called:       start.UTC(),
		}); lerr != nil {
			c.log.Error().Err(lerr).Msg("failed to record fhir call")
		}
	}
	if c.metrics != nil {
		c.metrics.EMRCall(r.resourceType, callOutcome(status, err))
	}

	if err != nil {
		return nil, status, errs.Ef(errs.KindTransient, "fhir request: %v", err)
	}
	if serr := classifyStatus(status, respBody); serr != nil {
		return nil, status, serr
	}
	return respBody, status, nil
}
