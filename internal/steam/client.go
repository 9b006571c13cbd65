// Package steam is the sole I/O boundary to the catalog source API. It
// enforces a minimum spacing between requests and a bounded retry budget
// with exponential backoff.
package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/arcade-insights/catalog-cli/internal/resilience"
)

// ErrNotFound means the endpoint reports the identifier does not exist.
// It is permanent: callers must not retry it.
var ErrNotFound = eris.New("steam: app not found")

// ErrRateLimited means the retry budget was exhausted on 429/5xx or
// network-level failures.
var ErrRateLimited = eris.New("steam: rate limited")

// The detail endpoint answers unknown appids with a placeholder record
// carrying this appid instead of a 404.
const placeholderAppID = 999999

// Config configures the API client. All values are internal constants
// from the application config, not per-call knobs.
type Config struct {
	AppListURL    string
	AppDetailsURL string
	UserAgent     string
	MaxRetries    int
	// RequestInterval is the minimum spacing between detail calls,
	// enforced even on success.
	RequestInterval time.Duration
	Timeout         time.Duration
	ListTimeout     time.Duration
}

// Client issues HTTP calls to the list and detail endpoints. It is safe
// for concurrent use; workers share the spacing clock.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a Client from cfg, applying defaults for zero values.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RequestInterval == 0 {
		cfg.RequestInterval = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ListTimeout == 0 {
		cfg.ListTimeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "catalog-cli/1.0"
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	retry.OnRetry = resilience.RetryLogger("steam", "get")

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
		retry:   retry,
	}
}

// AppList fetches the full set of known appids from the list endpoint.
func (c *Client) AppList(ctx context.Context) ([]int64, error) {
	body, err := c.get(ctx, c.cfg.AppListURL, c.cfg.ListTimeout)
	if err != nil {
		return nil, eris.Wrap(err, "steam: fetch app list")
	}

	var resp appListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "steam: decode app list")
	}

	ids := make([]int64, 0, len(resp.AppList.Apps))
	for _, app := range resp.AppList.Apps {
		if app.AppID != 0 {
			ids = append(ids, app.AppID)
		}
	}
	return ids, nil
}

// AppDetails fetches the detail record for one appid. Returns ErrNotFound
// when the endpoint does not know the identifier, ErrRateLimited when the
// retry budget is exhausted.
func (c *Client) AppDetails(ctx context.Context, appid int64) (*AppDetails, error) {
	u, err := url.Parse(c.cfg.AppDetailsURL)
	if err != nil {
		return nil, eris.Wrapf(err, "steam: parse detail URL %q", c.cfg.AppDetailsURL)
	}
	q := u.Query()
	q.Set("request", "appdetails")
	q.Set("appid", fmt.Sprintf("%d", appid))
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String(), c.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	var details AppDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, eris.Wrapf(err, "steam: decode details for %d", appid)
	}

	if details.AppID == placeholderAppID || details.Name == "" {
		return nil, eris.Wrapf(ErrNotFound, "appid %d", appid)
	}

	details.Raw = body
	return &details, nil
}

// get performs one rate-limited GET with the retry budget. Each attempt
// waits for the spacing clock and carries its own timeout; a timed-out
// attempt counts against the budget.
func (c *Client) get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "steam: rate limiter wait")
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "steam: create request")
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode == http.StatusNotFound {
			return nil, eris.Wrapf(ErrNotFound, "GET %s", rawURL)
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("steam: http %d from %s", resp.StatusCode, rawURL),
				resp.StatusCode,
			)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("steam: unexpected status %d from %s", resp.StatusCode, rawURL)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.NewTransientError(err, 0)
		}
		return data, nil
	})

	if err != nil && resilience.IsTransient(err) {
		return nil, eris.Wrapf(ErrRateLimited, "%d attempts exhausted: %v", c.retry.MaxAttempts, err)
	}
	return body, err
}
