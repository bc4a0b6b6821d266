package nhl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fortuna/nhlcrawler/internal/retry"
)

const (
	// BaseURL is the public NHL stats API root.
	BaseURL = "https://statsapi.web.nhl.com/api/v1"

	maxBodyBytes = 8 << 20
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ClientConfig configures a Client. Zero values fall back to defaults.
type ClientConfig struct {
	HTTPClient        *http.Client
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Policy

	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	Logger logrus.FieldLogger
}

// Client talks to the NHL stats API. One Client is shared by every worker of
// a crawl so connections, the rate limit and the breaker are shared too.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	retry      retry.Policy
	logger     logrus.FieldLogger
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "nhl_client")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = BaseURL
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}

	threshold := cfg.BreakerFailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nhl-stats-api",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUpstreamUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	logger.WithField("base_url", baseURL).Debug("NHL client created")

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		breaker:    breaker,
		retry:      policy,
		logger:     logger,
	}
}

// Schedule fetches every game in r, grouped by date in upstream order.
// Dates the upstream returns outside r are dropped.
func (c *Client) Schedule(ctx context.Context, r DateRange) ([]ScheduleDate, error) {
	query := url.Values{}
	query.Set("startDate", r.Start.Format(dateLayout))
	query.Set("endDate", r.End.Format(dateLayout))

	var resp scheduleResponse
	if err := c.get(ctx, "/schedule", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch schedule %s: %w", r, err)
	}
	if resp.Dates == nil {
		return nil, fmt.Errorf("fetch schedule %s: %w: missing dates", r, ErrUpstreamResponseInvalid)
	}

	var out []ScheduleDate
	for _, d := range *resp.Dates {
		date, err := time.Parse(dateLayout, d.Date)
		if err != nil {
			return nil, fmt.Errorf("fetch schedule %s: %w: bad date %q", r, ErrUpstreamResponseInvalid, d.Date)
		}
		if !r.Contains(date) {
			c.logger.WithFields(logrus.Fields{
				"event_date": d.Date,
				"range":      r.String(),
				"games":      len(d.Games),
			}).Warn("Schedule returned a date outside the requested range, ignoring")
			continue
		}

		group := ScheduleDate{Date: date, Games: make([]GameReference, 0, len(d.Games))}
		for _, g := range d.Games {
			if g.GamePk <= 0 {
				return nil, fmt.Errorf("fetch schedule %s: %w: game without gamePk on %s", r, ErrUpstreamResponseInvalid, d.Date)
			}
			group.Games = append(group.Games, GameReference{
				GameID:    strconv.FormatInt(g.GamePk, 10),
				EventDate: date,
			})
		}
		out = append(out, group)
	}

	return out, nil
}

// BoxScore fetches the box score for one game. A 404 is reported as
// ErrGameNotFound.
func (c *Client) BoxScore(ctx context.Context, gameID string) (*BoxScore, error) {
	if strings.TrimSpace(gameID) == "" {
		return nil, fmt.Errorf("fetch boxscore: %w: empty game id", ErrGameNotFound)
	}

	var box BoxScore
	path := "/game/" + url.PathEscape(gameID) + "/boxscore"
	if err := c.get(ctx, path, nil, ErrGameNotFound, &box); err != nil {
		return nil, fmt.Errorf("fetch boxscore %s: %w", gameID, err)
	}
	if box.Teams.Away == nil || box.Teams.Home == nil {
		return nil, fmt.Errorf("fetch boxscore %s: %w: missing teams.away or teams.home", gameID, ErrUpstreamResponseInvalid)
	}

	return &box, nil
}

// get performs a GET with rate limiting, circuit breaking and retries, and
// decodes the body into target.
func (c *Client) get(ctx context.Context, path string, query url.Values, notFound error, target interface{}) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	log := c.logger.WithField("url", fullURL)

	return c.retry.Do(ctx, func() error {
		body, err := c.execute(ctx, fullURL, notFound)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("%w: decode: %v (body: %s)", ErrUpstreamResponseInvalid, err, abbreviate(body))
		}
		return nil
	}, Retryable, func(attempt int, err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Warn("Upstream request failed, retrying")
	})
}

func (c *Client) execute(ctx context.Context, fullURL string, notFound error) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// The limiter refuses waits that would outlast the deadline.
		return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, fullURL, notFound)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, errBreakerOpen)
		}
		return nil, err
	}

	return out.([]byte), nil
}

func (c *Client) do(ctx context.Context, fullURL string, notFound error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.WithField("url", fullURL).Debug("GET")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: send request: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound && notFound != nil:
		return nil, fmt.Errorf("%w: status=%d", notFound, resp.StatusCode)
	case isRetryableStatus(resp.StatusCode):
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrUpstreamUnavailable, resp.StatusCode, abbreviate(body))
	default:
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrUpstreamResponseInvalid, resp.StatusCode, abbreviate(body))
	}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func abbreviate(body []byte) string {
	const limit = 200
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
