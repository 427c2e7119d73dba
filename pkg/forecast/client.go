package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/raterudder/solarforecast/pkg/common"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.forecast.solar"

// publicBurst is the number of calls per hour the keyless API allows per IP.
const publicBurst = 12

var apiKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9]{16}$`)

var (
	// ErrInvalidAPIKey is returned when the key is malformed or rejected.
	ErrInvalidAPIKey = errors.New("invalid forecast.solar api key")
	// ErrRateLimited is returned when the API quota is exhausted.
	ErrRateLimited = errors.New("forecast.solar rate limit reached")
	// ErrUnavailable is returned when the API could not be reached.
	ErrUnavailable = errors.New("forecast.solar unavailable")
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "solarforecast_api_request_duration_seconds",
	Help:    "Duration of Forecast.Solar API requests.",
	Buckets: prometheus.DefBuckets,
}, []string{"endpoint", "status"})

// RequestError is returned when the API rejected the request parameters.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("forecast.solar rejected request: status %d", e.Status)
	}
	return fmt.Sprintf("forecast.solar rejected request: status %d: %s", e.Status, e.Message)
}

// Plane describes one set of panels.
type Plane struct {
	Latitude  float64
	Longitude float64
	// Declination in degrees, 0 = horizontal.
	Declination float64
	// Azimuth in compass degrees, 180 = south.
	Azimuth float64
	// ModulesPower in watts.
	ModulesPower int
}

// Validator checks user supplied settings against the API.
type Validator interface {
	// ValidateAPIKey returns ErrInvalidAPIKey if the key is not accepted.
	ValidateAPIKey(ctx context.Context, apiKey string) error

	// ValidatePlane returns a *RequestError if the API refuses the location
	// or orientation. apiKey may be empty.
	ValidatePlane(ctx context.Context, apiKey string, plane Plane) error
}

// Client talks to the Forecast.Solar API.
type Client struct {
	client     *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	retryWait  time.Duration

	// limiter guards the public quota and only applies to keyless requests
	limiter *rate.Limiter
}

var _ Validator = (*Client)(nil)

// Configured sets up the Client from flags.
func Configured() *Client {
	apiURL := lflag.String("forecast-api-url", defaultBaseURL, "Base URL of the Forecast.Solar API")
	timeout := lflag.Duration("forecast-timeout", 10*time.Second, "Timeout for a single Forecast.Solar request")
	interval := lflag.Duration("forecast-min-interval", 5*time.Minute, "Average interval between Forecast.Solar requests once the burst is used (0 disables limiting)")

	c := &Client{}
	lflag.Do(func() {
		*c = *NewClient(*apiURL, common.HTTPClient(*timeout))
		if *interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(*interval), publicBurst)
		}
	})
	return c
}

// NewClient returns a Client for baseURL using client for transport.
func NewClient(baseURL string, client *http.Client) *Client {
	return &Client{
		client:     client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: 2,
		retryWait:  500 * time.Millisecond,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "forecast.solar",
			Timeout: time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			IsSuccessful: isAnswer,
		}),
	}
}

// isAnswer reports whether err is a definitive answer from the API rather
// than a transport or server failure.
func isAnswer(err error) bool {
	if err == nil {
		return true
	}
	var reqErr *RequestError
	return errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrRateLimited) || errors.As(err, &reqErr)
}

// APIAzimuth converts compass degrees (180 = south) into the API's convention
// where 0 = south, -90 = east and 90 = west.
func APIAzimuth(compass float64) float64 {
	return compass - 180
}

// ValidateAPIKey checks the key format locally and then asks the API whether
// the key belongs to an account.
func (c *Client) ValidateAPIKey(ctx context.Context, apiKey string) error {
	if !apiKeyPattern.MatchString(apiKey) {
		log.Ctx(ctx).DebugContext(ctx, "api key has invalid format", slog.Int("length", len(apiKey)))
		return ErrInvalidAPIKey
	}
	if err := c.get(ctx, "info", []string{apiKey, "info"}, true, nil); err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "api key accepted")
	return nil
}

// ValidatePlane runs the API's check endpoint for plane.
func (c *Client) ValidatePlane(ctx context.Context, apiKey string, plane Plane) error {
	var parts []string
	if apiKey != "" {
		parts = append(parts, apiKey)
	}
	parts = append(parts,
		"check",
		formatFloat(plane.Latitude),
		formatFloat(plane.Longitude),
		formatFloat(plane.Declination),
		formatFloat(APIAzimuth(plane.Azimuth)),
		formatFloat(float64(plane.ModulesPower)/1000),
	)
	return c.get(ctx, "check", parts, apiKey != "", nil)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// RateLimit is the quota information the API returns with every response.
type RateLimit struct {
	Period    int `json:"period"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type response struct {
	Result  json.RawMessage `json:"result"`
	Message struct {
		Code      int        `json:"code"`
		Type      string     `json:"type"`
		Text      string     `json:"text"`
		RateLimit *RateLimit `json:"ratelimit"`
	} `json:"message"`
}

// get performs a GET with retries for transient failures. Answers from the
// API (bad key, bad parameters, quota) are returned immediately. Keyless
// requests over the public quota fail with ErrRateLimited without reaching
// the API or the breaker.
func (c *Client) get(ctx context.Context, endpoint string, parts []string, keyed bool, dest any) error {
	u, err := url.JoinPath(c.baseURL, parts...)
	if err != nil {
		return fmt.Errorf("failed to build url: %w", err)
	}
	if !keyed && c.limiter != nil && !c.limiter.Allow() {
		log.Ctx(ctx).WarnContext(ctx, "public forecast.solar quota used up", slog.String("endpoint", endpoint))
		return ErrRateLimited
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait

	var attempt int
	op := func() error {
		attempt++
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.do(ctx, endpoint, u, dest)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrUnavailable, err))
		case isAnswer(err), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		log.Ctx(ctx).WarnContext(ctx, "forecast.solar request failed", slog.String("endpoint", endpoint), slog.Int("attempt", attempt), slog.Any("error", err))
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}

func (c *Client) do(ctx context.Context, endpoint, u string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		requestDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	requestDuration.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}

	var res response
	if len(body) > 0 {
		if err := json.Unmarshal(body, &res); err != nil && resp.StatusCode == http.StatusOK {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode forecast.solar response", slog.Any("error", err), slog.String("body", string(body)))
			return fmt.Errorf("%w: failed to decode response: %w", ErrUnavailable, err)
		}
	}
	if rl := res.Message.RateLimit; rl != nil {
		log.Ctx(ctx).DebugContext(ctx, "forecast.solar quota", slog.Int("limit", rl.Limit), slog.Int("remaining", rl.Remaining))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		log.Ctx(ctx).InfoContext(ctx, "forecast.solar rejected api key", slog.String("message", res.Message.Text))
		return ErrInvalidAPIKey
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &RequestError{Status: resp.StatusCode, Message: res.Message.Text}
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	if dest != nil {
		if err := json.Unmarshal(res.Result, dest); err != nil {
			return fmt.Errorf("failed to decode forecast.solar result: %w", err)
		}
	}
	return nil
}
