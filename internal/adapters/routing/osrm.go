// Package routing talks to an OSRM-compatible HTTP routing service.
package routing

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mutelu/internal/adapters/observability"
	"mutelu/internal/domain"
)

var (
	// ErrNoRoute means the service answered but found no path. It does not
	// count against the circuit breaker.
	ErrNoRoute    = errors.New("routing: no route")
	ErrBadRequest = errors.New("routing: bad request")
)

const maxAttempts = 3

type Client struct {
	base string
	hc   *http.Client
	lim  *rate.Limiter
}

type Option func(*Client)

// WithRateLimit spaces every outbound request, retries included, at least
// interval apart after an initial burst. A zero interval disables limiting.
func WithRateLimit(interval time.Duration, burst int) Option {
	return func(c *Client) {
		if interval <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.lim = rate.NewLimiter(rate.Every(interval), burst)
	}
}

func New(base string, timeout time.Duration, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("routing base URL is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: timeout},
		lim:  rate.NewLimiter(rate.Inf, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// profile maps a transport mode to the OSRM profile segment.
func profile(m domain.TransportMode) string {
	if m == domain.ModeWalking {
		return "foot"
	}
	return "driving"
}

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// Route returns the length in meters of the first route OSRM proposes.
func (c *Client) Route(ctx context.Context, origin, dest domain.Coord, mode domain.TransportMode) (float64, error) {
	// OSRM wants lon,lat
	url := fmt.Sprintf("%s/route/v1/%s/%s,%s;%s,%s?overview=false",
		c.base, profile(mode),
		fmtCoord(origin.Lon), fmtCoord(origin.Lat),
		fmtCoord(dest.Lon), fmtCoord(dest.Lat),
	)
	var out routeResponse
	if err := c.get(ctx, url, "route", &out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("%w: %s %s", ErrNoRoute, out.Code, out.Message)
	}
	return out.Routes[0].Distance, nil
}

func fmtCoord(f float64) string { return strconv.FormatFloat(f, 'f', 6, 64) }

// get performs a GET with retries on transport errors, 429 and transient 5xx,
// honoring Retry-After when provided. Each attempt waits on the rate limiter.
func (c *Client) get(ctx context.Context, url, endpoint string, out *routeResponse) error {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := c.lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the deadline can't fit another slot
			return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "mutelu/1.0")

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveExternal("osrm", endpoint, 0, time.Since(start))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
			if i < maxAttempts-1 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr
		}
		observability.ObserveExternal("osrm", endpoint, resp.StatusCode, time.Since(start))

		switch resp.StatusCode {
		case http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err

		case http.StatusBadRequest:
			// OSRM reports NoRoute/NoSegment/InvalidQuery as 400 with a code
			err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(out)
			resp.Body.Close()
			if err == nil && (out.Code == "NoRoute" || out.Code == "NoSegment") {
				return fmt.Errorf("%w: %s", ErrNoRoute, out.Code)
			}
			return fmt.Errorf("%w: %s %s", ErrBadRequest, out.Code, out.Message)

		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			wait := retryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = backoff(i)
			}
			lastErr = fmt.Errorf("%w: remote %d", domain.ErrProviderUnavailable, resp.StatusCode)
			if i < maxAttempts-1 && sleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
	}
	return lastErr
}

// sleepCtx waits for d or returns false early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After (seconds or HTTP-date). 0 if absent or invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff doubles from 200ms per attempt with up to +50% jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
