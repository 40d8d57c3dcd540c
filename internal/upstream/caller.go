// Package upstream wraps outbound vendor HTTP calls in a circuit breaker and
// a back-off retry loop. The CRM and telephony clients share it.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"callbridge/internal/metrics"
	"callbridge/pkg/logger"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker/v2"
)

// ErrServerError marks a 5xx/429 answer or a transport failure. Only these
// count against the breaker and only these are retried.
var ErrServerError = errors.New("upstream server error")

// StatusError is a non-retryable 4xx answer.
type StatusError struct {
	Upstream   string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Upstream, e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

type Settings struct {
	Name            string
	Timeout         time.Duration
	Attempts        int
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	BreakerFailures int
	BreakerInterval time.Duration
	BreakerTimeout  time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.Attempts <= 0 {
		s.Attempts = 3
	}
	if s.MinBackoff <= 0 {
		s.MinBackoff = 200 * time.Millisecond
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 2 * time.Second
	}
	if s.BreakerFailures <= 0 {
		s.BreakerFailures = 5
	}
	if s.BreakerInterval <= 0 {
		s.BreakerInterval = 30 * time.Second
	}
	if s.BreakerTimeout <= 0 {
		s.BreakerTimeout = 30 * time.Second
	}
	return s
}

// Budget is the longest one Do call can take with these settings: every
// attempt running to Timeout plus the widest back-off between them.
func (s Settings) Budget() time.Duration {
	s = s.withDefaults()
	return time.Duration(s.Attempts)*s.Timeout + time.Duration(s.Attempts-1)*s.MaxBackoff
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestFunc builds a fresh request per attempt; bodies are single-use.
type RequestFunc func(ctx context.Context) (*http.Request, error)

type Caller struct {
	name     string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[Response]
	attempts uint
	minDelay time.Duration
	maxDelay time.Duration
	log      *slog.Logger
}

func New(s Settings, log *slog.Logger) *Caller {
	s = s.withDefaults()
	log = logger.OrDefault(log).With("upstream", s.Name)

	cb := gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:     s.Name,
		Interval: s.BreakerInterval,
		Timeout:  s.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			log.Warn("circuit state changed", "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrServerError)
		},
	})

	return &Caller{
		name:     s.Name,
		http:     &http.Client{Timeout: s.Timeout},
		breaker:  cb,
		attempts: uint(s.Attempts),
		minDelay: s.MinBackoff,
		maxDelay: s.MaxBackoff,
		log:      log,
	}
}

// WithHTTPClient swaps the transport, e.g. for tests.
func (c *Caller) WithHTTPClient(h *http.Client) *Caller {
	c.http = h
	return c
}

// Do runs build+send under the breaker with retries on server errors.
// 2xx/3xx return the response; 4xx return *StatusError.
func (c *Caller) Do(ctx context.Context, build RequestFunc) (Response, error) {
	return c.breaker.Execute(func() (Response, error) {
		var resp Response
		err := retry.Do(
			func() error {
				r, err := c.once(ctx, build)
				resp = r
				return err
			},
			retry.Context(ctx),
			retry.Attempts(c.attempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(c.minDelay),
			retry.MaxDelay(c.maxDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return errors.Is(err, ErrServerError) }),
			retry.OnRetry(func(n uint, err error) {
				c.log.Warn("upstream call retry", "attempt", n+1, "err", err)
			}),
		)
		if err != nil {
			return Response{}, err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return resp, &StatusError{Upstream: c.name, StatusCode: resp.StatusCode, Body: resp.Body}
		}
		return resp, nil
	})
}

func (c *Caller) once(ctx context.Context, build RequestFunc) (Response, error) {
	req, err := build(ctx)
	if err != nil {
		return Response{}, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%w: %s: %v", ErrServerError, c.name, err)
	}
	defer func() {
		if cerr := res.Body.Close(); cerr != nil {
			c.log.Error("failed to close response body", "err", cerr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s: read body: %v", ErrServerError, c.name, err)
	}

	out := Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}
	if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
		return out, fmt.Errorf("%w: %s: status %d", ErrServerError, c.name, res.StatusCode)
	}
	return out, nil
}
