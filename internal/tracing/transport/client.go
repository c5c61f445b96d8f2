// Package transport delivers encoded trace payloads to the collector.
//
// Payloads go out as PUT /v0.4/traces with a JSON body of traces, gzipped
// when compression is on. Connection errors and 5xx responses are retried
// with exponential backoff; repeated failures open a circuit breaker so a
// dead collector costs one fast error per payload.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/resilience"
)

const (
	TracesPath = "/v0.4/traces"
	InfoPath   = "/info"

	PayloadVersion = "1"

	HeaderPayloadVersion = "X-Apmtrace-Payload-Version"
	HeaderTraceCount     = "X-Apmtrace-Trace-Count"
	HeaderLang           = "X-Apmtrace-Lang"

	userAgent = "apmtrace-go/1.0"
)

// StatusError is returned when the collector answers with an error status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned %d", e.Code)
	}
	return fmt.Sprintf("collector returned %d: %s", e.Code, e.Body)
}

// Response is the collector's answer to a payload
type Response struct {
	RateByService map[string]float64 `json:"rate_by_service"`
	// Bytes is the size of the request body that was sent
	Bytes int `json:"-"`
}

// Config configures a Client
type Config struct {
	AgentURL       string
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	RequestTimeout time.Duration
	Compression    bool
	Logger         *zap.Logger
	// Breaker guards Send; nil uses one with resilience.DefaultTripPolicy
	Breaker *resilience.Breaker
	// OnRetry is called before every retried attempt
	OnRetry func(attempt int)
}

// Client sends payloads to the collector
type Client struct {
	agentURL string
	compress bool
	http     *retryablehttp.Client
	info     *resty.Client
	breaker  *resilience.Breaker
	logger   *zap.Logger
	onRetry  func(int)

	retries atomic.Uint64
}

// NewClient creates a collector client
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	agentURL := strings.TrimRight(cfg.AgentURL, "/")

	c := &Client{
		agentURL: agentURL,
		compress: cfg.Compression,
		breaker:  cfg.Breaker,
		logger:   logger,
		onRetry:  cfg.OnRetry,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.RequestTimeout > 0 {
		retryClient.HTTPClient.Timeout = cfg.RequestTimeout
	}
	retryClient.Logger = logging.NewLeveled(logger)
	// hand the final response back so 5xx answers surface as StatusError
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		if attempt == 0 {
			return
		}
		c.retries.Add(1)
		if c.onRetry != nil {
			c.onRetry(attempt)
		}
	}
	c.http = retryClient

	if c.breaker == nil {
		c.breaker = resilience.New("collector", resilience.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: resilience.DefaultTripPolicy,
			IsFailure:   IsCollectorFailure,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("collector circuit changed state",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}

	c.info = resty.New().
		SetBaseURL(agentURL).
		SetTimeout(retryClient.HTTPClient.Timeout).
		SetHeader("User-Agent", userAgent).
		SetLogger(logger.Sugar()).
		SetJSONUnmarshaler(sonic.Unmarshal)

	return c
}

// IsCollectorFailure reports whether err means the collector is unhealthy.
// Cancelled sends and 4xx answers do not count.
func IsCollectorFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

// Send delivers p. It returns resilience.ErrCircuitOpen without a network
// call while the breaker is open.
func (c *Client) Send(ctx context.Context, p *Payload) (*Response, error) {
	body, err := p.Encode(c.compress)
	if err != nil {
		return nil, err
	}

	var resp *Response
	err = c.breaker.Do(func() error {
		var sendErr error
		resp, sendErr = c.send(ctx, body, p.Len())
		return sendErr
	})
	if err != nil {
		return nil, err
	}
	resp.Bytes = len(body)
	return resp, nil
}

func (c *Client) send(ctx context.Context, body []byte, traces int) (*Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.agentURL+TracesPath, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderPayloadVersion, PayloadVersion)
	req.Header.Set(HeaderTraceCount, strconv.Itoa(traces))
	req.Header.Set(HeaderLang, "go")
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send payload: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, &StatusError{Code: httpResp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	resp := &Response{}
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, resp); err != nil {
			c.logger.Debug("ignoring undecodable collector response", zap.Error(err))
		}
	}
	return resp, nil
}

// Retries returns the number of retried attempts so far
func (c *Client) Retries() uint64 {
	return c.retries.Load()
}

// BreakerState returns the state of the collector circuit
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}
