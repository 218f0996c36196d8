package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
)

const streamChunkSize = 32 * 1024

var errServerStatus = errors.New("server error status")

// HTTPConfig configures the HTTP transport
type HTTPConfig struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RequestsPerSecond limits each script separately; zero means unlimited
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// HTTPConfigFrom maps the environment configuration
func HTTPConfigFrom(cfg config.TransportConfig) HTTPConfig {
	return HTTPConfig{
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		RetryWaitMin:      500 * time.Millisecond,
		RetryWaitMax:      10 * time.Second,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		UserAgent:         cfg.UserAgent,
	}
}

// HTTP performs requests directly with resty over a retrying round tripper.
// Each script gets its own rate limiter; each target host its own breaker.
type HTTP struct {
	client   *resty.Client
	config   HTTPConfig
	breakers *resilience.Group
	logger   *logging.Logger

	mu       sync.Mutex
	limiters map[id.ScriptID]*rate.Limiter
	closed   bool
}

// NewHTTP creates an HTTP transport
func NewHTTP(cfg HTTPConfig, logger *logging.Logger) *HTTP {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("transport")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.Logger = nil
	// Scripts see the last response, 5xx included, instead of a give-up error
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient())
	restyClient.SetTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		restyClient.SetHeader("User-Agent", cfg.UserAgent)
	}

	breakers := resilience.NewGroup(resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 10 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.7)
		},
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Info("circuit breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &HTTP{
		client:   restyClient,
		config:   cfg,
		breakers: breakers,
		logger:   logger,
		limiters: make(map[id.ScriptID]*rate.Limiter),
	}
}

// Breakers exposes the per-host breaker states
func (h *HTTP) Breakers() map[string]resilience.State {
	return h.breakers.States()
}

// Do implements Transport
func (h *HTTP) Do(ctx context.Context, tag Tag, req *Request) (*Response, error) {
	r, done, err := h.prepare(ctx, tag, req)
	if err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		r.SetContext(ctx)
	}

	resp, err := r.Execute(normalizeMethod(req.Method), req.URL)
	if err != nil {
		done(err)
		h.logger.Debug("request failed", tagFields(tag, req, zap.Error(err))...)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	out := convertResponse(resp, req.URL)
	if out.Body, err = decodeBody(out.Headers, resp.Body()); err != nil {
		done(nil)
		return nil, err
	}
	done(statusErr(out.Status))

	h.logger.Debug("request completed", tagFields(tag, req, zap.Int("status", out.Status))...)
	return out, nil
}

// Stream implements Transport
func (h *HTTP) Stream(ctx context.Context, tag Tag, req *Request, sh StreamHandler) error {
	r, done, err := h.prepare(ctx, tag, req)
	if err != nil {
		return err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		r.SetContext(ctx)
	}
	r.SetDoNotParseResponse(true)

	resp, err := r.Execute(normalizeMethod(req.Method), req.URL)
	if err != nil {
		done(err)
		return fmt.Errorf("request failed: %w", err)
	}
	out := convertResponse(resp, req.URL)
	body, decoded, err := decodeStream(out.Headers, resp.RawBody())
	if err != nil {
		resp.RawBody().Close()
		done(nil)
		return err
	}
	defer body.Close()
	if sh.OnResponse != nil {
		sh.OnResponse(out)
	}

	total := int64(-1)
	if resp.RawResponse != nil && resp.RawResponse.ContentLength >= 0 && !decoded {
		total = resp.RawResponse.ContentLength
	}
	var loaded int64
	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			loaded += int64(n)
			if sh.OnChunk != nil {
				if err := sh.OnChunk(Chunk{Data: append([]byte(nil), buf[:n]...), Loaded: loaded, Total: total}); err != nil {
					done(nil)
					return err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			done(readErr)
			return fmt.Errorf("stream interrupted: %w", readErr)
		}
	}
	done(statusErr(out.Status))
	return nil
}

// Close implements Transport
func (h *HTTP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *HTTP) prepare(ctx context.Context, tag Tag, req *Request) (*resty.Request, func(error), error) {
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		return nil, nil, fmt.Errorf("invalid url %q", req.URL)
	}

	limiter, err := h.limiter(tag.ScriptID)
	if err != nil {
		return nil, nil, err
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit error: %w", err)
	}

	done, err := h.breakers.Get(target.Host).Allow()
	if err != nil {
		return nil, nil, fmt.Errorf("%s unavailable: %w", target.Host, err)
	}

	r := h.client.R().SetContext(ctx)
	for k, v := range req.Headers {
		if req.Anonymous && strings.EqualFold(k, "cookie") {
			continue
		}
		r.SetHeader(k, v)
	}
	if len(req.Body) > 0 {
		r.SetBody(bytes.NewReader(req.Body))
	}
	if req.User != "" {
		r.SetBasicAuth(req.User, req.Password)
	}
	return r, done, nil
}

func (h *HTTP) limiter(scriptID id.ScriptID) (*rate.Limiter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	l, ok := h.limiters[scriptID]
	if !ok {
		if h.config.RequestsPerSecond <= 0 {
			l = rate.NewLimiter(rate.Inf, 0)
		} else {
			burst := h.config.Burst
			if burst <= 0 {
				burst = int(h.config.RequestsPerSecond) + 1
			}
			l = rate.NewLimiter(rate.Limit(h.config.RequestsPerSecond), burst)
		}
		h.limiters[scriptID] = l
	}
	return l, nil
}

func convertResponse(resp *resty.Response, requested string) *Response {
	out := &Response{
		FinalURL:   requested,
		Status:     resp.StatusCode(),
		StatusText: http.StatusText(resp.StatusCode()),
		Headers:    resp.Header().Clone(),
		Elapsed:    resp.Time(),
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		out.FinalURL = raw.Request.URL.String()
	}
	return out
}

func statusErr(status int) error {
	if status >= 500 {
		return errServerStatus
	}
	return nil
}

func tagFields(tag Tag, req *Request, extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.String("script", tag.ScriptID.String()),
		zap.String("run_flag", tag.RunFlag.String()),
		zap.String("method", normalizeMethod(req.Method)),
		zap.String("url", req.URL),
	}
	return append(fields, extra...)
}
