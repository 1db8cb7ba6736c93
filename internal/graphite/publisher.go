package graphite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/coverage-to-graphite/internal/observability"
)

// DefaultSinkURL is the HostedGraphite plaintext ingestion endpoint.
const DefaultSinkURL = "https://www.hostedgraphite.com/api/v1/sink"

// maxBodyBytes caps how much of a rejection body is kept for the error message.
const maxBodyBytes = 64 << 10

var (
	ErrPublishRejected = errors.New("publish rejected")
	ErrTransport       = errors.New("transport failure")
)

// StatusError is returned when the sink answers with anything other than 202.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: response is: %d, %s", ErrPublishRejected, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrPublishRejected }

// Config holds the sink location, credentials and the explicit timeout/retry policy.
type Config struct {
	APIKey         string
	URL            string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RequestID      string
}

// Publisher sends single metric lines to a HostedGraphite sink.
type Publisher struct {
	apiKey         string
	url            string
	requestID      string
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	logger         *zap.Logger
	metrics        *observability.Metrics
}

// NewPublisher builds a Publisher. Zero values fall back to: default sink URL, 30s timeout,
// one attempt (no retry). logger and metrics may be nil.
func NewPublisher(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Publisher {
	if cfg.URL == "" {
		cfg.URL = DefaultSinkURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.RequestID == "" {
		cfg.RequestID = uuid.New().String()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Publisher{
		apiKey:         cfg.APIKey,
		url:            cfg.URL,
		requestID:      cfg.RequestID,
		client:         &http.Client{Timeout: cfg.Timeout},
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		logger:         logger.With(zap.String("request_id", cfg.RequestID)),
		metrics:        metrics,
	}
}

// BuildMetric formats a Graphite plaintext line, e.g. "test.coverage.device-metadata-service.master 32".
// service and branch are used verbatim.
func BuildMetric(service, branch string, percentage int) string {
	return fmt.Sprintf("test.coverage.%s.%s %d", service, branch, percentage)
}

// Send validates the metric path segments, then builds and posts the line.
func (p *Publisher) Send(ctx context.Context, service, branch string, percentage int) error {
	if err := ValidateSegment(service); err != nil {
		p.recordFailure(err)
		return fmt.Errorf("service name %q: %w", service, err)
	}
	if err := ValidateSegment(branch); err != nil {
		p.recordFailure(err)
		return fmt.Errorf("branch name %q: %w", branch, err)
	}
	if p.metrics != nil {
		p.metrics.ReportedPercent.Set(float64(percentage))
	}
	return p.PostMetric(ctx, BuildMetric(service, branch, percentage))
}

// PostMetric posts line to the sink. Only 202 Accepted counts as success.
func (p *Publisher) PostMetric(ctx context.Context, line string) error {
	p.logger.Info("sending metric", zap.String("metric", line))

	var lastErr error
	for attempt := 0; attempt < p.retryAttempts; attempt++ {
		if attempt > 0 {
			if p.metrics != nil {
				p.metrics.PublishRetriesTotal.Inc()
			}
			delay := p.calculateBackoff(attempt)
			p.logger.Warn("retrying metric publish", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				p.recordFailure(ctx.Err())
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := p.post(ctx, line)
		if err == nil {
			p.logger.Info("metric sent", zap.String("metric", line))
			return nil
		}
		lastErr = err
		if !isRetryable(ctx, err) {
			break
		}
	}

	p.recordFailure(lastErr)
	if p.retryAttempts > 1 && isRetryable(ctx, lastErr) {
		return fmt.Errorf("exhausted %d attempts: %w", p.retryAttempts, lastErr)
	}
	return lastErr
}

func (p *Publisher) post(ctx context.Context, line string) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(line))
	if err != nil {
		p.observe("error", start)
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(p.apiKey, "")
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("X-Request-ID", p.requestID)

	resp, err := p.client.Do(req)
	if err != nil {
		p.observe("error", start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrTransport, ctxErr)
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	p.observe(statusLabel(resp.StatusCode), start)

	if resp.StatusCode != http.StatusAccepted {
		if readErr != nil {
			p.logger.Debug("read rejection body", zap.Error(readErr))
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (p *Publisher) observe(status string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.PublishAttemptsTotal.WithLabelValues(status).Inc()
	p.metrics.PublishDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func (p *Publisher) recordFailure(err error) {
	if p.metrics == nil || err == nil {
		return
	}
	p.metrics.PublishErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
}

// isRetryable reports whether another attempt could succeed: transport failures and 429/5xx.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return errors.Is(err, ErrTransport)
}

func (p *Publisher) calculateBackoff(attempt int) time.Duration {
	delay := float64(p.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.retryMaxDelay) {
		delay = float64(p.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode == http.StatusAccepted:
		return "accepted"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 200 && statusCode < 300:
		return "unexpected_2xx"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
