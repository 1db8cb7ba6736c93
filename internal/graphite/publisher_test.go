package graphite

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/coverage-to-graphite/internal/observability"
	"github.com/kjstillabower/coverage-to-graphite/internal/testhelpers"
)

func testConfig(url string) Config {
	return Config{
		APIKey:         "hg-test-key",
		URL:            url,
		Timeout:        2 * time.Second,
		RetryAttempts:  1,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
		RequestID:      "req-123",
	}
}

func TestBuildMetric(t *testing.T) {
	tests := []struct {
		service, branch string
		pct             int
		want            string
	}{
		{"svc", "main", 87, "test.coverage.svc.main 87"},
		{"device-metadata-service", "master", 32, "test.coverage.device-metadata-service.master 32"},
		{"a", "b", 0, "test.coverage.a.b 0"},
		{"a b", "feature/x", 100, "test.coverage.a b.feature/x 100"},
	}
	for _, tt := range tests {
		if got := BuildMetric(tt.service, tt.branch, tt.pct); got != tt.want {
			t.Errorf("BuildMetric(%q, %q, %d) = %q, want %q", tt.service, tt.branch, tt.pct, got, tt.want)
		}
	}
}

func TestPublisher_PostMetric_Accepted(t *testing.T) {
	sink := testhelpers.NewSinkServer(t, "")
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := observability.NewMetrics()
	p := NewPublisher(testConfig(sink.URL()), zap.New(core), metrics)

	if err := p.PostMetric(context.Background(), "test.coverage.svc.main 87"); err != nil {
		t.Fatalf("PostMetric() error = %v", err)
	}

	reqs := sink.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	got := reqs[0]
	if got.Body != "test.coverage.svc.main 87" {
		t.Errorf("body = %q, want metric line", got.Body)
	}
	if !got.HasAuth || got.Username != "hg-test-key" || got.Password != "" {
		t.Errorf("basic auth = (%q, %q, %v), want (hg-test-key, \"\", true)", got.Username, got.Password, got.HasAuth)
	}
	if got.RequestID != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got.RequestID)
	}
	if ct := got.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}

	if logs.FilterMessage("metric sent").Len() != 1 {
		t.Error("expected a 'metric sent' log entry")
	}
	if v := testutil.ToFloat64(metrics.PublishAttemptsTotal.WithLabelValues("accepted")); v != 1 {
		t.Errorf("accepted attempts = %v, want 1", v)
	}
}

func TestPublisher_PostMetric_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"500 server error", http.StatusInternalServerError},
		{"401 unauthorized", http.StatusUnauthorized},
		{"200 is not accepted", http.StatusOK},
		{"204 is not accepted", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := testhelpers.NewSinkServer(t, "sink says no", tt.status)
			metrics := observability.NewMetrics()
			p := NewPublisher(testConfig(sink.URL()), nil, metrics)

			err := p.PostMetric(context.Background(), "test.coverage.svc.main 87")
			if err == nil {
				t.Fatal("PostMetric() expected error, got nil")
			}
			if !errors.Is(err, ErrPublishRejected) {
				t.Errorf("PostMetric() error = %v, want ErrPublishRejected", err)
			}
			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.status {
				t.Errorf("PostMetric() error = %v, want StatusError with %d", err, tt.status)
			}
			if tt.status != http.StatusNoContent && !strings.Contains(err.Error(), "sink says no") {
				t.Errorf("error %q does not contain response body", err.Error())
			}
			if v := testutil.ToFloat64(metrics.PublishErrorsTotal.WithLabelValues("rejected")); v != 1 {
				t.Errorf("rejected errors = %v, want 1", v)
			}
		})
	}
}

func TestPublisher_PostMetric_500MessageEmbedsStatusAndBody(t *testing.T) {
	sink := testhelpers.NewSinkServer(t, "internal failure", http.StatusInternalServerError)
	p := NewPublisher(testConfig(sink.URL()), nil, nil)

	err := p.PostMetric(context.Background(), "test.coverage.svc.main 87")
	if err == nil {
		t.Fatal("PostMetric() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "internal failure") {
		t.Errorf("error = %q, want status 500 and body", err.Error())
	}
}

func TestPublisher_PostMetric_NoRetryByDefault(t *testing.T) {
	sink := testhelpers.NewSinkServer(t, "busy", http.StatusServiceUnavailable, http.StatusAccepted)
	p := NewPublisher(Config{APIKey: "k", URL: sink.URL()}, nil, nil)

	if err := p.PostMetric(context.Background(), "m 1"); err == nil {
		t.Fatal("PostMetric() expected error, got nil")
	}
	if n := len(sink.Requests()); n != 1 {
		t.Errorf("expected 1 attempt with default policy, got %d", n)
	}
}

func TestPublisher_PostMetric_RetriesServerErrors(t *testing.T) {
	sink := testhelpers.NewSinkServer(t, "busy", http.StatusBadGateway, http.StatusTooManyRequests, http.StatusAccepted)
	cfg := testConfig(sink.URL())
	cfg.RetryAttempts = 3
	metrics := observability.NewMetrics()
	p := NewPublisher(cfg, nil, metrics)

	if err := p.PostMetric(context.Background(), "m 1"); err != nil {
		t.Fatalf("PostMetric() error = %v", err)
	}
	if n := len(sink.Requests()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if v := testutil.ToFloat64(metrics.PublishRetriesTotal); v != 2 {
		t.Errorf("retries = %v, want 2", v)
	}
}

func TestPublisher_PostMetric_ExhaustsRetries(t *testing.T) {
	sink := testhelpers.NewSinkServer(t, "down", http.StatusInternalServerError)
	cfg := testConfig(sink.URL())
	cfg.RetryAttempts = 2
	p := NewPublisher(cfg, nil, nil)

	err := p.PostMetric(context.Background(), "m 1")
	if err == nil {
		t.Fatal("PostMetric() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "exhausted 2 attempts") {
		t.Errorf("error = %q, want exhausted message", err.Error())
	}
	if !errors.Is(err, ErrPublishRejected) {
		t.Errorf("error = %v, want ErrPublishRejected", err)
	}
}

func TestPublisher_PostMetric_NoRetryOnClientError(t *testing.T) {
	sink := testhelpers.NewSinkServer(t, "bad key", http.StatusUnauthorized, http.StatusAccepted)
	cfg := testConfig(sink.URL())
	cfg.RetryAttempts = 3
	p := NewPublisher(cfg, nil, nil)

	if err := p.PostMetric(context.Background(), "m 1"); err == nil {
		t.Fatal("PostMetric() expected error, got nil")
	}
	if n := len(sink.Requests()); n != 1 {
		t.Errorf("expected 1 attempt (no retry on 401), got %d", n)
	}
}

func TestPublisher_PostMetric_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	metrics := observability.NewMetrics()
	p := NewPublisher(testConfig(url), nil, metrics)

	err := p.PostMetric(context.Background(), "m 1")
	if err == nil {
		t.Fatal("PostMetric() expected error, got nil")
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("PostMetric() error = %v, want ErrTransport", err)
	}
	if v := testutil.ToFloat64(metrics.PublishAttemptsTotal.WithLabelValues("error")); v != 1 {
		t.Errorf("error attempts = %v, want 1", v)
	}
}

func TestPublisher_PostMetric_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Timeout = 20 * time.Millisecond
	p := NewPublisher(cfg, nil, nil)

	err := p.PostMetric(context.Background(), "m 1")
	if err == nil {
		t.Fatal("PostMetric() expected timeout error, got nil")
	}
	if got := CategorizeError(err); got != ErrorCategoryTimeout {
		t.Errorf("CategorizeError() = %q, want %q (err = %v)", got, ErrorCategoryTimeout, err)
	}
}

func TestPublisher_PostMetric_ContextCanceled(t *testing.T) {
	sink := testhelpers.NewSinkServer(t, "")
	p := NewPublisher(testConfig(sink.URL()), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PostMetric(ctx, "m 1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("PostMetric() error = %v, want context.Canceled", err)
	}
}

func TestPublisher_Send(t *testing.T) {
	sink := testhelpers.NewSinkServer(t, "")
	metrics := observability.NewMetrics()
	p := NewPublisher(testConfig(sink.URL()), nil, metrics)

	if err := p.Send(context.Background(), "svc", "main", 87); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reqs := sink.Requests()
	if len(reqs) != 1 || reqs[0].Body != "test.coverage.svc.main 87" {
		t.Fatalf("requests = %+v, want one with body %q", reqs, "test.coverage.svc.main 87")
	}
	if v := testutil.ToFloat64(metrics.ReportedPercent); v != 87 {
		t.Errorf("reported percent = %v, want 87", v)
	}
}

func TestPublisher_Send_InvalidSegmentsNeverPost(t *testing.T) {
	tests := []struct {
		name, service, branch string
	}{
		{"empty branch", "svc", ""},
		{"slash in branch", "svc", "feature/x"},
		{"dot in service", "my.svc", "main"},
		{"space in service", "my svc", "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := testhelpers.NewSinkServer(t, "")
			p := NewPublisher(testConfig(sink.URL()), nil, nil)

			err := p.Send(context.Background(), tt.service, tt.branch, 50)
			if !errors.Is(err, ErrInvalidSegment) {
				t.Errorf("Send() error = %v, want ErrInvalidSegment", err)
			}
			if n := len(sink.Requests()); n != 0 {
				t.Errorf("expected no requests, got %d", n)
			}
		})
	}
}

func TestNewPublisher_Defaults(t *testing.T) {
	p := NewPublisher(Config{APIKey: "k"}, nil, nil)

	if p.url != DefaultSinkURL {
		t.Errorf("url = %q, want %q", p.url, DefaultSinkURL)
	}
	if p.client.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", p.client.Timeout)
	}
	if p.retryAttempts != 1 {
		t.Errorf("retryAttempts = %d, want 1", p.retryAttempts)
	}
	if p.requestID == "" {
		t.Error("requestID should be generated when unset")
	}
}

func TestPublisher_calculateBackoff(t *testing.T) {
	p := NewPublisher(Config{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}, nil, nil)

	tests := []struct {
		attempt int
		min     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{6, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		got := p.calculateBackoff(tt.attempt)
		max := tt.min + tt.min/10
		if got < tt.min || got > max {
			t.Errorf("calculateBackoff(%d) = %v, want in [%v, %v]", tt.attempt, got, tt.min, max)
		}
	}
}
