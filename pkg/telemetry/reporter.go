// Package telemetry uploads driving state transitions to a remote endpoint.
//
// Reporting is fire-and-forget: every Report call starts an independent
// upload and returns immediately. Failed uploads are logged and dropped;
// there is no retry queue and no backpressure onto the sampling pipeline.
// Ordering across reports is not guaranteed.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
	"github.com/markus-lassfolk/drivedetect/pkg/metrics"
)

// ErrDeliveryFailed wraps every upload failure
var ErrDeliveryFailed = errors.New("telemetry delivery failed")

// StatusError reports a non-2xx response from the endpoint
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d", e.Code)
}

// Config holds the static telemetry configuration
type Config struct {
	Enabled   bool          `json:"enabled"`
	URL       string        `json:"url"`
	Timeout   time.Duration `json:"timeout"` // transport-level bound, not per-report cancellation
	UserAgent string        `json:"user_agent"`
}

// DefaultConfig returns the default telemetry configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Timeout:   10 * time.Second,
		UserAgent: "drivedetect/1.0.0",
	}
}

// Reporter posts each transition as {isDriving, speed, latitude, longitude}
type Reporter struct {
	config  *Config
	logger  *logx.Logger
	client  *http.Client
	metrics *metrics.Metrics
	perf    *logx.PerformanceLogger

	inflight sync.WaitGroup
}

// NewReporter creates a reporter. A nil client gets one bounded by config.Timeout.
func NewReporter(config *Config, logger *logx.Logger, m *metrics.Metrics, client *http.Client) *Reporter {
	if config == nil {
		config = DefaultConfig()
	}
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Reporter{
		config:  config,
		logger:  logger,
		client:  client,
		metrics: m,
		perf:    logx.NewPerformanceLogger(logger, 2*time.Second),
	}
}

// Enabled reports whether uploads are configured
func (r *Reporter) Enabled() bool {
	return r.config.Enabled && r.config.URL != ""
}

// Report starts the upload of ev on its own goroutine and returns immediately
func (r *Reporter) Report(ev pkg.StateTransitionEvent) {
	if !r.Enabled() {
		r.logger.Debug("Telemetry disabled, skipping report", "is_driving", ev.IsDriving)
		return
	}

	status := ev.Status()
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()

		op := r.perf.Start("telemetry_report")
		err := r.send(context.Background(), status)
		d := op.Complete(err)

		if err != nil {
			r.metrics.TelemetryFailed(failureReason(err), d)
			r.logger.Error("Telemetry report dropped",
				"url", r.config.URL,
				"is_driving", status.IsDriving,
				"error", err)
			return
		}
		r.metrics.TelemetrySent(d)
	}()
}

// Wait blocks until every started upload has finished
func (r *Reporter) Wait() {
	r.inflight.Wait()
}

// PerformanceMetric returns the running upload statistics
func (r *Reporter) PerformanceMetric() (logx.PerformanceMetric, bool) {
	return r.perf.Metric("telemetry_report")
}

func (r *Reporter) send(ctx context.Context, status pkg.DrivingStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %w", ErrDeliveryFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrDeliveryFailed, err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if r.config.UserAgent != "" {
		req.Header.Set("User-Agent", r.config.UserAgent)
	}
	req.Close = true

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, &StatusError{Code: resp.StatusCode})
	}

	r.logger.Debug("Telemetry report sent",
		"url", r.config.URL,
		"status", resp.StatusCode,
		"request_id", requestID,
		"is_driving", status.IsDriving)
	return nil
}

func failureReason(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return "status"
	}
	return "transport"
}
