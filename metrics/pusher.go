// Package metrics pushes thermometer readings to a Prometheus remote write endpoint.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/buffer"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// Config contains configuration for the Prometheus pusher
type Config struct {
	URL          string
	Username     string
	Password     string
	MetricPrefix string
	PushInterval time.Duration
	BatchSize    int
	// Attempts is the number of tries per batch, 3 when zero
	Attempts int
	// Backoff is the delay before the second attempt, doubled afterwards; 1s when zero
	Backoff time.Duration
}

// Pusher sends readings with the remote write protocol
type Pusher struct {
	cfg    Config
	client *http.Client
	buffer *buffer.Ring[*types.Reading]
	logger *zap.Logger
}

// New creates a pusher with an OpenTelemetry instrumented HTTP client.
// buf may be nil when only Push is used.
func New(cfg Config, buf *buffer.Ring[*types.Reading], logger *zap.Logger) *Pusher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 15 * time.Second
	}
	if cfg.MetricPrefix == "" {
		cfg.MetricPrefix = "lywsd03mmc"
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}

	return &Pusher{cfg: cfg, client: client, buffer: buf, logger: logger}
}

// Run pushes the buffered readings every push interval until ctx is done,
// then makes a last attempt to flush what is left.
func (p *Pusher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", p.cfg.PushInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			p.Flush(flushCtx)
			cancel()
			p.logger.Info("prometheus pusher stopped")
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush pushes the buffer content in batches. A failed batch and the ones
// after it go back to the buffer.
func (p *Pusher) Flush(ctx context.Context) {
	readings := p.buffer.Drain()
	if len(readings) == 0 {
		p.logger.Debug("no readings to push")
		return
	}

	for start := 0; start < len(readings); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(readings))
		if err := p.Push(ctx, readings[start:end]); err != nil {
			p.logger.Error("failed to push batch, keeping readings for the next push",
				zap.Error(err),
				zap.Int("kept_readings", len(readings)-start),
			)
			p.buffer.Push(readings[start:]...)
			return
		}
	}
}

// Push sends readings, retrying with exponential backoff
func (p *Pusher) Push(ctx context.Context, readings []*types.Reading) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.total_readings", len(readings))),
	)
	defer span.End()

	if len(readings) == 0 {
		return nil
	}

	req := &prompb.WriteRequest{Timeseries: BuildTimeSeries(ctx, p.cfg.MetricPrefix, readings)}

	var lastErr error
	backoff := p.cfg.Backoff
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		err := p.pushOnce(ctx, req)
		if err == nil {
			p.logger.Info("pushed readings to prometheus",
				zap.Int("readings", len(readings)),
				zap.Int("time_series", len(req.Timeseries)),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		lastErr = err
		p.logger.Warn("failed to push readings",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		span.AddEvent("push attempt failed", trace.WithAttributes(attribute.Int("metrics.attempt", attempt)))

		if attempt == p.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context cancelled")
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push readings after %d attempts: %w", p.cfg.Attempts, lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}
