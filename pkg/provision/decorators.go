package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// Retry Provisioner

type retryProvisioner struct {
	next   Provisioner
	config RetryConfig
}

type RetryConfig struct {
	MaxAttempt uint
	Delay      time.Duration
}

// NewRetryProvisioner retries Ensure for errors marked retryable (typically
// an external service still starting up). Non-retryable errors, conflicts in
// particular, fail immediately.
func NewRetryProvisioner(p Provisioner, config RetryConfig) Provisioner {
	return retryProvisioner{
		next:   p,
		config: config,
	}
}

func (p retryProvisioner) Name() string {
	return p.next.Name()
}

func (p retryProvisioner) Ensure(ctx context.Context) ([]Result, error) {
	var ret []Result

	err := retry.Do(
		func() error {
			results, err := p.next.Ensure(ctx)
			ret = results

			return err
		},
		retry.Context(ctx),
		retry.Attempts(p.config.MaxAttempt),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrRetryable)
		}),
		retry.Delay(p.config.Delay),
		retry.LastErrorOnly(true),
	)

	return ret, err
}

// Panic handler Provisioner

type panicHandler struct {
	next Provisioner
}

func NewPanicHandlerProvisioner(p Provisioner) Provisioner {
	return panicHandler{
		next: p,
	}
}

func (p panicHandler) Name() string {
	return p.next.Name()
}

func (p panicHandler) Ensure(ctx context.Context) (ret []Result, err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = NewError(
				fmt.Errorf("unexpected error: %v", r),
				CategoryInternal,
				p.next.Name(),
			)
		}
	}()

	ret, err = p.next.Ensure(ctx)

	return
}

// Metrics Provisioner

type MetricsConfig struct {
	Namespace string
	Buckets   []float64
}

// Metrics holds the collectors shared by every decorated step, so the
// registry sees a single registration per metric.
type Metrics struct {
	duration *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer, config MetricsConfig) (*Metrics, error) {
	buckets := config.Buckets
	if len(buckets) == 0 {
		buckets = []float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "step_duration_milliseconds",
		Help:      "Time taken to ensure each provisioning step.",
		Buckets:   buckets,
	}, []string{"step", "failed"})

	err := registry.Register(duration)
	if err != nil {
		return nil, fmt.Errorf("failed to register duration metric: %w", err)
	}

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "resource_outcome_total",
		Help:      "Resource count by provisioning outcome.",
	}, []string{"step", "outcome"})

	err = registry.Register(outcomes)
	if err != nil {
		return nil, fmt.Errorf("failed to register outcome metric: %w", err)
	}

	ret := &Metrics{
		duration: duration,
		outcomes: outcomes,
	}

	return ret, nil
}

type metricsDecorator struct {
	next    Provisioner
	metrics *Metrics
	clock   clockwork.Clock
}

func NewMetricsProvisioner(p Provisioner, metrics *Metrics, clock clockwork.Clock) Provisioner {
	return metricsDecorator{
		next:    p,
		metrics: metrics,
		clock:   clock,
	}
}

func (p metricsDecorator) Name() string {
	return p.next.Name()
}

func (p metricsDecorator) Ensure(ctx context.Context) ([]Result, error) {
	start := p.clock.Now()

	ret, err := p.next.Ensure(ctx)

	duration := p.clock.Since(start)
	durationMilli := float64(duration/time.Millisecond) + float64(duration%time.Millisecond)/float64(time.Millisecond)

	p.metrics.duration.WithLabelValues(p.next.Name(), fmt.Sprintf("%v", err != nil)).Observe(durationMilli)

	for _, result := range ret {
		p.metrics.outcomes.WithLabelValues(p.next.Name(), string(result.Outcome)).Inc()
	}

	return ret, err
}
