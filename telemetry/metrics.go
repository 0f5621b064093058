package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

const NAMESPACE = "authz"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Received        *prometheus.CounterVec
	Handled         *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	Duplicates      *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	Published       *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	Connected       prometheus.Gauge
}

// NewMetrics creates and registers the collectors, plus the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "messages_received_total",
				Help:      "Messages delivered by JetStream, by event type and settle action.",
				Namespace: NAMESPACE,
			},
			[]string{"type", "action"},
		),
		Handled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "messages_handled_total",
				Help:      "Messages handled successfully.",
				Namespace: NAMESPACE,
			},
			[]string{"type"},
		),
		Failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "messages_failed_total",
				Help:      "Handler failures, split by permanent and transient.",
				Namespace: NAMESPACE,
			},
			[]string{"type", "permanent"},
		),
		Duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "messages_duplicate_total",
				Help:      "Redelivered messages skipped because they were already processed.",
				Namespace: NAMESPACE,
			},
			[]string{"type"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time.",
				Namespace: NAMESPACE,
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "publish_total",
				Help:      "Messages published, by transport.",
				Namespace: NAMESPACE,
			},
			[]string{"transport"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "publish_failures_total",
				Help:      "Failed publishes, by transport.",
				Namespace: NAMESPACE,
			},
			[]string{"transport"},
		),
		Connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:      "nats_connected",
				Help:      "1 while the NATS connection is up.",
				Namespace: NAMESPACE,
			},
		),
	}

	m.Registry.MustRegister(
		m.Received,
		m.Handled,
		m.Failed,
		m.Duplicates,
		m.HandlerDuration,
		m.Published,
		m.PublishFailures,
		m.Connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// SetConnected mirrors the NATS connection state.
func (m *Metrics) SetConnected(up bool) {
	if up {
		m.Connected.Set(1)
		return
	}

	m.Connected.Set(0)
}

// ObserveDelivery counts a settled delivery.
func (m *Metrics) ObserveDelivery(eventType, action string, duplicate bool) {
	m.Received.WithLabelValues(eventType, action).Inc()

	if duplicate {
		m.Duplicates.WithLabelValues(eventType).Inc()
	}
}

// Middleware times handlers and counts their results.
func (m *Metrics) Middleware() cbus.Middleware {
	return func(next cbus.HandlerFunc) cbus.HandlerFunc {
		return func(ctx context.Context, msg *cbus.Message) error {
			start := time.Now()
			err := next(ctx, msg)

			m.HandlerDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())

			if err != nil {
				permanent := "false"
				if berr.IsPermanent(err) {
					permanent = "true"
				}

				m.Failed.WithLabelValues(msg.Type, permanent).Inc()

				return err
			}

			m.Handled.WithLabelValues(msg.Type).Inc()

			return nil
		}
	}
}

// InstrumentPublisher counts publishes through p under the transport label.
func (m *Metrics) InstrumentPublisher(p cbus.Publisher, transport string) cbus.Publisher {
	return &countingPublisher{next: p, transport: transport, m: m}
}

type countingPublisher struct {
	next      cbus.Publisher
	transport string
	m         *Metrics
}

func (c *countingPublisher) Publish(ctx context.Context, msg *cbus.Message, opts cbus.PublishOptions) (cbus.Receipt, error) {
	r, err := c.next.Publish(ctx, msg, opts)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.m.PublishFailures.WithLabelValues(c.transport).Inc()
		}

		return r, err
	}

	c.m.Published.WithLabelValues(c.transport).Inc()

	return r, nil
}
