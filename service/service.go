// Package service wires the authz components together and runs them until the context ends.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-authz-service/adapters/inmemory"
	"github.com/next-trace/scg-authz-service/adapters/jetstream"
	"github.com/next-trace/scg-authz-service/adapters/kafka"
	"github.com/next-trace/scg-authz-service/adapters/rabbitmq"
	"github.com/next-trace/scg-authz-service/config"
	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	"github.com/next-trace/scg-authz-service/dispatcher"
	"github.com/next-trace/scg-authz-service/httpapi"
	"github.com/next-trace/scg-authz-service/memory"
	"github.com/next-trace/scg-authz-service/storage"
	"github.com/next-trace/scg-authz-service/telemetry"
	"github.com/next-trace/scg-authz-service/workflow"
)

const (
	httpShutdownTimeout = 5 * time.Second
	readHeaderTimeout   = 10 * time.Second
	minJanitorInterval  = time.Minute
	maxJanitorInterval  = time.Hour
)

// Purger drops processed-message keys recorded before a point in time.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Service owns every long-lived component of the process.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	conn       *jetstream.Manager
	dispatcher *dispatcher.Dispatcher
	subscriber *jetstream.Subscriber
	http       *httpapi.Server

	purger   Purger
	cleanups []func() error
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	dialer jetstream.Dialer
	tracer trace.TracerProvider
}

// WithDialer replaces nats.Connect, mostly for tests.
func WithDialer(d jetstream.Dialer) Option {
	return func(o *serviceOptions) { o.dialer = d }
}

// WithTracerProvider records consumer spans with tp. Without it the global provider is used, which
// stays a no-op unless the host installs an SDK with otel.SetTracerProvider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *serviceOptions) { o.tracer = tp }
}

// New builds the service from cfg. Nothing touches the network until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	o := serviceOptions{tracer: otel.GetTracerProvider()}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}

	ok := false
	defer func() {
		if !ok {
			s.cleanup()
		}
	}()

	prop := telemetry.NewPropagator()

	processed, roles, err := s.openStores()
	if err != nil {
		return nil, err
	}

	mopts := []jetstream.ManagerOption{jetstream.WithStateHook(s.metrics.SetConnected)}
	if o.dialer != nil {
		mopts = append(mopts, jetstream.WithDialer(o.dialer))
	}

	s.conn, err = jetstream.NewManager(jetstream.Config{
		URL:         cfg.NATSURL,
		Name:        cfg.ServiceName,
		ConnTimeout: 5 * time.Second,
	}, logger, mopts...)
	if err != nil {
		return nil, err
	}

	s.cleanups = append(s.cleanups, s.conn.Close)

	gateway := s.metrics.InstrumentPublisher(jetstream.NewPublisher(s.conn,
		jetstream.WithSource(cfg.ServiceName),
		jetstream.WithExpectedStream(cfg.Stream.Name),
		jetstream.WithPropagator(prop),
		jetstream.WithPublisherLogger(logger),
	), config.TransportJetStream)

	events, err := s.eventPublisher(gateway, prop)
	if err != nil {
		return nil, err
	}

	s.dispatcher = dispatcher.New(processed, logger)
	s.dispatcher.Use(
		telemetry.Tracing(o.tracer),
		dispatcher.Logging(logger),
		s.metrics.Middleware(),
		dispatcher.Recover(logger),
	)

	wopts := []workflow.Option{workflow.WithDefaultRole(cfg.DefaultRole)}
	if len(cfg.Policy) > 0 {
		wopts = append(wopts, workflow.WithPolicy(workflow.Policy(cfg.Policy)))
	}

	wf, err := workflow.New(roles, events, logger, wopts...)
	if err != nil {
		return nil, err
	}

	if err := wf.Register(s.dispatcher); err != nil {
		return nil, err
	}

	s.subscriber = jetstream.NewSubscriber(s.conn, s.dispatcher, logger,
		jetstream.WithExtractor(prop),
		jetstream.WithSettleHook(func(msg *cbus.Message, outcome dispatcher.Outcome, action jetstream.Action) {
			s.metrics.ObserveDelivery(msg.Type, action.String(), outcome == dispatcher.Duplicate)
		}),
	)

	s.http = httpapi.New(gateway, httpapi.StatusFunc(s.conn.Connected), s.metrics.Handler(), cfg.ServiceName, logger)

	ok = true

	return s, nil
}

// openStores picks SQLite when a database path is configured, memory otherwise.
func (s *Service) openStores() (dispatcher.ProcessedStore, workflow.RoleStore, error) {
	if s.cfg.DBPath == "" {
		s.logger.Warn("DB_PATH is empty, processed messages and roles are kept in memory")

		p := memory.NewProcessedStore()
		s.purger = p

		return p, memory.NewRoleStore(), nil
	}

	db, err := storage.Open(s.cfg.DBPath, s.logger)
	if err != nil {
		return nil, nil, err
	}

	s.cleanups = append(s.cleanups, db.Close)

	p := db.Processed()
	s.purger = p

	return p, db.Roles(), nil
}

// eventPublisher returns the publisher for workflow output. JetStream reuses the gateway publisher.
func (s *Service) eventPublisher(gateway cbus.Publisher, prop telemetry.Propagator) (cbus.Publisher, error) {
	switch s.cfg.PublishTransport {
	case config.TransportJetStream:
		return gateway, nil
	case config.TransportRabbitMQ:
		ad, cleanup, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: s.cfg.RabbitMQURL}, s.logger)
		if err != nil {
			return nil, err
		}

		ad.Propagator = prop
		s.cleanups = append(s.cleanups, func() error { cleanup(); return nil })

		return s.metrics.InstrumentPublisher(ad, config.TransportRabbitMQ), nil
	case config.TransportKafka:
		ad, cleanup, err := kafka.NewWithKgo(kafka.Config{Brokers: s.cfg.KafkaBrokers, ClientID: s.cfg.ServiceName})
		if err != nil {
			return nil, err
		}

		ad.Propagator = prop
		s.cleanups = append(s.cleanups, func() error { cleanup(); return nil })

		return s.metrics.InstrumentPublisher(ad, config.TransportKafka), nil
	case config.TransportMemory:
		return s.metrics.InstrumentPublisher(inmemory.New(), config.TransportMemory), nil
	default:
		return nil, fmt.Errorf("unknown publish transport %q", s.cfg.PublishTransport)
	}
}

// Handler exposes the HTTP gateway.
func (s *Service) Handler() http.Handler { return s.http }

// Connected reports whether NATS is currently connected.
func (s *Service) Connected() bool { return s.conn.Connected() }

// Run serves HTTP right away, connects to NATS in the background and starts the consumers once
// connected. It returns after ctx ends (or the HTTP server fails) and every component has shut down.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.http,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	httpErr := make(chan error, 1)

	go func() {
		s.logger.Info("starting http server", "addr", s.cfg.HTTPAddr)

		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}

		httpErr <- err
	}()

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		s.startConsumers(ctx)
	}()

	go func() {
		defer wg.Done()
		s.janitor(ctx)
	}()

	var runErr error

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
		s.logger.Error("http server stopped", "err", err)
		httpErr <- nil
	}

	cancel()
	wg.Wait()

	s.subscriber.Stop()

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "err", err)
	}

	<-httpErr

	return errors.Join(runErr, s.cleanup())
}

// startConsumers blocks until NATS is connected, ensures the stream and starts every consumer.
func (s *Service) startConsumers(ctx context.Context) {
	if err := s.conn.Connect(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Error("nats connect", "err", err)
		}

		return
	}

	spec := jetstream.StreamSpec{
		Name:       s.cfg.Stream.Name,
		Subjects:   s.cfg.Stream.Subjects,
		Storage:    s.cfg.Stream.Storage,
		MaxAge:     s.cfg.Stream.MaxAge,
		Duplicates: s.cfg.Stream.Duplicates,
		Replicas:   s.cfg.Stream.Replicas,
	}

	backoff := jetstream.DefaultBackoff

	for attempt := 1; ; attempt++ {
		_, err := s.conn.EnsureStream(ctx, spec)
		if err == nil {
			break
		}

		if ctx.Err() != nil {
			return
		}

		delay := backoff.Delay(attempt)
		s.logger.Warn("ensure stream failed, retrying", "stream", spec.Name, "attempt", attempt, "retry_in", delay, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if err := s.subscriber.Start(ctx, s.consumerSpecs()...); err != nil {
		s.logger.Error("start consumers", "err", err)
	}
}

// consumerSpecs maps the configured consumers to durable specs. Every consumer feeds the workflow
// dispatcher, so without an explicit filter it only receives workflow inputs, never the results the
// workflows publish into the same stream.
func (s *Service) consumerSpecs() []jetstream.ConsumerSpec {
	all := append([]config.ConsumerConfig{s.cfg.Consumer}, s.cfg.Consumers...)
	specs := make([]jetstream.ConsumerSpec, 0, len(all))

	for _, c := range all {
		filters := c.FilterSubjects
		if len(filters) == 0 {
			filters = workflow.InboundSubjects()
		}

		specs = append(specs, jetstream.ConsumerSpec{
			Stream:         s.cfg.Stream.Name,
			Durable:        c.Name,
			FilterSubjects: filters,
			AckWait:        c.AckWait,
			MaxDeliver:     c.MaxDeliver,
			MaxAckPending:  c.MaxAckPending,
		})
	}

	return specs
}

// janitor purges processed keys older than the retention until ctx ends.
func (s *Service) janitor(ctx context.Context) {
	retention := s.cfg.ProcessedRetention
	if retention <= 0 {
		return
	}

	interval := min(max(retention/4, minJanitorInterval), maxJanitorInterval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx, time.Now().Add(-retention))
		}
	}
}

func (s *Service) purge(ctx context.Context, before time.Time) {
	n, err := s.purger.Purge(ctx, before)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("purge processed messages", "err", err)
		}

		return
	}

	if n > 0 {
		s.logger.Info("purged processed messages", "count", n, "before", before)
	}
}

// cleanup closes resources in reverse order of creation.
func (s *Service) cleanup() error {
	var errs []error

	for i := len(s.cleanups) - 1; i >= 0; i-- {
		if err := s.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}

	s.cleanups = nil

	return errors.Join(errs...)
}
