package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/consumer"
	"github.com/withObsrvr/yellowstone-ingestor/internal/config"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/control"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/metrics"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/pipeline"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/source/yellowstone"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/subscription"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

type Options struct {
	// Stdout additionally prints every routed envelope.
	Stdout bool
}

type SourceAdapter interface {
	Run(context.Context) error
	Subscribe(processor.Processor)
}

// Publisher is the broker sink. Its health check gates startup.
type Publisher interface {
	processor.Processor
	CheckConnection(context.Context) error
	Close() error
}

type ControlClient interface {
	Register(ctx context.Context, metadata map[string]string) error
	StartHeartbeat(ctx context.Context, interval time.Duration)
	SetMetricsProvider(control.MetricsProvider)
	SetHealthChecker(control.HealthChecker)
	Close() error
}

// Factories create the pipeline's external components.
type Factories struct {
	CreateSource        func(*config.Config, subscription.Config, metrics.Recorder, *logrus.Entry) (SourceAdapter, error)
	CreatePublisher     func(*config.Config, metrics.Recorder, *logrus.Entry) (Publisher, error)
	CreateSlotSink      func(context.Context, *config.Config, *logrus.Entry) (consumer.Consumer, error)
	CreateControlClient func(*config.Config, *logrus.Entry) (ControlClient, error)
}

// DefaultFactories wires the production gRPC source, Kafka publisher, Redis
// sink and flowctl client.
func DefaultFactories() Factories {
	return Factories{
		CreateSource: func(cfg *config.Config, sub subscription.Config, rec metrics.Recorder, logger *logrus.Entry) (SourceAdapter, error) {
			dial, err := yellowstone.NewGRPCDialer(yellowstone.DialConfig{
				Endpoint:       cfg.Yellowstone.Endpoint,
				Token:          cfg.Yellowstone.Token,
				ConnectTimeout: cfg.Yellowstone.ConnectTimeout,
			})
			if err != nil {
				return nil, err
			}
			src := yellowstone.NewSource(dial, subscription.BuildRequest(sub), rec, logger)
			src.SetBackoff(cfg.Yellowstone.InitialBackoff, cfg.Yellowstone.MaxBackoff)
			return src, nil
		},
		CreatePublisher: func(cfg *config.Config, rec metrics.Recorder, logger *logrus.Entry) (Publisher, error) {
			return consumer.NewPublishToKafka(cfg.Kafka.KafkaConfig, rec, logger)
		},
		CreateSlotSink: func(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (consumer.Consumer, error) {
			return consumer.NewSaveLatestSlotToRedis(ctx, cfg.Redis.RedisConfig, logger)
		},
		CreateControlClient: func(cfg *config.Config, logger *logrus.Entry) (ControlClient, error) {
			return control.NewClient(cfg.Control.Endpoint, cfg.Control.PipelineID, cfg.Control.ServiceName, logger)
		},
	}
}

// Runner is the ingestion worker: it assembles source, processors and sinks
// from the config and runs them until the context is cancelled.
type Runner struct {
	cfg       *config.Config
	opts      Options
	factories Factories
	log       *logrus.Entry
	registry  *prometheus.Registry
}

func New(cfg *config.Config, opts Options, factories Factories, logger *logrus.Entry) *Runner {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		cfg:       cfg,
		opts:      opts,
		factories: factories,
		log:       logger,
		registry:  prometheus.NewRegistry(),
	}
}

// Run blocks until ctx is cancelled. It fails fast only when a component
// cannot be built or the broker is unreachable at startup.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheus(r.registry, "")
	stats := control.NewPipelineStats(r.cfg.Control.PipelineID, r.cfg.Control.StaleAfter)

	var sinks []consumer.Consumer
	defer func() {
		r.log.Info("Closing consumers")
		for _, c := range sinks {
			if closeErr := c.Close(); closeErr != nil {
				r.log.WithError(closeErr).Errorf("Error closing consumer %T", c)
			}
		}
	}()

	pub, err := r.factories.CreatePublisher(r.cfg, rec, r.log)
	if err != nil {
		return errors.Wrap(err, "creating publisher")
	}
	sinks = append(sinks, pub)

	if err := pub.CheckConnection(ctx); err != nil {
		return errors.Wrap(err, "kafka health check failed")
	}

	chainSinks := []processor.Processor{pub}
	if r.cfg.Redis.Enabled() {
		slots, err := r.factories.CreateSlotSink(ctx, r.cfg, r.log)
		if err != nil {
			return errors.Wrap(err, "creating redis sink")
		}
		sinks = append(sinks, slots)
		chainSinks = append(chainSinks, slots)
	}
	if r.opts.Stdout {
		out := consumer.NewStdoutConsumer()
		sinks = append(sinks, out)
		chainSinks = append(chainSinks, out)
	}
	var tap *consumer.LiveTap
	if r.cfg.HTTP.LiveTap && r.cfg.HTTP.Address != "" {
		tap = consumer.NewLiveTap(r.log)
		sinks = append(sinks, tap)
		chainSinks = append(chainSinks, tap)
	}

	sub := r.cfg.Subscription()
	r.logPlan(sub)

	head := pipeline.BuildProcessorChain([]processor.Processor{
		processor.NewNormalizeUpdate(rec, r.log),
		processor.NewRouteEvent(sub, rec, r.log),
	}, chainSinks, r.log)

	src, err := r.factories.CreateSource(r.cfg, sub, rec, r.log)
	if err != nil {
		return errors.Wrap(err, "creating source")
	}
	src.Subscribe(head)

	for _, c := range []interface{}{src, pub} {
		if p, ok := c.(control.StatsProvider); ok {
			stats.Track(p)
		}
	}

	if r.cfg.HTTP.Address != "" {
		srv := newStatusServer(r.cfg.HTTP.Address, r.registry, stats, tap, r.log)
		srv.Start()
		defer srv.Shutdown()
	}

	if r.cfg.Control.Endpoint != "" {
		client, err := r.startControlPlane(ctx, stats)
		if err != nil {
			r.log.WithError(err).Warn("Control plane unavailable, continuing without it")
		} else {
			defer client.Close()
		}
	}
	control.StartConsoleHeartbeat(ctx, r.cfg.Control.Console(), r.log)

	r.log.WithField("endpoint", r.cfg.Yellowstone.Endpoint).Info("Starting yellowstone ingestion")
	if err := src.Run(ctx); err != nil {
		return errors.Wrap(err, "source failed")
	}
	r.log.Info("Ingestion stopped")
	return nil
}

func (r *Runner) startControlPlane(ctx context.Context, stats *control.PipelineStats) (ControlClient, error) {
	client, err := r.factories.CreateControlClient(r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	client.SetMetricsProvider(stats)
	client.SetHealthChecker(stats)

	err = client.Register(ctx, map[string]string{
		"endpoint":     r.cfg.Yellowstone.Endpoint,
		"topic_prefix": r.cfg.Kafka.TopicPrefix,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	go client.StartHeartbeat(ctx, r.cfg.Control.HeartbeatInterval)
	return client, nil
}

func (r *Runner) logPlan(sub subscription.Config) {
	fields := logrus.Fields{
		"filters":      len(sub.Filters),
		"collapsed":    sub.Collapsed(),
		"kind":         sub.Kind,
		"topic_prefix": sub.TopicPrefix,
	}
	if sub.Collapsed() {
		r.log.WithFields(fields).Warnf("Filter count exceeds max_filters, subscribing with a single %q filter", subscription.CombinedFilterName)
		return
	}
	r.log.WithFields(fields).Info("Subscription plan ready")
}
