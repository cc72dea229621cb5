package runner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/withObsrvr/yellowstone-ingestor/consumer"
	"github.com/withObsrvr/yellowstone-ingestor/internal/config"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/control"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/metrics"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/subscription"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

type fakeSource struct {
	updates    []*pb.SubscribeUpdate
	processors []processor.Processor
	ran        bool
}

func (s *fakeSource) Subscribe(p processor.Processor) { s.processors = append(s.processors, p) }

func (s *fakeSource) Run(ctx context.Context) error {
	s.ran = true
	for _, u := range s.updates {
		if err := processor.ForwardToProcessors(ctx, processor.Message{Payload: u}, s.processors); err != nil {
			return err
		}
	}
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	healthErr error
	routed    []*processor.RoutedEvent
	closed    bool
}

func (p *fakePublisher) Process(_ context.Context, msg processor.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routed = append(p.routed, msg.Payload.(*processor.RoutedEvent))
	return nil
}

func (p *fakePublisher) Subscribe(processor.Processor)         {}
func (p *fakePublisher) CheckConnection(context.Context) error { return p.healthErr }
func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

type fakeSink struct {
	count  int
	closed bool
}

func (s *fakeSink) Process(context.Context, processor.Message) error {
	s.count++
	return nil
}
func (s *fakeSink) Subscribe(processor.Processor) {}
func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Yellowstone.Endpoint = "http://localhost:10000"
	cfg.Yellowstone.Filters = "pump=P1"
	cfg.Kafka.TopicPrefix = "ingest"
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	return cfg
}

func testFactories(src *fakeSource, pub *fakePublisher, sink *fakeSink) Factories {
	return Factories{
		CreateSource: func(*config.Config, subscription.Config, metrics.Recorder, *logrus.Entry) (SourceAdapter, error) {
			return src, nil
		},
		CreatePublisher: func(*config.Config, metrics.Recorder, *logrus.Entry) (Publisher, error) {
			return pub, nil
		},
		CreateSlotSink: func(context.Context, *config.Config, *logrus.Entry) (consumer.Consumer, error) {
			return sink, nil
		},
		CreateControlClient: func(*config.Config, *logrus.Entry) (ControlClient, error) {
			return nil, errors.New("no control plane in tests")
		},
	}
}

func TestRunnerPipeline(t *testing.T) {
	src := &fakeSource{updates: []*pb.SubscribeUpdate{
		{Filters: []string{"pump"}, UpdateOneof: &pb.SubscribeUpdate_Slot{Slot: &pb.SubscribeUpdateSlot{Slot: 7}}},
		{UpdateOneof: &pb.SubscribeUpdate_Ping{Ping: &pb.SubscribeUpdatePing{}}},
	}}
	pub := &fakePublisher{}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Redis.Address = "localhost:6379"

	r := New(cfg, Options{}, testFactories(src, pub, sink), nil)
	require.NoError(t, r.Run(context.Background()))

	assert.True(t, src.ran)
	require.Len(t, pub.routed, 2)
	assert.Equal(t, []string{"ingest.pump"}, pub.routed[0].Topics)
	assert.Equal(t, "slot:7:0", pub.routed[0].Key())
	assert.Equal(t, []string{"ingest.raw"}, pub.routed[1].Topics)
	assert.Equal(t, "ping", gjson.GetBytes(pub.routed[1].Payload, "event_type").String())

	assert.Equal(t, 2, sink.count)
	assert.True(t, pub.closed)
	assert.True(t, sink.closed)
}

func TestRunnerHealthCheckIsFatal(t *testing.T) {
	src := &fakeSource{}
	pub := &fakePublisher{healthErr: errors.New("no brokers reachable")}

	r := New(testConfig(), Options{}, testFactories(src, pub, &fakeSink{}), nil)
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka health check failed")
	assert.False(t, src.ran)
	assert.True(t, pub.closed)
}

func TestRunnerControlPlaneFailureIsNotFatal(t *testing.T) {
	src := &fakeSource{}
	pub := &fakePublisher{}
	cfg := testConfig()
	cfg.Control.Endpoint = "localhost:8080"

	r := New(cfg, Options{}, testFactories(src, pub, &fakeSink{}), nil)
	require.NoError(t, r.Run(context.Background()))
	assert.True(t, src.ran)
}

type staticStats struct{ updated time.Time }

func (s staticStats) GetStats() control.ComponentStats {
	return control.ComponentStats{ComponentType: "source", ComponentName: "yellowstone", LastUpdated: s.updated}
}

func TestStatusHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewPrometheus(reg, "").UpdateReceived("slot")

	stats := control.NewPipelineStats("p1", time.Minute)
	h := newStatusHandler(reg, stats, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	stats.Track(staticStats{updated: time.Now()})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "healthy").Bool())
	assert.Equal(t, "p1", gjson.Get(rec.Body.String(), "details.pipeline_id").String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `yellowstone_ingestor_stream_updates_received_total{kind="slot"} 1`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
