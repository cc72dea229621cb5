package consumer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/metrics"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

type fakeKafka struct {
	mu          sync.Mutex
	produced    []*kgo.Record
	failTopics  map[string]error
	metadataErr error
	brokers     int
	deadline    bool
	flushed     bool
	closed      bool
}

func (f *fakeKafka) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.deadline = ctx.Deadline()

	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		err := f.failTopics[r.Topic]
		if err == nil {
			f.produced = append(f.produced, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: err})
	}
	return results
}

func (f *fakeKafka) Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	resp := kmsg.NewPtrMetadataResponse()
	for i := 0; i < f.brokers; i++ {
		b := kmsg.NewMetadataResponseBroker()
		b.NodeID = int32(i)
		b.Host = "localhost"
		b.Port = 9092
		resp.Brokers = append(resp.Brokers, b)
	}
	return resp, nil
}

func (f *fakeKafka) Flush(context.Context) error {
	f.flushed = true
	return nil
}

func (f *fakeKafka) Close() { f.closed = true }

func routedMessage(id string, topics ...string) processor.Message {
	return processor.Message{Payload: &processor.RoutedEvent{
		Event:   processor.Event{EventID: id, Kind: processor.KindTransaction},
		Topics:  topics,
		Payload: []byte(`{"event_id":"` + id + `"}`),
	}}
}

func TestPublishToKafkaFansOutPerTopic(t *testing.T) {
	fake := &fakeKafka{failTopics: map[string]error{"ingest.b": errors.New("leader not available")}}
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg, "test")
	p := newPublishToKafka(fake, time.Second, rec, nil)

	require.NoError(t, p.Process(context.Background(), routedMessage("tx:1", "ingest.a", "ingest.b", "ingest.c")))

	require.Len(t, fake.produced, 2)
	assert.Equal(t, "ingest.a", fake.produced[0].Topic)
	assert.Equal(t, "ingest.c", fake.produced[1].Topic)
	for _, r := range fake.produced {
		assert.Equal(t, []byte("tx:1"), r.Key)
		assert.JSONEq(t, `{"event_id":"tx:1"}`, string(r.Value))
	}
	assert.True(t, fake.deadline, "publish runs under a timeout")

	stats := p.GetStats().Stats
	assert.Equal(t, uint64(2), stats["published"])
	assert.Equal(t, uint64(1), stats["failed"])

	n, err := testutil.GatherAndCount(reg, "test_publisher_publish_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPublishToKafkaRejectsUnroutedPayload(t *testing.T) {
	p := newPublishToKafka(&fakeKafka{}, 0, nil, nil)
	assert.Error(t, p.Process(context.Background(), processor.Message{Payload: []byte("raw")}))
}

func TestPublishSingleRecord(t *testing.T) {
	fake := &fakeKafka{failTopics: map[string]error{"bad": errors.New("boom")}}
	p := newPublishToKafka(fake, time.Second, nil, nil)

	require.NoError(t, p.Publish(context.Background(), "good", "k", []byte("v")))
	err := p.Publish(context.Background(), "bad", "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publishing to bad")
}

func TestCheckConnection(t *testing.T) {
	ok := newPublishToKafka(&fakeKafka{brokers: 1}, time.Second, nil, nil)
	assert.NoError(t, ok.CheckConnection(context.Background()))

	empty := newPublishToKafka(&fakeKafka{}, time.Second, nil, nil)
	assert.Error(t, empty.CheckConnection(context.Background()))

	down := newPublishToKafka(&fakeKafka{metadataErr: errors.New("dial tcp: refused")}, time.Second, nil, nil)
	assert.Error(t, down.CheckConnection(context.Background()))
}

func TestPublishToKafkaClose(t *testing.T) {
	fake := &fakeKafka{}
	p := newPublishToKafka(fake, time.Second, nil, nil)
	require.NoError(t, p.Close())
	assert.True(t, fake.flushed)
	assert.True(t, fake.closed)
}

func TestKafkaConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     KafkaConfig
		wantErr bool
	}{
		{"plaintext default", KafkaConfig{Brokers: []string{"localhost:9092"}}, false},
		{"no brokers", KafkaConfig{}, true},
		{"ssl", KafkaConfig{Brokers: []string{"b:9093"}, SecurityProtocol: "ssl"}, false},
		{"sasl without credentials", KafkaConfig{Brokers: []string{"b"}, SecurityProtocol: "SASL_SSL"}, true},
		{"sasl plain", KafkaConfig{Brokers: []string{"b"}, SecurityProtocol: "SASL_SSL", Username: "u", Password: "p"}, false},
		{"sasl scram", KafkaConfig{Brokers: []string{"b"}, SecurityProtocol: "SASL_PLAINTEXT", SASLMechanism: "scram-sha-512", Username: "u", Password: "p"}, false},
		{"bad mechanism", KafkaConfig{Brokers: []string{"b"}, SecurityProtocol: "SASL_SSL", SASLMechanism: "GSSAPI", Username: "u", Password: "p"}, true},
		{"bad protocol", KafkaConfig{Brokers: []string{"b"}, SecurityProtocol: "QUIC"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKafkaClientOptions(t *testing.T) {
	opts, err := KafkaConfig{
		Brokers:          []string{"b:9092"},
		SecurityProtocol: "SASL_SSL",
		SASLMechanism:    "SCRAM-SHA-256",
		Username:         "u",
		Password:         "p",
	}.ClientOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 6)

	_, err = KafkaConfig{Brokers: []string{"b"}, SecurityProtocol: "SSL", CALocation: "/does/not/exist.pem"}.ClientOptions()
	assert.Error(t, err)

	notPEM := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))
	_, err = KafkaConfig{Brokers: []string{"b"}, SecurityProtocol: "SSL", CALocation: notPEM}.ClientOptions()
	assert.Error(t, err)
}
