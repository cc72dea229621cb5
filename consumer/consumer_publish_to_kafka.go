package consumer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/control"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/metrics"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

const DefaultDeliveryTimeout = 5 * time.Second

// Security protocols and SASL mechanisms accepted in KafkaConfig.
const (
	ProtocolPlaintext     = "PLAINTEXT"
	ProtocolSSL           = "SSL"
	ProtocolSASLPlaintext = "SASL_PLAINTEXT"
	ProtocolSASLSSL       = "SASL_SSL"

	MechanismPlain       = "PLAIN"
	MechanismSCRAMSHA256 = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 = "SCRAM-SHA-512"
)

// KafkaConfig holds broker connection settings.
type KafkaConfig struct {
	Brokers          []string      `yaml:"brokers" mapstructure:"brokers"`
	SecurityProtocol string        `yaml:"security_protocol" mapstructure:"security_protocol"`
	SASLMechanism    string        `yaml:"sasl_mechanism" mapstructure:"sasl_mechanism"`
	Username         string        `yaml:"username" mapstructure:"username"`
	Password         string        `yaml:"password" mapstructure:"password"`
	CALocation       string        `yaml:"ssl_ca_location" mapstructure:"ssl_ca_location"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout" mapstructure:"delivery_timeout"`
	ClientID         string        `yaml:"client_id" mapstructure:"client_id"`
}

func (c KafkaConfig) protocol() string {
	if c.SecurityProtocol == "" {
		return ProtocolPlaintext
	}
	return strings.ToUpper(c.SecurityProtocol)
}

func (c KafkaConfig) mechanism() string {
	if c.SASLMechanism == "" {
		return MechanismPlain
	}
	return strings.ToUpper(c.SASLMechanism)
}

// Validate checks the settings without touching the network.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one kafka broker is required")
	}
	switch c.protocol() {
	case ProtocolPlaintext, ProtocolSSL:
	case ProtocolSASLPlaintext, ProtocolSASLSSL:
		if c.Username == "" || c.Password == "" {
			return errors.Errorf("security protocol %s requires username and password", c.protocol())
		}
		switch c.mechanism() {
		case MechanismPlain, MechanismSCRAMSHA256, MechanismSCRAMSHA512:
		default:
			return errors.Errorf("unsupported sasl mechanism %q", c.SASLMechanism)
		}
	default:
		return errors.Errorf("unsupported security protocol %q", c.SecurityProtocol)
	}
	return nil
}

// ClientOptions translates the config into franz-go client options.
func (c KafkaConfig) ClientOptions() ([]kgo.Opt, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	timeout := c.DeliveryTimeout
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	clientID := c.ClientID
	if clientID == "" {
		clientID = "yellowstone-ingestor"
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(clientID),
		kgo.AllowAutoTopicCreation(),
		kgo.RecordDeliveryTimeout(timeout),
	}

	protocol := c.protocol()
	if protocol == ProtocolSSL || protocol == ProtocolSASLSSL {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if strings.HasPrefix(protocol, "SASL") {
		opts = append(opts, kgo.SASL(c.saslMechanism()))
	}
	return opts, nil
}

func (c KafkaConfig) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CALocation == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(c.CALocation)
	if err != nil {
		return nil, errors.Wrap(err, "reading kafka CA file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates found in %s", c.CALocation)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func (c KafkaConfig) saslMechanism() sasl.Mechanism {
	switch c.mechanism() {
	case MechanismSCRAMSHA256:
		return scram.Auth{User: c.Username, Pass: c.Password}.AsSha256Mechanism()
	case MechanismSCRAMSHA512:
		return scram.Auth{User: c.Username, Pass: c.Password}.AsSha512Mechanism()
	default:
		return plain.Auth{User: c.Username, Pass: c.Password}.AsMechanism()
	}
}

// kafkaClient is the subset of *kgo.Client the publisher uses.
type kafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error)
	Flush(ctx context.Context) error
	Close()
}

// PublishToKafka publishes every routed envelope to each of its topics.
type PublishToKafka struct {
	client  kafkaClient
	timeout time.Duration
	metrics metrics.Recorder
	log     *logrus.Entry

	mu        sync.Mutex
	published uint64
	failed    uint64
}

func NewPublishToKafka(cfg KafkaConfig, rec metrics.Recorder, logger *logrus.Entry) (*PublishToKafka, error) {
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka client")
	}

	p := newPublishToKafka(client, cfg.DeliveryTimeout, rec, logger)
	p.log.WithFields(logrus.Fields{
		"brokers":  strings.Join(cfg.Brokers, ","),
		"protocol": cfg.protocol(),
	}).Info("Kafka producer created")
	return p, nil
}

func newPublishToKafka(client kafkaClient, timeout time.Duration, rec metrics.Recorder, logger *logrus.Entry) *PublishToKafka {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PublishToKafka{
		client:  client,
		timeout: timeout,
		metrics: metrics.OrNop(rec),
		log:     logger.WithField("component", "kafka-publisher"),
	}
}

// CheckConnection fetches cluster metadata within the delivery timeout.
// The ingestor cannot run without a reachable broker, so callers treat a
// failure as fatal.
func (p *PublishToKafka) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := kmsg.NewPtrMetadataRequest().RequestWith(ctx, p.client)
	if err != nil {
		return errors.Wrap(err, "fetching kafka metadata")
	}
	if len(resp.Brokers) == 0 {
		return errors.New("kafka metadata returned no brokers")
	}

	p.log.WithField("brokers", len(resp.Brokers)).Info("Kafka connection healthy")
	return nil
}

// Publish sends one record and waits for its delivery.
func (p *PublishToKafka) Publish(ctx context.Context, topic, key string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.client.ProduceSync(ctx, newRecord(topic, key, payload)).FirstErr()
	p.record(topic, err)
	if err != nil {
		return errors.Wrapf(err, "publishing to %s", topic)
	}
	return nil
}

// Process publishes the envelope to every destination topic at once and
// waits for all of them. A failed topic is logged and dropped; it never
// affects its siblings or the chain.
func (p *PublishToKafka) Process(ctx context.Context, msg processor.Message) error {
	routed, err := routedEvent(msg)
	if err != nil {
		return err
	}

	records := make([]*kgo.Record, 0, len(routed.Topics))
	for _, topic := range routed.Topics {
		records = append(records, newRecord(topic, routed.Key(), routed.Payload))
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for _, res := range p.client.ProduceSync(pctx, records...) {
		topic := res.Record.Topic
		p.record(topic, res.Err)
		if res.Err != nil {
			p.log.WithFields(logrus.Fields{
				"topic":    topic,
				"event_id": routed.Key(),
			}).WithError(res.Err).Error("Failed to publish event")
		}
	}
	return nil
}

func (p *PublishToKafka) record(topic string, err error) {
	p.metrics.PublishResult(topic, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed++
	} else {
		p.published++
	}
}

// Subscribe is a no-op; the publisher is a sink.
func (p *PublishToKafka) Subscribe(processor.Processor) {}

// GetStats reports delivery counters. The publisher is passive, so it is
// always considered fresh.
func (p *PublishToKafka) GetStats() control.ComponentStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return control.ComponentStats{
		ComponentType: "consumer",
		ComponentName: "kafka",
		Stats: map[string]interface{}{
			"published": p.published,
			"failed":    p.failed,
		},
		LastUpdated: time.Now(),
	}
}

// Close flushes buffered records and closes the client.
func (p *PublishToKafka) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return errors.Wrap(err, "flushing kafka producer")
	}
	return nil
}

func newRecord(topic, key string, payload []byte) *kgo.Record {
	return &kgo.Record{Topic: topic, Key: []byte(key), Value: payload}
}

var (
	_ Consumer              = (*PublishToKafka)(nil)
	_ control.StatsProvider = (*PublishToKafka)(nil)
)
