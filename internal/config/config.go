// Package config loads the ingestor's settings from a YAML file, the
// environment and an optional .env file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"github.com/withObsrvr/yellowstone-ingestor/consumer"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/control"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/source/yellowstone"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/subscription"
)

type Config struct {
	Yellowstone YellowstoneConfig `yaml:"yellowstone" mapstructure:"yellowstone"`
	Kafka       KafkaConfig       `yaml:"kafka" mapstructure:"kafka"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Control     ControlConfig     `yaml:"control" mapstructure:"control"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

type YellowstoneConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Token    string `yaml:"token" mapstructure:"token"`
	// Filters uses the "name=owner1,owner2;name2=owner3" syntax.
	Filters        string        `yaml:"filters" mapstructure:"filters"`
	MaxFilters     int           `yaml:"max_filters" mapstructure:"max_filters"`
	SubscribeKind  string        `yaml:"subscribe_kind" mapstructure:"subscribe_kind"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

type KafkaConfig struct {
	consumer.KafkaConfig `yaml:",inline" mapstructure:",squash"`
	TopicPrefix          string `yaml:"topic_prefix" mapstructure:"topic_prefix"`
}

// RedisConfig enables the latest-slot sink when Address is set.
type RedisConfig struct {
	consumer.RedisConfig `yaml:",inline" mapstructure:",squash"`
}

func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// HTTPConfig configures the status server. An empty address disables it.
type HTTPConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	LiveTap bool   `yaml:"live_tap" mapstructure:"live_tap"`
}

type ControlConfig struct {
	Endpoint          string        `yaml:"endpoint" mapstructure:"endpoint"`
	PipelineID        string        `yaml:"pipeline_id" mapstructure:"pipeline_id"`
	ServiceName       string        `yaml:"service_name" mapstructure:"service_name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	ConsoleURL        string        `yaml:"console_url" mapstructure:"console_url"`
	ConsoleSessionID  string        `yaml:"console_session_id" mapstructure:"console_session_id"`
	ConsoleSecret     string        `yaml:"console_secret" mapstructure:"console_secret"`
}

// Console returns the console heartbeat settings.
func (c ControlConfig) Console() control.ConsoleConfig {
	return control.ConsoleConfig{
		URL:        c.ConsoleURL,
		PipelineID: c.PipelineID,
		SessionID:  c.ConsoleSessionID,
		Secret:     c.ConsoleSecret,
	}
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envBindings maps config keys to the environment variables of existing
// deployments.
var envBindings = map[string]string{
	"yellowstone.endpoint":        "YELLOWSTONE_ENDPOINT",
	"yellowstone.token":           "YELLOWSTONE_TOKEN",
	"yellowstone.filters":         "YELLOWSTONE_FILTERS",
	"yellowstone.max_filters":     "YELLOWSTONE_MAX_FILTERS",
	"yellowstone.subscribe_kind":  "YELLOWSTONE_SUBSCRIBE_KIND",
	"yellowstone.connect_timeout": "YELLOWSTONE_CONNECT_TIMEOUT",
	"yellowstone.initial_backoff": "YELLOWSTONE_INITIAL_BACKOFF",
	"yellowstone.max_backoff":     "YELLOWSTONE_MAX_BACKOFF",
	"kafka.brokers":               "KAFKA_BROKERS",
	"kafka.topic_prefix":          "KAFKA_TOPIC_PREFIX",
	"kafka.security_protocol":     "KAFKA_SECURITY_PROTOCOL",
	"kafka.sasl_mechanism":        "KAFKA_SASL_MECHANISM",
	"kafka.username":              "KAFKA_USERNAME",
	"kafka.password":              "KAFKA_PASSWORD",
	"kafka.ssl_ca_location":       "KAFKA_SSL_CA_LOCATION",
	"kafka.delivery_timeout":      "KAFKA_DELIVERY_TIMEOUT",
	"kafka.client_id":             "KAFKA_CLIENT_ID",
	"redis.address":               "REDIS_ADDRESS",
	"redis.password":              "REDIS_PASSWORD",
	"redis.db":                    "REDIS_DB",
	"redis.key_prefix":            "REDIS_KEY_PREFIX",
	"http.address":                "HTTP_ADDRESS",
	"http.live_tap":               "HTTP_LIVE_TAP",
	"control.endpoint":            "FLOWCTL_ENDPOINT",
	"control.pipeline_id":         "PIPELINE_ID",
	"control.service_name":        "FLOWCTL_SERVICE_NAME",
	"control.heartbeat_interval":  "FLOWCTL_HEARTBEAT_INTERVAL",
	"control.stale_after":         "HEALTH_CHECK_TIMEOUT",
	"control.console_url":         "OBSRVR_CONSOLE_URL",
	"control.console_session_id":  "OBSRVR_SESSION_ID",
	"control.console_secret":      "OBSRVR_WEBHOOK_SECRET",
	"log.level":                   "LOG_LEVEL",
	"log.format":                  "LOG_FORMAT",
}

// SetDefaults registers every default and environment binding on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("yellowstone.max_filters", 0)
	v.SetDefault("yellowstone.subscribe_kind", string(subscription.KindTransactions))
	v.SetDefault("yellowstone.connect_timeout", yellowstone.DefaultConnectTimeout)
	v.SetDefault("yellowstone.initial_backoff", yellowstone.DefaultInitialBackoff)
	v.SetDefault("yellowstone.max_backoff", yellowstone.DefaultMaxBackoff)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "ingest")
	v.SetDefault("kafka.security_protocol", consumer.ProtocolPlaintext)
	v.SetDefault("kafka.delivery_timeout", consumer.DefaultDeliveryTimeout)
	v.SetDefault("redis.key_prefix", consumer.DefaultSlotKeyPrefix)
	v.SetDefault("http.address", ":8080")
	v.SetDefault("control.service_name", "yellowstone-ingestor")
	v.SetDefault("control.heartbeat_interval", 10*time.Second)
	v.SetDefault("control.stale_after", control.DefaultStaleAfter)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	for key, env := range envBindings {
		// BindEnv only fails without a key.
		_ = v.BindEnv(key, env)
	}
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return errors.Wrapf(err, "loading %s", path)
	}
	return nil
}

// Load reads configFile (if any) and the environment into a validated Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	cfg, err := Read(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate().Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation.
func Read(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	brokers := c.Kafka.Brokers[:0]
	for _, b := range c.Kafka.Brokers {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				brokers = append(brokers, part)
			}
		}
	}
	c.Kafka.Brokers = brokers
	c.Yellowstone.Endpoint = strings.TrimSpace(c.Yellowstone.Endpoint)
}

// Subscription builds the immutable subscription config. An empty or fully
// malformed filter string falls back to the default token filter.
func (c *Config) Subscription() subscription.Config {
	kind, err := subscription.ParseSubscribeKind(c.Yellowstone.SubscribeKind)
	if err != nil {
		kind = subscription.KindTransactions
	}
	return subscription.Config{
		TopicPrefix: c.Kafka.TopicPrefix,
		Filters:     subscription.FiltersOrDefault(c.Yellowstone.Filters),
		MaxFilters:  c.Yellowstone.MaxFilters,
		Kind:        kind,
	}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Yellowstone.Token = mask(c.Yellowstone.Token)
	c.Kafka.Password = mask(c.Kafka.Password)
	c.Redis.Password = mask(c.Redis.Password)
	c.Control.ConsoleSecret = mask(c.Control.ConsoleSecret)
	return c
}
