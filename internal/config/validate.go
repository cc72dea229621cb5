package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/subscription"
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field       string
	Value       interface{}
	Problem     string
	ValidValues []string
}

func (e ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %v (%s)", e.Field, e.Value, e.Problem)
	if len(e.ValidValues) > 0 {
		msg += "; valid options: " + strings.Join(e.ValidValues, ", ")
	}
	return msg
}

// ValidationResult holds every error and warning found in a config.
type ValidationResult struct {
	Errors   []error
	Warnings []string
}

func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *ValidationResult) AddError(err error) {
	r.Errors = append(r.Errors, err)
}

func (r *ValidationResult) AddWarning(warning string) {
	r.Warnings = append(r.Warnings, warning)
}

// Err folds the errors into one, or nil.
func (r *ValidationResult) Err() error {
	var result *multierror.Error
	for _, err := range r.Errors {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Validate checks the whole config.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	if c.Yellowstone.Endpoint == "" {
		result.AddError(ValidationError{Field: "yellowstone.endpoint", Value: `""`, Problem: "endpoint is required"})
	}
	if c.Yellowstone.MaxFilters < 0 {
		result.AddError(ValidationError{Field: "yellowstone.max_filters", Value: c.Yellowstone.MaxFilters, Problem: "must not be negative"})
	}
	if _, err := subscription.ParseSubscribeKind(c.Yellowstone.SubscribeKind); err != nil {
		result.AddError(ValidationError{
			Field:       "yellowstone.subscribe_kind",
			Value:       c.Yellowstone.SubscribeKind,
			Problem:     "unknown subscribe kind",
			ValidValues: []string{"transactions", "accounts", "all"},
		})
	}
	if c.Yellowstone.InitialBackoff <= 0 || c.Yellowstone.MaxBackoff < c.Yellowstone.InitialBackoff {
		result.AddError(ValidationError{
			Field:   "yellowstone.initial_backoff",
			Value:   fmt.Sprintf("%s..%s", c.Yellowstone.InitialBackoff, c.Yellowstone.MaxBackoff),
			Problem: "backoff must be positive and not exceed max_backoff",
		})
	}

	if err := c.Kafka.KafkaConfig.Validate(); err != nil {
		result.AddError(ValidationError{Field: "kafka", Value: strings.Join(c.Kafka.Brokers, ","), Problem: err.Error()})
	}
	if c.Kafka.TopicPrefix == "" {
		result.AddError(ValidationError{Field: "kafka.topic_prefix", Value: `""`, Problem: "topic prefix is required"})
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		result.AddError(ValidationError{Field: "log.level", Value: c.Log.Level, Problem: err.Error()})
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		result.AddError(ValidationError{Field: "log.format", Value: c.Log.Format, Problem: "unknown log format", ValidValues: []string{"text", "json"}})
	}

	if c.Yellowstone.Filters != "" && len(subscription.ParseFilters(c.Yellowstone.Filters)) == 0 {
		result.AddWarning("yellowstone.filters has no valid entries; using the default token filter")
	}
	if sub := c.Subscription(); sub.Collapsed() {
		result.AddWarning(fmt.Sprintf("%d filters exceed max_filters=%d; upstream receives one %q filter",
			len(sub.Filters), sub.MaxFilters, subscription.CombinedFilterName))
	}
	if c.HTTP.LiveTap && c.HTTP.Address == "" {
		result.AddWarning("http.live_tap is enabled but http.address is empty; the live tap is not served")
	}
	if c.Control.ConsoleURL != "" && !c.Control.Console().Enabled() {
		result.AddWarning("console_url is set but pipeline id, session id or secret is missing; console heartbeat disabled")
	}

	return result
}
