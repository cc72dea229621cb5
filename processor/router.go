package processor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/metrics"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/subscription"
)

// Route returns the destination topics for ev, in filter order and without
// duplicates. Filters named in the event's upstream tags win; only when none
// match are filters chosen by owner/program-id overlap. An event nothing
// matched goes to the raw topic, so the result is never empty.
func Route(ev Event, cfg subscription.Config) []string {
	var topics []string
	seen := make(map[string]struct{})
	add := func(name string) {
		topic := cfg.Topic(name)
		if _, ok := seen[topic]; ok {
			return
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}

	tags := make(map[string]struct{}, len(ev.FilterTags))
	for _, tag := range ev.FilterTags {
		tags[tag] = struct{}{}
	}
	for _, f := range cfg.Filters {
		if _, ok := tags[f.Name]; ok {
			add(f.Name)
		}
	}

	if len(topics) == 0 && len(ev.ProgramIDs) > 0 {
		programs := make(map[string]struct{}, len(ev.ProgramIDs))
		for _, id := range ev.ProgramIDs {
			programs[id] = struct{}{}
		}
		for _, f := range cfg.Filters {
			for _, owner := range f.Owners {
				if _, ok := programs[owner]; ok {
					add(f.Name)
					break
				}
			}
		}
	}

	if len(topics) == 0 {
		topics = append(topics, cfg.RawTopic())
	}
	return topics
}

// RouteEvent decides the destination topics of each Event, serializes the
// envelope once and forwards a *RoutedEvent to the sinks.
type RouteEvent struct {
	config     subscription.Config
	processors []Processor
	metrics    metrics.Recorder
	log        *logrus.Entry
}

func NewRouteEvent(cfg subscription.Config, rec metrics.Recorder, logger *logrus.Entry) *RouteEvent {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RouteEvent{
		config:  cfg,
		metrics: metrics.OrNop(rec),
		log:     logger.WithField("component", "router"),
	}
}

func (r *RouteEvent) Subscribe(p Processor) {
	r.processors = append(r.processors, p)
}

func (r *RouteEvent) Process(ctx context.Context, msg Message) error {
	var ev Event
	switch p := msg.Payload.(type) {
	case Event:
		ev = p
	case *Event:
		ev = *p
	default:
		return fmt.Errorf("expected processor.Event, got %T", msg.Payload)
	}

	topics := Route(ev, r.config)
	payload, err := ev.MarshalEnvelope()
	if err != nil {
		return err
	}

	for _, topic := range topics {
		r.metrics.EventRouted(topic)
	}
	r.log.WithFields(logrus.Fields{
		"event_id": ev.EventID,
		"topics":   topics,
	}).Debug("Routed event")

	routed := &RoutedEvent{Event: ev, Topics: topics, Payload: payload}
	return ForwardToProcessors(ctx, Message{Payload: routed, Metadata: msg.Metadata}, r.processors)
}

var _ Processor = (*RouteEvent)(nil)
