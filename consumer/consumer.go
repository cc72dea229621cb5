package consumer

import (
	"context"
	"fmt"

	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

// Consumer is a sink at the end of the processor chain.
type Consumer interface {
	Process(context.Context, processor.Message) error
	Subscribe(processor.Processor)
	Close() error
}

// routedEvent extracts the router's output from a message.
func routedEvent(msg processor.Message) (*processor.RoutedEvent, error) {
	switch p := msg.Payload.(type) {
	case *processor.RoutedEvent:
		if p == nil {
			return nil, fmt.Errorf("nil routed event")
		}
		return p, nil
	case processor.RoutedEvent:
		return &p, nil
	default:
		return nil, fmt.Errorf("expected *processor.RoutedEvent, got %T", msg.Payload)
	}
}
