package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

// StdoutConsumer writes each envelope to stdout, one JSON document per line.
// Routed events are prefixed with their destination topics.
type StdoutConsumer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutConsumer creates a new StdoutConsumer instance.
func NewStdoutConsumer() *StdoutConsumer {
	return &StdoutConsumer{out: os.Stdout}
}

// Process implements the processor.Processor interface.
func (s *StdoutConsumer) Process(ctx context.Context, msg processor.Message) error {
	var output []byte
	switch payload := msg.Payload.(type) {
	case *processor.RoutedEvent:
		line, err := json.Marshal(struct {
			Topics []string        `json:"topics"`
			Event  json.RawMessage `json:"event"`
		}{payload.Topics, payload.Payload})
		if err != nil {
			return fmt.Errorf("StdoutConsumer: error marshaling routed event: %w", err)
		}
		output = line
	case []byte:
		output = payload
	default:
		var err error
		output, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("StdoutConsumer: error marshaling payload: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.out.Write(append(output, '\n'))
	return err
}

// Subscribe is a no-op; StdoutConsumer is a sink.
func (s *StdoutConsumer) Subscribe(proc processor.Processor) {}

func (s *StdoutConsumer) Close() error { return nil }
