package processor

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// Processor defines the interface for processing messages.
type Processor interface {
	Process(context.Context, Message) error
	Subscribe(Processor)
}

// Message encapsulates the payload to be processed with optional metadata.
type Message struct {
	Payload  interface{}            `json:"payload"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ForwardToProcessors hands msg to every downstream processor. A failing
// subscriber does not stop delivery to its siblings; all failures are
// returned together.
func ForwardToProcessors(ctx context.Context, msg Message, processors []Processor) error {
	var result *multierror.Error
	for _, p := range processors {
		if err := p.Process(ctx, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
