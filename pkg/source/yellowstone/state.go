package yellowstone

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// State is the stream client's connection phase.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Input is a discrete event that advances the connection state.
type Input int

const (
	Connect Input = iota
	DialSucceeded
	DialFailed
	SubscribeSucceeded
	SubscribeFailed
	ItemReceived
	StreamFailed
	StreamEnded
)

func (i Input) String() string {
	switch i {
	case Connect:
		return "connect"
	case DialSucceeded:
		return "dial_succeeded"
	case DialFailed:
		return "dial_failed"
	case SubscribeSucceeded:
		return "subscribe_succeeded"
	case SubscribeFailed:
		return "subscribe_failed"
	case ItemReceived:
		return "item_received"
	case StreamFailed:
		return "stream_failed"
	case StreamEnded:
		return "stream_ended"
	default:
		return fmt.Sprintf("input(%d)", int(i))
	}
}

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

var ErrInvalidTransition = errors.New("invalid connection state transition")

// Transition describes one applied input. Backoff is non-zero only when
// the input was a failure, and is how long to wait before reconnecting.
type Transition struct {
	From    State
	To      State
	Input   Input
	Backoff time.Duration
}

// ConnectionState is the reconnect state machine: the current phase plus the
// delay policy for the next retry. It is owned by a single Run loop and is
// not safe for concurrent use.
type ConnectionState struct {
	state      State
	backoff    *backoff.ExponentialBackOff
	next       time.Duration
	awaitFirst bool
}

// NewConnectionState returns a Disconnected state machine whose retry delay
// starts at initial, doubles per consecutive failure and is capped at max.
func NewConnectionState(initial, max time.Duration) *ConnectionState {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max < initial {
		max = initial
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &ConnectionState{state: Disconnected, backoff: b, next: initial}
}

func (c *ConnectionState) State() State {
	return c.state
}

// NextBackoff is the delay the next failure will schedule.
func (c *ConnectionState) NextBackoff() time.Duration {
	return c.next
}

// Apply advances the machine. Inputs that are not valid in the current
// state leave it untouched and return ErrInvalidTransition.
func (c *ConnectionState) Apply(in Input) (Transition, error) {
	tr := Transition{From: c.state, Input: in}

	switch {
	case c.state == Disconnected && in == Connect:
		c.state = Connecting
	case c.state == Connecting && in == DialSucceeded:
		c.state = Subscribing
	case c.state == Subscribing && in == SubscribeSucceeded:
		c.state = Streaming
		c.awaitFirst = true
	case c.state == Streaming && in == ItemReceived:
		if c.awaitFirst {
			c.awaitFirst = false
			c.backoff.Reset()
			c.next = c.backoff.InitialInterval
		}
	case c.state == Connecting && in == DialFailed,
		c.state == Subscribing && in == SubscribeFailed,
		c.state == Streaming && (in == StreamFailed || in == StreamEnded):
		c.state = Disconnected
		c.awaitFirst = false
		tr.Backoff = c.backoff.NextBackOff()
		c.next = time.Duration(float64(tr.Backoff) * c.backoff.Multiplier)
		if c.next > c.backoff.MaxInterval {
			c.next = c.backoff.MaxInterval
		}
	default:
		return tr, errors.Wrapf(ErrInvalidTransition, "%s on %s", in, c.state)
	}

	tr.To = c.state
	return tr, nil
}
