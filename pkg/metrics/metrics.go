// Package metrics exposes the ingestion pipeline's counters and gauges.
package metrics

import "time"

// Recorder receives pipeline observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// UpdateReceived counts one inbound upstream update of the given kind.
	UpdateReceived(kind string)
	// EventRouted counts one (event, topic) destination chosen by the router.
	EventRouted(topic string)
	// PublishResult counts one publish attempt; err == nil means delivered.
	PublishResult(topic string, err error)
	// Reconnect records a transition back to disconnected and the delay
	// before the next attempt.
	Reconnect(reason string, delay time.Duration)
	// StreamState records the stream client's current state.
	StreamState(state string)
	// ProcessingFailed counts an update the processor chain reported an
	// error for.
	ProcessingFailed()
}

// Nop discards every observation.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) UpdateReceived(string)           {}
func (Nop) EventRouted(string)              {}
func (Nop) PublishResult(string, error)     {}
func (Nop) Reconnect(string, time.Duration) {}
func (Nop) StreamState(string)              {}
func (Nop) ProcessingFailed()               {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
