// Package yellowstone is the source adapter for a Yellowstone (Geyser) gRPC
// endpoint. It keeps one subscription open, reconnecting with backoff, and
// hands every update to its processors in arrival order.
package yellowstone

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/control"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/metrics"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

var ErrAlreadyRunning = errors.New("yellowstone source is already running")

// Source streams updates from the upstream endpoint into the processor chain.
type Source struct {
	dial       Dialer
	request    *pb.SubscribeRequest
	processors []processor.Processor
	metrics    metrics.Recorder
	log        *logrus.Entry

	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleep          func(context.Context, time.Duration) error

	running atomic.Bool

	mu    sync.Mutex
	stats sourceStats
}

type sourceStats struct {
	state        State
	received     uint64
	reconnects   uint64
	procFailures uint64
	lastActivity time.Time
	lastError    string
}

// NewSource creates a source that sends req on every (re)connect.
func NewSource(dial Dialer, req *pb.SubscribeRequest, rec metrics.Recorder, logger *logrus.Entry) *Source {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Source{
		dial:           dial,
		request:        req,
		metrics:        metrics.OrNop(rec),
		log:            logger.WithField("component", "yellowstone-source"),
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		sleep:          sleepContext,
		stats:          sourceStats{lastActivity: time.Now()},
	}
}

// SetBackoff overrides the reconnect delay bounds.
func (s *Source) SetBackoff(initial, max time.Duration) {
	s.initialBackoff = initial
	s.maxBackoff = max
}

// Subscribe adds a processor to this source.
func (s *Source) Subscribe(p processor.Processor) {
	s.processors = append(s.processors, p)
	s.log.Debugf("Processor %T subscribed to yellowstone source", p)
}

// Run keeps the subscription alive until ctx is cancelled, then returns nil.
// Connection, subscribe and stream failures are retried forever.
func (s *Source) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	cs := NewConnectionState(s.initialBackoff, s.maxBackoff)
	s.setState(cs.State())

	for {
		if ctx.Err() != nil {
			break
		}

		tr, cause := s.runOnce(ctx, cs)
		if ctx.Err() != nil {
			break
		}

		s.recordReconnect(tr, cause)
		if err := s.sleep(ctx, tr.Backoff); err != nil {
			break
		}
	}

	s.log.Info("Yellowstone source stopped")
	return nil
}

// runOnce drives one connect/subscribe/stream cycle and returns the failure
// transition that ended it.
func (s *Source) runOnce(ctx context.Context, cs *ConnectionState) (Transition, error) {
	s.advance(cs, Connect)

	conn, err := s.dial(ctx)
	if err != nil {
		return s.advance(cs, DialFailed), err
	}
	defer conn.Close()
	s.advance(cs, DialSucceeded)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := conn.Subscribe(streamCtx)
	if err == nil {
		if err = stream.Send(s.request); err != nil {
			err = errors.Wrap(err, "sending subscribe request")
		}
	}
	if err != nil {
		return s.advance(cs, SubscribeFailed), err
	}
	defer stream.CloseSend()
	s.advance(cs, SubscribeSucceeded)
	s.log.WithFields(logrus.Fields{
		"transactions": len(s.request.GetTransactions()),
		"accounts":     len(s.request.GetAccounts()),
	}).Info("Subscribed to yellowstone stream")

	for {
		update, err := stream.Recv()
		if err == io.EOF {
			return s.advance(cs, StreamEnded), errors.New("stream ended")
		}
		if err != nil {
			return s.advance(cs, StreamFailed), errors.Wrap(err, "receiving update")
		}

		s.advance(cs, ItemReceived)
		s.dispatch(ctx, update)
	}
}

func (s *Source) dispatch(ctx context.Context, update *pb.SubscribeUpdate) {
	s.mu.Lock()
	s.stats.received++
	s.stats.lastActivity = time.Now()
	s.mu.Unlock()

	msg := processor.Message{Payload: update}
	if err := processor.ForwardToProcessors(ctx, msg, s.processors); err != nil {
		s.metrics.ProcessingFailed()
		s.mu.Lock()
		s.stats.procFailures++
		s.mu.Unlock()
		s.log.WithError(err).Error("Processor chain failed for update")
	}
}

func (s *Source) advance(cs *ConnectionState, in Input) Transition {
	tr, err := cs.Apply(in)
	if err != nil {
		s.log.WithError(err).Error("Unexpected connection state input")
		return tr
	}
	if tr.From != tr.To {
		s.setState(tr.To)
	}
	return tr
}

func (s *Source) setState(state State) {
	s.mu.Lock()
	s.stats.state = state
	s.stats.lastActivity = time.Now()
	s.mu.Unlock()
	s.metrics.StreamState(state.String())
}

func (s *Source) recordReconnect(tr Transition, cause error) {
	reason := tr.Input.String()
	s.metrics.Reconnect(reason, tr.Backoff)

	s.mu.Lock()
	s.stats.reconnects++
	if cause != nil {
		s.stats.lastError = cause.Error()
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"reason": reason,
		"delay":  tr.Backoff.String(),
	}).WithError(cause).Warn("Yellowstone stream disconnected, reconnecting")
}

// GetStats implements control.StatsProvider. The stats count as fresh while
// the stream is delivering updates or actively reconnecting.
func (s *Source) GetStats() control.ComponentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return control.ComponentStats{
		ComponentType: "source",
		ComponentName: "yellowstone",
		Stats: map[string]interface{}{
			"state":             s.stats.state.String(),
			"updates_received":  s.stats.received,
			"reconnects":        s.stats.reconnects,
			"processing_errors": s.stats.procFailures,
			"last_error":        s.stats.lastError,
		},
		LastUpdated: s.stats.lastActivity,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ control.StatsProvider = (*Source)(nil)
