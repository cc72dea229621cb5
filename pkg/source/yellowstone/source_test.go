package yellowstone

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/metrics"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

type fakeStream struct {
	ctx     context.Context
	updates []*pb.SubscribeUpdate
	end     error
	sendErr error
	sent    []*pb.SubscribeRequest
}

func (f *fakeStream) Send(req *pb.SubscribeRequest) error {
	f.sent = append(f.sent, req)
	return f.sendErr
}

func (f *fakeStream) Recv() (*pb.SubscribeUpdate, error) {
	if len(f.updates) > 0 {
		u := f.updates[0]
		f.updates = f.updates[1:]
		return u, nil
	}
	if f.end != nil {
		return nil, f.end
	}
	<-f.ctx.Done()
	return nil, f.ctx.Err()
}

func (f *fakeStream) CloseSend() error { return nil }

type fakeConn struct {
	stream *fakeStream
	subErr error
	closed bool
}

func (c *fakeConn) Subscribe(ctx context.Context) (UpdateStream, error) {
	if c.subErr != nil {
		return nil, c.subErr
	}
	c.stream.ctx = ctx
	return c.stream, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type attempt func() (Conn, error)

func scriptedDialer(attempts ...attempt) (Dialer, *int) {
	calls := 0
	return func(ctx context.Context) (Conn, error) {
		i := calls
		calls++
		if i >= len(attempts) {
			return nil, errors.New("no more attempts")
		}
		return attempts[i]()
	}, &calls
}

func dialFails() (Conn, error) { return nil, errors.New("connection refused") }

func slotUpdate(slot uint64) *pb.SubscribeUpdate {
	return &pb.SubscribeUpdate{UpdateOneof: &pb.SubscribeUpdate_Slot{Slot: &pb.SubscribeUpdateSlot{Slot: slot}}}
}

type collector struct {
	mu    sync.Mutex
	slots []uint64
	err   error
}

func (c *collector) Process(_ context.Context, msg processor.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots = append(c.slots, msg.Payload.(*pb.SubscribeUpdate).GetSlot().GetSlot())
	return c.err
}

func (c *collector) Subscribe(processor.Processor) {}

type reconnects struct {
	metrics.Nop
	mu      sync.Mutex
	reasons []string
	states  []string
}

func (r *reconnects) Reconnect(reason string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *reconnects) StreamState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func TestSourceReconnectLoop(t *testing.T) {
	streaming := &fakeConn{stream: &fakeStream{
		updates: []*pb.SubscribeUpdate{slotUpdate(1), slotUpdate(2)},
		end:     io.EOF,
	}}
	failing := &fakeConn{stream: &fakeStream{end: errors.New("rst")}}

	dial, _ := scriptedDialer(
		dialFails,
		func() (Conn, error) { return streaming, nil },
		dialFails,
		func() (Conn, error) { return &fakeConn{subErr: errors.New("unauthenticated")}, nil },
		func() (Conn, error) { return failing, nil },
	)

	rec := &reconnects{}
	req := &pb.SubscribeRequest{}
	src := NewSource(dial, req, rec, nil)
	sink := &collector{}
	src.Subscribe(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps []time.Duration
	src.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 5 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, src.Run(ctx))

	assert.Equal(t, []time.Duration{
		time.Second, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	}, sleeps)
	assert.Equal(t, []uint64{1, 2}, sink.slots)
	require.Len(t, streaming.stream.sent, 1, "exactly one subscribe request per stream")
	assert.Same(t, req, streaming.stream.sent[0])
	assert.True(t, streaming.closed)
	assert.Equal(t, []string{"dial_failed", "stream_ended", "dial_failed", "subscribe_failed", "stream_failed"}, rec.reasons)
	assert.Contains(t, rec.states, "streaming")

	stats := src.GetStats()
	assert.Equal(t, uint64(2), stats.Stats["updates_received"])
	assert.Equal(t, uint64(5), stats.Stats["reconnects"])
}

func TestSourceSendFailureIsSubscribeFailure(t *testing.T) {
	conn := &fakeConn{stream: &fakeStream{sendErr: errors.New("broken pipe")}}
	dial, _ := scriptedDialer(func() (Conn, error) { return conn, nil })

	rec := &reconnects{}
	src := NewSource(dial, &pb.SubscribeRequest{}, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	src.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	require.NoError(t, src.Run(ctx))
	assert.Equal(t, []string{"subscribe_failed"}, rec.reasons)
}

func TestSourceProcessorErrorDoesNotEndStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &fakeConn{stream: &fakeStream{
		updates: []*pb.SubscribeUpdate{slotUpdate(5), slotUpdate(6), slotUpdate(7)},
	}}
	dial, calls := scriptedDialer(func() (Conn, error) { return conn, nil })

	src := NewSource(dial, &pb.SubscribeRequest{}, nil, nil)
	sink := &collector{err: errors.New("sink failed")}
	src.Subscribe(sink)

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.slots) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 1, *calls)
	assert.Equal(t, uint64(3), src.GetStats().Stats["processing_errors"])
}

func TestSourceCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dialed := make(chan struct{}, 1)
	dial := func(context.Context) (Conn, error) {
		select {
		case dialed <- struct{}{}:
		default:
		}
		return nil, errors.New("down")
	}

	src := NewSource(dial, &pb.SubscribeRequest{}, nil, nil)
	src.SetBackoff(time.Hour, time.Hour)

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	<-dialed
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep was not interrupted")
	}
}

func TestSourceSingleRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	dial := func(ctx context.Context) (Conn, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	src := NewSource(dial, &pb.SubscribeRequest{}, nil, nil)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	<-started
	assert.ErrorIs(t, src.Run(ctx), ErrAlreadyRunning)

	cancel()
	assert.NoError(t, <-done)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw       string
		target    string
		plaintext bool
		wantErr   bool
	}{
		{raw: "https://grpc.example.com", target: "grpc.example.com:443"},
		{raw: "https://grpc.example.com:10000", target: "grpc.example.com:10000"},
		{raw: "grpc.example.com:2053", target: "grpc.example.com:2053"},
		{raw: "grpc.example.com", target: "grpc.example.com:443"},
		{raw: "http://localhost:10000", target: "localhost:10000", plaintext: true},
		{raw: "http://localhost", target: "localhost:80", plaintext: true},
		{raw: "", wantErr: true},
		{raw: "ftp://x", wantErr: true},
		{raw: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			target, plaintext, err := parseEndpoint(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, target)
			assert.Equal(t, tt.plaintext, plaintext)
		})
	}
}

func TestNewGRPCDialerRejectsBadEndpoint(t *testing.T) {
	_, err := NewGRPCDialer(DialConfig{Endpoint: "ftp://nope"})
	assert.Error(t, err)

	dial, err := NewGRPCDialer(DialConfig{Endpoint: "https://grpc.example.com", Token: "secret"})
	require.NoError(t, err)
	assert.NotNil(t, dial)
}
