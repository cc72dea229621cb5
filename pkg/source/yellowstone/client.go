package yellowstone

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

const (
	// TokenHeader carries the optional access token on every call.
	TokenHeader = "x-token"

	DefaultConnectTimeout = 10 * time.Second

	maxRecvMsgSize = 1 << 30
)

// UpdateStream is the bidirectional subscribe stream.
type UpdateStream interface {
	Send(*pb.SubscribeRequest) error
	Recv() (*pb.SubscribeUpdate, error)
	CloseSend() error
}

// Conn is an established connection to the upstream endpoint.
type Conn interface {
	Subscribe(ctx context.Context) (UpdateStream, error)
	Close() error
}

// Dialer opens a new Conn. Run calls it once per connect attempt.
type Dialer func(ctx context.Context) (Conn, error)

// DialConfig configures the gRPC dialer.
type DialConfig struct {
	Endpoint       string
	Token          string
	ConnectTimeout time.Duration
}

// NewGRPCDialer returns a Dialer for a Geyser endpoint. Only explicit
// http:// endpoints are dialed without TLS.
func NewGRPCDialer(cfg DialConfig) (Dialer, error) {
	target, plaintext, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if plaintext {
		creds = insecure.NewCredentials()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
	}

	return func(ctx context.Context) (Conn, error) {
		conn, err := grpc.NewClient(target, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "creating client for %s", target)
		}

		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := waitReady(dialCtx, conn); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "connecting to %s", target)
		}

		return &grpcConn{conn: conn, geyser: pb.NewGeyserClient(conn), token: cfg.Token}, nil
	}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return errors.Wrapf(ctx.Err(), "last state %s", state)
		}
	}
}

// parseEndpoint turns a configured endpoint into a gRPC target. A missing
// port defaults to 443 for TLS and 80 for plaintext.
func parseEndpoint(raw string) (target string, plaintext bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("endpoint is empty")
	}

	host := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, errors.Wrap(err, "parsing endpoint")
		}
		switch u.Scheme {
		case "http":
			plaintext = true
		case "https":
		default:
			return "", false, errors.Errorf("unsupported endpoint scheme %q", u.Scheme)
		}
		host = u.Host
	}
	if host == "" {
		return "", false, errors.Errorf("endpoint %q has no host", raw)
	}

	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "443"
		if plaintext {
			port = "80"
		}
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	return host, plaintext, nil
}

type grpcConn struct {
	conn   *grpc.ClientConn
	geyser pb.GeyserClient
	token  string
}

func (c *grpcConn) Subscribe(ctx context.Context) (UpdateStream, error) {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, TokenHeader, c.token)
	}
	stream, err := c.geyser.Subscribe(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "opening subscribe stream")
	}
	return stream, nil
}

func (c *grpcConn) Close() error {
	return c.conn.Close()
}
