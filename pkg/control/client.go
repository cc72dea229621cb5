package control

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	pb "github.com/withobsrvr/flowctl/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type MetricsProvider interface {
	GetMetrics() map[string]float64
}

type HealthChecker interface {
	IsHealthy() bool
	GetHealthDetails() map[string]string
}

// Client registers the ingestor with a flowctl control plane and keeps it
// alive with periodic heartbeats.
type Client struct {
	conn            *grpc.ClientConn
	serviceInfo     *pb.ServiceInfo
	metricsProvider MetricsProvider
	healthChecker   HealthChecker
	log             *logrus.Entry

	register  func(context.Context, *pb.ServiceInfo) (string, error)
	heartbeat func(context.Context, *pb.ServiceHeartbeat) error
}

func NewClient(endpoint, serviceID, serviceName string, logger *logrus.Entry) (*Client, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to control plane")
	}

	cp := pb.NewControlPlaneClient(conn)
	c := newClient(serviceID, serviceName, logger)
	c.conn = conn
	c.register = func(ctx context.Context, info *pb.ServiceInfo) (string, error) {
		ack, err := cp.Register(ctx, info)
		if err != nil {
			return "", err
		}
		if ack == nil {
			return "", errors.New("nil acknowledgment")
		}
		return ack.ServiceId, nil
	}
	c.heartbeat = func(ctx context.Context, hb *pb.ServiceHeartbeat) error {
		_, err := cp.Heartbeat(ctx, hb)
		return err
	}
	return c, nil
}

func newClient(serviceID, serviceName string, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		serviceInfo: &pb.ServiceInfo{
			ServiceId:   serviceID,
			ServiceType: pb.ServiceType_SERVICE_TYPE_PIPELINE,
			Metadata: map[string]string{
				"service_name": serviceName,
			},
		},
		log: logger.WithField("component", "control-plane"),
	}
}

func (c *Client) SetMetricsProvider(mp MetricsProvider) {
	c.metricsProvider = mp
}

func (c *Client) SetHealthChecker(hc HealthChecker) {
	c.healthChecker = hc
}

func (c *Client) Register(ctx context.Context, metadata map[string]string) error {
	for k, v := range metadata {
		c.serviceInfo.Metadata[k] = v
	}

	id, err := c.register(ctx, c.serviceInfo)
	if err != nil {
		return errors.Wrap(err, "registration failed")
	}

	c.log.WithField("service_id", id).Info("Registered ingestor with control plane")
	return nil
}

// StartHeartbeat blocks, sending a heartbeat every interval until ctx is
// cancelled. Failed heartbeats are logged and the loop keeps going.
func (c *Client) StartHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat(ctx)
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) {
	metrics := make(map[string]float64)
	if c.metricsProvider != nil {
		metrics = c.metricsProvider.GetMetrics()
	}
	if c.healthChecker != nil {
		healthy := 0.0
		if c.healthChecker.IsHealthy() {
			healthy = 1
		}
		metrics["pipeline.healthy"] = healthy
	}

	hb := &pb.ServiceHeartbeat{
		ServiceId: c.serviceInfo.ServiceId,
		Metrics:   metrics,
	}
	if err := c.heartbeat(ctx, hb); err != nil {
		c.log.WithError(err).Warn("Failed to send heartbeat")
	}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
