package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/consumer"
	"github.com/withObsrvr/yellowstone-ingestor/pkg/control"
)

type statusServer struct {
	srv *http.Server
	log *logrus.Entry
}

// newStatusHandler serves /metrics, /healthz and, when tap is non-nil, /ws.
func newStatusHandler(reg *prometheus.Registry, stats *control.PipelineStats, tap *consumer.LiveTap) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		healthy := stats.IsHealthy()
		body := struct {
			Healthy    bool                     `json:"healthy"`
			Details    map[string]string        `json:"details"`
			Components []control.ComponentStats `json:"components"`
		}{healthy, stats.GetHealthDetails(), stats.Snapshot()}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	if tap != nil {
		mux.Handle("/ws", tap)
	}
	return mux
}

func newStatusServer(addr string, reg *prometheus.Registry, stats *control.PipelineStats, tap *consumer.LiveTap, logger *logrus.Entry) *statusServer {
	return &statusServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newStatusHandler(reg, stats, tap),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger.WithField("component", "status-server"),
	}
}

func (s *statusServer) Start() {
	go func() {
		s.log.WithField("address", s.srv.Addr).Info("Starting status server")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Status server error")
		}
	}()
}

func (s *statusServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("Status server shutdown")
	}
}
