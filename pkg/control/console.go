package control

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/withobsrvr/flowctl/pkg/console/heartbeat"
)

// ConsoleConfig holds the Obsrvr console heartbeat settings. All four
// values must be set for the heartbeat to run.
type ConsoleConfig struct {
	URL        string
	PipelineID string
	SessionID  string
	Secret     string
	Interval   time.Duration
}

func (c ConsoleConfig) Enabled() bool {
	return c.URL != "" && c.PipelineID != "" && c.SessionID != "" && c.Secret != ""
}

// StartConsoleHeartbeat starts the console heartbeat loop in the background
// and returns its client, or nil when the console is not configured.
func StartConsoleHeartbeat(ctx context.Context, cfg ConsoleConfig, logger *logrus.Entry) *heartbeat.Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.URL == "" {
		logger.Debug("Console heartbeat disabled (console URL not set)")
		return nil
	}
	if !cfg.Enabled() {
		logger.WithFields(logrus.Fields{
			"pipeline_id": cfg.PipelineID != "",
			"session_id":  cfg.SessionID != "",
			"secret":      cfg.Secret != "",
		}).Warn("Console heartbeat disabled (missing settings)")
		return nil
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	client := heartbeat.NewClient(cfg.URL, cfg.PipelineID, cfg.SessionID, cfg.Secret)
	logger.WithFields(logrus.Fields{
		"pipeline_id": cfg.PipelineID,
		"session_id":  cfg.SessionID,
	}).Info("Console heartbeat client initialized")

	go client.StartHeartbeatLoop(ctx, interval)
	return client
}
