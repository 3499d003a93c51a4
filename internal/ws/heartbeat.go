package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // extra grace after a missed interval
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection on each tick and evicts those with no
// activity within Interval + Timeout. It returns immediately; the goroutine
// exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			server.logger.Info("ws: heartbeat timeout",
				zap.String("session", c.ID), zap.Duration("idle", idle.Round(time.Second)))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.logger.Info("ws: heartbeat ping failed", zap.String("session", c.ID), zap.Error(err))
			server.RemoveConnection(c)
		}
	}
}
