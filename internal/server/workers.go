package server

import (
	"context"
	"time"
)

// Pinger checks that the coordinator is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reporter keeps the shard registered with the coordinator.
type Reporter interface {
	Run(ctx context.Context)
	Connected() bool
	LastAck() time.Time
}

// SweepConfig controls the staging sweeper. A zero Interval disables it.
type SweepConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// pingInterval matches the coordinator's expectation of one ping every
// 30 seconds.
const pingInterval = 30 * time.Second

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	if s.sweep.Interval > 0 && s.chunks != nil {
		go s.runSweeper(ctx)
	}
	if s.limiter != nil {
		go s.runLimiterCleanup(ctx)
	}
	if s.pinger != nil {
		go s.runPing(ctx)
	}
	if s.reporter != nil {
		go s.reporter.Run(ctx)
	}
}

// --- Staging Sweeper ---

// runSweeper periodically removes abandoned upload sessions.
func (s *Server) runSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.sweep.Interval):
			if n := s.sweepStale(); n > 0 {
				s.logger.Info().Int("sessions", n).Msg("swept stale upload sessions")
			}
		}
	}
}

// sweepStale removes sessions older than the configured age and returns how
// many were removed.
func (s *Server) sweepStale() int {
	n, err := s.chunks.SweepStale(s.sweep.MaxAge)
	if err != nil {
		s.logger.Warn().Err(err).Msg("sweep staging")
	}
	return n
}

// --- Rate Limiter Cleanup ---

// runLimiterCleanup drops expired rate limit windows every minute.
func (s *Server) runLimiterCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			s.limiter.Sweep()
		}
	}
}

// --- Coordinator Ping ---

// runPing pings the coordinator and logs when reachability changes.
func (s *Server) runPing(ctx context.Context) {
	reachable := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pingInterval):
			reachable = s.ping(ctx, reachable)
		}
	}
}

// ping sends one ping and returns the new reachability state.
func (s *Server) ping(ctx context.Context, wasReachable bool) bool {
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.pinger.Ping(pctx)
	switch {
	case err != nil && wasReachable:
		s.logger.Warn().Err(err).Msg("coordinator unreachable")
	case err == nil && !wasReachable:
		s.logger.Info().Msg("coordinator reachable again")
	}
	return err == nil
}
