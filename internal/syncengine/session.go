package syncengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudmount/cloudmount/internal/circuit"
	"github.com/cloudmount/cloudmount/internal/config"
)

// sessionState mirrors the engine's view of the remote session, adapted
// from pkg/recovery.ConnectionManager's state enum: this engine manages a
// single remote.Client rather than a pool of pluggable connections, so it
// carries only the three states a health probe can actually produce.
type sessionState int

const (
	sessionDisconnected sessionState = iota
	sessionConnected
	sessionReconnecting
)

func (s sessionState) String() string {
	switch s {
	case sessionConnected:
		return "connected"
	case sessionReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// session tracks the remote client's reachability across ticks and wraps
// every health probe in a circuit.Breaker so a persistently failing
// remote stops being probed every tick and instead waits out a cooldown,
// still counting as one attempt.
type session struct {
	mu      sync.Mutex
	state   sessionState
	lastErr error

	breaker *circuit.CircuitBreaker
	logger  zerolog.Logger
}

func newSession(logger zerolog.Logger, cfg config.CircuitBreakerConfig) *session {
	breakerCfg := circuit.Config{}
	if cfg.FailureThreshold > 0 {
		threshold := uint32(cfg.FailureThreshold)
		breakerCfg.ReadyToTrip = func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}
	if cfg.Cooldown > 0 {
		breakerCfg.Timeout = cfg.Cooldown
	}
	return &session{
		state:   sessionDisconnected,
		breaker: circuit.NewCircuitBreaker("remote", breakerCfg),
		logger:  logger,
	}
}

// probe runs healthy under the circuit breaker and updates session state.
// A tripped breaker fails the probe immediately without calling healthy.
func (s *session) probe(ctx context.Context, healthy func(ctx context.Context) bool) error {
	err := s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		if !healthy(ctx) {
			return fmt.Errorf("remote session reports unhealthy")
		}
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.state == sessionConnected {
			s.logger.Warn().Err(err).Msg("remote session lost")
		}
		s.state = sessionReconnecting
		s.lastErr = err
		return err
	}
	if s.state != sessionConnected {
		s.logger.Info().Msg("remote session established")
	}
	s.state = sessionConnected
	s.lastErr = nil
	return nil
}

func (s *session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionConnected
}

func (s *session) currentState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

func (s *session) lastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return ""
	}
	return s.lastErr.Error()
}

func (s *session) breakerState() circuit.State {
	return s.breaker.GetState()
}

func (s *session) breakerCounts() circuit.Counts {
	return s.breaker.GetCounts()
}
