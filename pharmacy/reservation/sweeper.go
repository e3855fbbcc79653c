package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper runs Engine.Sweep on a fixed interval until its context ends.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	log      zerolog.Logger
}

func NewSweeper(engine *Engine, interval time.Duration) (*Sweeper, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		log:      engine.log.With().Str("worker", "sweeper").Logger(),
	}, nil
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if n := s.engine.Sweep(ctx); n > 0 {
				s.log.Info().Int("expired", n).Msg("expired stale reservations")
			}
		}
	}
}
