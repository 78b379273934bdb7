package access

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper runs Ledger.Sweep on a fixed interval until stopped.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewSweeper(ledger *Ledger, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{ledger: ledger, interval: interval, logger: logger}
}

// Start launches the sweep loop in the background.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	res, err := s.ledger.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("access sweep failed")
		}
		return
	}
	if res.ExpiredPending+res.ExpiredGrants+res.Purged > 0 {
		s.logger.Info().
			Int("expired_pending", res.ExpiredPending).
			Int("expired_grants", res.ExpiredGrants).
			Int("purged", res.Purged).
			Msg("access sweep")
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
	})
}
