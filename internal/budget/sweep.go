package budget

import (
	"context"
	"time"
)

const sweepBatchSize = 100

// SweepExpired releases pending reservations whose TTL elapsed without a
// commit, returning the budget a crashed worker would otherwise leak. Each
// release runs under the same per-account lock as Commit, so a late commit
// and the sweep cannot race.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpiredReservations(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range expired {
		if err := s.Release(ctx, res.Token); err != nil {
			// ErrReservationFinalized means a commit won the race; fine.
			continue
		}
		released++
		s.logger.Warn("Released stale budget reservation", map[string]interface{}{
			"token":   res.Token.String(),
			"query":   res.QueryID.String(),
			"epsilon": res.Epsilon.String(),
		})
	}

	return released, nil
}

// RunSweeper periodically sweeps expired reservations until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("Reservation sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
