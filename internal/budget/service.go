// Package budget implements the privacy budget ledger: per-(principal,
// dataset) accounts with two-phase epsilon reservations, hard monthly
// rollover, and a background sweep for abandoned reservations.
package budget

import (
	"context"
	"time"

	"tavren/internal/domain"
	"tavren/pkg/errors"
	"tavren/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository defines the persistence operations the ledger needs. Every
// check-then-act sequence runs inside InTx, which the Postgres implementation
// backs with a serializable transaction and SELECT ... FOR UPDATE row locks,
// so the balance a decision was made from cannot change before the write
// lands, even across service instances. The in-process keyed mutex on top
// keeps local contention off the database.
type Repository interface {
	FindAccount(ctx context.Context, principal uuid.UUID, datasetKey string) (*domain.BudgetAccount, error)
	CreateAccount(ctx context.Context, account *domain.BudgetAccount) error
	SaveAccount(ctx context.Context, account *domain.BudgetAccount) error
	FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.BudgetAccount, error)

	CreateReservation(ctx context.Context, res *domain.Reservation) error
	FindReservation(ctx context.Context, token uuid.UUID) (*domain.Reservation, error)
	SaveReservation(ctx context.Context, res *domain.Reservation) error
	ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error)

	// InTx runs fn atomically against a transaction-bound repository view.
	InTx(ctx context.Context, fn func(Repository) error) error
}

// Config carries the ledger policy knobs.
type Config struct {
	AllocatedEpsilon decimal.Decimal // per period, per account
	ReserveEpsilon   decimal.Decimal // emergency reserve, explicit opt-in
	ReservationTTL   time.Duration
	SweepInterval    time.Duration
}

// Service is the budget ledger.
type Service struct {
	repo   Repository
	config Config
	logger logger.Logger
	locks  *keyedMutex

	// now is swappable so period rollover is testable.
	now func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, config Config, log logger.Logger) *Service {
	return &Service{
		repo:   repo,
		config: config,
		logger: log,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
}

func accountKey(principal uuid.UUID, datasetKey string) string {
	return principal.String() + "/" + datasetKey
}

// CheckAndReserve atomically verifies remaining budget and records a pending
// reservation for epsilonCost. The reservation must be finalized with Commit
// or undone with Release; reservations older than the TTL are swept.
func (s *Service) CheckAndReserve(ctx context.Context, principal uuid.UUID, datasetKey string, queryID uuid.UUID, epsilonCost float64, useReserve bool) (*domain.Reservation, error) {
	unlock := s.locks.lock(accountKey(principal, datasetKey))
	defer unlock()

	var res *domain.Reservation
	err := s.withRetry(ctx, func() error {
		res = nil
		return s.repo.InTx(ctx, func(repo Repository) error {
			account, err := s.getOrCreateAccount(ctx, repo, principal, datasetKey)
			if err != nil {
				return err
			}

			s.rolloverIfDue(account)

			if account.State == domain.AccountSuspended {
				return errors.ErrAccountSuspended
			}

			cost := decimal.NewFromFloat(epsilonCost)
			limit := account.Allocated
			if useReserve {
				limit = limit.Add(account.Reserve)
			}

			spent := account.Consumed.Add(account.Pending)
			if spent.Add(cost).GreaterThan(limit) {
				// Exceeding the cap is rejected, never silently truncated.
				return errors.ErrBudgetExhausted
			}

			now := s.now()
			r := &domain.Reservation{
				Token:     uuid.New(),
				AccountID: account.ID,
				QueryID:   queryID,
				Epsilon:   cost,
				State:     domain.ReservationPending,
				CreatedAt: now,
				ExpiresAt: now.Add(s.config.ReservationTTL),
			}

			account.Pending = account.Pending.Add(cost)
			account.UpdatedAt = now

			if err := repo.CreateReservation(ctx, r); err != nil {
				return errors.Wrap(err, "failed to persist reservation")
			}
			if err := repo.SaveAccount(ctx, account); err != nil {
				return errors.Wrap(err, "failed to update account")
			}
			res = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Commit finalizes a pending reservation, moving its epsilon from pending to
// consumed. A token commits at most once.
func (s *Service) Commit(ctx context.Context, token uuid.UUID) error {
	return s.finalize(ctx, token, true)
}

// Release undoes a pending reservation without charging the account.
func (s *Service) Release(ctx context.Context, token uuid.UUID) error {
	return s.finalize(ctx, token, false)
}

func (s *Service) finalize(ctx context.Context, token uuid.UUID, commit bool) error {
	// Resolve the account outside the transaction only to pick the lock key.
	res, err := s.repo.FindReservation(ctx, token)
	if err != nil {
		return err
	}
	owner, err := s.repo.FindAccountByID(ctx, res.AccountID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(accountKey(owner.Principal, owner.DatasetKey))
	defer unlock()

	return s.withRetry(ctx, func() error {
		return s.repo.InTx(ctx, func(repo Repository) error {
			// Re-read under the row lock: the sweep may have released it
			// meanwhile, possibly from another instance.
			res, err := repo.FindReservation(ctx, token)
			if err != nil {
				return err
			}
			if res.State != domain.ReservationPending {
				return errors.ErrReservationFinalized
			}
			account, err := repo.FindAccountByID(ctx, res.AccountID)
			if err != nil {
				return err
			}

			now := s.now()
			account.Pending = account.Pending.Sub(res.Epsilon)
			if account.Pending.IsNegative() {
				account.Pending = decimal.Zero
			}

			if commit {
				account.Consumed = account.Consumed.Add(res.Epsilon)
				res.State = domain.ReservationCommitted
				if account.State == domain.AccountActive &&
					account.Consumed.GreaterThanOrEqual(account.Allocated) {
					account.State = domain.AccountExhausted
				}
			} else {
				res.State = domain.ReservationReleased
			}
			account.UpdatedAt = now

			if err := repo.SaveReservation(ctx, res); err != nil {
				return errors.Wrap(err, "failed to finalize reservation")
			}
			if err := repo.SaveAccount(ctx, account); err != nil {
				return errors.Wrap(err, "failed to update account")
			}
			return nil
		})
	})
}

// Snapshot returns the account view for a principal and dataset, creating the
// account lazily like the first query would.
func (s *Service) Snapshot(ctx context.Context, principal uuid.UUID, datasetKey string) (*domain.BudgetAccount, error) {
	unlock := s.locks.lock(accountKey(principal, datasetKey))
	defer unlock()

	var out *domain.BudgetAccount
	err := s.withRetry(ctx, func() error {
		return s.repo.InTx(ctx, func(repo Repository) error {
			account, err := s.getOrCreateAccount(ctx, repo, principal, datasetKey)
			if err != nil {
				return err
			}

			s.rolloverIfDue(account)
			if err := repo.SaveAccount(ctx, account); err != nil {
				return err
			}
			out = account
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Suspend is an administrative override; a suspended account rejects every
// request until an operator reinstates it.
func (s *Service) Suspend(ctx context.Context, principal uuid.UUID, datasetKey string) error {
	return s.setState(ctx, principal, datasetKey, domain.AccountSuspended)
}

// Reinstate clears an administrative suspension.
func (s *Service) Reinstate(ctx context.Context, principal uuid.UUID, datasetKey string) error {
	return s.setState(ctx, principal, datasetKey, domain.AccountActive)
}

// SuspendByID suspends the account with the given id.
func (s *Service) SuspendByID(ctx context.Context, accountID uuid.UUID) error {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	return s.Suspend(ctx, account.Principal, account.DatasetKey)
}

// ReinstateByID clears the suspension on the account with the given id.
func (s *Service) ReinstateByID(ctx context.Context, accountID uuid.UUID) error {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	return s.Reinstate(ctx, account.Principal, account.DatasetKey)
}

func (s *Service) setState(ctx context.Context, principal uuid.UUID, datasetKey string, state domain.AccountState) error {
	unlock := s.locks.lock(accountKey(principal, datasetKey))
	defer unlock()

	return s.withRetry(ctx, func() error {
		return s.repo.InTx(ctx, func(repo Repository) error {
			account, err := repo.FindAccount(ctx, principal, datasetKey)
			if err != nil {
				return err
			}

			next := state
			if next == domain.AccountActive &&
				account.Consumed.GreaterThanOrEqual(account.Allocated) {
				next = domain.AccountExhausted
			}

			account.State = next
			account.UpdatedAt = s.now()
			return repo.SaveAccount(ctx, account)
		})
	})
}

func (s *Service) getOrCreateAccount(ctx context.Context, repo Repository, principal uuid.UUID, datasetKey string) (*domain.BudgetAccount, error) {
	account, err := repo.FindAccount(ctx, principal, datasetKey)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, errors.ErrAccountNotFound) {
		return nil, err
	}

	now := s.now()
	start, end := periodBounds(now)
	account = &domain.BudgetAccount{
		ID:          uuid.New(),
		Principal:   principal,
		DatasetKey:  datasetKey,
		State:       domain.AccountActive,
		Allocated:   s.config.AllocatedEpsilon,
		Consumed:    decimal.Zero,
		Pending:     decimal.Zero,
		Reserve:     s.config.ReserveEpsilon,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := repo.CreateAccount(ctx, account); err != nil {
		return nil, errors.Wrap(err, "failed to create budget account")
	}

	s.logger.Info("Budget account created", map[string]interface{}{
		"principal": principal.String(),
		"dataset":   datasetKey,
		"allocated": account.Allocated.String(),
	})

	return account, nil
}

// rolloverIfDue applies the hard monthly reset: consumed drops to zero, the
// period advances, and an exhausted account becomes active again. Suspension
// survives rollover.
func (s *Service) rolloverIfDue(account *domain.BudgetAccount) {
	now := s.now()
	if now.Before(account.PeriodEnd) {
		return
	}

	start, end := periodBounds(now)
	account.PeriodStart = start
	account.PeriodEnd = end
	account.Consumed = decimal.Zero
	account.Allocated = s.config.AllocatedEpsilon
	if account.State == domain.AccountExhausted {
		account.State = domain.AccountActive
	}
	account.UpdatedAt = now
}

func periodBounds(now time.Time) (time.Time, time.Time) {
	t := now.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// withRetry re-runs a transaction after transient store failures, including
// serialization aborts. Domain outcomes are final and never retried; nothing
// is retried once a noise value exists for a reservation.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	const maxAttempts = 3
	backoff := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = op(); err == nil || isFinal(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// isFinal reports whether an error is a settled domain outcome rather than a
// transient persistence failure.
func isFinal(err error) bool {
	return errors.Is(err, errors.ErrBudgetExhausted) ||
		errors.Is(err, errors.ErrAccountSuspended) ||
		errors.Is(err, errors.ErrAccountNotFound) ||
		errors.Is(err, errors.ErrReservationNotFound) ||
		errors.Is(err, errors.ErrReservationFinalized)
}
