package postgres

import (
	"context"
	"database/sql"
	"time"

	"tavren/internal/budget"
	"tavren/internal/domain"
	pkgerrors "tavren/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// BudgetRepository persists budget accounts and reservations. Check-then-act
// sequences run through InTx, which opens a serializable transaction and
// makes every row read a SELECT ... FOR UPDATE, so concurrent service
// instances cannot admit epsilon from the same stale balance. The unique
// constraint on (principal_id, dataset_key) backstops lazy account creation
// races; a creation collision aborts the transaction and the caller's retry
// finds the row.
type BudgetRepository struct {
	db *sqlx.DB

	ext     sqlx.ExtContext
	locking bool
}

// NewBudgetRepository creates a new BudgetRepository.
func NewBudgetRepository(db *sqlx.DB) *BudgetRepository {
	return &BudgetRepository{db: db, ext: db}
}

// InTx runs fn against a repository view bound to a serializable transaction
// with row locking. Nested calls reuse the enclosing transaction.
func (r *BudgetRepository) InTx(ctx context.Context, fn func(budget.Repository) error) error {
	if r.db == nil {
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&BudgetRepository{ext: tx, locking: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

const accountColumns = `
	id, principal_id, dataset_key, state,
	allocated_epsilon, consumed_epsilon, pending_epsilon, reserve_epsilon,
	period_start, period_end, created_at, updated_at
`

func (r *BudgetRepository) rowLock() string {
	if r.locking {
		return " FOR UPDATE"
	}
	return ""
}

// FindAccount loads the account for a (principal, dataset) pair.
func (r *BudgetRepository) FindAccount(ctx context.Context, principal uuid.UUID, datasetKey string) (*domain.BudgetAccount, error) {
	var account domain.BudgetAccount
	query := `SELECT ` + accountColumns + `
		FROM budget_accounts
		WHERE principal_id = $1 AND dataset_key = $2` + r.rowLock()

	err := sqlx.GetContext(ctx, r.ext, &account, query, principal, datasetKey)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find budget account")
	}
	return &account, nil
}

// FindAccountByID loads an account by primary key.
func (r *BudgetRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.BudgetAccount, error) {
	var account domain.BudgetAccount
	query := `SELECT ` + accountColumns + ` FROM budget_accounts WHERE id = $1` + r.rowLock()

	err := sqlx.GetContext(ctx, r.ext, &account, query, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find budget account")
	}
	return &account, nil
}

// CreateAccount inserts a new account row.
func (r *BudgetRepository) CreateAccount(ctx context.Context, account *domain.BudgetAccount) error {
	query := `
		INSERT INTO budget_accounts (
			id, principal_id, dataset_key, state,
			allocated_epsilon, consumed_epsilon, pending_epsilon, reserve_epsilon,
			period_start, period_end, created_at, updated_at
		) VALUES (
			:id, :principal_id, :dataset_key, :state,
			:allocated_epsilon, :consumed_epsilon, :pending_epsilon, :reserve_epsilon,
			:period_start, :period_end, :created_at, :updated_at
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.ext, query, account); err != nil {
		return pkgerrors.Wrap(err, "failed to create budget account")
	}
	return nil
}

// SaveAccount writes the account's mutable columns.
func (r *BudgetRepository) SaveAccount(ctx context.Context, account *domain.BudgetAccount) error {
	query := `
		UPDATE budget_accounts SET
			state = :state,
			allocated_epsilon = :allocated_epsilon,
			consumed_epsilon = :consumed_epsilon,
			pending_epsilon = :pending_epsilon,
			reserve_epsilon = :reserve_epsilon,
			period_start = :period_start,
			period_end = :period_end,
			updated_at = :updated_at
		WHERE id = :id
	`
	result, err := sqlx.NamedExecContext(ctx, r.ext, query, account)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to save budget account")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to save budget account")
	}
	if rows == 0 {
		return pkgerrors.ErrAccountNotFound
	}
	return nil
}

// CreateReservation inserts a pending reservation.
func (r *BudgetRepository) CreateReservation(ctx context.Context, res *domain.Reservation) error {
	query := `
		INSERT INTO budget_reservations (
			token, account_id, query_id, epsilon, state, created_at, expires_at
		) VALUES (
			:token, :account_id, :query_id, :epsilon, :state, :created_at, :expires_at
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.ext, query, res); err != nil {
		return pkgerrors.Wrap(err, "failed to create reservation")
	}
	return nil
}

// FindReservation loads a reservation by token.
func (r *BudgetRepository) FindReservation(ctx context.Context, token uuid.UUID) (*domain.Reservation, error) {
	var res domain.Reservation
	query := `
		SELECT token, account_id, query_id, epsilon, state, created_at, expires_at
		FROM budget_reservations
		WHERE token = $1` + r.rowLock()

	err := sqlx.GetContext(ctx, r.ext, &res, query, token)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrReservationNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find reservation")
	}
	return &res, nil
}

// SaveReservation writes a reservation's state.
func (r *BudgetRepository) SaveReservation(ctx context.Context, res *domain.Reservation) error {
	query := `UPDATE budget_reservations SET state = :state WHERE token = :token`
	if _, err := sqlx.NamedExecContext(ctx, r.ext, query, res); err != nil {
		return pkgerrors.Wrap(err, "failed to save reservation")
	}
	return nil
}

// ExpiredReservations lists pending reservations whose TTL elapsed.
func (r *BudgetRepository) ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	query := `
		SELECT token, account_id, query_id, epsilon, state, created_at, expires_at
		FROM budget_reservations
		WHERE state = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	if err := sqlx.SelectContext(ctx, r.ext, &out, query, cutoff, limit); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list expired reservations")
	}
	return out, nil
}
