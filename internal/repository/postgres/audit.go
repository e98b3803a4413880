package postgres

import (
	"context"
	"time"

	"tavren/internal/domain"
	pkgerrors "tavren/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AuditRepository implements the append-only query audit log.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const auditColumns = `
	id, query_id, principal_id, dataset_key, statistic_kind,
	filters, epsilon_charged, outcome, reason, result_summary, created_at
`

// Append inserts a new audit entry. Entries are never updated or deleted.
func (r *AuditRepository) Append(ctx context.Context, rec *domain.AuditRecord) error {
	query := `
		INSERT INTO query_audit_log (
			id, query_id, principal_id, dataset_key, statistic_kind,
			filters, epsilon_charged, outcome, reason, result_summary, created_at
		) VALUES (
			:id, :query_id, :principal_id, :dataset_key, :statistic_kind,
			:filters, :epsilon_charged, :outcome, :reason, :result_summary, :created_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return pkgerrors.Wrap(err, "failed to append audit record")
	}
	return nil
}

// ServedSince returns the served entries for a principal and dataset from the
// given instant on, oldest first. The composition tracker replays these.
func (r *AuditRepository) ServedSince(ctx context.Context, principal uuid.UUID, datasetKey string, since time.Time) ([]*domain.AuditRecord, error) {
	var out []*domain.AuditRecord
	query := `
		SELECT ` + auditColumns + `
		FROM query_audit_log
		WHERE principal_id = $1 AND dataset_key = $2
		  AND outcome = 'served' AND created_at >= $3
		ORDER BY created_at
	`
	if err := r.db.SelectContext(ctx, &out, query, principal, datasetKey, since); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load served queries")
	}
	return out, nil
}

// FindAll returns audit entries with pagination, newest first, for the
// compliance review surface.
func (r *AuditRepository) FindAll(ctx context.Context, limit, offset int) ([]*domain.AuditRecord, error) {
	var out []*domain.AuditRecord
	query := `
		SELECT ` + auditColumns + `
		FROM query_audit_log
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	if err := r.db.SelectContext(ctx, &out, query, limit, offset); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list audit records")
	}
	return out, nil
}

// FindByPrincipal returns a principal's audit entries, newest first.
func (r *AuditRepository) FindByPrincipal(ctx context.Context, principal uuid.UUID, limit, offset int) ([]*domain.AuditRecord, error) {
	var out []*domain.AuditRecord
	query := `
		SELECT ` + auditColumns + `
		FROM query_audit_log
		WHERE principal_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	if err := r.db.SelectContext(ctx, &out, query, principal, limit, offset); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list audit records")
	}
	return out, nil
}

// CountAll returns the total number of audit entries.
func (r *AuditRepository) CountAll(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM query_audit_log`); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count audit records")
	}
	return total, nil
}
