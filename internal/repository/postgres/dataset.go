package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tavren/internal/domain"
	pkgerrors "tavren/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// DatasetRepository reads dataset metadata and records. Records are the Data
// Storage collaborator's materialized view: this repository is strictly
// read-only apart from the seeding helpers.
type DatasetRepository struct {
	db *sqlx.DB
}

// NewDatasetRepository creates a new DatasetRepository.
func NewDatasetRepository(db *sqlx.DB) *DatasetRepository {
	return &DatasetRepository{db: db}
}

// FindByKey loads one dataset's metadata.
func (r *DatasetRepository) FindByKey(ctx context.Context, key string) (*domain.Dataset, error) {
	var ds domain.Dataset
	query := `SELECT key, name, description, record_type, created_at FROM datasets WHERE key = $1`

	err := r.db.GetContext(ctx, &ds, query, key)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrDatasetNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find dataset")
	}
	return &ds, nil
}

// FindAll lists every dataset.
func (r *DatasetRepository) FindAll(ctx context.Context) ([]*domain.Dataset, error) {
	var out []*domain.Dataset
	query := `SELECT key, name, description, record_type, created_at FROM datasets ORDER BY key`
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list datasets")
	}
	return out, nil
}

// Exists reports whether a dataset key is registered.
func (r *DatasetRepository) Exists(ctx context.Context, key string) (bool, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM datasets WHERE key = $1`, key); err != nil {
		return false, pkgerrors.Wrap(err, "failed to check dataset")
	}
	return count > 0, nil
}

type recordRow struct {
	ID         uuid.UUID `db:"id"`
	DatasetKey string    `db:"dataset_key"`
	UserRef    string    `db:"user_ref"`
	Value      float64   `db:"value"`
	Attributes []byte    `db:"attributes"`
	RecordedAt time.Time `db:"recorded_at"`
}

// FetchRecords returns the filtered records of a dataset. Filters are
// conjunctive; each one constrains a categorical attribute to a value set.
func (r *DatasetRepository) FetchRecords(ctx context.Context, datasetKey string, filters []domain.Filter) ([]*domain.Record, error) {
	query := `
		SELECT id, dataset_key, user_ref, value, attributes, recorded_at
		FROM dataset_records
		WHERE dataset_key = $1`
	args := []interface{}{datasetKey}

	for _, f := range filters {
		if len(f.Values) == 0 {
			continue
		}
		args = append(args, f.Key, pq.Array(f.Values))
		query += fmt.Sprintf(" AND attributes->>$%d = ANY($%d)", len(args)-1, len(args))
	}

	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch records")
	}

	out := make([]*domain.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountRecords returns the record count of a dataset without materializing it.
func (r *DatasetRepository) CountRecords(ctx context.Context, datasetKey string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM dataset_records WHERE dataset_key = $1`
	if err := r.db.GetContext(ctx, &count, query, datasetKey); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count records")
	}
	return count, nil
}

// CreateDataset registers a dataset. Used by the seeder only.
func (r *DatasetRepository) CreateDataset(ctx context.Context, ds *domain.Dataset) error {
	query := `
		INSERT INTO datasets (key, name, description, record_type, created_at)
		VALUES (:key, :name, :description, :record_type, :created_at)
		ON CONFLICT (key) DO NOTHING
	`
	if _, err := r.db.NamedExecContext(ctx, query, ds); err != nil {
		return pkgerrors.Wrap(err, "failed to create dataset")
	}
	return nil
}

// InsertRecords bulk-loads records. Used by the seeder only.
func (r *DatasetRepository) InsertRecords(ctx context.Context, records []*domain.Record) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO dataset_records (id, dataset_key, user_ref, value, attributes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, rec := range records {
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to encode attributes")
		}
		if _, err := tx.ExecContext(ctx, query,
			rec.ID, rec.DatasetKey, rec.UserRef, rec.Value, attrs, rec.RecordedAt); err != nil {
			return pkgerrors.Wrap(err, "failed to insert record")
		}
	}

	return tx.Commit()
}

func rowToRecord(row recordRow) (*domain.Record, error) {
	rec := &domain.Record{
		ID:         row.ID,
		DatasetKey: row.DatasetKey,
		UserRef:    row.UserRef,
		Value:      row.Value,
		RecordedAt: row.RecordedAt,
	}
	if len(row.Attributes) > 0 {
		if err := json.Unmarshal(row.Attributes, &rec.Attributes); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to decode attributes")
		}
	}
	return rec, nil
}
