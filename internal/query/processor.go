// Package query implements the differentially private query processor: it
// validates a buyer's query, prices it under composition, reserves budget,
// evaluates the true statistic, applies calibrated noise, and finalizes the
// ledger charge.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tavren/internal/composition"
	"tavren/internal/domain"
	"tavren/internal/privacy"
	"tavren/pkg/errors"
	"tavren/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const confidenceLevel = 0.95

// BudgetLedger is the slice of the budget service the processor uses.
type BudgetLedger interface {
	CheckAndReserve(ctx context.Context, principal uuid.UUID, datasetKey string, queryID uuid.UUID, epsilonCost float64, useReserve bool) (*domain.Reservation, error)
	Commit(ctx context.Context, token uuid.UUID) error
	Release(ctx context.Context, token uuid.UUID) error
	Snapshot(ctx context.Context, principal uuid.UUID, datasetKey string) (*domain.BudgetAccount, error)
}

// RecordSource is the read-only accessor onto the Data Storage collaborator.
// It returns a materialized view: records do not mutate mid-query.
type RecordSource interface {
	DatasetExists(ctx context.Context, datasetKey string) (bool, error)
	FetchRecords(ctx context.Context, datasetKey string, filters []domain.Filter) ([]*domain.Record, error)
}

// AuditLog is the append-only query audit trail. Served entries double as the
// composition history for the period.
type AuditLog interface {
	Append(ctx context.Context, rec *domain.AuditRecord) error
	ServedSince(ctx context.Context, principal uuid.UUID, datasetKey string, since time.Time) ([]*domain.AuditRecord, error)
}

// Config carries the processor policy knobs.
type Config struct {
	DefaultEpsilon float64
	EpsilonCeiling float64
	DefaultDelta   float64
	MinRecordCount int
}

// Processor executes queries. It is stateless and safe for concurrent use;
// the only shared mutable state lives behind the ledger.
type Processor struct {
	ledger  BudgetLedger
	records RecordSource
	audit   AuditLog
	tracker *composition.Tracker
	config  Config
	logger  logger.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(ledger BudgetLedger, records RecordSource, audit AuditLog, tracker *composition.Tracker, config Config, log logger.Logger) *Processor {
	return &Processor{
		ledger:  ledger,
		records: records,
		audit:   audit,
		tracker: tracker,
		config:  config,
		logger:  log,
	}
}

// Execute runs one query end to end. Rejections are returned as the sentinel
// errors of pkg/errors and leave the account's consumed budget untouched.
func (p *Processor) Execute(ctx context.Context, q *domain.Query) (*domain.QueryResult, error) {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.SubmittedAt.IsZero() {
		q.SubmittedAt = time.Now().UTC()
	}
	if q.Epsilon == 0 {
		q.Epsilon = p.config.DefaultEpsilon
	}

	if err := p.validate(ctx, q); err != nil {
		p.recordRejection(ctx, q, decimal.Zero, err)
		return nil, err
	}

	records, err := p.records.FetchRecords(ctx, q.DatasetKey, q.Filters)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch records")
	}
	if len(records) < p.config.MinRecordCount {
		// Too few records invites trivial reconstruction, whatever the budget.
		p.recordRejection(ctx, q, decimal.Zero, errors.ErrInsufficientData)
		return nil, errors.ErrInsufficientData
	}

	sensitivity, err := privacy.Sensitivity(q.Statistic, len(records))
	if err != nil {
		err = errors.Wrap(errors.ErrInvalidQuery, err.Error())
		p.recordRejection(ctx, q, decimal.Zero, err)
		return nil, err
	}

	cost, err := p.price(ctx, q)
	if err != nil {
		return nil, err
	}

	reservation, err := p.ledger.CheckAndReserve(ctx, q.Principal, q.DatasetKey, q.ID, cost, q.UseReserve)
	if err != nil {
		if errors.Is(err, errors.ErrBudgetExhausted) || errors.Is(err, errors.ErrAccountSuspended) {
			p.recordRejection(ctx, q, decimal.NewFromFloat(cost), err)
		}
		return nil, err
	}

	result, err := p.finalize(ctx, q, records, sensitivity, cost, reservation)
	if err != nil {
		// The reservation authorized exactly one noised answer; on any failure
		// before the result is issued, return the budget instead of retrying
		// with fresh randomness.
		if relErr := p.ledger.Release(ctx, reservation.Token); relErr != nil {
			p.logger.Error("Failed to release reservation", map[string]interface{}{
				"token": reservation.Token.String(),
				"error": relErr.Error(),
			})
		}
		return nil, err
	}

	return result, nil
}

func (p *Processor) validate(ctx context.Context, q *domain.Query) error {
	if err := privacy.ValidateStatistic(q.Statistic); err != nil {
		return errors.Wrap(errors.ErrInvalidQuery, err.Error())
	}
	if q.Epsilon <= 0 {
		return errors.Wrap(errors.ErrInvalidQuery, "epsilon must be positive")
	}
	if q.Delta < 0 || q.Delta >= 1 {
		return errors.Wrap(errors.ErrInvalidQuery, "delta must be in [0, 1)")
	}
	if q.Epsilon > p.config.EpsilonCeiling {
		// Policy cap independent of per-account budget: one huge query must
		// not defeat the purpose of the noise.
		return errors.ErrExcessivePrecision
	}

	exists, err := p.records.DatasetExists(ctx, q.DatasetKey)
	if err != nil {
		return errors.Wrap(err, "failed to look up dataset")
	}
	if !exists {
		return errors.ErrDatasetNotFound
	}
	return nil
}

// price computes the epsilon cost of the query under composition with the
// principal's served queries this period.
func (p *Processor) price(ctx context.Context, q *domain.Query) (float64, error) {
	account, err := p.ledger.Snapshot(ctx, q.Principal, q.DatasetKey)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load budget account")
	}

	served, err := p.audit.ServedSince(ctx, q.Principal, q.DatasetKey, account.PeriodStart)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load query history")
	}

	history := make([]composition.QueryScope, 0, len(served))
	for _, rec := range served {
		scope := composition.QueryScope{}
		scope.Epsilon, _ = rec.EpsilonCharged.Float64()
		if len(rec.FiltersJSON) > 0 {
			// A history entry whose filters cannot be decoded is treated as
			// unfiltered, which composes sequentially.
			_ = json.Unmarshal(rec.FiltersJSON, &scope.Filters)
		}
		history = append(history, scope)
	}

	return p.tracker.Cost(history, composition.QueryScope{
		Epsilon: q.Epsilon,
		Filters: q.Filters,
	}), nil
}

// finalize evaluates the true statistic, applies noise exactly once for the
// reservation, commits the charge, and writes the audit entry.
func (p *Processor) finalize(ctx context.Context, q *domain.Query, records []*domain.Record, sensitivity, cost float64, reservation *domain.Reservation) (*domain.QueryResult, error) {
	noised, err := p.noise(q, records, sensitivity)
	if err != nil {
		// Mechanism parameter errors are internal config faults; callers get
		// no detail beyond a generic failure.
		p.logger.Error("Noise mechanism failure", map[string]interface{}{
			"query_id": q.ID.String(),
			"error":    err.Error(),
		})
		return nil, errors.ErrInvalidPrivacyParameter
	}

	account, err := p.ledger.Snapshot(ctx, q.Principal, q.DatasetKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load budget snapshot")
	}
	// The pending reservation is already counted in Remaining, so the
	// post-commit balance equals the pre-commit one.
	remaining, _ := account.Remaining().Float64()

	if err := p.ledger.Commit(ctx, reservation.Token); err != nil {
		return nil, errors.Wrap(err, "failed to commit reservation")
	}

	noised.QueryID = q.ID
	noised.EpsilonCharged = cost
	noised.BudgetRemaining = remaining
	noised.RecordCount = len(records)
	noised.IssuedAt = time.Now().UTC()

	p.recordServed(ctx, q, decimal.NewFromFloat(cost), noised)

	return noised, nil
}

// noise evaluates the true statistic and perturbs it. Laplace by default;
// Gaussian when the query declares a delta for tighter composition.
func (p *Processor) noise(q *domain.Query, records []*domain.Record, sensitivity float64) (*domain.QueryResult, error) {
	mechanism := privacy.MechanismLaplace
	delta := q.Delta
	if delta > 0 {
		mechanism = privacy.MechanismGaussian
	}

	addNoise := func(v float64) (float64, error) {
		if mechanism == privacy.MechanismGaussian {
			return privacy.AddGaussianNoise(v, sensitivity, q.Epsilon, delta)
		}
		return privacy.AddLaplaceNoise(v, sensitivity, q.Epsilon)
	}

	var halfWidth float64
	if mechanism == privacy.MechanismGaussian {
		halfWidth = privacy.GaussianHalfWidth(privacy.GaussianSigma(sensitivity, q.Epsilon, delta), confidenceLevel)
	} else {
		halfWidth = privacy.LaplaceHalfWidth(privacy.LaplaceScale(sensitivity, q.Epsilon), confidenceLevel)
	}

	result := &domain.QueryResult{
		Mechanism:   string(mechanism),
		CIHalfWidth: halfWidth,
	}

	switch stat := q.Statistic.(type) {
	case domain.HistogramStatistic:
		trueBuckets := evaluateHistogram(stat, records)
		result.BucketValues = make([]float64, len(trueBuckets))
		for i, bucket := range trueBuckets {
			v, err := addNoise(bucket)
			if err != nil {
				return nil, err
			}
			// Bucket counts cannot be negative; clamping is post-processing.
			if v < 0 {
				v = 0
			}
			result.BucketValues[i] = v
		}
		return result, nil

	default:
		trueValue, bounds := evaluateScalar(q.Statistic, records)
		v, err := addNoise(trueValue)
		if err != nil {
			return nil, err
		}
		v = privacy.Clamp(v, bounds)
		result.Value = v
		result.CILower = v - halfWidth
		result.CIUpper = v + halfWidth
		return result, nil
	}
}

func (p *Processor) recordRejection(ctx context.Context, q *domain.Query, cost decimal.Decimal, cause error) {
	p.appendAudit(ctx, q, cost, domain.OutcomeRejected, cause.Error(), "")
}

func (p *Processor) recordServed(ctx context.Context, q *domain.Query, charged decimal.Decimal, result *domain.QueryResult) {
	summary := fmt.Sprintf("%s mechanism=%s ci_half_width=%g records=%d",
		q.Statistic.Kind(), result.Mechanism, result.CIHalfWidth, result.RecordCount)
	p.appendAudit(ctx, q, charged, domain.OutcomeServed, "", summary)
}

func (p *Processor) appendAudit(ctx context.Context, q *domain.Query, charged decimal.Decimal, outcome domain.AuditOutcome, reason, summary string) {
	// Rejected queries can carry no statistic at all; the audit entry still
	// has to land.
	var kind domain.StatisticKind
	if q.Statistic != nil {
		kind = q.Statistic.Kind()
	}

	filters, _ := json.Marshal(q.Filters)
	rec := &domain.AuditRecord{
		ID:             uuid.New(),
		QueryID:        q.ID,
		Principal:      q.Principal,
		DatasetKey:     q.DatasetKey,
		StatisticKind:  kind,
		FiltersJSON:    filters,
		EpsilonCharged: charged,
		Outcome:        outcome,
		Reason:         reason,
		ResultSummary:  summary,
		CreatedAt:      time.Now().UTC(),
	}

	if err := p.audit.Append(ctx, rec); err != nil {
		// The ledger charge already holds the budget invariant; losing the
		// history entry only forfeits a possible parallel-composition
		// discount for later queries.
		p.logger.Error("Failed to append audit record", map[string]interface{}{
			"query_id": q.ID.String(),
			"error":    err.Error(),
		})
	}
}
