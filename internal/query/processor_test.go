package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tavren/internal/composition"
	"tavren/internal/domain"
	"tavren/pkg/errors"
	"tavren/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

// fakeLedger is a stateful BudgetLedger double that records the reservation
// lifecycle the processor drives.
type fakeLedger struct {
	account     *domain.BudgetAccount
	reserveErr  error
	reserved    bool
	reservedEps float64
	committed   bool
	released    bool
	token       uuid.UUID
}

func newFakeLedger() *fakeLedger {
	now := time.Now().UTC()
	return &fakeLedger{
		account: &domain.BudgetAccount{
			ID:          uuid.New(),
			State:       domain.AccountActive,
			Allocated:   decimal.NewFromFloat(5.0),
			Consumed:    decimal.Zero,
			Pending:     decimal.Zero,
			PeriodStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:   time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0),
		},
		token: uuid.New(),
	}
}

func (f *fakeLedger) CheckAndReserve(_ context.Context, _ uuid.UUID, _ string, queryID uuid.UUID, epsilonCost float64, _ bool) (*domain.Reservation, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.reserved = true
	f.reservedEps = epsilonCost
	return &domain.Reservation{
		Token:     f.token,
		AccountID: f.account.ID,
		QueryID:   queryID,
		Epsilon:   decimal.NewFromFloat(epsilonCost),
		State:     domain.ReservationPending,
	}, nil
}

func (f *fakeLedger) Commit(_ context.Context, token uuid.UUID) error {
	if token != f.token {
		return errors.ErrReservationNotFound
	}
	f.committed = true
	return nil
}

func (f *fakeLedger) Release(_ context.Context, token uuid.UUID) error {
	if token != f.token {
		return errors.ErrReservationNotFound
	}
	f.released = true
	return nil
}

func (f *fakeLedger) Snapshot(_ context.Context, _ uuid.UUID, _ string) (*domain.BudgetAccount, error) {
	return f.account, nil
}

type fakeRecords struct {
	exists  bool
	records []*domain.Record
}

func (f *fakeRecords) DatasetExists(_ context.Context, _ string) (bool, error) {
	return f.exists, nil
}

func (f *fakeRecords) FetchRecords(_ context.Context, _ string, _ []domain.Filter) ([]*domain.Record, error) {
	return f.records, nil
}

type fakeAudit struct {
	appended []*domain.AuditRecord
	served   []*domain.AuditRecord
}

func (f *fakeAudit) Append(_ context.Context, rec *domain.AuditRecord) error {
	f.appended = append(f.appended, rec)
	return nil
}

func (f *fakeAudit) ServedSince(_ context.Context, _ uuid.UUID, _ string, _ time.Time) ([]*domain.AuditRecord, error) {
	return f.served, nil
}

func makeRecords(n int, value float64) []*domain.Record {
	records := make([]*domain.Record, n)
	for i := range records {
		records[i] = &domain.Record{
			ID:    uuid.New(),
			Value: value,
		}
	}
	return records
}

func testProcessor(ledger *fakeLedger, records *fakeRecords, audit *fakeAudit) *Processor {
	return NewProcessor(ledger, records, audit, composition.NewTracker(), Config{
		DefaultEpsilon: 0.5,
		EpsilonCeiling: 2.0,
		DefaultDelta:   1e-5,
		MinRecordCount: 5,
	}, logger.NewNop())
}

func meanQuery(epsilon float64) *domain.Query {
	return &domain.Query{
		Principal:  uuid.New(),
		DatasetKey: "retail-visits",
		Statistic:  domain.MeanStatistic{Bounds: domain.Bounds{Lower: 0, Upper: 20}},
		Epsilon:    epsilon,
	}
}

// --- Tests ---

func TestExecute_MeanHappyPath(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(1000, 7.3)}
	audit := &fakeAudit{}
	p := testProcessor(ledger, records, audit)

	result, err := p.Execute(context.Background(), meanQuery(1.0))
	require.NoError(t, err)

	assert.True(t, ledger.committed)
	assert.False(t, ledger.released)
	assert.InDelta(t, 1.0, result.EpsilonCharged, 1e-12)
	assert.Equal(t, "laplace", result.Mechanism)
	assert.Equal(t, 1000, result.RecordCount)
	assert.GreaterOrEqual(t, result.Value, 0.0)
	assert.LessOrEqual(t, result.Value, 20.0)
	assert.Greater(t, result.CIHalfWidth, 0.0)
	assert.InDelta(t, result.Value-result.CIHalfWidth, result.CILower, 1e-9)
	assert.InDelta(t, result.Value+result.CIHalfWidth, result.CIUpper, 1e-9)
	assert.InDelta(t, 5.0, result.BudgetRemaining, 1e-9)

	require.Len(t, audit.appended, 1)
	assert.Equal(t, domain.OutcomeServed, audit.appended[0].Outcome)
}

func TestExecute_DefaultEpsilonApplied(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(100, 3.0)}
	p := testProcessor(ledger, records, &fakeAudit{})

	result, err := p.Execute(context.Background(), meanQuery(0))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, result.EpsilonCharged, 1e-12)
}

func TestExecute_GaussianWhenDeltaSet(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(100, 3.0)}
	p := testProcessor(ledger, records, &fakeAudit{})

	q := meanQuery(1.0)
	q.Delta = 1e-5

	result, err := p.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "gaussian", result.Mechanism)
}

func TestExecute_InvalidBoundsRejectedWithoutDebit(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(100, 3.0)}
	audit := &fakeAudit{}
	p := testProcessor(ledger, records, audit)

	q := &domain.Query{
		Principal:  uuid.New(),
		DatasetKey: "retail-visits",
		Statistic:  domain.MeanStatistic{Bounds: domain.Bounds{Lower: 20, Upper: 0}},
		Epsilon:    1.0,
	}

	_, err := p.Execute(context.Background(), q)
	assert.ErrorIs(t, err, errors.ErrInvalidQuery)
	assert.False(t, ledger.reserved, "rejection must not touch the budget")

	require.Len(t, audit.appended, 1)
	assert.Equal(t, domain.OutcomeRejected, audit.appended[0].Outcome)
	assert.True(t, audit.appended[0].EpsilonCharged.IsZero())
}

func TestExecute_MissingStatisticRejectedWithoutPanic(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(100, 3.0)}
	audit := &fakeAudit{}
	p := testProcessor(ledger, records, audit)

	q := &domain.Query{
		Principal:  uuid.New(),
		DatasetKey: "retail-visits",
		Epsilon:    1.0,
	}

	_, err := p.Execute(context.Background(), q)
	assert.ErrorIs(t, err, errors.ErrInvalidQuery)
	assert.False(t, ledger.reserved, "rejection must not touch the budget")

	require.Len(t, audit.appended, 1)
	assert.Equal(t, domain.OutcomeRejected, audit.appended[0].Outcome)
	assert.Empty(t, audit.appended[0].StatisticKind)
	assert.True(t, audit.appended[0].EpsilonCharged.IsZero())
}

func TestExecute_ThreeRecordsAlwaysRejected(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(3, 3.0)}
	p := testProcessor(ledger, records, &fakeAudit{})

	_, err := p.Execute(context.Background(), meanQuery(0.01))
	assert.ErrorIs(t, err, errors.ErrInsufficientData)
	assert.False(t, ledger.reserved)
}

func TestExecute_EpsilonCeiling(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(100, 3.0)}
	p := testProcessor(ledger, records, &fakeAudit{})

	_, err := p.Execute(context.Background(), meanQuery(3.0))
	assert.ErrorIs(t, err, errors.ErrExcessivePrecision)
	assert.False(t, ledger.reserved)
}

func TestExecute_DatasetMissing(t *testing.T) {
	ledger := newFakeLedger()
	p := testProcessor(ledger, &fakeRecords{exists: false}, &fakeAudit{})

	_, err := p.Execute(context.Background(), meanQuery(1.0))
	assert.ErrorIs(t, err, errors.ErrDatasetNotFound)
	assert.False(t, ledger.reserved)
}

func TestExecute_BudgetExhaustedPropagates(t *testing.T) {
	ledger := newFakeLedger()
	ledger.reserveErr = errors.ErrBudgetExhausted
	records := &fakeRecords{exists: true, records: makeRecords(100, 3.0)}
	audit := &fakeAudit{}
	p := testProcessor(ledger, records, audit)

	_, err := p.Execute(context.Background(), meanQuery(1.0))
	assert.ErrorIs(t, err, errors.ErrBudgetExhausted)

	require.Len(t, audit.appended, 1)
	assert.Equal(t, domain.OutcomeRejected, audit.appended[0].Outcome)
}

func TestExecute_Histogram(t *testing.T) {
	ledger := newFakeLedger()
	recs := append(makeRecords(50, 2.0), makeRecords(50, 8.0)...)
	records := &fakeRecords{exists: true, records: recs}
	p := testProcessor(ledger, records, &fakeAudit{})

	q := &domain.Query{
		Principal:  uuid.New(),
		DatasetKey: "retail-visits",
		Statistic: domain.HistogramStatistic{
			Bounds: domain.Bounds{Lower: 0, Upper: 10},
			Edges:  []float64{0, 5, 10},
		},
		Epsilon: 1.0,
	}

	result, err := p.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, result.BucketValues, 2)
	for _, v := range result.BucketValues {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	// Bucket counts 50 each, scale 1.0: noise should stay well under 25.
	assert.InDelta(t, 50.0, result.BucketValues[0], 25)
	assert.InDelta(t, 50.0, result.BucketValues[1], 25)
}

func TestExecute_ParallelCompositionDiscount(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(100, 3.0)}

	// A served query this period over the "north" partition at epsilon 0.8.
	priorFilters, err := json.Marshal([]domain.Filter{{Key: "region", Values: []string{"north"}}})
	require.NoError(t, err)
	audit := &fakeAudit{served: []*domain.AuditRecord{{
		EpsilonCharged: decimal.NewFromFloat(0.8),
		FiltersJSON:    priorFilters,
	}}}
	p := testProcessor(ledger, records, audit)

	q := meanQuery(0.5)
	q.Filters = []domain.Filter{{Key: "region", Values: []string{"south"}}}

	result, err := p.Execute(context.Background(), q)
	require.NoError(t, err)

	// Disjoint partition dominated by the prior query: marginal cost is zero.
	assert.InDelta(t, 0.0, ledger.reservedEps, 1e-12)
	assert.InDelta(t, 0.0, result.EpsilonCharged, 1e-12)
}

func TestExecute_SequentialCompositionChargesFull(t *testing.T) {
	ledger := newFakeLedger()
	records := &fakeRecords{exists: true, records: makeRecords(100, 3.0)}

	priorFilters, err := json.Marshal([]domain.Filter{{Key: "region", Values: []string{"north"}}})
	require.NoError(t, err)
	audit := &fakeAudit{served: []*domain.AuditRecord{{
		EpsilonCharged: decimal.NewFromFloat(0.8),
		FiltersJSON:    priorFilters,
	}}}
	p := testProcessor(ledger, records, audit)

	q := meanQuery(0.5)
	q.Filters = []domain.Filter{{Key: "region", Values: []string{"north"}}}

	_, err = p.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ledger.reservedEps, 1e-12)
}
