// Package domain holds the core types of the Tavren privacy layer.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StatisticKind names the supported aggregate statistics.
type StatisticKind string

const (
	StatisticCount     StatisticKind = "count"
	StatisticSum       StatisticKind = "sum"
	StatisticMean      StatisticKind = "mean"
	StatisticHistogram StatisticKind = "histogram"
)

// Bounds declares the value range a buyer asserts for a record field. Noise
// calibration and post-noise clamping both derive from it.
type Bounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Width returns Upper - Lower.
func (b Bounds) Width() float64 {
	return b.Upper - b.Lower
}

// Valid reports whether the bounds describe a non-empty range.
func (b Bounds) Valid() bool {
	return b.Upper > b.Lower
}

// Statistic is the closed set of aggregate requests. Each variant carries
// exactly the fields its sensitivity and evaluation need, so the registry and
// processor switch on the concrete type instead of dispatching on strings.
type Statistic interface {
	Kind() StatisticKind
}

// CountStatistic counts records. Bounds are irrelevant to its sensitivity.
type CountStatistic struct{}

func (CountStatistic) Kind() StatisticKind { return StatisticCount }

// SumStatistic sums a record value clamped to the declared bounds.
type SumStatistic struct {
	Bounds Bounds
}

func (SumStatistic) Kind() StatisticKind { return StatisticSum }

// MeanStatistic averages a record value clamped to the declared bounds.
type MeanStatistic struct {
	Bounds Bounds
}

func (MeanStatistic) Kind() StatisticKind { return StatisticMean }

// HistogramStatistic buckets record values by consecutive edges. A record
// lands in exactly one bucket, so per-bucket sensitivity is 1.
type HistogramStatistic struct {
	Bounds Bounds
	Edges  []float64
}

func (HistogramStatistic) Kind() StatisticKind { return StatisticHistogram }

// Filter restricts a query to records whose categorical attribute is one of
// the listed values. Filters on the same key are what the composition tracker
// inspects for disjointness.
type Filter struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// Query is a single statistic request against one dataset.
type Query struct {
	ID          uuid.UUID
	Principal   uuid.UUID
	DatasetKey  string
	Statistic   Statistic
	Filters     []Filter
	Epsilon     float64
	Delta       float64 // zero selects the Laplace mechanism
	UseReserve  bool    // explicit opt-in to the emergency reserve
	SubmittedAt time.Time
}

// AccountState is the budget account lifecycle.
type AccountState string

const (
	AccountActive    AccountState = "active"
	AccountExhausted AccountState = "exhausted"
	AccountSuspended AccountState = "suspended"
)

// BudgetAccount tracks cumulative privacy spend for one (principal, dataset)
// pair within the current accounting period.
type BudgetAccount struct {
	ID          uuid.UUID       `db:"id"`
	Principal   uuid.UUID       `db:"principal_id"`
	DatasetKey  string          `db:"dataset_key"`
	State       AccountState    `db:"state"`
	Allocated   decimal.Decimal `db:"allocated_epsilon"`
	Consumed    decimal.Decimal `db:"consumed_epsilon"`
	Pending     decimal.Decimal `db:"pending_epsilon"`
	Reserve     decimal.Decimal `db:"reserve_epsilon"`
	PeriodStart time.Time       `db:"period_start"`
	PeriodEnd   time.Time       `db:"period_end"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// Remaining returns the epsilon still spendable this period, excluding reserve.
func (a *BudgetAccount) Remaining() decimal.Decimal {
	return a.Allocated.Sub(a.Consumed).Sub(a.Pending)
}

// ReservationState is the two-phase reservation lifecycle.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a provisional budget debit. It is the sole authorization to
// finalize a noised result; a token never yields more than one result.
type Reservation struct {
	Token     uuid.UUID        `db:"token"`
	AccountID uuid.UUID        `db:"account_id"`
	QueryID   uuid.UUID        `db:"query_id"`
	Epsilon   decimal.Decimal  `db:"epsilon"`
	State     ReservationState `db:"state"`
	CreatedAt time.Time        `db:"created_at"`
	ExpiresAt time.Time        `db:"expires_at"`
}

// QueryResult is the noised answer issued for one accepted query. Immutable:
// the same logical query is never re-noised.
type QueryResult struct {
	QueryID         uuid.UUID `json:"query_id"`
	Value           float64   `json:"value"`
	BucketValues    []float64 `json:"bucket_values,omitempty"`
	CILower         float64   `json:"ci_lower"`
	CIUpper         float64   `json:"ci_upper"`
	CIHalfWidth     float64   `json:"ci_half_width"`
	Mechanism       string    `json:"mechanism"`
	EpsilonCharged  float64   `json:"epsilon_charged"`
	BudgetRemaining float64   `json:"budget_remaining"`
	RecordCount     int       `json:"record_count"`
	IssuedAt        time.Time `json:"issued_at"`
}

// AuditOutcome distinguishes served results from structured rejections.
type AuditOutcome string

const (
	OutcomeServed   AuditOutcome = "served"
	OutcomeRejected AuditOutcome = "rejected"
)

// AuditRecord is one append-only entry in the query audit log, retained for
// compliance review and reconstruction-attack detection. It also carries the
// filter shape the composition tracker replays for later queries in the
// same period.
type AuditRecord struct {
	ID             uuid.UUID       `db:"id"`
	QueryID        uuid.UUID       `db:"query_id"`
	Principal      uuid.UUID       `db:"principal_id"`
	DatasetKey     string          `db:"dataset_key"`
	StatisticKind  StatisticKind   `db:"statistic_kind"`
	FiltersJSON    []byte          `db:"filters"`
	EpsilonCharged decimal.Decimal `db:"epsilon_charged"`
	Outcome        AuditOutcome    `db:"outcome"`
	Reason         string          `db:"reason"`
	ResultSummary  string          `db:"result_summary"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Dataset is a logical collection of per-user records of one data type.
type Dataset struct {
	Key         string    `db:"key"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	RecordType  string    `db:"record_type"`
	CreatedAt   time.Time `db:"created_at"`
}

// Record is one per-user observation supplied by the Data Storage
// collaborator. Attributes hold the categorical keys filters match on.
type Record struct {
	ID         uuid.UUID         `db:"id"`
	DatasetKey string            `db:"dataset_key"`
	UserRef    string            `db:"user_ref"`
	Value      float64           `db:"value"`
	Attributes map[string]string `db:"-"`
	RecordedAt time.Time         `db:"recorded_at"`
}

// APIKey identifies a buyer principal calling through the gateway.
type APIKey struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Principal uuid.UUID `db:"principal_id" json:"principal_id"`
	Name      string    `db:"name" json:"name"`
	KeyPrefix string    `db:"key_prefix" json:"key_prefix"`
	// The stored hash never leaves the service, even on admin listings.
	KeyHash    string     `db:"key_hash" json:"-"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}
