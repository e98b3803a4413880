// Package composition applies sequential and parallel composition rules to
// price a query against the principal's history on a dataset.
package composition

import (
	"tavren/internal/domain"
)

// QueryScope is the slice of a past query the tracker needs: its charged
// epsilon and the filter predicates that define its data scope.
type QueryScope struct {
	Epsilon float64
	Filters []domain.Filter
}

// Tracker prices queries under basic composition. It holds no state; the
// caller supplies the period's history, which the ledger's audit log retains.
type Tracker struct{}

// NewTracker constructs a Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Compose returns the total privacy loss of the query set {history, next} on
// one dataset this period. When every pair of queries is provably disjoint the
// set forms a partition and parallel composition applies (max of epsilons);
// any pair that cannot be proven disjoint forces sequential composition
// (sum of epsilons). Conservative by policy: a false "disjoint" classification
// would under-charge privacy loss.
func (t *Tracker) Compose(history []QueryScope, next QueryScope) float64 {
	all := make([]QueryScope, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, next)

	if pairwiseDisjoint(all) {
		maxEps := 0.0
		for _, q := range all {
			if q.Epsilon > maxEps {
				maxEps = q.Epsilon
			}
		}
		return maxEps
	}

	sum := 0.0
	for _, q := range all {
		sum += q.Epsilon
	}
	return sum
}

// Cost returns the marginal epsilon to debit for next, given that the
// history's composed cost has already been charged. Never negative: parallel
// composition can make a new query free (its epsilon is dominated by an
// earlier partition's) but never a refund.
func (t *Tracker) Cost(history []QueryScope, next QueryScope) float64 {
	if len(history) == 0 {
		return next.Epsilon
	}

	before := t.composeAll(history)
	after := t.Compose(history, next)
	if after <= before {
		return 0
	}
	return after - before
}

func (t *Tracker) composeAll(queries []QueryScope) float64 {
	if len(queries) == 0 {
		return 0
	}
	return t.Compose(queries[:len(queries)-1], queries[len(queries)-1])
}

func pairwiseDisjoint(queries []QueryScope) bool {
	for i := 0; i < len(queries); i++ {
		for j := i + 1; j < len(queries); j++ {
			if !Disjoint(queries[i].Filters, queries[j].Filters) {
				return false
			}
		}
	}
	return true
}

// Disjoint reports whether two filter sets are provably mutually exclusive.
// Filters within a query are conjunctive, so it suffices to find one key both
// queries constrain with non-overlapping value sets. Anything else (a missing
// filter, a shared value, a key only one side constrains) is treated as
// overlapping.
func Disjoint(a, b []domain.Filter) bool {
	byKey := make(map[string]map[string]struct{}, len(b))
	for _, f := range b {
		if len(f.Values) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(f.Values))
		for _, v := range f.Values {
			set[v] = struct{}{}
		}
		byKey[f.Key] = set
	}

	for _, f := range a {
		if len(f.Values) == 0 {
			continue
		}
		other, ok := byKey[f.Key]
		if !ok {
			continue
		}
		intersects := false
		for _, v := range f.Values {
			if _, hit := other[v]; hit {
				intersects = true
				break
			}
		}
		if !intersects {
			return true
		}
	}
	return false
}
