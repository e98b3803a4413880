package composition

import (
	"testing"

	"tavren/internal/domain"

	"github.com/stretchr/testify/assert"
)

func filterOn(key string, values ...string) []domain.Filter {
	return []domain.Filter{{Key: key, Values: values}}
}

func TestDisjoint_MutuallyExclusiveCategories(t *testing.T) {
	a := filterOn("region", "north")
	b := filterOn("region", "south")
	assert.True(t, Disjoint(a, b))
}

func TestDisjoint_SharedValueOverlaps(t *testing.T) {
	a := filterOn("region", "north", "east")
	b := filterOn("region", "east", "south")
	assert.False(t, Disjoint(a, b))
}

func TestDisjoint_UnfilteredSideOverlaps(t *testing.T) {
	a := filterOn("region", "north")
	assert.False(t, Disjoint(a, nil))
	assert.False(t, Disjoint(nil, a))
	assert.False(t, Disjoint(nil, nil))
}

func TestDisjoint_DifferentKeysOverlap(t *testing.T) {
	a := filterOn("region", "north")
	b := filterOn("category", "grocery")
	assert.False(t, Disjoint(a, b))
}

func TestDisjoint_AnyExclusiveConjunctSuffices(t *testing.T) {
	a := []domain.Filter{
		{Key: "region", Values: []string{"north"}},
		{Key: "category", Values: []string{"grocery"}},
	}
	b := []domain.Filter{
		{Key: "region", Values: []string{"south"}},
		{Key: "category", Values: []string{"grocery"}},
	}
	assert.True(t, Disjoint(a, b))
}

func TestCompose_ParallelUsesMax(t *testing.T) {
	tr := NewTracker()
	history := []QueryScope{{Epsilon: 0.4, Filters: filterOn("region", "north")}}
	next := QueryScope{Epsilon: 0.7, Filters: filterOn("region", "south")}

	assert.InDelta(t, 0.7, tr.Compose(history, next), 1e-12)
}

func TestCompose_SequentialSums(t *testing.T) {
	tr := NewTracker()
	history := []QueryScope{{Epsilon: 0.4, Filters: filterOn("region", "north")}}
	next := QueryScope{Epsilon: 0.7, Filters: filterOn("region", "north")}

	assert.InDelta(t, 1.1, tr.Compose(history, next), 1e-12)
}

func TestCompose_MixedSetFallsBackToSequential(t *testing.T) {
	tr := NewTracker()
	// Two disjoint partitions plus one unfiltered query: the unfiltered query
	// overlaps both, so the whole set composes sequentially.
	history := []QueryScope{
		{Epsilon: 0.2, Filters: filterOn("region", "north")},
		{Epsilon: 0.3, Filters: filterOn("region", "south")},
	}
	next := QueryScope{Epsilon: 0.1}

	assert.InDelta(t, 0.6, tr.Compose(history, next), 1e-12)
}

func TestCost_FirstQueryChargesOwnEpsilon(t *testing.T) {
	tr := NewTracker()
	assert.InDelta(t, 0.5, tr.Cost(nil, QueryScope{Epsilon: 0.5}), 1e-12)
}

func TestCost_DominatedPartitionIsFree(t *testing.T) {
	tr := NewTracker()
	history := []QueryScope{{Epsilon: 0.8, Filters: filterOn("region", "north")}}
	next := QueryScope{Epsilon: 0.5, Filters: filterOn("region", "south")}

	assert.InDelta(t, 0.0, tr.Cost(history, next), 1e-12)
}

func TestCost_LargerPartitionChargesDifference(t *testing.T) {
	tr := NewTracker()
	history := []QueryScope{{Epsilon: 0.3, Filters: filterOn("region", "north")}}
	next := QueryScope{Epsilon: 0.9, Filters: filterOn("region", "south")}

	assert.InDelta(t, 0.6, tr.Cost(history, next), 1e-12)
}

func TestCost_OverlappingChargesFullEpsilon(t *testing.T) {
	tr := NewTracker()
	history := []QueryScope{
		{Epsilon: 0.3, Filters: filterOn("region", "north")},
		{Epsilon: 0.2, Filters: filterOn("region", "north")},
	}
	next := QueryScope{Epsilon: 0.4, Filters: filterOn("region", "north")}

	assert.InDelta(t, 0.4, tr.Cost(history, next), 1e-12)
}
