package query

import (
	"math"

	"tavren/internal/domain"
)

// evaluateScalar computes the true value of a scalar statistic and the bounds
// the noised result is clamped into. Record values are clamped to the declared
// bounds before aggregation so the sensitivity assertion actually holds.
func evaluateScalar(stat domain.Statistic, records []*domain.Record) (float64, domain.Bounds) {
	switch s := stat.(type) {
	case domain.CountStatistic:
		return float64(len(records)), domain.Bounds{Lower: 0, Upper: math.Inf(1)}

	case domain.SumStatistic:
		sum := 0.0
		for _, r := range records {
			sum += clampValue(r.Value, s.Bounds)
		}
		n := float64(len(records))
		return sum, domain.Bounds{Lower: n * s.Bounds.Lower, Upper: n * s.Bounds.Upper}

	case domain.MeanStatistic:
		sum := 0.0
		for _, r := range records {
			sum += clampValue(r.Value, s.Bounds)
		}
		return sum / float64(len(records)), s.Bounds

	default:
		return 0, domain.Bounds{Lower: math.Inf(-1), Upper: math.Inf(1)}
	}
}

// evaluateHistogram counts records per bucket. Buckets are [edge_i, edge_i+1),
// with the final bucket closed on the right so the upper bound is included.
func evaluateHistogram(stat domain.HistogramStatistic, records []*domain.Record) []float64 {
	buckets := make([]float64, len(stat.Edges)-1)
	for _, r := range records {
		v := clampValue(r.Value, stat.Bounds)
		idx := bucketIndex(stat.Edges, v)
		if idx >= 0 {
			buckets[idx]++
		}
	}
	return buckets
}

func bucketIndex(edges []float64, v float64) int {
	if v < edges[0] {
		return -1
	}
	for i := 1; i < len(edges); i++ {
		if v < edges[i] {
			return i - 1
		}
	}
	if v == edges[len(edges)-1] {
		return len(edges) - 2
	}
	return -1
}

func clampValue(v float64, b domain.Bounds) float64 {
	if v < b.Lower {
		return b.Lower
	}
	if v > b.Upper {
		return b.Upper
	}
	return v
}
