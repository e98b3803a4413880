// Package privacy implements the sensitivity registry and the noise
// mechanisms of the Tavren differential privacy layer.
package privacy

import (
	"fmt"

	"tavren/internal/domain"
	"tavren/pkg/errors"
)

// Sensitivity returns the L1 sensitivity of a statistic: the largest change a
// single record's presence or absence can cause in the true result.
func Sensitivity(stat domain.Statistic, recordCount int) (float64, error) {
	switch s := stat.(type) {
	case domain.CountStatistic:
		// One record moves a count by at most 1.
		return 1.0, nil

	case domain.SumStatistic:
		if !s.Bounds.Valid() {
			return 0, errors.Wrap(errors.ErrInvalidBounds,
				fmt.Sprintf("sum bounds [%g, %g]", s.Bounds.Lower, s.Bounds.Upper))
		}
		return s.Bounds.Width(), nil

	case domain.MeanStatistic:
		if !s.Bounds.Valid() {
			return 0, errors.Wrap(errors.ErrInvalidBounds,
				fmt.Sprintf("mean bounds [%g, %g]", s.Bounds.Lower, s.Bounds.Upper))
		}
		if recordCount <= 0 {
			return 0, errors.Wrap(errors.ErrInvalidBounds,
				fmt.Sprintf("mean over %d records", recordCount))
		}
		return s.Bounds.Width() / float64(recordCount), nil

	case domain.HistogramStatistic:
		if err := validateEdges(s); err != nil {
			return 0, err
		}
		// Each record lands in exactly one bucket.
		return 1.0, nil

	default:
		return 0, errors.Wrap(errors.ErrUnknownStatistic, fmt.Sprintf("%T", stat))
	}
}

// ValidateStatistic checks the structural validity of a statistic without
// reference to a dataset. The processor calls it before touching the budget.
func ValidateStatistic(stat domain.Statistic) error {
	switch s := stat.(type) {
	case domain.CountStatistic:
		return nil
	case domain.SumStatistic:
		if !s.Bounds.Valid() {
			return errors.ErrInvalidBounds
		}
		return nil
	case domain.MeanStatistic:
		if !s.Bounds.Valid() {
			return errors.ErrInvalidBounds
		}
		return nil
	case domain.HistogramStatistic:
		return validateEdges(s)
	default:
		return errors.ErrUnknownStatistic
	}
}

func validateEdges(s domain.HistogramStatistic) error {
	if !s.Bounds.Valid() {
		return errors.ErrInvalidBounds
	}
	if len(s.Edges) < 2 {
		return errors.Wrap(errors.ErrInvalidBounds, "histogram needs at least two edges")
	}
	for i := 1; i < len(s.Edges); i++ {
		if s.Edges[i] <= s.Edges[i-1] {
			return errors.Wrap(errors.ErrInvalidBounds, "histogram edges must be strictly increasing")
		}
	}
	return nil
}
