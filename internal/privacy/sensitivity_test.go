package privacy

import (
	"testing"

	"tavren/internal/domain"
	"tavren/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensitivity_Count(t *testing.T) {
	s, err := Sensitivity(domain.CountStatistic{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s)
}

func TestSensitivity_Sum(t *testing.T) {
	s, err := Sensitivity(domain.SumStatistic{
		Bounds: domain.Bounds{Lower: 0, Upper: 20},
	}, 1000)
	require.NoError(t, err)
	assert.Equal(t, 20.0, s)
}

func TestSensitivity_Mean(t *testing.T) {
	s, err := Sensitivity(domain.MeanStatistic{
		Bounds: domain.Bounds{Lower: 0, Upper: 20},
	}, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, s, 1e-12)
	assert.Greater(t, s, 0.0)
}

func TestSensitivity_MeanInvalid(t *testing.T) {
	_, err := Sensitivity(domain.MeanStatistic{
		Bounds: domain.Bounds{Lower: 10, Upper: 10},
	}, 100)
	assert.ErrorIs(t, err, errors.ErrInvalidBounds)

	_, err = Sensitivity(domain.MeanStatistic{
		Bounds: domain.Bounds{Lower: 0, Upper: 20},
	}, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidBounds)
}

func TestSensitivity_Histogram(t *testing.T) {
	s, err := Sensitivity(domain.HistogramStatistic{
		Bounds: domain.Bounds{Lower: 0, Upper: 10},
		Edges:  []float64{0, 2, 4, 6, 8, 10},
	}, 50)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s)
}

func TestSensitivity_HistogramBadEdges(t *testing.T) {
	_, err := Sensitivity(domain.HistogramStatistic{
		Bounds: domain.Bounds{Lower: 0, Upper: 10},
		Edges:  []float64{0, 5, 5, 10},
	}, 50)
	assert.ErrorIs(t, err, errors.ErrInvalidBounds)

	_, err = Sensitivity(domain.HistogramStatistic{
		Bounds: domain.Bounds{Lower: 0, Upper: 10},
		Edges:  []float64{0},
	}, 50)
	assert.ErrorIs(t, err, errors.ErrInvalidBounds)
}

func TestValidateStatistic(t *testing.T) {
	assert.NoError(t, ValidateStatistic(domain.CountStatistic{}))
	assert.NoError(t, ValidateStatistic(domain.MeanStatistic{
		Bounds: domain.Bounds{Lower: 0, Upper: 1},
	}))
	assert.ErrorIs(t, ValidateStatistic(domain.SumStatistic{
		Bounds: domain.Bounds{Lower: 5, Upper: 5},
	}), errors.ErrInvalidBounds)
}
