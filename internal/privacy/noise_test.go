package privacy

import (
	"math"
	"testing"

	"tavren/internal/domain"
	"tavren/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLaplaceNoise_InvalidParameters(t *testing.T) {
	_, err := AddLaplaceNoise(10, 1, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidPrivacyParameter)

	_, err = AddLaplaceNoise(10, 1, -0.5)
	assert.ErrorIs(t, err, errors.ErrInvalidPrivacyParameter)

	_, err = AddLaplaceNoise(10, 0, 1)
	assert.ErrorIs(t, err, errors.ErrInvalidPrivacyParameter)
}

func TestAddGaussianNoise_InvalidParameters(t *testing.T) {
	_, err := AddGaussianNoise(10, 1, 1, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidPrivacyParameter)

	_, err = AddGaussianNoise(10, 1, 1, 1)
	assert.ErrorIs(t, err, errors.ErrInvalidPrivacyParameter)

	_, err = AddGaussianNoise(10, 1, 0, 1e-5)
	assert.ErrorIs(t, err, errors.ErrInvalidPrivacyParameter)
}

// Empirical variance of Laplace noise converges to 2*(sensitivity/epsilon)^2.
func TestLaplaceNoise_EmpiricalVariance(t *testing.T) {
	const (
		trials      = 200000
		sensitivity = 1.0
		epsilon     = 0.5
	)

	scale := LaplaceScale(sensitivity, epsilon)
	expected := 2 * scale * scale

	var sum, sumSq float64
	for i := 0; i < trials; i++ {
		v, err := AddLaplaceNoise(0, sensitivity, epsilon)
		require.NoError(t, err)
		sum += v
		sumSq += v * v
	}

	mean := sum / trials
	variance := sumSq/trials - mean*mean

	assert.InDelta(t, 0.0, mean, 0.05, "noise should be centered")
	// Sample variance of a Laplace has heavy tails; 5% relative tolerance over
	// 200k trials is far wider than its standard error.
	assert.InEpsilon(t, expected, variance, 0.05)
}

func TestGaussianNoise_EmpiricalVariance(t *testing.T) {
	const (
		trials      = 200000
		sensitivity = 1.0
		epsilon     = 1.0
		delta       = 1e-5
	)

	sigma := GaussianSigma(sensitivity, epsilon, delta)

	var sum, sumSq float64
	for i := 0; i < trials; i++ {
		v, err := AddGaussianNoise(0, sensitivity, epsilon, delta)
		require.NoError(t, err)
		sum += v
		sumSq += v * v
	}

	mean := sum / trials
	variance := sumSq/trials - mean*mean

	assert.InDelta(t, 0.0, mean, 0.1)
	assert.InEpsilon(t, sigma*sigma, variance, 0.05)
}

func TestGaussianSigma_Formula(t *testing.T) {
	sigma := GaussianSigma(2.0, 0.5, 1e-5)
	expected := 2.0 * math.Sqrt(2*math.Log(1.25/1e-5)) / 0.5
	assert.InDelta(t, expected, sigma, 1e-12)
}

func TestLaplaceHalfWidth(t *testing.T) {
	// At 95% confidence the half-width is scale * ln(20).
	hw := LaplaceHalfWidth(2.0, 0.95)
	assert.InDelta(t, 2.0*math.Log(20), hw, 1e-9)
}

func TestGaussianHalfWidth(t *testing.T) {
	// At 95% confidence the z-score is ~1.96.
	hw := GaussianHalfWidth(1.0, 0.95)
	assert.InDelta(t, 1.959964, hw, 1e-4)
}

func TestClamp(t *testing.T) {
	b := domain.Bounds{Lower: 0, Upper: 20}
	assert.Equal(t, 0.0, Clamp(-3.2, b))
	assert.Equal(t, 20.0, Clamp(57.0, b))
	assert.Equal(t, 11.5, Clamp(11.5, b))
}

// Scenario from the packaging pilot: mean over 1000 retail-visit records,
// bounds [0, 20], epsilon 1.0. Sensitivity 0.02, scale 0.02; the noised result
// should stay within 3 scales of the true mean. For a Laplace draw that
// probability is 1 - e^-3, about 95%.
func TestLaplaceNoise_RetailVisitScenario(t *testing.T) {
	const (
		trials   = 10000
		trueMean = 7.3
		epsilon  = 1.0
	)

	stat := domain.MeanStatistic{Bounds: domain.Bounds{Lower: 0, Upper: 20}}
	sens, err := Sensitivity(stat, 1000)
	require.NoError(t, err)
	require.InDelta(t, 0.02, sens, 1e-12)

	scale := LaplaceScale(sens, epsilon)
	within := 0
	for i := 0; i < trials; i++ {
		v, err := AddLaplaceNoise(trueMean, sens, epsilon)
		require.NoError(t, err)
		if math.Abs(v-trueMean) <= 3*scale {
			within++
		}
	}

	// P(|Laplace(b)| <= 3b) = 1 - e^-3 ~ 0.9502; demand at least 0.93 to keep
	// the test deterministic in practice.
	assert.GreaterOrEqual(t, float64(within)/trials, 0.93)
}

func TestSecureUniform_OpenInterval(t *testing.T) {
	for i := 0; i < 10000; i++ {
		u := secureUniform()
		assert.Greater(t, u, 0.0)
		assert.Less(t, u, 1.0)
	}
}
