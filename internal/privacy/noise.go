package privacy

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"tavren/internal/domain"
	"tavren/pkg/errors"
)

// Mechanism names the noise distribution applied to a result.
type Mechanism string

const (
	MechanismLaplace  Mechanism = "laplace"
	MechanismGaussian Mechanism = "gaussian"
)

// AddLaplaceNoise perturbs trueValue with Laplace noise of scale
// sensitivity/epsilon. Draws come from crypto/rand: repeated identical
// queries must not produce reconstructible noise.
func AddLaplaceNoise(trueValue, sensitivity, epsilon float64) (float64, error) {
	if epsilon <= 0 {
		return 0, errors.Wrap(errors.ErrInvalidPrivacyParameter,
			fmt.Sprintf("epsilon %g", epsilon))
	}
	if sensitivity <= 0 {
		return 0, errors.Wrap(errors.ErrInvalidPrivacyParameter,
			fmt.Sprintf("sensitivity %g", sensitivity))
	}
	return trueValue + laplaceSample(LaplaceScale(sensitivity, epsilon)), nil
}

// AddGaussianNoise perturbs trueValue with Gaussian noise of standard
// deviation sensitivity * sqrt(2*ln(1.25/delta)) / epsilon.
func AddGaussianNoise(trueValue, sensitivity, epsilon, delta float64) (float64, error) {
	if epsilon <= 0 || delta <= 0 || delta >= 1 {
		return 0, errors.Wrap(errors.ErrInvalidPrivacyParameter,
			fmt.Sprintf("epsilon %g, delta %g", epsilon, delta))
	}
	if sensitivity <= 0 {
		return 0, errors.Wrap(errors.ErrInvalidPrivacyParameter,
			fmt.Sprintf("sensitivity %g", sensitivity))
	}
	return trueValue + gaussianSample(GaussianSigma(sensitivity, epsilon, delta)), nil
}

// LaplaceScale is the b parameter of the Laplace mechanism.
func LaplaceScale(sensitivity, epsilon float64) float64 {
	return sensitivity / epsilon
}

// GaussianSigma is the standard deviation of the Gaussian mechanism.
func GaussianSigma(sensitivity, epsilon, delta float64) float64 {
	return sensitivity * math.Sqrt(2*math.Log(1.25/delta)) / epsilon
}

// LaplaceHalfWidth returns the half-width of a symmetric confidence interval
// for Laplace noise: P(|X| <= t) = confidence gives t = scale * ln(1/(1-confidence)).
func LaplaceHalfWidth(scale, confidence float64) float64 {
	return scale * math.Log(1/(1-confidence))
}

// GaussianHalfWidth returns the half-width of a symmetric confidence interval
// for Gaussian noise via the standard z-score.
func GaussianHalfWidth(sigma, confidence float64) float64 {
	// Phi^-1((1+c)/2) = sqrt(2) * erfinv(c)
	return sigma * math.Sqrt2 * math.Erfinv(confidence)
}

// Clamp pins a noised value back into the declared bounds. Post-processing:
// consumes no additional budget.
func Clamp(value float64, bounds domain.Bounds) float64 {
	if value < bounds.Lower {
		return bounds.Lower
	}
	if value > bounds.Upper {
		return bounds.Upper
	}
	return value
}

// laplaceSample draws from Laplace(0, scale) by inverse CDF.
func laplaceSample(scale float64) float64 {
	u := secureUniform() - 0.5
	if u < 0 {
		return scale * math.Log(1.0+2.0*u)
	}
	return -scale * math.Log(1.0-2.0*u)
}

// gaussianSample draws from N(0, sigma^2) by Box-Muller.
func gaussianSample(sigma float64) float64 {
	u1 := secureUniform()
	u2 := secureUniform()
	z0 := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return sigma * z0
}

// secureUniform draws a uniform float64 in the open interval (0, 1) using the
// 53 most significant bits of a crypto/rand word.
func secureUniform() float64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand failing means the platform random source is gone;
			// there is no safe fallback for a privacy mechanism.
			panic(fmt.Sprintf("privacy: crypto/rand unavailable: %v", err))
		}
		u := float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
		if u > 0 {
			return u
		}
	}
}
