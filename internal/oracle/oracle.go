// Package oracle holds a discrete reference target used to check that the
// selection pipeline is properly weighted. It is test support only; no
// production path imports it.
//
// A ClassicalTarget is a proposal kernel p over a finite set of outcomes
// and a potential density G >= 0. The tilted, marginalized and normalized
// target is
//
//	π(x) = p(x) G(x) / Z,  Z = Σ p(x) G(x).
//
// Proper weighting of a mechanism that produces (x, w) pairs means
// E[w f(x)] = Σ p(x) G(x) f(x) for every non-negative f.
package oracle

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrEmptyKernel means the kernel has no outcomes.
	ErrEmptyKernel = errors.New("oracle: empty kernel")
	// ErrNotDistribution means the kernel probabilities are negative or do
	// not sum to one.
	ErrNotDistribution = errors.New("oracle: kernel is not a probability distribution")
	// ErrNegativeDensity means G(x) < 0 for some outcome.
	ErrNegativeDensity = errors.New("oracle: negative potential density")
	// ErrZeroNormalizer means Z = 0, so the target is undefined.
	ErrZeroNormalizer = errors.New("oracle: potential density has no mass under the kernel")
)

// Outcome is one point of the kernel with its probability.
type Outcome[X comparable] struct {
	Value X
	Prob  float64
}

// ClassicalTarget is the reference posterior a correct selection pipeline must reproduce.
type ClassicalTarget[X comparable] struct {
	Kernel  []Outcome[X]
	Density func(X) float64
}

// Validate checks that Kernel is a distribution and Density is non-negative
// with positive mass.
func (c ClassicalTarget[X]) Validate() error {
	if len(c.Kernel) == 0 {
		return ErrEmptyKernel
	}
	probs := make([]float64, len(c.Kernel))
	for i, o := range c.Kernel {
		if o.Prob < 0 || math.IsNaN(o.Prob) {
			return fmt.Errorf("%w: outcome %v has probability %v", ErrNotDistribution, o.Value, o.Prob)
		}
		if g := c.Density(o.Value); g < 0 || math.IsNaN(g) {
			return fmt.Errorf("%w: outcome %v", ErrNegativeDensity, o.Value)
		}
		probs[i] = o.Prob
	}
	if sum := floats.Sum(probs); math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("%w: probabilities sum to %v", ErrNotDistribution, sum)
	}
	if c.Normalizer() <= 0 {
		return ErrZeroNormalizer
	}
	return nil
}

// Prob returns p(x), summing duplicate outcomes.
func (c ClassicalTarget[X]) Prob(x X) float64 {
	p := 0.0
	for _, o := range c.Kernel {
		if o.Value == x {
			p += o.Prob
		}
	}
	return p
}

// Normalizer returns Z = Σ p(x) G(x).
func (c ClassicalTarget[X]) Normalizer() float64 {
	return c.Expectation(func(X) float64 { return 1 })
}

// Expectation returns the unnormalized tilted expectation Σ p(x) G(x) f(x),
// which is what E[w f(x)] must equal.
func (c ClassicalTarget[X]) Expectation(f func(X) float64) float64 {
	probs := make([]float64, len(c.Kernel))
	vals := make([]float64, len(c.Kernel))
	for i, o := range c.Kernel {
		probs[i] = o.Prob
		vals[i] = c.Density(o.Value) * f(o.Value)
	}
	return floats.Dot(probs, vals)
}

// Posterior returns π marginalized onto distinct outcome values.
func (c ClassicalTarget[X]) Posterior() map[X]float64 {
	z := c.Normalizer()
	out := make(map[X]float64, len(c.Kernel))
	for _, o := range c.Kernel {
		out[o.Value] += o.Prob * c.Density(o.Value) / z
	}
	return out
}

// PosteriorExpectation returns E_π[f].
func (c ClassicalTarget[X]) PosteriorExpectation(f func(X) float64) float64 {
	return c.Expectation(f) / c.Normalizer()
}

// ============================================================================
// Monte Carlo estimators
// ============================================================================

// Draw is one weighted sample produced by the mechanism under test. Weight
// is linear, not log.
type Draw[X comparable] struct {
	Value  X
	Weight float64
}

// WeightedMean estimates E[w f(x)] as the plain average of w f(x). It is
// unbiased for Expectation(f) when the draws are properly weighted.
func WeightedMean[X comparable](draws []Draw[X], f func(X) float64) float64 {
	if len(draws) == 0 {
		return 0
	}
	terms := make([]float64, len(draws))
	for i, d := range draws {
		terms[i] = d.Weight * f(d.Value)
	}
	return stat.Mean(terms, nil)
}

// SelfNormalized estimates E_π[f] as Σ w f(x) / Σ w.
func SelfNormalized[X comparable](draws []Draw[X], f func(X) float64) float64 {
	vals := make([]float64, len(draws))
	weights := make([]float64, len(draws))
	for i, d := range draws {
		vals[i] = f(d.Value)
		weights[i] = d.Weight
	}
	if floats.Sum(weights) == 0 {
		return math.NaN()
	}
	return stat.Mean(vals, weights)
}

// StdErr returns the standard error of WeightedMean over draws.
func StdErr[X comparable](draws []Draw[X], f func(X) float64) float64 {
	if len(draws) < 2 {
		return math.Inf(1)
	}
	terms := make([]float64, len(draws))
	for i, d := range draws {
		terms[i] = d.Weight * f(d.Value)
	}
	return stat.StdErr(stat.StdDev(terms, nil), float64(len(terms)))
}

// Frequencies returns the empirical distribution of values.
func Frequencies[X comparable](values []X) map[X]float64 {
	out := make(map[X]float64)
	if len(values) == 0 {
		return out
	}
	for _, v := range values {
		out[v]++
	}
	for v := range out {
		out[v] /= float64(len(values))
	}
	return out
}

// TotalVariation returns ½ Σ |p(x) - q(x)| over the union of supports.
func TotalVariation[X comparable](p, q map[X]float64) float64 {
	d := 0.0
	for x, px := range p {
		d += math.Abs(px - q[x])
	}
	for x, qx := range q {
		if _, ok := p[x]; !ok {
			d += qx
		}
	}
	return d / 2
}
