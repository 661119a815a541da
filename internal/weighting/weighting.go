// Package weighting scores proposals that carry a stochastic sample.
//
// Weights live in the natural-log domain as float64. A weight of -Inf is
// zero, NaN is treated as zero, and +Inf dominates every finite weight.
// Normalization goes through log-sum-exp, so no finite log weight
// overflows.
package weighting

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ChuLiYu/turnsmc/internal/proposal"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

// Log is a natural-log scalar, e.g. a log potential or log-probability.
type Log float64

// Weight is an unnormalized resampling weight in log space.
type Weight float64

// ZeroWeight is the log of weight zero.
var ZeroWeight = Weight(math.Inf(-1))

// IsZero reports whether w carries no mass. NaN counts as zero.
func (w Weight) IsZero() bool {
	return math.IsNaN(float64(w)) || math.IsInf(float64(w), -1)
}

// Linear returns exp(w).
func (w Weight) Linear() float64 {
	if math.IsNaN(float64(w)) {
		return 0
	}
	return math.Exp(float64(w))
}

// ============================================================================
// Policies
// ============================================================================

// Potential scores a successor state together with the sample that led to it.
type Potential interface {
	Score(next types.State, mem types.SampleMemory) Log
}

// PotentialFunc adapts a function to Potential.
type PotentialFunc func(next types.State, mem types.SampleMemory) Log

// Score calls f.
func (f PotentialFunc) Score(next types.State, mem types.SampleMemory) Log {
	return f(next, mem)
}

// ZeroPotential scores everything 0, i.e. potential density 1.
type ZeroPotential struct{}

// Score returns 0.
func (ZeroPotential) Score(types.State, types.SampleMemory) Log { return 0 }

// WeightModel merges a log potential with the proposal's own log-probability.
type WeightModel interface {
	Combine(potential, logProb Log) Weight
}

// ProductModel multiplies potential and probability: potential + logProb.
type ProductModel struct{}

// Combine implements WeightModel.
func (ProductModel) Combine(potential, logProb Log) Weight {
	return Weight(potential + logProb)
}

// PotentialModel ignores the proposal probability. It is properly weighted
// only when proposals are drawn from the reference kernel itself.
type PotentialModel struct{}

// Combine implements WeightModel.
func (PotentialModel) Combine(potential, _ Log) Weight {
	return Weight(potential)
}

// TemperedModel scales the potential by Beta before adding logProb.
// Beta = 1 is ProductModel.
type TemperedModel struct {
	Beta float64
}

// Combine implements WeightModel.
func (m TemperedModel) Combine(potential, logProb Log) Weight {
	if m.Beta == 0 {
		// 0 * -Inf would be NaN
		return Weight(logProb)
	}
	return Weight(Log(m.Beta)*potential + logProb)
}

// ============================================================================
// Weighted proposals
// ============================================================================

// WeightedProposal is a Proposal known to carry a SampleMemory, annotated
// with its potential and resampling weight.
type WeightedProposal struct {
	Proposal     proposal.Proposal
	Memory       types.SampleMemory
	LogPotential Log
	Weight       Weight
}

// Weigh annotates p. Proposals without a sample are not weightable and
// report false.
func Weigh(p proposal.Proposal, pot Potential, model WeightModel) (WeightedProposal, bool) {
	mem, ok := p.Sample()
	if !ok {
		return WeightedProposal{}, false
	}
	lp := pot.Score(p.Next, mem)
	return WeightedProposal{
		Proposal:     p,
		Memory:       mem,
		LogPotential: lp,
		Weight:       model.Combine(lp, Log(mem.LogProb)),
	}, true
}

// WeighBatch weighs every item of b in order, dropping the unweightable ones.
func WeighBatch(b proposal.Batch, pot Potential, model WeightModel) []WeightedProposal {
	out := make([]WeightedProposal, 0, len(b.Items))
	for _, p := range b.Items {
		if wp, ok := Weigh(p, pot, model); ok {
			out = append(out, wp)
		}
	}
	return out
}

// Weights returns the weights of ws in the same order.
func Weights(ws []WeightedProposal) []Weight {
	out := make([]Weight, len(ws))
	for i, wp := range ws {
		out[i] = wp.Weight
	}
	return out
}

// ============================================================================
// Normalization
// ============================================================================

// Normalize turns log weights into probabilities summing to one. It
// reports false when every weight is zero (or the list is empty). When
// some weights are +Inf they share all the mass uniformly.
func Normalize(weights []Weight) ([]float64, bool) {
	if len(weights) == 0 {
		return nil, false
	}

	probs := make([]float64, len(weights))
	infs := 0
	for _, w := range weights {
		if math.IsInf(float64(w), 1) {
			infs++
		}
	}
	if infs > 0 {
		for i, w := range weights {
			if math.IsInf(float64(w), 1) {
				probs[i] = 1 / float64(infs)
			}
		}
		return probs, true
	}

	logs := make([]float64, len(weights))
	for i, w := range weights {
		if w.IsZero() {
			logs[i] = math.Inf(-1)
			continue
		}
		logs[i] = float64(w)
	}
	lse := floats.LogSumExp(logs)
	if math.IsInf(lse, -1) || math.IsNaN(lse) {
		return nil, false
	}
	for i, l := range logs {
		probs[i] = math.Exp(l - lse)
	}
	return probs, true
}

// LogNormalizer returns log Σ exp(w), or -Inf when there is no mass.
func LogNormalizer(weights []Weight) Log {
	logs := make([]float64, 0, len(weights))
	for _, w := range weights {
		if !w.IsZero() {
			logs = append(logs, float64(w))
		}
	}
	if len(logs) == 0 {
		return Log(math.Inf(-1))
	}
	return Log(floats.LogSumExp(logs))
}

// EffectiveSampleSize returns (Σw)² / Σw², between 1 and len(weights), or
// 0 when there is no mass.
func EffectiveSampleSize(weights []Weight) float64 {
	probs, ok := Normalize(weights)
	if !ok {
		return 0
	}
	return 1 / floats.Dot(probs, probs)
}
