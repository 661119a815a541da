package weighting

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/turnsmc/internal/proposal"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

func sampledBatch(t *testing.T, logProbs ...*float64) proposal.Batch {
	t.Helper()
	base := types.NewState(types.NewMailboxes(map[types.ActorID][]types.EventKind{
		0: {types.EventMessage},
	}))
	gen := proposal.GeneratorFunc(func(_ context.Context, _ types.State, i int) (types.TurnRecord, error) {
		r := types.TurnRecord{
			Actor:     0,
			Processed: types.EventMessage,
			Produced:  []types.OutgoingEvent{{Actor: types.ActorID(i + 1), Event: types.EventMessage}},
		}
		if lp := logProbs[i]; lp != nil {
			r.Sample = &types.SampleMemory{Value: i, LogProb: *lp}
		}
		return r, nil
	})
	b, err := proposal.SequentialCollector{Generator: gen}.Collect(context.Background(), base, len(logProbs))
	require.NoError(t, err)
	return b
}

func f(v float64) *float64 { return &v }

func TestWeightModels(t *testing.T) {
	assert.Equal(t, Weight(-1.5), ProductModel{}.Combine(-1, -0.5))
	assert.Equal(t, Weight(-1), PotentialModel{}.Combine(-1, -0.5))
	assert.Equal(t, Weight(-2.5), TemperedModel{Beta: 2}.Combine(-1, -0.5))
	assert.Equal(t, ProductModel{}.Combine(-1, -0.5), TemperedModel{Beta: 1}.Combine(-1, -0.5))
	assert.Equal(t, Weight(-0.5), TemperedModel{}.Combine(Log(math.Inf(-1)), -0.5))
}

func TestWeighBatchDropsUnsampled(t *testing.T) {
	b := sampledBatch(t, f(-1.2), nil, f(-0.3))

	ws := WeighBatch(b, ZeroPotential{}, ProductModel{})
	require.Len(t, ws, 2)
	assert.Equal(t, Weight(-1.2), ws[0].Weight)
	assert.Equal(t, Weight(-0.3), ws[1].Weight)
	assert.Equal(t, 2, ws[1].Memory.Value)
	assert.Same(t, b.Items[2].Turn.Sample, ws[1].Proposal.Turn.Sample)
	assert.Equal(t, []Weight{-1.2, -0.3}, Weights(ws))
}

func TestWeighUsesSuccessorState(t *testing.T) {
	b := sampledBatch(t, f(0), f(0))
	// favour successors where actor 2 received the message
	pot := PotentialFunc(func(next types.State, mem types.SampleMemory) Log {
		if len(next.Mailboxes.Queue(2)) > 0 {
			return Log(math.Log(3))
		}
		return 0
	})

	ws := WeighBatch(b, pot, ProductModel{})
	require.Len(t, ws, 2)
	assert.Equal(t, Log(0), ws[0].LogPotential)
	assert.InDelta(t, math.Log(3), float64(ws[1].LogPotential), 1e-12)
	assert.InDelta(t, 3.0, ws[1].Weight.Linear(), 1e-12)
}

func TestWeighBatchEmpty(t *testing.T) {
	assert.Empty(t, WeighBatch(proposal.Batch{}, ZeroPotential{}, ProductModel{}))
	assert.Empty(t, WeighBatch(sampledBatch(t, nil, nil), ZeroPotential{}, ProductModel{}))
}

func TestNormalize(t *testing.T) {
	probs, ok := Normalize([]Weight{Weight(math.Log(1)), Weight(math.Log(3)), ZeroWeight})
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{0.25, 0.75, 0}, probs, 1e-12)

	// large log weights do not overflow
	probs, ok = Normalize([]Weight{1000, 1000})
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, probs, 1e-12)

	probs, ok = Normalize([]Weight{Weight(math.NaN()), 0})
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{0, 1}, probs, 1e-12)

	probs, ok = Normalize([]Weight{Weight(math.Inf(1)), 5, Weight(math.Inf(1))})
	require.True(t, ok)
	assert.Equal(t, []float64{0.5, 0, 0.5}, probs)

	_, ok = Normalize([]Weight{ZeroWeight, Weight(math.NaN())})
	assert.False(t, ok)
	_, ok = Normalize(nil)
	assert.False(t, ok)
}

func TestLogNormalizer(t *testing.T) {
	assert.InDelta(t, math.Log(4), float64(LogNormalizer([]Weight{Weight(math.Log(1)), Weight(math.Log(3))})), 1e-12)
	assert.True(t, math.IsInf(float64(LogNormalizer(nil)), -1))
}

func TestEffectiveSampleSize(t *testing.T) {
	assert.InDelta(t, 4.0, EffectiveSampleSize([]Weight{0, 0, 0, 0}), 1e-12)
	assert.InDelta(t, 1.0, EffectiveSampleSize([]Weight{0, ZeroWeight, ZeroWeight}), 1e-12)
	// (1+3)² / (1+9)
	assert.InDelta(t, 1.6, EffectiveSampleSize([]Weight{Weight(math.Log(1)), Weight(math.Log(3))}), 1e-12)
	assert.Equal(t, 0.0, EffectiveSampleSize(nil))
}

func TestWeightIsZero(t *testing.T) {
	assert.True(t, ZeroWeight.IsZero())
	assert.True(t, Weight(math.NaN()).IsZero())
	assert.False(t, Weight(-700).IsZero())
	assert.Equal(t, 0.0, Weight(math.NaN()).Linear())
}
