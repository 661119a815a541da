package resample

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/turnsmc/internal/weighting"
)

func logs(ps ...float64) []weighting.Weight {
	out := make([]weighting.Weight, len(ps))
	for i, p := range ps {
		out[i] = weighting.Weight(math.Log(p))
	}
	return out
}

func randomWeights(rng *rand.Rand) []weighting.Weight {
	n := rng.Intn(8)
	w := make([]weighting.Weight, n)
	for i := range w {
		switch rng.Intn(6) {
		case 0:
			w[i] = weighting.ZeroWeight
		case 1:
			w[i] = weighting.Weight(math.NaN())
		case 2:
			w[i] = weighting.Weight(math.Inf(1))
		default:
			w[i] = weighting.Weight(rng.NormFloat64() * 50)
		}
	}
	return w
}

func TestIndexBound(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	resamplers := map[string]Resampler{
		"categorical": NewCategorical(2),
		"systematic":  NewSystematic(3),
		"argmax":      ArgMax{},
	}
	for i := 0; i < 5000; i++ {
		w := randomWeights(rng)
		for name, r := range resamplers {
			idx, ok := r.Choose(w)
			if ok {
				require.GreaterOrEqual(t, idx, 0, name)
				require.Less(t, idx, len(w), "%s chose %d of %v", name, idx, w)
			}
		}
		for _, idx := range NewSystematic(int64(i)).ResampleN(w, rng.Intn(10)) {
			require.Less(t, idx, len(w))
			require.False(t, w[idx].IsZero())
		}
	}
}

func TestEmptyWeights(t *testing.T) {
	for _, r := range []Resampler{NewCategorical(1), NewSystematic(1), ArgMax{}} {
		_, ok := r.Choose(nil)
		assert.False(t, ok)
	}
}

func TestArgMax(t *testing.T) {
	idx, ok := ArgMax{}.Choose(logs(0.1, 0.5, 0.2))
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	// ties pick the lowest index
	idx, ok = ArgMax{}.Choose(logs(0.5, 0.1, 0.5))
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	idx, ok = ArgMax{}.Choose([]weighting.Weight{3, weighting.Weight(math.Inf(1)), weighting.Weight(math.Inf(1))})
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = ArgMax{}.Choose([]weighting.Weight{weighting.Weight(math.NaN()), -2})
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = ArgMax{}.Choose([]weighting.Weight{weighting.ZeroWeight, weighting.Weight(math.NaN())})
	assert.False(t, ok)
}

func TestCategoricalFrequencies(t *testing.T) {
	c := NewCategorical(42)
	w := logs(0.2, 0, 0.5, 0.3)
	counts := make([]int, len(w))
	n := 20000
	for i := 0; i < n; i++ {
		idx, ok := c.Choose(w)
		require.True(t, ok)
		counts[idx]++
	}
	assert.Zero(t, counts[1])
	assert.InDelta(t, 0.2, float64(counts[0])/float64(n), 0.02)
	assert.InDelta(t, 0.5, float64(counts[2])/float64(n), 0.02)
	assert.InDelta(t, 0.3, float64(counts[3])/float64(n), 0.02)
}

func TestCategoricalUniformFallback(t *testing.T) {
	c := NewCategorical(7)
	w := []weighting.Weight{weighting.ZeroWeight, weighting.ZeroWeight, weighting.ZeroWeight}
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		idx, ok := c.Choose(w)
		require.True(t, ok)
		seen[idx] = true
	}
	assert.Len(t, seen, 3)
}

func TestCategoricalDeterministic(t *testing.T) {
	a, b := NewCategorical(9), NewCategorical(9)
	w := logs(0.1, 0.2, 0.3, 0.4)
	for i := 0; i < 100; i++ {
		x, _ := a.Choose(w)
		y, _ := b.Choose(w)
		require.Equal(t, x, y)
	}
}

func TestSystematicResampleN(t *testing.T) {
	s := NewSystematic(5)
	w := logs(0.25, 0.5, 0.25)

	idx := s.ResampleN(w, 4)
	require.Len(t, idx, 4)
	counts := make([]int, 3)
	for i, v := range idx {
		if i > 0 {
			assert.LessOrEqual(t, idx[i-1], v)
		}
		counts[v]++
	}
	// systematic resampling keeps each count within one of n*p
	assert.InDelta(t, 1, counts[0], 1)
	assert.InDelta(t, 2, counts[1], 1)
	assert.InDelta(t, 1, counts[2], 1)

	assert.Nil(t, s.ResampleN(w, 0))
	assert.Nil(t, s.ResampleN([]weighting.Weight{weighting.ZeroWeight}, 3))

	_, ok := s.Choose([]weighting.Weight{weighting.ZeroWeight})
	assert.False(t, ok)
}

func TestByName(t *testing.T) {
	for _, kind := range Kinds {
		r, err := ByName(kind, 1)
		require.NoError(t, err)
		assert.NotNil(t, r)
	}
	_, err := ByName("multinomial", 1)
	assert.Error(t, err)
}
