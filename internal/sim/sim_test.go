package sim

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/turnsmc/internal/proposal"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

func ringState() types.State {
	return types.NewState(types.NewMailboxes(map[types.ActorID][]types.EventKind{
		1: {types.EventMessage, types.EventAssert},
		2: {types.EventSync},
	}))
}

func TestGenerateMessage(t *testing.T) {
	g := &Generator{
		Targets:   []types.ActorID{1, 2, 3},
		Proposal:  []float64{1, 1, 2},
		Reference: []float64{1, 2, 1},
		Seed:      5,
	}
	require.NoError(t, g.Validate())

	for i := 0; i < 50; i++ {
		r, err := g.Generate(context.Background(), ringState(), i)
		require.NoError(t, err)
		assert.Equal(t, types.ActorID(1), r.Actor)
		assert.Equal(t, types.EventMessage, r.Processed)
		require.Len(t, r.Produced, 1)
		require.NotNil(t, r.Sample)

		target := r.Produced[0].Actor
		assert.Equal(t, float64(target), r.Sample.Value)
		idx := int(target) - 1
		want := math.Log(g.ReferenceProb(idx)) - math.Log(g.ProposalProb(idx))
		assert.InDelta(t, want, r.Sample.LogProb, 1e-12)

		_, err = proposal.New(ringState(), r, nil)
		require.NoError(t, err)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	g := &Generator{Targets: []types.ActorID{0, 1, 2, 3, 4, 5, 6, 7}, Seed: 9}
	base := ringState()

	var first []types.ActorID
	for i := 0; i < 20; i++ {
		r, err := g.Generate(context.Background(), base, i)
		require.NoError(t, err)
		again, err := g.Generate(context.Background(), base, i)
		require.NoError(t, err)
		assert.True(t, r.Equal(again))
		first = append(first, r.Produced[0].Actor)
	}

	// a different seed gives a different stream
	g2 := &Generator{Targets: g.Targets, Seed: 10}
	var second []types.ActorID
	for i := 0; i < 20; i++ {
		r, err := g2.Generate(context.Background(), base, i)
		require.NoError(t, err)
		second = append(second, r.Produced[0].Actor)
	}
	assert.NotEqual(t, first, second)
}

func TestGenerateOtherKinds(t *testing.T) {
	g := &Generator{Targets: []types.ActorID{2, 4}}

	syncOnly := types.NewState(types.NewMailboxes(map[types.ActorID][]types.EventKind{2: {types.EventSync}}))
	r, err := g.Generate(context.Background(), syncOnly, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.OutgoingEvent{{Actor: 4, Event: types.EventSync}}, r.Produced)
	assert.Nil(t, r.Sample)

	assertOnly := types.NewState(types.NewMailboxes(map[types.ActorID][]types.EventKind{3: {types.EventAssert}}))
	r, err = g.Generate(context.Background(), assertOnly, 0)
	require.NoError(t, err)
	assert.Empty(t, r.Produced)
	assert.Nil(t, r.Sample)
}

func TestGenerateIdle(t *testing.T) {
	g := &Generator{Targets: []types.ActorID{0}}
	_, err := g.Generate(context.Background(), types.State{}, 0)
	assert.ErrorIs(t, err, ErrIdle)
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&Generator{}).Validate())
	assert.Error(t, (&Generator{Targets: []types.ActorID{0, 1}, Proposal: []float64{1}}).Validate())
	assert.Error(t, (&Generator{Targets: []types.ActorID{0, 1}, Proposal: []float64{0, 0}}).Validate())
	assert.Error(t, (&Generator{Targets: []types.ActorID{0, 1}, Proposal: []float64{1, -1}}).Validate())
	assert.Error(t, (&Generator{
		Targets:   []types.ActorID{0, 1},
		Proposal:  []float64{1, 0},
		Reference: []float64{1, 1},
	}).Validate())
	assert.NoError(t, (&Generator{
		Targets:   []types.ActorID{0, 1},
		Proposal:  []float64{1, 1},
		Reference: []float64{1, 0},
	}).Validate())
}

func TestPotentials(t *testing.T) {
	next := ringState()
	mem := types.SampleMemory{Value: 2.0}

	assert.Equal(t, 1.5, float64(PreferencePotential{Preferred: 2, Bonus: 1.5}.Score(next, mem)))
	assert.Zero(t, float64(PreferencePotential{Preferred: 3, Bonus: 1.5}.Score(next, mem)))
	assert.Equal(t, -1.5, float64(BacklogPotential{Lambda: 0.5}.Score(next, mem)))

	sum := Sum{PreferencePotential{Preferred: 2, Bonus: 1.5}, BacklogPotential{Lambda: 0.5}}
	assert.Equal(t, 0.0, float64(sum.Score(next, mem)))
}
