// ============================================================================
// Sim - 示範用的隨機 turn 生成器與 potential
// ============================================================================
//
// Package: internal/sim
// 文件: sim.go
// 功能: 提供一個具體的 Generator，供 CLI 與測試驅動整條管線
//
// 行為:
//   - 行動者：mailbox 非空、ID 最小的 actor
//   - message: 依 proposal 分佈 q 抽選目標 actor，轉送一則 message；
//              SampleMemory.Value = 目標 actor，
//              SampleMemory.LogProb = log p(t) - log q(t)（p 為參考分佈）
//   - sync:    回送一則 sync 給自己以外的第一個目標，無樣本
//   - 其他:    不產生事件，無樣本
//
// 隨機性:
//   每次呼叫的 RNG 由 (Seed, 歷史深度, head TurnID, index) 決定，
//   相同輸入必定產生相同的 TurnRecord，方便重放與除錯。
//
// ============================================================================

package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/turnsmc/internal/weighting"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

// ErrIdle 表示所有 mailbox 皆為空，沒有 actor 可以行動
var ErrIdle = errors.New("sim: every mailbox is empty")

// Generator 是示範用的隨機 turn 生成器
type Generator struct {
	Targets   []types.ActorID // message 的候選目標
	Proposal  []float64       // 抽樣分佈 q（未正規化；nil 表示均勻）
	Reference []float64       // 參考分佈 p（未正規化；nil 表示與 q 相同）
	Seed      int64
}

// Validate 檢查分佈長度與數值
func (g *Generator) Validate() error {
	if len(g.Targets) == 0 {
		return errors.New("sim: no message targets")
	}
	for name, w := range map[string][]float64{"proposal": g.Proposal, "reference": g.Reference} {
		if w == nil {
			continue
		}
		if len(w) != len(g.Targets) {
			return fmt.Errorf("sim: %s has %d weights for %d targets", name, len(w), len(g.Targets))
		}
		sum := 0.0
		for _, x := range w {
			if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("sim: %s weight %v is not a finite non-negative number", name, x)
			}
			sum += x
		}
		if sum == 0 {
			return fmt.Errorf("sim: %s has no mass", name)
		}
	}
	// q(t) = 0 < p(t) would make the weights improper
	q, p := g.proposal(), g.reference()
	for i := range q {
		if q[i] == 0 && p[i] > 0 {
			return fmt.Errorf("sim: target %d has reference mass but no proposal mass", g.Targets[i])
		}
	}
	return nil
}

// Generate implements proposal.Generator.
func (g *Generator) Generate(ctx context.Context, base types.State, index int) (types.TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.TurnRecord{}, err
	}
	actors := base.Mailboxes.Actors()
	if len(actors) == 0 {
		return types.TurnRecord{}, ErrIdle
	}
	actor := actors[0]
	head, _ := base.Mailboxes.Head(actor)
	r := types.TurnRecord{Actor: actor, Processed: head}

	switch head {
	case types.EventMessage:
		if len(g.Targets) == 0 {
			return types.TurnRecord{}, errors.New("sim: no message targets")
		}
		rng := g.rng(base, index)
		q, p := g.proposal(), g.reference()
		i := draw(q, rng.Float64())
		r.Produced = []types.OutgoingEvent{{Actor: g.Targets[i], Event: types.EventMessage}}
		// Value 為 float64，與 JSON 解碼後的型別一致
		r.Sample = &types.SampleMemory{
			Value:   float64(g.Targets[i]),
			LogProb: math.Log(p[i]) - math.Log(q[i]),
		}
	case types.EventSync:
		for _, t := range g.Targets {
			if t != actor {
				r.Produced = []types.OutgoingEvent{{Actor: t, Event: types.EventSync}}
				break
			}
		}
	}
	return r, nil
}

// ReferenceProb 返回參考分佈下第 i 個目標的機率
func (g *Generator) ReferenceProb(i int) float64 {
	return g.reference()[i]
}

// ProposalProb 返回抽樣分佈下第 i 個目標的機率
func (g *Generator) ProposalProb(i int) float64 {
	return g.proposal()[i]
}

func (g *Generator) proposal() []float64 {
	return normalized(g.Proposal, len(g.Targets))
}

func (g *Generator) reference() []float64 {
	if g.Reference == nil {
		return g.proposal()
	}
	return normalized(g.Reference, len(g.Targets))
}

func (g *Generator) rng(base types.State, index int) *rand.Rand {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(g.Seed))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(base.History.Len()))
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(string(base.HeadID()))
	binary.LittleEndian.PutUint64(buf[:], uint64(index))
	_, _ = d.Write(buf[:])
	return rand.New(rand.NewSource(int64(d.Sum64())))
}

func normalized(w []float64, n int) []float64 {
	out := make([]float64, n)
	if w == nil {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}
	sum := 0.0
	for _, x := range w {
		sum += x
	}
	for i := range out {
		out[i] = w[i] / sum
	}
	return out
}

func draw(probs []float64, u float64) int {
	last := 0
	acc := 0.0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		last = i
		acc += p
		if u < acc {
			return i
		}
	}
	return last
}

// ============================================================================
// Potentials
// ============================================================================

// PreferencePotential 獎勵把 message 送往 Preferred 的樣本
type PreferencePotential struct {
	Preferred types.ActorID
	Bonus     weighting.Log
}

// Score implements weighting.Potential.
func (p PreferencePotential) Score(_ types.State, mem types.SampleMemory) weighting.Log {
	if target, ok := mem.Value.(float64); ok && target == float64(p.Preferred) {
		return p.Bonus
	}
	return 0
}

// BacklogPotential 懲罰待處理事件總數：-Lambda * Pending
type BacklogPotential struct {
	Lambda float64
}

// Score implements weighting.Potential.
func (p BacklogPotential) Score(next types.State, _ types.SampleMemory) weighting.Log {
	return weighting.Log(-p.Lambda * float64(next.Mailboxes.Pending()))
}

// Sum 將多個 potential 相加（即 density 相乘）
type Sum []weighting.Potential

// Score implements weighting.Potential.
func (s Sum) Score(next types.State, mem types.SampleMemory) weighting.Log {
	var total weighting.Log
	for _, p := range s {
		total += p.Score(next, mem)
	}
	return total
}
