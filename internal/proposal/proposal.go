// ============================================================================
// Proposal - 從不可變 base state 推導出的投機性 turn
// ============================================================================
//
// Package: internal/proposal
// 文件: proposal.go
// 功能: 一個尚未提交的 turn，連同撤銷所需的全部資料
//
// 結構:
//   Base ──Forward(Turn)──> Next
//   Next ──BackwardWithRest(Rest)──> Base
//
// Rest 在建構時擷取，之後保持不變；撤銷時必須使用同一份 Rest。
// Proposal 不觸碰任何 live state，丟棄時無需清理。
//
// ============================================================================

package proposal

import (
	"fmt"

	"github.com/ChuLiYu/turnsmc/internal/turn"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

// Proposal 代表相對於 Base 的一個投機性 turn
type Proposal struct {
	Base types.State       // 推導來源
	Turn types.TurnRecord  // 投機執行的 turn
	Rest []types.EventKind // 行動者 mailbox 去掉已處理事件後的剩餘佇列
	Next types.State       // 提交 Turn 後的後繼狀態

	updater turn.Updater
}

// New 在 base 上推導 r 的 Proposal，u 為 nil 時使用 turn.FIFO
func New(base types.State, r types.TurnRecord, u turn.Updater) (Proposal, error) {
	if u == nil {
		u = turn.FIFO{}
	}
	next, rest, err := turn.Forward(u, base, r)
	if err != nil {
		return Proposal{}, fmt.Errorf("derive proposal for actor %d: %w", r.Actor, err)
	}
	head, _ := next.History.Head()
	return Proposal{
		Base:    base,
		Turn:    head,
		Rest:    rest,
		Next:    next,
		updater: u,
	}, nil
}

// Updater 返回推導時使用的 mailbox 更新策略
func (p Proposal) Updater() turn.Updater {
	if p.updater == nil {
		return turn.FIFO{}
	}
	return p.updater
}

// Sample 返回 turn 攜帶的隨機樣本
func (p Proposal) Sample() (types.SampleMemory, bool) {
	if p.Turn.Sample == nil {
		return types.SampleMemory{}, false
	}
	return *p.Turn.Sample, true
}

// Revert 將 Next 撤銷回去，結果應與 Base 結構相等
func (p Proposal) Revert() (types.State, error) {
	return turn.BackwardWithRest(p.Updater(), p.Next, p.Rest)
}

// RevertsToBase 檢查 Next 是否能精確撤銷回 Base
func (p Proposal) RevertsToBase() bool {
	prev, err := p.Revert()
	if err != nil {
		return false
	}
	return prev.Equal(p.Base)
}

// Valid 檢查 Base -> Next 是否為 Turn 的合法 forward step
func (p Proposal) Valid() bool {
	return turn.ValidForward(p.Updater(), p.Base, p.Next, p.Turn, p.Rest)
}

// ============================================================================
// Batch
// ============================================================================

// Batch 是同一個 base 推導出的一組 Proposal，順序即生成順序
type Batch struct {
	Base  types.State
	Items []Proposal
}

// Len 返回 Proposal 數量
func (b Batch) Len() int {
	return len(b.Items)
}

// Consistent 檢查每個 Proposal 的 Base 都等於 b.Base
func (b Batch) Consistent() bool {
	for _, p := range b.Items {
		if !p.Base.Equal(b.Base) {
			return false
		}
	}
	return true
}
