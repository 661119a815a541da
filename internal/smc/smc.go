// ============================================================================
// SMC 選擇管線
// ============================================================================
//
// Package: internal/smc
// 文件: smc.go
// 功能: 把一個 Proposal Batch 變成單一、可撤銷的加權結果
//
// 流程:
//   Collector.Collect(σ, k) ──> Batch
//   WeighBatch(Batch)       ──> []WeightedProposal（丟棄無樣本的 Proposal）
//   Resampler.Choose        ──> index
//   返回 candidates[index]，其 Next 可精確撤銷回 Batch.Base
//
// 「無選擇」是正常結果（空 batch、全部無樣本、Resampler 拒絕），不是錯誤。
//
// ============================================================================

package smc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/turnsmc/internal/proposal"
	"github.com/ChuLiYu/turnsmc/internal/resample"
	"github.com/ChuLiYu/turnsmc/internal/weighting"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

var (
	// ErrNilPotential 表示未設定 Potential
	ErrNilPotential = errors.New("smc: potential is nil")
	// ErrNilWeightModel 表示未設定 WeightModel
	ErrNilWeightModel = errors.New("smc: weight model is nil")
	// ErrNilResampler 表示未設定 Resampler
	ErrNilResampler = errors.New("smc: resampler is nil")
)

// Params 是一次選擇所需的三個可插拔策略
type Params struct {
	Potential   weighting.Potential
	WeightModel weighting.WeightModel
	Resampler   resample.Resampler
}

// Validate 檢查所有策略均已設定
func (p Params) Validate() error {
	var errs []error
	if p.Potential == nil {
		errs = append(errs, ErrNilPotential)
	}
	if p.WeightModel == nil {
		errs = append(errs, ErrNilWeightModel)
	}
	if p.Resampler == nil {
		errs = append(errs, ErrNilResampler)
	}
	return errors.Join(errs...)
}

// Weigh 返回 batch 的加權候選列表，順序與 batch.Items 一致
func (p Params) Weigh(b proposal.Batch) []weighting.WeightedProposal {
	return weighting.WeighBatch(b, p.Potential, p.WeightModel)
}

// Select 從 batch 中選出一個加權 Proposal。
// 返回的結果必定是 Weigh(b) 的元素。
func (p Params) Select(b proposal.Batch) (weighting.WeightedProposal, bool) {
	return p.Choose(p.Weigh(b))
}

// Choose 在已加權的候選列表上執行 Resampler
func (p Params) Choose(candidates []weighting.WeightedProposal) (weighting.WeightedProposal, bool) {
	if len(candidates) == 0 {
		return weighting.WeightedProposal{}, false
	}
	idx, ok := p.Resampler.Choose(weighting.Weights(candidates))
	if !ok {
		return weighting.WeightedProposal{}, false
	}
	if idx < 0 || idx >= len(candidates) {
		panic(fmt.Sprintf("smc: resampler returned index %d for %d candidates", idx, len(candidates)))
	}
	return candidates[idx], true
}

// Run 組合 Collector 與 Select。錯誤只來自 Collector。
func (p Params) Run(ctx context.Context, c proposal.Collector, s types.State, k int) (weighting.WeightedProposal, bool, error) {
	b, err := c.Collect(ctx, s, k)
	if err != nil {
		return weighting.WeightedProposal{}, false, err
	}
	wp, ok := p.Select(b)
	return wp, ok, nil
}
