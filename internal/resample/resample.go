// ============================================================================
// Resample - 在權重列表上選擇索引的策略
// ============================================================================
//
// Package: internal/resample
// 文件: resample.go
// 功能: 可插拔的 Resampler 實作
//
// 合約:
//   Choose(weights) 返回 (i, true) 時必定 0 <= i < len(weights)。
//   權重為 log 值；-Inf 與 NaN 視為零。
//
// 退化權重的處理:
//   - Categorical: 全部為零時在所有候選中均勻選擇
//   - Systematic:  全部為零時不選擇
//   - ArgMax:      全部為零時不選擇
//
// ============================================================================

package resample

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/ChuLiYu/turnsmc/internal/weighting"
)

// Resampler 選擇一個候選索引，或在無法選擇時返回 false
type Resampler interface {
	Choose(weights []weighting.Weight) (int, bool)
}

// ============================================================================
// Categorical
// ============================================================================

// Categorical 依正規化後的權重進行類別抽樣
type Categorical struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewCategorical 建立以 seed 初始化的 Categorical
func NewCategorical(seed int64) *Categorical {
	return &Categorical{rng: rand.New(rand.NewSource(seed))}
}

// Choose implements Resampler.
func (c *Categorical) Choose(weights []weighting.Weight) (int, bool) {
	if len(weights) == 0 {
		return 0, false
	}

	c.mu.Lock()
	u := c.rng.Float64()
	c.mu.Unlock()

	probs, ok := weighting.Normalize(weights)
	if !ok {
		return int(u * float64(len(weights))), true
	}
	return searchCDF(probs, u), true
}

// searchCDF 返回累積機率首次超過 u 的索引。
// 捨入誤差可能使總和略小於 1，此時退回最後一個正機率的索引。
func searchCDF(probs []float64, u float64) int {
	last := -1
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
// Systematic
// ============================================================================

// Systematic 系統重抽樣：一個均勻偏移量產生 n 個等間距的抽樣點
type Systematic struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSystematic 建立以 seed 初始化的 Systematic
func NewSystematic(seed int64) *Systematic {
	return &Systematic{rng: rand.New(rand.NewSource(seed))}
}

// Choose implements Resampler.
func (s *Systematic) Choose(weights []weighting.Weight) (int, bool) {
	idx := s.ResampleN(weights, 1)
	if len(idx) == 0 {
		return 0, false
	}
	return idx[0], true
}

// ResampleN 返回 n 個索引（非遞減），每個都小於 len(weights)。
// 權重全為零或 n <= 0 時返回 nil。
func (s *Systematic) ResampleN(weights []weighting.Weight, n int) []int {
	if n <= 0 {
		return nil
	}
	probs, ok := weighting.Normalize(weights)
	if !ok {
		return nil
	}

	s.mu.Lock()
	u0 := s.rng.Float64() / float64(n)
	s.mu.Unlock()

	out := make([]int, 0, n)
	i, last := 0, -1
	acc := 0.0
	for j := 0; j < n; j++ {
		u := u0 + float64(j)/float64(n)
		for i < len(probs) && acc+probs[i] <= u {
			if probs[i] > 0 {
				last = i
			}
			acc += probs[i]
			i++
		}
		if i == len(probs) {
			// 捨入誤差：總和略小於 1
			out = append(out, last)
			continue
		}
		out = append(out, i)
	}
	return out
}

// ============================================================================
// ArgMax
// ============================================================================

// ArgMax 選擇權重最大的候選；平手時取最小索引
type ArgMax struct{}

// Choose implements Resampler.
func (ArgMax) Choose(weights []weighting.Weight) (int, bool) {
	best := -1
	bestW := math.Inf(-1)
	for i, w := range weights {
		if w.IsZero() {
			continue
		}
		if best < 0 || float64(w) > bestW {
			best, bestW = i, float64(w)
		}
	}
	return best, best >= 0
}

// ============================================================================
// 工廠
// ============================================================================

// Kinds 列出可由名稱建立的 Resampler
var Kinds = []string{"categorical", "systematic", "argmax"}

// ByName 依名稱建立 Resampler
func ByName(kind string, seed int64) (Resampler, error) {
	switch kind {
	case "categorical", "":
		return NewCategorical(seed), nil
	case "systematic":
		return NewSystematic(seed), nil
	case "argmax":
		return ArgMax{}, nil
	default:
		return nil, fmt.Errorf("unknown resampler %q (want one of %v)", kind, Kinds)
	}
}
