package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/turnsmc/internal/turn"
	"github.com/ChuLiYu/turnsmc/internal/worker"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

var log = slog.Default()

var (
	// ErrNegativeCount 表示要求的 Proposal 數量為負
	ErrNegativeCount = errors.New("proposal: negative proposal count")
	// ErrCollectorClosed 表示 Collector 已關閉
	ErrCollectorClosed = errors.New("proposal: collector is closed")
)

// ============================================================================
// 介面定義
// ============================================================================

// Generator 是隨機 turn 生成器的邊界：對 base 產生第 index 個 TurnRecord。
// 實作必須只讀取 base，同一個 base 可能被多個 goroutine 同時使用。
// 長時間運行的實作應該檢查 ctx；忽略 ctx 的生成會一直佔用一個 worker，
// 但 Collect 仍會在 ctx 結束時返回。
type Generator interface {
	Generate(ctx context.Context, base types.State, index int) (types.TurnRecord, error)
}

// GeneratorFunc 讓普通函數滿足 Generator
type GeneratorFunc func(ctx context.Context, base types.State, index int) (types.TurnRecord, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, base types.State, index int) (types.TurnRecord, error) {
	return f(ctx, base, index)
}

// Collector 從同一個 base 收集 k 個獨立的 Proposal。
// 成功時 batch.Base == base 且 len(batch.Items) == k。
type Collector interface {
	Collect(ctx context.Context, base types.State, k int) (Batch, error)
}

func derive(ctx context.Context, gen Generator, u turn.Updater, base types.State, index int) (Proposal, error) {
	r, err := gen.Generate(ctx, base, index)
	if err != nil {
		return Proposal{}, fmt.Errorf("generate proposal %d: %w", index, err)
	}
	p, err := New(base, r, u)
	if err != nil {
		return Proposal{}, fmt.Errorf("proposal %d: %w", index, err)
	}
	return p, nil
}

// ============================================================================
// SequentialCollector
// ============================================================================

// SequentialCollector 在呼叫端 goroutine 中依序生成
type SequentialCollector struct {
	Generator Generator
	Updater   turn.Updater // nil 表示 turn.FIFO
}

// Collect implements Collector.
func (c SequentialCollector) Collect(ctx context.Context, base types.State, k int) (Batch, error) {
	if k < 0 {
		return Batch{}, ErrNegativeCount
	}
	items := make([]Proposal, 0, k)
	for i := 0; i < k; i++ {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		p, err := derive(ctx, c.Generator, c.Updater, base, i)
		if err != nil {
			return Batch{}, err
		}
		items = append(items, p)
	}
	return Batch{Base: base, Items: items}, nil
}

// ============================================================================
// PoolCollector
// ============================================================================

// PoolCollector 在 worker pool 上並行生成 k 個 Proposal。
// 各 Proposal 只讀取 base，彼此之間無需協調；結果依 index 歸位。
type PoolCollector struct {
	gen     Generator
	updater turn.Updater
	timeout time.Duration
	pool    *worker.Pool[Proposal]
	mu      sync.Mutex // 一次只進行一個 Collect
	batch   uint64     // 目前 Collect 的批次編號，受 mu 保護
}

// NewPoolCollector 建立並啟動 PoolCollector
//
// 參數：
//   - gen: turn 生成器
//   - u: mailbox 更新策略（nil 表示 turn.FIFO）
//   - workers: 並行 worker 數量
//   - timeout: 單個 Proposal 的生成超時（0 表示不限制）
func NewPoolCollector(gen Generator, u turn.Updater, workers int, timeout time.Duration) (*PoolCollector, error) {
	if gen == nil {
		return nil, errors.New("proposal: nil generator")
	}
	if workers < 1 {
		workers = 1
	}
	pool := worker.NewPool[Proposal](workers * 2)
	if err := pool.Start(workers); err != nil {
		return nil, fmt.Errorf("start worker pool: %w", err)
	}
	return &PoolCollector{
		gen:     gen,
		updater: u,
		timeout: timeout,
		pool:    pool,
	}, nil
}

// Workers 返回並行 worker 數量
func (c *PoolCollector) Workers() int {
	return c.pool.GetWorkerCount()
}

// Collect implements Collector.
// 任何一個生成失敗都會使整個 Collect 失敗，k 不會被縮小。
func (c *PoolCollector) Collect(ctx context.Context, base types.State, k int) (Batch, error) {
	if k < 0 {
		return Batch{}, ErrNegativeCount
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if k == 0 {
		return Batch{Base: base, Items: []Proposal{}}, nil
	}

	// 被放棄的 Collect 可能留下舊結果，依批次編號丟棄
	c.batch++
	batch := c.batch

	// 提交與接收必須同時進行，否則緩衝滿時雙方互相等待
	go func() {
		for i := 0; i < k; i++ {
			i := i
			err := c.pool.SubmitContext(ctx, worker.Task[Proposal]{
				Index:   i,
				Batch:   batch,
				Ctx:     ctx,
				Timeout: c.timeout,
				Run: func(ctx context.Context) (Proposal, error) {
					return derive(ctx, c.gen, c.updater, base, i)
				},
			})
			if err != nil {
				// pool 已關閉或 ctx 已結束，接收端同樣會返回錯誤
				log.Debug("Submit proposal failed", "index", i, "error", err)
				return
			}
		}
	}()

	items := make([]Proposal, k)
	var firstErr error
	for received := 0; received < k; {
		result, err := c.pool.ReceiveResultContext(ctx)
		if errors.Is(err, worker.ErrPoolClosed) {
			return Batch{}, ErrCollectorClosed
		}
		if err != nil {
			return Batch{}, err
		}
		if result.Batch != batch {
			continue
		}
		received++
		// 出錯後仍需讀完剩餘結果
		if result.Err != nil {
			if firstErr == nil {
				firstErr = result.Err
			}
			continue
		}
		items[result.Index] = result.Value
	}
	if firstErr != nil {
		return Batch{}, firstErr
	}
	return Batch{Base: base, Items: items}, nil
}

// Close 停止 worker pool
func (c *PoolCollector) Close() {
	c.pool.Stop()
}
