// ============================================================================
// Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//   4. 避免頻繁創建和銷毀 goroutine 的開銷
//
// 架構組件:
//   ┌──────────────┐
//   │ Collector    │ --Submit()--> taskCh
//   └──────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - taskCh / resultCh: 帶緩衝 channel
//   - stopCh: 先於 taskCh 關閉，解除所有阻塞中的 Submit 與 Worker
//   - RWMutex: Submit 持有讀鎖直到送出完成，Stop 取得寫鎖後才關閉 taskCh，
//     因此不會向已關閉的 channel 發送
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool[T any] struct {
	workers  []*Worker[T]   // Worker 列表，存儲所有啟動的 Worker 實例
	taskCh   chan Task[T]   // 任務通道，用於分發任務給 Worker
	resultCh chan Result[T] // 結果通道，用於收集 Worker 的執行結果
	stopCh   chan struct{}  // 停止訊號，用於通知 Worker 停止工作
	stopOnce sync.Once      // 確保 stopCh 只關閉一次
	wg       sync.WaitGroup // 等待所有 Worker 完成的同步工具
	started  bool           // 標誌 Pool 是否已啟動
	stopped  bool           // 標誌 Pool 是否已停止
	mu       sync.RWMutex   // 保護 started/stopped 狀態與 taskCh 的關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool[T any](bufferSize int) *Pool[T] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool[T]{
		workers:  make([]*Worker[T], 0),
		taskCh:   make(chan Task[T], bufferSize),
		resultCh: make(chan Result[T], bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
// 返回值：
//   - error: 如果 Pool 已啟動則返回 ErrPoolStarted
func (p *Pool[T]) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted // 防止重複啟動
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker[T]) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 返回值：
//   - error: 如果 Pool 未啟動或已關閉則返回錯誤
func (p *Pool[T]) Submit(task Task[T]) error {
	return p.SubmitContext(context.Background(), task)
}

// SubmitContext 與 Submit 相同，但 ctx 結束時放棄等待並返回 ctx.Err()
func (p *Pool[T]) SubmitContext(ctx context.Context, task Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// 持有讀鎖期間 taskCh 不會被關閉；Stop 先關閉 stopCh 讓這裡退出
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 從結果通道接收執行結果
// 返回值：
//   - Result: 任務執行結果
//   - error: 如果 Pool 已關閉則返回 ErrPoolClosed
func (p *Pool[T]) ReceiveResult() (Result[T], error) {
	return p.ReceiveResultContext(context.Background())
}

// ReceiveResultContext 與 ReceiveResult 相同，但 ctx 結束時返回 ctx.Err()
func (p *Pool[T]) ReceiveResultContext(ctx context.Context) (Result[T], error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result[T]{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result[T]{}, ErrPoolClosed
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 關閉 stopCh，解除阻塞中的 Submit 與 Worker
//  2. 取得寫鎖並設定 stopped 標誌
//  3. 關閉 taskCh，結束 Worker 的 range 循環
//  4. 等待所有 Worker 完成當前任務
//  5. 關閉 resultCh
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool[T]) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool[T]) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
