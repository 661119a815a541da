// ============================================================================
// turnsmc 引擎 - live state 的擁有者
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 將選擇管線嵌入一個可持久化、可恢復的執行環境
//
// 架構設計:
//   引擎協調以下組件：
//   - Collector: 從同一個 base state 並行生成 k 個 Proposal
//   - smc.Params: 加權並以 Resampler 選出一個 Proposal
//   - Journal: 先寫 COMMIT / REVERT 事件，再修改 live state
//   - Snapshot: 定期保存完整 State，加速恢復
//   - Metrics: Prometheus 指標
//
// Step 流程:
//   1. 在鎖外讀取 base state（State 不可變，讀取後不需持鎖）
//   2. Collect + Weigh + Choose（純計算，可以並行）
//   3. 持鎖提交：若 live head 已改變則返回 ErrStaleBase；
//      否則先寫 journal，再安裝後繼 state
//
// 崩潰恢復流程:
//   1. loadSnapshot() - 從快照恢復 State 與 LastSeq（無快照時使用初始 mailboxes）
//   2. replayJournal() - 依序重放 seq > LastSeq 的事件，逐一驗證 TurnID 鏈
//   3. journal.AdvanceSeq(LastSeq) - 旋轉後的空 journal 從快照的 seq 繼續
//
// 並發安全:
//   - sync.Mutex 保護 live state 與 journal 寫入順序
//   - stopCh 用於關閉快照循環
//   - sync.WaitGroup 確保循環正確退出
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/turnsmc/internal/metrics"
	"github.com/ChuLiYu/turnsmc/internal/proposal"
	"github.com/ChuLiYu/turnsmc/internal/smc"
	"github.com/ChuLiYu/turnsmc/internal/snapshot"
	"github.com/ChuLiYu/turnsmc/internal/storage/wal"
	"github.com/ChuLiYu/turnsmc/internal/turn"
	"github.com/ChuLiYu/turnsmc/internal/weighting"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotStarted      = errors.New("engine: not started")
	ErrAlreadyStarted  = errors.New("engine: already started")
	ErrStopped         = errors.New("engine: stopped")
	ErrStaleBase       = errors.New("engine: live state changed during collection")
	ErrIdle            = errors.New("engine: every mailbox is empty")
	ErrJournalDiverged = errors.New("engine: journal does not match recovered state")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Journal 持久化 COMMIT / REVERT 事件
// *wal.WAL 與 *sqlitejournal.Journal 都滿足此介面
type Journal interface {
	Append(eventType wal.EventType, entry wal.Entry, isForceFlush bool) error
	Replay(handler wal.EventHandler) error
	GetLastSeq() uint64
	AdvanceSeq(seq uint64)
	Rotate() error
	Close() error
}

// Config 引擎配置
type Config struct {
	Proposals        int             // 每次 Step 的 k
	MaxProposals     int             // 無選擇時加倍 k 的上限（<= Proposals 表示不重試）
	Workers          int             // 並行生成的 worker 數量
	TaskTimeout      time.Duration   // 單個 Proposal 的生成超時
	SnapshotEvery    uint64          // 每多少次提交建立快照（0 表示停用）
	SnapshotInterval time.Duration   // 定期快照間隔（0 表示停用）
	SnapshotBackups  int             // 保留的舊快照數量
	SyncCommits      bool            // 每次提交都強制寫入 journal
	Initial          types.Mailboxes // 無快照時的初始 mailboxes

	// CommitDeterministic 為 true 時，沒有任何 Proposal 帶樣本且全部 k 個 turn 相同，
	// 直接提交該 turn 而不經過 Resampler
	CommitDeterministic bool
}

// Deps 引擎依賴
type Deps struct {
	Generator proposal.Generator // Collector 為 nil 時用來建立 PoolCollector
	Collector proposal.Collector // 可選，覆蓋預設的 PoolCollector
	Updater   turn.Updater       // nil 表示 turn.FIFO
	Params    smc.Params
	Journal   Journal
	Snapshots *snapshot.Manager // nil 表示不建立快照
	Metrics   *metrics.Collector
}

// Engine 持有 live state 並序列化所有提交
type Engine struct {
	mu        sync.Mutex
	config    Config
	collector proposal.Collector
	ownsPool  *proposal.PoolCollector // 由引擎建立、需要在 Stop 時關閉
	updater   turn.Updater
	params    smc.Params
	journal   Journal
	snapshots *snapshot.Manager
	metrics   *metrics.Collector

	state                types.State
	commits              uint64
	reverts              uint64
	commitsSinceSnapshot uint64

	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// Selection 一次成功 Step 的結果
type Selection struct {
	Chosen     weighting.WeightedProposal
	Candidates int     // 可加權的候選數
	ESS        float64 // 候選權重的有效樣本數
	TurnID     types.TurnID
	// Deterministic 表示提交的是無樣本的確定性 turn，Chosen 只有 Proposal 欄位有效
	Deterministic bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Engine 實例
func New(config Config, deps Deps) (*Engine, error) {
	if err := deps.Params.Validate(); err != nil {
		return nil, err
	}
	if deps.Journal == nil {
		return nil, errors.New("engine: nil journal")
	}
	if config.Proposals < 0 {
		return nil, proposal.ErrNegativeCount
	}
	if config.Proposals == 0 {
		config.Proposals = 1
	}
	if config.Workers < 1 {
		config.Workers = 1
	}

	updater := deps.Updater
	if updater == nil {
		updater = turn.FIFO{}
	}

	e := &Engine{
		config:    config,
		collector: deps.Collector,
		updater:   updater,
		params:    deps.Params,
		journal:   deps.Journal,
		snapshots: deps.Snapshots,
		metrics:   deps.Metrics,
		state:     types.NewState(config.Initial),
		stopCh:    make(chan struct{}),
	}

	if e.collector == nil {
		pc, err := proposal.NewPoolCollector(deps.Generator, updater, config.Workers, config.TaskTimeout)
		if err != nil {
			return nil, err
		}
		e.collector = pc
		e.ownsPool = pc
	}
	return e, nil
}

// Start 恢復 live state 並啟動快照循環
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.startTime = time.Now()

	log.Info("Starting recovery...")
	if err := ctx.Err(); err != nil {
		return err
	}

	lastSeq, err := e.loadSnapshot()
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	replayed, err := e.replayJournal(lastSeq)
	if err != nil {
		return fmt.Errorf("replayJournal failed: %w", err)
	}
	e.journal.AdvanceSeq(lastSeq)

	recovery := time.Since(e.startTime)
	e.metrics.SetRecoveryTime(recovery.Seconds())
	e.metrics.UpdateStateStats(e.state.History.Len(), e.state.Mailboxes.Pending())
	log.Info("Recovery completed",
		"duration", recovery,
		"history", e.state.History.Len(),
		"replayed", replayed,
		"head", e.state.HeadID())

	e.started = true

	if e.snapshots != nil && e.config.SnapshotInterval > 0 {
		e.loopWg.Add(1)
		go e.snapshotLoop()
	}
	return nil
}

// loadSnapshot 從快照恢復 State，返回快照包含的最後 seq
func (e *Engine) loadSnapshot() (uint64, error) {
	if e.snapshots == nil || !e.snapshots.Exists() {
		return 0, nil
	}
	start := time.Now()
	data, err := e.snapshots.Load()
	if err != nil {
		return 0, err
	}
	e.state = data.State
	log.Info("Snapshot loaded",
		"duration", time.Since(start),
		"history", data.State.History.Len(),
		"last_seq", data.LastSeq)
	return data.LastSeq, nil
}

// replayJournal 重放 seq > after 的事件
//
// COMMIT: 以記錄的 rest 前進，結果的 head 必須等於事件的 TurnID
// REVERT: 目前的 head 必須等於事件的 TurnID，再以記錄的 rest 後退
func (e *Engine) replayJournal(after uint64) (int, error) {
	replayed := 0
	err := e.journal.Replay(func(event wal.Event) error {
		if event.Seq <= after {
			return nil
		}
		entry, err := event.Entry()
		if err != nil {
			return err
		}

		switch event.Type {
		case wal.EventCommit:
			next, err := turn.ForwardWithRest(e.updater, e.state, entry.Record, entry.Rest)
			if err != nil {
				return fmt.Errorf("%w: seq %d: %v", ErrJournalDiverged, event.Seq, err)
			}
			if next.HeadID() != entry.TurnID {
				return fmt.Errorf("%w: seq %d: head %s, journal %s", ErrJournalDiverged, event.Seq, next.HeadID(), entry.TurnID)
			}
			e.state = next
			e.commits++

		case wal.EventRevert:
			if e.state.HeadID() != entry.TurnID {
				return fmt.Errorf("%w: seq %d: head %s, journal reverts %s", ErrJournalDiverged, event.Seq, e.state.HeadID(), entry.TurnID)
			}
			prev, err := turn.BackwardWithRest(e.updater, e.state, entry.Rest)
			if err != nil {
				return fmt.Errorf("%w: seq %d: %v", ErrJournalDiverged, event.Seq, err)
			}
			e.state = prev
			e.reverts++

		default:
			return fmt.Errorf("%w: %q", wal.ErrUnknownEventType, event.Type)
		}
		replayed++
		return nil
	})
	return replayed, err
}

// ============================================================================
// Step / Undo
// ============================================================================

// Step 以設定的 k 收集、加權、選擇並提交一個 turn
//
// 返回值：
//   - Selection: 被提交的選擇
//   - bool: 是否有選擇（false 不是錯誤）
//   - error: 收集失敗、ErrStaleBase、journal 失敗等
func (e *Engine) Step(ctx context.Context) (Selection, bool, error) {
	return e.StepWithK(ctx, e.config.Proposals)
}

// StepWithK 與 Step 相同，但使用指定的 k
func (e *Engine) StepWithK(ctx context.Context, k int) (Selection, bool, error) {
	base, err := e.base()
	if err != nil {
		return Selection{}, false, err
	}
	if base.Mailboxes.Pending() == 0 {
		return Selection{}, false, ErrIdle
	}

	start := time.Now()
	batch, err := e.collector.Collect(ctx, base, k)
	if err != nil {
		e.metrics.RecordStepError()
		return Selection{}, false, fmt.Errorf("collect: %w", err)
	}
	e.metrics.RecordBatch(batch.Len(), time.Since(start).Seconds())

	candidates := e.params.Weigh(batch)
	ess := weighting.EffectiveSampleSize(weighting.Weights(candidates))
	chosen, ok := e.params.Choose(candidates)
	deterministic := false
	if !ok && len(candidates) == 0 && e.config.CommitDeterministic {
		if p, same := unanimous(batch); same {
			chosen, ok, deterministic = weighting.WeightedProposal{Proposal: p}, true, true
		}
	}
	e.metrics.RecordSelection(ok, ess)
	if !ok {
		log.Debug("No selection", "k", k, "candidates", len(candidates))
		return Selection{}, false, nil
	}

	id, err := e.commit(base, chosen.Proposal)
	if err != nil {
		e.metrics.RecordStepError()
		return Selection{}, false, err
	}
	return Selection{
		Chosen:        chosen,
		Candidates:    len(candidates),
		ESS:           ess,
		TurnID:        id,
		Deterministic: deterministic,
	}, true, nil
}

// unanimous 回報 batch 非空且所有 Proposal 的 turn 都相同
func unanimous(b proposal.Batch) (proposal.Proposal, bool) {
	if len(b.Items) == 0 {
		return proposal.Proposal{}, false
	}
	first := b.Items[0]
	for _, p := range b.Items[1:] {
		if !p.Turn.Equal(first.Turn) {
			return proposal.Proposal{}, false
		}
	}
	return first, true
}

// base 返回目前的 live state
func (e *Engine) base() (types.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return types.State{}, ErrStopped
	}
	if !e.started {
		return types.State{}, ErrNotStarted
	}
	return e.state, nil
}

// commit 原子性地提交 p：先寫 journal（Write-Ahead），再安裝後繼 state
func (e *Engine) commit(base types.State, p proposal.Proposal) (types.TurnID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return "", ErrStopped
	}
	// 同一個 TurnID 可能屬於撤銷後重新提交的 turn，必須比較節點本身
	if !e.state.History.Same(base.History) {
		return "", ErrStaleBase
	}

	id := p.Next.HeadID()
	entry := wal.Entry{TurnID: id, Record: p.Turn, Rest: p.Rest}
	if err := e.journal.Append(wal.EventCommit, entry, e.config.SyncCommits); err != nil {
		return "", fmt.Errorf("failed to append COMMIT event: %w", err)
	}

	e.state = p.Next
	e.commits++
	e.commitsSinceSnapshot++
	e.metrics.RecordCommit()
	e.metrics.UpdateStateStats(e.state.History.Len(), e.state.Mailboxes.Pending())
	log.Debug("Turn committed", "turn", id, "actor", p.Turn.Actor, "processed", p.Turn.Processed)

	if e.snapshots != nil && snapshot.ShouldSnapshot(e.commitsSinceSnapshot, e.config.SnapshotEvery) {
		if err := e.takeSnapshotLocked(); err != nil {
			log.Error("Failed to take snapshot", "error", err)
		}
	}
	return id, nil
}

// Undo 撤銷 live state 最近一次提交的 turn
func (e *Engine) Undo(ctx context.Context) (types.TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.TurnRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return types.TurnRecord{}, ErrStopped
	}
	if !e.started {
		return types.TurnRecord{}, ErrNotStarted
	}

	r, ok := e.state.History.Head()
	if !ok {
		return types.TurnRecord{}, turn.ErrEmptyHistory
	}
	rest, err := turn.RecoverRest(e.state.Mailboxes, r)
	if err != nil {
		return types.TurnRecord{}, err
	}
	prev, err := turn.BackwardWithRest(e.updater, e.state, rest)
	if err != nil {
		return types.TurnRecord{}, err
	}

	entry := wal.Entry{TurnID: e.state.HeadID(), Record: r, Rest: rest}
	if err := e.journal.Append(wal.EventRevert, entry, e.config.SyncCommits); err != nil {
		return types.TurnRecord{}, fmt.Errorf("failed to append REVERT event: %w", err)
	}

	e.state = prev
	e.reverts++
	e.metrics.RecordRevert()
	e.metrics.UpdateStateStats(e.state.History.Len(), e.state.Mailboxes.Pending())
	log.Debug("Turn reverted", "turn", entry.TurnID, "head", prev.HeadID())
	return r, nil
}

// ============================================================================
// Run
// ============================================================================

// RunStats Run 的統計結果
type RunStats struct {
	Steps       int // 嘗試的 Step 次數
	Commits     int // 成功提交次數
	NoSelection int // 最終仍無選擇的次數
	Retries     int // 因無選擇而加倍 k 重試的次數
	Idle        bool
	Stalled     bool // 以最大 k 仍無選擇且 live head 未移動
}

// Run 連續執行 Step，直到 maxSteps 次、所有 mailbox 為空、停滯或 ctx 結束
//
// 無選擇時以加倍的 k 重試，直到 MaxProposals；仍無選擇且 live head 在這一步
// 期間沒有移動時，設定 Stalled 並返回。
func (e *Engine) Run(ctx context.Context, maxSteps int) (RunStats, error) {
	var stats RunStats
	for stats.Steps < maxSteps {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Steps++

		before, err := e.base()
		if err != nil {
			return stats, err
		}
		k := e.config.Proposals
		selected := false
		for {
			_, ok, err := e.StepWithK(ctx, k)
			if errors.Is(err, ErrIdle) {
				stats.Idle = true
				return stats, nil
			}
			if err != nil {
				return stats, err
			}
			if ok {
				stats.Commits++
				selected = true
				break
			}
			if k*2 > e.config.MaxProposals {
				stats.NoSelection++
				break
			}
			k *= 2
			stats.Retries++
		}

		if after := e.State(); !selected && after.History.Same(before.History) {
			stats.Stalled = true
			log.Warn("Run stalled", "steps", stats.Steps, "head", after.HeadID())
			return stats, nil
		}
	}
	return stats, nil
}

// ============================================================================
// 快照
// ============================================================================

// snapshotLoop 定期生成快照
func (e *Engine) snapshotLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Info("Snapshot loop stopped")
			return

		case <-ticker.C:
			if err := e.TakeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// TakeSnapshot 寫入快照並旋轉 journal
func (e *Engine) TakeSnapshot() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	return e.takeSnapshotLocked()
}

// takeSnapshotLocked 假設調用者已經持有 e.mu
func (e *Engine) takeSnapshotLocked() error {
	if e.snapshots == nil {
		return nil
	}
	start := time.Now()

	data := types.SnapshotData{State: e.state, LastSeq: e.journal.GetLastSeq()}
	if err := e.snapshots.WriteWithBackup(data, e.config.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := e.journal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}
	e.commitsSinceSnapshot = 0

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"history", data.State.History.Len(),
		"last_seq", data.LastSeq)
	return nil
}

// ============================================================================
// 公開查詢方法
// ============================================================================

// State 返回目前的 live state（不可變值）
func (e *Engine) State() types.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetStatus 取得引擎狀態
func (e *Engine) GetStatus() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	uptime := time.Duration(0)
	if e.started {
		uptime = time.Since(e.startTime)
	}
	return map[string]interface{}{
		"uptime":    uptime.String(),
		"proposals": e.config.Proposals,
		"workers":   e.config.Workers,
		"history":   e.state.History.Len(),
		"pending":   e.state.Mailboxes.Pending(),
		"actors":    len(e.state.Mailboxes.Actors()),
		"head":      string(e.state.HeadID()),
		"commits":   e.commits,
		"reverts":   e.reverts,
		"last_seq":  e.journal.GetLastSeq(),
	}
}

// Stop 優雅關閉引擎
//
// 關閉順序：
//  1. 標記停止，之後的 Step / Undo 返回 ErrStopped
//  2. close(stopCh) 並等待快照循環退出
//  3. 最後一次快照
//  4. 關閉 Collector 的 worker pool 與 journal
func (e *Engine) Stop() {
	e.shutdown(true)
}

// Close 與 Stop 相同，但不寫最後一次快照，也不旋轉 journal。
// 只讀取狀態的呼叫端（例如 replay）用它關閉引擎。
func (e *Engine) Close() {
	e.shutdown(false)
}

func (e *Engine) shutdown(finalSnapshot bool) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		log.Info("Engine already stopped")
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	log.Info("Stopping engine...")

	close(e.stopCh)
	e.loopWg.Wait()

	if started && finalSnapshot {
		e.mu.Lock()
		if err := e.takeSnapshotLocked(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
		e.mu.Unlock()
	}

	if e.ownsPool != nil {
		e.ownsPool.Close()
	}
	if err := e.journal.Close(); err != nil {
		log.Error("Failed to close journal", "error", err)
	}

	log.Info("Engine stopped")
}
