// ============================================================================
// turnsmc CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 基於 Cobra 的命令列介面，負責載入配置並組裝引擎
//
// Command Structure:
//   turnsmc                        # Root command
//   ├── run                        # 啟動引擎並執行 Step
//   │   └── --steps               # 最多執行幾步（0 表示直到所有 mailbox 為空）
//   ├── replay                     # 從快照與 journal 恢復並輸出 State
//   │   └── --dump                # 只輸出 journal 事件
//   ├── status                     # 配置與儲存狀態
//   ├── --config, -c               # 配置檔路徑
//   ├── --version
//   └── --help
//
// Configuration Management:
//   YAML 配置檔（預設 configs/default.yaml），之後以 TURNSMC_ 開頭的環境變數覆蓋：
//   - engine:    k、worker 數量、超時、seed
//   - weighting: weight model 與 potential 參數
//   - resampler: categorical | systematic | argmax
//   - sim:       示範 generator 的目標與分佈
//   - journal:   wal | sqlite
//   - snapshot:  快照路徑與策略
//   - metrics:   Prometheus
//   - initial:   每個 actor 的初始 mailbox
//
//   Examples:
//     ./turnsmc run --steps 1000
//     TURNSMC_ENGINE_PROPOSALS=32 ./turnsmc run -c custom.yaml
//     ./turnsmc replay --dump
//
// Signal Handling:
//   run 捕捉 SIGINT / SIGTERM，取消目前的 Step 後優雅關閉：
//   1. 停止執行新的 Step
//   2. 建立最後一次快照
//   3. 關閉 journal 與 worker pool
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/turnsmc/internal/engine"
	"github.com/ChuLiYu/turnsmc/internal/metrics"
	"github.com/ChuLiYu/turnsmc/internal/resample"
	"github.com/ChuLiYu/turnsmc/internal/sim"
	"github.com/ChuLiYu/turnsmc/internal/smc"
	"github.com/ChuLiYu/turnsmc/internal/snapshot"
	"github.com/ChuLiYu/turnsmc/internal/storage/sqlitejournal"
	"github.com/ChuLiYu/turnsmc/internal/storage/wal"
	"github.com/ChuLiYu/turnsmc/internal/weighting"
	"github.com/ChuLiYu/turnsmc/pkg/types"
)

// EnvPrefix 環境變數覆蓋的前綴
const EnvPrefix = "TURNSMC_"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags, env overrides through env tags
type Config struct {
	Engine struct {
		Proposals           int           `yaml:"proposals" env:"PROPOSALS"`
		MaxProposals        int           `yaml:"max_proposals" env:"MAX_PROPOSALS"`
		Workers             int           `yaml:"workers" env:"WORKERS"`
		TaskTimeout         time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
		Seed                int64         `yaml:"seed" env:"SEED"`
		CommitDeterministic bool          `yaml:"commit_deterministic" env:"COMMIT_DETERMINISTIC"`
	} `yaml:"engine" envPrefix:"ENGINE_"`

	Weighting struct {
		Model     string  `yaml:"model" env:"MODEL"` // product | potential | tempered
		Beta      float64 `yaml:"beta" env:"BETA"`
		Backlog   float64 `yaml:"backlog" env:"BACKLOG"` // BacklogPotential.Lambda
		Preferred uint64  `yaml:"preferred" env:"PREFERRED"`
		Bonus     float64 `yaml:"bonus" env:"BONUS"` // 0 表示不使用 PreferencePotential
	} `yaml:"weighting" envPrefix:"WEIGHTING_"`

	Resampler struct {
		Kind string `yaml:"kind" env:"KIND"`
	} `yaml:"resampler" envPrefix:"RESAMPLER_"`

	Sim struct {
		Targets   []uint64  `yaml:"targets" env:"TARGETS" envSeparator:","`
		Proposal  []float64 `yaml:"proposal" env:"PROPOSAL" envSeparator:","`
		Reference []float64 `yaml:"reference" env:"REFERENCE" envSeparator:","`
	} `yaml:"sim" envPrefix:"SIM_"`

	Journal struct {
		Kind            string        `yaml:"kind" env:"KIND"` // wal | sqlite
		Path            string        `yaml:"path" env:"PATH"`
		BufferSize      int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
		FlushInterval   time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
		Sync            bool          `yaml:"sync" env:"SYNC"`
		CompressRotated bool          `yaml:"compress_rotated" env:"COMPRESS_ROTATED"`
	} `yaml:"journal" envPrefix:"JOURNAL_"`

	Snapshot struct {
		Path     string        `yaml:"path" env:"PATH"`
		Every    uint64        `yaml:"every" env:"EVERY"`
		Interval time.Duration `yaml:"interval" env:"INTERVAL"`
		Backups  int           `yaml:"backups" env:"BACKUPS"`
	} `yaml:"snapshot" envPrefix:"SNAPSHOT_"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"ENABLED"`
		Port    int  `yaml:"port" env:"PORT"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	// Initial 無快照時每個 actor 的 mailbox（事件種類名稱）
	Initial map[uint64][]string `yaml:"initial"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnsmc",
		Short: "turnsmc: sequential Monte Carlo selection over actor turns",
		Long: `turnsmc drives an actor runtime one turn at a time:
- k proposals generated in parallel from the same state
- potential-weighted resampling of the next turn
- journal + snapshot based recovery
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildReplayCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and step the actor runtime",
		Long:  "Recover from snapshot and journal, then run selection steps until the step budget is spent, every mailbox is empty, or a signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.OutOrStdout(), steps)
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 100, "maximum number of steps (0 = until idle)")

	return cmd
}

func runEngine(out io.Writer, steps int) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting engine with config: %s\n", configFile)
	log.Printf("Proposals: %d (max %d), Workers: %d, Resampler: %s, Journal: %s\n",
		cfg.Engine.Proposals, cfg.Engine.MaxProposals, cfg.Engine.Workers, cfg.Resampler.Kind, cfg.Journal.Kind)

	reg := prometheus.NewRegistry()
	eng, err := buildEngine(cfg, reg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	if steps <= 0 {
		steps = math.MaxInt
	}

	start := time.Now()
	stats, err := eng.Run(ctx, steps)
	switch {
	case errors.Is(err, context.Canceled):
		log.Println("Received shutdown signal, stopping gracefully...")
	case err != nil:
		return fmt.Errorf("run: %w", err)
	}

	fmt.Fprintf(out, "steps=%d commits=%d no_selection=%d retries=%d idle=%t stalled=%t elapsed=%s\n",
		stats.Steps, stats.Commits, stats.NoSelection, stats.Retries, stats.Idle, stats.Stalled,
		time.Since(start).Round(time.Millisecond))
	if stats.Stalled {
		log.Println("No proposal could be selected and the state did not change; stopping")
	}
	printState(out, eng.State())
	return nil
}

// ============================================================================
// replay
// ============================================================================

func buildReplayCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recover the live state and print it",
		Long:  "Load the latest snapshot, replay the journal on top of it and print the recovered state; --dump prints the journal events instead",
		RunE: func(cmd *cobra.Command, args []string) error {
			return replay(cmd.OutOrStdout(), dump)
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print journal events instead of the recovered state")

	return cmd
}

func replay(out io.Writer, dump bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if dump {
		return dumpJournal(out, cfg)
	}

	// replay 只讀取：不建立快照，也不旋轉 journal
	readOnly := *cfg
	readOnly.Snapshot.Every = 0
	readOnly.Snapshot.Interval = 0
	eng, err := buildEngine(&readOnly, nil)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	start := time.Now()
	if err := eng.Start(context.Background()); err != nil {
		eng.Close()
		return fmt.Errorf("recovery failed: %w", err)
	}
	defer eng.Close()

	status := eng.GetStatus()
	fmt.Fprintf(out, "recovered in %s: commits=%v reverts=%v last_seq=%v\n",
		time.Since(start).Round(time.Microsecond), status["commits"], status["reverts"], status["last_seq"])
	printState(out, eng.State())
	return nil
}

func dumpJournal(out io.Writer, cfg *Config) error {
	switch cfg.Journal.Kind {
	case "wal":
		return wal.DumpWAL(cfg.Journal.Path, out)
	case "sqlite":
		j, err := sqlitejournal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		fmt.Fprintf(out, "segment %d\n", j.Segment())
		return j.Replay(func(event wal.Event) error {
			entry, err := event.Entry()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "[Seq:%d] %s %s actor=%d %s -> %d events\n",
				event.Seq, event.Type, entry.TurnID, entry.Record.Actor, entry.Record.Processed, len(entry.Record.Produced))
			return err
		})
	default:
		return fmt.Errorf("unknown journal kind %q", cfg.Journal.Kind)
	}
}

// printState 輸出 State 摘要：head、歷史長度與每個 actor 的 mailbox
func printState(out io.Writer, s types.State) {
	head := string(s.HeadID())
	if head == "" {
		head = "(genesis)"
	}
	fmt.Fprintf(out, "head=%s history=%d pending=%d\n", head, s.History.Len(), s.Mailboxes.Pending())
	for _, actor := range s.Mailboxes.Actors() {
		fmt.Fprintf(out, "  actor %d: %v\n", actor, s.Mailboxes.Queue(actor))
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, journal and snapshot statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           turnsmc Status                                  ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  └─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  └─ Proposals (k):   %d (max %d)\n", cfg.Engine.Proposals, cfg.Engine.MaxProposals)
	fmt.Fprintf(out, "  └─ Workers:         %d\n", cfg.Engine.Workers)
	fmt.Fprintf(out, "  └─ Weight Model:    %s\n", cfg.Weighting.Model)
	fmt.Fprintf(out, "  └─ Resampler:       %s\n", cfg.Resampler.Kind)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	fmt.Fprintf(out, "  ├─ Journal (%s):  %s\n", cfg.Journal.Kind, cfg.Journal.Path)
	if cfg.Journal.Kind == "wal" {
		stats, err := wal.GetWALStats(cfg.Journal.Path)
		if err != nil {
			fmt.Fprintf(out, "  │  └─ ❌ %v\n", err)
		} else {
			fmt.Fprintf(out, "  │  └─ Events:       %d (seq %d..%d)\n", stats.TotalEvents, stats.FirstSeq, stats.LastSeq)
			fmt.Fprintf(out, "  │  └─ Commits:      %d\n", stats.EventTypes[wal.EventCommit])
			fmt.Fprintf(out, "  │  └─ Reverts:      %d\n", stats.EventTypes[wal.EventRevert])
			if stats.TornTail {
				fmt.Fprintln(out, "  │  └─ ⚠️  Torn tail (will be truncated on next start)")
			}
		}
	}
	fmt.Fprintf(out, "  └─ Snapshot:        %s\n", cfg.Snapshot.Path)
	if cfg.Snapshot.Path != "" {
		mgr := snapshot.NewManager(cfg.Snapshot.Path)
		data, err := mgr.Load()
		switch {
		case err != nil:
			fmt.Fprintf(out, "     └─ ❌ %v\n", err)
		case !mgr.Exists():
			fmt.Fprintln(out, "     └─ No snapshot yet")
		default:
			fmt.Fprintf(out, "     └─ Last Seq:       %d\n", data.LastSeq)
			fmt.Fprintf(out, "     └─ History:        %d turns\n", data.State.History.Len())
			fmt.Fprintf(out, "     └─ Pending:        %d events\n", data.State.Mailboxes.Pending())
		}
		if backups, err := mgr.Backups(); err == nil {
			fmt.Fprintf(out, "     └─ Backups:        %d (keep %d)\n", len(backups), cfg.Snapshot.Backups)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// 配置
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults 為未設定的欄位填入預設值
func (c *Config) applyDefaults() {
	if c.Engine.Proposals == 0 {
		c.Engine.Proposals = 8
	}
	if c.Engine.MaxProposals == 0 {
		c.Engine.MaxProposals = c.Engine.Proposals
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.TaskTimeout == 0 {
		c.Engine.TaskTimeout = 5 * time.Second
	}
	if c.Weighting.Model == "" {
		c.Weighting.Model = "product"
	}
	if c.Resampler.Kind == "" {
		c.Resampler.Kind = "categorical"
	}
	if len(c.Sim.Targets) == 0 {
		c.Sim.Targets = []uint64{0, 1, 2}
	}
	if c.Journal.Kind == "" {
		c.Journal.Kind = "wal"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.wal"
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = 1
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// initialMailboxes 將配置中的事件種類名稱轉成 Mailboxes
func (c *Config) initialMailboxes() (types.Mailboxes, error) {
	actors := make([]uint64, 0, len(c.Initial))
	for actor := range c.Initial {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	queues := make(map[types.ActorID][]types.EventKind, len(c.Initial))
	for _, actor := range actors {
		for _, name := range c.Initial[actor] {
			kind, err := types.ParseEventKind(name)
			if err != nil {
				return types.Mailboxes{}, fmt.Errorf("initial mailbox of actor %d: %w", actor, err)
			}
			queues[types.ActorID(actor)] = append(queues[types.ActorID(actor)], kind)
		}
	}
	return types.NewMailboxes(queues), nil
}

func (c *Config) weightModel() (weighting.WeightModel, error) {
	switch c.Weighting.Model {
	case "product":
		return weighting.ProductModel{}, nil
	case "potential":
		return weighting.PotentialModel{}, nil
	case "tempered":
		return weighting.TemperedModel{Beta: c.Weighting.Beta}, nil
	default:
		return nil, fmt.Errorf("unknown weight model %q (want product, potential or tempered)", c.Weighting.Model)
	}
}

func (c *Config) potential() weighting.Potential {
	potentials := sim.Sum{sim.BacklogPotential{Lambda: c.Weighting.Backlog}}
	if c.Weighting.Bonus != 0 {
		potentials = append(potentials, sim.PreferencePotential{
			Preferred: types.ActorID(c.Weighting.Preferred),
			Bonus:     weighting.Log(c.Weighting.Bonus),
		})
	}
	return potentials
}

// openJournal 依 journal.kind 開啟 WAL 或 SQLite journal
func (c *Config) openJournal() (engine.Journal, error) {
	if err := os.MkdirAll(filepath.Dir(c.Journal.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	switch c.Journal.Kind {
	case "wal":
		w, err := wal.NewWAL(c.Journal.Path, c.Journal.Sync)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		w.SetBufferSize(c.Journal.BufferSize)
		w.SetFlushInterval(c.Journal.FlushInterval)
		w.SetCompressRotated(c.Journal.CompressRotated)
		return w, nil
	case "sqlite":
		j, err := sqlitejournal.Open(c.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite journal: %w", err)
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal kind %q (want wal or sqlite)", c.Journal.Kind)
	}
}

// buildEngine 依配置組裝引擎；reg 為 nil 時不註冊 metrics
func buildEngine(cfg *Config, reg prometheus.Registerer) (*engine.Engine, error) {
	initial, err := cfg.initialMailboxes()
	if err != nil {
		return nil, err
	}

	targets := make([]types.ActorID, len(cfg.Sim.Targets))
	for i, t := range cfg.Sim.Targets {
		targets[i] = types.ActorID(t)
	}
	gen := &sim.Generator{
		Targets:   targets,
		Proposal:  cfg.Sim.Proposal,
		Reference: cfg.Sim.Reference,
		Seed:      cfg.Engine.Seed,
	}
	if err := gen.Validate(); err != nil {
		return nil, err
	}

	model, err := cfg.weightModel()
	if err != nil {
		return nil, err
	}
	resampler, err := resample.ByName(cfg.Resampler.Kind, cfg.Engine.Seed)
	if err != nil {
		return nil, err
	}

	journal, err := cfg.openJournal()
	if err != nil {
		return nil, err
	}

	var snapshots *snapshot.Manager
	if cfg.Snapshot.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Snapshot.Path), 0755); err != nil {
			journal.Close()
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
		snapshots = snapshot.NewManager(cfg.Snapshot.Path)
	}
	var collector *metrics.Collector
	if reg != nil {
		collector = metrics.NewCollector(reg)
	}

	eng, err := engine.New(engine.Config{
		Proposals:           cfg.Engine.Proposals,
		MaxProposals:        cfg.Engine.MaxProposals,
		Workers:             cfg.Engine.Workers,
		TaskTimeout:         cfg.Engine.TaskTimeout,
		SnapshotEvery:       cfg.Snapshot.Every,
		SnapshotInterval:    cfg.Snapshot.Interval,
		SnapshotBackups:     cfg.Snapshot.Backups,
		SyncCommits:         cfg.Journal.Sync,
		CommitDeterministic: cfg.Engine.CommitDeterministic,
		Initial:             initial,
	}, engine.Deps{
		Generator: gen,
		Params: smc.Params{
			Potential:   cfg.potential(),
			WeightModel: model,
			Resampler:   resampler,
		},
		Journal:   journal,
		Snapshots: snapshots,
		Metrics:   collector,
	})
	if err != nil {
		journal.Close()
		return nil, err
	}
	return eng, nil
}
