package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/turnsmc/internal/cli"
)

// 由 -ldflags 注入
var (
	version = "dev"
	commit  = "unknown"
)

/*
# 編譯
go build -o bin/turnsmc ./cmd/turnsmc

# 執行
./bin/turnsmc run -c configs/default.yaml --steps 1000

# 編譯時注入版本
go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/turnsmc
*/
func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
