package main

// ============================================================================
// 職責說明：
// 1. dispatchd 入口點：註冊內建操作後交給 CLI
// 2. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/cli"
	"github.com/ChuLiYu/beaver-dispatch/internal/ops"
)

var (
	version = "dev" // 由 -ldflags "-X main.version=..." 注入
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	reg := call.NewRegistry()
	if err := ops.Register(reg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	rootCmd := cli.BuildCLI(reg)
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
