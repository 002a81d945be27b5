package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 所有邏輯在 internal/cli
// ============================================================================
//
// 編譯時注入版本:
//   go build -ldflags "-X github.com/ChuLiYu/fleet-recovery/internal/cli.Version=1.0.0" -o bin/fleet ./cmd/fleet

import (
	"os"

	"github.com/ChuLiYu/fleet-recovery/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
