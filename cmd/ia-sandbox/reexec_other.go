//go:build !linux

package main

import (
	"fmt"
	"os"
)

const reexecSentinel = "__ia_sandbox_stage__"

func runStage(stage string) int {
	fmt.Fprintln(os.Stderr, "ia-sandbox: cascade stages require Linux")
	return 1
}
