//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/ehrlich-b/ia-sandbox/internal/sandbox"
)

// reexecSentinel is checked against os.Args[1] before cobra ever parses
// argv — the cascade's supervisor/payload stages re-exec this same binary
// with a hidden argv shape (ReexecSentinel StageName), mirroring the
// teacher's DenyInit dispatch in cmd/wt/main.go.
const reexecSentinel = sandbox.ReexecSentinel

func runStage(stage string) int {
	switch stage {
	case sandbox.StageSupervisor:
		return sandbox.SupervisorMain()
	case sandbox.StagePayload:
		return sandbox.PayloadMain()
	default:
		fmt.Fprintf(os.Stderr, "ia-sandbox: unknown cascade stage %q\n", stage)
		return 1
	}
}
