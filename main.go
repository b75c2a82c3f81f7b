// ./main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/trysandbar/ai-aml-agent/cmd"
	"github.com/trysandbar/ai-aml-agent/internal/observability"
)

const panicLogFile = "panic.log"

// main is the entry point for the aml-agent CLI.
func main() {
	defer handlePanic()

	// Ctrl+C cancels the running goal; the browser is still released.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		stop()
		os.Exit(1)
	}
}

// handlePanic writes the stack to panic.log before exiting.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()
	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := os.WriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n%s\n", err, msg)
	} else {
		fmt.Fprintf(os.Stderr, "Crash details logged to %s\n", panicLogFile)
	}
	os.Exit(2)
}
