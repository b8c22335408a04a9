// Package main provides the artemis binary entry point.
// Artemis drives kanban cards through a supervised development pipeline
// with retries, circuit breakers, and recovery workflows.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/artemishq/artemis/commands"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	os.Exit(commands.Execute())
}
