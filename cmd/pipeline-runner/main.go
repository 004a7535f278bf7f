package main

import (
	"errors"
	"fmt"
	"os"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitInvalid = 2
)

// errPipelineFailed marks a run that completed with a failing step.
var errPipelineFailed = errors.New("pipeline failed")

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, errPipelineFailed) {
			os.Exit(exitFailed)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitInvalid)
	}
	os.Exit(exitOK)
}
