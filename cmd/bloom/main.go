package main

import (
	"context"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"

	"github.com/banshee-data/bloom.scanner/internal/version"
)

// shutdownSignals cancel the command context; SIGKILL cannot be caught.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func main() {
	root := NewRootCmd()

	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version.Get().String()),
		fang.WithNotifySignal(shutdownSignals...),
	); err != nil {
		os.Exit(1)
	}
}
