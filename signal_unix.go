//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// setupRebuildSignal calls rebuild whenever the process receives SIGUSR1,
// until ctx is done
func setupRebuildSignal(ctx context.Context, rebuild func(string)) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-sigChan:
				rebuild("Manual rebuild triggered (SIGUSR1)")
			case <-ctx.Done():
				return
			}
		}
	}()
}
