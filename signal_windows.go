//go:build windows

package main

import "context"

// Windows has no SIGUSR1; rebuilds are only triggered by file changes
func setupRebuildSignal(ctx context.Context, rebuild func(string)) {}
