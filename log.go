// Completion: 100% - Leveled diagnostics output
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// logOutput receives all diagnostics. Tests swap it for a buffer.
var logOutput io.Writer = os.Stderr

func warnf(format string, args ...any) {
	fmt.Fprintf(logOutput, "WARNING: "+format+"\n", args...)
}

// printf writes an unprefixed line that must always be shown
func printf(format string, args ...any) {
	fmt.Fprintf(logOutput, strings.TrimSuffix(format, "\n")+"\n", args...)
}

func infof(format string, args ...any) {
	if QuietMode {
		return
	}
	fmt.Fprintf(logOutput, strings.TrimSuffix(format, "\n")+"\n", args...)
}

func verbosef(format string, args ...any) {
	if !VerboseMode {
		return
	}
	fmt.Fprintf(logOutput, strings.TrimSuffix(format, "\n")+"\n", args...)
}
