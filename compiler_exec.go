// Completion: 100% - Host interpreter bytecode compiler
package main

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// HostCompiler runs freeze_helper.py in a host Python interpreter that
// lives as long as the compiler
type HostCompiler struct {
	*helperSession
	cmd    *exec.Cmd
	stderr bytes.Buffer
	closer func() error
}

// NewHostCompiler starts python (a command name or path) with the helper
func NewHostCompiler(python string) (*HostCompiler, error) {
	c := &HostCompiler{}
	c.cmd = exec.Command(python, "-u", "-I", "-c", freezeHelperScript)
	c.cmd.Stderr = &c.stderr

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := c.cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", python, err)
	}
	c.helperSession = newHelperSession(stdin, stdout)
	c.closer = stdin.Close

	if _, err := c.Version(); err != nil {
		c.Close()
		return nil, fmt.Errorf("%s did not answer the helper handshake: %w%s", python, err, c.stderrTail())
	}
	verbosef("bytecode compiler: %s (pid %d)", python, c.cmd.Process.Pid)
	return c, nil
}

func (c *HostCompiler) stderrTail() string {
	msg := strings.TrimSpace(c.stderr.String())
	if msg == "" {
		return ""
	}
	lines := strings.Split(msg, "\n")
	return "\n" + lines[len(lines)-1]
}

// Close stops the interpreter
func (c *HostCompiler) Close() error {
	if c.helperSession == nil {
		return nil
	}
	c.markClosed()
	c.closer()
	if err := c.cmd.Wait(); err != nil {
		return fmt.Errorf("bytecode helper exited: %w%s", err, c.stderrTail())
	}
	return nil
}
