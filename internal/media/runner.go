// Package media holds the process-execution contract shared by the external
// tool adapters.
package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Runner executes an external binary, streaming output lines to onLine and
// returning captured stdout. Implementations must honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, name string, args []string, onLine func(string)) ([]byte, error)
}

// killGrace bounds how long a cancelled child may linger after SIGTERM.
const killGrace = 10 * time.Second

// ExecRunner runs the real binary via os/exec. Progress lines arrive on
// stdout, diagnostics on stderr; both are streamed to onLine. Cancellation
// sends SIGTERM, then SIGKILL after the grace window.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	var stdout bytes.Buffer
	var mu sync.Mutex
	var tail []string
	consume := func(r io.Reader, keepTail bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if onLine != nil {
				onLine(line)
			}
			if keepTail {
				mu.Lock()
				tail = append(tail, line)
				if len(tail) > 40 {
					tail = tail[1:]
				}
				mu.Unlock()
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		consume(io.TeeReader(stdoutPipe, &stdout), false)
	}()
	go func() {
		defer wg.Done()
		consume(stderrPipe, true)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		mu.Lock()
		detail := strings.Join(tail, "\n")
		mu.Unlock()
		return nil, fmt.Errorf("%s exited: %w: %s", name, err, detail)
	}
	return stdout.Bytes(), nil
}
