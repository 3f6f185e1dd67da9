package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/lemoz/project-control-center-sub001/internal/log"
)

// Status tracks the subprocess lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// ErrTimeout indicates the invocation exceeded its hard deadline.
var ErrTimeout = errors.New("agent invocation timed out")

// AbortError is returned when the run was killed through Handle.Abort.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return "agent aborted: " + e.Reason
}

// EventFunc receives each parsed stdout event in order. Lines that are
// not valid JSON are mirrored to the log but not delivered.
type EventFunc func(ev Event, h *Handle)

// Handle lets the event callback stop a run mid-stream.
type Handle struct {
	abort func(reason string)
}

// NewHandle builds a Handle that forwards Abort to fn. Used by callers
// that exercise event callbacks without a live process.
func NewHandle(fn func(reason string)) *Handle {
	return &Handle{abort: fn}
}

// Abort kills the child process. Pending stdout is still drained into
// the log, but the run's outcome becomes a failure with this reason.
// Only the first abort of a running process takes effect.
func (h *Handle) Abort(reason string) {
	if h.abort != nil {
		h.abort(reason)
	}
}

// Process runs one agent invocation. A Process is single-use.
type Process struct {
	inv Invocation

	mu          sync.Mutex
	status      Status
	abortReason string
	cmd         *exec.Cmd

	logMu sync.Mutex
	logW  io.Writer
}

// NewProcess creates a Process for the given invocation.
func NewProcess(inv Invocation) *Process {
	return &Process{inv: inv, status: StatusPending}
}

// Status returns the current lifecycle status.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) setStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

func (p *Process) abort(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusRunning {
		return
	}
	p.status = StatusAborted
	p.abortReason = reason
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			log.Warn(log.CatAgent, "failed to kill agent process", "error", err.Error())
		}
	}
}

// writeLog appends one mirrored line to the run log.
func (p *Process) writeLog(line []byte) {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	if p.logW == nil {
		return
	}
	if _, err := p.logW.Write(append(line, '\n')); err != nil {
		log.Warn(log.CatAgent, "failed to write run log", "error", err.Error())
	}
}

// Run spawns the agent CLI, streams its events, and returns the final
// message written to the last-message file. onEvent is called once per
// complete stdout line, in order, including the residual tail after the
// child closes its end. On non-zero exit the most recent error or
// turn.failed event from the log tail is attached to the error.
func (p *Process) Run(ctx context.Context, onEvent EventFunc) ([]byte, error) {
	if p.Status() != StatusPending {
		return nil, fmt.Errorf("process already started")
	}

	logFile, err := os.OpenFile(p.inv.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		p.setStatus(StatusFailed)
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	defer logFile.Close()
	p.logMu.Lock()
	p.logW = logFile
	p.logMu.Unlock()

	if p.inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.inv.CLIPath, BuildArgs(p.inv)...)
	if p.inv.WorkDir != "" {
		cmd.Dir = p.inv.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.setStatus(StatusFailed)
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.setStatus(StatusFailed)
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.setStatus(StatusFailed)
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.setStatus(StatusFailed)
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.status = StatusRunning
	p.mu.Unlock()

	log.Debug(log.CatAgent, "agent started",
		"cli", p.inv.CLIPath,
		"sandbox", string(p.inv.Sandbox),
		"network", p.inv.NetworkEnabled,
		"workdir", p.inv.WorkDir,
	)

	// Deliver the prompt, then close stdin so the CLI starts the turn.
	go func() {
		defer stdin.Close()
		if _, err := io.WriteString(stdin, p.inv.Prompt); err != nil {
			log.Warn(log.CatAgent, "failed to write prompt", "error", err.Error())
		}
	}()

	handle := NewHandle(p.abort)
	var stderrLines []string
	var wg sync.WaitGroup

	// Stdout: one goroutine so lines are delivered at most once, in order.
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			p.writeLog(line)
			ev, err := ParseEvent(line)
			if err != nil {
				continue
			}
			onEvent(ev, handle)
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			log.Debug(log.CatAgent, "stdout scanner stopped", "error", err.Error())
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			p.writeLog(line)
			stderrLines = append(stderrLines, string(line))
		}
	}()

	// Drain both pipes before Wait so the residual tail is delivered.
	wg.Wait()
	waitErr := cmd.Wait()

	p.mu.Lock()
	aborted := p.status == StatusAborted
	reason := p.abortReason
	p.mu.Unlock()

	switch {
	case aborted:
		log.Info(log.CatAgent, "agent aborted", "reason", reason)
		return nil, &AbortError{Reason: reason}

	case ctx.Err() == context.DeadlineExceeded:
		p.setStatus(StatusFailed)
		log.Warn(log.CatAgent, "agent timed out", "timeout", p.inv.Timeout.String())
		return nil, ErrTimeout

	case waitErr != nil:
		p.setStatus(StatusFailed)
		msg := TailError(p.inv.LogPath)
		if msg == "" && len(stderrLines) > 0 {
			msg = strings.Join(lastN(stderrLines, 5), "; ")
		}
		if msg != "" {
			return nil, fmt.Errorf("agent failed: %s: %w", msg, waitErr)
		}
		return nil, fmt.Errorf("agent failed: %w", waitErr)
	}

	result, err := os.ReadFile(p.inv.LastMessagePath)
	if err != nil {
		p.setStatus(StatusFailed)
		return nil, fmt.Errorf("agent exited without a final message: %w", err)
	}

	p.setStatus(StatusCompleted)
	log.Debug(log.CatAgent, "agent completed", "result_bytes", len(result))
	return result, nil
}

// tailErrorWindow bounds how far back TailError reads.
const tailErrorWindow = 64 * 1024

// TailError scans the tail of a run log for the most recent error or
// turn.failed event and returns its message. Empty when none is found.
func TailError(logPath string) string {
	f, err := os.Open(logPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - tailErrorWindow
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		ev, err := ParseEvent([]byte(line))
		if err != nil {
			continue
		}
		if ev.Type == "error" || ev.Type == "turn.failed" {
			if msg := ev.ErrorMessage(); msg != "" {
				return msg
			}
		}
	}
	return ""
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// Invoke is the one-shot convenience wrapper: build, run, return the
// final message.
func Invoke(ctx context.Context, inv Invocation, onEvent EventFunc) ([]byte, error) {
	if onEvent == nil {
		onEvent = func(Event, *Handle) {}
	}
	return NewProcess(inv).Run(ctx, onEvent)
}
