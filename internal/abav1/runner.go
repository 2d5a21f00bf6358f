package abav1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mjc/reencodarr/internal/models"
	"github.com/shirou/gopsutil/v4/process"
)

// RunError describes a failed subprocess run with enough context for
// classification and for the failure audit log.
type RunError struct {
	Stage    models.Stage
	ExitCode int
	// Timeout is set when the per-stage absolute timeout expired.
	Timeout bool
	// PortError is set when the pipes to the child broke before exit.
	PortError bool
	// OutputMissing is set when the child exited 0 but the expected
	// output file does not exist. Some tools exit 0 on early abort.
	OutputMissing bool
	// Tail is a snapshot of the last output lines.
	Tail []string
	Args []string
}

// Error implements the error interface.
func (e *RunError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s run timed out", e.Stage)
	case e.PortError:
		return fmt.Sprintf("%s run lost its subprocess pipes", e.Stage)
	case e.OutputMissing:
		return fmt.Sprintf("%s run exited 0 without producing its output file", e.Stage)
	default:
		return fmt.Sprintf("%s run exited with code %d", e.Stage, e.ExitCode)
	}
}

// ProcessStats is a point-in-time snapshot of the running child.
type ProcessStats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Runner launches ab-av1 in its own OS process group, streams its
// output line by line to a callback, and keeps the state the watchdog
// and the failure path need: the child's pid, a bounded tail of recent
// output, and the timestamp of the last progress event.
type Runner struct {
	binaryPath string
	tailLines  int
	logger     *slog.Logger

	mu           sync.Mutex
	pid          int
	tail         *ringBuffer
	lastProgress time.Time
}

// NewRunner creates a Runner for the given binary. tailLines bounds
// the rolling output buffer kept for failure diagnostics.
func NewRunner(binaryPath string, tailLines int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if tailLines < 1 {
		tailLines = 1024
	}
	return &Runner{
		binaryPath: binaryPath,
		tailLines:  tailLines,
		logger:     logger,
	}
}

// Run executes one subprocess to completion. Every complete output
// line (stdout and stderr) is passed to onLine. outputPath, when
// non-empty, must exist with non-zero size after a zero exit for the
// run to count as success. timeout bounds the whole run.
func (r *Runner) Run(ctx context.Context, stage models.Stage, args []string, outputPath string, timeout time.Duration, onLine func(string)) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command(r.binaryPath, args...)
	// Own process group so a kill reaches the tool's own children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	tail := newRingBuffer(r.tailLines)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", r.binaryPath, err)
	}

	r.mu.Lock()
	r.pid = cmd.Process.Pid
	r.tail = tail
	r.lastProgress = time.Now()
	r.mu.Unlock()

	r.logger.Debug("subprocess started",
		slog.String("stage", string(stage)),
		slog.Int("pid", cmd.Process.Pid),
		slog.Any("args", args),
	)

	var wg sync.WaitGroup
	var pipeErr error
	var pipeErrMu sync.Mutex

	consume := func(name string, pipe interface{ Read([]byte) (int, error) }) {
		defer wg.Done()
		scanner := bufio.NewScanner(pipe)
		// Progress lines can be long when the tool dumps full arg lists.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail.Append(line)
			onLine(line)
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			pipeErrMu.Lock()
			pipeErr = fmt.Errorf("reading %s: %w", name, err)
			pipeErrMu.Unlock()
		}
	}

	wg.Add(2)
	go consume("stdout", stdout)
	go consume("stderr", stderr)

	// Kill the process group when the context ends before the child.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			r.Kill(cmd.Process.Pid)
		case <-watchDone:
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(watchDone)

	r.mu.Lock()
	r.pid = 0
	r.mu.Unlock()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &RunError{Stage: stage, Timeout: true, Tail: tail.Snapshot(), Args: args}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &RunError{
				Stage:    stage,
				ExitCode: exitErr.ExitCode(),
				Tail:     tail.Snapshot(),
				Args:     args,
			}
		}
		return &RunError{Stage: stage, PortError: true, Tail: tail.Snapshot(), Args: args}
	}

	pipeErrMu.Lock()
	brokenPipe := pipeErr
	pipeErrMu.Unlock()
	if brokenPipe != nil {
		r.logger.Warn("subprocess pipe error after clean exit",
			slog.String("stage", string(stage)),
			slog.String("error", brokenPipe.Error()),
		)
	}

	if outputPath != "" {
		info, statErr := os.Stat(outputPath)
		if statErr != nil || info.Size() == 0 {
			return &RunError{Stage: stage, OutputMissing: true, Tail: tail.Snapshot(), Args: args}
		}
	}

	return nil
}

// Kill terminates the whole process group of the given pid. Safe to
// call for an already-dead process.
func (r *Runner) Kill(pid int) {
	if pid <= 0 {
		return
	}
	// Negative pid addresses the process group.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Warn("killing process group",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
	}
}

// PID returns the current child's pid, or 0 when idle.
func (r *Runner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// Touch records a progress observation. The stage handler calls this
// whenever the parser emits a progress event.
func (r *Runner) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastProgress = time.Now()
}

// ProgressTimestamp returns the time of the last progress observation.
func (r *Runner) ProgressTimestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastProgress
}

// OutputTail returns a snapshot of the most recent output lines.
func (r *Runner) OutputTail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tail == nil {
		return nil
	}
	return r.tail.Snapshot()
}

// Stats samples CPU and memory usage of the running child. Returns nil
// when no child is running.
func (r *Runner) Stats() *ProcessStats {
	pid := r.PID()
	if pid == 0 {
		return nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	stats := &ProcessStats{PID: pid}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats
}

// ringBuffer keeps the last capacity lines appended to it.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{lines: make([]string, capacity)}
}

// Append adds one line, evicting the oldest when full.
func (b *ringBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Snapshot returns the buffered lines oldest first.
func (b *ringBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]string, b.next)
		copy(out, b.lines[:b.next])
		return out
	}

	out := make([]string, 0, len(b.lines))
	out = append(out, b.lines[b.next:]...)
	out = append(out, b.lines[:b.next]...)
	return out
}
