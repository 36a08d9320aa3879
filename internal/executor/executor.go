package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mediaops/transformd/internal/jobs"
)

// stderrTailLimit bounds the diagnostic excerpt carried on tool errors.
const stderrTailLimit = 4 * 1024

// Spec describes one external tool invocation built by a recipe. Paths in
// InputPaths and OutputPath must live inside the job's sandbox; Run rejects
// the spec otherwise.
type Spec struct {
	Program    string
	Args       []string
	InputPaths []string
	OutputPath string
}

// Options carries the resource bounds applied to an invocation.
type Options struct {
	Sandbox string
	Timeout time.Duration
	Threads int
}

// Result captures what one attempt did. It is retained only long enough to
// populate the job's error field.
type Result struct {
	ExitCode   int
	Duration   time.Duration
	StderrTail string
}

// runner abstracts process execution for testability.
type runner interface {
	run(ctx context.Context, workdir, program string, args []string) (int, string, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (execRunner) run(ctx context.Context, workdir, program string, args []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = workdir

	tail := newTailBuffer(stderrTailLimit)
	cmd.Stdout = tail
	cmd.Stderr = tail
	// Give the process a moment to die on its own after the context fires
	// before it is killed outright.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), tail.String(), err
		}
		return -1, tail.String(), err
	}

	return 0, tail.String(), nil
}

// Executor runs one external processing invocation with resource limits and
// captures a structured result. The sandbox working directory and the
// process handle are released on every exit path.
type Executor struct {
	runner  runner
	threads int
	logger  *slog.Logger
}

// New creates an Executor with the given default thread cap for the tool.
func New(threads int, logger *slog.Logger) *Executor {
	return &Executor{
		runner:  execRunner{},
		threads: threads,
		logger:  logger,
	}
}

// Run executes the spec inside its sandbox. Failures come back as
// structured pipeline errors: a timeout is transient, a non-zero exit is a
// tool error tagged transient or structural from its diagnostics.
func (e *Executor) Run(ctx context.Context, spec Spec, opts Options) (Result, error) {
	if err := e.checkPaths(spec, opts.Sandbox); err != nil {
		return Result{}, err
	}

	args := spec.Args
	if opts.Threads > 0 && isFFmpeg(spec.Program) && !hasFlag(args, "-threads") {
		args = capThreads(args, opts.Threads)
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	e.logger.Debug("Running external tool",
		slog.String("program", spec.Program),
		slog.String("args", strings.Join(args, " ")),
		slog.Duration("timeout", opts.Timeout),
	)

	start := time.Now()
	exitCode, stderrTail, err := e.runner.run(runCtx, opts.Sandbox, spec.Program, args)
	result := Result{
		ExitCode:   exitCode,
		Duration:   time.Since(start),
		StderrTail: stderrTail,
	}

	if err != nil {
		return result, e.classify(runCtx, spec, result, err)
	}

	if spec.OutputPath != "" {
		info, statErr := os.Stat(spec.OutputPath)
		if statErr != nil || info.Size() == 0 {
			return result, jobs.NewError(jobs.ErrTool,
				"%s exited successfully but produced no output", spec.Program)
		}
	}

	return result, nil
}

// checkPaths verifies every declared path resolves strictly inside the
// sandbox directory. Crafted filenames must not let the tool read or write
// outside its job's namespace.
func (e *Executor) checkPaths(spec Spec, sandbox string) error {
	if sandbox == "" {
		return jobs.NewError(jobs.ErrTool, "executor invoked without a sandbox directory")
	}

	paths := append(append([]string{}, spec.InputPaths...), spec.OutputPath)
	for _, p := range paths {
		if p == "" {
			continue
		}
		inside, err := withinDir(sandbox, p)
		if err != nil {
			return jobs.NewError(jobs.ErrTool, "failed to resolve path %q: %s", p, err)
		}
		if !inside {
			return jobs.NewError(jobs.ErrTool, "path %q escapes the job sandbox", p)
		}
	}

	return nil
}

// withinDir reports whether path resolves inside dir, following symlinks on
// the existing portion of the path.
func withinDir(dir, path string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, err
	}
	resolvedDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return false, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}

	// The file itself may not exist yet (output paths); resolve its parent.
	resolvedParent, err := filepath.EvalSymlinks(filepath.Dir(absPath))
	if err != nil {
		return false, err
	}
	resolved := filepath.Join(resolvedParent, filepath.Base(absPath))

	rel, err := filepath.Rel(resolvedDir, resolved)
	if err != nil {
		return false, err
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// classify turns a process failure into a structured pipeline error.
func (e *Executor) classify(ctx context.Context, spec Spec, result Result, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return jobs.NewTransientError(jobs.ErrTimeout,
			"%s exceeded its time limit after %s", spec.Program, result.Duration.Round(time.Millisecond))
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Launch failure: binary missing, fork failure. Could clear up.
		return jobs.NewTransientError(jobs.ErrTool,
			"failed to launch %s: %s", spec.Program, err)
	}

	msg := fmt.Sprintf("%s exited with code %d: %s",
		spec.Program, result.ExitCode, lastLine(result.StderrTail))

	if isStructuralFailure(result.StderrTail) {
		return jobs.NewError(jobs.ErrTool, "%s", msg)
	}
	return jobs.NewTransientError(jobs.ErrTool, "%s", msg)
}

// structuralMarkers are tool diagnostics that indicate the input itself is
// unusable; retrying the same input cannot help. The list is a heuristic:
// unmatched failures default to transient so the retry policy gets a chance.
var structuralMarkers = []string{
	"invalid data found",
	"invalid argument",
	"unknown decoder",
	"unknown encoder",
	"unsupported codec",
	"no such filter",
	"error opening input",
	"does not contain any stream",
	"moov atom not found",
	"could not find codec parameters",
}

func isStructuralFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range structuralMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// lastLine returns the final non-empty diagnostic line, the part ffmpeg
// puts its actual error on.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no diagnostic output"
}

func isFFmpeg(program string) bool {
	base := filepath.Base(program)
	return base == "ffmpeg" || strings.HasPrefix(base, "ffmpeg")
}

// capThreads inserts -threads ahead of the trailing output path. ffmpeg
// applies options to the file that follows them, so a cap appended after the
// last output is a trailing option ffmpeg ignores.
func capThreads(args []string, threads int) []string {
	capped := make([]string, 0, len(args)+2)
	if n := len(args); n > 0 {
		capped = append(capped, args[:n-1]...)
		capped = append(capped, "-threads", strconv.Itoa(threads), args[n-1])
	} else {
		capped = append(capped, "-threads", strconv.Itoa(threads))
	}
	return capped
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last capacity bytes written to it.
type tailBuffer struct {
	capacity int
	buf      []byte
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{capacity: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.capacity {
		t.buf = t.buf[len(t.buf)-t.capacity:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
