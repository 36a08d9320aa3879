package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaops/transformd/internal/jobs"
)

// fakeRunner records the invocation and plays back a canned outcome.
type fakeRunner struct {
	gotWorkdir string
	gotProgram string
	gotArgs    []string

	exitCode int
	stderr   string
	err      error

	// blockUntilCtx makes run wait for context expiry, simulating a hung tool.
	blockUntilCtx bool
}

func (f *fakeRunner) run(ctx context.Context, workdir, program string, args []string) (int, string, error) {
	f.gotWorkdir = workdir
	f.gotProgram = program
	f.gotArgs = args

	if f.blockUntilCtx {
		<-ctx.Done()
		return -1, f.stderr, ctx.Err()
	}
	return f.exitCode, f.stderr, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(r runner, threads int) *Executor {
	return &Executor{
		runner:  r,
		threads: threads,
		logger:  discardLogger(),
	}
}

// realExitError produces a genuine *exec.ExitError for classification tests.
func realExitError(t *testing.T) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit 1").Run()
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	return err
}

func writeOutput(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("frames"), 0o644))
}

func TestRun_Success(t *testing.T) {
	sandbox := t.TempDir()
	input := filepath.Join(sandbox, "input.mp4")
	output := filepath.Join(sandbox, "output.mp4")
	writeOutput(t, input)
	writeOutput(t, output)

	fake := &fakeRunner{}
	e := newTestExecutor(fake, 0)

	result, err := e.Run(context.Background(), Spec{
		Program:    "ffmpeg",
		Args:       []string{"-i", input, output},
		InputPaths: []string{input},
		OutputPath: output,
	}, Options{Sandbox: sandbox})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, sandbox, fake.gotWorkdir)
}

func TestRun_PathContainment(t *testing.T) {
	t.Run("input outside sandbox is rejected", func(t *testing.T) {
		sandbox := t.TempDir()
		e := newTestExecutor(&fakeRunner{}, 0)

		_, err := e.Run(context.Background(), Spec{
			Program:    "ffmpeg",
			InputPaths: []string{"/etc/passwd"},
		}, Options{Sandbox: sandbox})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "escapes the job sandbox")
	})

	t.Run("traversal through the sandbox is rejected", func(t *testing.T) {
		sandbox := t.TempDir()
		e := newTestExecutor(&fakeRunner{}, 0)

		_, err := e.Run(context.Background(), Spec{
			Program:    "ffmpeg",
			InputPaths: []string{filepath.Join(sandbox, "..", "elsewhere", "file.mp4")},
		}, Options{Sandbox: sandbox})

		require.Error(t, err)
	})

	t.Run("symlink escaping the sandbox is rejected", func(t *testing.T) {
		sandbox := t.TempDir()
		outside := t.TempDir()
		link := filepath.Join(sandbox, "link")
		require.NoError(t, os.Symlink(outside, link))

		e := newTestExecutor(&fakeRunner{}, 0)

		_, err := e.Run(context.Background(), Spec{
			Program:    "ffmpeg",
			InputPaths: []string{filepath.Join(link, "file.mp4")},
		}, Options{Sandbox: sandbox})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "escapes the job sandbox")
	})

	t.Run("output path may not exist yet", func(t *testing.T) {
		sandbox := t.TempDir()
		output := filepath.Join(sandbox, "output.mp4")

		fake := &fakeRunner{}
		e := newTestExecutor(fake, 0)

		// The runner produces the file, as the real tool would.
		fake.err = nil
		writeOutput(t, output)

		_, err := e.Run(context.Background(), Spec{
			Program:    "ffmpeg",
			OutputPath: output,
		}, Options{Sandbox: sandbox})
		require.NoError(t, err)
	})

	t.Run("missing sandbox is rejected", func(t *testing.T) {
		e := newTestExecutor(&fakeRunner{}, 0)

		_, err := e.Run(context.Background(), Spec{Program: "ffmpeg"}, Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "without a sandbox")
	})
}

func TestRun_ThreadCap(t *testing.T) {
	t.Run("injects -threads for ffmpeg", func(t *testing.T) {
		sandbox := t.TempDir()
		fake := &fakeRunner{}
		e := newTestExecutor(fake, 4)

		output := filepath.Join(sandbox, "out.mp4")
		writeOutput(t, output)

		_, err := e.Run(context.Background(), Spec{
			Program:    "/usr/bin/ffmpeg",
			Args:       []string{"-y", "-i", "x", output},
			OutputPath: output,
		}, Options{Sandbox: sandbox, Threads: 4})
		require.NoError(t, err)

		// The cap must precede the output file or ffmpeg discards it as a
		// trailing option.
		assert.Equal(t, []string{"-y", "-i", "x", "-threads", "4", output}, fake.gotArgs)
	})

	t.Run("respects an explicit -threads flag", func(t *testing.T) {
		sandbox := t.TempDir()
		fake := &fakeRunner{}
		e := newTestExecutor(fake, 4)

		output := filepath.Join(sandbox, "out.mp4")
		writeOutput(t, output)

		_, err := e.Run(context.Background(), Spec{
			Program:    "ffmpeg",
			Args:       []string{"-threads", "2", "-i", "x"},
			OutputPath: output,
		}, Options{Sandbox: sandbox, Threads: 4})
		require.NoError(t, err)

		assert.Equal(t, []string{"-threads", "2", "-i", "x"}, fake.gotArgs)
	})

	t.Run("leaves non-ffmpeg programs alone", func(t *testing.T) {
		sandbox := t.TempDir()
		fake := &fakeRunner{}
		e := newTestExecutor(fake, 4)

		output := filepath.Join(sandbox, "out.wav")
		writeOutput(t, output)

		_, err := e.Run(context.Background(), Spec{
			Program:    "sox",
			Args:       []string{"in", "out"},
			OutputPath: output,
		}, Options{Sandbox: sandbox, Threads: 4})
		require.NoError(t, err)

		assert.NotContains(t, fake.gotArgs, "-threads")
	})
}

func TestRun_Timeout(t *testing.T) {
	sandbox := t.TempDir()
	fake := &fakeRunner{blockUntilCtx: true}
	e := newTestExecutor(fake, 0)

	_, err := e.Run(context.Background(), Spec{
		Program: "ffmpeg",
	}, Options{Sandbox: sandbox, Timeout: 20 * time.Millisecond})

	require.Error(t, err)
	assert.True(t, jobs.IsTransient(err))

	var pe *jobs.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, jobs.ErrTimeout, pe.Kind)
}

func TestRun_ExitClassification(t *testing.T) {
	tests := []struct {
		name          string
		stderr        string
		wantTransient bool
		wantInMessage string
	}{
		{
			name:          "structural failure is permanent",
			stderr:        "frame=0\nInvalid data found when processing input",
			wantTransient: false,
			wantInMessage: "Invalid data found",
		},
		{
			name:          "corrupt container is permanent",
			stderr:        "moov atom not found",
			wantTransient: false,
		},
		{
			name:          "unrecognized failure is transient",
			stderr:        "Conversion failed!",
			wantTransient: true,
			wantInMessage: "Conversion failed!",
		},
		{
			name:          "empty diagnostics are transient",
			stderr:        "",
			wantTransient: true,
			wantInMessage: "no diagnostic output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sandbox := t.TempDir()
			fake := &fakeRunner{
				exitCode: 1,
				stderr:   tt.stderr,
				err:      realExitError(t),
			}
			e := newTestExecutor(fake, 0)

			_, err := e.Run(context.Background(), Spec{Program: "ffmpeg"}, Options{Sandbox: sandbox})

			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, jobs.IsTransient(err))
			if tt.wantInMessage != "" {
				assert.Contains(t, err.Error(), tt.wantInMessage)
			}
		})
	}
}

func TestRun_LaunchFailureIsTransient(t *testing.T) {
	sandbox := t.TempDir()
	fake := &fakeRunner{
		exitCode: -1,
		err:      errors.New("fork/exec: no such file or directory"),
	}
	e := newTestExecutor(fake, 0)

	_, err := e.Run(context.Background(), Spec{Program: "ffmpeg"}, Options{Sandbox: sandbox})

	require.Error(t, err)
	assert.True(t, jobs.IsTransient(err))
	assert.Contains(t, err.Error(), "failed to launch")
}

func TestRun_MissingOutput(t *testing.T) {
	t.Run("absent output file", func(t *testing.T) {
		sandbox := t.TempDir()
		e := newTestExecutor(&fakeRunner{}, 0)

		_, err := e.Run(context.Background(), Spec{
			Program:    "ffmpeg",
			OutputPath: filepath.Join(sandbox, "never-written.mp4"),
		}, Options{Sandbox: sandbox})

		require.Error(t, err)
		assert.False(t, jobs.IsTransient(err))
		assert.Contains(t, err.Error(), "produced no output")
	})

	t.Run("empty output file", func(t *testing.T) {
		sandbox := t.TempDir()
		output := filepath.Join(sandbox, "empty.mp4")
		require.NoError(t, os.WriteFile(output, nil, 0o644))

		e := newTestExecutor(&fakeRunner{}, 0)

		_, err := e.Run(context.Background(), Spec{
			Program:    "ffmpeg",
			OutputPath: output,
		}, Options{Sandbox: sandbox})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "produced no output")
	})
}

func TestTailBuffer(t *testing.T) {
	t.Run("keeps everything under capacity", func(t *testing.T) {
		b := newTailBuffer(16)
		_, err := b.Write([]byte("short"))
		require.NoError(t, err)
		assert.Equal(t, "short", b.String())
	})

	t.Run("keeps only the tail over capacity", func(t *testing.T) {
		b := newTailBuffer(8)
		for _, chunk := range []string{"aaaa", "bbbb", "cccc"} {
			_, err := b.Write([]byte(chunk))
			require.NoError(t, err)
		}
		assert.Equal(t, "bbbbcccc", b.String())
	})
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "final error", lastLine("progress\nmore progress\nfinal error\n"))
	assert.Equal(t, "only line", lastLine("only line"))
	assert.Equal(t, "no diagnostic output", lastLine("  \n \n"))
}
