package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaops/transformd/internal/artifact"
	"github.com/mediaops/transformd/internal/executor"
	"github.com/mediaops/transformd/internal/jobs"
	"github.com/mediaops/transformd/internal/store"
	"github.com/mediaops/transformd/internal/webhook"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type casCall struct {
	from   jobs.State
	to     jobs.State
	update store.Update
}

// fakeRecords approves every compare-and-set unless told otherwise, and
// records the transition sequence for assertions.
type fakeRecords struct {
	job    *jobs.Job
	getErr error
	deny   map[string]bool // "FROM->TO" transitions to refuse
	casErr error
	calls  []casCall
}

func (f *fakeRecords) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.job, nil
}

func (f *fakeRecords) CompareAndSet(ctx context.Context, jobID string, expected, next jobs.State, update store.Update) (bool, error) {
	if f.casErr != nil {
		return false, f.casErr
	}
	f.calls = append(f.calls, casCall{from: expected, to: next, update: update})
	if f.deny[string(expected)+"->"+string(next)] {
		return false, nil
	}
	return true, nil
}

type fakeEnqueuer struct {
	ids []string
	err error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, jobID)
	return nil
}

type fakeStager struct {
	paths []string
	err   error
	calls int
}

func (f *fakeStager) Stage(ctx context.Context, jobID string, refs []string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.paths, nil
}

// fakeRunner simulates the external tool. On success it writes the output
// file the recipe declared, as the real tool would.
type fakeRunner struct {
	err    error
	called bool
}

func (f *fakeRunner) Run(ctx context.Context, spec executor.Spec, opts executor.Options) (executor.Result, error) {
	f.called = true
	if f.err != nil {
		return executor.Result{ExitCode: 1}, f.err
	}
	if err := os.WriteFile(spec.OutputPath, []byte("encoded"), 0o644); err != nil {
		return executor.Result{}, err
	}
	return executor.Result{ExitCode: 0, Duration: time.Second}, nil
}

type testHarness struct {
	worker   *Worker
	records  *fakeRecords
	enqueuer *fakeEnqueuer
	stager   *fakeStager
	runner   *fakeRunner
	store    *artifact.Store
}

func newHarness(t *testing.T, job *jobs.Job) *testHarness {
	t.Helper()

	artifacts, err := artifact.New(t.TempDir(), "/storage", discardLogger())
	require.NoError(t, err)

	records := &fakeRecords{job: job, deny: map[string]bool{}}
	enqueuer := &fakeEnqueuer{}
	stager := &fakeStager{paths: []string{"/staged/input_0.mp4"}}
	runner := &fakeRunner{}

	w := &Worker{
		logger:       discardLogger(),
		records:      records,
		enqueuer:     enqueuer,
		artifacts:    artifacts,
		fetcher:      stager,
		executor:     runner,
		notifier:     webhook.New(discardLogger()),
		jobTimeout:   time.Minute,
		retention:    24 * time.Hour,
		ffmpegPath:   "ffmpeg",
		threads:      2,
		errorBackoff: time.Millisecond,
		workerID:     "worker-test",
	}

	return &testHarness{
		worker:   w,
		records:  records,
		enqueuer: enqueuer,
		stager:   stager,
		runner:   runner,
		store:    artifacts,
	}
}

func testJob(attempt int) *jobs.Job {
	return &jobs.Job{
		ID:           "4b1c0f61-0000-0000-0000-000000000001",
		Kind:         jobs.KindConvert,
		InputRefs:    []string{"https://example.com/clip.mp4"},
		Params:       map[string]any{"format": "mp4"},
		State:        jobs.StatePending,
		AttemptCount: attempt,
		MaxAttempts:  3,
		CreatedAt:    time.Now(),
	}
}

func TestProcessJob_Success(t *testing.T) {
	job := testJob(0)
	h := newHarness(t, job)

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	require.Len(t, h.records.calls, 2)
	assert.Equal(t, jobs.StatePending, h.records.calls[0].from)
	assert.Equal(t, jobs.StateRunning, h.records.calls[0].to)
	assert.Equal(t, jobs.StateRunning, h.records.calls[1].from)
	assert.Equal(t, jobs.StateDone, h.records.calls[1].to)

	done := h.records.calls[1].update
	assert.NotEmpty(t, done.OutputRef)
	require.NotNil(t, done.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *done.ExpiresAt, time.Minute)

	// The output was published and the sandbox released
	_, err = h.store.ResolvePublic(done.OutputRef)
	assert.NoError(t, err)
	assert.NoDirExists(t, h.store.SandboxDir(job.ID))

	assert.Empty(t, h.enqueuer.ids)
}

func TestProcessJob_SuccessWebhook(t *testing.T) {
	var got webhook.Payload
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received <- struct{}{}
	}))
	defer srv.Close()

	job := testJob(0)
	job.WebhookURL = srv.URL
	h := newHarness(t, job)

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("webhook was not delivered")
	}

	assert.Equal(t, job.ID, got.JobID)
	assert.Equal(t, "DONE", got.Status)
	assert.Contains(t, got.OutputURL, "/storage/")
}

func TestProcessJob_MissingRecordIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.records.getErr = jobs.ErrJobNotFound

	err := h.worker.processJob(context.Background(), "gone")
	require.NoError(t, err)

	assert.Empty(t, h.records.calls)
	assert.False(t, h.runner.called)
}

func TestProcessJob_StoreErrorPropagates(t *testing.T) {
	h := newHarness(t, nil)
	h.records.getErr = errors.New("connection refused")

	err := h.worker.processJob(context.Background(), "any")
	require.Error(t, err)
	assert.False(t, h.runner.called)
}

func TestProcessJob_LostClaimSkips(t *testing.T) {
	job := testJob(0)
	h := newHarness(t, job)
	h.records.deny["PENDING->RUNNING"] = true

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	// Only the claim attempt; nothing ran
	require.Len(t, h.records.calls, 1)
	assert.False(t, h.runner.called)
	assert.Equal(t, 0, h.stager.calls)
}

func TestProcessJob_TransientFailureRetries(t *testing.T) {
	job := testJob(0)
	h := newHarness(t, job)
	h.runner.err = jobs.NewTransientError(jobs.ErrTool, "ffmpeg exited with code 1: Conversion failed!")

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	require.Len(t, h.records.calls, 2)
	retry := h.records.calls[1]
	assert.Equal(t, jobs.StateRunning, retry.from)
	assert.Equal(t, jobs.StatePending, retry.to)
	require.NotNil(t, retry.update.AttemptCount)
	assert.Equal(t, 1, *retry.update.AttemptCount)

	assert.Equal(t, []string{job.ID}, h.enqueuer.ids)
	assert.NoDirExists(t, h.store.SandboxDir(job.ID))
}

func TestProcessJob_ExhaustedAttemptsFail(t *testing.T) {
	job := testJob(2) // third and final attempt
	h := newHarness(t, job)
	h.runner.err = jobs.NewTransientError(jobs.ErrTimeout, "ffmpeg exceeded its time limit")

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	require.Len(t, h.records.calls, 2)
	failed := h.records.calls[1]
	assert.Equal(t, jobs.StateRunning, failed.from)
	assert.Equal(t, jobs.StateFailed, failed.to)
	require.NotNil(t, failed.update.Error)
	assert.Equal(t, jobs.ErrTimeout, failed.update.Error.Kind)
	require.NotNil(t, failed.update.ExpiresAt)

	assert.Empty(t, h.enqueuer.ids)
}

func TestProcessJob_StructuralFailureNeverRetries(t *testing.T) {
	job := testJob(0) // attempts remain, but the failure is permanent
	h := newHarness(t, job)
	h.runner.err = jobs.NewError(jobs.ErrTool, "ffmpeg exited with code 1: Invalid data found when processing input")

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	require.Len(t, h.records.calls, 2)
	failed := h.records.calls[1]
	assert.Equal(t, jobs.StateFailed, failed.to)
	require.NotNil(t, failed.update.Error)
	assert.Equal(t, jobs.ErrTool, failed.update.Error.Kind)

	assert.Empty(t, h.enqueuer.ids)
}

func TestProcessJob_RetryEnqueueFailureFailsJob(t *testing.T) {
	job := testJob(0)
	h := newHarness(t, job)
	h.runner.err = jobs.NewTransientError(jobs.ErrTool, "flaky")
	h.enqueuer.err = errors.New("broker unavailable")

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	// claim, retry transition, then failure from PENDING
	require.Len(t, h.records.calls, 3)
	failed := h.records.calls[2]
	assert.Equal(t, jobs.StatePending, failed.from)
	assert.Equal(t, jobs.StateFailed, failed.to)
	require.NotNil(t, failed.update.Error)
	assert.Equal(t, jobs.ErrStore, failed.update.Error.Kind)
}

func TestProcessJob_FetchFailureCountsAsAttempt(t *testing.T) {
	job := testJob(0)
	h := newHarness(t, job)
	h.stager.err = jobs.NewError(jobs.ErrFetch, "input returned status 404")

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	// Fetch errors are not transient; the job fails outright
	require.Len(t, h.records.calls, 2)
	failed := h.records.calls[1]
	assert.Equal(t, jobs.StateFailed, failed.to)
	assert.Equal(t, jobs.ErrFetch, failed.update.Error.Kind)
	assert.False(t, h.runner.called)
}

func TestProcessJob_UnknownKindFails(t *testing.T) {
	job := testJob(0)
	job.Kind = jobs.Kind("retired-kind")
	h := newHarness(t, job)

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	require.Len(t, h.records.calls, 2)
	failed := h.records.calls[1]
	assert.Equal(t, jobs.StateFailed, failed.to)
	assert.Equal(t, jobs.ErrInvalidRequest, failed.update.Error.Kind)
	assert.False(t, h.runner.called)
}

func TestProcessJob_FailureWebhook(t *testing.T) {
	var got webhook.Payload
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received <- struct{}{}
	}))
	defer srv.Close()

	job := testJob(2)
	job.WebhookURL = srv.URL
	h := newHarness(t, job)
	h.runner.err = jobs.NewTransientError(jobs.ErrTool, "flaky")

	err := h.worker.processJob(context.Background(), job.ID)
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("webhook was not delivered")
	}

	assert.Equal(t, "FAILED", got.Status)
	assert.Equal(t, "tool_error", got.ErrorKind)
	assert.Empty(t, got.OutputURL)
}
