package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"reel-pipeline/internal/compose"
	"reel-pipeline/internal/config"
	"reel-pipeline/internal/jobstore"
	"reel-pipeline/internal/models"
	"reel-pipeline/internal/publish"
)

type fakeComp struct {
	mu         sync.Mutex
	stackCalls int
	delay      time.Duration
	failWith   error
}

func (f *fakeComp) Stack(ctx context.Context, inputA, inputB, outPath string, onProgress compose.ProgressFunc) error {
	f.mu.Lock()
	f.stackCalls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &compose.Error{Reason: "canceled", Err: ctx.Err()}
		}
	}
	if f.failWith != nil {
		return f.failWith
	}
	onProgress(50, "encoding")
	if err := os.WriteFile(outPath, bytes.Repeat([]byte("v"), 2000), 0o644); err != nil {
		return err
	}
	onProgress(95, "finalizing")
	return nil
}

func (f *fakeComp) Poster(_ context.Context, _, posterPath string) error {
	return os.WriteFile(posterPath, []byte("jpeg"), 0o644)
}

func (f *fakeComp) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stackCalls
}

type fakeMirror struct {
	mu         sync.Mutex
	configured bool
	callCount  int
	links      map[string]string
	errs       []error
}

func (f *fakeMirror) Configured() bool { return f.configured }

func (f *fakeMirror) Mirror(_ context.Context, _ string, files map[string]string) (map[string]string, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	return f.links, f.errs
}

func (f *fakeMirror) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

type fakePublisher struct {
	mu        sync.Mutex
	callCount int
	gotURL    string
	gotCap    string
	result    publish.Result
	err       error
	block     chan struct{}
}

func (f *fakePublisher) Publish(ctx context.Context, videoURL, caption string) (publish.Result, error) {
	f.mu.Lock()
	f.callCount++
	f.gotURL = videoURL
	f.gotCap = caption
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return publish.Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

func (f *fakePublisher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

type harness struct {
	store  *jobstore.Store
	runner *Runner
	comp   *fakeComp
	mirror *fakeMirror
	pub    *fakePublisher
	dir    string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		UploadDir:       filepath.Join(dir, "uploads"),
		OutputDir:       filepath.Join(dir, "outputs"),
		JobRetention:    time.Hour,
		CleanupInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		store:  jobstore.New(),
		comp:   &fakeComp{},
		mirror: &fakeMirror{},
		pub:    &fakePublisher{result: publish.Result{ExternalID: "m-1", ExternalURL: "https://www.instagram.com/reel/m-1/"}},
		dir:    dir,
	}
	h.runner = New(context.Background(), cfg, h.store, h.comp, h.mirror, h.pub)
	return h
}

func (h *harness) inputs(t *testing.T) (string, string) {
	t.Helper()
	a := filepath.Join(h.dir, "clip_a.mp4")
	b := filepath.Join(h.dir, "clip_b.mp4")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("clip"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return a, b
}

// waitFor polls the job snapshot until cond is satisfied.
func (h *harness) waitFor(t *testing.T, id string, cond func(models.Job) bool) models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.store.Get(id)
		if err == nil && cond(job) {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := h.store.Get(id)
	t.Fatalf("condition not met in time; job=%+v", job)
	return models.Job{}
}

func settled(j models.Job) bool {
	if j.Status == models.StatusError {
		return true
	}
	return j.Terminal() && j.Backup != nil && j.Publish != nil &&
		j.Publish.Status != models.StageUploading
}

func TestSubmitReturnsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.comp.delay = 300 * time.Millisecond
	a, b := h.inputs(t)

	start := time.Now()
	id, err := h.runner.Submit(a, b, "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("submit blocked for %s", elapsed)
	}

	job := h.waitFor(t, id, settled)
	if job.Status != models.StatusDone {
		t.Fatalf("expected done, got %s (%+v)", job.Status, job.Error)
	}
	if job.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", job.Progress)
	}
	if job.OutputRef == "" {
		t.Fatal("expected an output ref on a done job")
	}
}

func TestSubmitRequiresBothInputs(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.runner.Submit("", "b.mp4", ""); err == nil {
		t.Fatal("expected validation error for missing input")
	}
}

func TestCompositionFailureStopsPipeline(t *testing.T) {
	h := newHarness(t, nil)
	h.mirror.configured = true
	h.comp.failWith = &compose.Error{Reason: "encoder failed: bad input"}
	a, b := h.inputs(t)

	id, err := h.runner.Submit(a, b, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := h.waitFor(t, id, func(j models.Job) bool { return j.Terminal() })
	if job.Status != models.StatusError {
		t.Fatalf("expected error status, got %s", job.Status)
	}
	if job.Error == nil || job.Error.Kind != models.ErrKindComposition {
		t.Fatalf("expected composition error kind, got %+v", job.Error)
	}
	if !strings.Contains(job.Error.Detail, "encoder failed") {
		t.Fatalf("error detail lost: %q", job.Error.Detail)
	}

	// Failed compositions never reach the tail stages.
	h.waitForInputsGone(t, a, b)
	if h.mirror.calls() != 0 {
		t.Fatal("backup must not run after a composition failure")
	}
	if h.pub.calls() != 0 {
		t.Fatal("publish must not run after a composition failure")
	}
}

func (h *harness) waitForInputsGone(t *testing.T, paths ...string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		gone := true
		for _, p := range paths {
			if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
				gone = false
			}
		}
		if gone {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("input files were not cleaned up")
}

func TestBackupPartialFailureStillDone(t *testing.T) {
	h := newHarness(t, nil)
	h.mirror.configured = true
	h.mirror.links = map[string]string{
		models.BackupInputA: "https://store/jobs/x/inputs/input_a.mp4",
		models.BackupOutput: "https://store/jobs/x/final/output.mp4",
	}
	h.mirror.errs = []error{errors.New("input_b upload failed")}
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "")
	job := h.waitFor(t, id, settled)

	if job.Status != models.StatusDone {
		t.Fatalf("backup trouble must not fail the job: %s", job.Status)
	}
	if job.Backup.Status != models.StagePartial {
		t.Fatalf("expected partial backup, got %s", job.Backup.Status)
	}
	if len(job.Backup.Links) != 2 {
		t.Fatalf("expected surviving links, got %v", job.Backup.Links)
	}
}

func TestBackupSkippedWhenUnconfigured(t *testing.T) {
	h := newHarness(t, nil)
	h.mirror.configured = false
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "")
	job := h.waitFor(t, id, settled)

	if job.Status != models.StatusDone {
		t.Fatalf("expected done, got %s", job.Status)
	}
	if job.Backup.Status != models.StageSkipped {
		t.Fatalf("expected skipped backup, got %s", job.Backup.Status)
	}
	// No backup URL and no public base URL: publish must be skipped, never
	// failed.
	if job.Publish.Status != models.StageSkipped {
		t.Fatalf("expected skipped publish, got %s", job.Publish.Status)
	}
	if h.pub.calls() != 0 {
		t.Fatal("publish driver must not be invoked without a public URL")
	}
}

func TestPublishUsesBackupURL(t *testing.T) {
	h := newHarness(t, nil)
	h.mirror.configured = true
	h.mirror.links = map[string]string{
		models.BackupOutput: "https://cdn.example.com/jobs/x/final/output.mp4",
	}
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "hello world")
	job := h.waitFor(t, id, settled)

	if job.Publish.Status != models.StageSuccess {
		t.Fatalf("expected publish success, got %+v", job.Publish)
	}
	if job.Publish.ExternalID != "m-1" {
		t.Fatalf("external id not recorded: %+v", job.Publish)
	}
	if h.pub.gotURL != "https://cdn.example.com/jobs/x/final/output.mp4" {
		t.Fatalf("publish did not use the backup url: %q", h.pub.gotURL)
	}
	if h.pub.gotCap != "hello world" {
		t.Fatalf("caption not forwarded: %q", h.pub.gotCap)
	}
}

func TestPublishFallsBackToPublicBaseURL(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.PublicBaseURL = "https://reels.example.com/"
	})
	h.mirror.configured = false
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "")
	job := h.waitFor(t, id, settled)

	if job.Publish.Status != models.StageSuccess {
		t.Fatalf("expected publish success, got %+v", job.Publish)
	}
	want := "https://reels.example.com/api/jobs/" + id + "/preview"
	if h.pub.gotURL != want {
		t.Fatalf("expected fallback url %q, got %q", want, h.pub.gotURL)
	}
}

func TestPublishRejectionRecordedVerbatim(t *testing.T) {
	h := newHarness(t, nil)
	h.mirror.configured = true
	h.mirror.links = map[string]string{models.BackupOutput: "https://store/out.mp4"}
	h.pub.err = &publish.RejectedError{Message: "Media URL is not reachable"}
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "")
	job := h.waitFor(t, id, settled)

	if job.Status != models.StatusDone {
		t.Fatalf("publish trouble must not fail the job: %s", job.Status)
	}
	if job.Publish.Status != models.StageFailed {
		t.Fatalf("expected failed publish, got %s", job.Publish.Status)
	}
	if job.Publish.Error != "Media URL is not reachable" {
		t.Fatalf("platform reason not verbatim: %q", job.Publish.Error)
	}
	if job.Publish.Kind != models.ErrKindPublishReject {
		t.Fatalf("expected rejection kind, got %q", job.Publish.Kind)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.runner.Cancel("missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelInFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.comp.delay = 2 * time.Second
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "")
	h.waitFor(t, id, func(j models.Job) bool { return j.Status == models.StatusProcessing })

	if err := h.runner.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job := h.waitFor(t, id, func(j models.Job) bool { return j.Terminal() })
	if job.Status != models.StatusError {
		t.Fatalf("expected error status after cancel, got %s", job.Status)
	}
	if job.Error == nil || job.Error.Kind != models.ErrKindCanceled {
		t.Fatalf("expected canceled kind, got %+v", job.Error)
	}
}

// Cancelling a job that already finished must not abort its in-flight tail
// stages.
func TestCancelAfterDoneLeavesTailStages(t *testing.T) {
	h := newHarness(t, nil)
	h.mirror.configured = true
	h.mirror.links = map[string]string{models.BackupOutput: "https://store/out.mp4"}
	h.pub.block = make(chan struct{})
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "")
	h.waitFor(t, id, func(j models.Job) bool {
		return j.Publish != nil && j.Publish.Status == models.StageUploading
	})

	if err := h.runner.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(h.pub.block)

	job := h.waitFor(t, id, settled)
	if job.Status != models.StatusDone {
		t.Fatalf("expected done, got %s", job.Status)
	}
	if job.Canceled {
		t.Fatal("a terminal job must not be flagged canceled")
	}
	if job.Publish.Status != models.StageSuccess {
		t.Fatalf("publish should finish despite the late cancel, got %+v", job.Publish)
	}
}

// Every upload failing still leaves the composition result intact: the job
// is done, the backup sub-record alone carries the failure.
func TestBackupTotalFailureStillDone(t *testing.T) {
	h := newHarness(t, nil)
	h.mirror.configured = true
	h.mirror.links = nil
	h.mirror.errs = []error{
		errors.New("input_a upload failed"),
		errors.New("input_b upload failed"),
		errors.New("output upload failed"),
	}
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "")
	job := h.waitFor(t, id, settled)

	if job.Status != models.StatusDone {
		t.Fatalf("backup trouble must not fail the job: %s", job.Status)
	}
	if job.Backup.Status != models.StageFailed {
		t.Fatalf("expected failed backup, got %s", job.Backup.Status)
	}
	if len(job.Backup.Links) != 0 {
		t.Fatalf("expected no links, got %v", job.Backup.Links)
	}
	if job.Publish.Status != models.StageSkipped {
		t.Fatalf("no public URL survived, publish must be skipped: %+v", job.Publish)
	}
}

func TestSweepRemovesExpiredJobAndOutput(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.inputs(t)

	id, _ := h.runner.Submit(a, b, "")
	job := h.waitFor(t, id, settled)

	if _, err := os.Stat(job.OutputPath); err != nil {
		t.Fatalf("output missing before sweep: %v", err)
	}

	// Not yet past retention: nothing happens.
	h.runner.sweep(time.Now())
	if _, err := h.store.Get(id); err != nil {
		t.Fatal("job swept before retention expired")
	}

	h.runner.sweep(time.Now().Add(2 * time.Hour))
	if _, err := h.store.Get(id); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatal("expected job record to be swept")
	}
	if _, err := os.Stat(job.OutputPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected output file to be removed")
	}
}
