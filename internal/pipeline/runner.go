package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"reel-pipeline/internal/compose"
	"reel-pipeline/internal/config"
	"reel-pipeline/internal/jobstore"
	"reel-pipeline/internal/models"
	"reel-pipeline/internal/publish"
	"reel-pipeline/internal/telemetry"
)

// Compositor is the long-running encoding operation. Its failure is the only
// stage failure fatal to a job.
type Compositor interface {
	Stack(ctx context.Context, inputA, inputB, outPath string, onProgress compose.ProgressFunc) error
	Poster(ctx context.Context, videoPath, posterPath string) error
}

// Mirrorer mirrors job files to the durable store, best-effort.
type Mirrorer interface {
	Configured() bool
	Mirror(ctx context.Context, jobID string, files map[string]string) (map[string]string, []error)
}

// Publisher drives the platform's two-phase publish protocol.
type Publisher interface {
	Publish(ctx context.Context, videoURL, caption string) (publish.Result, error)
}

// Runner is the job orchestrator: it accepts submissions, runs each job on
// its own goroutine through compose -> backup -> publish, and keeps the job
// store as the single source of truth for pollers.
type Runner struct {
	cfg       config.Config
	store     *jobstore.Store
	comp      Compositor
	mirror    Mirrorer
	publisher Publisher

	baseCtx context.Context

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a runner. baseCtx bounds all background job execution; publisher
// may be nil when the platform is not configured.
func New(baseCtx context.Context, cfg config.Config, store *jobstore.Store, comp Compositor, mirror Mirrorer, publisher Publisher) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     store,
		comp:      comp,
		mirror:    mirror,
		publisher: publisher,
		baseCtx:   baseCtx,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit registers a job for the two saved input files and schedules its
// background execution. It returns the job id without doing any processing.
func (r *Runner) Submit(inputA, inputB, caption string) (string, error) {
	if inputA == "" || inputB == "" {
		return "", errors.New("both input clips are required")
	}
	id := r.store.Create(inputA, inputB, caption)
	telemetry.JobsSubmitted.Inc()

	ctx, cancel := context.WithCancel(r.baseCtx)
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()

	go r.run(ctx, id)
	return id, nil
}

// Cancel requests cooperative cancellation. A compose run in flight is
// killed; tail stages check the flag before starting. Terminal jobs are left
// untouched.
func (r *Runner) Cancel(id string) error {
	terminal := false
	err := r.store.Update(id, func(j *models.Job) {
		if j.Terminal() {
			terminal = true
			return
		}
		j.Canceled = true
	})
	if err != nil {
		return err
	}
	if terminal {
		return nil
	}
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (r *Runner) run(ctx context.Context, id string) {
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[id]; ok {
			cancel()
			delete(r.cancels, id)
		}
		r.mu.Unlock()
	}()

	job, err := r.store.Get(id)
	if err != nil {
		slog.Warn("job vanished before start", "job", id)
		return
	}

	if err := r.store.Update(id, func(j *models.Job) {
		j.Status = models.StatusProcessing
		j.Message = "Starting"
	}); err != nil {
		slog.Warn("job vanished before start", "job", id)
		return
	}

	telemetry.JobsInFlight.Inc()
	outPath := filepath.Join(r.cfg.OutputDir, fmt.Sprintf("output_%s.mp4", id))

	sink := newProgressSink(r.store, id)
	composeErr := r.comp.Stack(ctx, job.InputA, job.InputB, outPath, sink.Report)
	sink.Close()
	telemetry.JobsInFlight.Dec()

	if composeErr != nil {
		r.fail(id, composeErr)
		r.removeInputs(job)
		return
	}

	now := time.Now().UTC()
	if err := r.store.Update(id, func(j *models.Job) {
		j.Status = models.StatusDone
		j.Progress = 100
		j.Message = "Completed"
		j.OutputPath = outPath
		j.OutputRef = "/api/jobs/" + id + "/preview"
		j.TerminalAt = &now
	}); err != nil {
		slog.Warn("job vanished after compose", "job", id)
		os.Remove(outPath)
		r.removeInputs(job)
		return
	}
	telemetry.JobsCompleted.Inc()
	slog.Info("composition finished", "job", id, "output", outPath)

	// Tail stages: best-effort, reflected only in their own sub-records.
	links := r.runBackup(ctx, id, job, outPath)
	r.runPublish(ctx, id, links)
	r.removeInputs(job)
}

// fail marks the job terminal with a stable error kind. Cancellation is
// reported as its own kind so callers can tell it from encoder failures.
func (r *Runner) fail(id string, cause error) {
	kind := models.ErrKindComposition
	job, getErr := r.store.Get(id)
	if getErr == nil && job.Canceled {
		kind = models.ErrKindCanceled
	}

	now := time.Now().UTC()
	err := r.store.Update(id, func(j *models.Job) {
		j.Status = models.StatusError
		j.Message = "Error"
		j.Error = &models.JobError{Kind: kind, Detail: cause.Error()}
		j.TerminalAt = &now
	})
	if errors.Is(err, jobstore.ErrNotFound) {
		slog.Warn("job vanished before failure could be recorded", "job", id)
		return
	}
	telemetry.JobsFailed.Inc()
	slog.Error("job failed", "job", id, "kind", kind, "error", cause)
}

// runBackup mirrors inputs, output and poster to the durable store. Any
// subset of successes is a valid partial result; an unconfigured store skips
// the stage entirely.
func (r *Runner) runBackup(ctx context.Context, id string, job models.Job, outPath string) map[string]string {
	if job.Canceled || ctx.Err() != nil {
		r.setBackup(id, models.StageSkipped, nil)
		return nil
	}
	if !r.mirror.Configured() {
		r.setBackup(id, models.StageSkipped, nil)
		return nil
	}

	files := map[string]string{
		models.BackupInputA: job.InputA,
		models.BackupInputB: job.InputB,
		models.BackupOutput: outPath,
	}
	posterPath := strings.TrimSuffix(outPath, ".mp4") + "_poster.jpg"
	if err := r.comp.Poster(ctx, outPath, posterPath); err != nil {
		slog.Warn("poster generation failed", "job", id, "error", err)
	} else {
		files[models.BackupPoster] = posterPath
	}

	links, errs := r.mirror.Mirror(ctx, id, files)
	telemetry.BackupUploads.Add(float64(len(links)))
	telemetry.BackupFailures.Add(float64(len(errs)))

	status := models.StageSuccess
	switch {
	case len(links) == 0:
		status = models.StageFailed
	case len(errs) > 0:
		status = models.StagePartial
	}
	r.setBackup(id, status, links)
	return links
}

func (r *Runner) setBackup(id, status string, links map[string]string) {
	err := r.store.Update(id, func(j *models.Job) {
		j.Backup = &models.BackupState{Status: status, Links: links}
	})
	if errors.Is(err, jobstore.ErrNotFound) {
		slog.Warn("job vanished during backup", "job", id)
	}
}

// runPublish publishes the composed reel if a public URL exists and the
// platform is configured; otherwise the stage is skipped, never failed.
func (r *Runner) runPublish(ctx context.Context, id string, links map[string]string) {
	job, err := r.store.Get(id)
	if err != nil {
		slog.Warn("job vanished before publish", "job", id)
		return
	}
	if job.Canceled || ctx.Err() != nil {
		r.setPublish(id, &models.PublishState{Status: models.StageSkipped})
		return
	}

	videoURL := links[models.BackupOutput]
	if videoURL == "" && r.cfg.PublicBaseURL != "" {
		videoURL = strings.TrimSuffix(r.cfg.PublicBaseURL, "/") + "/api/jobs/" + id + "/preview"
	}
	if r.publisher == nil || videoURL == "" {
		r.setPublish(id, &models.PublishState{Status: models.StageSkipped})
		return
	}

	r.setPublish(id, &models.PublishState{Status: models.StageUploading})

	res, err := r.publisher.Publish(ctx, videoURL, job.Caption)
	if err != nil {
		telemetry.PublishFailures.Inc()
		slog.Warn("publish failed", "job", id, "error", err)
		r.setPublish(id, &models.PublishState{
			Status: models.StageFailed,
			Kind:   publishErrKind(err),
			Error:  err.Error(),
		})
		return
	}

	telemetry.PublishSuccess.Inc()
	slog.Info("reel published", "job", id, "external_id", res.ExternalID, "url", res.ExternalURL)
	r.setPublish(id, &models.PublishState{
		Status:      models.StageSuccess,
		ExternalID:  res.ExternalID,
		ExternalURL: res.ExternalURL,
	})
}

// publishErrKind maps the publish package's typed failures to the stable
// kinds exposed on the status document.
func publishErrKind(err error) string {
	var rejected *publish.RejectedError
	var timedOut *publish.TimeoutError
	switch {
	case errors.As(err, &rejected):
		return models.ErrKindPublishReject
	case errors.As(err, &timedOut):
		return models.ErrKindPublishTimeout
	default:
		return models.ErrKindPlatform
	}
}

func (r *Runner) setPublish(id string, state *models.PublishState) {
	err := r.store.Update(id, func(j *models.Job) {
		j.Publish = state
	})
	if errors.Is(err, jobstore.ErrNotFound) {
		slog.Warn("job vanished during publish", "job", id)
	}
}

// removeInputs deletes the uploaded source files once no stage needs them.
func (r *Runner) removeInputs(job models.Job) {
	for _, path := range []string{job.InputA, job.InputB} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("could not remove input", "job", job.ID, "path", path, "error", err)
		}
	}
}

// RunJanitor sweeps terminal jobs past the retention window, removing their
// records and output files. It blocks until ctx is cancelled.
func (r *Runner) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Runner) sweep(now time.Time) {
	for _, job := range r.store.Expired(r.cfg.JobRetention, now) {
		if job.OutputPath != "" {
			if err := os.Remove(job.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("could not remove output", "job", job.ID, "error", err)
				continue
			}
		}
		r.store.Delete(job.ID)
		slog.Info("swept expired job", "job", job.ID)
	}
}
