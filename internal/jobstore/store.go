package jobstore

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"reel-pipeline/internal/models"
)

// ErrNotFound is returned when a job id has no record, either because it
// never existed or because a retention sweep evicted it. Stage code treats
// this as a benign race and stops.
var ErrNotFound = errors.New("job not found")

// Store is the process-local job table. It is the only state shared across
// job goroutines; all mutation goes through Update and all reads are clones.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

func New() *Store {
	return &Store{jobs: make(map[string]*models.Job)}
}

// Create inserts a fresh queued job and returns its id.
func (s *Store) Create(inputA, inputB, caption string) string {
	id := uuid.New().String()
	job := &models.Job{
		ID:        id,
		Status:    models.StatusQueued,
		Progress:  0,
		Message:   "Queued",
		Caption:   caption,
		InputA:    inputA,
		InputB:    inputB,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return id
}

// Get returns a deep-copied snapshot of the job.
func (s *Store) Get(id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job.Clone(), nil
}

// Update applies mutate under the store lock, so concurrent readers never
// observe a half-applied change. The mutator must not block.
func (s *Store) Update(id string, mutate func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	mutate(job)
	return nil
}

// ListIDs returns the ids of all known jobs.
func (s *Store) ListIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Delete removes a job record. Only the retention janitor calls this, and
// only for jobs terminal longer than the retention window.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Expired returns snapshots of jobs whose terminal timestamp is older than
// the retention cutoff. Non-terminal jobs are never reported.
func (s *Store) Expired(retention time.Duration, now time.Time) []models.Job {
	cutoff := now.Add(-retention)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.TerminalAt != nil && job.TerminalAt.Before(cutoff) {
			out = append(out, job.Clone())
		}
	}
	return out
}
