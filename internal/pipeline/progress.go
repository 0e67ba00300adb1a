package pipeline

import (
	"errors"
	"log/slog"

	"reel-pipeline/internal/jobstore"
	"reel-pipeline/internal/models"
)

type progressUpdate struct {
	pct int
	msg string
}

// progressSink decouples the encoder's progress callbacks from job store
// writes. Updates are coalesced through a buffer of one: if a store write is
// still pending, newer updates replace nothing and are dropped, so the
// encoder never waits on the store.
type progressSink struct {
	ch   chan progressUpdate
	done chan struct{}
}

func newProgressSink(store *jobstore.Store, id string) *progressSink {
	s := &progressSink{
		ch:   make(chan progressUpdate, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for u := range s.ch {
			err := store.Update(id, func(j *models.Job) {
				if j.Terminal() {
					return
				}
				j.Status = models.StatusProcessing
				if u.pct > j.Progress {
					j.Progress = u.pct
				}
				if u.msg != "" {
					j.Message = u.msg
				}
			})
			if errors.Is(err, jobstore.ErrNotFound) {
				slog.Warn("progress update for vanished job", "job", id)
				return
			}
		}
	}()
	return s
}

// Report is safe to call from the encoder's drain goroutine; it never blocks.
func (s *progressSink) Report(pct int, msg string) {
	select {
	case s.ch <- progressUpdate{pct: pct, msg: msg}:
	default:
	}
}

// Close stops the sink and waits for the last pending write to land.
func (s *progressSink) Close() {
	close(s.ch)
	<-s.done
}
