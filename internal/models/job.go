package models

import (
	"time"
)

// Primary job lifecycle statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// Statuses for the best-effort backup and publish sub-records.
// "skipped" means the stage was never attempted; "failed" means it was
// attempted and produced nothing usable.
const (
	StageSkipped   = "skipped"
	StagePartial   = "partial"
	StageFailed    = "failed"
	StageSuccess   = "success"
	StageUploading = "uploading"
)

// Error kinds surfaced on the job record or its publish sub-record.
const (
	ErrKindComposition    = "composition"
	ErrKindCanceled       = "canceled"
	ErrKindPublishReject  = "publish_rejected"
	ErrKindPublishTimeout = "publish_timeout"
	ErrKindPlatform       = "publish_platform"
)

// Logical names for the files mirrored by the backup stage.
const (
	BackupInputA = "input_a"
	BackupInputB = "input_b"
	BackupOutput = "output"
	BackupPoster = "poster"
)

// Job tracks one reel composition request through its lifecycle.
// All cross-goroutine access goes through the job store; callers outside it
// only ever see clones.
type Job struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	Progress   int           `json:"progress"`
	Message    string        `json:"message"`
	Caption    string        `json:"caption,omitempty"`
	InputA     string        `json:"-"`
	InputB     string        `json:"-"`
	OutputPath string        `json:"-"`
	OutputRef  string        `json:"output_ref,omitempty"`
	Backup     *BackupState  `json:"backup,omitempty"`
	Publish    *PublishState `json:"publish,omitempty"`
	Error      *JobError     `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	TerminalAt *time.Time    `json:"terminal_at,omitempty"`
	Canceled   bool          `json:"-"`
}

// BackupState records the best-effort mirror outcome. Links holds the public
// URL per logical file name for whichever uploads succeeded.
type BackupState struct {
	Status string            `json:"status"`
	Links  map[string]string `json:"links,omitempty"`
}

// PublishState records the two-phase publish outcome, independent of the
// job's primary status.
type PublishState struct {
	Status      string `json:"status"`
	Kind        string `json:"kind,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// JobError carries a stable kind plus free-text detail.
type JobError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Terminal reports whether the primary status can no longer change.
func (j *Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusError
}

// Clone returns a deep copy so readers never race with store mutations.
func (j *Job) Clone() Job {
	out := *j
	if j.Backup != nil {
		b := *j.Backup
		if j.Backup.Links != nil {
			b.Links = make(map[string]string, len(j.Backup.Links))
			for k, v := range j.Backup.Links {
				b.Links[k] = v
			}
		}
		out.Backup = &b
	}
	if j.Publish != nil {
		p := *j.Publish
		out.Publish = &p
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.TerminalAt != nil {
		t := *j.TerminalAt
		out.TerminalAt = &t
	}
	return out
}
