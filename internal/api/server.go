package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"reel-pipeline/internal/config"
	"reel-pipeline/internal/jobstore"
	"reel-pipeline/internal/models"
	"reel-pipeline/internal/ratelimit"
	"reel-pipeline/internal/telemetry"
)

var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// Submitter is the orchestrator surface the API needs.
type Submitter interface {
	Submit(inputA, inputB, caption string) (string, error)
	Cancel(id string) error
}

// Server wires the HTTP handlers: submission, status polling, byte-range
// streaming of finished reels.
type Server struct {
	cfg     config.Config
	store   *jobstore.Store
	runner  Submitter
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil when Redis is not
// configured.
func New(cfg config.Config, st *jobstore.Store, runner Submitter, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/jobs", s.handleSubmit)
	r.Get("/api/jobs/{id}", s.handleStatus)
	r.Post("/api/jobs/{id}/cancel", s.handleCancel)
	r.Get("/api/jobs/{id}/preview", s.handleStream(false))
	r.Get("/api/jobs/{id}/download", s.handleStream(true))
	return r
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowSubmit(r.Context(), clientIP(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	// Two clips plus form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.cfg.MaxUploadBytes+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}

	fileA, headerA, errA := r.FormFile("input_a")
	fileB, headerB, errB := r.FormFile("input_b")
	if errA != nil || errB != nil {
		writeError(w, http.StatusBadRequest, "both input clips are required")
		return
	}
	defer fileA.Close()
	defer fileB.Close()

	caption := strings.TrimSpace(r.FormValue("caption"))
	if hashtags := strings.TrimSpace(r.FormValue("hashtags")); hashtags != "" {
		caption = strings.TrimSpace(caption + "\n\n" + hashtags)
	}

	pathA, err := s.saveUpload(fileA, headerA, "input_a")
	if err != nil {
		writeError(w, http.StatusBadRequest, "input_a: "+err.Error())
		return
	}
	pathB, err := s.saveUpload(fileB, headerB, "input_b")
	if err != nil {
		os.Remove(pathA)
		writeError(w, http.StatusBadRequest, "input_b: "+err.Error())
		return
	}

	id, err := s.runner.Submit(pathA, pathB, caption)
	if err != nil {
		os.Remove(pathA)
		os.Remove(pathB)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id})
}

// saveUpload validates the clip's extension and writes it under the upload
// dir with an unguessable name.
func (s *Server) saveUpload(file multipart.File, header *multipart.FileHeader, label string) (string, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("unsupported video format %q", ext)
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s%s", label, randomHex(8), ext)
	path := filepath.Join(s.cfg.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

type statusResponse struct {
	Status      string               `json:"status"`
	Progress    int                  `json:"progress"`
	Message     string               `json:"message"`
	Error       string               `json:"error,omitempty"`
	BackupLinks map[string]string    `json:"backup_links,omitempty"`
	Publish     *models.PublishState `json:"publish,omitempty"`
	OutputRef   string               `json:"output_ref,omitempty"`
	PreviewURL  string               `json:"preview_url,omitempty"`
	DownloadURL string               `json:"download_url,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(id)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := statusResponse{
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.Message,
		Publish:   job.Publish,
		OutputRef: job.OutputRef,
	}
	if job.Backup != nil {
		resp.BackupLinks = job.Backup.Links
	}
	if job.Error != nil {
		resp.Error = job.Error.Detail
	}
	if job.Status == models.StatusDone {
		resp.PreviewURL = "/api/jobs/" + id + "/preview"
		resp.DownloadURL = "/api/jobs/" + id + "/download"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runner.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

// handleStream serves the finished artifact with byte-range support so large
// reels can be previewed without a full download.
func (s *Server) handleStream(attachment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.store.Get(id)
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if job.Status != models.StatusDone || job.OutputPath == "" {
			writeError(w, http.StatusConflict, "output not ready")
			return
		}

		f, err := os.Open(job.OutputPath)
		if err != nil {
			writeError(w, http.StatusNotFound, "output missing")
			return
		}
		defer f.Close()

		st, err := f.Stat()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "stat output")
			return
		}

		name := filepath.Base(job.OutputPath)
		w.Header().Set("Content-Type", "video/mp4")
		if attachment {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		}
		http.ServeContent(w, r, name, st.ModTime(), f)
	}
}

func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i > 0 {
			return strings.TrimSpace(v[:i])
		}
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
