package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/logging"
)

// jobResponse adds the computed characterization to a stored job.
type jobResponse struct {
	*core.ImportJob
	Outcome         core.Outcome `json:"outcome"`
	Progress        float64      `json:"progressPercentage"`
	SuccessRate     float64      `json:"successRate"`
	DurationSeconds float64      `json:"durationSeconds"`
	CanRetry        bool         `json:"canRetry"`
}

func newJobResponse(job *core.ImportJob, now time.Time) jobResponse {
	return jobResponse{
		ImportJob:       job,
		Outcome:         job.Outcome(),
		Progress:        job.ProgressPercentage(),
		SuccessRate:     job.SuccessRate(),
		DurationSeconds: job.Duration(now).Seconds(),
		CanRetry:        job.CanRetry(),
	}
}

// =============================================================================
// Create
// =============================================================================

// handleCreateJob accepts a multipart upload and queues a PENDING job.
//
// Form fields: type, source_system, duplicate_strategy, mapping (JSON),
// validation (JSON). Files are sent under the entity kind they contain
// ("customer", "invoice", ...); a single-kind job also accepts "file".
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, fmt.Errorf("file too large: %w", err))
			return
		}
		respondError(w, r, errBadRequest("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := core.NewJob{
		TenantID:          requestTenant(r),
		CreatorID:         core.UserFromContext(r.Context()),
		Type:              core.JobType(r.FormValue("type")),
		SourceSystem:      r.FormValue("source_system"),
		DuplicateStrategy: core.DuplicateStrategy(r.FormValue("duplicate_strategy")),
	}

	if raw := r.FormValue("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Mapping); err != nil {
			respondError(w, r, errBadRequest("invalid mapping format"))
			return
		}
	}
	if raw := r.FormValue("validation"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Validation); err != nil {
			respondError(w, r, errBadRequest("invalid validation format"))
			return
		}
	}

	files, err := collectFiles(r.MultipartForm, req.Type)
	if err != nil {
		respondError(w, r, err)
		return
	}
	req.Files = files

	job, err := s.service.CreateJob(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(), "job_id", job.ID, "type", job.Type, "files", len(files)).
		Info("import job created")
	writeJSONStatus(w, http.StatusAccepted, newJobResponse(job, time.Now()))
}

// collectFiles reads the uploaded files of each kind the job type imports.
func collectFiles(form *multipart.Form, jobType core.JobType) ([]core.JobFile, error) {
	kinds := jobType.Kinds()
	if kinds == nil {
		return nil, errBadRequest(fmt.Sprintf("unknown import type %q", jobType))
	}

	var files []core.JobFile
	for _, kind := range kinds {
		headers := form.File[string(kind)]
		if len(headers) == 0 && len(kinds) == 1 {
			headers = form.File["file"]
		}
		for _, fh := range headers {
			content, err := readFormFile(fh)
			if err != nil {
				return nil, err
			}
			files = append(files, core.JobFile{
				Info: core.FileInfo{
					Kind:     kind,
					Name:     fh.Filename,
					Size:     int64(len(content)),
					MimeType: fh.Header.Get("Content-Type"),
				},
				Content: content,
			})
		}
	}
	if len(files) == 0 {
		return nil, errBadRequest("no file provided")
	}
	return files, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	return content, nil
}

// =============================================================================
// Query
// =============================================================================

// handleListJobs lists the tenant's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.JobFilter{
		TenantID:     requestTenant(r),
		Type:         core.JobType(q.Get("type")),
		Status:       core.JobStatus(q.Get("status")),
		SourceSystem: q.Get("source_system"),
	}
	filter.Limit, filter.Offset = parsePage(r, 50)

	var err error
	if filter.CreatedFrom, err = parseDateParam(r, "from", false); err != nil {
		respondError(w, r, err)
		return
	}
	if filter.CreatedTo, err = parseDateParam(r, "to", true); err != nil {
		respondError(w, r, err)
		return
	}

	jobs, err := s.service.ListJobs(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}

	now := time.Now()
	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, newJobResponse(&jobs[i], now))
	}
	writeJSON(w, resp)
}

// handleGetJob returns one job with its progress.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, newJobResponse(job, time.Now()))
}

// handleJobRows returns staged rows, optionally filtered by kind and status.
// Paging is keyset based: pass the last row id as "after".
func (s *Server) handleJobRows(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	q := core.StagingQuery{
		JobID:   job.ID,
		Kind:    core.EntityKind(r.URL.Query().Get("kind")),
		AfterID: int64(parseIntParam(r, "after", 0)),
		Limit:   min(parseIntParam(r, "limit", 100), maxPageSize),
	}
	if q.Kind != "" && !q.Kind.Valid() {
		respondError(w, r, errBadRequest(fmt.Sprintf("unknown entity kind %q", q.Kind)))
		return
	}
	for _, st := range splitList(r.URL.Query().Get("status")) {
		q.Statuses = append(q.Statuses, core.StagingStatus(st))
	}

	rows, err := s.service.Rows(r.Context(), q)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []core.StagingRecord{}
	}
	writeJSON(w, rows)
}

// =============================================================================
// Mutations
// =============================================================================

// handleRetryJob returns a failed job to PENDING.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	job, err := s.service.Retry(r.Context(), job.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, newJobResponse(job, time.Now()))
}

// handleCancelJob cancels a pending job or flags a running one.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	job, err := s.service.Cancel(r.Context(), job.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, newJobResponse(job, time.Now()))
}

// =============================================================================
// Import log
// =============================================================================

// handleJobLogs queries a job's import log.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := core.LogFilter{
		JobID:       job.ID,
		Severity:    core.LogSeverity(q.Get("severity")),
		MinSeverity: core.LogSeverity(q.Get("min_severity")),
		EntityKind:  core.EntityKind(q.Get("entity")),
		RowNumber:   parseIntParam(r, "row", 0),
		Type:        core.LogType(q.Get("type")),
		Stage:       q.Get("stage"),
		ErrorCode:   q.Get("code"),
		Text:        q.Get("q"),
		AuditOnly:   parseBoolParam(r, "audit"),
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		respondError(w, r, errBadRequest(fmt.Sprintf("unknown severity %q", filter.Severity)))
		return
	}
	if filter.MinSeverity != "" && !filter.MinSeverity.Valid() {
		respondError(w, r, errBadRequest(fmt.Sprintf("unknown severity %q", filter.MinSeverity)))
		return
	}
	filter.Limit, filter.Offset = parsePage(r, 100)

	var err error
	if filter.From, err = parseDateParam(r, "from", false); err != nil {
		respondError(w, r, err)
		return
	}
	if filter.To, err = parseDateParam(r, "to", true); err != nil {
		respondError(w, r, err)
		return
	}

	entries, err := s.service.Logs(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []core.LogEntry{}
	}
	writeJSON(w, entries)
}

// handleLogSummary counts a job's log entries by severity and type.
func (s *Server) handleLogSummary(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	summary, err := s.service.LogSummary(r.Context(), job.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, summary)
}

type auditRequest struct {
	Tags []string `json:"tags"`
}

// handleTagForAudit flags a job's log entries for audit retention.
func (s *Server) handleTagForAudit(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	var req auditRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			respondError(w, r, errBadRequest("invalid JSON body"))
			return
		}
	}

	tagged, err := s.service.TagForAudit(r.Context(), job.ID, req.Tags)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(), "job_id", job.ID, "entries", tagged).Info("import log tagged for audit")
	writeJSON(w, map[string]int64{"tagged": tagged})
}
