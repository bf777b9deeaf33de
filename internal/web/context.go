package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/logging"
)

// requestTenant returns the tenant set by middleware.Tenant.
func requestTenant(r *http.Request) int64 {
	tenantID, _ := core.TenantFromContext(r.Context())
	return tenantID
}

// loadJob fetches the job named in the URL. A job owned by another tenant
// is reported as not found.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*core.ImportJob, bool) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		respondError(w, r, errBadRequest("missing job id"))
		return nil, false
	}

	job, err := s.service.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return nil, false
	}
	if job.TenantID != requestTenant(r) {
		logging.FromContext(r.Context()).Warn("job requested by another tenant",
			"job_id", jobID,
			"tenant_id", requestTenant(r),
		)
		respondError(w, r, core.ErrJobNotFound)
		return nil, false
	}
	return job, true
}
