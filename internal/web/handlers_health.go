package web

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// healthTimeout bounds each dependency check.
const healthTimeout = 3 * time.Second

type healthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]string      `json:"checks"`
	Jobs   *core.JobLimiterStatus `json:"jobs,omitempty"`
}

// handleHealth reports dependency reachability and job slot usage.
// Any failing check turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.health))}

	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := s.health[name](ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	if s.limiter != nil {
		st := s.limiter.Status()
		resp.Jobs = &st
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, resp)
}
