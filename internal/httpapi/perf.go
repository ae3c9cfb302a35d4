package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/mnemo/internal/observability"
)

// handlePerfLatency serves the rolling stage latencies, optionally narrowed
// to one stage with ?stage=.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := observability.StageSnapshot{Stages: []observability.StageStats{}}
	if s.metrics != nil {
		snap = s.metrics.SnapshotStages()
	}
	if stage := strings.TrimSpace(r.URL.Query().Get("stage")); stage != "" {
		kept := []observability.StageStats{}
		for _, st := range snap.Stages {
			if st.Stage == stage {
				kept = append(kept, st)
			}
		}
		snap.Stages = kept
	}
	respondJSON(w, http.StatusOK, snap)
}
