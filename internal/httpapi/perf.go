package httpapi

import "net/http"

// handlePerfLatency reports rolling per-stage turn latency with p50/p95
// against the stage targets.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
