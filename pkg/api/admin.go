package api

import (
	"net/http"

	"patchcast/pkg/journal"
	"patchcast/pkg/logger"
	"patchcast/pkg/session"
	"patchcast/pkg/utils"
)

// isAdmin re-checks the role header set by the gateway. The gateway
// already blocks non-admins from /admin/, this is defense in depth for
// handlers mounted elsewhere.
func isAdmin(r *http.Request) bool {
	return r.Header.Get("X-Role-Name") == "admin"
}

func (s *Server) adminHealth(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","service":"patchcast"}`))
}

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	stats := s.manager.StatsAll()
	journaled := make(map[string]int, len(stats))
	if journal.Ready() {
		ids, err := journal.Sessions()
		if err == nil {
			for _, id := range ids {
				n, cerr := journal.Count(id)
				if cerr != nil {
					continue
				}
				journaled[id] = n
			}
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Sessions    []session.Stats     `json:"sessions"`
		Journaled   map[string]int      `json:"journaled"`
		Storage     journal.DiskMetrics `json:"storage"`
		Subscribers int                 `json:"subscribers"`
	}{Sessions: stats, Journaled: journaled, Storage: journal.GetDiskMetrics(), Subscribers: s.hub.Total()})
}

func (s *Server) adminRetentionRun(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	if s.runRetention == nil {
		utils.JSONError(w, http.StatusNotImplemented, "retention not configured")
		return
	}
	removed, err := s.runRetention()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("retention_run_triggered", "removed", removed)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"removed": removed})
}
