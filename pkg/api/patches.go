package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"patchcast/pkg/dom"
	"patchcast/pkg/ingest"
	"patchcast/pkg/journal"
	"patchcast/pkg/logger"
	"patchcast/pkg/patch"
	"patchcast/pkg/telemetry"
	"patchcast/pkg/utils"
	"patchcast/pkg/validation"
)

// maxPatchBytes caps a submitted patch body before decode.
const maxPatchBytes = 2 << 20

func (s *Server) submitPatch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "submit_patch")
	sessionID := mux.Vars(r)["session"]

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPatchBytes))
	if err != nil {
		utils.JSONError(w, http.StatusRequestEntityTooLarge, "patch too large")
		return
	}
	msg, err := patch.Decode(raw)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidatePatch(msg); err != nil {
		utils.JSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if msg.ID == "" {
		msg.ID = genPatchID()
	}
	if msg.TS == 0 {
		msg.TS = time.Now().UTC().UnixNano()
	}

	sess, err := s.manager.GetOrCreate(sessionID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sess.Submit(msg, raw); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			utils.JSONError(w, http.StatusServiceUnavailable, "session queue full")
			logger.Warn("patch_rejected", "session", sessionID, "reason", "queue_full")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("patch_accepted", "session", sessionID, "id", msg.ID, "action", msg.Action, "container", msg.Container)
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{
		"id":      msg.ID,
		"session": sessionID,
		"status":  "queued",
	})
}

var errReplayLimit = errors.New("replay limit reached")

func (s *Server) listPatches(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]
	from := uint64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid from parameter")
			return
		}
		from = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}

	patches := []json.RawMessage{}
	err := journal.Replay(sessionID, from, func(_ uint64, payload []byte) error {
		patches = append(patches, json.RawMessage(payload))
		if limit > 0 && len(patches) >= limit {
			return errReplayLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errReplayLimit) {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Session string            `json:"session"`
		Patches []json.RawMessage `json:"patches"`
	}{Session: sessionID, Patches: patches})
}

func (s *Server) snapshotPage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]
	sess, err := s.manager.Get(sessionID)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	page, err := sess.Snapshot()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, page)
}

func (s *Server) snapshotContainer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, containerID := vars["session"], vars["container"]
	sess, err := s.manager.Get(sessionID)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	html, err := sess.SnapshotContainer(containerID)
	if err != nil {
		if errors.Is(err, dom.ErrContainerNotFound) {
			utils.JSONError(w, http.StatusNotFound, "container not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, _ := sess.ItemCount(containerID)
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Session   string `json:"session"`
		Container string `json:"container"`
		Items     int    `json:"items"`
		HTML      string `json:"html"`
	}{Session: sessionID, Container: containerID, Items: count, HTML: html})
}

func (s *Server) streamPatches(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]
	from := uint64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid from parameter")
			return
		}
		from = n
	}
	if _, err := s.manager.GetOrCreate(sessionID); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Journaled patches are written to the client before live delivery
	// starts; the hub drops the overlap by sequence so the stream stays
	// gapless regardless of journal size.
	err := s.hub.ServeWS(w, r, sessionID, func(emit func(seq uint64, payload []byte) error) error {
		if !journal.Ready() {
			return nil
		}
		return journal.Replay(sessionID, from, emit)
	})
	if err != nil {
		logger.Warn("stream_subscribe_failed", "session", sessionID, "error", err)
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Sessions []string `json:"sessions"`
	}{Sessions: s.manager.List()})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]
	if err := s.manager.CloseSession(sessionID); err != nil {
		utils.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
