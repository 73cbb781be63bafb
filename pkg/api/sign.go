package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"patchcast/pkg/logger"
	"patchcast/pkg/utils"
)

// signViewer generates an HMAC-SHA256 signature for a viewer id using
// the caller's API key as the secret. Only backend roles may request
// signatures; the resulting pair authorizes that viewer on the stream
// endpoint.
func (s *Server) signViewer(w http.ResponseWriter, r *http.Request) {
	role := r.Header.Get("X-Role-Name")
	if role != "backend" {
		logger.Warn("sign_forbidden", "role", role, "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	// the signing secret is the caller's own API key
	authHdr := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(authHdr), "bearer ") {
		key = strings.TrimSpace(authHdr[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		logger.Warn("sign_missing_api_key", "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusUnauthorized, "missing api key")
		return
	}

	var payload struct {
		ViewerID string `json:"viewerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ViewerID == "" {
		utils.JSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload.ViewerID))
	sig := hex.EncodeToString(mac.Sum(nil))
	logger.Info("viewer_signed", "remote", r.RemoteAddr)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{
		"viewerId":  payload.ViewerID,
		"signature": sig,
	})
}
