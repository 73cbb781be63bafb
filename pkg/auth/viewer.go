package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"patchcast/pkg/config"
	"patchcast/pkg/logger"
	"patchcast/pkg/utils"
)

type ctxViewerKey struct{}

// RequireSignedViewer verifies HMAC signature headers and injects the
// verified viewer id into the request context. The stream and snapshot
// endpoints sit behind this so a frontend key alone cannot impersonate
// another viewer.
func RequireSignedViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Determine caller role set earlier by gateway middleware
		role := r.Header.Get("X-Role-Name")
		viewerID := strings.TrimSpace(r.Header.Get("X-Viewer-ID"))
		sig := strings.TrimSpace(r.Header.Get("X-Viewer-Signature"))

		// Backend/admin callers: allow missing signature entirely. If a
		// signature is present we will verify it below.
		if role == "backend" || role == "admin" {
			if sig == "" {
				next.ServeHTTP(w, r)
				return
			}
		}

		// If we reach here and there's no signature, the caller is not a
		// trusted backend/admin and we must require signature headers.
		if sig == "" || viewerID == "" {
			logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}

		// Retrieve signing keys from the canonical config package.
		keys := config.GetSigningKeys()
		if len(keys) == 0 {
			logger.Error("no_signing_keys_configured")
			utils.JSONError(w, http.StatusInternalServerError, "server misconfigured: no signing secrets available")
			return
		}

		// Try all configured signing keys.
		ok := false
		for k := range keys {
			mac := hmac.New(sha256.New, []byte(k))
			mac.Write([]byte(viewerID))
			expected := hex.EncodeToString(mac.Sum(nil))
			if hmac.Equal([]byte(expected), []byte(sig)) {
				ok = true
				break
			}
		}
		if !ok {
			logger.Warn("invalid_signature", "viewer", viewerID)
			utils.JSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		logger.Info("signature_verified", "viewer", viewerID)
		ctx := context.WithValue(r.Context(), ctxViewerKey{}, viewerID)
		// do not set headers; handlers should use context via ViewerIDFromContext
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ViewerIDFromContext returns the verified viewer id or empty string.
func ViewerIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxViewerKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
