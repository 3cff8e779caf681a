package api

import (
	"net/http"

	"github.com/dtorcivia/afterhours/internal/response"
	"github.com/dtorcivia/afterhours/internal/server/middleware"
	"github.com/dtorcivia/afterhours/internal/util"
)

// BeginAuth handles GET|POST /auth/google and returns the consent URL.
func (h *Handler) BeginAuth(w http.ResponseWriter, r *http.Request) {
	url, err := h.auth.BeginAuth(r.Context())
	if err != nil {
		util.Error("Failed to start OAuth flow", "error", err)
		response.WriteInternalError(w, "failed to start authorization")
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"auth_url": url,
	})
}

// AuthCallback handles the provider redirect at GET /auth/callback.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)
	q := r.URL.Query()

	if denied := q.Get("error"); denied != "" {
		response.WriteErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeInvalidState,
			"authorization was not granted", requestID, map[string]interface{}{"error": denied})
		return
	}

	cred, err := h.auth.CompleteAuth(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		response.WriteScheduleError(w, err, requestID, "")
		return
	}

	body := map[string]interface{}{
		"status":  "success",
		"message": "Authentication successful",
	}
	if !cred.Expiry.IsZero() {
		body["expiry"] = cred.Expiry
	}
	if h.config != nil && h.config.Google.ReturnTokenInCallback {
		blob, err := h.auth.ExportBlob()
		if err != nil {
			util.Warn("Could not export token blob", "error", err)
		} else {
			body["token_b64"] = blob
			body["note"] = "Store token_b64 as GOOGLE_TOKEN_B64 to bootstrap another instance."
		}
	}
	response.JSON(w, http.StatusOK, body)
}

// AuthStatus handles GET /auth/status.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.auth.Status(r.Context()))
}

// Disconnect handles POST /auth/disconnect.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Disconnect(r.Context()); err != nil {
		util.Error("Failed to remove credential", "error", err)
		response.WriteInternalError(w, "failed to remove credential")
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "disconnected",
	})
}
