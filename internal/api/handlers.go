package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

type handlers struct {
	deps Deps
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) (model.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(model.Session)
	return sess, ok
}

// requireSession resolves the bearer token to a session and applies the
// per-user admission rate limit ahead of any handler work.
func (h *handlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, apperr.New(apperr.KindForbidden, "missing bearer token"))
			return
		}
		sess, err := h.deps.Auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		if !h.deps.Auth.Allow(sess.Username) {
			writeError(w, apperr.New(apperr.KindOverloaded, "rate limit exceeded"))
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindInput, "malformed login body"))
		return
	}
	token, sess, err := h.deps.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token, "role": sess.Role, "expires_at": sess.ExpiresAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates an apperr.Kind into the stable HTTP status the
// error-handling design promises, always including the current state for
// state errors so a client can reconcile.
func writeError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "internal_error", "message": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch ae.Kind {
	case apperr.KindInput:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindForbidden, apperr.KindSafetyViolation:
		status = http.StatusForbidden
	case apperr.KindUnextractable, apperr.KindVerificationBlocker:
		status = http.StatusUnprocessableEntity
	case apperr.KindOverloaded:
		status = http.StatusTooManyRequests
	case apperr.KindInferenceFailed, apperr.KindExportFailed, apperr.KindAuditIntegrity:
		status = http.StatusBadGateway
	case apperr.KindExportPending:
		status = http.StatusAccepted
	}

	body := map[string]any{"code": ae.Code, "message": ae.Message}
	if ae.CurrentState != "" {
		body["current_state"] = ae.CurrentState
	}
	if ae.Field != "" {
		body["field"] = ae.Field
	}
	writeJSON(w, status, body)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
