package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"medvault.org/internal/authflow"
	"medvault.org/internal/identity"
	"medvault.org/internal/mfa"
	"medvault.org/internal/token"
)

const (
	refreshCookieName = "medvault_refresh"
	refreshCookiePath = "/v1/auth/refresh"

	// Denials share one message; the audit trail holds the real reason.
	genericAuthFailure = "invalid credentials"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	Device     string `json:"device,omitempty"`
}

type mfaVerifyRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type passwordChangeRequest struct {
	CurrentSecret string `json:"current_secret"`
	NewSecret     string `json:"new_secret"`
}

type unlockRequest struct {
	IdentityID string `json:"identity_id"`
}

type sessionResponse struct {
	ID          string    `json:"id"`
	Device      string    `json:"device,omitempty"`
	MFAVerified bool      `json:"mfa_verified"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.flow.Authenticate(r.Context(), req.Identifier, req.Secret, req.Device)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authentication error")
		return
	}
	a.writeOutcome(w, r, out)
}

func (a *API) handleMfaVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.flow.VerifyMfa(r.Context(), strings.TrimSpace(req.SessionID), req.Code)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authentication error")
		return
	}
	a.writeOutcome(w, r, out)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	raw := ""
	if c, err := r.Cookie(refreshCookieName); err == nil {
		raw = c.Value
	}
	if raw == "" {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err == nil {
			raw = strings.TrimSpace(req.RefreshToken)
		}
	}
	if raw == "" {
		writeError(w, r, http.StatusUnauthorized, genericAuthFailure)
		return
	}

	out, err := a.flow.Refresh(r.Context(), raw)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authentication error")
		return
	}
	if out.Status != authflow.StatusGranted {
		a.clearRefreshCookie(w)
		writeError(w, r, http.StatusUnauthorized, genericAuthFailure)
		return
	}
	a.writeOutcome(w, r, out)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.flow.Logout(r.Context(), principal.IdentityID, principal.SessionID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	n, err := a.flow.LogoutAll(r.Context(), principal.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "logged_out",
		"revoked": n,
	})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	sessions, err := a.flow.ListSessions(r.Context(), principal.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "session lookup failed")
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:          s.ID,
			Device:      s.DeviceFingerprint,
			MFAVerified: s.MFAVerified,
			Revoked:     s.Revoked,
			CreatedAt:   s.CreatedAt,
			LastSeenAt:  s.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req passwordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.flow.RotateCredential(r.Context(), principal.IdentityID, req.CurrentSecret, req.NewSecret)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrCredentialReused):
		writeError(w, r, http.StatusConflict, "credential was used before")
		return
	case errors.Is(err, identity.ErrInvalidCredential), errors.Is(err, identity.ErrAccountLocked):
		writeError(w, r, http.StatusUnauthorized, genericAuthFailure)
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "credential rotation failed")
		return
	}
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "rotated"})
}

func (a *API) handleMfaEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	enrollment, err := a.mfa.BeginEnrollment(r.Context(), principal.IdentityID, principal.IdentityID)
	switch {
	case err == nil:
	case errors.Is(err, mfa.ErrAlreadyEnrolled):
		writeError(w, r, http.StatusConflict, "mfa already enrolled")
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "enrollment failed")
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleMfaConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	backup, err := a.mfa.ConfirmEnrollment(r.Context(), principal.IdentityID, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, mfa.ErrInvalidCode):
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	case errors.Is(err, mfa.ErrNotEnrolled):
		writeError(w, r, http.StatusConflict, "no pending enrollment")
		return
	case errors.Is(err, mfa.ErrAlreadyEnrolled):
		writeError(w, r, http.StatusConflict, "mfa already enrolled")
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "enrollment failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": backup})
}

func (a *API) handleMfaDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Session possession alone is not enough to disable MFA.
	err := a.mfa.Disable(r.Context(), principal.IdentityID, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, mfa.ErrInvalidCode):
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	case errors.Is(err, mfa.ErrNotEnrolled):
		writeError(w, r, http.StatusConflict, "mfa not enrolled")
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "disable failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
}

func (a *API) handleMfaBackupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Regeneration invalidates every outstanding code, so it is gated on
	// a fresh TOTP code just like disable.
	backup, err := a.mfa.RegenerateBackupCodes(r.Context(), principal.IdentityID, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, mfa.ErrInvalidCode):
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	case errors.Is(err, mfa.ErrNotEnrolled):
		writeError(w, r, http.StatusConflict, "mfa not enrolled")
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "regeneration failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": backup})
}

func (a *API) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requireRole(w, r, "admin")
	if !ok {
		return
	}
	var req unlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.protection.Unlock(r.Context(), principal.IdentityID, strings.TrimSpace(req.IdentityID))
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "identity not found")
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "unlock failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unlocked"})
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireRole(w, r, "admin"); !ok {
		return
	}
	firstInvalid, err := a.trail.Verify(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":             firstInvalid < 0,
		"first_invalid_seq": firstInvalid,
	})
}

func (a *API) writeOutcome(w http.ResponseWriter, r *http.Request, out *authflow.Outcome) {
	switch out.Status {
	case authflow.StatusGranted:
		a.setRefreshCookie(w, out.Bundle)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "granted",
			"access_token":      out.Bundle.AccessToken,
			"access_expires_at": out.Bundle.AccessExpiresAt,
			"session": sessionResponse{
				ID:          out.Bundle.Session.ID,
				Device:      out.Bundle.Session.DeviceFingerprint,
				MFAVerified: out.Bundle.Session.MFAVerified,
				CreatedAt:   out.Bundle.Session.CreatedAt,
				LastSeenAt:  out.Bundle.Session.LastSeenAt,
			},
		})
	case authflow.StatusMfaRequired:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "mfa_required",
			"session_id": out.Challenge.SessionID,
		})
	default:
		writeError(w, r, http.StatusUnauthorized, genericAuthFailure)
	}
}

func (a *API) setRefreshCookie(w http.ResponseWriter, bundle *token.SessionBundle) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    bundle.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  bundle.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
