package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/authflow"
	"medvault.org/internal/identity"
	"medvault.org/internal/mfa"
	"medvault.org/internal/obs"
	"medvault.org/internal/token"
)

// ReadyProbe checks the backing store before reporting readiness.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the authentication flow.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	flow       *authflow.Flow
	tokens     *token.Service
	protection *identity.Protection
	mfa        *mfa.Engine
	trail      *audit.Trail

	cookieSecure bool
}

// Deps carries the collaborators wired in by the entrypoint.
type Deps struct {
	Ready      ReadyProbe
	Version    string
	Flow       *authflow.Flow
	Tokens     *token.Service
	Protection *identity.Protection
	MFA        *mfa.Engine
	Trail      *audit.Trail

	// CookieSecure marks refresh cookies Secure; off only for local dev.
	CookieSecure bool
}

func New(d Deps) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   d.Ready,
		version:      d.Version,
		flow:         d.Flow,
		tokens:       d.Tokens,
		protection:   d.Protection,
		mfa:          d.MFA,
		trail:        d.Trail,
		cookieSecure: d.CookieSecure,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication flow
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/mfa/verify", a.handleMfaVerify)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("/v1/auth/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/auth/password", a.handlePasswordChange)

	// MFA management
	a.mux.HandleFunc("/v1/auth/mfa/enroll", a.handleMfaEnroll)
	a.mux.HandleFunc("/v1/auth/mfa/confirm", a.handleMfaConfirm)
	a.mux.HandleFunc("/v1/auth/mfa/disable", a.handleMfaDisable)
	a.mux.HandleFunc("/v1/auth/mfa/backup-codes", a.handleMfaBackupCodes)

	// administration
	a.mux.HandleFunc("/v1/admin/unlock", a.handleAdminUnlock)
	a.mux.HandleFunc("/v1/admin/audit/verify", a.handleAuditVerify)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "medvault-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "medvault-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
