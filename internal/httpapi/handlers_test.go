package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"medvault.org/internal/audit"
	"medvault.org/internal/authflow"
	"medvault.org/internal/crypto"
	"medvault.org/internal/identity"
	"medvault.org/internal/mfa"
	"medvault.org/internal/token"
)

const testBoxKey = "202122232425262728292a2b2c2d2e2f303132333435363738393a3b3c3d3e3f"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testAPI struct {
	api        *API
	handler    http.Handler
	identities *identity.MemoryStore
	clock      *fakeClock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	trail, err := audit.NewTrail(audit.NewMemoryStore(), audit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	identities := identity.NewMemoryStore()
	protection, err := identity.NewProtection(identities, trail, identity.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewProtection: %v", err)
	}
	keyring, err := token.NewKeyring(ctx, token.NewMemoryKeyStore())
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if _, err := keyring.GenerateKey(ctx); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tokens, err := token.NewService(token.NewMemoryStore(), keyring, token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	box, err := crypto.NewSecretBox(testBoxKey)
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	engine, err := mfa.NewEngine(mfa.NewMemoryStore(), box, trail, mfa.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	flow, err := authflow.NewFlow(protection, identities, tokens, engine, trail,
		authflow.WithClock(clock.Now), authflow.WithMinLatency(0))
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	api := New(Deps{
		Version:    "test",
		Flow:       flow,
		Tokens:     tokens,
		Protection: protection,
		MFA:        engine,
		Trail:      trail,
	})
	return &testAPI{
		api:        api,
		handler:    api.Handler(),
		identities: identities,
		clock:      clock,
	}
}

func (ta *testAPI) seed(t *testing.T, username, secret string, roles ...string) *identity.Identity {
	t.Helper()
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if len(roles) == 0 {
		roles = []string{"compliance_officer"}
	}
	ident := &identity.Identity{
		Username:       username,
		CredentialHash: hash,
		Status:         identity.StatusActive,
		Roles:          roles,
	}
	if err := ta.identities.Create(context.Background(), ident); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ident
}

func (ta *testAPI) do(t *testing.T, method, path, body, bearer string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func (ta *testAPI) login(t *testing.T, identifier, secret string) (map[string]any, []*http.Cookie) {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/v1/auth/login",
		`{"identifier":"`+identifier+`","secret":"`+secret+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("login: decode: %v", err)
	}
	return payload, rec.Result().Cookies()
}

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

func refreshCookie(cookies []*http.Cookie) *http.Cookie {
	for _, c := range cookies {
		if c.Name == refreshCookieName {
			return c
		}
	}
	return nil
}

func TestHealthz(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestLoginGranted(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, "alice", "s3cret-passphrase")

	payload, cookies := ta.login(t, "alice", "s3cret-passphrase")
	if payload["status"] != "granted" {
		t.Fatalf("expected granted, got %v", payload["status"])
	}
	if payload["access_token"] == "" {
		t.Fatal("expected access token")
	}

	c := refreshCookie(cookies)
	if c == nil {
		t.Fatal("expected refresh cookie")
	}
	if c.Path != refreshCookiePath || !c.HttpOnly || c.SameSite != http.SameSiteStrictMode {
		t.Fatalf("refresh cookie misconfigured: %+v", c)
	}
}

func TestLoginDeniedIsGeneric(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, "alice", "s3cret-passphrase")

	for _, body := range []string{
		`{"identifier":"alice","secret":"wrong"}`,
		`{"identifier":"nobody","secret":"whatever"}`,
	} {
		rec := ta.do(t, http.MethodPost, "/v1/auth/login", body, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), genericAuthFailure) {
			t.Fatalf("denials must share one message: %s", rec.Body.String())
		}
	}
}

func TestLoginMethodNotAllowed(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/v1/auth/login", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow header: %q", rec.Header().Get("Allow"))
	}
}

func TestRefreshRotatesCookie(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, "alice", "s3cret-passphrase")

	_, cookies := ta.login(t, "alice", "s3cret-passphrase")
	first := refreshCookie(cookies)

	rec := ta.do(t, http.MethodPost, "/v1/auth/refresh", "", "", first)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d: %s", rec.Code, rec.Body.String())
	}
	second := refreshCookie(rec.Result().Cookies())
	if second == nil || second.Value == first.Value {
		t.Fatal("expected a rotated refresh cookie")
	}

	// Replaying the first cookie is refused and the session dies with it.
	rec = ta.do(t, http.MethodPost, "/v1/auth/refresh", "", "", first)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on reuse, got %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/v1/auth/refresh", "", "", second)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected successor refused after reuse, got %d", rec.Code)
	}
}

func TestSessionsRequireBearer(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, "alice", "s3cret-passphrase")

	rec := ta.do(t, http.MethodGet, "/v1/auth/sessions", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rec.Code)
	}

	payload, _ := ta.login(t, "alice", "s3cret-passphrase")
	access := payload["access_token"].(string)
	rec = ta.do(t, http.MethodGet, "/v1/auth/sessions", "", access)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"sessions"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestLogoutRevokesAccess(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, "alice", "s3cret-passphrase")

	payload, _ := ta.login(t, "alice", "s3cret-passphrase")
	access := payload["access_token"].(string)

	rec := ta.do(t, http.MethodPost, "/v1/auth/logout", "", access)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: status %d: %s", rec.Code, rec.Body.String())
	}
	// The revoked session's token is refused by the blacklist check.
	rec = ta.do(t, http.MethodGet, "/v1/auth/sessions", "", access)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestLogoutAllReportsCount(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, "alice", "s3cret-passphrase")

	ta.login(t, "alice", "s3cret-passphrase")
	ta.login(t, "alice", "s3cret-passphrase")
	payload, _ := ta.login(t, "alice", "s3cret-passphrase")
	access := payload["access_token"].(string)

	rec := ta.do(t, http.MethodPost, "/v1/auth/logout-all", "", access)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout-all: status %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["revoked"].(float64) != 3 {
		t.Fatalf("expected 3 revoked sessions, got %v", out["revoked"])
	}
}

func TestMfaFlowOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, "alice", "s3cret-passphrase")

	// Enroll while authenticated.
	payload, _ := ta.login(t, "alice", "s3cret-passphrase")
	access := payload["access_token"].(string)

	rec := ta.do(t, http.MethodPost, "/v1/auth/mfa/enroll", "", access)
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll: status %d: %s", rec.Code, rec.Body.String())
	}
	var enrollment struct {
		Secret string `json:"secret"`
		URI    string `json:"uri"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &enrollment); err != nil {
		t.Fatalf("decode enrollment: %v", err)
	}
	if enrollment.URI == "" {
		t.Fatal("expected provisioning uri")
	}

	rec = ta.do(t, http.MethodPost, "/v1/auth/mfa/confirm",
		`{"code":"`+totpCode(t, enrollment.Secret, ta.clock.Now())+`"}`, access)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: status %d: %s", rec.Code, rec.Body.String())
	}
	var confirmed struct {
		BackupCodes []string `json:"backup_codes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &confirmed); err != nil {
		t.Fatalf("decode confirm: %v", err)
	}
	if len(confirmed.BackupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(confirmed.BackupCodes))
	}

	// The next login demands the second factor.
	rec = ta.do(t, http.MethodPost, "/v1/auth/login",
		`{"identifier":"alice","secret":"s3cret-passphrase"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", rec.Code, rec.Body.String())
	}
	var challenge map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if challenge["status"] != "mfa_required" {
		t.Fatalf("expected mfa_required, got %v", challenge["status"])
	}
	if refreshCookie(rec.Result().Cookies()) != nil {
		t.Fatal("no refresh cookie may exist before the challenge is answered")
	}

	ta.clock.Advance(30 * time.Second)
	rec = ta.do(t, http.MethodPost, "/v1/auth/mfa/verify",
		`{"session_id":"`+challenge["session_id"].(string)+`","code":"`+totpCode(t, enrollment.Secret, ta.clock.Now())+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: status %d: %s", rec.Code, rec.Body.String())
	}
	var granted map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &granted); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if granted["status"] != "granted" {
		t.Fatalf("expected granted, got %v", granted["status"])
	}
	if refreshCookie(rec.Result().Cookies()) == nil {
		t.Fatal("expected refresh cookie after the challenge")
	}
}

func TestAdminEndpointsRequireRole(t *testing.T) {
	ta := newTestAPI(t)
	ta.seed(t, "alice", "s3cret-passphrase")
	ta.seed(t, "root", "sup3r-s3cret-admin", "admin")

	payload, _ := ta.login(t, "alice", "s3cret-passphrase")
	rec := ta.do(t, http.MethodGet, "/v1/admin/audit/verify", "", payload["access_token"].(string))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	adminPayload, _ := ta.login(t, "root", "sup3r-s3cret-admin")
	rec = ta.do(t, http.MethodGet, "/v1/admin/audit/verify", "", adminPayload["access_token"].(string))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Fatalf("expected valid chain, got %s", rec.Body.String())
	}
}
