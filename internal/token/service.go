package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"medvault.org/internal/crypto"
	"medvault.org/internal/ids"
	"medvault.org/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultIssuer     = "medvault"
)

// Service issues and validates access tokens and manages the refresh
// rotation chain. Reuse of a rotated refresh token revokes its whole
// session.
type Service struct {
	store   Store
	keyring *Keyring
	now     func() time.Time

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Option configures Service.
type Option func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the token service.
func NewService(store Store, keyring *Keyring, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("token: store is required")
	}
	if keyring == nil {
		return nil, errors.New("token: keyring is required")
	}
	s := &Service{
		store:      store,
		keyring:    keyring,
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Issue opens a new session for the identity and mints its first token
// pair.
func (s *Service) Issue(ctx context.Context, identityID string, roles []string, deviceFingerprint string, mfaVerified bool) (*SessionBundle, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, errors.New("token: identity id is required")
	}
	now := s.now().UTC()
	session := &Session{
		ID:                ids.New(),
		IdentityID:        identityID,
		DeviceFingerprint: deviceFingerprint,
		MFAVerified:       mfaVerified,
		CreatedAt:         now,
		LastSeenAt:        now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.mint(ctx, session, roles, now)
}

// OpenSession creates a provisional session without minting tokens. Used
// for the MFA challenge step: the session exists so the challenge can be
// answered, but nothing grants resource access until tokens are issued.
func (s *Service) OpenSession(ctx context.Context, identityID, deviceFingerprint string) (*Session, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, errors.New("token: identity id is required")
	}
	now := s.now().UTC()
	session := &Session{
		ID:                ids.New(),
		IdentityID:        identityID,
		DeviceFingerprint: deviceFingerprint,
		CreatedAt:         now,
		LastSeenAt:        now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// IssueForSession mints a token pair for an existing session, used once
// an MFA challenge has been answered.
func (s *Service) IssueForSession(ctx context.Context, sessionID string, roles []string) (*SessionBundle, error) {
	session, err := s.store.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Revoked {
		return nil, ErrSessionRevoked
	}
	return s.mint(ctx, session, roles, s.now().UTC())
}

// Session loads one session record.
func (s *Service) Session(ctx context.Context, sessionID string) (*Session, error) {
	return s.store.FindSession(ctx, sessionID)
}

// LookupRefresh resolves the stored record behind an opaque refresh token
// without validating or consuming it.
func (s *Service) LookupRefresh(ctx context.Context, rawRefresh string) (*RefreshToken, error) {
	tokenID, _, err := splitRefreshToken(rawRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}
	record, err := s.store.FindRefreshToken(ctx, tokenID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return record, nil
}

// Refresh validates an opaque refresh token, rotates it and returns a new
// pair. A token presented twice is treated as theft: the session and
// every token chained to it are revoked.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, roles []string) (*SessionBundle, error) {
	tokenID, secret, err := splitRefreshToken(rawRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}
	record, err := s.store.FindRefreshToken(ctx, tokenID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	now := s.now().UTC()
	if record.UsedAt != nil {
		obs.CountRefreshReuse()
		if err := s.teardownSession(ctx, record.SessionID, "refresh_reuse", now); err != nil {
			return nil, err
		}
		return nil, ErrTokenReused
	}
	if record.RevokedAt != nil {
		return nil, ErrInvalidToken
	}
	if !crypto.FingerprintEqual(record.SecretHash, secret) {
		return nil, ErrInvalidToken
	}
	if !now.Before(record.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	session, err := s.store.FindSession(ctx, record.SessionID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if session.Revoked {
		return nil, ErrSessionRevoked
	}

	next, nextRaw, err := s.newRefreshToken(session, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshToken(ctx, record.ID, next, now); err != nil {
		if errors.Is(err, ErrTokenReused) {
			// Lost the race against another presentation of the same token.
			obs.CountRefreshReuse()
			if terr := s.teardownSession(ctx, record.SessionID, "refresh_reuse", now); terr != nil {
				return nil, terr
			}
		}
		return nil, err
	}
	if err := s.store.TouchSession(ctx, session.ID, now); err != nil {
		return nil, err
	}
	session.LastSeenAt = now

	access, accessExp, err := s.signAccessToken(session, roles, now)
	if err != nil {
		return nil, err
	}
	obs.CountTokenRotation()
	return &SessionBundle{
		Session:          session,
		AccessToken:      access,
		RefreshToken:     nextRaw,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Validate verifies an access token. The blacklist is consulted before
// the claims are handed to the caller, so a revoked session's tokens are
// refused even though their signatures still check out.
func (s *Service) Validate(ctx context.Context, rawAccess string) (*Claims, error) {
	rawAccess = strings.TrimSpace(rawAccess)
	if rawAccess == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(rawAccess, &Claims{}, s.keyring.Keyfunc,
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}

	for _, value := range []string{claims.ID, claims.SessionID} {
		denied, err := s.store.IsBlacklisted(ctx, value)
		if err != nil {
			return nil, err
		}
		if denied {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

// Revoke tears down one session. Outstanding access tokens are refused
// through the blacklist until they expire on their own.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	return s.teardownSession(ctx, sessionID, "logout", s.now().UTC())
}

// RevokeAll revokes every active session of the identity and returns how
// many were torn down.
func (s *Service) RevokeAll(ctx context.Context, identityID string) (int, error) {
	now := s.now().UTC()
	sessionIDs, err := s.store.RevokeAllSessions(ctx, identityID, now)
	if err != nil {
		return 0, err
	}
	for _, id := range sessionIDs {
		if err := s.blacklistSession(ctx, id, "logout_all", now); err != nil {
			return 0, err
		}
	}
	return len(sessionIDs), nil
}

// ListSessions returns the identity's sessions for the active-sessions
// view.
func (s *Service) ListSessions(ctx context.Context, identityID string) ([]*Session, error) {
	return s.store.ListSessions(ctx, identityID)
}

// MarkMFAVerified flips the session's mfa flag after a passed challenge.
func (s *Service) MarkMFAVerified(ctx context.Context, sessionID string) error {
	return s.store.MarkSessionMFAVerified(ctx, sessionID)
}

// SweepBlacklist drops blacklist entries whose retention has lapsed.
func (s *Service) SweepBlacklist(ctx context.Context) (int64, error) {
	return s.store.PurgeBlacklist(ctx, s.now().UTC())
}

func (s *Service) teardownSession(ctx context.Context, sessionID, reason string, now time.Time) error {
	if err := s.store.RevokeSession(ctx, sessionID, now); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.blacklistSession(ctx, sessionID, reason, now)
}

func (s *Service) blacklistSession(ctx context.Context, sessionID, reason string, now time.Time) error {
	return s.store.Blacklist(ctx, &BlacklistEntry{
		Value:       sessionID,
		SessionID:   sessionID,
		Reason:      reason,
		RetainUntil: now.Add(s.accessTTL),
		CreatedAt:   now,
	})
}

func (s *Service) mint(ctx context.Context, session *Session, roles []string, now time.Time) (*SessionBundle, error) {
	refresh, raw, err := s.newRefreshToken(session, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}
	access, accessExp, err := s.signAccessToken(session, roles, now)
	if err != nil {
		return nil, err
	}
	return &SessionBundle{
		Session:          session,
		AccessToken:      access,
		RefreshToken:     raw,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *Service) signAccessToken(session *Session, roles []string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := &Claims{
		SessionID: session.ID,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   session.IdentityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := s.keyring.Sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Service) newRefreshToken(session *Session, now time.Time) (*RefreshToken, string, error) {
	secret, err := crypto.RandomToken(32)
	if err != nil {
		return nil, "", err
	}
	tokenID := ids.New()
	record := &RefreshToken{
		ID:         tokenID,
		SessionID:  session.ID,
		IdentityID: session.IdentityID,
		SecretHash: crypto.Fingerprint(secret),
		ExpiresAt:  now.Add(s.refreshTTL),
		CreatedAt:  now,
	}
	return record, tokenID + "." + secret, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}
