package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"medvault.org/internal/ids"
)

const signingKeyBits = 2048

// Keyring signs access tokens with the active RSA key and verifies with
// any loaded key, so key rotation does not orphan outstanding tokens.
type Keyring struct {
	store KeyStore

	mu     sync.RWMutex
	active string
	signer *rsa.PrivateKey
	public map[string]*rsa.PublicKey
}

// NewKeyring loads every persisted key. The newest unretired key becomes
// the signer; call GenerateKey when the store is empty.
func NewKeyring(ctx context.Context, store KeyStore) (*Keyring, error) {
	if store == nil {
		return nil, errors.New("token: key store is required")
	}
	kr := &Keyring{
		store:  store,
		public: make(map[string]*rsa.PublicKey),
	}
	keys, err := store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	for _, k := range keys {
		pub, err := parseRSAPublicKey(k.PublicPEM)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		kr.public[k.Kid] = pub
		if k.RetiredAt != nil {
			continue
		}
		priv, err := parseRSAPrivateKey(k.PrivatePEM)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		if kr.signer == nil || k.CreatedAt.After(keyCreatedAt(keys, kr.active)) {
			kr.active = k.Kid
			kr.signer = priv
		}
	}
	return kr, nil
}

func keyCreatedAt(keys []*SigningKey, kid string) time.Time {
	for _, k := range keys {
		if k.Kid == kid {
			return k.CreatedAt
		}
	}
	return time.Time{}
}

// Active returns the kid of the signing key, or "" when none is loaded.
func (kr *Keyring) Active() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active
}

// GenerateKey mints a fresh RSA keypair, persists it and makes it the
// signer. The previous active key stays loaded for verification.
func (kr *Keyring) GenerateKey(ctx context.Context) (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	kid := ids.New()
	record := &SigningKey{
		Kid:        kid,
		PrivatePEM: encodeRSAPrivateKey(priv),
		PublicPEM:  encodeRSAPublicKey(&priv.PublicKey),
		CreatedAt:  time.Now().UTC(),
	}
	if err := kr.store.SaveKey(ctx, record); err != nil {
		return "", fmt.Errorf("persist signing key: %w", err)
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.active = kid
	kr.signer = priv
	kr.public[kid] = &priv.PublicKey
	return kid, nil
}

// Rotate retires the active key and generates a successor. Tokens signed
// by the retired key keep verifying until they expire.
func (kr *Keyring) Rotate(ctx context.Context) (string, error) {
	kr.mu.RLock()
	previous := kr.active
	kr.mu.RUnlock()

	kid, err := kr.GenerateKey(ctx)
	if err != nil {
		return "", err
	}
	if previous != "" {
		if err := kr.store.RetireKey(ctx, previous, time.Now().UTC()); err != nil {
			return "", fmt.Errorf("retire key %s: %w", previous, err)
		}
	}
	return kid, nil
}

// Sign produces a compact RS256 token carrying the active kid.
func (kr *Keyring) Sign(claims *Claims) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.signer == nil {
		return "", ErrNoActiveKey
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kr.active
	signed, err := tok.SignedString(kr.signer)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Keyfunc resolves the verification key by kid, pinning the algorithm.
func (kr *Keyring) Keyfunc(t *jwt.Token) (any, error) {
	if t.Method != jwt.SigningMethodRS256 {
		return nil, ErrInvalidToken
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, ErrInvalidToken
	}
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	pub, ok := kr.public[kid]
	if !ok {
		return nil, ErrInvalidToken
	}
	return pub, nil
}

func encodeRSAPrivateKey(key *rsa.PrivateKey) string {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func encodeRSAPublicKey(key *rsa.PublicKey) string {
	der, _ := x509.MarshalPKIXPublicKey(key)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
