package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"medvault.org/internal/audit"
	"medvault.org/internal/authflow"
	"medvault.org/internal/config"
	"medvault.org/internal/crypto"
	"medvault.org/internal/httpapi"
	"medvault.org/internal/identity"
	"medvault.org/internal/mfa"
	"medvault.org/internal/obs"
	"medvault.org/internal/token"
)

var version = "0.3.0"

func main() {
	obs.Init()

	cfg := config.MustLoad(os.Getenv("MEDVAULT_CONFIG"))

	db, err := sql.Open("pgx", cfg.DB.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	defer db.Close()

	ctx := context.Background()

	trail, err := audit.NewTrail(audit.NewPGStore(db))
	if err != nil {
		log.Fatalf("audit trail: %v", err)
	}

	identities := identity.NewPGStore(db)
	protection, err := identity.NewProtection(identities, trail,
		identity.WithMaxAttempts(cfg.Auth.MaxAttempts),
		identity.WithLockoutDuration(cfg.Auth.LockoutDuration),
		identity.WithLockoutWindow(cfg.Auth.LockoutWindow),
		identity.WithLockoutBackoff(cfg.Auth.LockoutBackoff),
		identity.WithHistoryLimit(cfg.Auth.PasswordHistory),
	)
	if err != nil {
		log.Fatalf("protection: %v", err)
	}

	keyring, err := token.NewKeyring(ctx, token.NewPGKeyStore(db))
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}
	if keyring.Active() == "" {
		kid, err := keyring.GenerateKey(ctx)
		if err != nil {
			log.Fatalf("generate signing key: %v", err)
		}
		obs.LogEvent("signing_key_generated", map[string]any{"kid": kid})
	}
	tokens, err := token.NewService(token.NewPGStore(db), keyring,
		token.WithIssuer(cfg.Auth.Issuer),
		token.WithAccessTTL(cfg.Auth.AccessTTL),
		token.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	box, err := crypto.NewSecretBox(encryptionKey(cfg))
	if err != nil {
		log.Fatalf("secret box: %v", err)
	}
	engine, err := mfa.NewEngine(mfa.NewPGStore(db), box, trail,
		mfa.WithIssuer(cfg.Auth.MFAIssuer))
	if err != nil {
		log.Fatalf("mfa engine: %v", err)
	}

	flow, err := authflow.NewFlow(protection, identities, tokens, engine, trail)
	if err != nil {
		log.Fatalf("auth flow: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Ready:        httpapi.ReadyProbe{DB: db},
		Version:      version,
		Flow:         flow,
		Tokens:       tokens,
		Protection:   protection,
		MFA:          engine,
		Trail:        trail,
		CookieSecure: cfg.HTTPServer.CookieSecure,
	})

	var handler http.Handler = api.Handler()
	handler = httpapi.RateLimit(handler, cfg.HTTPServer.RateLimitBurst, cfg.HTTPServer.RateLimitRPS)
	handler = httpapi.MaxBodyBytes(handler, cfg.HTTPServer.MaxBodyBytes)
	handler = httpapi.CORS(handler, cfg.HTTPServer.AllowedOrigins)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.HTTPServer.Address,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPServer.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTPServer.ReadTimeout,
		WriteTimeout:      cfg.HTTPServer.WriteTimeout,
		IdleTimeout:       cfg.HTTPServer.IdleTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	go sweepBlacklist(sweepCtx, tokens)

	log.Printf("Starting medvault-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

// sweepBlacklist removes blacklist entries whose tokens have expired on
// their own, keeping the table proportional to active revocations.
func sweepBlacklist(ctx context.Context, tokens *token.Service) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tokens.SweepBlacklist(ctx)
			if err != nil {
				log.Printf("blacklist sweep: %v", err)
				continue
			}
			if n > 0 {
				obs.LogEvent("blacklist_swept", map[string]any{"removed": n})
			}
		}
	}
}

// encryptionKey returns the configured MFA sealing key. Outside of local
// development the key must come from the environment; a missing key in
// local mode gets an ephemeral one so enrollments do not survive restarts.
func encryptionKey(cfg *config.Config) string {
	if cfg.Auth.EncryptionKey != "" {
		return cfg.Auth.EncryptionKey
	}
	if cfg.Env != "local" {
		log.Fatal("MEDVAULT_ENC_KEY is required outside local environment")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("generate ephemeral key: %v", err)
	}
	log.Println("MEDVAULT_ENC_KEY not set; using an ephemeral key for this process")
	return hex.EncodeToString(buf)
}
