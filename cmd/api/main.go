package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/config"
	"revealguard.org/internal/docstore"
	"revealguard.org/internal/httpapi"
	"revealguard.org/internal/links"
	"revealguard.org/internal/mfa"
	"revealguard.org/internal/notify"
	"revealguard.org/internal/obs"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/qrcode"
	"revealguard.org/internal/ratelimit"
	"revealguard.org/internal/reveal"
	"revealguard.org/internal/rotation"
	"revealguard.org/internal/sealer"
	"revealguard.org/internal/session"
	"revealguard.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = ""
)

// documents is what the reveal pipeline needs from the document backend.
type documents interface {
	docstore.Documents
	docstore.Schema
	docstore.Identity
}

type backends struct {
	policies  policy.Store
	docs      documents
	audit     audit.Store
	sessions  session.Store
	links     links.Store
	rotation  rotation.Store
	mfa       mfa.Store
	trusted   session.Counter
	mfaCount  session.Counter
	readiness httpapi.ReadyProbe
	closers   []func() error
}

func main() {
	configPath := pflag.String("config", os.Getenv("REVEALGUARD_CONFIG"), "path to YAML config file")
	pflag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.Auth.Secret != "" {
		auth.SetSecret(cfg.Auth.Secret)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSealer(cfg)
	if err != nil {
		log.Fatalf("sealer: %v", err)
	}

	b, err := openBackends(ctx, cfg, s)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer func() {
		for _, c := range b.closers {
			_ = c()
		}
	}()

	var counter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if b.readiness.Redis != nil {
		counter = ratelimit.NewRedisCounter(b.readiness.Redis)
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, 5*time.Second)
	}

	gate := policy.NewGate(b.policies, b.docs, b.docs, b.docs)
	recorder := audit.NewRecorder(b.audit)
	tracker := session.NewTracker(b.sessions, session.WithNotifier(notifier, cfg.Notify.Recipients))
	revealSvc := reveal.NewService(ratelimit.New(counter), gate, b.docs, recorder, tracker,
		reveal.WithRateLimit(cfg.Reveal.MaxCalls, cfg.Reveal.Window()),
		reveal.WithMFA(mfa.NewVerifier(b.mfa, cfg.Reveal.MFA)),
	)
	qr := qrcode.PNG{}
	issuer := links.NewIssuer(b.links, gate, b.docs, s, cfg.HTTP.PublicBaseURL, links.WithQRCode(qr))
	executor := rotation.NewExecutor(b.rotation, b.docs, b.docs, rotation.WithNotifier(notifier))

	svc := httpapi.Services{
		Reveal:   revealSvc,
		Admin:    policy.NewAdmin(b.policies, b.docs),
		Links:    issuer,
		Sessions: tracker,
		Reporter: session.NewReporter(b.audit, b.mfaCount, b.trusted),
		Rotation: executor,
		Audit:    recorder,
		MFA:      mfa.NewEnroller(b.mfa, "revealguard", qr),
	}

	go issuer.RunSweeper(ctx, cfg.Links.SweepEvery())
	go executor.Start(ctx, cfg.Rotation.Every())
	go runAuditCleanup(ctx, recorder, cfg.Audit.RetentionDays, cfg.Audit.CleanupEvery())

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	api := httpapi.New(b.readiness, version, svc,
		httpapi.WithTrustedProxies(proxies),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithGuestRate(cfg.HTTP.GuestRPS, cfg.HTTP.GuestBurst),
		httpapi.WithAuditRetention(cfg.Audit.RetentionDays),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := httpapi.NewServer()
	httpapi.NewGRPCServer(b.readiness, revealSvc).Register(grpcServer)

	go func() {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http listen: %v", err)
		}
	}()

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			obs.Info("grpc listening", map[string]any{"addr": cfg.GRPC.Addr})
			if err := grpcServer.Serve(lis); err != nil {
				obs.Error("grpc serve", map[string]any{"err": err})
			}
		}()
	}

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	obs.Info("stopped", nil)
}

func openSealer(cfg config.Config) (sealer.Sealer, error) {
	if cfg.Sealer.Key != "" {
		key, err := sealer.ParseKey(cfg.Sealer.Key)
		if err != nil {
			return nil, err
		}
		return sealer.NewXChaCha(key)
	}
	if cfg.Postgres.DSN != "" {
		return nil, errors.New("REVEALGUARD_SEALER_KEY is required with a database")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	obs.Warn("using an ephemeral sealer key; in-memory secrets are lost on restart", nil)
	return sealer.NewXChaCha(key)
}

func openBackends(ctx context.Context, cfg config.Config, s sealer.Sealer) (*backends, error) {
	b := &backends{}

	if cfg.Redis.Addr != "" {
		client, err := ratelimit.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		b.readiness.Redis = client
		b.closers = append(b.closers, client.Close)
	}

	if cfg.Postgres.DSN == "" {
		obs.Warn("REVEALGUARD_PG_DSN not set; using in-memory stores", nil)
		policies := policy.NewMemoryStore()
		secrets := mfa.NewMemorySecrets()
		b.policies = policies
		b.docs = docstore.NewMemory(s)
		b.audit = audit.NewMemoryStore()
		b.sessions = session.NewMemoryStore()
		b.links = links.NewMemoryStore()
		b.rotation = rotation.NewMemoryStore()
		b.mfa = secrets
		b.trusted = policies.CountTrusted
		b.mfaCount = secrets.CountEnabled
		return b, nil
	}

	store, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, store.Close)
	b.readiness.DB = store.DB()

	policies := store.Policies()
	secrets := store.MFA()
	b.policies = policies
	b.docs = store.Documents(s)
	b.audit = store.Audit()
	b.sessions = store.Sessions()
	b.links = store.Links()
	b.rotation = store.Rotation()
	b.mfa = secrets
	b.trusted = policies.CountTrusted
	b.mfaCount = secrets.CountEnabled
	return b, nil
}

func runAuditCleanup(ctx context.Context, recorder *audit.Recorder, retentionDays int, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := recorder.Cleanup(ctx, retentionDays)
			if err != nil {
				obs.Error("audit cleanup failed", map[string]any{"err": err})
				continue
			}
			if n > 0 {
				obs.Info("audit cleanup", map[string]any{"deleted": n, "retention_days": retentionDays})
			}
		}
	}
}
