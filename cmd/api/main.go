package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/authz"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/config"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/httpapi"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/ipblock"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/store/pg"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/trust"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	log.SetFlags(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.PostgresDSN == "" {
		log.Fatal("missing DSN: set ADMISSIONS_PG_DSN")
	}
	provider, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer provider.Close()

	users := pg.NewUserStore(provider)
	keys := pg.NewAPIKeyStore(provider)
	perms := pg.NewPermissionStore(provider)
	auditStore := pg.NewAuditStore(provider)
	trustStore := pg.NewTrustStore(provider)
	blockStore := pg.NewBlockedIPStore(provider)

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	keySvc := auth.NewKeyService(keys)
	resolver := authz.NewResolver(users, perms)
	trusted := trust.NewRegistry(trustStore)
	blocks := ipblock.NewRegistry(blockStore, resolver, trusted,
		ipblock.WithFaultHandler(provider.Recreate))

	// The store accessor re-reads the provider on every attempt so a
	// recreated handle is picked up between retries.
	writer := audit.NewWriter(func() audit.Store { return auditStore })

	api := httpapi.New(cfg, httpapi.Deps{
		Tokens:   tokens,
		Keys:     keySvc,
		Users:    users,
		Resolver: resolver,
		Trust:    trusted,
		Blocks:   blocks,
		Writer:   writer,
		Logs:     auditStore,
		Ready: httpapi.ReadyProbe{Ping: func(ctx context.Context) error {
			return provider.Current().PingContext(ctx)
		}},
	}, version)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		obs.Log(map[string]any{
			"component": "api",
			"msg":       "listening",
			"addr":      cfg.ListenAddr,
			"env":       cfg.EnvMode,
			"version":   version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		obs.Error("api", "shutdown", err)
	}
	// Drain queued audit entries before the process exits.
	if err := writer.Flush(ctx); err != nil {
		obs.Error("audit", "flush on shutdown", err)
	}
}
