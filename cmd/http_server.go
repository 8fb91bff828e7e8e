package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/disbursement-core/internal/audit"
	"github.com/frahmantamala/disbursement-core/internal/auth"
	"github.com/frahmantamala/disbursement-core/internal/batch"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
	"github.com/frahmantamala/disbursement-core/internal/payment"
	"github.com/frahmantamala/disbursement-core/internal/reconciliation"
	"github.com/frahmantamala/disbursement-core/internal/transport/middleware"
	"github.com/frahmantamala/disbursement-core/internal/transport/rest"
)

var withBackground bool

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()
	log := deps.Logger

	router, err := setupRoutes(deps)
	if err != nil {
		log.Error("failed to set up routes", "error", err)
		os.Exit(1)
	}

	var background *sync.WaitGroup
	if withBackground {
		background = startBackground(ctx, deps)
	}

	cfg := deps.Config.Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", addr)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	stop()
	if background != nil {
		background.Wait()
	}
	log.Info("Server stopped")
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	cfg := deps.Config
	log := deps.Logger

	publicKey, err := cfg.Security.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid jwt public key: %w", err)
	}
	checker := auth.NewPermissionChecker()
	verifier := auth.NewJWTVerifier(publicKey, cfg.Security.JWTIssuer, log)

	components := map[string]rest.Pinger{"postgres": deps.DB}
	if deps.Redis != nil {
		components["redis"] = rest.PingFunc(func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		})
	}

	opts := rest.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		OpenAPISpec:    cfg.Server.OpenAPISpec,
	}
	if cfg.Server.ValidateRequests {
		validator, err := middleware.NewOpenAPIValidator(cfg.Server.OpenAPISpec, log)
		if err != nil {
			return nil, err
		}
		opts.Validator = validator
	}
	if cfg.Server.RateLimitPerSec > 0 {
		opts.RateLimiter = middleware.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst, 10*time.Minute)
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.Handlers{
		Health:         rest.NewHealthHandler(components),
		Auth:           auth.NewHandler(verifier, checker, log),
		RBAC:           auth.NewRBACAuthorization(checker, log),
		FSP:            fsp.NewHandler(deps.FSPService, log),
		Payment:        payment.NewHandler(deps.Payments, log),
		Webhook:        payment.NewWebhookHandler(deps.Payments, log),
		Batch:          batch.NewHandler(deps.Orchestrator, log),
		Reconciliation: reconciliation.NewHandler(deps.Reconciliation, log),
		Audit:          audit.NewHandler(deps.Ledger, log),
	}, opts, log)

	return router, nil
}

func init() {
	httpServerCmd.Flags().BoolVar(&withBackground, "with-worker", false, "also run the schedulers and health probes in this process")
}
