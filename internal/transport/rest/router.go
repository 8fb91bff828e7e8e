package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/disbursement-core/internal/audit"
	"github.com/frahmantamala/disbursement-core/internal/auth"
	"github.com/frahmantamala/disbursement-core/internal/batch"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
	"github.com/frahmantamala/disbursement-core/internal/payment"
	"github.com/frahmantamala/disbursement-core/internal/reconciliation"
	"github.com/frahmantamala/disbursement-core/internal/transport/middleware"
	"github.com/frahmantamala/disbursement-core/internal/transport/swagger"
)

type Handlers struct {
	Health         *HealthHandler
	Auth           *auth.Handler
	RBAC           *auth.RBACAuthorization
	FSP            *fsp.Handler
	Payment        *payment.Handler
	Webhook        *payment.WebhookHandler
	Batch          *batch.Handler
	Reconciliation *reconciliation.Handler
	Audit          *audit.Handler
}

type Options struct {
	AllowedOrigins string
	OpenAPISpec    string
	Validator      *middleware.OpenAPIValidator
	RateLimiter    *middleware.RateLimiter
}

func RegisterAllRoutes(router *chi.Mux, h Handlers, opts Options, logger *slog.Logger) {
	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORS(opts.AllowedOrigins))
	router.Use(middleware.LoggingMiddleware(logger))
	if opts.RateLimiter != nil {
		router.Use(opts.RateLimiter.Middleware(logger))
	}

	// OpenAPI contract at the root, outside the API prefix
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, opts.OpenAPISpec)
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if opts.Validator != nil {
			r.Use(opts.Validator.Middleware)
		}

		r.Get("/health", h.Health.HealthCheck)
		r.Get("/ping", h.Health.Ping)

		// Providers authenticate webhooks with their own signature.
		r.Post("/webhooks/fsp/{fspCode}", h.Webhook.HandleFSPWebhook)

		r.Group(func(pr chi.Router) {
			pr.Use(h.Auth.AuthMiddleware)

			read := h.RBAC.Require(auth.PermissionRead)
			create := h.RBAC.Require(auth.PermissionCreate)
			operate := h.RBAC.Require(auth.PermissionOperate)
			administer := h.RBAC.Require(auth.PermissionAdminister)

			pr.Get("/auth/me", h.Auth.Me)

			pr.Route("/payments", func(pay chi.Router) {
				pay.With(create).Post("/", h.Payment.CreatePayment)
				pay.With(read).Get("/search", h.Payment.SearchPayments)
				pay.With(read).Get("/reference/{ref}", h.Payment.GetPaymentByReference)
				pay.With(read).Get("/household/{id}", h.Payment.ListByHousehold)
				pay.With(read).Get("/program/{id}", h.Payment.ListByProgram)
				pay.With(read).Get("/status/{status}", h.Payment.ListByStatus)

				pay.With(operate).Get("/statistics", h.Payment.Statistics)
				pay.With(operate).Get("/statistics/fsp", h.Payment.FSPStatistics)
				pay.With(operate).Get("/volume/daily", h.Payment.DailyVolume)
				pay.With(operate).Get("/total-amount", h.Payment.TotalAmount)
				pay.With(operate).Get("/count", h.Payment.Count)
				pay.With(operate).Post("/reconcile", h.Reconciliation.Reconcile)
				pay.With(administer).Post("/process-scheduled", h.Payment.ProcessScheduled)

				pay.With(read).Get("/{id}", h.Payment.GetPayment)
				pay.With(read).Get("/{id}/can-process", h.Payment.CanProcess)
				pay.Group(func(op chi.Router) {
					op.Use(operate)
					op.Post("/{id}/process", h.Payment.ProcessPayment)
					op.Post("/{id}/cancel", h.Payment.CancelPayment)
					op.Post("/{id}/retry", h.Payment.RetryPayment)
					op.Post("/{id}/refund", h.Payment.RefundPayment)
					op.Put("/{id}/status", h.Payment.UpdateStatus)
					op.Post("/{id}/check-status", h.Payment.CheckStatus)
				})
			})

			pr.Route("/batches", func(b chi.Router) {
				b.With(create).Post("/", h.Batch.CreateBatch)
				b.With(operate).Get("/statistics", h.Batch.Statistics)
				b.With(read).Get("/recent", h.Batch.Recent)
				b.With(administer).Post("/process-scheduled", h.Batch.ProcessScheduled)

				b.With(read).Get("/{id}", h.Batch.GetBatch)
				b.With(read).Get("/{id}/payments", h.Batch.ListPayments)
				b.With(read).Get("/{id}/progress", h.Batch.Progress)
				b.Group(func(op chi.Router) {
					op.Use(operate)
					op.Post("/{id}/start", h.Batch.StartBatch)
					op.Post("/{id}/pause", h.Batch.PauseBatch)
					op.Post("/{id}/resume", h.Batch.ResumeBatch)
					op.Post("/{id}/cancel", h.Batch.CancelBatch)
					op.Post("/{id}/retry-failed", h.Batch.RetryFailed)
					op.Put("/{id}/status", h.Batch.UpdateStatus)
					op.Get("/{id}/report", h.Batch.Report)
				})
			})

			pr.Route("/fsp", func(f chi.Router) {
				f.With(read).Get("/", h.FSP.ListFSPs)
				f.With(read).Get("/{code}", h.FSP.GetFSP)
				f.Group(func(admin chi.Router) {
					admin.Use(administer)
					admin.Post("/", h.FSP.CreateFSP)
					admin.Put("/{code}", h.FSP.UpdateFSP)
					admin.Post("/{code}/test-connection", h.FSP.TestConnection)
					admin.Post("/health/probe", h.FSP.ProbeHealth)
				})
			})

			pr.With(operate).Get("/audit", h.Audit.ListEntries)
		})
	})
}
