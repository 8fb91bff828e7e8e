package paymentgateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
	"github.com/frahmantamala/disbursement-core/internal/paymentgateway"
)

var _ = Describe("REST FSP Client", func() {
	var (
		server  *httptest.Server
		mux     *http.ServeMux
		cfg     *fspmodel.Configuration
		client  *paymentgateway.Client
		lastKey string
	)

	BeforeEach(func() {
		mux = http.NewServeMux()
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lastKey = r.Header.Get("X-API-Key")
			mux.ServeHTTP(w, r)
		}))

		cfg = &fspmodel.Configuration{
			FSPCode:        "GCASH",
			FSPName:        "GCash",
			AdapterType:    fspmodel.AdapterREST,
			PaymentMethods: "E_WALLET,BANK_TRANSFER",
			APIBaseURL:     server.URL,
			APIKey:         "key-123",
			APISecret:      "webhook-secret",
			MinAmount:      decimal.NewFromInt(1),
			MaxAmount:      decimal.NewFromInt(50000),
			TransactionFee: decimal.NewFromInt(15),
			FeeType:        fspmodel.FeeTypeFixed,
			TimeoutSeconds: 5,
		}
		client = paymentgateway.NewClient(cfg, server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	})

	AfterEach(func() {
		server.Close()
	})

	request := func() fsp.PaymentRequest {
		return fsp.PaymentRequest{
			PaymentID:             uuid.New(),
			InternalReference:     "PAY-2025-000001",
			Amount:                decimal.RequireFromString("1400.00"),
			Currency:              "PHP",
			Method:                paymentmodel.MethodEWallet,
			RecipientMobileNumber: "09171234567",
			CorrelationID:         "corr-1",
		}
	}

	writeJSON := func(w http.ResponseWriter, status int, body interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		Expect(json.NewEncoder(w).Encode(body)).To(Succeed())
	}

	Describe("SubmitPayment", func() {
		It("posts the payment and maps the provider answer", func() {
			var received map[string]interface{}
			mux.HandleFunc("/payments", func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Method).To(Equal(http.MethodPost))
				Expect(json.NewDecoder(r.Body).Decode(&received)).To(Succeed())
				writeJSON(w, http.StatusCreated, map[string]interface{}{
					"data": map[string]interface{}{"id": "GC-991", "external_id": "PAY-2025-000001", "status": "PENDING"},
				})
			})

			outcome, err := client.SubmitPayment(context.Background(), request(), cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Success).To(BeTrue())
			Expect(outcome.ReferenceNumber).To(Equal("GC-991"))
			Expect(outcome.Status).To(Equal(fsp.ProviderStatusProcessing))
			Expect(outcome.Fee.Equal(decimal.NewFromInt(15))).To(BeTrue())
			Expect(outcome.RawRequest).NotTo(BeEmpty())
			Expect(lastKey).To(Equal("key-123"))
			Expect(received["external_id"]).To(Equal("PAY-2025-000001"))
			Expect(received["payment_method"]).To(Equal("E_WALLET"))
		})

		It("maps SUCCESS to completed", func() {
			mux.HandleFunc("/payments", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"data": map[string]interface{}{"id": "GC-1", "status": "SUCCESS", "fee": "12.50"},
				})
			})

			outcome, err := client.SubmitPayment(context.Background(), request(), cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Status).To(Equal(fsp.ProviderStatusCompleted))
			Expect(outcome.Fee.String()).To(Equal("12.5"))
		})

		Context("when the provider refuses the request", func() {
			It("returns a rejection", func() {
				mux.HandleFunc("/payments", func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
						"error": map[string]string{"code": "ACCOUNT_BLOCKED", "message": "recipient account blocked"},
					})
				})

				_, err := client.SubmitPayment(context.Background(), request(), cfg)
				var pe *fsp.ProviderError
				Expect(errors.As(err, &pe)).To(BeTrue())
				Expect(pe.Transient).To(BeFalse())
				Expect(pe.Code).To(Equal("ACCOUNT_BLOCKED"))
			})
		})

		Context("when the provider is overloaded", func() {
			It("returns a transient error", func() {
				mux.HandleFunc("/payments", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusServiceUnavailable)
				})

				_, err := client.SubmitPayment(context.Background(), request(), cfg)
				Expect(fsp.IsTransient(err)).To(BeTrue())
			})

			It("treats 429 as transient", func() {
				mux.HandleFunc("/payments", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusTooManyRequests)
				})

				_, err := client.SubmitPayment(context.Background(), request(), cfg)
				Expect(fsp.IsTransient(err)).To(BeTrue())
			})
		})

		Context("when the provider cannot be reached", func() {
			It("returns a transient error", func() {
				server.Close()

				_, err := client.SubmitPayment(context.Background(), request(), cfg)
				Expect(fsp.IsTransient(err)).To(BeTrue())
			})
		})
	})

	Describe("CheckPaymentStatus", func() {
		It("reports the provider status", func() {
			mux.HandleFunc("/payments/GC-991", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"data": map[string]interface{}{"id": "GC-991", "status": "COMPLETED", "amount": "1400.00"},
				})
			})

			result, err := client.CheckPaymentStatus(context.Background(), "GC-991", cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(fsp.ProviderStatusCompleted))
			Expect(result.Amount.Equal(decimal.RequireFromString("1400"))).To(BeTrue())
		})

		It("reports not found for an unknown reference", func() {
			mux.HandleFunc("/payments/GC-404", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			})

			result, err := client.CheckPaymentStatus(context.Background(), "GC-404", cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(fsp.ProviderStatusNotFound))
		})
	})

	Describe("CancelPayment", func() {
		It("cancels at the provider", func() {
			mux.HandleFunc("/payments/GC-991/cancel", func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Method).To(Equal(http.MethodPost))
				w.WriteHeader(http.StatusOK)
			})

			outcome, err := client.CancelPayment(context.Background(), "GC-991", cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Success).To(BeTrue())
			Expect(outcome.Status).To(Equal(fsp.ProviderStatusCancelled))
		})
	})

	Describe("ProcessWebhook", func() {
		payload := []byte(`{"event":"payment.completed","data":{"id":"GC-991","status":"SUCCESS"}}`)

		It("accepts a correctly signed payload", func() {
			headers := http.Header{}
			headers.Set(paymentgateway.SignatureHeader, paymentgateway.Sign(payload, "webhook-secret"))

			event, err := client.ProcessWebhook(context.Background(), payload, headers, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(event.ReferenceNumber).To(Equal("GC-991"))
			Expect(event.Event).To(Equal("payment.completed"))
			Expect(event.Status).To(Equal(fsp.ProviderStatusCompleted))
		})

		It("rejects a bad signature", func() {
			headers := http.Header{}
			headers.Set(paymentgateway.SignatureHeader, paymentgateway.Sign(payload, "other-secret"))

			_, err := client.ProcessWebhook(context.Background(), payload, headers, cfg)
			var pe *fsp.ProviderError
			Expect(errors.As(err, &pe)).To(BeTrue())
			Expect(pe.Code).To(Equal("INVALID_SIGNATURE"))
		})

		It("rejects an unsigned payload", func() {
			_, err := client.ProcessWebhook(context.Background(), payload, http.Header{}, cfg)
			Expect(err).To(HaveOccurred())
		})

		It("rejects a payload without a reference", func() {
			body := []byte(`{"event":"payment.completed","data":{"status":"SUCCESS"}}`)
			headers := http.Header{}
			headers.Set(paymentgateway.SignatureHeader, paymentgateway.Sign(body, "webhook-secret"))

			_, err := client.ProcessWebhook(context.Background(), body, headers, cfg)
			var pe *fsp.ProviderError
			Expect(errors.As(err, &pe)).To(BeTrue())
			Expect(pe.Code).To(Equal("MALFORMED_WEBHOOK"))
		})
	})

	Describe("SettlementReport", func() {
		It("returns the settled lines for the period", func() {
			mux.HandleFunc("/settlements", func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Query().Get("from")).NotTo(BeEmpty())
				Expect(r.URL.Query().Get("to")).NotTo(BeEmpty())
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"data": []map[string]interface{}{
						{"id": "GC-1", "external_id": "PAY-2025-000001", "status": "SUCCESS", "amount": "100.00", "settled_at": time.Now().UTC()},
						{"id": "GC-2", "external_id": "PAY-2025-000002", "status": "FAILED", "amount": "50.00", "settled_at": time.Now().UTC()},
					},
				})
			})

			end := time.Now()
			records, err := client.SettlementReport(context.Background(), cfg, end.Add(-24*time.Hour), end)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[0].InternalReference).To(Equal("PAY-2025-000001"))
			Expect(records[0].Status).To(Equal(fsp.ProviderStatusCompleted))
			Expect(records[1].Status).To(Equal(fsp.ProviderStatusFailed))
		})
	})

	Describe("health and configuration", func() {
		It("is healthy when the health endpoint answers 200", func() {
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			Expect(client.IsHealthy(context.Background())).To(BeTrue())
			Expect(client.TestConnection(context.Background(), cfg)).To(BeTrue())
		})

		It("is unhealthy when the health endpoint fails", func() {
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			})
			Expect(client.IsHealthy(context.Background())).To(BeFalse())
		})

		It("validates REST configuration", func() {
			Expect(client.ValidateConfiguration(cfg)).To(BeTrue())

			missingKey := *cfg
			missingKey.APIKey = ""
			Expect(client.ValidateConfiguration(&missingKey)).To(BeFalse())

			wrongCode := *cfg
			wrongCode.FSPCode = "PAYMAYA"
			Expect(client.ValidateConfiguration(&wrongCode)).To(BeFalse())
		})

		It("exposes the configured methods and bounds", func() {
			Expect(client.SupportedPaymentMethods()).To(ConsistOf(paymentmodel.MethodEWallet, paymentmodel.MethodBankTransfer))
			Expect(client.MaximumAmount().Equal(decimal.NewFromInt(50000))).To(BeTrue())
		})
	})
})
