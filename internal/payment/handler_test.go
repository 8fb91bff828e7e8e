package payment_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
	"github.com/frahmantamala/disbursement-core/internal/payment"
)

var _ = Describe("Payment Handler", func() {
	var (
		f      *fixture
		router chi.Router
	)

	BeforeEach(func() {
		f = newFixture()
		handler := payment.NewHandler(f.service, discardLogger())
		webhooks := payment.NewWebhookHandler(f.service, discardLogger())

		router = chi.NewRouter()
		router.Post("/payments", handler.CreatePayment)
		router.Get("/payments/search", handler.SearchPayments)
		router.Get("/payments/{id}", handler.GetPayment)
		router.Post("/payments/{id}/process", handler.ProcessPayment)
		router.Post("/payments/{id}/cancel", handler.CancelPayment)
		router.Put("/payments/{id}/status", handler.UpdateStatus)
		router.Post("/webhooks/fsp/{fspCode}", webhooks.HandleFSPWebhook)
	})

	do := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) payment.PaymentResponse {
		var resp payment.PaymentResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	errorCode := func(rec *httptest.ResponseRecorder) string {
		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		return body.Error.Code
	}

	It("creates and processes a payment", func() {
		rec := do(http.MethodPost, "/payments", createRequest("1400.00"))
		Expect(rec.Code).To(Equal(http.StatusCreated))
		created := decode(rec)
		Expect(created.Status).To(Equal(paymentmodel.StatusPending))
		Expect(created.IsTerminal).To(BeFalse())

		rec = do(http.MethodPost, "/payments/"+created.ID.String()+"/process", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(decode(rec).Status).To(Equal(paymentmodel.StatusProcessing))
	})

	It("returns 400 for an invalid body", func() {
		req := createRequest("-5")
		rec := do(http.MethodPost, "/payments", req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for an unknown payment", func() {
		rec := do(http.MethodGet, "/payments/"+uuid.NewString(), nil)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(errorCode(rec)).To(Equal("PAYMENT_NOT_FOUND"))
	})

	It("returns 400 for a malformed id", func() {
		rec := do(http.MethodGet, "/payments/not-a-uuid", nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 409 for a duplicate reference", func() {
		req := createRequest("100.00")
		req.InternalReferenceNumber = "PAY-2025-123456"
		Expect(do(http.MethodPost, "/payments", req).Code).To(Equal(http.StatusCreated))

		rec := do(http.MethodPost, "/payments", req)
		Expect(rec.Code).To(Equal(http.StatusConflict))
		Expect(errorCode(rec)).To(Equal("DUPLICATE_REFERENCE"))
	})

	It("requires a reason to cancel", func() {
		created := decode(do(http.MethodPost, "/payments", createRequest("100.00")))

		rec := do(http.MethodPost, "/payments/"+created.ID.String()+"/cancel", map[string]string{})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))

		rec = do(http.MethodPost, "/payments/"+created.ID.String()+"/cancel", map[string]string{"reason": "ineligible"})
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(decode(rec).Status).To(Equal(paymentmodel.StatusCancelled))
	})

	It("rejects an illegal status override", func() {
		created := decode(do(http.MethodPost, "/payments", createRequest("100.00")))

		rec := do(http.MethodPut, "/payments/"+created.ID.String()+"/status",
			map[string]string{"status": "refunded", "reason": "operator error"})
		Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(errorCode(rec)).To(Equal("INVALID_STATUS_TRANSITION"))
	})

	It("pages search results", func() {
		for i := 0; i < 3; i++ {
			Expect(do(http.MethodPost, "/payments", createRequest("100.00")).Code).To(Equal(http.StatusCreated))
		}

		rec := do(http.MethodGet, "/payments/search?status=pending&limit=2", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var page payment.PageResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &page)).To(Succeed())
		Expect(page.Total).To(Equal(int64(3)))
		Expect(page.Items).To(HaveLen(2))
		Expect(page.Limit).To(Equal(2))
	})

	It("acknowledges provider webhooks", func() {
		created := decode(do(http.MethodPost, "/payments", createRequest("1400.00")))
		processed := decode(do(http.MethodPost, "/payments/"+created.ID.String()+"/process", nil))

		body := map[string]string{"reference_number": processed.FSPReferenceNumber, "status": "COMPLETED"}
		rec := do(http.MethodPost, "/webhooks/fsp/"+fsp.MockFSPCode, body)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var result payment.WebhookResult
		Expect(json.Unmarshal(rec.Body.Bytes(), &result)).To(Succeed())
		Expect(result.Applied).To(BeTrue())
		Expect(result.Status).To(Equal(paymentmodel.StatusCompleted))
	})

	It("rejects an empty webhook body", func() {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/fsp/"+fsp.MockFSPCode, http.NoBody)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})
