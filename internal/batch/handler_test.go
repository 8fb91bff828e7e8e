package batch_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/disbursement-core/internal/batch"
	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
)

var _ = Describe("Batch Handler", func() {
	var (
		f      *fixture
		router chi.Router
	)

	BeforeEach(func() {
		f = newFixture(time.Millisecond)
		handler := batch.NewHandler(f.orchestrator, discardLogger())

		router = chi.NewRouter()
		router.Route("/batches", func(r chi.Router) {
			r.Post("/", handler.CreateBatch)
			r.Get("/statistics", handler.Statistics)
			r.Get("/recent", handler.Recent)
			r.Post("/process-scheduled", handler.ProcessScheduled)
			r.Get("/{id}", handler.GetBatch)
			r.Get("/{id}/payments", handler.ListPayments)
			r.Post("/{id}/start", handler.StartBatch)
			r.Post("/{id}/pause", handler.PauseBatch)
			r.Post("/{id}/cancel", handler.CancelBatch)
			r.Post("/{id}/retry-failed", handler.RetryFailed)
			r.Put("/{id}/status", handler.UpdateStatus)
			r.Get("/{id}/progress", handler.Progress)
			r.Get("/{id}/report", handler.Report)
		})
	})

	AfterEach(func() {
		f.orchestrator.Shutdown()
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

	errorCode := func(rec *httptest.ResponseRecorder) string {
		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		return body.Error.Code
	}

	create := func(amounts ...string) batch.CreateBatchResponse {
		rec := do(http.MethodPost, "/batches/", f.request(amounts...))
		Expect(rec.Code).To(Equal(http.StatusCreated))
		var resp batch.CreateBatchResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	It("creates a batch and lists its members", func() {
		created := create("500", "700")
		Expect(created.Batch.Status).To(Equal(batchmodel.StatusPending))
		Expect(created.PaymentIDs).To(HaveLen(2))

		rec := do(http.MethodGet, "/batches/"+created.Batch.ID.String()+"/payments", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var members []map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &members)).To(Succeed())
		Expect(members).To(HaveLen(2))
	})

	It("returns 400 for an empty batch", func() {
		rec := do(http.MethodPost, "/batches/", f.request())
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(errorCode(rec)).To(Equal("VALIDATION_FAILED"))
	})

	It("returns 404 for an unknown batch", func() {
		rec := do(http.MethodGet, "/batches/"+uuid.NewString(), nil)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(errorCode(rec)).To(Equal("BATCH_NOT_FOUND"))
	})

	It("returns 400 for a malformed id", func() {
		rec := do(http.MethodPost, "/batches/nope/start", nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("starts a batch and reports it once settled", func() {
		created := create("500", "700")
		id := created.Batch.ID.String()

		rec := do(http.MethodPost, "/batches/"+id+"/start", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Eventually(f.batchStatus(created.Batch.ID)).Should(Equal(string(batchmodel.StatusCompleted)))

		rec = do(http.MethodGet, "/batches/"+id+"/progress", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var progress batch.ProgressResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &progress)).To(Succeed())
		Expect(progress.PercentSettled).To(BeNumerically("~", 100, 0.001))

		rec = do(http.MethodGet, "/batches/"+id+"/report", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var report batch.ReportResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &report)).To(Succeed())
		Expect(report.SuccessRate).To(BeNumerically("~", 1, 0.001))
	})

	It("requires a reason to pause or cancel", func() {
		created := create("500")
		id := created.Batch.ID.String()

		rec := do(http.MethodPost, "/batches/"+id+"/cancel", map[string]string{})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))

		rec = do(http.MethodPost, "/batches/"+id+"/cancel", map[string]string{"reason": "duplicate upload"})
		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp batch.BatchResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal(batchmodel.StatusCancelled))
	})

	It("returns 422 for an illegal status override", func() {
		created := create("500")

		rec := do(http.MethodPut, "/batches/"+created.Batch.ID.String()+"/status",
			map[string]string{"status": "COMPLETED", "reason": "looks done"})
		Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(errorCode(rec)).To(Equal("INVALID_STATUS_TRANSITION"))
	})

	It("rejects retrying a batch that has not started", func() {
		created := create("500")

		rec := do(http.MethodPost, "/batches/"+created.Batch.ID.String()+"/retry-failed", nil)
		Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
	})

	It("filters statistics and recent batches by program", func() {
		create("100")
		create("200")

		rec := do(http.MethodGet, "/batches/statistics?program_id="+f.programID.String(), nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var stats []batch.StatusCount
		Expect(json.Unmarshal(rec.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats).To(HaveLen(1))
		Expect(stats[0].Count).To(Equal(int64(2)))

		rec = do(http.MethodGet, "/batches/recent?limit=1", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var recent []batch.BatchResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &recent)).To(Succeed())
		Expect(recent).To(HaveLen(1))

		rec = do(http.MethodGet, "/batches/statistics?program_id=bad", nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("starts due scheduled batches on demand", func() {
		rec := do(http.MethodPost, "/batches/process-scheduled", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var result batch.SweepResult
		Expect(json.Unmarshal(rec.Body.Bytes(), &result)).To(Succeed())
		Expect(result.Examined).To(BeZero())
	})
})
