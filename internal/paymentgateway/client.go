package paymentgateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/disbursement-core/internal"
	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	paymentgatewaytypes "github.com/frahmantamala/disbursement-core/internal/core/datamodel/paymentgateway"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

const (
	SignatureHeader = "X-Signature"
	apiKeyHeader    = "X-API-Key"
	maxResponseBody = 1 << 20
)

// Client is the adapter for providers that expose the generic JSON payment
// API. One Client serves one FSP code; the configuration passed on each call
// wins over the one it was built with.
type Client struct {
	code       string
	httpClient *http.Client
	logger     *slog.Logger

	mu  sync.RWMutex
	cfg fspmodel.Configuration
}

func NewClient(cfg *fspmodel.Configuration, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		code:       cfg.FSPCode,
		httpClient: httpClient,
		logger:     logger,
		cfg:        *cfg,
	}
}

func (c *Client) FSPCode() string {
	return c.code
}

func (c *Client) current(cfg *fspmodel.Configuration) fspmodel.Configuration {
	if cfg != nil {
		c.mu.Lock()
		c.cfg = *cfg
		c.mu.Unlock()
		return *cfg
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	cfg := c.current(nil)
	return c.ping(ctx, &cfg) == nil
}

func (c *Client) TestConnection(ctx context.Context, cfg *fspmodel.Configuration) bool {
	current := c.current(cfg)
	if err := c.ping(ctx, &current); err != nil {
		c.logger.Warn("fsp connection test failed", "fsp_code", c.code, "error", err)
		return false
	}
	return true
}

func (c *Client) ping(ctx context.Context, cfg *fspmodel.Configuration) error {
	resp, err := c.do(ctx, cfg, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) SubmitPayment(ctx context.Context, req fsp.PaymentRequest, cfg *fspmodel.Configuration) (*fsp.Outcome, error) {
	current := c.current(cfg)
	body := &paymentgatewaytypes.PaymentRequest{
		ExternalID:    req.InternalReference,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: string(req.Method),
		Recipient: paymentgatewaytypes.Recipient{
			AccountNumber: req.RecipientAccountNumber,
			AccountName:   req.RecipientAccountName,
			MobileNumber:  req.RecipientMobileNumber,
		},
		CallbackURL:   current.WebhookURL,
		CorrelationID: req.CorrelationID,
	}
	if err := body.Validate(); err != nil {
		return nil, fsp.NewRejection(c.code, string(internal.ErrCodeValidationFailed), err.Error())
	}

	rawReq, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	c.logger.Info("submitting payment to fsp",
		"fsp_code", c.code,
		"external_id", body.ExternalID,
		"amount", body.Amount.StringFixed(2),
		"correlation_id", req.CorrelationID)

	resp, err := c.do(ctx, &current, http.MethodPost, "/payments", rawReq)
	if err != nil {
		return nil, fsp.NewTransientError(c.code, "UNREACHABLE", "payment submission failed", err)
	}
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		return nil, fsp.NewTransientError(c.code, "READ_FAILED", "failed to read submission response", err)
	}
	if err := c.classify(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var apiResponse paymentgatewaytypes.PaymentResponse
	if err := json.Unmarshal(raw, &apiResponse); err != nil || apiResponse.Data.ID == "" {
		return nil, fsp.NewTransientError(c.code, "MALFORMED_RESPONSE", "submission response carried no reference", err)
	}

	status := ProviderStatus(apiResponse.Data.Status)
	outcome := &fsp.Outcome{
		Success:         status != fsp.ProviderStatusFailed,
		ReferenceNumber: apiResponse.Data.ID,
		Status:          status,
		Message:         apiResponse.Data.Message,
		ErrorCode:       apiResponse.Data.ErrorCode,
		Fee:             apiResponse.Data.Fee,
		RawRequest:      rawReq,
		RawResponse:     raw,
	}
	if outcome.Fee.IsZero() {
		outcome.Fee = current.CalculateFee(req.Amount)
	}

	c.logger.Info("fsp accepted payment",
		"fsp_code", c.code,
		"external_id", body.ExternalID,
		"reference", outcome.ReferenceNumber,
		"status", outcome.Status)
	return outcome, nil
}

func (c *Client) CheckPaymentStatus(ctx context.Context, reference string, cfg *fspmodel.Configuration) (*fsp.StatusResult, error) {
	current := c.current(cfg)

	resp, err := c.do(ctx, &current, http.MethodGet, "/payments/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, fsp.NewTransientError(c.code, "UNREACHABLE", "status check failed", err)
	}
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		return nil, fsp.NewTransientError(c.code, "READ_FAILED", "failed to read status response", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return &fsp.StatusResult{
			ReferenceNumber: reference,
			Status:          fsp.ProviderStatusNotFound,
			ErrorCode:       "PAYMENT_NOT_FOUND",
			Message:         "payment not found at provider",
			CheckedAt:       time.Now(),
			RawResponse:     raw,
		}, nil
	}
	if err := c.classify(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var apiResponse paymentgatewaytypes.PaymentResponse
	if err := json.Unmarshal(raw, &apiResponse); err != nil {
		return nil, fsp.NewTransientError(c.code, "MALFORMED_RESPONSE", "failed to decode status response", err)
	}
	return &fsp.StatusResult{
		ReferenceNumber: reference,
		Status:          ProviderStatus(apiResponse.Data.Status),
		Amount:          apiResponse.Data.Amount,
		Message:         apiResponse.Data.Message,
		ErrorCode:       apiResponse.Data.ErrorCode,
		CheckedAt:       time.Now(),
		RawResponse:     raw,
	}, nil
}

func (c *Client) CancelPayment(ctx context.Context, reference string, cfg *fspmodel.Configuration) (*fsp.Outcome, error) {
	current := c.current(cfg)

	resp, err := c.do(ctx, &current, http.MethodPost, "/payments/"+url.PathEscape(reference)+"/cancel", nil)
	if err != nil {
		return nil, fsp.NewTransientError(c.code, "UNREACHABLE", "cancel failed", err)
	}
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		return nil, fsp.NewTransientError(c.code, "READ_FAILED", "failed to read cancel response", err)
	}
	if err := c.classify(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var apiResponse paymentgatewaytypes.PaymentResponse
	_ = json.Unmarshal(raw, &apiResponse)
	status := ProviderStatus(apiResponse.Data.Status)
	if apiResponse.Data.Status == "" {
		status = fsp.ProviderStatusCancelled
	}
	return &fsp.Outcome{
		Success:         true,
		ReferenceNumber: reference,
		Status:          status,
		Message:         apiResponse.Data.Message,
		RawResponse:     raw,
	}, nil
}

// ProcessWebhook verifies X-Signature, the hex HMAC-SHA256 of the raw body
// keyed with the FSP's API secret, before parsing anything.
func (c *Client) ProcessWebhook(_ context.Context, payload []byte, headers http.Header, cfg *fspmodel.Configuration) (*fsp.WebhookEvent, error) {
	current := c.current(cfg)

	if !VerifySignature(payload, headers.Get(SignatureHeader), current.APISecret) {
		c.logger.Warn("webhook signature mismatch", "fsp_code", c.code)
		return nil, fsp.NewRejection(c.code, string(internal.ErrCodeInvalidSignature), "webhook signature mismatch")
	}

	var body paymentgatewaytypes.WebhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fsp.NewRejection(c.code, string(internal.ErrCodeMalformedWebhook), err.Error())
	}
	if body.Data.ID == "" || body.Data.Status == "" {
		return nil, fsp.NewRejection(c.code, string(internal.ErrCodeMalformedWebhook), "data.id and data.status are required")
	}
	if body.Event == "" {
		body.Event = "payment." + strings.ToLower(string(body.Data.Status))
	}

	return &fsp.WebhookEvent{
		ReferenceNumber: body.Data.ID,
		Event:           body.Event,
		Status:          ProviderStatus(body.Data.Status),
		Message:         body.Data.Message,
		Raw:             json.RawMessage(payload),
	}, nil
}

func (c *Client) SettlementReport(ctx context.Context, cfg *fspmodel.Configuration, start, end time.Time) ([]fsp.SettlementRecord, error) {
	current := c.current(cfg)

	q := url.Values{}
	q.Set("from", start.UTC().Format(time.RFC3339))
	q.Set("to", end.UTC().Format(time.RFC3339))

	resp, err := c.do(ctx, &current, http.MethodGet, "/settlements?"+q.Encode(), nil)
	if err != nil {
		return nil, fsp.NewTransientError(c.code, "UNREACHABLE", "settlement report failed", err)
	}
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		return nil, fsp.NewTransientError(c.code, "READ_FAILED", "failed to read settlement report", err)
	}
	if err := c.classify(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var report paymentgatewaytypes.SettlementResponse
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fsp.NewTransientError(c.code, "MALFORMED_RESPONSE", "failed to decode settlement report", err)
	}

	records := make([]fsp.SettlementRecord, 0, len(report.Data))
	for _, item := range report.Data {
		records = append(records, fsp.SettlementRecord{
			ReferenceNumber:   item.ID,
			InternalReference: item.ExternalID,
			Status:            ProviderStatus(item.Status),
			Amount:            item.Amount,
			SettledAt:         item.SettledAt,
		})
	}
	return records, nil
}

func (c *Client) ValidateConfiguration(cfg *fspmodel.Configuration) bool {
	if cfg == nil || cfg.FSPCode != c.code || cfg.AdapterType != fspmodel.AdapterREST {
		return false
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	return cfg.APIKey != ""
}

func (c *Client) SupportedPaymentMethods() []paymentmodel.Method {
	cfg := c.current(nil)
	methods := make([]paymentmodel.Method, 0, len(cfg.Methods()))
	for _, m := range cfg.Methods() {
		methods = append(methods, paymentmodel.Method(strings.ToUpper(m)))
	}
	return methods
}

func (c *Client) MinimumAmount() decimal.Decimal {
	return c.current(nil).MinAmount
}

func (c *Client) MaximumAmount() decimal.Decimal {
	return c.current(nil).MaxAmount
}

func (c *Client) do(ctx context.Context, cfg *fspmodel.Configuration, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cfg.APIBaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(apiKeyHeader, cfg.APIKey)
	if id := internal.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return c.httpClient.Do(req)
}

// classify turns a non-2xx answer into a provider error. 5xx and 429 are
// transient; any other 4xx is the provider refusing the request.
func (c *Client) classify(status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var apiErr paymentgatewaytypes.ErrorResponse
	_ = json.Unmarshal(raw, &apiErr)
	code, msg := apiErr.Error.Code, apiErr.Error.Message
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return fsp.NewTransientError(c.code, code, msg, nil)
	}
	return fsp.NewRejection(c.code, code, msg)
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
}

// ProviderStatus maps the REST API vocabulary onto provider statuses.
func ProviderStatus(s paymentgatewaytypes.PaymentStatus) fsp.ProviderStatus {
	switch paymentgatewaytypes.PaymentStatus(strings.ToUpper(string(s))) {
	case paymentgatewaytypes.PaymentStatusPending, paymentgatewaytypes.PaymentStatusProcessing:
		return fsp.ProviderStatusProcessing
	case paymentgatewaytypes.PaymentStatusSuccess, paymentgatewaytypes.PaymentStatusCompleted:
		return fsp.ProviderStatusCompleted
	case paymentgatewaytypes.PaymentStatusFailed:
		return fsp.ProviderStatusFailed
	case paymentgatewaytypes.PaymentStatusCancelled:
		return fsp.ProviderStatusCancelled
	}
	return fsp.ProviderStatusUnknown
}

// Sign returns the X-Signature value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	expected, err := hex.DecodeString(Sign(body, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
