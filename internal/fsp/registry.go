package fsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/frahmantamala/disbursement-core/internal"
	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
)

const (
	webhookDedupeTTL   = 72 * time.Hour
	minRetryBackoff    = 10 * time.Millisecond
	maxRetryBackoff    = 30 * time.Second
	probeParallelism   = 8
	defaultConcurrency = 5
)

// ConfigStore is the registry's read view of fsp_configurations.
type ConfigStore interface {
	GetByCode(ctx context.Context, fspCode string) (*fspmodel.Configuration, error)
	List(ctx context.Context) ([]*fspmodel.Configuration, error)
	UpdateHealth(ctx context.Context, fspCode string, status fspmodel.HealthStatus, checkedAt time.Time, lastHealthyAt *time.Time) error
}

// VolumeSource reports the amount already routed to an FSP since a point in
// time, used to enforce daily and monthly limits.
type VolumeSource interface {
	SubmittedAmountSince(ctx context.Context, fspCode string, since time.Time) (decimal.Decimal, error)
}

type Selection struct {
	Adapter Adapter
	Config  *fspmodel.Configuration
	Fee     decimal.Decimal
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	store              ConfigStore
	health             HealthCache
	deduper            WebhookDeduper
	volume             VolumeSource
	defaultConcurrency int
	logger             *slog.Logger
	now                func() time.Time
}

func NewRegistry(store ConfigStore, health HealthCache, deduper WebhookDeduper, logger *slog.Logger) *Registry {
	if health == nil {
		health = NewMemoryHealthCache()
	}
	if deduper == nil {
		deduper = NewMemoryDeduper()
	}
	return &Registry{
		adapters:           make(map[string]Adapter),
		limiters:           make(map[string]*rate.Limiter),
		store:              store,
		health:             health,
		deduper:            deduper,
		defaultConcurrency: defaultConcurrency,
		logger:             logger,
		now:                time.Now,
	}
}

func (r *Registry) WithVolumeSource(v VolumeSource) *Registry {
	r.volume = v
	return r
}

func (r *Registry) WithDefaultConcurrency(n int) *Registry {
	if n > 0 {
		r.defaultConcurrency = n
	}
	return r
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := a.FSPCode()
	if _, exists := r.adapters[code]; exists {
		return fmt.Errorf("adapter %s already registered", code)
	}
	r.adapters[code] = a
	r.logger.Info("fsp adapter registered", "fsp_code", code)
	return nil
}

func (r *Registry) Adapter(code string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[code]
	return a, ok
}

func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// IsHealthy reads the cached probe result only.
func (r *Registry) IsHealthy(ctx context.Context, code string) bool {
	st, ok := r.health.Load(ctx, code)
	return ok && st.Healthy()
}

func (r *Registry) HealthSnapshot(ctx context.Context) map[string]HealthState {
	return r.health.Snapshot(ctx)
}

func (r *Registry) ConcurrencyLimit(ctx context.Context, code string) int {
	cfg, err := r.store.GetByCode(ctx, code)
	if err != nil || cfg.ConcurrencyLimit <= 0 {
		return r.defaultConcurrency
	}
	return cfg.ConcurrencyLimit
}

// GetBestFSP returns the cheapest healthy FSP able to carry the payment.
// Ties go to the FSP that was most recently seen healthy.
func (r *Registry) GetBestFSP(ctx context.Context, method paymentmodel.Method, amount decimal.Decimal, currency string) (*Selection, error) {
	configs, err := r.store.List(ctx)
	if err != nil {
		return nil, internal.NewInternalError("failed to load fsp configurations", err)
	}
	byCode := make(map[string]*fspmodel.Configuration, len(configs))
	for _, c := range configs {
		byCode[c.FSPCode] = c
	}

	var (
		best        *Selection
		bestHealthy time.Time
	)
	for _, code := range r.Codes() {
		adapter, _ := r.Adapter(code)
		cfg, ok := byCode[code]
		if !ok || !r.eligible(ctx, adapter, cfg, method, amount, currency) {
			continue
		}

		st, _ := r.health.Load(ctx, code)
		fee := cfg.CalculateFee(amount)
		switch {
		case best == nil,
			fee.LessThan(best.Fee),
			fee.Equal(best.Fee) && st.LastHealthyAt.After(bestHealthy):
			best = &Selection{Adapter: adapter, Config: cfg, Fee: fee}
			bestHealthy = st.LastHealthyAt
		}
	}

	if best == nil {
		return nil, internal.NewConfigurationError(
			fmt.Sprintf("no eligible FSP for %s %s %s", method, amount.StringFixed(2), currency),
			internal.ErrCodeNoEligibleFSP)
	}
	return best, nil
}

func (r *Registry) eligible(ctx context.Context, a Adapter, cfg *fspmodel.Configuration, method paymentmodel.Method, amount decimal.Decimal, currency string) bool {
	if !cfg.IsActive || !a.ValidateConfiguration(cfg) {
		return false
	}
	if !r.IsHealthy(ctx, cfg.FSPCode) {
		return false
	}
	if !supportsMethod(a, method) {
		return false
	}
	if len(cfg.Methods()) > 0 && !cfg.SupportsMethod(string(method)) {
		return false
	}
	if !adapterSupportsAmount(a, amount) || !cfg.SupportsAmount(amount) {
		return false
	}
	if currency != "" && !cfg.SupportsCurrency(currency) {
		return false
	}
	return r.withinLimits(ctx, cfg, amount) == nil
}

// Resolve returns the adapter and configuration for an explicit submission.
func (r *Registry) Resolve(ctx context.Context, code string) (Adapter, *fspmodel.Configuration, error) {
	adapter, cfg, err := r.lookup(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.IsActive {
		return nil, nil, internal.NewConfigurationError(fmt.Sprintf("FSP %s is inactive", code), internal.ErrCodeFSPInactive)
	}
	if !adapter.ValidateConfiguration(cfg) {
		return nil, nil, internal.NewConfigurationError(fmt.Sprintf("FSP %s is misconfigured", code), internal.ErrCodeFSPMisconfigured)
	}
	return adapter, cfg, nil
}

// lookup does not require the FSP to be active, so payments already routed
// there can still be checked and cancelled.
func (r *Registry) lookup(ctx context.Context, code string) (Adapter, *fspmodel.Configuration, error) {
	adapter, ok := r.Adapter(code)
	if !ok {
		return nil, nil, internal.NewNotFoundError(fmt.Sprintf("FSP %s is not registered", code), internal.ErrCodeFSPNotFound)
	}
	cfg, err := r.store.GetByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	return adapter, cfg, nil
}

// Preflight checks req against the FSP's bounds and volume limits without
// contacting the provider. Limits are only enforced here and in GetBestFSP,
// before the payment itself counts towards the FSP's volume.
func (r *Registry) Preflight(ctx context.Context, code string, req PaymentRequest) error {
	adapter, cfg, err := r.Resolve(ctx, code)
	if err != nil {
		return err
	}
	if err := checkBounds(adapter, cfg, req); err != nil {
		return err
	}
	return r.withinLimits(ctx, cfg, req.Amount)
}

func checkBounds(a Adapter, cfg *fspmodel.Configuration, req PaymentRequest) error {
	if !supportsMethod(a, req.Method) || (len(cfg.Methods()) > 0 && !cfg.SupportsMethod(string(req.Method))) {
		return internal.NewValidationFieldError("payment_method",
			fmt.Sprintf("%s does not support %s", cfg.FSPCode, req.Method), internal.ErrCodeInvalidMethod)
	}
	if !adapterSupportsAmount(a, req.Amount) || !cfg.SupportsAmount(req.Amount) {
		return internal.NewValidationFieldError("amount",
			fmt.Sprintf("amount %s is outside the limits of %s", req.Amount.StringFixed(2), cfg.FSPCode), internal.ErrCodeInvalidAmount)
	}
	if !cfg.SupportsCurrency(req.Currency) {
		return internal.NewValidationFieldError("currency",
			fmt.Sprintf("%s does not support currency %s", cfg.FSPCode, req.Currency), internal.ErrCodeInvalidCurrency)
	}
	return nil
}

func (r *Registry) withinLimits(ctx context.Context, cfg *fspmodel.Configuration, amount decimal.Decimal) error {
	if r.volume == nil {
		return nil
	}
	now := r.now().UTC()
	check := func(limit decimal.Decimal, since time.Time, period string) error {
		if !limit.IsPositive() {
			return nil
		}
		used, err := r.volume.SubmittedAmountSince(ctx, cfg.FSPCode, since)
		if err != nil {
			r.logger.Warn("failed to read fsp volume", "error", err, "fsp_code", cfg.FSPCode)
			return nil
		}
		if used.Add(amount).GreaterThan(limit) {
			return internal.NewConfigurationError(
				fmt.Sprintf("%s limit of FSP %s would be exceeded", period, cfg.FSPCode), internal.ErrCodeFSPLimitExceeded)
		}
		return nil
	}
	if err := check(cfg.DailyLimit, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), "daily"); err != nil {
		return err
	}
	return check(cfg.MonthlyLimit, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), "monthly")
}

// SubmitPayment sends a payment to the named FSP. Transient failures are
// retried within the FSP's configured attempts; a nil error with an
// unsuccessful outcome is a provider rejection.
func (r *Registry) SubmitPayment(ctx context.Context, code string, req PaymentRequest) (*Outcome, error) {
	adapter, cfg, err := r.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := checkBounds(adapter, cfg, req); err != nil {
		return nil, err
	}

	var outcome *Outcome
	attempts, err := r.call(ctx, cfg, "submit", func(ctx context.Context) error {
		out, err := adapter.SubmitPayment(ctx, req, cfg)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		if rejected, ok := rejection(err); ok {
			rejected.Attempts = attempts
			return rejected, nil
		}
		return nil, internal.NewFSPCommunicationError(code,
			fmt.Sprintf("FSP %s unreachable after %d attempts", code, attempts), err)
	}

	outcome.Attempts = attempts
	normalize(outcome)
	return outcome, nil
}

func (r *Registry) CheckPaymentStatus(ctx context.Context, code, reference string) (*StatusResult, error) {
	adapter, cfg, err := r.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	var result *StatusResult
	attempts, err := r.call(ctx, cfg, "status", func(ctx context.Context) error {
		res, err := adapter.CheckPaymentStatus(ctx, reference, cfg)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if rejected, ok := rejection(err); ok {
			return nil, internal.NewFSPBusinessError(code, rejected.ErrorCode, rejected.Message)
		}
		return nil, internal.NewFSPCommunicationError(code,
			fmt.Sprintf("FSP %s status check failed after %d attempts", code, attempts), err)
	}
	if result.Status == "" {
		result.Status = ProviderStatusUnknown
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = r.now()
	}
	return result, nil
}

func (r *Registry) CancelPayment(ctx context.Context, code, reference string) (*Outcome, error) {
	adapter, cfg, err := r.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	var outcome *Outcome
	attempts, err := r.call(ctx, cfg, "cancel", func(ctx context.Context) error {
		out, err := adapter.CancelPayment(ctx, reference, cfg)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		if rejected, ok := rejection(err); ok {
			rejected.Attempts = attempts
			return rejected, nil
		}
		return nil, internal.NewFSPCommunicationError(code,
			fmt.Sprintf("FSP %s cancel failed after %d attempts", code, attempts), err)
	}
	outcome.Attempts = attempts
	normalize(outcome)
	return outcome, nil
}

// ProcessWebhook parses a provider callback and reports whether this
// (reference, event) pair was already seen.
func (r *Registry) ProcessWebhook(ctx context.Context, code string, payload []byte, headers http.Header) (*WebhookEvent, error) {
	adapter, cfg, err := r.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	event, err := adapter.ProcessWebhook(ctx, payload, headers, cfg)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Code == string(internal.ErrCodeInvalidSignature) {
			return nil, internal.NewUnauthorizedError("invalid webhook signature", internal.ErrCodeInvalidSignature)
		}
		return nil, internal.NewValidationError("malformed webhook payload", internal.ErrCodeMalformedWebhook).WithCause(err)
	}
	event.FSPCode = code

	key := fmt.Sprintf("%s:%s:%s", code, event.ReferenceNumber, event.Event)
	first, err := r.deduper.FirstSeen(ctx, key, webhookDedupeTTL)
	if err != nil {
		return nil, internal.NewInternalError("failed to record webhook", err)
	}
	event.Duplicate = !first
	event.DedupeKey = key
	return event, nil
}

// ReleaseWebhook undoes the dedupe record of an event that could not be
// applied, so the provider's redelivery is not swallowed as a duplicate.
func (r *Registry) ReleaseWebhook(ctx context.Context, event *WebhookEvent) error {
	if event == nil || event.DedupeKey == "" || event.Duplicate {
		return nil
	}
	if err := r.deduper.Release(ctx, event.DedupeKey); err != nil {
		return internal.NewInternalError("failed to release webhook", err)
	}
	return nil
}

// SettlementReport returns false when the adapter publishes no report.
func (r *Registry) SettlementReport(ctx context.Context, code string, start, end time.Time) ([]SettlementRecord, bool, error) {
	adapter, cfg, err := r.lookup(ctx, code)
	if err != nil {
		return nil, false, err
	}
	reporter, ok := adapter.(SettlementReporter)
	if !ok {
		return nil, false, nil
	}

	var records []SettlementRecord
	attempts, err := r.call(ctx, cfg, "settlement", func(ctx context.Context) error {
		recs, err := reporter.SettlementReport(ctx, cfg, start, end)
		if err != nil {
			return err
		}
		records = recs
		return nil
	})
	if err != nil {
		return nil, true, internal.NewFSPCommunicationError(code,
			fmt.Sprintf("FSP %s settlement report failed after %d attempts", code, attempts), err)
	}
	return records, true, nil
}

func (r *Registry) TestConnection(ctx context.Context, code string) (bool, error) {
	adapter, cfg, err := r.lookup(ctx, code)
	if err != nil {
		return false, err
	}
	callCtx, cancel := internal.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	return adapter.TestConnection(callCtx, cfg), nil
}

func (r *Registry) call(ctx context.Context, cfg *fspmodel.Configuration, op string, fn func(context.Context) error) (int, error) {
	attempts := 0
	retries := cfg.RetryAttempts
	if retries < 0 {
		retries = 0
	}
	base := cfg.RetryDelay()
	if base < minRetryBackoff {
		base = minRetryBackoff
	}
	backoff := retry.WithCappedDuration(maxRetryBackoff,
		retry.WithMaxRetries(uint64(retries), retry.NewExponential(base)))

	limiter := r.limiter(cfg)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := internal.WithTimeout(ctx, cfg.Timeout())
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			r.logger.Warn("fsp call failed, retrying",
				"fsp_code", cfg.FSPCode,
				"operation", op,
				"attempt", attempts,
				"error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return attempts, err
}

func (r *Registry) limiter(cfg *fspmodel.Configuration) *rate.Limiter {
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	l, ok := r.limiters[cfg.FSPCode]
	if !ok || l.Limit() != limit {
		l = rate.NewLimiter(limit, burst)
		r.limiters[cfg.FSPCode] = l
	}
	return l
}

// ProbeHealth runs one probe round over every registered adapter and caches
// the results.
func (r *Registry) ProbeHealth(ctx context.Context) map[string]HealthState {
	codes := r.Codes()
	results := make([]HealthState, len(codes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)
	for i, code := range codes {
		g.Go(func() error {
			results[i] = r.probe(gctx, code)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]HealthState, len(results))
	for _, st := range results {
		out[st.FSPCode] = st
	}
	return out
}

func (r *Registry) probe(ctx context.Context, code string) HealthState {
	adapter, _ := r.Adapter(code)
	prev, _ := r.health.Load(ctx, code)

	timeout := 5 * time.Second
	if cfg, err := r.store.GetByCode(ctx, code); err == nil {
		timeout = cfg.Timeout()
	}
	probeCtx, cancel := internal.WithTimeout(ctx, timeout)
	healthy := adapter.IsHealthy(probeCtx)
	cancel()

	now := r.now()
	st := HealthState{FSPCode: code, Status: fspmodel.HealthUnhealthy, CheckedAt: now, LastHealthyAt: prev.LastHealthyAt}
	var lastHealthy *time.Time
	if healthy {
		st.Status = fspmodel.HealthHealthy
		st.LastHealthyAt = now
		lastHealthy = &now
	}

	if err := r.health.Store(ctx, st); err != nil {
		r.logger.Error("failed to cache fsp health", "error", err, "fsp_code", code)
	}
	if err := r.store.UpdateHealth(ctx, code, st.Status, now, lastHealthy); err != nil {
		r.logger.Warn("failed to persist fsp health", "error", err, "fsp_code", code)
	}
	if prev.Status != st.Status {
		r.logger.Info("fsp health changed", "fsp_code", code, "from", prev.Status, "to", st.Status)
	}
	return st
}

// RunHealthProbe probes immediately and then on every tick until ctx ends.
func (r *Registry) RunHealthProbe(ctx context.Context, interval time.Duration) {
	r.ProbeHealth(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.ProbeHealth(ctx)
		case <-ctx.Done():
			r.logger.Info("fsp health probe stopped")
			return
		}
	}
}

func rejection(err error) (*Outcome, bool) {
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Transient {
		return nil, false
	}
	return &Outcome{
		Success:   false,
		Status:    ProviderStatusFailed,
		ErrorCode: pe.Code,
		Message:   pe.Message,
	}, true
}

func normalize(o *Outcome) {
	if o.Status == "" {
		if o.Success {
			o.Status = ProviderStatusProcessing
		} else {
			o.Status = ProviderStatusFailed
		}
	}
	if !o.Success && o.ErrorCode == "" {
		o.ErrorCode = string(internal.ErrCodeFSPRejected)
	}
}
