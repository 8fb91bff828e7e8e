package fsp

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/core/common/validation"
	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
)

// ConfigurationRequest is the body of POST /fsp and PUT /fsp/{code}. On
// update the fsp_code in the body is ignored.
type ConfigurationRequest struct {
	FSPCode             string               `json:"fsp_code" yaml:"fsp_code"`
	FSPName             string               `json:"fsp_name" yaml:"fsp_name"`
	AdapterType         fspmodel.AdapterType `json:"adapter_type" yaml:"adapter_type"`
	PaymentMethods      []string             `json:"payment_methods" yaml:"payment_methods"`
	APIBaseURL          string               `json:"api_base_url,omitempty" yaml:"api_base_url"`
	WebhookURL          string               `json:"webhook_url,omitempty" yaml:"webhook_url"`
	APIKey              string               `json:"api_key,omitempty" yaml:"api_key"`
	APISecret           string               `json:"api_secret,omitempty" yaml:"api_secret"`
	IsActive            *bool                `json:"is_active,omitempty" yaml:"is_active"`
	IsSandbox           bool                 `json:"is_sandbox" yaml:"is_sandbox"`
	MinAmount           decimal.Decimal      `json:"min_amount" yaml:"min_amount"`
	MaxAmount           decimal.Decimal      `json:"max_amount" yaml:"max_amount"`
	DailyLimit          decimal.Decimal      `json:"daily_limit" yaml:"daily_limit"`
	MonthlyLimit        decimal.Decimal      `json:"monthly_limit" yaml:"monthly_limit"`
	TransactionFee      decimal.Decimal      `json:"transaction_fee" yaml:"transaction_fee"`
	FeeType             fspmodel.FeeType     `json:"fee_type,omitempty" yaml:"fee_type"`
	TimeoutSeconds      int                  `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	RetryAttempts       *int                 `json:"retry_attempts,omitempty" yaml:"retry_attempts"`
	RetryDelaySeconds   *int                 `json:"retry_delay_seconds,omitempty" yaml:"retry_delay_seconds"`
	ConcurrencyLimit    int                  `json:"concurrency_limit,omitempty" yaml:"concurrency_limit"`
	RequestsPerSecond   float64              `json:"requests_per_second,omitempty" yaml:"requests_per_second"`
	SupportedCurrencies []string             `json:"supported_currencies,omitempty" yaml:"supported_currencies"`
	Settings            json.RawMessage      `json:"configuration_json,omitempty" yaml:"-"`
}

func (r *ConfigurationRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("fsp_code", r.FSPCode).Required().MaxLength(50)
	validator.Field("fsp_name", r.FSPName).Required().MaxLength(255)
	validator.Field("adapter_type", string(r.AdapterType)).
		Required().
		OneOf([]string{string(fspmodel.AdapterMock), string(fspmodel.AdapterREST)}, errors.ErrCodeInvalidFSPSettings)
	validator.Field("payment_methods", strings.Join(r.PaymentMethods, ",")).Required()
	if r.FeeType != "" {
		validator.Field("fee_type", string(r.FeeType)).
			OneOf([]string{string(fspmodel.FeeTypeFixed), string(fspmodel.FeeTypePercentage)}, errors.ErrCodeInvalidFSPSettings)
	}
	validator.Field("transaction_fee", r.TransactionFee).Custom(func(interface{}) *errors.AppError {
		if r.TransactionFee.IsNegative() {
			return errors.NewValidationFieldError("transaction_fee", "transaction_fee must not be negative", errors.ErrCodeInvalidFSPSettings)
		}
		return nil
	})
	validator.Field("max_amount", r.MaxAmount).Custom(func(interface{}) *errors.AppError {
		if r.MaxAmount.IsPositive() && r.MinAmount.GreaterThan(r.MaxAmount) {
			return errors.NewValidationFieldError("max_amount", "max_amount must not be below min_amount", errors.ErrCodeInvalidFSPSettings)
		}
		return nil
	})
	validator.Field("timeout_seconds", int64(r.TimeoutSeconds)).MinInt(0, errors.ErrCodeInvalidFSPSettings)
	validator.Field("concurrency_limit", int64(r.ConcurrencyLimit)).MinInt(0, errors.ErrCodeInvalidFSPSettings)
	if r.RetryAttempts != nil {
		validator.Field("retry_attempts", int64(*r.RetryAttempts)).
			MinInt(0, errors.ErrCodeInvalidFSPSettings).
			MaxInt(10, errors.ErrCodeInvalidFSPSettings)
	}
	if r.AdapterType == fspmodel.AdapterREST {
		validator.Field("api_base_url", r.APIBaseURL).Required()
		validator.Field("api_key", r.APIKey).Required()
	}
	if len(r.Settings) > 0 && !json.Valid(r.Settings) {
		validator.Field("configuration_json", r.Settings).Custom(func(interface{}) *errors.AppError {
			return errors.NewValidationFieldError("configuration_json", "configuration_json must be valid JSON", errors.ErrCodeInvalidFSPSettings)
		})
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// Apply copies the request onto cfg, leaving identity, health and audit
// columns untouched.
func (r *ConfigurationRequest) Apply(cfg *fspmodel.Configuration) {
	cfg.FSPName = r.FSPName
	cfg.AdapterType = r.AdapterType
	cfg.PaymentMethods = joinUpper(r.PaymentMethods)
	cfg.APIBaseURL = r.APIBaseURL
	cfg.WebhookURL = r.WebhookURL
	if r.APIKey != "" {
		cfg.APIKey = r.APIKey
	}
	if r.APISecret != "" {
		cfg.APISecret = r.APISecret
	}
	cfg.IsActive = r.IsActive == nil || *r.IsActive
	cfg.IsSandbox = r.IsSandbox
	cfg.MinAmount = r.MinAmount
	cfg.MaxAmount = r.MaxAmount
	cfg.DailyLimit = r.DailyLimit
	cfg.MonthlyLimit = r.MonthlyLimit
	cfg.TransactionFee = r.TransactionFee
	cfg.FeeType = r.FeeType
	if cfg.FeeType == "" {
		cfg.FeeType = fspmodel.FeeTypeFixed
	}
	cfg.TimeoutSeconds = r.TimeoutSeconds
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 30
	}
	cfg.RetryAttempts = 3
	if r.RetryAttempts != nil {
		cfg.RetryAttempts = *r.RetryAttempts
	}
	cfg.RetryDelaySeconds = 5
	if r.RetryDelaySeconds != nil {
		cfg.RetryDelaySeconds = *r.RetryDelaySeconds
	}
	cfg.ConcurrencyLimit = r.ConcurrencyLimit
	if cfg.ConcurrencyLimit == 0 {
		cfg.ConcurrencyLimit = defaultConcurrency
	}
	cfg.RequestsPerSecond = r.RequestsPerSecond
	cfg.SupportedCurrencies = joinUpper(r.SupportedCurrencies)
	if cfg.SupportedCurrencies == "" {
		cfg.SupportedCurrencies = "PHP"
	}
	if len(r.Settings) > 0 {
		cfg.ConfigurationJSON = []byte(r.Settings)
	}
}

func joinUpper(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, ",")
}

// ConfigurationResponse never carries credentials.
type ConfigurationResponse struct {
	FSPCode             string                `json:"fsp_code"`
	FSPName             string                `json:"fsp_name"`
	AdapterType         fspmodel.AdapterType  `json:"adapter_type"`
	PaymentMethods      []string              `json:"payment_methods"`
	APIBaseURL          string                `json:"api_base_url,omitempty"`
	WebhookURL          string                `json:"webhook_url,omitempty"`
	HasCredentials      bool                  `json:"has_credentials"`
	IsActive            bool                  `json:"is_active"`
	IsSandbox           bool                  `json:"is_sandbox"`
	MinAmount           decimal.Decimal       `json:"min_amount"`
	MaxAmount           decimal.Decimal       `json:"max_amount"`
	DailyLimit          decimal.Decimal       `json:"daily_limit"`
	MonthlyLimit        decimal.Decimal       `json:"monthly_limit"`
	TransactionFee      decimal.Decimal       `json:"transaction_fee"`
	FeeType             fspmodel.FeeType      `json:"fee_type"`
	TimeoutSeconds      int                   `json:"timeout_seconds"`
	RetryAttempts       int                   `json:"retry_attempts"`
	RetryDelaySeconds   int                   `json:"retry_delay_seconds"`
	ConcurrencyLimit    int                   `json:"concurrency_limit"`
	RequestsPerSecond   float64               `json:"requests_per_second"`
	SupportedCurrencies []string              `json:"supported_currencies"`
	Registered          bool                  `json:"registered"`
	HealthStatus        fspmodel.HealthStatus `json:"health_status"`
	LastHealthCheck     *time.Time            `json:"last_health_check,omitempty"`
	LastHealthyAt       *time.Time            `json:"last_healthy_at,omitempty"`
	Version             int64                 `json:"version"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

func ToResponse(cfg *fspmodel.Configuration) ConfigurationResponse {
	return ConfigurationResponse{
		FSPCode:             cfg.FSPCode,
		FSPName:             cfg.FSPName,
		AdapterType:         cfg.AdapterType,
		PaymentMethods:      cfg.Methods(),
		APIBaseURL:          cfg.APIBaseURL,
		WebhookURL:          cfg.WebhookURL,
		HasCredentials:      cfg.APIKey != "" || cfg.APISecret != "",
		IsActive:            cfg.IsActive,
		IsSandbox:           cfg.IsSandbox,
		MinAmount:           cfg.MinAmount,
		MaxAmount:           cfg.MaxAmount,
		DailyLimit:          cfg.DailyLimit,
		MonthlyLimit:        cfg.MonthlyLimit,
		TransactionFee:      cfg.TransactionFee,
		FeeType:             cfg.FeeType,
		TimeoutSeconds:      cfg.TimeoutSeconds,
		RetryAttempts:       cfg.RetryAttempts,
		RetryDelaySeconds:   cfg.RetryDelaySeconds,
		ConcurrencyLimit:    cfg.ConcurrencyLimit,
		RequestsPerSecond:   cfg.RequestsPerSecond,
		SupportedCurrencies: cfg.Currencies(),
		HealthStatus:        cfg.HealthStatus,
		LastHealthCheck:     cfg.LastHealthCheck,
		LastHealthyAt:       cfg.LastHealthyAt,
		Version:             cfg.Version,
		UpdatedAt:           cfg.UpdatedAt,
	}
}

type ConnectionTestResponse struct {
	FSPCode   string    `json:"fsp_code"`
	Connected bool      `json:"connected"`
	TestedAt  time.Time `json:"tested_at"`
}
