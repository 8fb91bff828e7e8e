package fsp

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type FeeType string

const (
	FeeTypeFixed      FeeType = "FIXED"
	FeeTypePercentage FeeType = "PERCENTAGE"
)

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "UNKNOWN"
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

type AdapterType string

const (
	AdapterMock AdapterType = "MOCK"
	AdapterREST AdapterType = "REST"
)

type Configuration struct {
	ID                  uuid.UUID       `gorm:"column:id;primaryKey"`
	FSPCode             string          `gorm:"column:fsp_code;size:50;not null;uniqueIndex"`
	FSPName             string          `gorm:"column:fsp_name;size:255;not null"`
	AdapterType         AdapterType     `gorm:"column:adapter_type;size:20;not null"`
	PaymentMethods      string          `gorm:"column:payment_methods;not null"`
	APIBaseURL          string          `gorm:"column:api_base_url"`
	WebhookURL          string          `gorm:"column:webhook_url"`
	APIKey              string          `gorm:"column:api_key"`
	APISecret           string          `gorm:"column:api_secret"`
	IsActive            bool            `gorm:"column:is_active;not null;default:true"`
	IsSandbox           bool            `gorm:"column:is_sandbox;not null;default:false"`
	MinAmount           decimal.Decimal `gorm:"column:min_amount;type:decimal(15,2)"`
	MaxAmount           decimal.Decimal `gorm:"column:max_amount;type:decimal(15,2)"`
	DailyLimit          decimal.Decimal `gorm:"column:daily_limit;type:decimal(15,2)"`
	MonthlyLimit        decimal.Decimal `gorm:"column:monthly_limit;type:decimal(15,2)"`
	TransactionFee      decimal.Decimal `gorm:"column:transaction_fee;type:decimal(15,2);not null;default:0"`
	FeeType             FeeType         `gorm:"column:fee_type;size:20;not null;default:FIXED"`
	TimeoutSeconds      int             `gorm:"column:timeout_seconds;not null;default:30"`
	RetryAttempts       int             `gorm:"column:retry_attempts;not null;default:3"`
	RetryDelaySeconds   int             `gorm:"column:retry_delay_seconds;not null;default:5"`
	ConcurrencyLimit    int             `gorm:"column:concurrency_limit;not null;default:5"`
	RequestsPerSecond   float64         `gorm:"column:requests_per_second;not null;default:0"`
	SupportedCurrencies string          `gorm:"column:supported_currencies;not null;default:PHP"`
	ConfigurationJSON   datatypes.JSON  `gorm:"column:configuration_json"`
	HealthStatus        HealthStatus    `gorm:"column:health_status;size:20;not null;default:UNKNOWN"`
	LastHealthCheck     *time.Time      `gorm:"column:last_health_check"`
	LastHealthyAt       *time.Time      `gorm:"column:last_healthy_at"`
	CreatedBy           string          `gorm:"column:created_by;size:100"`
	UpdatedBy           string          `gorm:"column:updated_by;size:100"`
	Version             int64           `gorm:"column:version;not null;default:0"`
	CreatedAt           time.Time       `gorm:"column:created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at"`
}

func (Configuration) TableName() string {
	return "fsp_configurations"
}

func (c *Configuration) Methods() []string {
	return splitList(c.PaymentMethods)
}

func (c *Configuration) Currencies() []string {
	return splitList(c.SupportedCurrencies)
}

func (c *Configuration) SupportsMethod(method string) bool {
	for _, m := range c.Methods() {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// SupportsAmount treats a zero bound as unset.
func (c *Configuration) SupportsAmount(amount decimal.Decimal) bool {
	if !c.MinAmount.IsZero() && amount.LessThan(c.MinAmount) {
		return false
	}
	if !c.MaxAmount.IsZero() && amount.GreaterThan(c.MaxAmount) {
		return false
	}
	return true
}

func (c *Configuration) SupportsCurrency(currency string) bool {
	for _, cur := range c.Currencies() {
		if strings.EqualFold(cur, currency) {
			return true
		}
	}
	return false
}

// CalculateFee returns the fee charged for amount, rounded to centavos.
func (c *Configuration) CalculateFee(amount decimal.Decimal) decimal.Decimal {
	if c.FeeType == FeeTypePercentage {
		return amount.Mul(c.TransactionFee).Div(decimal.NewFromInt(100)).Round(2)
	}
	return c.TransactionFee
}

func (c *Configuration) IsOperational() bool {
	return c.IsActive && c.HealthStatus != HealthUnhealthy
}

func (c *Configuration) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Configuration) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
