package config

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// FiscalConfig carries tenant-independent fiscal policy defaults.
type FiscalConfig struct {
	DefaultVATRate         string `mapstructure:"defaultVatRate"`
	InvoiceNumberFormat    string `mapstructure:"invoiceNumberFormat"`
	CreditNoteNumberFormat string `mapstructure:"creditNoteNumberFormat"`
	PaymentTermDays        int    `mapstructure:"paymentTermDays"`
}

func DefaultFiscalConfig() FiscalConfig {
	return FiscalConfig{
		// Malta standard VAT rate.
		DefaultVATRate:         "18.00",
		InvoiceNumberFormat:    "INV-{SEQ6}",
		CreditNoteNumberFormat: "CN-{SEQ6}",
		PaymentTermDays:        30,
	}
}

// VATRate parses the configured default VAT rate.
func (c FiscalConfig) VATRate() decimal.Decimal {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.DefaultVATRate))
	if err != nil {
		return decimal.RequireFromString("18.00")
	}
	return rate
}

// FiscalConfigHolder exposes a hot-reloadable FiscalConfig.
type FiscalConfigHolder struct {
	current atomic.Value // holds FiscalConfig
}

func NewFiscalConfigHolder() (*FiscalConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("fiskal")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/fiskal/config") // Volume-mounted config
	v.AddConfigPath("/etc/fiskal")            // System config
	v.AddConfigPath(".")                      // Current directory (dev mode)

	v.SetEnvPrefix("FISKAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultFiscalConfig()
		v.SetDefault("fiscal.defaultVatRate", defaults.DefaultVATRate)
		v.SetDefault("fiscal.invoiceNumberFormat", defaults.InvoiceNumberFormat)
		v.SetDefault("fiscal.creditNoteNumberFormat", defaults.CreditNoteNumberFormat)
		v.SetDefault("fiscal.paymentTermDays", defaults.PaymentTermDays)
	}

	holder := &FiscalConfigHolder{}
	if err := holder.reload(v); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := holder.reload(v); err != nil {
			log.Printf("fiscal config reload failed (%s): %v", e.Name, err)
		}
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticFiscalConfigHolder wraps a fixed configuration without file
// watching. Used by embedded callers and tests.
func NewStaticFiscalConfigHolder(cfg FiscalConfig) *FiscalConfigHolder {
	holder := &FiscalConfigHolder{}
	holder.current.Store(normalizeFiscalConfig(cfg))
	return holder
}

// Current returns the active fiscal configuration.
func (h *FiscalConfigHolder) Current() FiscalConfig {
	if value, ok := h.current.Load().(FiscalConfig); ok {
		return value
	}
	return DefaultFiscalConfig()
}

func (h *FiscalConfigHolder) reload(v *viper.Viper) error {
	var cfg FiscalConfig
	if err := v.UnmarshalKey("fiscal", &cfg); err != nil {
		return err
	}
	cfg = normalizeFiscalConfig(cfg)
	h.current.Store(cfg)
	return nil
}

func normalizeFiscalConfig(cfg FiscalConfig) FiscalConfig {
	defaults := DefaultFiscalConfig()
	if strings.TrimSpace(cfg.DefaultVATRate) == "" {
		cfg.DefaultVATRate = defaults.DefaultVATRate
	}
	if strings.TrimSpace(cfg.InvoiceNumberFormat) == "" {
		cfg.InvoiceNumberFormat = defaults.InvoiceNumberFormat
	}
	if strings.TrimSpace(cfg.CreditNoteNumberFormat) == "" {
		cfg.CreditNoteNumberFormat = defaults.CreditNoteNumberFormat
	}
	if cfg.PaymentTermDays <= 0 {
		cfg.PaymentTermDays = defaults.PaymentTermDays
	}
	return cfg
}
