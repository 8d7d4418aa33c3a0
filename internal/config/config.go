package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (API keys, tokens) may be supplied via environment variables
// instead of the file; env values win over file values.
type Config struct {
	Log      LogConfig      `json:"log"`
	HTTP     HTTPConfig     `json:"http"`
	Webhook  WebhookConfig  `json:"webhook"`
	Airtable AirtableConfig `json:"airtable"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Gateway  GatewayConfig  `json:"gateway"`
	Monitor  MonitorConfig  `json:"monitor"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`

	// WatchConfig enables hot-reload of dynamic settings (log level,
	// dispatch rate, message template) when the config file changes.
	WatchConfig bool `json:"watch_config,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty"` // trace|debug|info|warn|error
	// Format is "console" (default when attached to a TTY) or "json".
	Format string `json:"format,omitempty"`
}

type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"` // default ":8080"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type WebhookConfig struct {
	// VerifyToken is compared against hub.verify_token on the
	// verification handshake. Env: NOTIFYD_VERIFY_TOKEN.
	VerifyToken  string `json:"verify_token,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"` // default 1 MiB
	DedupTTL     string `json:"dedup_ttl,omitempty"`      // default "24h"
}

type AirtableConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default https://api.airtable.com/v0
	// APIKey env override: NOTIFYD_AIRTABLE_API_KEY.
	APIKey string `json:"api_key,omitempty"`
	BaseID string `json:"base_id"`
	Table  string `json:"table"`

	StatusField    string `json:"status_field,omitempty"`    // default "Status"
	RecipientField string `json:"recipient_field,omitempty"` // default "Assignee Phone"
	NameField      string `json:"name_field,omitempty"`      // default "Name"

	// NeedsAttention lists the lifecycle statuses that trigger a
	// notification.
	NeedsAttention []string `json:"needs_attention"`

	// FingerprintFields are folded into the status fingerprint in
	// addition to the status itself; a change in any of them makes a
	// record eligible again.
	FingerprintFields []string `json:"fingerprint_fields,omitempty"`

	LastNotifiedField   string `json:"last_notified_field,omitempty"`    // default "Last Notified Fingerprint"
	LastNotifiedAtField string `json:"last_notified_at_field,omitempty"` // default "Last Notified At"
}

type WhatsAppConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default https://graph.facebook.com/v19.0
	// Token env override: NOTIFYD_WHATSAPP_TOKEN.
	Token         string `json:"token,omitempty"`
	PhoneNumberID string `json:"phone_number_id"`
}

// GatewayConfig controls the remote call gateway shared by both
// adapters: per-call timeout, retry budget and the per-adapter
// circuit breaker.
type GatewayConfig struct {
	Timeout       string  `json:"timeout,omitempty"`   // default "15s"
	RetryMax      int     `json:"retry_max,omitempty"` // default 3
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"` // 0.2 = 20%

	Breaker BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig tunes the consecutive-failure circuit breaker.
// TripFailures < 0 disables it; 0 applies the default.
type BreakerConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type MonitorConfig struct {
	// Schedule is a cron spec or "@every 90s". Empty disables the
	// internal trigger (scans then only run via POST /scan).
	Schedule   string `json:"schedule,omitempty"`
	ScanBudget string `json:"scan_budget,omitempty"` // default "2m"
}

type DispatchConfig struct {
	Workers    int `json:"workers,omitempty"`      // default 4
	QueueSize  int `json:"queue_size,omitempty"`   // default 256
	AttemptMax int `json:"attempt_max,omitempty"`  // default 3; terminal failed beyond this
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 10

	// Template renders the outbound message. Fields: {{.Name}},
	// {{.Status}}, {{.RecordID}}.
	Template string `json:"template,omitempty"`
}

type StorageConfig struct {
	// Driver is "sqlite" (default, alias "sqlite3") or "memory".
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// Retention keeps terminal tasks around for operator inspection
	// before the maintenance pass purges them. Default "72h".
	Retention string `json:"retention,omitempty"`

	Dedup DedupConfig `json:"dedup,omitempty"`
}

// DedupConfig selects where the dedup ledger lives. "store" (default)
// keeps it next to the tasks; "redis" uses a shared Redis so several
// replicas can share one ledger.
type DedupConfig struct {
	Driver   string `json:"driver,omitempty"`
	Addr     string `json:"addr,omitempty"` // redis only; env: NOTIFYD_REDIS_ADDR
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Load reads, strictly decodes and validates the config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config bytes. YAML is coerced to JSON first so a
// single strict decoder (DisallowUnknownFields) covers both formats.
func Parse(path string, data []byte) (*Config, error) {
	jb, err := configJSON(path, data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NOTIFYD_AIRTABLE_API_KEY"); v != "" {
		c.Airtable.APIKey = v
	}
	if v := os.Getenv("NOTIFYD_WHATSAPP_TOKEN"); v != "" {
		c.WhatsApp.Token = v
	}
	if v := os.Getenv("NOTIFYD_VERIFY_TOKEN"); v != "" {
		c.Webhook.VerifyToken = v
	}
	if v := os.Getenv("NOTIFYD_REDIS_ADDR"); v != "" {
		c.Storage.Dedup.Addr = v
	}
}

// Validate checks required fields and duration syntax up front so a
// bad config fails at startup, not mid-scan.
func (c *Config) Validate() error {
	var errs []error
	req := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
		}
	}
	req("airtable.api_key", c.Airtable.APIKey)
	req("airtable.base_id", c.Airtable.BaseID)
	req("airtable.table", c.Airtable.Table)
	req("whatsapp.token", c.WhatsApp.Token)
	req("whatsapp.phone_number_id", c.WhatsApp.PhoneNumberID)
	req("webhook.verify_token", c.Webhook.VerifyToken)
	if len(c.Airtable.NeedsAttention) == 0 {
		errs = append(errs, errors.New("airtable.needs_attention must list at least one status"))
	}

	for _, d := range []struct{ path, raw string }{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout},
		{"webhook.dedup_ttl", c.Webhook.DedupTTL},
		{"gateway.timeout", c.Gateway.Timeout},
		{"gateway.retry_base", c.Gateway.RetryBase},
		{"gateway.retry_max_delay", c.Gateway.RetryMaxDelay},
		{"gateway.breaker.base_delay", c.Gateway.Breaker.BaseDelay},
		{"gateway.breaker.max_delay", c.Gateway.Breaker.MaxDelay},
		{"gateway.breaker.reset_after", c.Gateway.Breaker.ResetAfter},
		{"monitor.scan_budget", c.Monitor.ScanBudget},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.retention", c.Storage.Retention},
	} {
		if _, err := durationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Dedup.Driver)) {
	case "", "store":
	case "redis":
		if strings.TrimSpace(c.Storage.Dedup.Addr) == "" {
			errs = append(errs, errors.New("storage.dedup.addr is required for the redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.dedup.driver: unknown driver %q", c.Storage.Dedup.Driver))
	}

	return errors.Join(errs...)
}

// Duration parses a pre-validated duration field, substituting def
// when the field is empty.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := durationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
