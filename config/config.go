package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"payrollbridge/ledger"
	"payrollbridge/money"
	"payrollbridge/payee"
	"payrollbridge/payroll"
	"payrollbridge/period"
	"payrollbridge/rates"
)

// Config is the resolved runtime configuration shared by the API server and
// payrollctl. It is built once at start-up and passed into constructors.
type Config struct {
	HTTPAddr string

	DatabaseURL string
	MaxDBConns  int32
	RedisURL    string
	RateCache   time.Duration

	HarvestBaseURL   string
	HarvestAccountID string
	HarvestToken     string
	HarvestUserAgent string

	DeelBaseURL           string
	DeelToken             string
	DeelRequestsPerSecond float64

	PayoutCurrency string
	SemiMonthly    bool

	Concurrency   int
	FetchTimeout  time.Duration
	RateTimeout   time.Duration
	PayeeTimeout  time.Duration
	SubmitTimeout time.Duration
	RetryBackoff  time.Duration
	RetryBudget   int
	PendingLease  time.Duration
	Description   string

	JWTSecret string
	TokenTTL  time.Duration

	SlackWebhookURL string

	// Name-match thresholds for payee sync.
	MatchAutoAccept float64
	MatchReview     float64

	RateOverrides  []rates.RateProfile
	PayeeOverrides map[string]string
}

// configFile mirrors the YAML schema. Durations are Go duration strings.
type configFile struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Dependencies struct {
		PostgresURL string `yaml:"postgres_url"`
		MaxDBConns  int32  `yaml:"max_db_conns"`
		RedisURL    string `yaml:"redis_url"`
		RateCache   string `yaml:"rate_cache_ttl"`
	} `yaml:"dependencies"`
	Harvest struct {
		BaseURL   string `yaml:"base_url"`
		AccountID string `yaml:"account_id"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"harvest"`
	Deel struct {
		BaseURL           string  `yaml:"base_url"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"deel"`
	Payroll struct {
		PayoutCurrency string `yaml:"payout_currency"`
		SemiMonthly    *bool  `yaml:"semi_monthly"`
		Concurrency    int    `yaml:"concurrency"`
		FetchTimeout   string `yaml:"fetch_timeout"`
		RateTimeout    string `yaml:"rate_timeout"`
		PayeeTimeout   string `yaml:"payee_timeout"`
		SubmitTimeout  string `yaml:"submit_timeout"`
		RetryBackoff   string `yaml:"retry_backoff"`
		RetryBudget    int    `yaml:"retry_budget"`
		PendingLease   string `yaml:"pending_lease"`
		Description    string `yaml:"description"`
	} `yaml:"payroll"`
	Auth struct {
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"auth"`
	Slack struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"slack"`
	PayeeSync struct {
		AutoAccept float64 `yaml:"auto_accept"`
		Review     float64 `yaml:"review"`
	} `yaml:"payee_sync"`
	RateOverrides []struct {
		WorkerID       string `yaml:"worker_id"`
		Classification string `yaml:"classification"`
		Rate           string `yaml:"rate"`
		Currency       string `yaml:"currency"`
	} `yaml:"rate_overrides"`
	PayeeOverrides map[string]string `yaml:"payee_overrides"`
}

// Default returns the configuration used when no file or environment is given.
func Default() Config {
	return Config{
		HTTPAddr:              ":8080",
		MaxDBConns:            10,
		RateCache:             time.Hour,
		HarvestBaseURL:        "https://api.harvestapp.com",
		HarvestUserAgent:      "payrollbridge",
		DeelRequestsPerSecond: 5,
		PayoutCurrency:        "USD",
		Concurrency:           payroll.DefaultConcurrency,
		FetchTimeout:          30 * time.Second,
		RateTimeout:           10 * time.Second,
		PayeeTimeout:          payroll.DefaultPayeeTimeout,
		SubmitTimeout:         payroll.DefaultSubmitTimeout,
		RetryBackoff:          payroll.DefaultRetryBackoff,
		RetryBudget:           ledger.DefaultRetryBudget,
		PendingLease:          ledger.DefaultPendingLease,
		Description:           "Payroll",
		TokenTTL:              24 * time.Hour,
		MatchAutoAccept:       payee.DefaultAutoAccept,
		MatchReview:           payee.DefaultReview,
		PayeeOverrides:        map[string]string{},
	}
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error; an empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}

	setString(&c.HTTPAddr, f.HTTP.Addr)
	setString(&c.DatabaseURL, f.Dependencies.PostgresURL)
	if f.Dependencies.MaxDBConns > 0 {
		c.MaxDBConns = f.Dependencies.MaxDBConns
	}
	setString(&c.RedisURL, f.Dependencies.RedisURL)
	setString(&c.HarvestBaseURL, f.Harvest.BaseURL)
	setString(&c.HarvestAccountID, f.Harvest.AccountID)
	setString(&c.HarvestUserAgent, f.Harvest.UserAgent)
	setString(&c.DeelBaseURL, f.Deel.BaseURL)
	if f.Deel.RequestsPerSecond > 0 {
		c.DeelRequestsPerSecond = f.Deel.RequestsPerSecond
	}
	setString(&c.PayoutCurrency, f.Payroll.PayoutCurrency)
	if f.Payroll.SemiMonthly != nil {
		c.SemiMonthly = *f.Payroll.SemiMonthly
	}
	if f.Payroll.Concurrency > 0 {
		c.Concurrency = f.Payroll.Concurrency
	}
	if f.Payroll.RetryBudget > 0 {
		c.RetryBudget = f.Payroll.RetryBudget
	}
	setString(&c.Description, f.Payroll.Description)
	setString(&c.SlackWebhookURL, f.Slack.WebhookURL)
	if v := f.PayeeSync.AutoAccept; v != 0 {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: payee_sync.auto_accept must be in (0, 1], got %v", v)
		}
		c.MatchAutoAccept = v
	}
	if v := f.PayeeSync.Review; v != 0 {
		if v < 0 || v > c.MatchAutoAccept {
			return fmt.Errorf("config: payee_sync.review must be in (0, auto_accept], got %v", v)
		}
		c.MatchReview = v
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"dependencies.rate_cache_ttl", f.Dependencies.RateCache, &c.RateCache},
		{"payroll.fetch_timeout", f.Payroll.FetchTimeout, &c.FetchTimeout},
		{"payroll.rate_timeout", f.Payroll.RateTimeout, &c.RateTimeout},
		{"payroll.payee_timeout", f.Payroll.PayeeTimeout, &c.PayeeTimeout},
		{"payroll.submit_timeout", f.Payroll.SubmitTimeout, &c.SubmitTimeout},
		{"payroll.retry_backoff", f.Payroll.RetryBackoff, &c.RetryBackoff},
		{"payroll.pending_lease", f.Payroll.PendingLease, &c.PendingLease},
		{"auth.token_ttl", f.Auth.TokenTTL, &c.TokenTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
		*d.dst = v
	}

	for _, r := range f.RateOverrides {
		p, err := rates.ParseProfile(r.WorkerID, r.Classification, r.Rate, r.Currency)
		if err != nil {
			return fmt.Errorf("config: rate_overrides: %w", err)
		}
		c.RateOverrides = append(c.RateOverrides, p)
	}
	for worker, payee := range f.PayeeOverrides {
		c.PayeeOverrides[strings.TrimSpace(worker)] = strings.TrimSpace(payee)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, os.Getenv("HTTP_ADDR"))
	setString(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&c.RedisURL, os.Getenv("REDIS_URL"))
	setString(&c.HarvestBaseURL, os.Getenv("HARVEST_BASE_URL"))
	setString(&c.HarvestAccountID, os.Getenv("HARVEST_ACCOUNT_ID"))
	setString(&c.HarvestToken, os.Getenv("HARVEST_API_KEY"))
	setString(&c.DeelBaseURL, os.Getenv("DEEL_BASE_URL"))
	setString(&c.DeelToken, os.Getenv("DEEL_API_KEY"))
	setString(&c.PayoutCurrency, os.Getenv("PAYROLL_CURRENCY"))
	setString(&c.JWTSecret, os.Getenv("PAYROLL_JWT_SECRET"))
	setString(&c.SlackWebhookURL, os.Getenv("SLACK_WEBHOOK_URL"))

	if v := os.Getenv("PAYROLL_SEMI_MONTHLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: PAYROLL_SEMI_MONTHLY: %w", err)
		}
		c.SemiMonthly = b
	}
	if v := os.Getenv("PAYROLL_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PAYROLL_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Validate reports every missing or malformed setting the API server needs.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	if c.HarvestToken == "" || c.HarvestAccountID == "" {
		errs = append(errs, errors.New("config: HARVEST_API_KEY and HARVEST_ACCOUNT_ID are required"))
	}
	if c.DeelToken == "" {
		errs = append(errs, errors.New("config: DEEL_API_KEY is required"))
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("config: PAYROLL_JWT_SECRET must be at least 32 bytes"))
	}
	if _, err := money.NormalizeCurrency(c.PayoutCurrency); err != nil {
		errs = append(errs, fmt.Errorf("config: payout currency: %w", err))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("config: concurrency must be positive"))
	}
	if c.RetryBudget <= 0 {
		errs = append(errs, errors.New("config: retry budget must be positive"))
	}
	return errors.Join(errs...)
}

// DefaultPeriod is the billing period a run covers when none is requested.
func (c Config) DefaultPeriod(now time.Time) period.Period {
	if c.SemiMonthly {
		return period.PreviousSemiMonth(now)
	}
	return period.PreviousMonth(now)
}

func (c Config) LedgerPolicy() ledger.Policy {
	return ledger.Policy{RetryBudget: c.RetryBudget, PendingLease: c.PendingLease}
}

func (c Config) Orchestrator() payroll.Config {
	return payroll.Config{
		Concurrency:   c.Concurrency,
		SubmitTimeout: c.SubmitTimeout,
		PayeeTimeout:  c.PayeeTimeout,
		RetryBackoff:  c.RetryBackoff,
		Description:   c.Description,
	}
}
