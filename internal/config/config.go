package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values must come from env (or a local .env file for development).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Twilio   TwilioConfig
	Calls    CallsConfig
	Watchdog WatchdogConfig
	Health   HealthConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// WebhookSecret is the shared secret expected from providers that do not
	// sign requests with the Twilio scheme (SignalWire/Telnyx style header).
	WebhookSecret string

	// StatusCallbackURL is handed to the provider when placing calls so that
	// leg status events come back to this process.
	StatusCallbackURL string

	// AnswerURL serves the bridge TwiML when the agent leg is answered.
	AnswerURL string

	// PublicBaseURL is the externally visible scheme+host webhook signatures
	// were computed against. Needed behind a proxy; empty means use r.Host.
	PublicBaseURL string
}

// CallsConfig bounds per-workspace call volume.
type CallsConfig struct {
	MaxConcurrentPerWorkspace int

	// ConcurrencyCapTTL guards against leaked cap slots on process crash. It
	// must comfortably exceed the longest expected call.
	ConcurrencyCapTTL time.Duration
}

// WatchdogConfig tunes the client call session watchdog and the orphan sweep.
// Zero values fall back to defaults in Validate().
type WatchdogConfig struct {
	InitiatedTimeout time.Duration
	RingingTimeout   time.Duration
	PollInterval     time.Duration
	DisplayGrace     time.Duration
	SweepInterval    time.Duration
}

// HealthConfig tunes the advisory call health scan.
type HealthConfig struct {
	Lookback         time.Duration
	TimeoutThreshold int
	NoWebhookAfter   time.Duration
	StaleAfter       time.Duration
}

func Load() (Config, error) {
	// A missing .env file is fine; containers inject real env vars.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.WebhookSecret = os.Getenv("PROVIDER_WEBHOOK_SECRET")
	c.Twilio.StatusCallbackURL = strings.TrimSpace(os.Getenv("STATUS_CALLBACK_URL"))
	c.Twilio.AnswerURL = strings.TrimSpace(os.Getenv("ANSWER_URL"))
	c.Twilio.PublicBaseURL = strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))

	{
		v := strings.TrimSpace(os.Getenv("CALLS_MAX_CONCURRENT_PER_WORKSPACE"))
		if v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("CALLS_MAX_CONCURRENT_PER_WORKSPACE must be an integer, got %q", v))
			}
			c.Calls.MaxConcurrentPerWorkspace = n
		}
	}
	c.Calls.ConcurrencyCapTTL = mustDuration("CALLS_CONCURRENCY_CAP_TTL")

	c.Watchdog.InitiatedTimeout = mustDuration("WATCHDOG_INITIATED_TIMEOUT")
	c.Watchdog.RingingTimeout = mustDuration("WATCHDOG_RINGING_TIMEOUT")
	c.Watchdog.PollInterval = mustDuration("WATCHDOG_POLL_INTERVAL")
	c.Watchdog.DisplayGrace = mustDuration("WATCHDOG_DISPLAY_GRACE")
	c.Watchdog.SweepInterval = mustDuration("WATCHDOG_SWEEP_INTERVAL")

	c.Health.Lookback = mustDuration("HEALTH_LOOKBACK")
	{
		v := strings.TrimSpace(os.Getenv("HEALTH_TIMEOUT_THRESHOLD"))
		if v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("HEALTH_TIMEOUT_THRESHOLD must be an integer, got %q", v))
			}
			c.Health.TimeoutThreshold = n
		}
	}
	c.Health.NoWebhookAfter = mustDuration("HEALTH_NO_WEBHOOK_AFTER")
	c.Health.StaleAfter = mustDuration("HEALTH_STALE_AFTER")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Twilio.AuthToken == "" && c.Twilio.WebhookSecret == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN or PROVIDER_WEBHOOK_SECRET is required in production (webhook signature validation)"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Calls.MaxConcurrentPerWorkspace <= 0 {
		c.Calls.MaxConcurrentPerWorkspace = 10
	}
	if c.Calls.ConcurrencyCapTTL <= 0 {
		c.Calls.ConcurrencyCapTTL = 4 * time.Hour
	}

	if c.Watchdog.InitiatedTimeout <= 0 {
		c.Watchdog.InitiatedTimeout = 30 * time.Second
	}
	if c.Watchdog.RingingTimeout <= 0 {
		c.Watchdog.RingingTimeout = 45 * time.Second
	}
	if c.Watchdog.PollInterval <= 0 {
		c.Watchdog.PollInterval = 2 * time.Second
	}
	if c.Watchdog.DisplayGrace <= 0 {
		c.Watchdog.DisplayGrace = 5 * time.Second
	}
	if c.Watchdog.SweepInterval <= 0 {
		c.Watchdog.SweepInterval = 60 * time.Second
	}
	if c.Watchdog.PollInterval >= c.Watchdog.InitiatedTimeout {
		errs = append(errs, errors.New("WATCHDOG_POLL_INTERVAL must be shorter than WATCHDOG_INITIATED_TIMEOUT"))
	}

	if c.Health.Lookback <= 0 {
		c.Health.Lookback = 10 * time.Minute
	}
	if c.Health.TimeoutThreshold <= 0 {
		c.Health.TimeoutThreshold = 3
	}
	if c.Health.NoWebhookAfter <= 0 {
		c.Health.NoWebhookAfter = 30 * time.Second
	}
	if c.Health.StaleAfter <= 0 {
		c.Health.StaleAfter = 2 * time.Minute
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
