package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values come from env (or an env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Twilio   TwilioConfig
	HubSpot  HubSpotConfig
	Upstream UpstreamConfig
}

type AppConfig struct {
	Env  string
	Port int

	// BaseURL is the public origin Twilio reaches us on. Webhook callback URLs
	// and signature validation are derived from it.
	BaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. With no host the consent throttle falls back to
// an in-process lock, which is only correct for a single replica.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID         string
	AuthToken          string
	APIBaseURL         string
	ConsentTemplateSID string
	ValidateSignature  bool
}

type HubSpotConfig struct {
	ClientID     string
	ClientSecret string
	AppID        string
	APIBaseURL   string

	// RedirectURI is the OAuth redirect registered with the app. Defaults to
	// BASE_URL + /hubspot/install.
	RedirectURI string

	// PhoneProperties are the contact properties matched against a caller number.
	PhoneProperties []string
}

// UpstreamConfig tunes the breaker and retry policy shared by vendor clients.
type UpstreamConfig struct {
	Timeout         time.Duration
	RetryAttempts   int
	BreakerFailures int
	BreakerInterval time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	appPort, appPortErr := mustInt("APP_PORT")
	c.App.Port, parseErrs = appendParseErr(parseErrs, appPort, appPortErr)
	c.App.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	dbPort, dbPortErr := mustInt("DB_PORT")
	c.DB.Port, parseErrs = appendParseErr(parseErrs, dbPort, dbPortErr)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	redisPort, redisPortErr := optionalInt("REDIS_PORT")
	c.Redis.Port, parseErrs = appendParseErr(parseErrs, redisPort, redisPortErr)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	c.Twilio.ConsentTemplateSID = strings.TrimSpace(os.Getenv("TWILIO_CONSENT_TEMPLATE_SID"))
	c.Twilio.ValidateSignature = boolOr("TWILIO_VALIDATE_SIGNATURE", true)

	c.HubSpot.ClientID = strings.TrimSpace(os.Getenv("HUBSPOT_CLIENT_ID"))
	c.HubSpot.ClientSecret = os.Getenv("HUBSPOT_CLIENT_SECRET")
	c.HubSpot.AppID = strings.TrimSpace(os.Getenv("HUBSPOT_APP_ID"))
	c.HubSpot.APIBaseURL = strings.TrimSpace(os.Getenv("HUBSPOT_API_BASE_URL"))
	c.HubSpot.RedirectURI = strings.TrimSpace(os.Getenv("HUBSPOT_REDIRECT_URI"))
	c.HubSpot.PhoneProperties = splitList(os.Getenv("HUBSPOT_PHONE_PROPERTIES"))

	c.Upstream.Timeout = mustDuration("UPSTREAM_TIMEOUT")
	retryAttempts, retryAttemptsErr := optionalInt("UPSTREAM_RETRY_ATTEMPTS")
	c.Upstream.RetryAttempts, parseErrs = appendParseErr(parseErrs, retryAttempts, retryAttemptsErr)
	breakerFailures, breakerFailuresErr := optionalInt("UPSTREAM_BREAKER_FAILURES")
	c.Upstream.BreakerFailures, parseErrs = appendParseErr(parseErrs, breakerFailures, breakerFailuresErr)
	c.Upstream.BreakerInterval = mustDuration("UPSTREAM_BREAKER_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults for optional values.
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
	if c.App.BaseURL == "" {
		errs = append(errs, errors.New("BASE_URL is required"))
	} else if u, err := url.Parse(c.App.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.App.BaseURL))
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
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
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

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.ConsentTemplateSID == "" {
		errs = append(errs, errors.New("TWILIO_CONSENT_TEMPLATE_SID is required"))
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = "https://api.twilio.com"
	}
	if c.IsProduction() && !c.Twilio.ValidateSignature {
		errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURE cannot be disabled in production"))
	}

	if c.HubSpot.ClientID == "" {
		errs = append(errs, errors.New("HUBSPOT_CLIENT_ID is required"))
	}
	if c.HubSpot.ClientSecret == "" {
		errs = append(errs, errors.New("HUBSPOT_CLIENT_SECRET is required"))
	}
	if c.HubSpot.APIBaseURL == "" {
		c.HubSpot.APIBaseURL = "https://api.hubapi.com"
	}
	if len(c.HubSpot.PhoneProperties) == 0 {
		c.HubSpot.PhoneProperties = []string{"phone", "mobilephone"}
	}
	if c.HubSpot.RedirectURI == "" && c.App.BaseURL != "" {
		c.HubSpot.RedirectURI = c.WebhookURL("/hubspot/install")
	}

	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 10 * time.Second
	}
	if c.Upstream.RetryAttempts <= 0 {
		c.Upstream.RetryAttempts = 3
	}
	if c.Upstream.BreakerFailures <= 0 {
		c.Upstream.BreakerFailures = 5
	}
	if c.Upstream.BreakerInterval <= 0 {
		c.Upstream.BreakerInterval = 30 * time.Second
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

// MigrateURL is the golang-migrate pgx/v5 URL for the same database.
func (c Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: url.Values{"sslmode": []string{c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// WebhookURL joins BaseURL with a webhook path.
func (c Config) WebhookURL(path string) string {
	return c.App.BaseURL + "/" + strings.TrimLeft(path, "/")
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

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
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

func boolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
