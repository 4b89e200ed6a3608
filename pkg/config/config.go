package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix scopes every variable read by envconfig.
	EnvPrefix = "KOBOPAY"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "KOBOPAY_DB_DSN"
	EnvDBHost = "KOBOPAY_DB_HOST"
	EnvDBUser = "KOBOPAY_DB_USER"
	EnvDBName = "KOBOPAY_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Gift         GiftConfig
	RateLimit    RateLimitConfig
	Referral     ReferralConfig
	Reaper       ReaperConfig
	Paystack     PaystackConfig
	VTU          VTUConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"KOBOPAY_APP_ENV" required:"true"`
	Port         string `envconfig:"KOBOPAY_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"KOBOPAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"KOBOPAY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"KOBOPAY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"KOBOPAY_DB_DSN"`
	Driver string `envconfig:"KOBOPAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KOBOPAY_DB_HOST"`
	LegacyPort     int    `envconfig:"KOBOPAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KOBOPAY_DB_USER"`
	LegacyPassword string `envconfig:"KOBOPAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"KOBOPAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"KOBOPAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KOBOPAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KOBOPAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KOBOPAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KOBOPAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"KOBOPAY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"KOBOPAY_REDIS_ADDR"`
	Password     string        `envconfig:"KOBOPAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"KOBOPAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KOBOPAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KOBOPAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KOBOPAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KOBOPAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KOBOPAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"KOBOPAY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"KOBOPAY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"KOBOPAY_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"KOBOPAY_AUTO_MIGRATE" default:"false"`
}

// GiftConfig bounds gift room creation and reservation lifetimes.
type GiftConfig struct {
	DefaultRoomTTL   time.Duration `envconfig:"KOBOPAY_GIFT_DEFAULT_ROOM_TTL" default:"24h"`
	MaxRoomTTL       time.Duration `envconfig:"KOBOPAY_GIFT_MAX_ROOM_TTL" default:"168h"`
	ReservationTTL   time.Duration `envconfig:"KOBOPAY_GIFT_RESERVATION_TTL" default:"30m"`
	MaxCapacity      int           `envconfig:"KOBOPAY_GIFT_MAX_CAPACITY" default:"100"`
	MinAmountPerSlot int64         `envconfig:"KOBOPAY_GIFT_MIN_AMOUNT_PER_SLOT_KOBO" default:"5000"`
	MaxMessageLength int           `envconfig:"KOBOPAY_GIFT_MAX_MESSAGE_LENGTH" default:"280"`
}

// RateLimitConfig throttles the unauthenticated invite-link surface.
type RateLimitConfig struct {
	ReserveWindow time.Duration `envconfig:"KOBOPAY_RATE_LIMIT_RESERVE_WINDOW" default:"1m"`
	ReservePerIP  int64         `envconfig:"KOBOPAY_RATE_LIMIT_RESERVE_PER_IP" default:"30"`
}

type ReferralConfig struct {
	BonusKobo int64 `envconfig:"KOBOPAY_REFERRAL_BONUS_KOBO" default:"20000"`
}

type ReaperConfig struct {
	Interval  time.Duration `envconfig:"KOBOPAY_REAPER_INTERVAL" default:"2m"`
	LockTTL   time.Duration `envconfig:"KOBOPAY_REAPER_LOCK_TTL" default:"5m"`
	BatchSize int           `envconfig:"KOBOPAY_REAPER_BATCH_SIZE" default:"200"`
}

type PaystackConfig struct {
	BaseURL       string        `envconfig:"KOBOPAY_PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
	SecretKey     string        `envconfig:"KOBOPAY_PAYSTACK_SECRET_KEY"`
	WebhookSecret string        `envconfig:"KOBOPAY_PAYSTACK_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"KOBOPAY_PAYSTACK_TIMEOUT" default:"15s"`
}

type VTUConfig struct {
	BaseURL string        `envconfig:"KOBOPAY_VTU_BASE_URL"`
	APIKey  string        `envconfig:"KOBOPAY_VTU_API_KEY"`
	Timeout time.Duration `envconfig:"KOBOPAY_VTU_TIMEOUT" default:"30s"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
