package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
	"venuewatch/internal/risk"
	"venuewatch/pkg/crypto"
	"venuewatch/pkg/ratelimit"
)

// EnvPrefix - префикс переменных окружения (VW_SERVER_PORT, VW_RISK_DAILY_LOSS_LIMIT)
const EnvPrefix = "VW"

// Config содержит всю конфигурацию приложения.
// Загружается один раз при старте и дальше не меняется.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Venues   []VenueConfig  `mapstructure:"venues"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	UseHTTPS        bool          `mapstructure:"use_https"`
	CertFile        string        `mapstructure:"cert_file"`
	KeyFile         string        `mapstructure:"key_file"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	WSOrigins       []string      `mapstructure:"ws_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey - ключ AES-256 для секретов площадок (hex, base64 или 32 байта)
	EncryptionKey string `mapstructure:"encryption_key"`
	// APITokenHashes - bcrypt-хеши операторских токенов; пусто - проверка токена выключена
	APITokenHashes []string `mapstructure:"api_token_hashes"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Output      string `mapstructure:"output"`
	Development bool   `mapstructure:"development"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// RateLimitConfig - бюджет запросов площадки
type RateLimitConfig struct {
	Policy   string        `mapstructure:"policy"`
	Window   time.Duration `mapstructure:"window"`
	Capacity int           `mapstructure:"capacity"`
	Burst    int           `mapstructure:"burst"`
}

// IsZero - бюджет не задан
func (r RateLimitConfig) IsZero() bool {
	return r == RateLimitConfig{}
}

// VenueConfig - одна площадка на одном рынке
type VenueConfig struct {
	Name           string          `mapstructure:"name"`
	Market         string          `mapstructure:"market"`
	BaseURL        string          `mapstructure:"base_url"`
	WSURL          string          `mapstructure:"ws_url"`
	APIKey         string          `mapstructure:"api_key"`
	APISecret      string          `mapstructure:"api_secret"`
	APISecretEnc   string          `mapstructure:"api_secret_enc"`
	AccountAddress string          `mapstructure:"account_address"`
	SignerURL      string          `mapstructure:"signer_url"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	MaxLeverage    int             `mapstructure:"max_leverage"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	DefaultSymbols []string        `mapstructure:"default_symbols"`
}

// Key - (площадка, рынок) записи
func (v VenueConfig) Key() models.VenueKey {
	return models.VenueKey{Venue: strings.ToLower(v.Name), Market: models.MarketType(strings.ToLower(v.Market))}
}

// StreamConfig - параметры потоковых соединений
type StreamConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	StableAfter      time.Duration `mapstructure:"stable_after"`
	MailboxSize      int           `mapstructure:"mailbox_size"`
}

// AlertsConfig - параметры движка алертов
type AlertsConfig struct {
	MaxPerOwner         int                      `mapstructure:"max_per_owner"`
	FundingPollInterval time.Duration            `mapstructure:"funding_poll_interval"`
	Cooldowns           map[string]time.Duration `mapstructure:"cooldowns"`
	EqualsTolerance     decimal.Decimal          `mapstructure:"equals_tolerance"`
	NotifyTimeout       time.Duration            `mapstructure:"notify_timeout"`
}

// RetryConfig - политика повторов
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// RiskConfig - параметры риск-гарда
type RiskConfig struct {
	Enabled            bool            `mapstructure:"enabled"`
	DailyLossLimit     decimal.Decimal `mapstructure:"daily_loss_limit"`
	MaxDrawdownPercent decimal.Decimal `mapstructure:"max_drawdown_percent"`
	DrawdownBasis      string          `mapstructure:"drawdown_basis"`
	FixedCapital       decimal.Decimal `mapstructure:"fixed_capital"`
	EquityPollInterval time.Duration   `mapstructure:"equity_poll_interval"`
	ResetTokenHash     string          `mapstructure:"reset_token_hash"`
	CancelRetry        RetryConfig     `mapstructure:"cancel_retry"`
	CancelTimeout      time.Duration   `mapstructure:"cancel_timeout"`
	QuoteAssets        []string        `mapstructure:"quote_assets"`
}

// NotifyConfig - каналы уведомлений
type NotifyConfig struct {
	NATS             NATSConfig    `mapstructure:"nats"`
	JournalEnabled   bool          `mapstructure:"journal_enabled"`
	JournalRetention time.Duration `mapstructure:"journal_retention"`
}

// NATSConfig - публикация уведомлений в NATS; пустой URL - выключено
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	ClientName    string        `mapstructure:"client_name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// ============================================================
// Загрузка
// ============================================================

// Load разбирает флаги командной строки (--config) и загружает конфигурацию.
// Приоритет: значения по умолчанию < файл < переменные окружения.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("venuewatch", pflag.ContinueOnError)
	file := fs.String("config", "", "path to config file (yaml or json)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *file == "" {
		*file = os.Getenv(EnvPrefix + "_CONFIG")
	}
	return LoadFile(*file)
}

// LoadFile загружает конфигурацию из файла path (может быть пустым) и окружения
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook(),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.use_https", false)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.ws_origins", []string{})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "venuewatch")
	v.SetDefault("database.user", "venuewatch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.api_token_hashes", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 0)

	v.SetDefault("stream.heartbeat_timeout", "30s")
	v.SetDefault("stream.ping_interval", "15s")
	v.SetDefault("stream.dial_timeout", "10s")
	v.SetDefault("stream.write_timeout", "5s")
	v.SetDefault("stream.initial_backoff", "1s")
	v.SetDefault("stream.max_backoff", "30s")
	v.SetDefault("stream.stable_after", "30s")
	v.SetDefault("stream.mailbox_size", 256)

	v.SetDefault("alerts.max_per_owner", 20)
	v.SetDefault("alerts.funding_poll_interval", "60s")
	v.SetDefault("alerts.cooldowns.price", "0s")
	v.SetDefault("alerts.cooldowns.indicator", "0s")
	v.SetDefault("alerts.cooldowns.position", "5m")
	v.SetDefault("alerts.cooldowns.funding", "1h")
	v.SetDefault("alerts.equals_tolerance", "0.0005")
	v.SetDefault("alerts.notify_timeout", "10s")

	v.SetDefault("risk.enabled", true)
	v.SetDefault("risk.daily_loss_limit", "0")
	v.SetDefault("risk.max_drawdown_percent", "0")
	v.SetDefault("risk.drawdown_basis", string(risk.BasisHighWaterMark))
	v.SetDefault("risk.fixed_capital", "0")
	v.SetDefault("risk.equity_poll_interval", "30s")
	v.SetDefault("risk.reset_token_hash", "")
	v.SetDefault("risk.cancel_retry.max_attempts", 8)
	v.SetDefault("risk.cancel_retry.initial_delay", "200ms")
	v.SetDefault("risk.cancel_retry.max_delay", "10s")
	v.SetDefault("risk.cancel_retry.multiplier", 2.0)
	v.SetDefault("risk.cancel_timeout", "2m")
	v.SetDefault("risk.quote_assets", risk.DefaultQuoteAssets)

	v.SetDefault("notify.nats.url", "")
	v.SetDefault("notify.nats.subject_prefix", "venuewatch.notifications")
	v.SetDefault("notify.nats.client_name", "venuewatch")
	v.SetDefault("notify.nats.reconnect_wait", "2s")
	v.SetDefault("notify.nats.max_reconnects", -1)
	v.SetDefault("notify.journal_enabled", true)
	v.SetDefault("notify.journal_retention", "720h")
}

// decimalHook декодирует decimal.Decimal из строки или числа.
// Строки предпочтительнее: числа из YAML проходят через float64.
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		}
		return data, nil
	}
}

func (c *Config) normalize() {
	for i := range c.Venues {
		v := &c.Venues[i]
		v.Name = strings.ToLower(strings.TrimSpace(v.Name))
		v.Market = strings.ToLower(strings.TrimSpace(v.Market))
		if v.Market == "" {
			v.Market = string(models.MarketFutures)
		}
		v.RateLimit.Policy = strings.ToLower(v.RateLimit.Policy)
		for j, s := range v.DefaultSymbols {
			v.DefaultSymbols[j] = strings.ToUpper(strings.TrimSpace(s))
		}
	}
	c.Risk.DrawdownBasis = strings.ToLower(c.Risk.DrawdownBasis)
	c.Security.APITokenHashes = compact(c.Security.APITokenHashes)
	c.Server.CORSOrigins = compact(c.Server.CORSOrigins)
	c.Server.WSOrigins = compact(c.Server.WSOrigins)
	if len(c.Server.WSOrigins) == 0 {
		c.Server.WSOrigins = c.Server.CORSOrigins
	}
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ============================================================
// Валидация
// ============================================================

// validateRanges проверяет числовые диапазоны и перечисления
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port must be between 1 and 65535, got %d", c.Database.Port)
	}
	if c.Server.UseHTTPS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return errors.New("server.cert_file and server.key_file are required when use_https is set")
	}

	if len(c.Venues) == 0 {
		return errors.New("at least one venue must be configured")
	}
	seen := make(map[models.VenueKey]bool, len(c.Venues))
	budgets := make(map[string]RateLimitConfig)
	for i, v := range c.Venues {
		if !exchange.IsSupported(v.Name) {
			return fmt.Errorf("venues[%d]: unsupported venue %q", i, v.Name)
		}
		if _, err := models.ParseMarketType(v.Market); err != nil {
			return fmt.Errorf("venues[%d]: %w", i, err)
		}
		key := v.Key()
		if seen[key] {
			return fmt.Errorf("venues[%d]: duplicate venue %s", i, key)
		}
		seen[key] = true

		if v.MaxLeverage < 0 {
			return fmt.Errorf("venues[%d]: max_leverage cannot be negative, got %d", i, v.MaxLeverage)
		}
		if v.RequestTimeout < 0 {
			return fmt.Errorf("venues[%d]: request_timeout cannot be negative", i)
		}
		if v.APISecret != "" && v.APISecretEnc != "" {
			return fmt.Errorf("venues[%d]: api_secret and api_secret_enc are mutually exclusive", i)
		}

		if v.RateLimit.IsZero() {
			continue
		}
		if err := v.RateLimit.validate(); err != nil {
			return fmt.Errorf("venues[%d].rate_limit: %w", i, err)
		}
		// бюджет общий для всех рынков площадки
		if prev, ok := budgets[v.Name]; ok && prev != v.RateLimit {
			return fmt.Errorf("venues[%d]: conflicting rate_limit for venue %s", i, v.Name)
		}
		budgets[v.Name] = v.RateLimit
	}

	if c.Stream.MailboxSize <= 0 {
		return fmt.Errorf("stream.mailbox_size must be positive, got %d", c.Stream.MailboxSize)
	}
	if c.Stream.HeartbeatTimeout <= 0 || c.Stream.PingInterval <= 0 {
		return errors.New("stream.heartbeat_timeout and stream.ping_interval must be positive")
	}
	if c.Stream.PingInterval >= c.Stream.HeartbeatTimeout {
		return fmt.Errorf("stream.ping_interval (%v) must be shorter than heartbeat_timeout (%v)",
			c.Stream.PingInterval, c.Stream.HeartbeatTimeout)
	}
	if c.Stream.InitialBackoff <= 0 || c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		return errors.New("stream backoff must satisfy 0 < initial_backoff <= max_backoff")
	}

	if c.Alerts.MaxPerOwner <= 0 {
		return fmt.Errorf("alerts.max_per_owner must be positive, got %d", c.Alerts.MaxPerOwner)
	}
	if c.Alerts.FundingPollInterval <= 0 {
		return errors.New("alerts.funding_poll_interval must be positive")
	}
	if c.Alerts.EqualsTolerance.IsNegative() {
		return errors.New("alerts.equals_tolerance cannot be negative")
	}
	for kind, d := range c.Alerts.Cooldowns {
		if !models.AlertKind(kind).Valid() {
			return fmt.Errorf("alerts.cooldowns: unknown alert kind %q", kind)
		}
		if d < 0 {
			return fmt.Errorf("alerts.cooldowns.%s cannot be negative", kind)
		}
	}

	if c.Risk.DailyLossLimit.IsNegative() {
		return errors.New("risk.daily_loss_limit cannot be negative")
	}
	if c.Risk.MaxDrawdownPercent.IsNegative() || c.Risk.MaxDrawdownPercent.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("risk.max_drawdown_percent must be within [0, 100]")
	}
	switch risk.Basis(c.Risk.DrawdownBasis) {
	case risk.BasisHighWaterMark:
	case risk.BasisFixedCapital:
		if !c.Risk.FixedCapital.IsPositive() {
			return errors.New("risk.fixed_capital must be positive for fixed_capital basis")
		}
	default:
		return fmt.Errorf("risk.drawdown_basis: unknown basis %q", c.Risk.DrawdownBasis)
	}
	if c.Risk.EquityPollInterval <= 0 {
		return errors.New("risk.equity_poll_interval must be positive")
	}
	if c.Risk.CancelRetry.MaxAttempts < 0 {
		return fmt.Errorf("risk.cancel_retry.max_attempts cannot be negative, got %d", c.Risk.CancelRetry.MaxAttempts)
	}

	if c.Notify.JournalRetention < 0 {
		return errors.New("notify.journal_retention cannot be negative")
	}
	return nil
}

func (r RateLimitConfig) validate() error {
	switch ratelimit.Policy(r.Policy) {
	case ratelimit.PolicyCount, ratelimit.PolicyWeight:
	default:
		return fmt.Errorf("unknown policy %q", r.Policy)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive, got %v", r.Window)
	}
	if r.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", r.Capacity)
	}
	if r.Burst < 0 {
		return fmt.Errorf("burst cannot be negative, got %d", r.Burst)
	}
	return nil
}

// resolveSecrets расшифровывает секреты площадок ключом security.encryption_key
func (c *Config) resolveSecrets() error {
	var key []byte
	if c.Security.EncryptionKey != "" {
		k, err := crypto.ParseKey(c.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("security.encryption_key: %w", err)
		}
		key = k
	}

	for i := range c.Venues {
		v := &c.Venues[i]
		if v.APISecretEnc != "" {
			sealed := v.APISecretEnc
			if !crypto.IsSealed(sealed) {
				sealed = crypto.SealedPrefix + sealed
			}
			v.APISecret = sealed
			v.APISecretEnc = ""
		}
		for _, field := range []*string{&v.APIKey, &v.APISecret} {
			plain, err := crypto.Resolve(*field, key)
			if err != nil {
				return fmt.Errorf("venues[%d] (%s): decrypt secret: %w", i, v.Key(), err)
			}
			*field = plain
		}
	}
	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}
