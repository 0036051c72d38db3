package config

import (
	"time"

	"venuewatch/internal/alert"
	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
	"venuewatch/internal/notify"
	"venuewatch/internal/repository"
	"venuewatch/internal/risk"
	"venuewatch/internal/stream"
	"venuewatch/pkg/ratelimit"
	"venuewatch/pkg/retry"
	"venuewatch/pkg/utils"
)

// ============================================================
// Преобразование в конфигурации компонентов
// ============================================================

// defaultRateLimits - бюджеты площадок, если rate_limit не задан
var defaultRateLimits = map[string]ratelimit.Config{
	exchange.VenueAster:       {Policy: ratelimit.PolicyWeight, Window: time.Minute, Capacity: 1200, Burst: 100},
	exchange.VenueHyperliquid: {Policy: ratelimit.PolicyCount, Window: time.Minute, Capacity: 60, Burst: 10},
}

func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		Output:      c.Logging.Output,
		Development: c.Logging.Development,
		MaxSizeMB:   c.Logging.MaxSizeMB,
		MaxBackups:  c.Logging.MaxBackups,
		MaxAgeDays:  c.Logging.MaxAgeDays,
	}
}

func (c *Config) DBConfig() repository.DBConfig {
	return repository.DBConfig{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Name:            c.Database.Name,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

func (c *Config) StreamConfig() stream.Config {
	s := c.Stream
	return stream.Config{
		HeartbeatTimeout: s.HeartbeatTimeout,
		PingInterval:     s.PingInterval,
		DialTimeout:      s.DialTimeout,
		WriteTimeout:     s.WriteTimeout,
		InitialBackoff:   s.InitialBackoff,
		MaxBackoff:       s.MaxBackoff,
		StableAfter:      s.StableAfter,
		MailboxSize:      s.MailboxSize,
	}
}

func (c *Config) AlertConfig() alert.Config {
	cooldowns := make(map[models.AlertKind]time.Duration, len(c.Alerts.Cooldowns))
	for kind, d := range c.Alerts.Cooldowns {
		cooldowns[models.AlertKind(kind)] = d
	}
	return alert.Config{
		MaxAlertsPerOwner:   c.Alerts.MaxPerOwner,
		FundingPollInterval: c.Alerts.FundingPollInterval,
		Cooldowns:           cooldowns,
		EqualsTolerance:     c.Alerts.EqualsTolerance,
		NotifyTimeout:       c.Alerts.NotifyTimeout,
	}
}

func (c *Config) RiskConfig() risk.Config {
	r := c.Risk
	cfg := risk.DefaultConfig()
	cfg.Enabled = r.Enabled
	cfg.DailyLossLimit = r.DailyLossLimit
	cfg.MaxDrawdownPercent = r.MaxDrawdownPercent
	cfg.DrawdownBasis = risk.Basis(r.DrawdownBasis)
	cfg.FixedCapital = r.FixedCapital
	cfg.EquityPollInterval = r.EquityPollInterval
	cfg.ResetTokenHash = r.ResetTokenHash
	cfg.CancelRetry = r.CancelRetry.retryConfig(retry.CriticalConfig())
	if r.CancelTimeout > 0 {
		cfg.CancelTimeout = r.CancelTimeout
	}
	if len(r.QuoteAssets) > 0 {
		cfg.QuoteAssets = r.QuoteAssets
	}
	return cfg
}

// retryConfig накладывает заданные поля на base
func (r RetryConfig) retryConfig(base retry.Config) retry.Config {
	if r.MaxAttempts > 0 {
		base.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelay > 0 {
		base.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		base.MaxDelay = r.MaxDelay
	}
	if r.Multiplier >= 1 {
		base.Multiplier = r.Multiplier
	}
	return base
}

// NATSConfig - nil, если публикация в NATS не настроена
func (c *Config) NATSConfig() *notify.NATSConfig {
	n := c.Notify.NATS
	if n.URL == "" {
		return nil
	}
	return &notify.NATSConfig{
		URL:           n.URL,
		SubjectPrefix: n.SubjectPrefix,
		ClientName:    n.ClientName,
		ReconnectWait: n.ReconnectWait,
		MaxReconnects: n.MaxReconnects,
	}
}

// ExchangeConfig - параметры адаптера площадки
func (v VenueConfig) ExchangeConfig() exchange.Config {
	key := v.Key()
	httpCfg := exchange.DefaultHTTPClientConfig()
	if v.RequestTimeout > 0 && v.RequestTimeout > httpCfg.TotalTimeout {
		httpCfg.TotalTimeout = v.RequestTimeout
	}
	return exchange.Config{
		Venue:          key.Venue,
		Market:         key.Market,
		BaseURL:        v.BaseURL,
		APIKey:         v.APIKey,
		APISecret:      v.APISecret,
		AccountAddress: v.AccountAddress,
		SignerURL:      v.SignerURL,
		RequestTimeout: v.RequestTimeout,
		MaxLeverage:    v.MaxLeverage,
		HTTP:           httpCfg,
	}
}

// RateLimits - бюджеты по имени площадки. Бюджет общий для всех рынков площадки:
// берётся первый заданный, иначе значение по умолчанию.
func (c *Config) RateLimits() map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config)
	for _, v := range c.Venues {
		if _, ok := out[v.Name]; ok && v.RateLimit.IsZero() {
			continue
		}
		if v.RateLimit.IsZero() {
			out[v.Name] = defaultRateLimits[v.Name]
			continue
		}
		out[v.Name] = ratelimit.Config{
			Policy:   ratelimit.Policy(v.RateLimit.Policy),
			Window:   v.RateLimit.Window,
			Capacity: v.RateLimit.Capacity,
			Burst:    v.RateLimit.Burst,
		}
	}
	return out
}
