package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venuewatch/internal/models"
	"venuewatch/internal/risk"
	"venuewatch/pkg/crypto"
	"venuewatch/pkg/ratelimit"
)

const baseYAML = `
server:
  port: 9090
  cors_origins: ["http://localhost:3000"]
venues:
  - name: Aster
    market: futures
    api_key: key
    api_secret: secret
    default_symbols: [btcusdt, " ethusdt"]
    rate_limit:
      policy: weight
      window: 1m
      capacity: 2400
      burst: 100
  - name: hyperliquid
    market: futures
    account_address: "0xabc"
    signer_url: http://signer:8081/sign
risk:
  daily_loss_limit: "100"
  max_drawdown_percent: 15
alerts:
  cooldowns:
    funding: 30m
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.WSOrigins, "ws origins fall back to cors origins")
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 256, cfg.Stream.MailboxSize)
	assert.Equal(t, 20, cfg.Alerts.MaxPerOwner)
	assert.True(t, cfg.Alerts.EqualsTolerance.Equal(decimal.RequireFromString("0.0005")))
	assert.Equal(t, 30*time.Minute, cfg.Alerts.Cooldowns["funding"])
	assert.Equal(t, 5*time.Minute, cfg.Alerts.Cooldowns["position"])
	assert.True(t, cfg.Risk.DailyLossLimit.Equal(decimal.NewFromInt(100)))
	assert.True(t, cfg.Risk.MaxDrawdownPercent.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, string(risk.BasisHighWaterMark), cfg.Risk.DrawdownBasis)

	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, models.VenueKey{Venue: "aster", Market: models.MarketFutures}, cfg.Venues[0].Key())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Venues[0].DefaultSymbols)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	t.Setenv("VW_SERVER_PORT", "7000")
	t.Setenv("VW_RISK_DAILY_LOSS_LIMIT", "250.5")
	t.Setenv("VW_SECURITY_API_TOKEN_HASHES", "h1,h2")
	t.Setenv("VW_STREAM_PING_INTERVAL", "5s")

	cfg, err := LoadFile(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.Risk.DailyLossLimit.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, []string{"h1", "h2"}, cfg.Security.APITokenHashes)
	assert.Equal(t, 5*time.Second, cfg.Stream.PingInterval)
}

func TestLoad_ConfigFlag(t *testing.T) {
	path := writeConfig(t, baseYAML)
	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "нет площадок",
			yaml:    "server:\n  port: 8080\n",
			wantErr: "at least one venue",
		},
		{
			name:    "неизвестная площадка",
			yaml:    "venues:\n  - name: kraken\n",
			wantErr: "unsupported venue",
		},
		{
			name:    "неизвестный рынок",
			yaml:    "venues:\n  - name: aster\n    market: options\n",
			wantErr: "venues[0]",
		},
		{
			name:    "дубль площадки",
			yaml:    "venues:\n  - name: aster\n  - name: ASTER\n    market: futures\n",
			wantErr: "duplicate venue",
		},
		{
			name:    "неизвестная политика лимитера",
			yaml:    "venues:\n  - name: aster\n    rate_limit: {policy: leaky, window: 1m, capacity: 10}\n",
			wantErr: "unknown policy",
		},
		{
			name:    "нулевое окно",
			yaml:    "venues:\n  - name: aster\n    rate_limit: {policy: count, capacity: 10}\n",
			wantErr: "window must be positive",
		},
		{
			name: "разные бюджеты рынков одной площадки",
			yaml: `venues:
  - name: aster
    market: futures
    rate_limit: {policy: count, window: 1m, capacity: 10}
  - name: aster
    market: spot
    rate_limit: {policy: count, window: 1m, capacity: 20}
`,
			wantErr: "conflicting rate_limit",
		},
		{
			name:    "неверный порт",
			yaml:    "server:\n  port: 70000\nvenues:\n  - name: aster\n",
			wantErr: "server.port",
		},
		{
			name:    "отрицательный дневной лимит",
			yaml:    "venues:\n  - name: aster\nrisk:\n  daily_loss_limit: \"-5\"\n",
			wantErr: "daily_loss_limit",
		},
		{
			name:    "неизвестная база просадки",
			yaml:    "venues:\n  - name: aster\nrisk:\n  drawdown_basis: peak\n",
			wantErr: "unknown basis",
		},
		{
			name:    "фиксированный капитал без суммы",
			yaml:    "venues:\n  - name: aster\nrisk:\n  drawdown_basis: fixed_capital\n",
			wantErr: "fixed_capital must be positive",
		},
		{
			name:    "неизвестный вид в cooldowns",
			yaml:    "venues:\n  - name: aster\nalerts:\n  cooldowns:\n    volume: 1m\n",
			wantErr: "unknown alert kind",
		},
		{
			name:    "ping не короче heartbeat",
			yaml:    "venues:\n  - name: aster\nstream:\n  ping_interval: 30s\n  heartbeat_timeout: 30s\n",
			wantErr: "ping_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveSecrets(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw, err := crypto.ParseKey(key)
	require.NoError(t, err)
	sealed, err := crypto.Seal("top-secret", raw)
	require.NoError(t, err)

	t.Run("зашифрованный секрет", func(t *testing.T) {
		yaml := "security:\n  encryption_key: " + key + "\nvenues:\n  - name: aster\n    api_key: k\n    api_secret_enc: \"" + sealed + "\"\n"
		cfg, err := LoadFile(writeConfig(t, yaml))
		require.NoError(t, err)
		assert.Equal(t, "top-secret", cfg.Venues[0].APISecret)
		assert.Empty(t, cfg.Venues[0].APISecretEnc)
	})

	t.Run("секрет с префиксом в api_secret", func(t *testing.T) {
		yaml := "security:\n  encryption_key: " + key + "\nvenues:\n  - name: aster\n    api_secret: \"" + sealed + "\"\n"
		cfg, err := LoadFile(writeConfig(t, yaml))
		require.NoError(t, err)
		assert.Equal(t, "top-secret", cfg.Venues[0].APISecret)
	})

	t.Run("нет ключа шифрования", func(t *testing.T) {
		yaml := "venues:\n  - name: aster\n    api_secret_enc: \"" + sealed + "\"\n"
		_, err := LoadFile(writeConfig(t, yaml))
		require.Error(t, err)
		assert.ErrorIs(t, err, crypto.ErrMissingKey)
	})

	t.Run("оба поля секрета", func(t *testing.T) {
		yaml := "venues:\n  - name: aster\n    api_secret: plain\n    api_secret_enc: \"" + sealed + "\"\n"
		_, err := LoadFile(writeConfig(t, yaml))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mutually exclusive")
	})
}

func TestMapping(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, baseYAML))
	require.NoError(t, err)

	limits := cfg.RateLimits()
	assert.Equal(t, ratelimit.Config{Policy: ratelimit.PolicyWeight, Window: time.Minute, Capacity: 2400, Burst: 100}, limits["aster"])
	assert.Equal(t, defaultRateLimits["hyperliquid"], limits["hyperliquid"])

	ex := cfg.Venues[1].ExchangeConfig()
	assert.Equal(t, "hyperliquid", ex.Venue)
	assert.Equal(t, models.MarketFutures, ex.Market)
	assert.Equal(t, "http://signer:8081/sign", ex.SignerURL)
	assert.Equal(t, "0xabc", ex.AccountAddress)

	rc := cfg.RiskConfig()
	assert.True(t, rc.Enabled)
	assert.Equal(t, risk.BasisHighWaterMark, rc.DrawdownBasis)
	assert.Equal(t, 8, rc.CancelRetry.MaxAttempts)
	assert.Equal(t, risk.DefaultQuoteAssets, rc.QuoteAssets)

	ac := cfg.AlertConfig()
	assert.Equal(t, 30*time.Minute, ac.Cooldowns[models.AlertFunding])
	assert.Equal(t, 20, ac.MaxAlertsPerOwner)

	assert.Nil(t, cfg.NATSConfig(), "nats disabled without url")
	assert.Equal(t, 256, cfg.StreamConfig().MailboxSize)
	assert.Equal(t, "venuewatch", cfg.DBConfig().Name)
	assert.Equal(t, "info", cfg.LogConfig().Level)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.DSN())
	assert.NotContains(t, d.DSNWithoutPassword(), "password")
}
