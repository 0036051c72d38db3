package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config конфигурация повторов
//
// Задержки берутся из экспоненциального backoff с рандомизацией:
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) ± JitterFactor
//
// Если ошибка сама подсказывает паузу (см. RetryAfterError),
// используется большая из двух задержек.
type Config struct {
	// MaxAttempts - максимальное количество попыток (включая первую).
	// 0 или отрицательное = повторять до отмены контекста
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor - доля случайной вариации (0.0 - 1.0)
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку. По умолчанию IsRetryable
	RetryIf func(error) bool

	// OnRetry вызывается перед каждой паузой
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - для обычных REST запросов: 4 попытки, 100ms..30s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// CriticalConfig - для защитных операций (отмена ордеров при аварийной остановке):
// больше попыток и короткие паузы
func CriticalConfig() Config {
	return Config{
		MaxAttempts:  8,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c *Config) normalize() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.RetryIf == nil {
		c.RetryIf = IsRetryable
	}
}

// newBackOff строит генератор задержек по конфигурации
func (c *Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.JitterFactor
	b.Reset()
	return b
}

// Do выполняет операцию с повторами.
// Возвращает nil при успехе или последнюю ошибку.
//
//	err := retry.Do(ctx, func() error {
//	    return adapter.CancelAllOrders(ctx, "")
//	}, retry.CriticalConfig())
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - как Do, но с результатом
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.normalize()
	b := cfg.newBackOff()

	var zero T
	var lastErr error

	for attempt := 0; cfg.MaxAttempts <= 0 || attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.RetryIf(err) {
			return zero, unwrapPermanent(err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts-1 {
			break
		}

		delay := b.NextBackOff()
		if hint := retryAfterHint(err); hint > delay {
			delay = hint
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, unwrapPermanent(lastErr)
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - ошибка, знающая, можно ли её повторять
type RetryableError interface {
	error
	Retryable() bool
}

// RetryAfterError - ошибка с подсказкой паузы (например, ответ 429)
type RetryAfterError interface {
	error
	RetryDelay() time.Duration
}

// IsRetryable: ошибки контекста и Permanent не повторяются,
// RetryableError решает сама, остальные - повторяются
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r RetryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func retryAfterHint(err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryDelay()
	}
	return 0
}

// PermanentError - ошибка, которую не нужно повторять
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func unwrapPermanent(err error) error {
	var p *PermanentError
	if errors.As(err, &p) {
		return p.Err
	}
	return err
}
