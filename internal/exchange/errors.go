package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind - класс ошибки площадки
type Kind string

const (
	KindAuthentication      Kind = "AuthenticationError"
	KindRateLimited         Kind = "RateLimited"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindInvalidSymbol       Kind = "InvalidSymbol"
	KindInvalidParameter    Kind = "InvalidParameter"
	KindOrderNotFound       Kind = "OrderNotFound"
	KindVenueUnavailable    Kind = "VenueUnavailable"
	KindUnknown             Kind = "UnknownVenueError"
	KindEmergencyStopped    Kind = "EmergencyStopped"
)

// Сентинелы для errors.Is
var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrOrderNotFound       = errors.New("order not found")
	ErrVenueUnavailable    = errors.New("venue unavailable")
	ErrUnknownVenue        = errors.New("unknown venue error")
	ErrEmergencyStopped    = errors.New("trading halted by emergency stop")
)

var kindSentinels = map[Kind]error{
	KindAuthentication:      ErrAuthentication,
	KindRateLimited:         ErrRateLimited,
	KindInsufficientBalance: ErrInsufficientBalance,
	KindInvalidSymbol:       ErrInvalidSymbol,
	KindInvalidParameter:    ErrInvalidParameter,
	KindOrderNotFound:       ErrOrderNotFound,
	KindVenueUnavailable:    ErrVenueUnavailable,
	KindUnknown:             ErrUnknownVenue,
	KindEmergencyStopped:    ErrEmergencyStopped,
}

// errDuplicateClientID - площадка уже знает такой client order id
var errDuplicateClientID = errors.New("duplicate client order id")

// errTimestampDrift - запрос отклонён из-за расхождения часов
var errTimestampDrift = errors.New("timestamp outside recv window")

// Error - типизированная ошибка площадки с исходным кодом
type Error struct {
	Kind       Kind
	Venue      string
	Code       string // исходный код площадки
	Message    string
	RetryAfter time.Duration

	// OutcomeUnknown - ордер мог быть принят (таймаут), повторять только с тем же ClientOrderID
	OutcomeUnknown bool
	ClientOrderID  string

	Err error
}

func (e *Error) Error() string {
	msg := e.Venue + ": " + string(e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.OutcomeUnknown {
		msg += " (outcome unknown, client order id " + e.ClientOrderID + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is сопоставляет ошибку с сентинелом её класса
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Retryable - для pkg/retry
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindVenueUnavailable:
		return true
	}
	return false
}

// RetryDelay - подсказка паузы для pkg/retry
func (e *Error) RetryDelay() time.Duration { return e.RetryAfter }

func newError(venue string, kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Venue: venue, Code: code, Message: msg, Err: cause}
}

// KindOf возвращает класс ошибки (KindUnknown для нетипизированных)
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsError извлекает *Error из цепочки
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// isDuplicate - ошибка означает повтор client order id
func isDuplicate(err error) bool {
	return errors.Is(err, errDuplicateClientID)
}

// ============================================================
// Классификация транспортных ошибок
// ============================================================

// transportError переводит сетевые/HTTP ошибки в таксономию
func transportError(venue string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(venue, KindVenueUnavailable, "", "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(venue, KindVenueUnavailable, "", netErr.Error(), err)
	}
	return newError(venue, KindVenueUnavailable, "", err.Error(), err)
}

// statusError - ошибка по HTTP статусу, когда тело не содержит кода площадки
func statusError(venue string, status int, body string) *Error {
	code := fmt.Sprintf("HTTP %d", status)
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return newError(venue, KindRateLimited, code, body, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(venue, KindAuthentication, code, body, nil)
	case status >= 500:
		return newError(venue, KindVenueUnavailable, code, body, nil)
	}
	return newError(venue, KindUnknown, code, body, nil)
}
