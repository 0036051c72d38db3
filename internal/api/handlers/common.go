package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"venuewatch/internal/alert"
	"venuewatch/internal/api/middleware"
	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
	"venuewatch/internal/repository"
	"venuewatch/internal/risk"
	"venuewatch/internal/service"
	"venuewatch/pkg/ratelimit"
	"venuewatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxRequestBodySize ограничение размера тела запроса (1 MB)
const MaxRequestBodySize = 1 << 20

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	Details      string `json:"details,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Коды ошибок, не относящиеся к площадкам
const (
	codeBadRequest        = "BadRequest"
	codeNotFound          = "NotFound"
	codeLimitReached      = "LimitReached"
	codeUnauthorizedReset = "UnauthorizedReset"
	codeInternal          = "InternalError"
)

// errBadRequest - ошибка разбора запроса
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// kindStatus - HTTP статус для класса ошибки площадки
var kindStatus = map[exchange.Kind]int{
	exchange.KindRateLimited:         http.StatusTooManyRequests,
	exchange.KindInvalidParameter:    http.StatusBadRequest,
	exchange.KindInvalidSymbol:       http.StatusBadRequest,
	exchange.KindAuthentication:      http.StatusUnauthorized,
	exchange.KindOrderNotFound:       http.StatusNotFound,
	exchange.KindInsufficientBalance: http.StatusPaymentRequired,
	exchange.KindEmergencyStopped:    http.StatusLocked,
	exchange.KindVenueUnavailable:    http.StatusServiceUnavailable,
	exchange.KindUnknown:             http.StatusBadGateway,
}

// ErrorToResponse переводит ошибку ядра в HTTP статус и тело ответа
func ErrorToResponse(err error) (int, ErrorResponse) {
	if e, ok := exchange.AsError(err); ok {
		resp := ErrorResponse{Error: err.Error(), Code: string(e.Kind), RetryAfterMs: e.RetryAfter.Milliseconds()}
		if e.Code != "" {
			resp.Details = strings.TrimSpace(e.Code + " " + e.Message)
		} else {
			resp.Details = e.Message
		}
		status, ok := kindStatus[e.Kind]
		if !ok {
			status = http.StatusBadGateway
		}
		return status, resp
	}

	var rl *ratelimit.RateLimitedError
	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, ErrorResponse{
			Error:        err.Error(),
			Code:         string(exchange.KindRateLimited),
			RetryAfterMs: rl.RetryAfter.Milliseconds(),
		}
	case errors.Is(err, errBadRequest),
		errors.Is(err, utils.ErrValidation),
		errors.Is(err, models.ErrInvalidAlert):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: codeBadRequest}
	case errors.Is(err, exchange.ErrInvalidSymbol):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(exchange.KindInvalidSymbol)}
	case errors.Is(err, service.ErrVenueNotConfigured),
		errors.Is(err, alert.ErrNotFound),
		errors.Is(err, repository.ErrAlertNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: codeNotFound}
	case errors.Is(err, alert.ErrLimitReached):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: codeLimitReached}
	case errors.Is(err, risk.ErrUnauthorizedReset):
		return http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: codeUnauthorizedReset}
	case errors.Is(err, exchange.ErrEmergencyStopped):
		return http.StatusLocked, ErrorResponse{Error: err.Error(), Code: string(exchange.KindEmergencyStopped)}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: codeInternal, Details: err.Error()}
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondWithError отправляет ошибку в едином формате
func respondWithError(w http.ResponseWriter, err error) {
	status, resp := ErrorToResponse(err)
	if resp.RetryAfterMs > 0 {
		secs := (time.Duration(resp.RetryAfterMs)*time.Millisecond + time.Second - 1) / time.Second
		w.Header().Set("Retry-After", fmt.Sprint(int64(secs)))
	}
	respondWithJSON(w, status, resp)
}

// decodeJSON читает тело запроса с ограничением размера и проверяет теги validate
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return utils.ValidateStruct(v)
}

// ownerOf - владелец запроса, установленный middleware.Auth
func ownerOf(r *http.Request) string {
	return middleware.OwnerFromContext(r.Context())
}

// venueKeyOf разбирает {venue}/{market} из пути
func venueKeyOf(r *http.Request) (models.VenueKey, error) {
	vars := mux.Vars(r)
	market, err := models.ParseMarketType(vars["market"])
	if err != nil {
		return models.VenueKey{}, badRequest("%v", err)
	}
	venue := strings.ToLower(vars["venue"])
	if venue == "" {
		return models.VenueKey{}, badRequest("venue is required")
	}
	return models.VenueKey{Venue: venue, Market: market}, nil
}
