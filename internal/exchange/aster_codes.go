package exchange

import (
	"errors"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/common"
)

// Коды ошибок Aster (совпадают с Binance-совместимым API)
var asterCodeKinds = map[int64]Kind{
	-1021: KindAuthentication, // timestamp вне recvWindow
	-1022: KindAuthentication, // неверная подпись
	-2015: KindAuthentication, // ключ/IP/права

	-1003: KindRateLimited,
	-1004: KindRateLimited,
	-1015: KindRateLimited,

	-2010: KindInsufficientBalance, // ордер отклонён
	-2011: KindInsufficientBalance,
	-2019: KindInsufficientBalance, // недостаточно маржи
	-4050: KindInsufficientBalance,

	-1121: KindInvalidSymbol,
	-1122: KindInvalidSymbol,

	-2013: KindOrderNotFound,
	-2014: KindOrderNotFound,

	-1013: KindInvalidParameter,
	-1014: KindInvalidParameter,
	-1100: KindInvalidParameter,
	-1102: KindInvalidParameter,
	-1111: KindInvalidParameter,
	-1116: KindInvalidParameter,
	-1117: KindInvalidParameter,
	-4003: KindInvalidParameter,
	-4164: KindInvalidParameter,

	-1000: KindVenueUnavailable,
	-1001: KindVenueUnavailable,
	-1007: KindVenueUnavailable,
}

// Код повторного client order id
const asterDuplicateOrderCode = -4116

// asterCodeError переводит код и сообщение Aster в *Error
func asterCodeError(venue string, code int64, msg string, status int) *Error {
	codeStr := strconv.FormatInt(code, 10)

	if code == asterDuplicateOrderCode || strings.Contains(strings.ToLower(msg), "duplicate") {
		return newError(venue, KindInvalidParameter, codeStr, msg, errDuplicateClientID)
	}
	if code == -1021 {
		return newError(venue, KindAuthentication, codeStr, msg, errTimestampDrift)
	}
	if kind, ok := asterCodeKinds[code]; ok {
		return newError(venue, kind, codeStr, msg, nil)
	}
	if status == 429 || status == 418 {
		return newError(venue, KindRateLimited, codeStr, msg, nil)
	}
	if status >= 500 {
		return newError(venue, KindVenueUnavailable, codeStr, msg, nil)
	}
	return newError(venue, KindUnknown, codeStr, msg, nil)
}

// asterError классифицирует ошибку go-binance клиента
func asterError(venue string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 0 {
			// тело ответа не содержит кода (HTML шлюза, пустой 5xx)
			return newError(venue, KindVenueUnavailable, "", apiErr.Message, err)
		}
		return asterCodeError(venue, apiErr.Code, apiErr.Message, 0)
	}
	return transportError(venue, err)
}
