package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	jsoniter "github.com/json-iterator/go"

	"venuewatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errorBody - формат ошибки, совпадающий с handlers.ErrorResponse
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Code: code})
}

// Recovery - перехват panic в handlers.
//
// Паника логируется вместе со stack trace, клиент получает 500,
// сервер продолжает обслуживать остальные запросы.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	log = utils.OrGlobal(log).WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic in handler",
						utils.String("method", r.Method),
						utils.String("path", r.URL.Path),
						utils.String("panic", fmt.Sprint(rec)),
						utils.String("stack", string(debug.Stack())),
					)
					writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
