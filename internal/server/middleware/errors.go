// Package middleware holds HTTP middleware for the run server.
package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/3leaps/climgrid/internal/server/handlers"
)

// Recovery turns a panic in next into a JSON 500 reply.
func Recovery(next http.Handler) http.Handler {
	return Recoverer(nil)(next)
}

// Recoverer is Recovery with panics logged to log. A nil log discards them.
func Recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				msg := fmt.Sprintf("panic: %v", rec)
				log.Error("Handler panicked",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("panic", msg))
				handlers.WriteError(w, r, http.StatusInternalServerError, handlers.CodeInternal, msg, nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
