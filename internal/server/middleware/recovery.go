// Package middleware provides panic recovery middleware.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/dtorcivia/afterhours/internal/response"
	"github.com/dtorcivia/afterhours/internal/util"
)

// Recovery returns middleware that recovers from panics.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				// Log the panic with stack trace
				stack := debug.Stack()
				util.Error("Panic recovered",
					"error", fmt.Sprintf("%v", err),
					"path", r.URL.Path,
					"method", r.Method,
					"request_id", GetRequestID(r),
					"stack", string(stack),
				)

				// Return 500 error (don't expose internal details)
				response.WriteErrorWithDetails(w, http.StatusInternalServerError, response.ErrCodeInternalError,
					"An unexpected error occurred", GetRequestID(r), nil)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
