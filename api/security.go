package api

import (
	"fmt"
	"net/http"
	"runtime"

	"medgate/metrics"
	"medgate/util"
)

// securityHeadersMiddleware adds restrictive browser headers to every
// response, rejections included
func (a *API) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		// API responses are never meant to render as a document
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		if a.config.API.TLS || a.config.Security.EnableHSTS {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// errorRecoveryMiddleware turns a handler panic into a generic 500. The
// stack trace is logged server-side only.
func (a *API) errorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				stackBuf := make([]byte, 4096)
				stackLen := captureStack(stackBuf)

				a.logger.Errorw("PANIC RECOVERED",
					"error", util.SanitizeString(fmt.Sprintf("%v", err)),
					"request_id", requestIDFrom(r),
					"method", r.Method,
					"path", util.SanitizeLogValue(r.URL.Path),
					"stack_trace", string(stackBuf[:stackLen]),
				)
				metrics.APIPanics.WithLabelValues(r.Method).Inc()

				writeError(w, http.StatusInternalServerError, "internal error", nil, nil)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// captureStack captures the current goroutine's stack trace into buf
func captureStack(buf []byte) int {
	return runtime.Stack(buf, false)
}
