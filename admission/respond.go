package admission

import (
	"encoding/json"
	"net/http"
	"strconv"

	"medgate/core"
	"medgate/ratelimit"
)

// WriteRejection sends the generic response for rej. The body never says
// which check failed. d, when known, fills the rate-limit headers.
func WriteRejection(w http.ResponseWriter, rej *core.Rejection, d *ratelimit.Decision) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	if d != nil {
		setRateLimitHeaders(h, *d)
	}
	if rej.IsRateLimited() {
		h.Set("Retry-After", strconv.Itoa(rej.RetryAfterSeconds()))
	}
	if rej.Kind == core.KindAuth {
		h.Set("WWW-Authenticate", `Bearer realm="medgate"`)
	}
	w.WriteHeader(rej.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": rej.ClientMessage()})
}

func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
}
