package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"medgate/util"

	"go.uber.org/zap"
)

// errInvalidBody is returned after decodeJSONBodyWithLimit has already
// answered the request
var errInvalidBody = errors.New("invalid request body")

// writeError writes a JSON error response and logs it. message goes to the
// client and must never carry request data.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message,
				"error", util.SanitizeError(err),
				"status_code", statusCode,
			)
		} else if statusCode >= http.StatusInternalServerError {
			logger.Errorw(message, "status_code", statusCode)
		}
	}
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeJSON encodes v with HTML-significant characters escaped
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSONBodyWithLimit decodes a JSON request body with a size limit.
// On failure the response is already written.
func (a *API) decodeJSONBodyWithLimit(w http.ResponseWriter, r *http.Request, dst interface{}, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil, nil)
		} else {
			a.logger.Debugw("Rejected request body", "error", util.SanitizeError(err))
			writeError(w, http.StatusBadRequest, "invalid request body", nil, nil)
		}
		return errInvalidBody
	}
	if decoder.More() {
		writeError(w, http.StatusBadRequest, "invalid request body", nil, nil)
		return errInvalidBody
	}
	return nil
}
