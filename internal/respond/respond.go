// Package respond renders JSON bodies and tagged errors for HTTP handlers.
package respond

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes err as {"code","message"}. Untagged errors become a 500 and
// are logged; their text never reaches the client.
func Error(w http.ResponseWriter, log *zap.Logger, err error) {
	if e, ok := apperrors.As(err); ok {
		JSON(w, e.Status, errorBody{Code: e.Code, Message: e.Message})
		return
	}
	if log != nil {
		log.Error("unhandled error", zap.Error(err))
	}
	JSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "internal error"})
}

// Decode reads a JSON body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.ErrValidation.WithMessage("invalid JSON body: %v", err)
	}
	return nil
}

// IntQuery parses the query parameter name, returning def when absent or malformed.
func IntQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
