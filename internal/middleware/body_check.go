package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBodyBytes bounds relay request bodies.
const DefaultMaxBodyBytes = 4 << 20

// BodyValidator checks a raw request body for the given request kind.
type BodyValidator interface {
	Validate(kind string, body []byte) error
}

// ValidateBody reads at most maxBytes of the body, rejects it unless it
// matches the schema for kind, then replaces r.Body so the handler can
// re-read it.
func ValidateBody(v BodyValidator, kind string, maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, fmt.Sprintf(`{"error":"body exceeds %d bytes"}`, maxBytes), http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}

			if err := v.Validate(kind, bodyBytes); err != nil {
				http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			next.ServeHTTP(w, r)
		})
	}
}
