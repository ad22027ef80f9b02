package web

import (
	"encoding/json"
	"log"
	"net/http"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}

// writeError renders the REST error shape: {detail} plus the status mapped
// from the domain code.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "decode request body", err)
	}
	return nil
}
