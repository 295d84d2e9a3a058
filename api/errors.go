package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmcleod/caucase/envelope"
	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
)

var (
	// errBadRequest marks malformed requests detected by the handlers.
	errBadRequest = errors.New("bad request")

	// errUnauthorized is returned when the client certificate is missing
	// or not issued by the user authority.
	errUnauthorized = errors.New("client certificate required")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeFile(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// statusOf maps an error to its HTTP status code.
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, storage.ErrKeyIDExists):
		return http.StatusConflict
	case errors.Is(err, storage.ErrFound):
		// Revoking twice is not an error for the client.
		return http.StatusNoContent
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNoStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, pki.ErrCertificateVerification):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest),
		errors.Is(err, pki.ErrInvalidSignature),
		errors.Is(err, pki.ErrNotCertificateRequest),
		errors.Is(err, pki.ErrInvalidPEM),
		errors.Is(err, pki.ErrKeyMismatch),
		errors.Is(err, pki.ErrUnsupportedDigest),
		errors.Is(err, envelope.ErrInvalidSignature),
		errors.Is(err, envelope.ErrNotJSON),
		errors.Is(err, envelope.ErrUnsupportedAlgorithm):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	switch status {
	case http.StatusNoContent:
		w.WriteHeader(status)
		return
	case http.StatusInternalServerError:
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}
