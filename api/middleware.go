package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/caucase/envelope"
	"github.com/jmcleod/caucase/pki"
)

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info("finished http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("proto", r.Proto),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// authenticate checks that the client presented a valid certificate of the
// user authority.
func (a *API) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return errUnauthorized
	}
	crtPEM := pki.DumpCertificate(r.TLS.PeerCertificates[0].Raw)
	if _, err := a.cau.VerifyCertificate(ctx, crtPEM); err != nil {
		if errors.Is(err, pki.ErrCertificateVerification) {
			return fmt.Errorf("%w: %w", errUnauthorized, err)
		}
		return err
	}
	w.Header().Set("Cache-Control", "private")
	return nil
}

// readBody reads the whole request body, up to MaxBodySize.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
}

func hasContentType(r *http.Request, want string) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == want
}

// readEnvelope reads a JSON envelope from the request body.
func readEnvelope(w http.ResponseWriter, r *http.Request) (*envelope.Wrapped, error) {
	if !hasContentType(r, "application/json") {
		return nil, fmt.Errorf("%w: bad Content-Type", errBadRequest)
	}
	body, err := readBody(w, r)
	if err != nil {
		return nil, err
	}
	return envelope.Parse(body)
}
