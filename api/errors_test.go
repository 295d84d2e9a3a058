package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/caucase/envelope"
	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("csr 3: %w", storage.ErrNotFound), http.StatusNotFound},
		{storage.ErrNoStorage, http.StatusInsufficientStorage},
		{fmt.Errorf("key id 0a: %w", storage.ErrKeyIDExists), http.StatusConflict},
		{fmt.Errorf("%w: %w", storage.ErrFound, pki.ErrCertificateRevoked), http.StatusNoContent},
		{pki.ErrCertificateRevoked, http.StatusUnauthorized},
		{errUnauthorized, http.StatusUnauthorized},
		{pki.ErrNotCertificateRequest, http.StatusBadRequest},
		{envelope.ErrInvalidSignature, http.StatusBadRequest},
		{envelope.ErrNotJSON, http.StatusBadRequest},
		{envelope.ErrUnsupportedAlgorithm, http.StatusBadRequest},
		{fmt.Errorf("%w: invalid integer", errBadRequest), http.StatusBadRequest},
		{&http.MaxBytesError{Limit: MaxBodySize}, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusOf(c.err), c.err.Error())
	}
}
