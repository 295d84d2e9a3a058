package api

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/envelope"
	"github.com/jmcleod/caucase/pki"
)

const (
	contentTypeCRL    = "application/pkix-crl"
	contentTypeCert   = "application/pkix-cert"
	contentTypeCACert = "application/x-x509-ca-cert"
	contentTypeCSR    = "application/pkcs10"
)

// handlers serves the routes of one authority.
type handlers struct {
	api       *API
	name      string
	authority *ca.Authority
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.api.mapError(w, r, err)
}

func requestID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer", errBadRequest)
	}
	return id, nil
}

// GET /{ca}/crl
func (h *handlers) getCRLs(w http.ResponseWriter, r *http.Request) {
	crls, err := h.authority.CertificateRevocationLists(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	keys := make([]string, 0, len(crls))
	for k := range crls {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	list := make([][]byte, 0, len(keys))
	for _, k := range keys {
		list = append(list, crls[k])
	}
	writeFile(w, contentTypeCRL, bytes.Join(list, []byte("\n")))
}

// GET /{ca}/crl/{aki}
func (h *handlers) getCRL(w http.ResponseWriter, r *http.Request) {
	aki, ok := new(big.Int).SetString(chi.URLParam(r, "aki"), 10)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	crl, err := h.authority.CertificateRevocationList(r.Context(), aki.String())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeFile(w, contentTypeCRL, crl)
}

// GET /{ca}/csr
func (h *handlers) listCSRs(w http.ResponseWriter, r *http.Request) {
	if err := h.api.authenticate(r.Context(), w, r); err != nil {
		h.fail(w, r, err)
		return
	}
	csrs, err := h.authority.CertificateSigningRequests(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]PendingRequest, 0, len(csrs))
	for _, csr := range csrs {
		out = append(out, PendingRequest{ID: strconv.FormatUint(csr.ID, 10), CSR: string(csr.PEM)})
	}
	writeJSON(w, http.StatusOK, out)
}

// PUT /{ca}/csr
func (h *handlers) putCSR(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.authority.AppendCertificateSigningRequest(r.Context(), body, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.api.metrics.csrSubmitted.WithLabelValues(h.name).Inc()
	w.Header().Set("Location", strconv.FormatUint(id, 10))
	w.WriteHeader(http.StatusCreated)
}

// GET /{ca}/csr/{id}
func (h *handlers) getCSR(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	csr, err := h.authority.CertificateSigningRequest(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeFile(w, contentTypeCSR, csr)
}

// DELETE /{ca}/csr/{id}
func (h *handlers) deleteCSR(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.api.authenticate(r.Context(), w, r); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.authority.DeletePendingCertificateSigningRequest(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /{ca}/crt/ca.crt.pem
func (h *handlers) getCACertificate(w http.ResponseWriter, r *http.Request) {
	crt, err := h.authority.CACertificate(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeFile(w, contentTypeCACert, crt)
}

// GET /{ca}/crt/ca.crt.json
func (h *handlers) getCACertificateChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.authority.CACertificateChain(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if chain == nil {
		chain = []*envelope.Wrapped{}
	}
	writeJSON(w, http.StatusOK, chain)
}

// GET /{ca}/crt/{id}
func (h *handlers) getCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	crt, err := h.authority.Certificate(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeFile(w, contentTypeCert, crt)
}

// PUT /{ca}/crt/{id}
func (h *handlers) createCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var template *x509.CertificateRequest
	if len(body) > 0 {
		if !hasContentType(r, contentTypeCSR) {
			h.fail(w, r, fmt.Errorf("%w: bad Content-Type", errBadRequest))
			return
		}
		if template, err = pki.LoadCertificateRequest(body); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if err := h.api.authenticate(r.Context(), w, r); err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.authority.CreateCertificate(r.Context(), id, template); err != nil {
		h.fail(w, r, err)
		return
	}
	h.api.metrics.issued.WithLabelValues(h.name).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// certificateField resolves the signer of an envelope from the certificate
// PEM held in one of its payload fields.
func certificateField(name string) envelope.Resolver {
	return func(payload json.RawMessage) (*x509.Certificate, error) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", envelope.ErrNotJSON, err)
		}
		var crtPEM string
		if err := json.Unmarshal(fields[name], &crtPEM); err != nil {
			return nil, fmt.Errorf("%w: missing %s", errBadRequest, name)
		}
		return pki.ParseCertificate([]byte(crtPEM))
	}
}

// PUT /{ca}/crt/revoke
func (h *handlers) revoke(w http.ResponseWriter, r *http.Request) {
	wrapped, err := readEnvelope(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var payload RevokePayload
	if wrapped.Signed() {
		err = envelope.Unwrap(wrapped, certificateField("revoke_crt_pem"), h.authority.DigestList(), &payload)
	} else {
		if err := h.api.authenticate(r.Context(), w, r); err != nil {
			h.fail(w, r, err)
			return
		}
		err = envelope.NullUnwrap(wrapped, &payload)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	switch {
	case payload.RevokeCrtPEM != nil:
		err = h.authority.Revoke(r.Context(), []byte(*payload.RevokeCrtPEM))
	case !wrapped.Signed() && payload.RevokeSerial != "":
		serial, ok := new(big.Int).SetString(payload.RevokeSerial.String(), 10)
		if !ok {
			err = fmt.Errorf("%w: invalid serial", errBadRequest)
			break
		}
		err = h.authority.RevokeSerial(r.Context(), serial)
	default:
		err = fmt.Errorf("%w: nothing to revoke", errBadRequest)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.api.metrics.revoked.WithLabelValues(h.name).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// PUT /{ca}/crt/renew
func (h *handlers) renew(w http.ResponseWriter, r *http.Request) {
	wrapped, err := readEnvelope(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var payload RenewPayload
	if err := envelope.Unwrap(wrapped, certificateField("crt_pem"), h.authority.DigestList(), &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	crt, err := h.authority.Renew(r.Context(), []byte(payload.CrtPEM), []byte(payload.RenewCSRPEM))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.api.metrics.renewed.WithLabelValues(h.name).Inc()
	writeFile(w, contentTypeCert, crt)
}
