package api_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caucase/api"
	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/envelope"
	"github.com/jmcleod/caucase/pki"
	bboltstore "github.com/jmcleod/caucase/storage/bbolt"
)

const testKeySize = 1024

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type testServer struct {
	*httptest.Server
	cas *ca.Authority
	cau *ca.Authority
}

func openAuthority(t *testing.T, path, prefix string, clock *testClock, autoSign uint64) *ca.Authority {
	t.Helper()
	store, err := bboltstore.Open(path, bboltstore.Options{
		TablePrefix:        prefix,
		EnforceUniqueKeyID: prefix == "cau",
		Now:                clock.Now,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	a, err := ca.New(t.Context(), store, ca.Options{
		Name:              prefix,
		Subject:           pkix.Name{CommonName: "Caucase " + strings.ToUpper(prefix)},
		KeySize:           testKeySize,
		CertLifetime:      24 * time.Hour,
		AutoSignCSRAmount: autoSign,
		Now:               clock.Now,
	})
	require.NoError(t, err)
	return a
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dir := t.TempDir()
	cas := openAuthority(t, filepath.Join(dir, "cas.db"), "cas", clock, 0)
	cau := openAuthority(t, filepath.Join(dir, "cau.db"), "cau", clock, 1)

	a := api.New(cas, cau, api.WithRegistry(prometheus.NewRegistry()))
	srv := httptest.NewUnstartedServer(a.Router())
	srv.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, cas: cas, cau: cau}
}

func newCSR(t *testing.T, cn string) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := pki.GeneratePrivateKey(testKeySize)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	return pki.DumpCertificateRequest(der), key
}

// issue gets a certificate for a new key from a, signed by an operator.
func issue(t *testing.T, a *ca.Authority, cn string) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	csrPEM, key := newCSR(t, cn)
	id, err := a.AppendCertificateSigningRequest(t.Context(), csrPEM, false)
	require.NoError(t, err)
	crtPEM, err := a.Certificate(t.Context(), id)
	if err != nil {
		crtPEM, err = a.CreateCertificate(t.Context(), id, nil)
		require.NoError(t, err)
	}
	return crtPEM, key
}

// operator returns a client presenting a user certificate.
func (s *testServer) operator(t *testing.T) *http.Client {
	t.Helper()
	crtPEM, key := issue(t, s.cau, "operator")
	keyPEM, err := pki.DumpPrivateKey(key)
	require.NoError(t, err)
	cert, err := tls.X509KeyPair(crtPEM, keyPEM)
	require.NoError(t, err)

	client := s.Client()
	transport := client.Transport.(*http.Transport).Clone()
	transport.TLSClientConfig.Certificates = []tls.Certificate{cert}
	return &http.Client{Transport: transport}
}

func do(t *testing.T, client *http.Client, method, url, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func doEnvelope(t *testing.T, client *http.Client, url string, w *envelope.Wrapped) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(w)
	require.NoError(t, err)
	return do(t, client, http.MethodPut, url, "application/json", body)
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupServer(t)
	client := s.Client()

	resp, body := do(t, client, http.MethodGet, s.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	csrPEM, _ := newCSR(t, "svc")
	resp, _ = do(t, client, http.MethodPut, s.URL+"/cas/csr", "", csrPEM)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = do(t, client, http.MethodGet, s.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `caucase_pending_csr{authority="cas"} 1`)
	assert.Contains(t, string(body), `caucase_ca_certificates{authority="cau"} 1`)
	assert.Contains(t, string(body), `caucase_csr_submitted_total{authority="cas"} 1`)
	assert.Contains(t, string(body), `http_request_duration_seconds_count{method="PUT",path="/cas/csr",status="201"} 1`)
}

func TestAPIDocumentation(t *testing.T) {
	s := setupServer(t)
	client := s.Client()

	resp, body := do(t, client, http.MethodGet, s.URL+"/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "/{authority}/crt/renew:")

	for _, page := range []string{"/docs", "/redoc"} {
		resp, body = do(t, client, http.MethodGet, s.URL+page, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, page)
		assert.Contains(t, string(body), "openapi.yaml", page)
		assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "cdn.jsdelivr.net", page)
	}

	// Other responses keep the strict policy.
	resp, _ = do(t, client, http.MethodGet, s.URL+"/health", "", nil)
	assert.Equal(t, "default-src 'none'", resp.Header.Get("Content-Security-Policy"))
}

func TestCACertificate(t *testing.T) {
	s := setupServer(t)
	client := s.Client()

	resp, body := do(t, client, http.MethodGet, s.URL+"/cas/crt/ca.crt.pem", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-x509-ca-cert", resp.Header.Get("Content-Type"))
	crt, err := pki.LoadCACertificate(body)
	require.NoError(t, err)
	assert.Equal(t, "Caucase CAS", crt.Subject.CommonName)

	resp, body = do(t, client, http.MethodGet, s.URL+"/cau/crt/ca.crt.json", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestCertificateSigningFlow(t *testing.T) {
	s := setupServer(t)
	anonymous := s.Client()
	operator := s.operator(t)

	csrPEM, key := newCSR(t, "service.example.com")
	resp, _ := do(t, anonymous, http.MethodPut, s.URL+"/cas/csr", "", csrPEM)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := resp.Header.Get("Location")
	require.NotEmpty(t, id)

	// Re-submitting gives the same id.
	resp, _ = do(t, anonymous, http.MethodPut, s.URL+"/cas/csr", "", csrPEM)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, id, resp.Header.Get("Location"))

	resp, body := do(t, anonymous, http.MethodGet, s.URL+"/cas/csr/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pkcs10", resp.Header.Get("Content-Type"))
	assert.Equal(t, csrPEM, body)

	resp, _ = do(t, anonymous, http.MethodGet, s.URL+"/cas/crt/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, anonymous, http.MethodGet, s.URL+"/cas/csr", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = do(t, anonymous, http.MethodPut, s.URL+"/cas/crt/"+id, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = do(t, operator, http.MethodGet, s.URL+"/cas/csr", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "private", resp.Header.Get("Cache-Control"))
	var pending []api.PendingRequest
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, string(csrPEM), pending[0].CSR)

	resp, _ = do(t, operator, http.MethodPut, s.URL+"/cas/crt/"+id, "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, anonymous, http.MethodGet, s.URL+"/cas/crt/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pkix-cert", resp.Header.Get("Content-Type"))
	crt, err := pki.ParseCertificate(body)
	require.NoError(t, err)
	require.NoError(t, pki.ValidateCertAndKey(crt, key))
	assert.Equal(t, "service.example.com", crt.Subject.CommonName)

	// Signed requests are no longer pending.
	resp, _ = do(t, operator, http.MethodDelete, s.URL+"/cas/csr/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	other, _ := newCSR(t, "other.example.com")
	resp, _ = do(t, anonymous, http.MethodPut, s.URL+"/cas/csr", "", other)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	otherID := resp.Header.Get("Location")
	resp, _ = do(t, anonymous, http.MethodDelete, s.URL+"/cas/csr/"+otherID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = do(t, operator, http.MethodDelete, s.URL+"/cas/csr/"+otherID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, anonymous, http.MethodGet, s.URL+"/cas/csr/"+otherID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserKeyReuseConflicts(t *testing.T) {
	s := setupServer(t)
	anonymous := s.Client()
	operator := s.operator(t)

	key, err := pki.GeneratePrivateKey(testKeySize)
	require.NoError(t, err)
	csrFor := func(cn string) []byte {
		der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
			Subject: pkix.Name{CommonName: cn},
		}, key)
		require.NoError(t, err)
		return pki.DumpCertificateRequest(der)
	}

	resp, _ := do(t, anonymous, http.MethodPut, s.URL+"/cau/csr", "", csrFor("alice"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := resp.Header.Get("Location")
	require.NotEmpty(t, id)

	resp, _ = do(t, anonymous, http.MethodPut, s.URL+"/cau/csr", "", csrFor("mallory"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))

	resp, body := do(t, operator, http.MethodGet, s.URL+"/cau/csr", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []api.PendingRequest
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	// Service requests may share a key.
	resp, _ = do(t, anonymous, http.MethodPut, s.URL+"/cas/csr", "", csrFor("a.example.com"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, anonymous, http.MethodPut, s.URL+"/cas/csr", "", csrFor("b.example.com"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCreateCertificateWithTemplate(t *testing.T) {
	s := setupServer(t)
	operator := s.operator(t)

	csrPEM, key := newCSR(t, "requested")
	id, err := s.cas.AppendCertificateSigningRequest(t.Context(), csrPEM, false)
	require.NoError(t, err)
	template, _ := newCSR(t, "approved")
	url := s.URL + "/cas/crt/" + strconv.FormatUint(id, 10)

	resp, _ := do(t, operator, http.MethodPut, url, "text/plain", template)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, operator, http.MethodPut, url, "application/pkcs10", template)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	crtPEM, err := s.cas.Certificate(t.Context(), id)
	require.NoError(t, err)
	crt, err := pki.ParseCertificate(crtPEM)
	require.NoError(t, err)
	assert.Equal(t, "approved", crt.Subject.CommonName)
	require.NoError(t, pki.ValidateCertAndKey(crt, key))
}

func TestRenewAndRevoke(t *testing.T) {
	s := setupServer(t)
	anonymous := s.Client()
	crtPEM, key := issue(t, s.cas, "renewed")

	renewCSR, renewKey := newCSR(t, "ignored")
	w, err := envelope.Wrap(api.RenewPayload{CrtPEM: string(crtPEM), RenewCSRPEM: string(renewCSR)}, key, "sha256")
	require.NoError(t, err)
	resp, body := doEnvelope(t, anonymous, s.URL+"/cas/crt/renew", w)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	renewed, err := pki.ParseCertificate(body)
	require.NoError(t, err)
	require.NoError(t, pki.ValidateCertAndKey(renewed, renewKey))
	assert.Equal(t, "renewed", renewed.Subject.CommonName)

	// Signing with another key than the certificate's is refused.
	w, err = envelope.Wrap(api.RenewPayload{CrtPEM: string(crtPEM), RenewCSRPEM: string(renewCSR)}, renewKey, "sha256")
	require.NoError(t, err)
	resp, _ = doEnvelope(t, anonymous, s.URL+"/cas/crt/renew", w)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	crtString := string(crtPEM)
	w, err = envelope.Wrap(api.RevokePayload{RevokeCrtPEM: &crtString}, key, "sha256")
	require.NoError(t, err)
	resp, _ = doEnvelope(t, anonymous, s.URL+"/cas/crt/revoke", w)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Revoking twice is accepted.
	resp, _ = doEnvelope(t, anonymous, s.URL+"/cas/crt/revoke", w)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A revoked certificate cannot be renewed.
	w, err = envelope.Wrap(api.RenewPayload{CrtPEM: crtString, RenewCSRPEM: string(renewCSR)}, key, "sha256")
	require.NoError(t, err)
	resp, _ = doEnvelope(t, anonymous, s.URL+"/cas/crt/renew", w)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	crt, err := pki.ParseCertificate(crtPEM)
	require.NoError(t, err)
	assert.Contains(t, revokedSerials(t, s, anonymous, "cas"), crt.SerialNumber.String())
}

func TestRevokeSerial(t *testing.T) {
	s := setupServer(t)
	w, err := envelope.NullWrap(api.RevokePayload{RevokeSerial: "123456789012345678901234567890"})
	require.NoError(t, err)

	resp, _ := doEnvelope(t, s.Client(), s.URL+"/cas/crt/revoke", w)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	operator := s.operator(t)
	resp, _ = doEnvelope(t, operator, s.URL+"/cas/crt/revoke", w)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, revokedSerials(t, s, operator, "cas"), "123456789012345678901234567890")

	// Revoked user certificates stop authenticating.
	crtPEM, key := issue(t, s.cau, "former operator")
	keyPEM, err := pki.DumpPrivateKey(key)
	require.NoError(t, err)
	crtString := string(crtPEM)
	revoke, err := envelope.NullWrap(api.RevokePayload{RevokeCrtPEM: &crtString})
	require.NoError(t, err)
	resp, _ = doEnvelope(t, operator, s.URL+"/cau/crt/revoke", revoke)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cert, err := tls.X509KeyPair(crtPEM, keyPEM)
	require.NoError(t, err)
	transport := s.Client().Transport.(*http.Transport).Clone()
	transport.TLSClientConfig.Certificates = []tls.Certificate{cert}
	former := &http.Client{Transport: transport}
	resp, _ = do(t, former, http.MethodGet, s.URL+"/cas/csr", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBadRequests(t *testing.T) {
	s := setupServer(t)
	client := s.Client()

	resp, _ := do(t, client, http.MethodPut, s.URL+"/cas/csr", "", []byte("not a csr"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, client, http.MethodGet, s.URL+"/cas/csr/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, client, http.MethodGet, s.URL+"/cas/crl/abc", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, client, http.MethodGet, s.URL+"/cas/crl/12345", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, client, http.MethodPut, s.URL+"/cas/crt/revoke", "text/plain", []byte("{}"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, client, http.MethodPut, s.URL+"/cas/crt/revoke", "application/json", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	router := api.New(s.cas, s.cau, api.WithRegistry(prometheus.NewRegistry())).Router()
	rec := httptest.NewRecorder()
	req := httptest.NewRequestWithContext(t.Context(), http.MethodPut, "/cas/csr", bytes.NewReader(bytes.Repeat([]byte("x"), api.MaxBodySize+1)))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCRL(t *testing.T) {
	s := setupServer(t)
	client := s.Client()

	resp, body := do(t, client, http.MethodGet, s.URL+"/cau/crl", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pkix-crl", resp.Header.Get("Content-Type"))
	block, _ := pem.Decode(body)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)

	cas, err := s.cau.CACertificates(t.Context())
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(cas[0]))
	aki, err := pki.AuthorityKeyIdentifierOf(cas[0])
	require.NoError(t, err)

	resp, single := do(t, client, http.MethodGet, s.URL+"/cau/crl/"+aki.String(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body, single)
}

func revokedSerials(t *testing.T, s *testServer, client *http.Client, authority string) []string {
	t.Helper()
	resp, body := do(t, client, http.MethodGet, s.URL+"/"+authority+"/crl", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var serials []string
	for block, rest := pem.Decode(body); block != nil; block, rest = pem.Decode(rest) {
		crl, err := x509.ParseRevocationList(block.Bytes)
		require.NoError(t, err)
		for _, entry := range crl.RevokedCertificateEntries {
			serials = append(serials, entry.SerialNumber.String())
		}
	}
	return serials
}

