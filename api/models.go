package api

import "encoding/json"

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PendingRequest is one entry of GET /{ca}/csr.
type PendingRequest struct {
	ID  string `json:"id"`
	CSR string `json:"csr"`
}

// RevokePayload is the envelope payload of PUT /{ca}/crt/revoke. Exactly
// one of the fields is set; a serial is only accepted in an unsigned
// envelope from an authenticated client.
type RevokePayload struct {
	RevokeCrtPEM *string     `json:"revoke_crt_pem,omitempty"`
	RevokeSerial json.Number `json:"revoke_serial,omitempty"`
}

// RenewPayload is the envelope payload of PUT /{ca}/crt/renew, signed by
// the key of CrtPEM.
type RenewPayload struct {
	CrtPEM      string `json:"crt_pem"`
	RenewCSRPEM string `json:"renew_csr_pem"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
