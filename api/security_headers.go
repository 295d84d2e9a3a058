package api

import "net/http"

// SecurityHeaders is middleware that sets standard security response headers
// on every response. Responses are certificates, CRLs and JSON; the API
// documentation pages relax the policy through docsPolicy.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")

		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000")
		}

		next.ServeHTTP(w, r)
	})
}

// docsPolicy lets the documentation pages load their bundles from the CDNs
// the go-openapi middleware points at.
func docsPolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; "+
				"script-src 'self' 'unsafe-inline' https://unpkg.com https://cdn.jsdelivr.net; "+
				"style-src 'self' 'unsafe-inline' https://unpkg.com https://fonts.googleapis.com; "+
				"font-src https://fonts.gstatic.com; img-src 'self' data: https:; "+
				"worker-src blob:; connect-src 'self'")
		next.ServeHTTP(w, r)
	})
}
