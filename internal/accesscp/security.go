package accesscp

import (
	"net/http"

	"github.com/rs/cors"
)

// apiCSP locks responses down to data only; the service serves no documents.
const apiCSP = "default-src 'none'; frame-ancestors 'none'; form-action 'none'"

// SecurityHeaders wraps an http.Handler to set security headers on all
// responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "0")
		// Avoid leaking full URLs (session ids) to Stripe or Discord on redirect.
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=()")
		h.Set("Content-Security-Policy", apiCSP)
		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// CORS allows the frontend origins to call the API with the session cookie.
func CORS(origins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler
}
