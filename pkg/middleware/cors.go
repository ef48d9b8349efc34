package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS creates the cross-origin middleware for the UI origins. The
// router only serves GET and POST, so nothing else is allowed through.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	return c.Handler
}
