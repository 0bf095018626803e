package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"
)

// newCORS builds the CORS policy. An empty allow list means same-origin only;
// "*" allows any origin.
func newCORS(allowed []string) *cors.Cors {
	opts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	}
	if len(allowed) == 0 {
		opts.AllowOriginVaryRequestFunc = func(r *http.Request, origin string) (bool, []string) {
			return sameOrigin(origin, r.Host), nil
		}
	} else {
		opts.AllowedOrigins = allowed
	}
	return cors.New(opts)
}

// OriginAllowed reports whether a request may proceed under the origin policy.
// Requests without an Origin header (native clients) are always allowed. The
// relay's WebSocket upgrader uses this as its CheckOrigin.
func (s *Server) OriginAllowed(r *http.Request) bool {
	if strings.TrimSpace(r.Header.Get("Origin")) == "" {
		return true
	}
	return s.cors.OriginAllowed(r)
}

// originMiddleware refuses cross-origin requests outright instead of relying
// on the browser to drop the response.
func (s *Server) originMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.OriginAllowed(r) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sameOrigin(origin, host string) bool {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
