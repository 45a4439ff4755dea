package explorer

import (
	"net/http"
	"strings"
)

// corsMiddleware allows the configured origins. Entries are exact strings,
// except a leading "*." which matches any subdomain, and a bare "*" which
// allows everything.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowAll := false
	exact := make(map[string]bool, len(allowed))
	var suffixes []string
	for _, origin := range allowed {
		switch {
		case origin == "*":
			allowAll = true
		case strings.HasPrefix(origin, "*."):
			suffixes = append(suffixes, origin[1:]) // keep the dot
		default:
			exact[origin] = true
		}
	}

	originAllowed := func(origin string) bool {
		if allowAll || exact[origin] {
			return true
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
