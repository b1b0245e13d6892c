package asgi

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog/log"
)

// NewReverseProxy builds the fallback handler that forwards any request the
// orchestrator's own routes don't claim to the supervised ASGI process.
func NewReverseProxy(target string) http.Handler {
	u, err := url.Parse(target)
	if err != nil {
		log.Error().Err(err).Str("target", target).Msg("asgi: invalid proxy target")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "asgi fallback misconfigured", http.StatusInternalServerError)
		})
	}

	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("asgi proxy request failed")
		http.Error(w, "asgi backend unavailable", http.StatusBadGateway)
	}
	return proxy
}
