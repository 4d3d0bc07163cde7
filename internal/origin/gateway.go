// Package origin decides whether a cross-origin caller may proceed and
// attaches the hardened response header set to every response.
package origin

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	AllowHeaders = "authorization, x-client-info, apikey, content-type"
	AllowMethods = "GET, POST, OPTIONS"
	MaxAge       = "86400"
)

// securityHeaders ship on every response, allowed or not.
var securityHeaders = map[string]string{
	"Content-Security-Policy":   "default-src 'self'; frame-ancestors 'none'",
	"X-Frame-Options":           "DENY",
	"X-Content-Type-Options":    "nosniff",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
	"Permissions-Policy":        "camera=(), microphone=(), geolocation=()",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
}

// Decision is the per-request outcome. Headers always holds the security set;
// Access-Control-Allow-Origin is present only for an allowed, non-empty origin.
type Decision struct {
	Allowed bool
	Headers map[string]string
}

// Gateway holds the allow-list. It is immutable after construction.
type Gateway struct {
	allowed map[string]struct{}
	preview *regexp.Regexp
	logger  zerolog.Logger
}

// NewGateway builds a gateway from cfg. Development origins are merged into
// the allow-list only when development is true.
func NewGateway(cfg core.OriginConfig, development bool, logger zerolog.Logger) (*Gateway, error) {
	g := &Gateway{
		allowed: make(map[string]struct{}),
		logger:  logger.With().Str("component", "origin_gateway").Logger(),
	}
	for _, o := range cfg.Allowed {
		g.add(o)
	}
	if development {
		for _, o := range cfg.Development {
			g.add(o)
		}
	}
	if cfg.PreviewPattern != "" {
		// Match the whole origin, never a prefix or substring of it.
		re, err := regexp.Compile(`^(?:` + cfg.PreviewPattern + `)$`)
		if err != nil {
			return nil, fmt.Errorf("compiling preview pattern: %w", err)
		}
		g.preview = re
	}
	return g, nil
}

func (g *Gateway) add(origin string) {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin == "" || origin == "*" {
		return
	}
	g.allowed[origin] = struct{}{}
}

// Decide evaluates origin. An empty origin passes through without an
// Access-Control-Allow-Origin value. A disallowed origin never falls back to
// a wildcard.
func (g *Gateway) Decide(origin string) Decision {
	headers := make(map[string]string, len(securityHeaders)+5)
	for k, v := range securityHeaders {
		headers[k] = v
	}
	headers["Access-Control-Allow-Headers"] = AllowHeaders
	headers["Access-Control-Allow-Methods"] = AllowMethods
	headers["Access-Control-Max-Age"] = MaxAge
	headers["Vary"] = "Origin"

	if origin == "" {
		return Decision{Allowed: true, Headers: headers}
	}
	if !g.permits(origin) {
		return Decision{Allowed: false, Headers: headers}
	}
	headers["Access-Control-Allow-Origin"] = origin
	return Decision{Allowed: true, Headers: headers}
}

func (g *Gateway) permits(origin string) bool {
	if _, ok := g.allowed[origin]; ok {
		return true
	}
	return g.preview != nil && g.preview.MatchString(origin)
}

// Middleware applies Decide to every request. OPTIONS requests are answered
// with 204 and the header set only. A present but disallowed origin on any
// other method gets 403 ERR_FORBIDDEN_ORIGIN.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		d := g.Decide(origin)
		h := w.Header()
		for k, v := range d.Headers {
			h.Set(k, v)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		switch {
		case origin == "":
			metrics.OriginDecisions.WithLabelValues("absent").Inc()
		case d.Allowed:
			metrics.OriginDecisions.WithLabelValues("allowed").Inc()
		default:
			metrics.OriginDecisions.WithLabelValues("rejected").Inc()
			g.logger.Warn().
				Str("origin", origin).
				Str("path", r.URL.Path).
				Str("ip", r.RemoteAddr).
				Msg("cross-origin request rejected")
			core.WriteError(w, core.ErrOriginNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}
