package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
)

// OriginPolicy decides which browser origins may open a room connection.
// Requests without an Origin header come from non-browser clients and pass.
type OriginPolicy struct {
	appOrigin     string
	allowLoopback bool
	metrics       *metrics.WebSocketMetrics
}

// NewOriginPolicy allows the origin of appURL. allowLoopback additionally
// admits localhost dev servers on any port. m may be nil.
func NewOriginPolicy(appURL string, allowLoopback bool, m *metrics.WebSocketMetrics) *OriginPolicy {
	return &OriginPolicy{
		appOrigin:     normalizeOrigin(appURL),
		allowLoopback: allowLoopback,
		metrics:       m,
	}
}

// Check has the signature of websocket.Upgrader.CheckOrigin.
func (p *OriginPolicy) Check(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}

	origin := normalizeOrigin(raw)
	if origin != "" && origin == p.appOrigin {
		return true
	}
	if p.allowLoopback && isLoopback(origin) {
		return true
	}

	if p.metrics != nil {
		p.metrics.Rejected.WithLabelValues(string(LimitReasonOrigin)).Inc()
	}
	slog.WarnContext(r.Context(), "WebSocket origin rejected", "origin", raw, "remote_addr", r.RemoteAddr)
	return false
}

// normalizeOrigin reduces a URL to scheme://host[:port], lowercased and
// without the scheme's default port. Anything without a host yields "".
func normalizeOrigin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

func isLoopback(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
