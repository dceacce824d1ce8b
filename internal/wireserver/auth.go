package wireserver

import (
	"net"
	"net/http"

	"github.com/relaycode/relayd/internal/wire"
)

// authContext reads the client's authentication context from the request,
// as an external collaborator (a reverse proxy or identity gateway) is
// expected to have attached it before the request reaches this endpoint.
// This package does not validate JWTs or perform login redirects: it only
// trusts the identity headers the gateway already verified, or falls back
// to Local for loopback connections with no such headers.
func authContext(r *http.Request) (wire.AuthSource, *wire.Identity) {
	if email := r.Header.Get("X-Relayd-Identity-Email"); email != "" {
		return wire.AuthAuthenticated, &wire.Identity{
			Email:       email,
			DisplayName: r.Header.Get("X-Relayd-Identity-Name"),
			Provider:    r.Header.Get("X-Relayd-Identity-Provider"),
		}
	}
	if isLoopback(r) {
		return wire.AuthLocal, nil
	}
	return wire.AuthAnonymous, nil
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
