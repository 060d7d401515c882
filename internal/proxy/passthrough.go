package proxy

import (
	"context"
	"fmt"
	"net"
)

// runPassthrough implements client_ssl_mode PASSTHROUGH: the router
// never looks at a single byte of the protocol on this route — it picks
// a destination, dials it, and relays raw bytes in both directions so
// the client's own TLS handshake (and its mysql_native_password or
// caching_sha2_password exchange) terminates directly at the backend.
// Session pinning, sharing, and tracing are unavailable here, since none
// of them are possible without decoding the stream.
func (cs *connState) runPassthrough(ctx context.Context) error {
	dest, err := cs.srv.router.NextDestination(cs.route.Name)
	if err != nil {
		return fmt.Errorf("proxy: no destination for passthrough route %q: %w", cs.route.Name, err)
	}

	d := net.Dialer{Timeout: cs.route.ConnectTimeout}
	backendConn, err := d.DialContext(ctx, "tcp", dest.Addr())
	if err != nil {
		return fmt.Errorf("proxy: dialing passthrough backend for route %q: %w", cs.route.Name, err)
	}
	defer backendConn.Close()

	// PASSTHROUGH never decodes the stream, so server_ssl_mode is moot
	// here beyond AS_CLIENT: the backend sees the client's own raw
	// SSLRequest and negotiates TLS directly with it.
	return relay(ctx, cs.clientConn, backendConn)
}
