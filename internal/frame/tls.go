package frame

import (
	"crypto/tls"
	"fmt"
	"net"
)

// UpgradeClient performs the server side of a MySQL SSLRequest upgrade:
// the caller has already read and validated the client's SSLRequest
// frame (a truncated HandshakeResponse with capability_flags only), and
// now swaps conn for a TLS-wrapped net.Conn, completing the handshake
// before any further classic frames are read or written.
//
// The returned Conn replaces the caller's transport; the frame
// Reader/Writer pair must be rebuilt on top of it with SeqID continuing
// from the sequence id the SSLRequest frame carried.
func UpgradeClient(conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tconn := tls.Server(conn, cfg)
	if err := tconn.Handshake(); err != nil {
		return nil, fmt.Errorf("frame: client TLS handshake: %w", err)
	}
	return tconn, nil
}

// UpgradeServer performs the client side of the same upgrade when the
// router, acting as a client toward the backend, negotiates TLS on the
// server-side leg (client_ssl_mode/server_ssl_mode independent of one
// another — §3/§6 of the connection state machine).
func UpgradeServer(conn net.Conn, cfg *tls.Config, serverName string) (*tls.Conn, error) {
	c := cfg.Clone()
	if serverName != "" {
		c.ServerName = serverName
	}
	tconn := tls.Client(conn, c)
	if err := tconn.Handshake(); err != nil {
		return nil, fmt.Errorf("frame: server-side TLS handshake: %w", err)
	}
	return tconn, nil
}
