package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/dbbouncer/mysqlrouter/internal/auth"
	"github.com/dbbouncer/mysqlrouter/internal/config"
	"github.com/dbbouncer/mysqlrouter/internal/frame"
	"github.com/dbbouncer/mysqlrouter/internal/pool"
	"github.com/dbbouncer/mysqlrouter/internal/protocol"
	"github.com/dbbouncer/mysqlrouter/internal/session"
)

// phase names the state machine positions a session passes through.
// Unlike a textbook state machine these are mostly observability labels
// — run()'s control flow is ordinary sequential Go, not a dispatch
// table — but they're exposed so logs and the status API can say where
// a session is stuck.
type phase int

const (
	phaseAccepting phase = iota
	phaseAwaitingClientTLS
	phaseAwaitingClientAuth
	phaseAcquiringBackend
	phaseAwaitingBackendAuth
	phaseReady
	phaseForwardingCommand
	phaseParked
	phaseReconnecting
	phaseError
)

func (p phase) String() string {
	switch p {
	case phaseAccepting:
		return "accepting_client"
	case phaseAwaitingClientTLS:
		return "awaiting_client_tls"
	case phaseAwaitingClientAuth:
		return "awaiting_client_auth_response"
	case phaseAcquiringBackend:
		return "acquiring_backend"
	case phaseAwaitingBackendAuth:
		return "awaiting_backend_auth_response"
	case phaseReady:
		return "ready"
	case phaseForwardingCommand:
		return "forwarding_command"
	case phaseParked:
		return "parked"
	case phaseReconnecting:
		return "reconnecting"
	default:
		return "error"
	}
}

// connState carries everything one proxied client session needs across
// its whole lifetime: the client leg, the (possibly absent) attached
// backend leg, and the session tracker that decides whether the
// backend can be handed to somebody else between commands.
type connState struct {
	srv   *Server
	route config.RouteConfig
	id    string

	clientConn   net.Conn
	clientReader *frame.Reader
	clientWriter *frame.Writer
	clientCaps   protocol.Capabilities
	schema       string
	scramble     []byte

	backendPool *pool.Pool
	backend     *pool.PooledConn
	beReader    *frame.Reader
	beWriter    *frame.Writer
	beCaps      protocol.Capabilities

	tracker       *session.Tracker
	traceOn       bool
	lastTraceNote *traceNote
	phase         phase
	startedAt     time.Time

	// preparedParams caches each open prepared statement's parameter
	// count by statement id, populated from StmtPrepareOk and consulted
	// by COM_STMT_EXECUTE decoding (see DecodeStmtExecute's numParams
	// argument) since the wire only carries parameter types on the
	// statement's first execution.
	preparedParams map[uint32]int
}

func newConnState(s *Server, rc config.RouteConfig, clientConn net.Conn) *connState {
	return &connState{
		srv:            s,
		route:          rc,
		id:             uuid.NewString(),
		clientConn:     clientConn,
		tracker:        session.NewTracker(),
		phase:          phaseAccepting,
		startedAt:      time.Now(),
		preparedParams: make(map[uint32]int),
	}
}

// backendCapabilities is the fixed capability set every backend
// connection this router opens negotiates, mirroring auth.Authenticate's
// own offered set — used to decode backend responses once a connection
// is attached, independent of which specific client is using it.
const backendCapabilities = protocol.CapProtocol41 | protocol.CapSecureConnection |
	protocol.CapPluginAuth | protocol.CapSessionTrack | protocol.CapDeprecateEOF |
	protocol.CapTransactions | protocol.CapQueryAttributes | protocol.CapConnectAttributes

func (cs *connState) dialFunc() pool.DialFunc {
	rc := cs.route
	return func(ctx context.Context, endpoint string) (net.Conn, error) {
		d := net.Dialer{Timeout: rc.ConnectTimeout}
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			return nil, err
		}

		secure := false
		if rc.ServerSSLMode == config.ServerSSLRequired {
			cfg, cerr := tlsClientConfig(rc)
			if cerr != nil {
				conn.Close()
				return nil, cerr
			}
			tlsConn, uerr := frame.UpgradeClient(conn, cfg)
			if uerr != nil {
				conn.Close()
				return nil, fmt.Errorf("proxy: backend TLS upgrade for route %q: %w", rc.Name, uerr)
			}
			conn = tlsConn
			secure = true
		}

		acct := auth.Account{Username: rc.Username, Password: rc.Password}
		if _, err := auth.Authenticate(conn, acct, "", cs.srv.authCache, secure); err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy: backend authentication for route %q: %w", rc.Name, err)
		}
		return conn, nil
	}
}

// run drives the full per-connection state machine described by the
// phase constants above: handshake, authenticate, acquire a backend,
// forward commands until the client disconnects, releasing the backend
// to the pool whenever the session tracker says it's safe to.
func (cs *connState) run(ctx context.Context) error {
	defer cs.cleanup()

	if cs.route.ClientSSLMode == config.ClientSSLPassthrough {
		return cs.runPassthrough(ctx)
	}

	if err := cs.handshakeClient(); err != nil {
		return err
	}

	cs.phase = phaseReady
	for {
		msg, seq, err := cs.clientReader.ReadMessage()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("proxy: reading client command: %w", err)
		}
		cs.clientWriter.SetNextSeq(seq + 1)

		cont, err := cs.handleCommand(ctx, msg)
		cs.clientReader.SetNextSeq(0) // every COM_* restarts the sequence id at 0
		if !cont {
			return err
		}
		if err != nil {
			slog.Debug("command error", "route", cs.route.Name, "client", cs.id, "error", err)
		}
	}
}

func (cs *connState) cleanup() {
	dur := time.Since(cs.startedAt)
	if cs.srv.metrics != nil {
		cs.srv.metrics.SessionDuration(cs.route.Name, dur)
	}
	// DiscardStashedFromThisClient (§4.E's Close transition): whether or
	// not this client currently holds an attached backend, any session
	// it previously parked in the stash must stop being reachable by
	// this client's id the moment it disconnects. This runs even in the
	// common case where the client's last command parked its backend
	// and cs.backend is already nil.
	if cs.backendPool != nil {
		cs.backendPool.DiscardAllStashed(cs.id)
	}
	if cs.backend == nil {
		return
	}
	// An attached backend mid-command when the client vanished can't be
	// trusted to any other client, so erase it outright rather than
	// park or return it.
	if cs.backendPool != nil {
		cs.backendPool.Erase(cs.backend)
	} else {
		cs.backend.Close()
	}
	if cs.srv.metrics != nil {
		cs.srv.metrics.DirtyDisconnect(cs.route.Name)
	}
}

// handshakeClient sends the server greeting, negotiates TLS if the
// client requests it and the route allows it, and validates the
// client's HandshakeResponse41 against the route's one configured
// account.
func (cs *connState) handshakeClient() error {
	cs.phase = phaseAwaitingClientTLS

	scramble := make([]byte, 20)
	if _, err := rand.Read(scramble); err != nil {
		return fmt.Errorf("proxy: generating auth scramble: %w", err)
	}
	cs.scramble = scramble

	offerSSL := cs.route.ClientSSLMode == config.ClientSSLPreferred || cs.route.ClientSSLMode == config.ClientSSLRequired
	serverCaps := protocol.CapProtocol41 | protocol.CapSecureConnection | protocol.CapPluginAuth |
		protocol.CapSessionTrack | protocol.CapDeprecateEOF | protocol.CapTransactions |
		protocol.CapQueryAttributes | protocol.CapConnectWithSchema | protocol.CapLongPassword
	if offerSSL {
		serverCaps |= protocol.CapSSL
	}

	greeting := protocol.Greeting{
		ProtocolVersion: 10,
		ServerVersion:   []byte("8.0.37-mysqlrouter"),
		ConnectionID:    connIDFromUUID(cs.id),
		AuthPluginData:  scramble,
		Capabilities:    serverCaps,
		CharacterSet:    45,
		AuthPluginName:  []byte("mysql_native_password"),
	}
	gbuf, err := greeting.Encode(serverCaps)
	if err != nil {
		return fmt.Errorf("proxy: encoding greeting: %w", err)
	}

	cs.clientReader = frame.NewReader(cs.clientConn, 1)
	cs.clientWriter = frame.NewWriter(cs.clientConn, 0)
	if err := cs.clientWriter.WriteMessage(gbuf); err != nil {
		return fmt.Errorf("proxy: sending greeting: %w", err)
	}

	greetBuf, seq, err := cs.clientReader.ReadMessage()
	if err != nil {
		return fmt.Errorf("proxy: reading client handshake response: %w", err)
	}

	isTLS := false
	if offerSSL && len(greetBuf) == 32 {
		tlsCfg, err := tlsServerConfig(cs.route)
		if err != nil {
			return err
		}
		if tlsCfg == nil {
			return fmt.Errorf("proxy: route %q offers client TLS but has no certificate configured", cs.route.Name)
		}
		tlsConn, err := frame.UpgradeServer(cs.clientConn, tlsCfg, "")
		if err != nil {
			return fmt.Errorf("proxy: client TLS upgrade: %w", err)
		}
		cs.clientConn = tlsConn
		cs.clientReader = frame.NewReader(tlsConn, seq+1)
		cs.clientWriter = frame.NewWriter(tlsConn, seq+1)
		isTLS = true

		greetBuf, seq, err = cs.clientReader.ReadMessage()
		if err != nil {
			return fmt.Errorf("proxy: reading post-TLS handshake response: %w", err)
		}
	}
	cs.clientWriter.SetNextSeq(seq + 1)

	if cs.route.ClientSSLMode == config.ClientSSLRequired && !isTLS {
		cs.sendClientError(errSecureConnRequired, "ER_SECURE_TRANSPORT_REQUIRED", "this route requires a secure connection")
		return fmt.Errorf("proxy: client did not negotiate required TLS")
	}

	cs.phase = phaseAwaitingClientAuth
	_, cg, err := protocol.DecodeClientGreeting(greetBuf)
	if err != nil {
		cs.sendClientError(errMalformedPacket, sqlStateGeneral, "malformed handshake response")
		return fmt.Errorf("proxy: decoding client handshake response: %w", err)
	}

	expected := auth.NativePasswordHash(cs.route.Password, scramble)
	if string(cg.Username) != cs.route.Username || !bytes.Equal(cg.AuthResponse, expected) {
		cs.sendClientError(errAccessDenied, "28000", fmt.Sprintf("Access denied for user '%s'", cg.Username))
		return fmt.Errorf("proxy: client authentication failed for user %q", cg.Username)
	}

	cs.clientCaps = serverCaps.Shared(cg.Capabilities)
	cs.schema = string(cg.Database)

	ok := protocol.Ok{StatusFlags: protocol.StatusAutocommit}
	okBuf, err := ok.Encode(cs.clientCaps)
	if err != nil {
		return fmt.Errorf("proxy: encoding auth Ok: %w", err)
	}
	return cs.clientWriter.WriteMessage(okBuf)
}

func (cs *connState) sendClientError(code uint16, state, msg string) {
	e := protocol.Error{Code: code, SQLState: sqlState(state), Message: []byte(msg)}
	buf, err := e.Encode(cs.clientCaps)
	if err != nil {
		return
	}
	_ = cs.clientWriter.WriteMessage(buf)
}

// connIDFromUUID derives a stable-looking 32-bit connection id from the
// session's uuid so every client sees a plausible, unique id without
// the router needing a global counter shared across routes.
func connIDFromUUID(id string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	if h == 0 {
		h = 1
	}
	return h
}
