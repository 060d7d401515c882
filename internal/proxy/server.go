// Package proxy drives the per-connection state machine described in
// §4.E: it accepts a client on a route's listener, negotiates TLS and
// authentication on both legs, forwards the classic protocol, and hands
// the backend connection back to internal/pool when the session tracker
// says it's safe to share.
//
// Grounded on the teacher's own server.go/mysql.go/handler.go: the
// per-listener accept loop and the ConnectionHandler dispatch shape are
// carried over unchanged; the hand-rolled handshake/packet parsing in
// mysql.go is replaced by internal/protocol's typed codec and
// internal/auth's backend authenticator, since a single-tenant raw
// relay can no longer decode enough of the protocol to track session
// state or inject tracing.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dbbouncer/mysqlrouter/internal/auth"
	"github.com/dbbouncer/mysqlrouter/internal/config"
	"github.com/dbbouncer/mysqlrouter/internal/health"
	"github.com/dbbouncer/mysqlrouter/internal/metrics"
	"github.com/dbbouncer/mysqlrouter/internal/pool"
	"github.com/dbbouncer/mysqlrouter/internal/router"
)

// Server owns one listener per configured route and dispatches accepted
// connections into the per-connection state machine.
type Server struct {
	router       *router.Router
	poolMgr      *pool.Manager
	authCache    *auth.Cache
	healthCheck  *health.Checker
	metrics      *metrics.Collector
	poolDefaults config.PoolConfig

	mu        sync.Mutex
	listeners map[string]net.Listener
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer builds a Server around the shared routing, pooling, auth
// and observability collaborators every route's listener uses.
func NewServer(r *router.Router, pm *pool.Manager, ac *auth.Cache, hc *health.Checker, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router:      r,
		poolMgr:     pm,
		authCache:   ac,
		healthCheck: hc,
		metrics:     m,
		listeners:   make(map[string]net.Listener),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ListenRoutes opens one TCP listener per route named in cfg and begins
// accepting client connections on each. Routes already listening are
// left untouched; this lets ListenRoutes be called again after a config
// reload that adds routes (removing routes is the caller's job via
// StopRoute, since an in-flight session shouldn't be cut by a rename).
func (s *Server) ListenRoutes(cfg *config.Config) error {
	s.mu.Lock()
	s.poolDefaults = cfg.ConnectionPool
	s.mu.Unlock()

	for _, rc := range cfg.Routes {
		if err := s.ListenRoute(rc); err != nil {
			return err
		}
	}
	return nil
}

// ListenRoute opens the listener for a single route, if it isn't
// already open.
func (s *Server) ListenRoute(rc config.RouteConfig) error {
	s.mu.Lock()
	if _, ok := s.listeners[rc.Name]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	bind := rc.BindAddress
	if bind == "" {
		bind = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", bind, rc.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s for route %q: %w", addr, rc.Name, err)
	}

	s.mu.Lock()
	s.listeners[rc.Name] = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(rc.Name, ln)

	slog.Info("route listening", "route", rc.Name, "address", addr)
	return nil
}

func (s *Server) acceptLoop(routeName string, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			slog.Warn("accept error", "route", routeName, "error", err)
			return
		}

		if s.router.IsPaused(routeName) {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(routeName, conn)
		}()
	}
}

func (s *Server) handleConnection(routeName string, clientConn net.Conn) {
	defer clientConn.Close()

	rc, err := s.router.Resolve(routeName)
	if err != nil {
		slog.Warn("route vanished between accept and handle", "route", routeName, "error", err)
		return
	}

	cs := newConnState(s, rc, clientConn)
	if err := cs.run(s.ctx); err != nil {
		slog.Debug("session ended", "route", routeName, "client", cs.id, "error", err)
	}
}

// tlsServerConfig builds the tls.Config a route's listener presents to
// clients, loading the route's certificate/key pair. Returns nil (no
// TLS available) when the route carries no certificate, which is valid
// for DISABLED and for PREFERRED routes that only ever downgrade.
func tlsServerConfig(rc config.RouteConfig) (*tls.Config, error) {
	if rc.TLSCert == "" || rc.TLSKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(rc.TLSCert, rc.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("proxy: loading route %q TLS cert/key: %w", rc.Name, err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// tlsClientConfig builds the tls.Config the router presents to a
// route's backends. A route's tls_ca would seed a custom RootCAs pool
// in a full deployment; absent one, the host's default root set is
// used, matching a typical internal-network deployment posture.
func tlsClientConfig(rc config.RouteConfig) (*tls.Config, error) {
	cfg := &tls.Config{}
	if rc.TLSCert != "" && rc.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(rc.TLSCert, rc.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("proxy: loading route %q backend TLS cert/key: %w", rc.Name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// StopRoute closes a single route's listener without affecting any
// other route or any already-accepted connection.
func (s *Server) StopRoute(name string) {
	s.mu.Lock()
	ln, ok := s.listeners[name]
	if ok {
		delete(s.listeners, name)
	}
	s.mu.Unlock()
	if ok {
		ln.Close()
	}
}

// Stop closes every route listener and cancels in-flight sessions'
// context, then waits for all accept loops and handlers to exit.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	for name, ln := range s.listeners {
		ln.Close()
		delete(s.listeners, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
