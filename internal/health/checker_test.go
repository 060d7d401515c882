package health

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/dbbouncer/mysqlrouter/internal/config"
	"github.com/dbbouncer/mysqlrouter/internal/protocol"
	"github.com/dbbouncer/mysqlrouter/internal/router"
)

var testHealthCfg = config.HealthCheckConfig{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 2 * time.Second,
}

func newTestRouter(destAddr string) *router.Router {
	host, portStr, _ := net.SplitHostPort(destAddr)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 3306
	}
	return router.New(&config.Config{
		Routes: []config.RouteConfig{
			{
				Name:         "primary",
				BindPort:     6446,
				Username:     "router_svc",
				Destinations: []config.Destination{{Host: host, Port: port}},
			},
		},
	})
}

// fakeMySQLServer starts a listener that sends a minimal HandshakeV10
// greeting to every connection, standing in for a live backend.
func fakeMySQLServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				g := protocol.Greeting{
					ProtocolVersion: 10,
					ServerVersion:   []byte("8.0.99-fake"),
					ConnectionID:    1,
					AuthPluginData:  []byte("01234567890123456789"),
					Capabilities:    protocol.CapProtocol41 | protocol.CapSecureConnection,
					CharacterSet:    45,
					AuthPluginName:  []byte("mysql_native_password"),
				}
				buf, err := g.Encode(g.Capabilities)
				if err != nil {
					return
				}
				header := []byte{byte(len(buf)), byte(len(buf) >> 8), byte(len(buf) >> 16), 0}
				conn.Write(header)
				conn.Write(buf)
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func fakeErrorServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				payload := []byte{0xff, 0x15, 0x04, '#', 'H', 'Y', '0', '0', '0', 'n', 'o'}
				header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), 0}
				conn.Write(header)
				conn.Write(payload)
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestCheckerInitialState(t *testing.T) {
	c := NewChecker(newTestRouter("127.0.0.1:3306"), nil, testHealthCfg)

	if !c.IsHealthy("unknown-dest:3306") {
		t.Error("unknown destination should be treated as healthy")
	}

	status := c.GetStatus("unknown-dest:3306")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := NewChecker(newTestRouter("127.0.0.1:3306"), nil, testHealthCfg)

	c.updateStatus("dest:3306", true)
	if !c.IsHealthy("dest:3306") {
		t.Error("should be healthy after a healthy update")
	}
	status := c.GetStatus("dest:3306")
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}
}

func TestCheckerMarksUnhealthyAfterThreshold(t *testing.T) {
	c := NewChecker(newTestRouter("127.0.0.1:3306"), nil, testHealthCfg)

	for i := 0; i < testHealthCfg.FailureThreshold-1; i++ {
		c.updateStatus("dest:3306", false)
		if !c.IsHealthy("dest:3306") {
			t.Fatalf("should still be healthy before reaching failure threshold (iteration %d)", i)
		}
	}
	c.updateStatus("dest:3306", false)
	if c.IsHealthy("dest:3306") {
		t.Error("should be unhealthy after reaching failure threshold")
	}
}

func TestCheckerRecoversAfterHealthyUpdate(t *testing.T) {
	c := NewChecker(newTestRouter("127.0.0.1:3306"), nil, testHealthCfg)
	for i := 0; i < testHealthCfg.FailureThreshold; i++ {
		c.updateStatus("dest:3306", false)
	}
	if c.IsHealthy("dest:3306") {
		t.Fatal("expected destination to be unhealthy before recovery")
	}
	c.updateStatus("dest:3306", true)
	if !c.IsHealthy("dest:3306") {
		t.Error("expected destination to recover after a healthy update")
	}
	if status := c.GetStatus("dest:3306"); status.ConsecutiveFailures != 0 {
		t.Errorf("expected consecutive failures reset to 0, got %d", status.ConsecutiveFailures)
	}
}

func TestPingDestinationHealthyGreeting(t *testing.T) {
	addr, stop := fakeMySQLServer(t)
	defer stop()

	c := NewChecker(newTestRouter(addr), nil, testHealthCfg)
	if !c.pingDestination(addr) {
		t.Error("expected a well-formed HandshakeV10 greeting to be treated as healthy")
	}
}

func TestPingDestinationErrorPacket(t *testing.T) {
	addr, stop := fakeErrorServer(t)
	defer stop()

	c := NewChecker(newTestRouter(addr), nil, testHealthCfg)
	if c.pingDestination(addr) {
		t.Error("expected an immediate error packet to be treated as unhealthy")
	}
}

func TestPingDestinationConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nobody is listening now

	c := NewChecker(newTestRouter(addr), nil, testHealthCfg)
	if c.pingDestination(addr) {
		t.Error("expected a refused connection to be treated as unhealthy")
	}
}

func TestOverallHealthy(t *testing.T) {
	c := NewChecker(newTestRouter("127.0.0.1:3306"), nil, testHealthCfg)
	if !c.OverallHealthy() {
		t.Error("expected a checker with no recorded destinations to be overall healthy")
	}
	c.updateStatus("dest:3306", false)
	for i := 0; i < testHealthCfg.FailureThreshold; i++ {
		c.updateStatus("dest:3306", false)
	}
	if c.OverallHealthy() {
		t.Error("expected OverallHealthy to be false once a destination is unhealthy")
	}
}

func TestCheckAllDiscoversRouteDestinations(t *testing.T) {
	addr, stop := fakeMySQLServer(t)
	defer stop()

	c := NewChecker(newTestRouter(addr), nil, testHealthCfg)
	c.checkAll()

	if !c.IsHealthy(addr) {
		t.Errorf("expected checkAll to have probed and recorded %s as healthy", addr)
	}
}
