package proxy

import (
	"net"
	"testing"

	"github.com/dbbouncer/mysqlrouter/internal/config"
	"github.com/dbbouncer/mysqlrouter/internal/frame"
	"github.com/dbbouncer/mysqlrouter/internal/protocol"
)

func newTestConnState(t *testing.T) (*connState, net.Conn) {
	t.Helper()
	clientSide, routerSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); routerSide.Close() })

	cs := newConnState(&Server{}, config.RouteConfig{Name: "r1"}, routerSide)
	cs.clientWriter = frame.NewWriter(routerSide, 1)
	cs.clientCaps = protocol.CapProtocol41
	return cs, clientSide
}

// TestRouterSetTraceTogglesSession covers the ROUTER SET trace
// extension statement (scenario 5's setup half).
func TestRouterSetTraceTogglesSession(t *testing.T) {
	cs, client := newTestConnState(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := frame.NewReader(client, 1)
		reader.ReadMessage() // drain the Ok reply so WriteMessage doesn't block
	}()

	handled, err := cs.maybeHandleRouterSet([]byte("ROUTER SET trace = 1"))
	if !handled {
		t.Fatal("expected ROUTER SET trace to be handled")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cs.traceOn {
		t.Fatal("traceOn should be true after ROUTER SET trace = 1")
	}
	<-done

	handled, _ = cs.maybeHandleRouterSet([]byte("SELECT 1"))
	if handled {
		t.Fatal("ordinary statements must not be intercepted")
	}
}

// TestQueryAttributeTraceOverride covers the router.trace query
// attribute override and its validation rules.
func TestQueryAttributeTraceOverride(t *testing.T) {
	attrs := []protocol.QueryAttribute{
		{Name: []byte("router.trace"), Type: fieldTypeTiny, Value: []byte{1}},
	}
	val, has, err := queryAttributeTrace(attrs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has || !val {
		t.Fatalf("expected has=true val=true, got has=%v val=%v", has, val)
	}

	attrs = []protocol.QueryAttribute{
		{Name: []byte("router.trace"), Type: fieldTypeTiny, Value: []byte{2}},
	}
	if _, _, err := queryAttributeTrace(attrs); err == nil {
		t.Fatal("expected an error for an out-of-range trace value")
	}

	attrs = []protocol.QueryAttribute{
		{Name: []byte("router.nonsense"), Type: fieldTypeTiny, Value: []byte{1}},
	}
	if _, _, err := queryAttributeTrace(attrs); err == nil {
		t.Fatal("expected an error for an unrecognized router.* attribute")
	}

	val, has, err = queryAttributeTrace(nil)
	if err != nil || has || val {
		t.Fatalf("expected no override for nil attributes, got val=%v has=%v err=%v", val, has, err)
	}
}

func TestIsShowWarnings(t *testing.T) {
	cases := map[string]bool{
		"SHOW WARNINGS":   true,
		"show warnings  ": true,
		"SHOW ERRORS":     false,
		"  SHOW WARNINGS": true,
	}
	for text, want := range cases {
		if got := isShowWarnings([]byte(text)); got != want {
			t.Errorf("isShowWarnings(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestNewTraceEventDisabled(t *testing.T) {
	if newTraceEvent(false, false) != nil {
		t.Fatal("newTraceEvent(false, ...) should return nil")
	}
	tn := newTraceEvent(true, true)
	if tn == nil {
		t.Fatal("newTraceEvent(true, ...) should not return nil")
	}
	if tn.Attributes["mysql.sharing_blocked"] != true {
		t.Fatal("sharing_blocked attribute should reflect the constructor argument")
	}
	tn.finish(0, true)
	if tn.Attributes["mysql.remote.is_connected"] != true {
		t.Fatal("finish should set mysql.remote.is_connected")
	}
	if len(tn.Events) != 2 {
		t.Fatalf("expected 2 events after finish, got %d", len(tn.Events))
	}
}

func TestPinningReason(t *testing.T) {
	if pinningReason([]byte("LOCK TABLES t WRITE")) != "session_pinning_statement" {
		t.Fatal("LOCK TABLES should report session_pinning_statement")
	}
	if pinningReason([]byte("SELECT 1")) != "unknown" {
		t.Fatal("a non-pinning statement should report unknown")
	}
}

func TestHasResponse(t *testing.T) {
	if hasResponse(protocol.ComStmtClose) {
		t.Fatal("COM_STMT_CLOSE has no response")
	}
	if hasResponse(protocol.ComQuit) {
		t.Fatal("COM_QUIT has no response")
	}
	if !hasResponse(protocol.ComQuery) {
		t.Fatal("COM_QUERY has a response")
	}
}

func TestConnIDFromUUIDNeverZero(t *testing.T) {
	if connIDFromUUID("") == 0 {
		t.Fatal("connIDFromUUID must never return 0")
	}
	a := connIDFromUUID("11111111-1111-1111-1111-111111111111")
	b := connIDFromUUID("22222222-2222-2222-2222-222222222222")
	if a == b {
		t.Fatal("distinct uuids should not collide in this small test set")
	}
}

func TestPhaseStrings(t *testing.T) {
	phases := []phase{phaseAccepting, phaseAwaitingClientTLS, phaseAwaitingClientAuth,
		phaseAcquiringBackend, phaseAwaitingBackendAuth, phaseReady, phaseForwardingCommand,
		phaseParked, phaseReconnecting, phaseError}
	seen := make(map[string]bool)
	for _, p := range phases {
		s := p.String()
		if s == "" {
			t.Fatalf("phase %d has empty String()", p)
		}
		if seen[s] {
			t.Fatalf("duplicate phase string %q", s)
		}
		seen[s] = true
	}
}
