package proxy

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/dbbouncer/mysqlrouter/internal/frame"
	"github.com/dbbouncer/mysqlrouter/internal/pool"
	"github.com/dbbouncer/mysqlrouter/internal/protocol"
	"github.com/dbbouncer/mysqlrouter/internal/session"
)

// fakeBackend answers every command it reads with a plain Ok packet at
// sequence 1, mirroring a real server's single-packet reply to LOCK
// TABLES / SELECT / RESET CONNECTION. It stops when its connection is
// closed.
func fakeBackend(t *testing.T, conn net.Conn) {
	t.Helper()
	r := frame.NewReader(conn, 0)
	w := frame.NewWriter(conn, 0)
	go func() {
		for {
			r.SetNextSeq(0)
			if _, _, err := r.ReadMessage(); err != nil {
				return
			}
			w.SetNextSeq(1)
			ok := protocol.Ok{StatusFlags: protocol.StatusAutocommit}
			buf, err := ok.Encode(testCaps)
			if err != nil {
				return
			}
			if err := w.WriteMessage(buf); err != nil {
				return
			}
		}
	}()
}

func newScenarioConnState(t *testing.T) (*connState, net.Conn) {
	t.Helper()
	clientSide, routerSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); routerSide.Close() })

	backendSide, remoteSide := net.Pipe()
	t.Cleanup(func() { backendSide.Close(); remoteSide.Close() })
	fakeBackend(t, remoteSide)

	p := pool.New(func(ctx context.Context, endpoint string) (net.Conn, error) {
		return nil, context.DeadlineExceeded
	}, pool.Config{MaxIdleServerConnections: 4})
	t.Cleanup(p.Close)

	pc := pool.NewPooledConn(backendSide, "backend:3306", p)

	cs := &connState{
		srv:            &Server{},
		id:             "scenario-client",
		clientConn:     routerSide,
		clientWriter:   frame.NewWriter(routerSide, 0),
		clientCaps:     testCaps,
		backendPool:    p,
		backend:        pc,
		beReader:       frame.NewReader(backendSide, 0),
		beWriter:       frame.NewWriter(backendSide, 0),
		beCaps:         testCaps,
		tracker:        session.NewTracker(),
		preparedParams: make(map[uint32]int),
	}
	return cs, clientSide
}

// drainOne reads and discards exactly one relayed packet, matching the
// sequence id the fixture's clientWriter is about to reset to before
// the next handleCommand call it pairs with.
func drainOne(client net.Conn, seq byte) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := frame.NewReader(client, seq)
		r.ReadMessage()
	}()
	return done
}

func sendQuery(t *testing.T, cs *connState, client net.Conn, text string) {
	t.Helper()
	q := protocol.Query{Text: []byte(text)}
	buf, err := q.Encode(cs.clientCaps)
	if err != nil {
		t.Fatalf("encode query %q: %v", text, err)
	}

	cs.clientWriter.SetNextSeq(1)
	done := drainOne(client, 1)
	if _, err := cs.handleCommand(context.Background(), buf); err != nil {
		t.Fatalf("handleCommand(%q): %v", text, err)
	}
	<-done
}

// TestScenarioLockTablesPinsSession covers scenario 4: LOCK TABLES
// pins the session so a following SELECT leaves the backend attached,
// and RESET CONNECTION clears the pin again.
func TestScenarioLockTablesPinsSession(t *testing.T) {
	cs, client := newScenarioConnState(t)

	sendQuery(t, cs, client, "LOCK TABLES t READ")
	if cs.backend == nil {
		t.Fatal("backend should still be attached right after LOCK TABLES")
	}
	if cs.tracker.Sharable() {
		t.Fatal("session must not be sharable while pinned")
	}

	sendQuery(t, cs, client, "SELECT 1")
	if cs.backend == nil {
		t.Fatal("backend must remain attached (not parked) while pinned")
	}

	buf := []byte{protocol.ComResetConnection}
	cs.clientWriter.SetNextSeq(1)
	done := drainOne(client, 1)
	if _, err := cs.handleCommand(context.Background(), buf); err != nil {
		t.Fatalf("handleCommand(RESET CONNECTION): %v", err)
	}
	<-done

	if !cs.tracker.Sharable() {
		t.Fatal("RESET CONNECTION should clear pinning and make the session sharable again")
	}
	if cs.backend != nil {
		t.Fatal("a sharable session's backend should have been parked")
	}
}

// TestScenarioTraceQueryAttributeOverride covers scenario 5: a session
// with tracing off gets it turned on for exactly one statement via the
// router.trace query attribute, and the follow-up SHOW WARNINGS surfaces
// the 4600 note reflecting that the session was not pinned.
func TestScenarioTraceQueryAttributeOverride(t *testing.T) {
	cs, client := newScenarioConnState(t)

	cs.clientWriter.SetNextSeq(1)
	setDone := drainOne(client, 1)
	handled, err := cs.maybeHandleRouterSet([]byte("ROUTER SET trace = 0"))
	if !handled || err != nil {
		t.Fatalf("ROUTER SET trace = 0: handled=%v err=%v", handled, err)
	}
	<-setDone
	if cs.traceOn {
		t.Fatal("traceOn should be false after ROUTER SET trace = 0")
	}

	q := protocol.Query{
		Text: []byte("SELECT 1"),
		Attributes: []protocol.QueryAttribute{
			{Name: []byte("router.trace"), Type: fieldTypeTiny, Value: []byte{1}},
		},
	}
	buf, err := q.Encode(cs.clientCaps)
	if err != nil {
		t.Fatalf("encode query: %v", err)
	}
	cs.clientWriter.SetNextSeq(1)
	done := drainOne(client, 1)
	if _, err := cs.handleCommand(context.Background(), buf); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}
	<-done

	if cs.lastTraceNote == nil {
		t.Fatal("expected a pending trace note after the overridden-trace query")
	}

	cs.clientWriter.SetNextSeq(1)
	warnDone := make(chan []byte, 1)
	go func() {
		r := frame.NewReader(client, 1)
		r.ReadMessage() // column count
		r.ReadMessage() // Level column def
		r.ReadMessage() // Code column def
		r.ReadMessage() // Message column def
		row, _, _ := r.ReadMessage()
		warnDone <- row
		r.ReadMessage() // trailing Ok (CapDeprecateEOF is set in testCaps)
	}()
	if _, err := cs.handleCommand(context.Background(), showWarningsPacket()); err != nil {
		t.Fatalf("handleCommand(SHOW WARNINGS): %v", err)
	}
	rowBuf := <-warnDone

	_, row, err := protocol.DecodeRow(rowBuf, 3, testCaps)
	if err != nil {
		t.Fatalf("decode warning row: %v", err)
	}
	var note map[string]interface{}
	if err := json.Unmarshal(row.Fields[2], &note); err != nil {
		t.Fatalf("unmarshal trace note json: %v", err)
	}
	attrs, ok := note["attributes"].(map[string]interface{})
	if !ok {
		t.Fatal("trace note missing attributes object")
	}
	if attrs["mysql.sharing_blocked"] != false {
		t.Fatalf("expected sharing_blocked=false, got %v", attrs["mysql.sharing_blocked"])
	}
}

func showWarningsPacket() []byte {
	q := protocol.Query{Text: []byte("SHOW WARNINGS")}
	buf, _ := q.Encode(testCaps)
	return buf
}

// TestScenarioStmtExecuteUnknownStatementID covers §4.A/§7: a
// COM_STMT_EXECUTE for a statement id this connection never prepared
// must surface the 1243 unknown-statement-handler error to the client
// rather than being forwarded to the backend.
func TestScenarioStmtExecuteUnknownStatementID(t *testing.T) {
	cs, client := newScenarioConnState(t)

	exec := protocol.StmtExecute{StatementID: 99, IterationCount: 1}
	buf, err := exec.Encode(0)
	if err != nil {
		t.Fatalf("encode StmtExecute: %v", err)
	}

	cs.clientWriter.SetNextSeq(1)
	errBufCh := make(chan []byte, 1)
	go func() {
		r := frame.NewReader(client, 1)
		got, _, _ := r.ReadMessage()
		errBufCh <- got
	}()
	if _, err := cs.handleCommand(context.Background(), buf); err != nil {
		t.Fatalf("handleCommand(COM_STMT_EXECUTE): %v", err)
	}
	errBuf := <-errBufCh

	_, errPkt, err := protocol.DecodeError(errBuf, testCaps)
	if err != nil {
		t.Fatalf("decode error packet: %v", err)
	}
	if errPkt.Code != errUnknownStmtHandler {
		t.Fatalf("error code = %d, want %d", errPkt.Code, errUnknownStmtHandler)
	}
	if cs.backend == nil {
		t.Fatal("an unknown statement id must be rejected before touching the backend")
	}
}
