package proxy

import (
	"net"
	"testing"

	"github.com/dbbouncer/mysqlrouter/internal/frame"
	"github.com/dbbouncer/mysqlrouter/internal/protocol"
	"github.com/dbbouncer/mysqlrouter/internal/session"
)

const testCaps = protocol.CapProtocol41 | protocol.CapSessionTrack | protocol.CapDeprecateEOF | protocol.CapTransactions | protocol.CapQueryAttributes

// TestStreamResponseAppliesSessionChanges covers scenario 3: an OK
// packet carrying a session_track schema change must fold into the
// tracker, and the packet itself must still reach the client unchanged.
func TestStreamResponseAppliesSessionChanges(t *testing.T) {
	client, clientWriterSide := net.Pipe()
	defer client.Close()
	defer clientWriterSide.Close()
	backend, backendReaderSide := net.Pipe()
	defer backend.Close()
	defer backendReaderSide.Close()

	cs := &connState{
		tracker:      session.NewTracker(),
		clientWriter: frame.NewWriter(clientWriterSide, 0),
		beReader:     frame.NewReader(backendReaderSide, 0),
		beCaps:       testCaps,
		clientCaps:   testCaps,
	}

	raw := encodeSchemaChange(t, "newdb")
	ok := protocol.Ok{StatusFlags: protocol.StatusAutocommit | protocol.StatusSessionStateChanged, SessionChanges: raw}
	okBuf, err := ok.Encode(testCaps)
	if err != nil {
		t.Fatalf("encode ok: %v", err)
	}

	go func() {
		w := frame.NewWriter(backend, 0)
		w.WriteMessage(okBuf)
	}()

	done := make(chan error, 1)
	go func() { done <- cs.streamResponse(nil) }()

	r := frame.NewReader(client, 0)
	gotBuf, _, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("reading relayed response: %v", err)
	}
	if len(gotBuf) == 0 {
		t.Fatal("expected a non-empty relayed Ok packet")
	}

	if err := <-done; err != nil {
		t.Fatalf("streamResponse: %v", err)
	}
	if cs.tracker.Schema != "newdb" {
		t.Fatalf("tracker schema = %q, want newdb", cs.tracker.Schema)
	}
}

// TestStreamResponseStopsAtError covers a plain ERR response: it must
// be relayed and streamResponse must return without expecting more
// packets.
func TestStreamResponseStopsAtError(t *testing.T) {
	client, clientWriterSide := net.Pipe()
	defer client.Close()
	defer clientWriterSide.Close()
	backend, backendReaderSide := net.Pipe()
	defer backend.Close()
	defer backendReaderSide.Close()

	cs := &connState{
		tracker:      session.NewTracker(),
		clientWriter: frame.NewWriter(clientWriterSide, 0),
		beReader:     frame.NewReader(backendReaderSide, 0),
		beCaps:       testCaps,
		clientCaps:   testCaps,
	}

	e := protocol.Error{Code: 1146, SQLState: sqlState("42S02"), Message: []byte("no such table")}
	ebuf, err := e.Encode(testCaps)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	go func() {
		w := frame.NewWriter(backend, 0)
		w.WriteMessage(ebuf)
	}()

	done := make(chan error, 1)
	go func() { done <- cs.streamResponse(nil) }()

	r := frame.NewReader(client, 0)
	if _, _, err := r.ReadMessage(); err != nil {
		t.Fatalf("reading relayed error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("streamResponse: %v", err)
	}
}

func encodeSchemaChange(t *testing.T, schema string) []byte {
	t.Helper()
	buf := make([]byte, 256)
	e := protocol.NewEncoder(buf)
	e.FixedInt(1, uint64(session.TrackSchema))
	innerBuf := make([]byte, 128)
	ie := protocol.NewEncoder(innerBuf)
	ie.VarString([]byte(schema))
	if ie.Err() != nil {
		t.Fatalf("encode inner: %v", ie.Err())
	}
	e.VarString(innerBuf[:ie.Len()])
	if e.Err() != nil {
		t.Fatalf("encode outer: %v", e.Err())
	}
	return buf[:e.Len()]
}
