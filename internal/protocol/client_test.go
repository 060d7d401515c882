package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// TestQuitRoundTrip is the Quit-frame round trip from the connection
// teardown scenario: a single command byte, encode/decode/re-encode
// must be byte-identical.
func TestQuitRoundTrip(t *testing.T) {
	q := Quit{}
	buf, err := q.Encode(0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(buf, []byte{ComQuit}) {
		t.Fatalf("got % x want % x", buf, []byte{ComQuit})
	}
	n, got, err := DecodeQuit(buf, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 1 {
		t.Fatalf("consumed %d bytes, want 1", n)
	}
	re, err := got.Encode(0)
	if err != nil || !bytes.Equal(re, buf) {
		t.Fatalf("re-encode mismatch: %v % x vs % x", err, re, buf)
	}
}

func TestDecodeQuitWrongCommandByte(t *testing.T) {
	_, _, err := DecodeQuit([]byte{ComPing}, 0)
	if err == nil {
		t.Fatal("want error for mismatched command byte")
	}
}

func TestClientGreetingRoundTripWithPluginAuth(t *testing.T) {
	caps := CapProtocol41 | CapSecureConnection | CapPluginAuth | CapConnectWithSchema
	g := ClientGreeting{
		Capabilities:   caps,
		MaxPacketSize:  16 * 1024 * 1024,
		CharacterSet:   45,
		Username:       []byte("appuser"),
		AuthResponse:   bytes.Repeat([]byte{0xaa}, 20),
		Database:       []byte("appdb"),
		AuthPluginName: []byte("caching_sha2_password"),
	}
	buf, err := g.Encode(caps)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != g.Size(caps) {
		t.Fatalf("size mismatch: encoded %d, Size() %d", len(buf), g.Size(caps))
	}
	n, got, err := DecodeClientGreeting(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d of %d bytes", n, len(buf))
	}
	if string(got.Username) != "appuser" || string(got.Database) != "appdb" {
		t.Fatalf("got %+v", got)
	}
	if string(got.AuthPluginName) != "caching_sha2_password" {
		t.Fatalf("auth plugin name mismatch: %q", got.AuthPluginName)
	}
	if !bytes.Equal(got.AuthResponse, g.AuthResponse) {
		t.Fatalf("auth response mismatch")
	}
}

func TestClientGreetingRequiresProtocol41(t *testing.T) {
	buf := make([]byte, 40)
	// capability flags (first 2 bytes) deliberately exclude CLIENT_PROTOCOL_41
	_, _, err := DecodeClientGreeting(buf)
	if err == nil {
		t.Fatal("want error for greeting missing CLIENT_PROTOCOL_41")
	}
}

func TestQueryWithAttributesRoundTrip(t *testing.T) {
	caps := CapQueryAttributes
	q := Query{
		Attributes: []QueryAttribute{
			{Name: []byte("trace_id"), Type: typeVarString, Value: []byte("\x06abc123")},
			{Name: []byte("deadline_ms"), Type: typeLong, Value: []byte{0xe8, 0x03, 0x00, 0x00}},
		},
		Text: []byte("SELECT 1"),
	}
	buf, err := q.Encode(caps)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != q.Size(caps) {
		t.Fatalf("size mismatch: %d vs %d", len(buf), q.Size(caps))
	}
	n, got, err := DecodeQuery(buf, caps)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d of %d", n, len(buf))
	}
	if string(got.Text) != "SELECT 1" {
		t.Fatalf("text mismatch: %q", got.Text)
	}
	if len(got.Attributes) != 2 || string(got.Attributes[0].Name) != "trace_id" {
		t.Fatalf("attributes mismatch: %+v", got.Attributes)
	}
}

func TestQueryWithoutAttributesCapability(t *testing.T) {
	q := Query{Text: []byte("SELECT 1")}
	buf, err := q.Encode(0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(buf, append([]byte{ComQuery}, []byte("SELECT 1")...)) {
		t.Fatalf("unexpected encoding: % x", buf)
	}
}

func TestStmtExecuteRoundTripWithBoundParams(t *testing.T) {
	s := StmtExecute{
		StatementID:       7,
		IterationCount:    1,
		NewParamsBindFlag: true,
		Params: []StmtExecuteParam{
			{Type: typeLong, Value: []byte{1, 0, 0, 0}},
			{Type: typeVarString, Value: nil},
		},
	}
	buf, err := s.Encode(0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	n, got, err := DecodeStmtExecute(buf, len(s.Params), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d of %d", n, len(buf))
	}
	if got.StatementID != 7 || len(got.Params) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.Params[1].Value != nil {
		t.Fatalf("want NULL second param, got %v", got.Params[1].Value)
	}
}

func TestDecodeStmtExecuteShortRead(t *testing.T) {
	_, _, err := DecodeStmtExecute([]byte{ComStmtExecute, 1, 2}, 0, 0)
	if err == nil {
		t.Fatal("want error for truncated StmtExecute header")
	}
}

func TestDecodeStmtExecuteUnknownStatementID(t *testing.T) {
	s := StmtExecute{StatementID: 99, IterationCount: 1}
	buf, err := s.Encode(0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, _, err = DecodeStmtExecute(buf, -1, 0)
	if !errors.Is(err, ErrStatementIDNotFound) {
		t.Fatalf("err = %v, want ErrStatementIDNotFound", err)
	}
}

func TestDecodeStmtExecuteInvalidBindFlag(t *testing.T) {
	s := StmtExecute{
		StatementID:       7,
		IterationCount:    1,
		NewParamsBindFlag: true,
		Params:            []StmtExecuteParam{{Type: typeLong, Value: []byte{1, 0, 0, 0}}},
	}
	buf, err := s.Encode(0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// The bind-flag byte immediately follows the 10-byte header plus the
	// 1-byte null bitmap for a single param.
	buf[11] = 2
	_, _, err = DecodeStmtExecute(buf, len(s.Params), 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for bind flag 2", err)
	}
}

func TestDecodeStmtExecuteRejectsOversizedParamCount(t *testing.T) {
	buf := make([]byte, 10)
	buf[0] = ComStmtExecute
	_, _, err := DecodeStmtExecute(buf, len(buf), 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput when param_count >= buffer.size()/2", err)
	}
}
