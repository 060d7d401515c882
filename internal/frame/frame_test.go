package frame

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	payload := []byte("select 1")
	if err := w.WriteMessage(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewReader(&buf, 0)
	got, seq, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
	if seq != 0 {
		t.Fatalf("seq = %d, want 0", seq)
	}
}

func TestWriteReadMessageOver16MB(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 5)
	payload := bytes.Repeat([]byte{0x42}, MaxPayload+100)
	if err := w.WriteMessage(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewReader(&buf, 5)
	got, _, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch, got len %d want %d", len(got), len(payload))
	}
}

func TestWriteReadMessageExactMultipleOfMaxPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	payload := bytes.Repeat([]byte{0x01}, MaxPayload)
	if err := w.WriteMessage(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	// must have emitted a trailing zero-length frame
	if buf.Len() != 4+MaxPayload+4 {
		t.Fatalf("wire length = %d, want %d", buf.Len(), 4+MaxPayload+4)
	}
	r := NewReader(&buf, 0)
	got, _, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestReaderSequenceMismatch(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 3)
	if err := w.WriteMessage([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewReader(&buf, 0) // expects seq 0, frame carries seq 3
	_, _, err := r.ReadMessage()
	if err == nil {
		t.Fatal("want sequence mismatch error")
	}
}

func TestCompressedRoundTripSmallPayload(t *testing.T) {
	var buf bytes.Buffer
	cw := NewCompressedWriter(&buf, 0)
	payload := []byte("ping")
	if err := cw.WriteMessage(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	cr := NewCompressedReader(&buf, 0)
	got, _, err := cr.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestCompressedRoundTripLargePayload(t *testing.T) {
	var buf bytes.Buffer
	cw := NewCompressedWriter(&buf, 0)
	payload := bytes.Repeat([]byte("row data "), 200)
	if err := cw.WriteMessage(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	cr := NewCompressedReader(&buf, 0)
	got, _, err := cr.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch, got len %d want %d", len(got), len(payload))
	}
}
