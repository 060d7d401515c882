package protocol

import "testing"

func TestEncoderDecoderVarIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 250, 251, 0xfb, 0xfc, 0xffff, 0x10000, 0xffffff, 0x1000000, 1 << 40}
	for _, v := range cases {
		buf := make([]byte, VarIntSize(v))
		e := NewEncoder(buf)
		e.VarInt(v)
		if e.Err() != nil {
			t.Fatalf("encode %d: %v", v, e.Err())
		}
		if e.Len() != len(buf) {
			t.Fatalf("encode %d: wrote %d bytes, want %d (size honesty)", v, e.Len(), len(buf))
		}
		d := NewDecoder(buf)
		got, isNull := d.VarInt()
		if d.Err() != nil {
			t.Fatalf("decode %d: %v", v, d.Err())
		}
		if isNull {
			t.Fatalf("decode %d: unexpected NULL", v)
		}
		if got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
	}
}

func TestDecoderVarIntNull(t *testing.T) {
	d := NewDecoder([]byte{0xfb})
	v, isNull := d.VarInt()
	if d.Err() != nil {
		t.Fatalf("unexpected error: %v", d.Err())
	}
	if !isNull || v != 0 {
		t.Fatalf("want NULL, got v=%d isNull=%v", v, isNull)
	}
}

func TestDecoderVarIntReservedByte(t *testing.T) {
	d := NewDecoder([]byte{0xff})
	_, _ = d.VarInt()
	if d.Err() == nil {
		t.Fatal("want error for reserved 0xff length prefix")
	}
}

func TestEncoderBufferTooSmall(t *testing.T) {
	buf := make([]byte, 2)
	e := NewEncoder(buf)
	e.FixedInt(4, 123)
	if e.Err() != ErrBufferTooSmall {
		t.Fatalf("want ErrBufferTooSmall, got %v", e.Err())
	}
}

func TestEncoderStickyErrorStopsWriting(t *testing.T) {
	buf := make([]byte, 1)
	e := NewEncoder(buf)
	e.FixedInt(4, 1) // overruns immediately
	e.FixedInt(1, 2) // must be a no-op, not a panic or buffer corruption
	if e.Err() != ErrBufferTooSmall {
		t.Fatalf("want sticky ErrBufferTooSmall, got %v", e.Err())
	}
}

func TestDecoderShortRead(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	d.FixedInt(4)
	if d.Err() != ErrNotEnoughInput {
		t.Fatalf("want ErrNotEnoughInput, got %v", d.Err())
	}
}

func TestDecoderNulTermStringMissingTerminator(t *testing.T) {
	d := NewDecoder([]byte("no-nul-here"))
	d.NulTermString()
	if d.Err() != ErrNotEnoughInput {
		t.Fatalf("want ErrNotEnoughInput for missing NUL, got %v", d.Err())
	}
}

func TestVarStringRoundTrip(t *testing.T) {
	payload := []byte("select 1")
	buf := make([]byte, VarStringSize(len(payload)))
	e := NewEncoder(buf)
	e.VarString(payload)
	if e.Err() != nil || e.Len() != len(buf) {
		t.Fatalf("encode: err=%v len=%d want=%d", e.Err(), e.Len(), len(buf))
	}
	d := NewDecoder(buf)
	got := d.VarString()
	if d.Err() != nil {
		t.Fatalf("decode: %v", d.Err())
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}
