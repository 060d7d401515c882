package frame

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
)

// compressedHeaderSize is the 7-byte header MySQL's compressed protocol
// prefixes onto every physical frame: 3-byte compressed length, 1-byte
// sequence id, 3-byte uncompressed length.
const compressedHeaderSize = 7

// compressThreshold mirrors the server's own policy: payloads below it
// are sent uncompressed (uncompressed_length == 0) even when the
// compressed capability is negotiated, since zlib framing overhead
// dominates for tiny packets.
const compressThreshold = 50

// CompressedReader reads compressed-protocol frames, inflating each
// physical frame's payload before handing it to the classic Reader it
// wraps.
type CompressedReader struct {
	br      *bufio.Reader
	inner   *Reader
	pending *bytes.Buffer
}

// NewCompressedReader wraps r, feeding inflated classic frames to an
// embedded Reader so ReadMessage's 16MB-continuation logic is reused
// unchanged.
func NewCompressedReader(r io.Reader, startSeq byte) *CompressedReader {
	cr := &CompressedReader{br: bufio.NewReaderSize(r, 16*1024), pending: &bytes.Buffer{}}
	cr.inner = NewReader(cr.pending, startSeq)
	return cr
}

// ReadMessage inflates as many compressed physical frames as needed to
// satisfy one logical classic-protocol message.
func (cr *CompressedReader) ReadMessage() ([]byte, byte, error) {
	for {
		msg, seq, err := cr.inner.ReadMessage()
		if err == nil {
			return msg, seq, nil
		}
		if !isShortRead(err) {
			return nil, 0, err
		}
		if err := cr.fillOne(); err != nil {
			return nil, 0, err
		}
	}
}

func (cr *CompressedReader) fillOne() error {
	var hdr [compressedHeaderSize]byte
	if _, err := io.ReadFull(cr.br, hdr[:]); err != nil {
		return fmt.Errorf("frame: read compressed header: %w", err)
	}
	compLen := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	uncompLen := int(hdr[4]) | int(hdr[5])<<8 | int(hdr[6])<<16

	body := make([]byte, compLen)
	if _, err := io.ReadFull(cr.br, body); err != nil {
		return fmt.Errorf("frame: read compressed payload of %d bytes: %w", compLen, err)
	}

	if uncompLen == 0 {
		cr.pending.Write(body)
		return nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("frame: open zlib stream: %w", err)
	}
	defer zr.Close()
	out := make([]byte, uncompLen)
	if _, err := io.ReadFull(zr, out); err != nil {
		return fmt.Errorf("frame: inflate compressed payload: %w", err)
	}
	cr.pending.Write(out)
	return nil
}

func isShortRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// CompressedWriter writes classic-protocol messages wrapped in the
// compressed-protocol frame header, compressing payloads at or above
// compressThreshold.
type CompressedWriter struct {
	w       io.Writer
	inner   *bytes.Buffer
	classic *Writer
	nextSeq byte
}

// NewCompressedWriter wraps w for compressed-protocol writes.
func NewCompressedWriter(w io.Writer, startSeq byte) *CompressedWriter {
	buf := &bytes.Buffer{}
	return &CompressedWriter{w: w, inner: buf, classic: NewWriter(buf, 0), nextSeq: startSeq}
}

// WriteMessage classic-frames payload into cw's internal buffer, then
// emits that buffer as one or more compressed physical frames.
func (cw *CompressedWriter) WriteMessage(payload []byte) error {
	cw.inner.Reset()
	if err := cw.classic.WriteMessage(payload); err != nil {
		return err
	}
	return cw.writeCompressedFrame(cw.inner.Bytes())
}

func (cw *CompressedWriter) writeCompressedFrame(classicBytes []byte) error {
	const maxUncompressed = MaxPayload
	for len(classicBytes) > 0 {
		n := len(classicBytes)
		if n > maxUncompressed {
			n = maxUncompressed
		}
		chunk := classicBytes[:n]
		classicBytes = classicBytes[n:]

		var body []byte
		uncompLen := 0
		if len(chunk) >= compressThreshold {
			var zbuf bytes.Buffer
			zw := zlib.NewWriter(&zbuf)
			if _, err := zw.Write(chunk); err != nil {
				return fmt.Errorf("frame: deflate payload: %w", err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("frame: close zlib stream: %w", err)
			}
			body = zbuf.Bytes()
			uncompLen = len(chunk)
		} else {
			body = chunk
		}

		hdr := [compressedHeaderSize]byte{
			byte(len(body)), byte(len(body) >> 8), byte(len(body) >> 16),
			cw.nextSeq,
			byte(uncompLen), byte(uncompLen >> 8), byte(uncompLen >> 16),
		}
		cw.nextSeq = cw.nextSeq + 1
		if _, err := cw.w.Write(hdr[:]); err != nil {
			return fmt.Errorf("frame: write compressed header: %w", err)
		}
		if _, err := cw.w.Write(body); err != nil {
			return fmt.Errorf("frame: write compressed body: %w", err)
		}
	}
	return nil
}
