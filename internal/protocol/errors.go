package protocol

import "errors"

// Codec error kinds, named in spec §4.A/§7. Callers use errors.Is against
// these sentinels rather than matching error strings.
var (
	// ErrNotEnoughInput is returned when a decode needs more bytes than
	// the buffer holds — the short-read case.
	ErrNotEnoughInput = errors.New("protocol: not enough input")

	// ErrInvalidInput is returned when the bytes present are
	// structurally wrong for the capabilities in effect (e.g. a
	// query-attributes param-set-count other than 1).
	ErrInvalidInput = errors.New("protocol: invalid input")

	// ErrBufferTooSmall is returned by Encode when the caller-supplied
	// buffer cannot hold the encoded value.
	ErrBufferTooSmall = errors.New("protocol: buffer too small")

	// ErrFieldTypeUnknown is returned when a StmtRow/StmtExecute field
	// type byte isn't one this codec understands.
	ErrFieldTypeUnknown = errors.New("protocol: field type unknown")

	// ErrStatementIDNotFound is returned by StmtExecute decode when the
	// caller's parameter-metadata lookup can't resolve the statement id.
	ErrStatementIDNotFound = errors.New("protocol: statement id not found")
)
