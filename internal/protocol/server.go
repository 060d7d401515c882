package protocol

import "fmt"

// Packet header/marker bytes used to distinguish server response shapes.
const (
	headerOK       byte = 0x00
	headerEOF      byte = 0xfe
	headerErr      byte = 0xff
	headerLocalInf byte = 0xfb
)

// Server status flags (Protocol::OK_Packet / Protocol::EOF_Packet).
const (
	StatusInTrans            uint16 = 0x0001
	StatusAutocommit         uint16 = 0x0002
	StatusMoreResultsExists  uint16 = 0x0008
	StatusNoGoodIndexUsed    uint16 = 0x0010
	StatusNoIndexUsed        uint16 = 0x0020
	StatusCursorExists       uint16 = 0x0040
	StatusLastRowSent        uint16 = 0x0080
	StatusDBDropped          uint16 = 0x0100
	StatusNoBackslashEscapes uint16 = 0x0200
	StatusMetadataChanged    uint16 = 0x0400
	StatusQueryWasSlow       uint16 = 0x0800
	StatusPSOutParams        uint16 = 0x1000
	StatusInTransReadonly    uint16 = 0x2000
	StatusSessionStateChanged uint16 = 0x4000
)

// Greeting is the server's initial handshake packet, Protocol::Handshake.
// Both protocol 9 and protocol 10 shapes are supported on decode.
type Greeting struct {
	ProtocolVersion byte
	ServerVersion   []byte
	ConnectionID    uint32
	AuthPluginData  []byte // full scramble, 8 or 20 bytes depending on protocol
	Capabilities    Capabilities
	CharacterSet    byte
	StatusFlags     uint16
	AuthPluginName  []byte
}

// Size returns the encoded size of g under caps.
func (g Greeting) Size(caps Capabilities) int {
	n := 1 + len(g.ServerVersion) + 1 + 4
	if g.ProtocolVersion < 10 {
		// protocol 9: 8-byte scramble, no filler/caps/charset/status.
		n += 8 + 1
		return n
	}
	n += 8 // auth-plugin-data-part-1
	n += 1 // filler
	n += 2 // capability_flags_1
	n += 1 // character_set
	n += 2 // status_flags
	n += 2 // capability_flags_2
	n += 1 // auth_plugin_data_len
	n += 10 // reserved
	if len(g.AuthPluginData) > 8 {
		part2 := len(g.AuthPluginData) - 8
		if part2 < 13 {
			part2 = 13
		}
		n += part2
	} else {
		n += 13
	}
	if caps.Has(CapPluginAuth) {
		n += len(g.AuthPluginName) + 1
	}
	return n
}

// Encode serializes g under caps, allocating a new buffer.
func (g Greeting) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, g.Size(caps))
	if _, err := g.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeInto serializes g into buf, returning the number of bytes written.
func (g Greeting) EncodeInto(buf []byte, caps Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(g.ProtocolVersion))
	e.NulTermString(g.ServerVersion)
	e.FixedInt(4, uint64(g.ConnectionID))

	if g.ProtocolVersion < 10 {
		part1 := g.AuthPluginData
		if len(part1) > 8 {
			part1 = part1[:8]
		}
		e.FixedString(8, part1)
		e.FixedInt(1, 0)
		return e.Len(), e.Err()
	}

	part1 := g.AuthPluginData
	if len(part1) > 8 {
		part1 = part1[:8]
	}
	e.FixedString(8, part1)
	e.FixedInt(1, 0) // filler
	e.FixedInt(2, uint64(uint32(g.Capabilities)&0xffff))
	e.FixedInt(1, uint64(g.CharacterSet))
	e.FixedInt(2, uint64(g.StatusFlags))
	e.FixedInt(2, uint64(uint32(g.Capabilities)>>16))

	var part2 []byte
	if len(g.AuthPluginData) > 8 {
		part2 = g.AuthPluginData[8:]
	}
	authLen := 0
	if caps.Has(CapPluginAuth) {
		authLen = len(g.AuthPluginData)
	}
	e.FixedInt(1, uint64(authLen))
	e.Bytes(make([]byte, 10)) // reserved

	part2Len := len(part2)
	if part2Len < 13 {
		part2Len = 13
	}
	e.FixedString(part2Len, part2)

	if caps.Has(CapPluginAuth) {
		e.NulTermString(g.AuthPluginName)
	}
	return e.Len(), e.Err()
}

// DecodeGreeting decodes a server Greeting. Whether to look for the
// trailing plugin name (and how to read the scramble length) is decided
// from the capability bits embedded in the packet itself, per §4.A ("the decoder MUST implement both protocol 9 and protocol 10
// shapes").
func DecodeGreeting(buf []byte) (int, Greeting, error) {
	d := NewDecoder(buf)
	var g Greeting
	g.ProtocolVersion = byte(d.FixedInt(1))
	g.ServerVersion = clone(d.NulTermString())
	g.ConnectionID = uint32(d.FixedInt(4))

	if g.ProtocolVersion < 10 {
		// protocol 9 (3.21 and earlier): 8-byte scramble + filler only.
		part1 := clone(d.Bytes(8))
		d.FixedInt(1) // filler
		if d.Err() != nil {
			return 0, Greeting{}, d.Err()
		}
		g.AuthPluginData = part1
		return d.Pos(), g, nil
	}

	part1 := d.Bytes(8)
	d.FixedInt(1) // filler
	capLow := d.FixedInt(2)
	g.CharacterSet = byte(d.FixedInt(1))
	g.StatusFlags = uint16(d.FixedInt(2))
	capHigh := d.FixedInt(2)
	if d.Err() != nil {
		return 0, Greeting{}, d.Err()
	}
	g.Capabilities = Capabilities(capLow | capHigh<<16)

	authDataLen := int(d.Byte())
	d.Bytes(10) // reserved
	if d.Err() != nil {
		return 0, Greeting{}, d.Err()
	}

	if g.Capabilities.Has(CapPluginAuth) {
		if authDataLen < 8 {
			return 0, Greeting{}, fmt.Errorf("%w: auth_method_data_length %d < 8", ErrInvalidInput, authDataLen)
		}
	}
	// When plugin_auth is not set, authDataLen is filler (often 0 or the
	// literal 13) — accept any value, per the spec's resolved Open
	// Question.
	part2Len := 13
	if g.Capabilities.Has(CapPluginAuth) && authDataLen-8 > 13 {
		part2Len = authDataLen - 8
	}
	part2 := d.Bytes(part2Len)
	if d.Err() != nil {
		return 0, Greeting{}, d.Err()
	}
	// Trailing NUL in part 2 is a separator, not scramble data.
	if len(part2) > 0 && part2[len(part2)-1] == 0 {
		part2 = part2[:len(part2)-1]
	}
	g.AuthPluginData = append(clone(part1), clone(part2)...)

	if g.Capabilities.Has(CapPluginAuth) {
		g.AuthPluginName = clone(d.NulTermString())
	}
	if d.Err() != nil {
		return 0, Greeting{}, d.Err()
	}
	return d.Pos(), g, nil
}

// AuthMethodSwitch is Protocol::AuthSwitchRequest (header 0xfe).
type AuthMethodSwitch struct {
	AuthMethod []byte
	AuthData   []byte
}

func (a AuthMethodSwitch) Size(Capabilities) int {
	return 1 + len(a.AuthMethod) + 1 + len(a.AuthData)
}

func (a AuthMethodSwitch) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, a.Size(caps))
	if _, err := a.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

func (a AuthMethodSwitch) EncodeInto(buf []byte, _ Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(headerEOF))
	e.NulTermString(a.AuthMethod)
	e.String(a.AuthData)
	return e.Len(), e.Err()
}

func DecodeAuthMethodSwitch(buf []byte, _ Capabilities) (int, AuthMethodSwitch, error) {
	d := NewDecoder(buf)
	hdr := d.Byte()
	if d.Err() != nil {
		return 0, AuthMethodSwitch{}, d.Err()
	}
	if hdr != headerEOF {
		return 0, AuthMethodSwitch{}, fmt.Errorf("%w: expected AuthSwitchRequest header 0xfe, got 0x%02x", ErrInvalidInput, hdr)
	}
	var a AuthMethodSwitch
	a.AuthMethod = clone(d.NulTermString())
	a.AuthData = clone(d.String())
	if d.Err() != nil {
		return 0, AuthMethodSwitch{}, d.Err()
	}
	return d.Pos(), a, nil
}

// AuthMethodData is a raw auth-data packet exchanged mid-handshake
// (e.g. the caching_sha2_password full-auth RSA-encrypted password, or
// a public-key request/response).
type AuthMethodData struct {
	Data []byte
}

func (a AuthMethodData) Size(Capabilities) int { return len(a.Data) }

func (a AuthMethodData) Encode(caps Capabilities) ([]byte, error) {
	return clone(a.Data), nil
}

func DecodeAuthMethodData(buf []byte, _ Capabilities) (int, AuthMethodData, error) {
	return len(buf), AuthMethodData{Data: clone(buf)}, nil
}

// Ok is Protocol::OK_Packet (header 0x00, or 0xfe under
// text_result_with_session_tracking where it replaces an EOF).
type Ok struct {
	AffectedRows    uint64
	LastInsertID    uint64
	StatusFlags     uint16
	Warnings        uint16
	Info            []byte
	SessionChanges  []byte // opaque VarString — §4.C owns its internal shape
}

func (o Ok) Size(caps Capabilities) int {
	n := 1
	n += VarIntSize(o.AffectedRows)
	n += VarIntSize(o.LastInsertID)
	if caps.Has(CapProtocol41) {
		n += 2 + 2
	} else if caps.Has(CapTransactions) {
		n += 2
	}
	if caps.Has(CapSessionTrack) {
		n += VarStringSize(len(o.Info))
		if o.StatusFlags&StatusSessionStateChanged != 0 {
			n += VarStringSize(len(o.SessionChanges))
		}
	} else {
		n += len(o.Info)
	}
	return n
}

func (o Ok) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, o.Size(caps))
	if _, err := o.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

func (o Ok) EncodeInto(buf []byte, caps Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(headerOK))
	e.VarInt(o.AffectedRows)
	e.VarInt(o.LastInsertID)
	if caps.Has(CapProtocol41) {
		e.FixedInt(2, uint64(o.StatusFlags))
		e.FixedInt(2, uint64(o.Warnings))
	} else if caps.Has(CapTransactions) {
		e.FixedInt(2, uint64(o.StatusFlags))
	}
	if caps.Has(CapSessionTrack) {
		e.VarString(o.Info)
		if o.StatusFlags&StatusSessionStateChanged != 0 {
			e.VarString(o.SessionChanges)
		}
	} else {
		e.String(o.Info)
	}
	return e.Len(), e.Err()
}

// DecodeOk decodes an OK packet body (the caller has already consumed
// and checked the 0x00/0xfe header byte via PeekResponseKind).
func DecodeOk(buf []byte, caps Capabilities) (int, Ok, error) {
	d := NewDecoder(buf)
	d.Byte() // header, already identified by caller
	var o Ok
	o.AffectedRows, _ = d.VarInt()
	o.LastInsertID, _ = d.VarInt()
	if caps.Has(CapProtocol41) {
		o.StatusFlags = uint16(d.FixedInt(2))
		o.Warnings = uint16(d.FixedInt(2))
	} else if caps.Has(CapTransactions) {
		o.StatusFlags = uint16(d.FixedInt(2))
	}
	if d.Err() != nil {
		return 0, Ok{}, d.Err()
	}
	if caps.Has(CapSessionTrack) {
		if d.Remaining() > 0 {
			o.Info = clone(d.VarString())
		}
		if o.StatusFlags&StatusSessionStateChanged != 0 {
			o.SessionChanges = clone(d.VarString())
		}
	} else {
		o.Info = clone(d.String())
	}
	if d.Err() != nil {
		return 0, Ok{}, d.Err()
	}
	return d.Pos(), o, nil
}

// Eof is Protocol::EOF_Packet (header 0xfe, body < 8 bytes). Under
// text_result_with_session_tracking this shape is not used on the wire
// at all — the server sends an Ok instead (§4.A); decoders select which
// type to parse from shared caps, not from payload length.
type Eof struct {
	Warnings    uint16
	StatusFlags uint16
}

func (e Eof) Size(caps Capabilities) int {
	if caps.Has(CapProtocol41) {
		return 5
	}
	return 1
}

func (eo Eof) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, eo.Size(caps))
	if _, err := eo.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

func (eo Eof) EncodeInto(buf []byte, caps Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(headerEOF))
	if caps.Has(CapProtocol41) {
		e.FixedInt(2, uint64(eo.Warnings))
		e.FixedInt(2, uint64(eo.StatusFlags))
	}
	return e.Len(), e.Err()
}

func DecodeEof(buf []byte, caps Capabilities) (int, Eof, error) {
	d := NewDecoder(buf)
	hdr := d.Byte()
	if d.Err() != nil {
		return 0, Eof{}, d.Err()
	}
	if hdr != headerEOF {
		return 0, Eof{}, fmt.Errorf("%w: expected EOF header 0xfe, got 0x%02x", ErrInvalidInput, hdr)
	}
	var eo Eof
	if caps.Has(CapProtocol41) {
		eo.Warnings = uint16(d.FixedInt(2))
		eo.StatusFlags = uint16(d.FixedInt(2))
	}
	if d.Err() != nil {
		return 0, Eof{}, d.Err()
	}
	return d.Pos(), eo, nil
}

// Error is Protocol::ERR_Packet.
type Error struct {
	Code     uint16
	SQLState []byte // 5 bytes, without the '#' marker
	Message  []byte
}

func (er Error) Size(caps Capabilities) int {
	n := 1 + 2
	if caps.Has(CapProtocol41) {
		n += 1 + 5
	}
	n += len(er.Message)
	return n
}

func (er Error) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, er.Size(caps))
	if _, err := er.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

func (er Error) EncodeInto(buf []byte, caps Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(headerErr))
	e.FixedInt(2, uint64(er.Code))
	if caps.Has(CapProtocol41) {
		e.FixedInt(1, '#')
		state := er.SQLState
		if len(state) > 5 {
			state = state[:5]
		}
		e.FixedString(5, state)
	}
	e.String(er.Message)
	return e.Len(), e.Err()
}

func DecodeError(buf []byte, caps Capabilities) (int, Error, error) {
	d := NewDecoder(buf)
	hdr := d.Byte()
	if d.Err() != nil {
		return 0, Error{}, d.Err()
	}
	if hdr != headerErr {
		return 0, Error{}, fmt.Errorf("%w: expected ERR header 0xff, got 0x%02x", ErrInvalidInput, hdr)
	}
	var er Error
	er.Code = uint16(d.FixedInt(2))
	if caps.Has(CapProtocol41) {
		marker := d.Byte()
		if d.Err() != nil {
			return 0, Error{}, d.Err()
		}
		if marker != '#' {
			return 0, Error{}, fmt.Errorf("%w: expected '#' SQL-state marker, got 0x%02x", ErrInvalidInput, marker)
		}
		er.SQLState = clone(d.FixedString(5))
	}
	er.Message = clone(d.String())
	if d.Err() != nil {
		return 0, Error{}, d.Err()
	}
	return d.Pos(), er, nil
}

// ColumnCount is the length-encoded integer that opens a result set.
type ColumnCount struct {
	Count uint64
}

func (c ColumnCount) Size(Capabilities) int { return VarIntSize(c.Count) }

func (c ColumnCount) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, c.Size(caps))
	e := NewEncoder(buf)
	e.VarInt(c.Count)
	return buf, e.Err()
}

func DecodeColumnCount(buf []byte, _ Capabilities) (int, ColumnCount, error) {
	d := NewDecoder(buf)
	n, isNull := d.VarInt()
	if d.Err() != nil {
		return 0, ColumnCount{}, d.Err()
	}
	if isNull {
		return 0, ColumnCount{}, fmt.Errorf("%w: column count cannot be NULL", ErrInvalidInput)
	}
	return d.Pos(), ColumnCount{Count: n}, nil
}

// ColumnMeta is Protocol::ColumnDefinition41 (or the pre-4.1 shape when
// protocol_41 is not shared).
type ColumnMeta struct {
	Catalog      []byte
	Schema       []byte
	Table        []byte
	OrgTable     []byte
	Name         []byte
	OrgName      []byte
	CharacterSet uint16
	ColumnLength uint32
	Type         byte
	Flags        uint16
	Decimals     byte
}

func (c ColumnMeta) Size(caps Capabilities) int {
	if !caps.Has(CapProtocol41) {
		n := VarStringSize(len(c.Table)) + VarStringSize(len(c.Name))
		n += 1 + 3 // length-of-length-prefixed fields(1) + column_length(3)
		n += 1 + 1 // type(1) + flags(1, non-41)
		n += 1     // decimals
		return n
	}
	n := VarStringSize(len(c.Catalog))
	n += VarStringSize(len(c.Schema))
	n += VarStringSize(len(c.Table))
	n += VarStringSize(len(c.OrgTable))
	n += VarStringSize(len(c.Name))
	n += VarStringSize(len(c.OrgName))
	n += VarIntSize(12) // length of fixed fields below
	n += 12             // charset(2) + length(4) + type(1) + flags(2) + decimals(1) + filler(2)
	return n
}

func (c ColumnMeta) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, c.Size(caps))
	if _, err := c.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c ColumnMeta) EncodeInto(buf []byte, caps Capabilities) (int, error) {
	e := NewEncoder(buf)
	if !caps.Has(CapProtocol41) {
		e.VarString(c.Table)
		e.VarString(c.Name)
		e.VarInt(3)
		e.FixedInt(3, uint64(c.ColumnLength))
		e.VarInt(1)
		e.FixedInt(1, uint64(c.Type))
		return e.Len(), e.Err()
	}
	e.VarString(c.Catalog)
	e.VarString(c.Schema)
	e.VarString(c.Table)
	e.VarString(c.OrgTable)
	e.VarString(c.Name)
	e.VarString(c.OrgName)
	e.VarInt(12)
	e.FixedInt(2, uint64(c.CharacterSet))
	e.FixedInt(4, uint64(c.ColumnLength))
	e.FixedInt(1, uint64(c.Type))
	e.FixedInt(2, uint64(c.Flags))
	e.FixedInt(1, uint64(c.Decimals))
	e.FixedInt(2, 0) // filler
	return e.Len(), e.Err()
}

func DecodeColumnMeta(buf []byte, caps Capabilities) (int, ColumnMeta, error) {
	d := NewDecoder(buf)
	var c ColumnMeta
	if !caps.Has(CapProtocol41) {
		c.Table = clone(d.VarString())
		c.Name = clone(d.VarString())
		d.VarInt() // length-of-length, always 3
		c.ColumnLength = uint32(d.FixedInt(3))
		d.VarInt() // length-of-length, always 1
		c.Type = byte(d.FixedInt(1))
		if d.Err() != nil {
			return 0, ColumnMeta{}, d.Err()
		}
		return d.Pos(), c, nil
	}
	c.Catalog = clone(d.VarString())
	c.Schema = clone(d.VarString())
	c.Table = clone(d.VarString())
	c.OrgTable = clone(d.VarString())
	c.Name = clone(d.VarString())
	c.OrgName = clone(d.VarString())
	d.VarInt() // length of fixed fields, always 0x0c
	c.CharacterSet = uint16(d.FixedInt(2))
	c.ColumnLength = uint32(d.FixedInt(4))
	c.Type = byte(d.FixedInt(1))
	c.Flags = uint16(d.FixedInt(2))
	c.Decimals = byte(d.FixedInt(1))
	d.FixedInt(2) // filler
	if d.Err() != nil {
		return 0, ColumnMeta{}, d.Err()
	}
	return d.Pos(), c, nil
}

// SendFileRequest is the server's local-infile request (header 0xfb).
type SendFileRequest struct {
	Filename []byte
}

func (s SendFileRequest) Size(Capabilities) int { return 1 + len(s.Filename) }

func (s SendFileRequest) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, s.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(headerLocalInf))
	e.String(s.Filename)
	return buf, e.Err()
}

func DecodeSendFileRequest(buf []byte, _ Capabilities) (int, SendFileRequest, error) {
	d := NewDecoder(buf)
	hdr := d.Byte()
	if d.Err() != nil {
		return 0, SendFileRequest{}, d.Err()
	}
	if hdr != headerLocalInf {
		return 0, SendFileRequest{}, fmt.Errorf("%w: expected local-infile header 0xfb, got 0x%02x", ErrInvalidInput, hdr)
	}
	return d.Pos(), SendFileRequest{Filename: clone(d.String())}, nil
}

// StmtPrepareOk is COM_STMT_PREPARE's response header (header 0x00).
// The caller is responsible for reading the param_count and
// column_count definitions that follow as a ColumnMeta stream.
type StmtPrepareOk struct {
	StatementID  uint32
	ColumnCount  uint16
	ParamCount   uint16
	WarningCount uint16
}

func (s StmtPrepareOk) Size(Capabilities) int { return 1 + 4 + 2 + 2 + 1 + 2 }

func (s StmtPrepareOk) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, s.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(headerOK))
	e.FixedInt(4, uint64(s.StatementID))
	e.FixedInt(2, uint64(s.ColumnCount))
	e.FixedInt(2, uint64(s.ParamCount))
	e.FixedInt(1, 0) // filler
	e.FixedInt(2, uint64(s.WarningCount))
	return buf, e.Err()
}

func DecodeStmtPrepareOk(buf []byte, _ Capabilities) (int, StmtPrepareOk, error) {
	d := NewDecoder(buf)
	hdr := d.Byte()
	if d.Err() != nil {
		return 0, StmtPrepareOk{}, d.Err()
	}
	if hdr != headerOK {
		return 0, StmtPrepareOk{}, fmt.Errorf("%w: expected StmtPrepareOk header 0x00, got 0x%02x", ErrInvalidInput, hdr)
	}
	var s StmtPrepareOk
	s.StatementID = uint32(d.FixedInt(4))
	s.ColumnCount = uint16(d.FixedInt(2))
	s.ParamCount = uint16(d.FixedInt(2))
	d.FixedInt(1) // filler
	s.WarningCount = uint16(d.FixedInt(2))
	if d.Err() != nil {
		return 0, StmtPrepareOk{}, d.Err()
	}
	return d.Pos(), s, nil
}

// Row is one text-protocol result row: each field is a VarString, or
// NULL (represented by a nil Fields[i] plus the corresponding bit in
// the returned null markers being irrelevant — text rows mark NULL with
// the 0xfb length-encoded marker directly, not a bitmap).
type Row struct {
	Fields [][]byte // nil element == SQL NULL
}

func (r Row) Size(Capabilities) int {
	n := 0
	for _, f := range r.Fields {
		if f == nil {
			n++
		} else {
			n += VarStringSize(len(f))
		}
	}
	return n
}

func (r Row) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, r.Size(caps))
	e := NewEncoder(buf)
	for _, f := range r.Fields {
		if f == nil {
			e.NullVarInt()
		} else {
			e.VarString(f)
		}
	}
	return buf, e.Err()
}

// DecodeRow decodes a text-protocol row given the number of columns.
func DecodeRow(buf []byte, numFields int, _ Capabilities) (int, Row, error) {
	d := NewDecoder(buf)
	fields := make([][]byte, numFields)
	for i := 0; i < numFields; i++ {
		v, isNull := d.VarInt()
		if d.Err() != nil {
			return 0, Row{}, d.Err()
		}
		if isNull {
			fields[i] = nil
			continue
		}
		fields[i] = clone(d.Bytes(int(v)))
		if d.Err() != nil {
			return 0, Row{}, d.Err()
		}
	}
	return d.Pos(), Row{Fields: fields}, nil
}

// StmtRow is one binary-protocol (COM_STMT_EXECUTE) result row. The
// null-bitmap carries a 2-bit leading offset per the binary protocol.
type StmtRow struct {
	Values [][]byte // nil element == SQL NULL; encoding per ColumnTypes[i]
}

const stmtRowNullBitmapOffset = 2

func stmtRowNullBitmapSize(numFields int) int {
	return (numFields + stmtRowNullBitmapOffset + 7) / 8
}

// DecodeStmtRow decodes a binary-protocol row. columnTypes gives the
// MySQL column type byte for each field, in order; an unrecognized type
// yields ErrFieldTypeUnknown.
func DecodeStmtRow(buf []byte, columnTypes []byte, _ Capabilities) (int, StmtRow, error) {
	d := NewDecoder(buf)
	hdr := d.Byte()
	if d.Err() != nil {
		return 0, StmtRow{}, d.Err()
	}
	if hdr != headerOK {
		return 0, StmtRow{}, fmt.Errorf("%w: expected binary-row header 0x00, got 0x%02x", ErrInvalidInput, hdr)
	}
	numFields := len(columnTypes)
	bitmapLen := stmtRowNullBitmapSize(numFields)
	bitmap := d.Bytes(bitmapLen)
	if d.Err() != nil {
		return 0, StmtRow{}, d.Err()
	}
	isNull := func(i int) bool {
		bitPos := i + stmtRowNullBitmapOffset
		return bitmap[bitPos/8]&(1<<uint(bitPos%8)) != 0
	}
	values := make([][]byte, numFields)
	for i, typ := range columnTypes {
		if isNull(i) {
			continue
		}
		v, err := decodeBinaryValue(d, typ)
		if err != nil {
			return 0, StmtRow{}, err
		}
		values[i] = v
	}
	if d.Err() != nil {
		return 0, StmtRow{}, d.Err()
	}
	return d.Pos(), StmtRow{Values: values}, nil
}

// decodeBinaryValue reads one COM_STMT_EXECUTE-family binary value
// according to its MySQL column type, returning its raw encoded bytes
// (the router forwards/re-encodes, it does not interpret SQL values).
func decodeBinaryValue(d *Decoder, typ byte) ([]byte, error) {
	n, ok := fixedBinaryValueSize(typ)
	if ok {
		b := clone(d.Bytes(n))
		if d.Err() != nil {
			return nil, d.Err()
		}
		return b, nil
	}
	switch typ {
	case typeString, typeVarChar, typeVarString, typeBlob, typeTinyBlob,
		typeMediumBlob, typeLongBlob, typeDecimal, typeNewDecimal,
		typeGeometry, typeJSON, typeBit, typeEnum, typeSet:
		start := d.Pos()
		d.VarString()
		if d.Err() != nil {
			return nil, d.Err()
		}
		return clone(d.buf[start:d.Pos()]), nil
	case typeDate, typeDatetime, typeTimestamp, typeTime:
		n, isNull := d.VarInt()
		if d.Err() != nil {
			return nil, d.Err()
		}
		if isNull {
			return nil, fmt.Errorf("%w: unexpected NULL length for temporal value", ErrInvalidInput)
		}
		b := clone(d.Bytes(int(n)))
		if d.Err() != nil {
			return nil, d.Err()
		}
		return append([]byte{byte(n)}, b...), nil
	default:
		return nil, ErrFieldTypeUnknown
	}
}

// MySQL column type bytes (Protocol::ColumnType).
const (
	typeDecimal    byte = 0x00
	typeTiny       byte = 0x01
	typeShort      byte = 0x02
	typeLong       byte = 0x03
	typeFloat      byte = 0x04
	typeDouble     byte = 0x05
	typeNull       byte = 0x06
	typeTimestamp  byte = 0x07
	typeLongLong   byte = 0x08
	typeInt24      byte = 0x09
	typeDate       byte = 0x0a
	typeTime       byte = 0x0b
	typeDatetime   byte = 0x0c
	typeYear       byte = 0x0d
	typeVarChar    byte = 0x0f
	typeBit        byte = 0x10
	typeJSON       byte = 0xf5
	typeNewDecimal byte = 0xf6
	typeEnum       byte = 0xf7
	typeSet        byte = 0xf8
	typeTinyBlob   byte = 0xf9
	typeMediumBlob byte = 0xfa
	typeLongBlob   byte = 0xfb
	typeBlob       byte = 0xfc
	typeVarString  byte = 0xfd
	typeString     byte = 0xfe
	typeGeometry   byte = 0xff
)

// fixedBinaryValueSize returns the fixed wire width for numeric/temporal
// types whose size doesn't depend on the value (tiny=1, short/year=2,
// long/int24/float=4, longlong/double=8). Date/time/timestamp/decimal
// are length-prefixed and handled separately.
func fixedBinaryValueSize(typ byte) (int, bool) {
	switch typ {
	case typeTiny:
		return 1, true
	case typeShort, typeYear:
		return 2, true
	case typeLong, typeInt24, typeFloat:
		return 4, true
	case typeLongLong, typeDouble:
		return 8, true
	case typeNull:
		return 0, true
	default:
		return 0, false
	}
}

// Statistics is COM_STATISTICS's plain-text response (no packet header
// byte — it is a bare human-readable string to end of payload).
type Statistics struct {
	Text []byte
}

func (s Statistics) Size(Capabilities) int { return len(s.Text) }

func (s Statistics) Encode(caps Capabilities) ([]byte, error) {
	return clone(s.Text), nil
}

func DecodeStatistics(buf []byte, _ Capabilities) (int, Statistics, error) {
	return len(buf), Statistics{Text: clone(buf)}, nil
}

// PeekResponseKind inspects the first byte of a server response packet
// (without consuming) and reports which shape the caller should decode,
// honoring the §4.A rule that Eof becomes "OK with a 0xfe header" under
// text_result_with_session_tracking.
type ResponseKind int

const (
	ResponseUnknown ResponseKind = iota
	ResponseOK
	ResponseEOF
	ResponseErr
	ResponseLocalInfile
	ResponseResultSet
)

func PeekResponseKind(buf []byte, caps Capabilities) ResponseKind {
	if len(buf) == 0 {
		return ResponseUnknown
	}
	switch buf[0] {
	case headerOK:
		return ResponseOK
	case headerErr:
		return ResponseErr
	case headerLocalInf:
		return ResponseLocalInfile
	case headerEOF:
		if caps.Has(CapTextResultWithSessionTracking) {
			return ResponseOK
		}
		if len(buf) < 9 {
			return ResponseEOF
		}
		return ResponseResultSet
	default:
		return ResponseResultSet
	}
}
