package protocol

import "fmt"

// Command bytes (Protocol::Command, COM_*). These lead every packet the
// client sends on an established connection.
const (
	ComSleep            byte = 0x00
	ComQuit             byte = 0x01
	ComInitDB           byte = 0x02
	ComQuery            byte = 0x03
	ComFieldList        byte = 0x04
	ComCreateDB         byte = 0x05
	ComDropDB           byte = 0x06
	ComRefresh          byte = 0x07
	ComStatistics       byte = 0x09
	ComProcessInfo      byte = 0x0a
	ComConnect          byte = 0x0b
	ComProcessKill      byte = 0x0c
	ComDebug            byte = 0x0d
	ComPing             byte = 0x0e
	ComTime             byte = 0x0f
	ComDelayedInsert    byte = 0x10
	ComChangeUser       byte = 0x11
	ComBinlogDump       byte = 0x12
	ComTableDump        byte = 0x13
	ComConnectOut       byte = 0x14
	ComRegisterReplica  byte = 0x15
	ComStmtPrepare      byte = 0x16
	ComStmtExecute      byte = 0x17
	ComStmtSendLongData byte = 0x18
	ComStmtClose        byte = 0x19
	ComStmtReset        byte = 0x1a
	ComSetOption        byte = 0x1b
	ComStmtFetch        byte = 0x1c
	ComDaemon           byte = 0x1d
	ComBinlogDumpGtid   byte = 0x1e
	ComResetConnection  byte = 0x1f
	ComClone            byte = 0x20
)

// ClientGreeting is the client's Protocol::HandshakeResponse.
type ClientGreeting struct {
	Capabilities      Capabilities
	MaxPacketSize     uint32
	CharacterSet      byte
	Username          []byte
	AuthResponse      []byte
	Database          []byte
	AuthPluginName    []byte
	ConnectAttributes map[string][]byte
	ZstdCompressionLevel byte
}

func (g ClientGreeting) Size(caps Capabilities) int {
	n := 4 + 4 + 1 + 23
	n += len(g.Username) + 1
	if caps.Has(CapPluginAuth) && caps.Has(CapAuthMethodDataVarint) {
		n += VarStringSize(len(g.AuthResponse))
	} else if caps.Has(CapSecureConnection) {
		n += 1 + len(g.AuthResponse)
	} else {
		n += len(g.AuthResponse) + 1
	}
	if caps.Has(CapConnectWithSchema) {
		n += len(g.Database) + 1
	}
	if caps.Has(CapPluginAuth) {
		n += len(g.AuthPluginName) + 1
	}
	if caps.Has(CapConnectAttributes) {
		attrsLen := 0
		for k, v := range g.ConnectAttributes {
			attrsLen += VarStringSize(len(k)) + VarStringSize(len(v))
		}
		n += VarIntSize(uint64(attrsLen)) + attrsLen
	}
	if caps.Has(CapZstdCompressionAlgorithm) {
		n += 1
	}
	return n
}

func (g ClientGreeting) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, g.Size(caps))
	if _, err := g.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

func (g ClientGreeting) EncodeInto(buf []byte, caps Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(4, uint64(uint32(g.Capabilities)))
	e.FixedInt(4, uint64(g.MaxPacketSize))
	e.FixedInt(1, uint64(g.CharacterSet))
	e.Bytes(make([]byte, 23))
	e.NulTermString(g.Username)

	if caps.Has(CapPluginAuth) && caps.Has(CapAuthMethodDataVarint) {
		e.VarString(g.AuthResponse)
	} else if caps.Has(CapSecureConnection) {
		e.FixedInt(1, uint64(len(g.AuthResponse)))
		e.Bytes(g.AuthResponse)
	} else {
		e.NulTermString(g.AuthResponse)
	}

	if caps.Has(CapConnectWithSchema) {
		e.NulTermString(g.Database)
	}
	if caps.Has(CapPluginAuth) {
		e.NulTermString(g.AuthPluginName)
	}
	if caps.Has(CapConnectAttributes) {
		attrsLen := 0
		for k, v := range g.ConnectAttributes {
			attrsLen += VarStringSize(len(k)) + VarStringSize(len(v))
		}
		e.VarInt(uint64(attrsLen))
		for k, v := range g.ConnectAttributes {
			e.VarString([]byte(k))
			e.VarString(v)
		}
	}
	if caps.Has(CapZstdCompressionAlgorithm) {
		e.FixedInt(1, uint64(g.ZstdCompressionLevel))
	}
	return e.Len(), e.Err()
}

// DecodeClientGreeting decodes a HandshakeResponse41/320 body. The
// capabilities embedded in the packet's own first field drive every
// subsequent branch — not a value passed in by the caller — per §4.A's
// rule that the decoder trusts the packet's own capability bits.
func DecodeClientGreeting(buf []byte) (int, ClientGreeting, error) {
	d := NewDecoder(buf)
	capLow := d.FixedInt(2)
	if d.Err() != nil {
		return 0, ClientGreeting{}, d.Err()
	}
	// Peek whether this looks like the 4.1+ shape (capability flags are
	// 4 bytes, max packet size 4 bytes, charset, 23 reserved) versus the
	// legacy 3.20 shape. We require protocol_41 in practice (the spec
	// targets 4.1+ servers); treat missing CapProtocol41 as malformed.
	capHigh := d.FixedInt(2)
	var g ClientGreeting
	g.Capabilities = Capabilities(capLow | capHigh<<16)
	if !g.Capabilities.Has(CapProtocol41) {
		return 0, ClientGreeting{}, fmt.Errorf("%w: client greeting without CLIENT_PROTOCOL_41 is not supported", ErrInvalidInput)
	}
	g.MaxPacketSize = uint32(d.FixedInt(4))
	g.CharacterSet = byte(d.FixedInt(1))
	d.Bytes(23) // reserved
	if d.Err() != nil {
		return 0, ClientGreeting{}, d.Err()
	}
	g.Username = clone(d.NulTermString())
	if d.Err() != nil {
		return 0, ClientGreeting{}, d.Err()
	}

	caps := g.Capabilities
	if caps.Has(CapPluginAuth) && caps.Has(CapAuthMethodDataVarint) {
		g.AuthResponse = clone(d.VarString())
	} else if caps.Has(CapSecureConnection) {
		n := d.Byte()
		g.AuthResponse = clone(d.Bytes(int(n)))
	} else {
		g.AuthResponse = clone(d.NulTermString())
	}
	if d.Err() != nil {
		return 0, ClientGreeting{}, d.Err()
	}

	if caps.Has(CapConnectWithSchema) {
		g.Database = clone(d.NulTermString())
	}
	if caps.Has(CapPluginAuth) {
		g.AuthPluginName = clone(d.NulTermString())
	}
	if d.Err() != nil {
		return 0, ClientGreeting{}, d.Err()
	}
	if caps.Has(CapConnectAttributes) && d.Remaining() > 0 {
		attrsLen, _ := d.VarInt()
		if d.Err() != nil {
			return 0, ClientGreeting{}, d.Err()
		}
		end := d.Pos() + int(attrsLen)
		attrs := make(map[string][]byte)
		for d.Pos() < end {
			k := d.VarString()
			v := d.VarString()
			if d.Err() != nil {
				return 0, ClientGreeting{}, d.Err()
			}
			attrs[string(k)] = clone(v)
		}
		g.ConnectAttributes = attrs
	}
	if caps.Has(CapZstdCompressionAlgorithm) && d.Remaining() > 0 {
		g.ZstdCompressionLevel = d.Byte()
	}
	if d.Err() != nil {
		return 0, ClientGreeting{}, d.Err()
	}
	return d.Pos(), g, nil
}

// ClientAuthMethodData is the client's reply to an AuthSwitchRequest or
// a mid-auth data round-trip — raw bytes, no command header.
type ClientAuthMethodData struct {
	Data []byte
}

func (a ClientAuthMethodData) Size(Capabilities) int { return len(a.Data) }

func (a ClientAuthMethodData) Encode(caps Capabilities) ([]byte, error) {
	return clone(a.Data), nil
}

func DecodeClientAuthMethodData(buf []byte, _ Capabilities) (int, ClientAuthMethodData, error) {
	return len(buf), ClientAuthMethodData{Data: clone(buf)}, nil
}

// ChangeUser is COM_CHANGE_USER.
type ChangeUser struct {
	Username       []byte
	AuthResponse   []byte
	Database       []byte
	CharacterSet   uint16
	AuthPluginName []byte
	ConnectAttributes map[string][]byte
}

func (c ChangeUser) Size(caps Capabilities) int {
	n := 1 + len(c.Username) + 1
	if caps.Has(CapSecureConnection) {
		n += 1 + len(c.AuthResponse)
	} else {
		n += len(c.AuthResponse) + 1
	}
	n += len(c.Database) + 1
	if caps.Has(CapProtocol41) {
		n += 2
	}
	if caps.Has(CapPluginAuth) {
		n += len(c.AuthPluginName) + 1
	}
	if caps.Has(CapConnectAttributes) {
		attrsLen := 0
		for k, v := range c.ConnectAttributes {
			attrsLen += VarStringSize(len(k)) + VarStringSize(len(v))
		}
		n += VarIntSize(uint64(attrsLen)) + attrsLen
	}
	return n
}

func (c ChangeUser) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, c.Size(caps))
	if _, err := c.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c ChangeUser) EncodeInto(buf []byte, caps Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComChangeUser))
	e.NulTermString(c.Username)
	if caps.Has(CapSecureConnection) {
		e.FixedInt(1, uint64(len(c.AuthResponse)))
		e.Bytes(c.AuthResponse)
	} else {
		e.NulTermString(c.AuthResponse)
	}
	e.NulTermString(c.Database)
	if caps.Has(CapProtocol41) {
		e.FixedInt(2, uint64(c.CharacterSet))
	}
	if caps.Has(CapPluginAuth) {
		e.NulTermString(c.AuthPluginName)
	}
	if caps.Has(CapConnectAttributes) {
		attrsLen := 0
		for k, v := range c.ConnectAttributes {
			attrsLen += VarStringSize(len(k)) + VarStringSize(len(v))
		}
		e.VarInt(uint64(attrsLen))
		for k, v := range c.ConnectAttributes {
			e.VarString([]byte(k))
			e.VarString(v)
		}
	}
	return e.Len(), e.Err()
}

func decodeCommandHeader(d *Decoder, want byte) error {
	hdr := d.Byte()
	if d.Err() != nil {
		return d.Err()
	}
	if hdr != want {
		return fmt.Errorf("%w: expected command byte 0x%02x, got 0x%02x", ErrInvalidInput, want, hdr)
	}
	return nil
}

func DecodeChangeUser(buf []byte, caps Capabilities) (int, ChangeUser, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComChangeUser); err != nil {
		return 0, ChangeUser{}, err
	}
	var c ChangeUser
	c.Username = clone(d.NulTermString())
	if caps.Has(CapSecureConnection) {
		n := d.Byte()
		c.AuthResponse = clone(d.Bytes(int(n)))
	} else {
		c.AuthResponse = clone(d.NulTermString())
	}
	c.Database = clone(d.NulTermString())
	if d.Err() != nil {
		return 0, ChangeUser{}, d.Err()
	}
	if caps.Has(CapProtocol41) && d.Remaining() > 0 {
		c.CharacterSet = uint16(d.FixedInt(2))
	}
	if caps.Has(CapPluginAuth) && d.Remaining() > 0 {
		c.AuthPluginName = clone(d.NulTermString())
	}
	if d.Err() != nil {
		return 0, ChangeUser{}, d.Err()
	}
	if caps.Has(CapConnectAttributes) && d.Remaining() > 0 {
		attrsLen, _ := d.VarInt()
		if d.Err() != nil {
			return 0, ChangeUser{}, d.Err()
		}
		end := d.Pos() + int(attrsLen)
		attrs := make(map[string][]byte)
		for d.Pos() < end {
			k := d.VarString()
			v := d.VarString()
			if d.Err() != nil {
				return 0, ChangeUser{}, d.Err()
			}
			attrs[string(k)] = clone(v)
		}
		c.ConnectAttributes = attrs
	}
	if d.Err() != nil {
		return 0, ChangeUser{}, d.Err()
	}
	return d.Pos(), c, nil
}

// simpleCommand is the shape shared by every zero-payload COM_* message:
// a single command byte and nothing else.
type simpleCommand struct {
	cmd byte
}

func (s simpleCommand) Size(Capabilities) int { return 1 }

func (s simpleCommand) encode() []byte { return []byte{s.cmd} }

func decodeSimpleCommand(buf []byte, want byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrNotEnoughInput
	}
	if buf[0] != want {
		return 0, fmt.Errorf("%w: expected command byte 0x%02x, got 0x%02x", ErrInvalidInput, want, buf[0])
	}
	return 1, nil
}

// Quit is COM_QUIT — spec scenario 1.
type Quit struct{}

func (Quit) Size(Capabilities) int { return 1 }
func (Quit) Encode(Capabilities) ([]byte, error) { return []byte{ComQuit}, nil }
func DecodeQuit(buf []byte, _ Capabilities) (int, Quit, error) {
	n, err := decodeSimpleCommand(buf, ComQuit)
	return n, Quit{}, err
}

// ResetConnection is COM_RESET_CONNECTION.
type ResetConnection struct{}

func (ResetConnection) Size(Capabilities) int { return 1 }
func (ResetConnection) Encode(Capabilities) ([]byte, error) { return []byte{ComResetConnection}, nil }
func DecodeResetConnection(buf []byte, _ Capabilities) (int, ResetConnection, error) {
	n, err := decodeSimpleCommand(buf, ComResetConnection)
	return n, ResetConnection{}, err
}

// Ping is COM_PING.
type Ping struct{}

func (Ping) Size(Capabilities) int { return 1 }
func (Ping) Encode(Capabilities) ([]byte, error) { return []byte{ComPing}, nil }
func DecodePing(buf []byte, _ Capabilities) (int, Ping, error) {
	n, err := decodeSimpleCommand(buf, ComPing)
	return n, Ping{}, err
}

// Statistics (client) is COM_STATISTICS.
type ClientStatistics struct{}

func (ClientStatistics) Size(Capabilities) int { return 1 }
func (ClientStatistics) Encode(Capabilities) ([]byte, error) { return []byte{ComStatistics}, nil }
func DecodeClientStatistics(buf []byte, _ Capabilities) (int, ClientStatistics, error) {
	n, err := decodeSimpleCommand(buf, ComStatistics)
	return n, ClientStatistics{}, err
}

// Debug is COM_DEBUG.
type Debug struct{}

func (Debug) Size(Capabilities) int { return 1 }
func (Debug) Encode(Capabilities) ([]byte, error) { return []byte{ComDebug}, nil }
func DecodeDebug(buf []byte, _ Capabilities) (int, Debug, error) {
	n, err := decodeSimpleCommand(buf, ComDebug)
	return n, Debug{}, err
}

// Reload is COM_REFRESH.
type Reload struct {
	SubCommand byte
}

func (r Reload) Size(Capabilities) int { return 2 }
func (r Reload) Encode(Capabilities) ([]byte, error) {
	return []byte{ComRefresh, r.SubCommand}, nil
}
func DecodeReload(buf []byte, _ Capabilities) (int, Reload, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComRefresh); err != nil {
		return 0, Reload{}, err
	}
	sub := d.Byte()
	if d.Err() != nil {
		return 0, Reload{}, d.Err()
	}
	return d.Pos(), Reload{SubCommand: sub}, nil
}

// Kill is COM_PROCESS_KILL.
type Kill struct {
	ConnectionID uint32
}

func (k Kill) Size(Capabilities) int { return 5 }
func (k Kill) Encode(Capabilities) ([]byte, error) {
	buf := make([]byte, 5)
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComProcessKill))
	e.FixedInt(4, uint64(k.ConnectionID))
	return buf, e.Err()
}
func DecodeKill(buf []byte, _ Capabilities) (int, Kill, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComProcessKill); err != nil {
		return 0, Kill{}, err
	}
	id := uint32(d.FixedInt(4))
	if d.Err() != nil {
		return 0, Kill{}, d.Err()
	}
	return d.Pos(), Kill{ConnectionID: id}, nil
}

// ListFields is COM_FIELD_LIST.
type ListFields struct {
	Table        []byte
	FieldWildcard []byte
}

func (l ListFields) Size(Capabilities) int { return 1 + len(l.Table) + 1 + len(l.FieldWildcard) }
func (l ListFields) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, l.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComFieldList))
	e.NulTermString(l.Table)
	e.String(l.FieldWildcard)
	return buf, e.Err()
}
func DecodeListFields(buf []byte, _ Capabilities) (int, ListFields, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComFieldList); err != nil {
		return 0, ListFields{}, err
	}
	var l ListFields
	l.Table = clone(d.NulTermString())
	l.FieldWildcard = clone(d.String())
	if d.Err() != nil {
		return 0, ListFields{}, d.Err()
	}
	return d.Pos(), l, nil
}

// InitSchema is COM_INIT_DB.
type InitSchema struct {
	Schema []byte
}

func (s InitSchema) Size(Capabilities) int { return 1 + len(s.Schema) }
func (s InitSchema) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, s.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComInitDB))
	e.String(s.Schema)
	return buf, e.Err()
}
func DecodeInitSchema(buf []byte, _ Capabilities) (int, InitSchema, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComInitDB); err != nil {
		return 0, InitSchema{}, err
	}
	s := InitSchema{Schema: clone(d.String())}
	if d.Err() != nil {
		return 0, InitSchema{}, d.Err()
	}
	return d.Pos(), s, nil
}

// QueryAttribute is one name/value/type triple from the
// query_attributes extension (CLIENT_QUERY_ATTRIBUTES).
type QueryAttribute struct {
	Name     []byte
	Type     byte
	Unsigned bool
	Value    []byte // NULL when nil
}

// Query is COM_QUERY, with the query-attributes extension per §4.A:
// when CapQueryAttributes is shared, a parameter_count/param_set_count/
// null-bitmap/types/values block precedes the query text exactly like
// StmtExecute's parameter block, with param_set_count always 1.
type Query struct {
	Attributes []QueryAttribute
	Text       []byte
}

func (q Query) Size(caps Capabilities) int {
	n := 1
	if caps.Has(CapQueryAttributes) {
		n += VarIntSize(uint64(len(q.Attributes)))
		n += VarIntSize(1) // param_set_count, always 1
		if len(q.Attributes) > 0 {
			n += (len(q.Attributes) + 7) / 8 // null bitmap
			n += 1                           // new_params_bind_flag
			for _, a := range q.Attributes {
				n += 2 // type + flag byte
				n += VarStringSize(len(a.Name))
				if a.Value != nil {
					n += len(a.Value)
				}
			}
		}
	}
	n += len(q.Text)
	return n
}

func (q Query) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, q.Size(caps))
	if _, err := q.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

func (q Query) EncodeInto(buf []byte, caps Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComQuery))
	if caps.Has(CapQueryAttributes) {
		e.VarInt(uint64(len(q.Attributes)))
		e.VarInt(1)
		if len(q.Attributes) > 0 {
			bitmap := make([]byte, (len(q.Attributes)+7)/8)
			for i, a := range q.Attributes {
				if a.Value == nil {
					bitmap[i/8] |= 1 << uint(i%8)
				}
			}
			e.Bytes(bitmap)
			e.FixedInt(1, 1) // new_params_bind_flag
			for _, a := range q.Attributes {
				typ := a.Type
				flag := byte(0)
				if a.Unsigned {
					flag = 0x80
				}
				e.FixedInt(1, uint64(typ))
				e.FixedInt(1, uint64(flag))
				e.VarString(a.Name)
			}
			for _, a := range q.Attributes {
				if a.Value != nil {
					e.Bytes(a.Value)
				}
			}
		}
	}
	e.String(q.Text)
	return e.Len(), e.Err()
}

func DecodeQuery(buf []byte, caps Capabilities) (int, Query, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComQuery); err != nil {
		return 0, Query{}, err
	}
	var q Query
	if caps.Has(CapQueryAttributes) {
		paramCount, _ := d.VarInt()
		paramSetCount, _ := d.VarInt()
		if d.Err() != nil {
			return 0, Query{}, d.Err()
		}
		if paramSetCount != 1 {
			return 0, Query{}, fmt.Errorf("%w: query attributes param_set_count must be 1, got %d", ErrInvalidInput, paramSetCount)
		}
		if paramCount > 0 {
			bitmapLen := (int(paramCount) + 7) / 8
			bitmap := d.Bytes(bitmapLen)
			d.Byte() // new_params_bind_flag
			if d.Err() != nil {
				return 0, Query{}, d.Err()
			}
			attrs := make([]QueryAttribute, paramCount)
			for i := range attrs {
				attrs[i].Type = d.Byte()
				flag := d.Byte()
				attrs[i].Unsigned = flag&0x80 != 0
				attrs[i].Name = clone(d.VarString())
			}
			if d.Err() != nil {
				return 0, Query{}, d.Err()
			}
			for i := range attrs {
				isNull := bitmap[i/8]&(1<<uint(i%8)) != 0
				if isNull {
					continue
				}
				v, err := decodeBinaryValue(d, attrs[i].Type)
				if err != nil {
					return 0, Query{}, err
				}
				attrs[i].Value = v
			}
			q.Attributes = attrs
		}
	}
	q.Text = clone(d.String())
	if d.Err() != nil {
		return 0, Query{}, d.Err()
	}
	return d.Pos(), q, nil
}

// SendFile is the client's reply to a SendFileRequest: a single packet
// carrying file content (or an empty packet to signal the end/refusal).
type SendFile struct {
	Data []byte
}

func (s SendFile) Size(Capabilities) int { return len(s.Data) }
func (s SendFile) Encode(Capabilities) ([]byte, error) { return clone(s.Data), nil }
func DecodeSendFile(buf []byte, _ Capabilities) (int, SendFile, error) {
	return len(buf), SendFile{Data: clone(buf)}, nil
}

// StmtPrepare is COM_STMT_PREPARE.
type StmtPrepare struct {
	Text []byte
}

func (s StmtPrepare) Size(Capabilities) int { return 1 + len(s.Text) }
func (s StmtPrepare) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, s.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComStmtPrepare))
	e.String(s.Text)
	return buf, e.Err()
}
func DecodeStmtPrepare(buf []byte, _ Capabilities) (int, StmtPrepare, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComStmtPrepare); err != nil {
		return 0, StmtPrepare{}, err
	}
	s := StmtPrepare{Text: clone(d.String())}
	if d.Err() != nil {
		return 0, StmtPrepare{}, d.Err()
	}
	return d.Pos(), s, nil
}

// StmtExecuteParam is one bound parameter's type and value.
type StmtExecuteParam struct {
	Type     byte
	Unsigned bool
	Value    []byte // nil == NULL
}

// StmtExecute is COM_STMT_EXECUTE. ParamTypes/values are only present on
// the wire when NewParamsBindFlag is set (the first execution of a
// statement, or after a StmtReset) — the caller's statement-parameter
// cache must supply types on subsequent executions, which is why
// DecodeStmtExecute takes the previously-bound param types/count as an
// argument and returns ErrStatementIDNotFound's sibling case implicitly
// through an empty paramTypes when the cache doesn't have the id cached
// (the caller decides that before calling, by looking up StatementID).
type StmtExecute struct {
	StatementID       uint32
	Flags             byte
	IterationCount    uint32
	NewParamsBindFlag bool
	Params            []StmtExecuteParam
}

func (s StmtExecute) Size(Capabilities) int {
	n := 1 + 4 + 1 + 4
	if len(s.Params) > 0 {
		n += (len(s.Params) + 7) / 8
		n += 1
		if s.NewParamsBindFlag {
			for range s.Params {
				n += 2
			}
		}
		for _, p := range s.Params {
			if p.Value != nil {
				n += len(p.Value)
			}
		}
	}
	return n
}

func (s StmtExecute) EncodeInto(buf []byte, _ Capabilities) (int, error) {
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComStmtExecute))
	e.FixedInt(4, uint64(s.StatementID))
	e.FixedInt(1, uint64(s.Flags))
	e.FixedInt(4, uint64(s.IterationCount))
	if len(s.Params) > 0 {
		bitmap := make([]byte, (len(s.Params)+7)/8)
		for i, p := range s.Params {
			if p.Value == nil {
				bitmap[i/8] |= 1 << uint(i%8)
			}
		}
		e.Bytes(bitmap)
		bindFlag := byte(0)
		if s.NewParamsBindFlag {
			bindFlag = 1
		}
		e.FixedInt(1, uint64(bindFlag))
		if s.NewParamsBindFlag {
			for _, p := range s.Params {
				flag := byte(0)
				if p.Unsigned {
					flag = 0x80
				}
				e.FixedInt(1, uint64(p.Type))
				e.FixedInt(1, uint64(flag))
			}
		}
		for _, p := range s.Params {
			if p.Value != nil {
				e.Bytes(p.Value)
			}
		}
	}
	return e.Len(), e.Err()
}

func (s StmtExecute) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, s.Size(caps))
	if _, err := s.EncodeInto(buf, caps); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeStmtExecute decodes a StmtExecute header and, when
// NewParamsBindFlag is set, the embedded per-call type list. numParams
// must come from the caller's prepared-statement cache when the bind
// flag is clear (the wire carries no types in that case); pass -1 if
// the statement id is unknown to the cache, and decode fails immediately
// with ErrStatementIDNotFound without consuming any parameter bytes.
func DecodeStmtExecute(buf []byte, numParams int, _ Capabilities) (int, StmtExecute, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComStmtExecute); err != nil {
		return 0, StmtExecute{}, err
	}
	var s StmtExecute
	s.StatementID = uint32(d.FixedInt(4))
	s.Flags = byte(d.FixedInt(1))
	s.IterationCount = uint32(d.FixedInt(4))
	if d.Err() != nil {
		return 0, StmtExecute{}, d.Err()
	}
	if numParams < 0 {
		return 0, StmtExecute{}, ErrStatementIDNotFound
	}
	if numParams == 0 {
		return d.Pos(), s, nil
	}
	// Refuse to allocate a parameter vector the remaining buffer
	// couldn't possibly back: each bound parameter needs at least a
	// null-bitmap bit and, when new_params_bound is set, a 2-byte
	// type/flag pair, so a param_count at or beyond half the buffer
	// size can never be legitimate.
	if numParams >= len(buf)/2 {
		return 0, StmtExecute{}, ErrInvalidInput
	}
	bitmapLen := (numParams + 7) / 8
	bitmap := d.Bytes(bitmapLen)
	bindFlag := d.Byte()
	if d.Err() != nil {
		return 0, StmtExecute{}, d.Err()
	}
	switch bindFlag {
	case 0:
		s.NewParamsBindFlag = false
	case 1:
		s.NewParamsBindFlag = true
	default:
		return 0, StmtExecute{}, ErrInvalidInput
	}
	params := make([]StmtExecuteParam, numParams)
	if s.NewParamsBindFlag {
		for i := range params {
			params[i].Type = d.Byte()
			flag := d.Byte()
			params[i].Unsigned = flag&0x80 != 0
		}
		if d.Err() != nil {
			return 0, StmtExecute{}, d.Err()
		}
	}
	for i := range params {
		isNull := bitmap[i/8]&(1<<uint(i%8)) != 0
		if isNull {
			continue
		}
		v, err := decodeBinaryValue(d, params[i].Type)
		if err != nil {
			return 0, StmtExecute{}, err
		}
		params[i].Value = v
	}
	if d.Err() != nil {
		return 0, StmtExecute{}, d.Err()
	}
	s.Params = params
	return d.Pos(), s, nil
}

// StmtParamAppendData is COM_STMT_SEND_LONG_DATA.
type StmtParamAppendData struct {
	StatementID uint32
	ParamID     uint16
	Data        []byte
}

func (s StmtParamAppendData) Size(Capabilities) int { return 1 + 4 + 2 + len(s.Data) }
func (s StmtParamAppendData) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, s.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComStmtSendLongData))
	e.FixedInt(4, uint64(s.StatementID))
	e.FixedInt(2, uint64(s.ParamID))
	e.Bytes(s.Data)
	return buf, e.Err()
}
func DecodeStmtParamAppendData(buf []byte, _ Capabilities) (int, StmtParamAppendData, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComStmtSendLongData); err != nil {
		return 0, StmtParamAppendData{}, err
	}
	var s StmtParamAppendData
	s.StatementID = uint32(d.FixedInt(4))
	s.ParamID = uint16(d.FixedInt(2))
	s.Data = clone(d.String())
	if d.Err() != nil {
		return 0, StmtParamAppendData{}, d.Err()
	}
	return d.Pos(), s, nil
}

// StmtClose is COM_STMT_CLOSE — fire-and-forget, no response.
type StmtClose struct {
	StatementID uint32
}

func (s StmtClose) Size(Capabilities) int { return 5 }
func (s StmtClose) Encode(Capabilities) ([]byte, error) {
	buf := make([]byte, 5)
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComStmtClose))
	e.FixedInt(4, uint64(s.StatementID))
	return buf, e.Err()
}
func DecodeStmtClose(buf []byte, _ Capabilities) (int, StmtClose, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComStmtClose); err != nil {
		return 0, StmtClose{}, err
	}
	id := uint32(d.FixedInt(4))
	if d.Err() != nil {
		return 0, StmtClose{}, d.Err()
	}
	return d.Pos(), StmtClose{StatementID: id}, nil
}

// StmtReset is COM_STMT_RESET.
type StmtReset struct {
	StatementID uint32
}

func (s StmtReset) Size(Capabilities) int { return 5 }
func (s StmtReset) Encode(Capabilities) ([]byte, error) {
	buf := make([]byte, 5)
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComStmtReset))
	e.FixedInt(4, uint64(s.StatementID))
	return buf, e.Err()
}
func DecodeStmtReset(buf []byte, _ Capabilities) (int, StmtReset, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComStmtReset); err != nil {
		return 0, StmtReset{}, err
	}
	id := uint32(d.FixedInt(4))
	if d.Err() != nil {
		return 0, StmtReset{}, d.Err()
	}
	return d.Pos(), StmtReset{StatementID: id}, nil
}

// SetOption is COM_SET_OPTION.
type SetOption struct {
	Option uint16
}

func (s SetOption) Size(Capabilities) int { return 3 }
func (s SetOption) Encode(Capabilities) ([]byte, error) {
	buf := make([]byte, 3)
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComSetOption))
	e.FixedInt(2, uint64(s.Option))
	return buf, e.Err()
}
func DecodeSetOption(buf []byte, _ Capabilities) (int, SetOption, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComSetOption); err != nil {
		return 0, SetOption{}, err
	}
	opt := uint16(d.FixedInt(2))
	if d.Err() != nil {
		return 0, SetOption{}, d.Err()
	}
	return d.Pos(), SetOption{Option: opt}, nil
}

// StmtFetch is COM_STMT_FETCH.
type StmtFetch struct {
	StatementID uint32
	RowCount    uint32
}

func (s StmtFetch) Size(Capabilities) int { return 9 }
func (s StmtFetch) Encode(Capabilities) ([]byte, error) {
	buf := make([]byte, 9)
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComStmtFetch))
	e.FixedInt(4, uint64(s.StatementID))
	e.FixedInt(4, uint64(s.RowCount))
	return buf, e.Err()
}
func DecodeStmtFetch(buf []byte, _ Capabilities) (int, StmtFetch, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComStmtFetch); err != nil {
		return 0, StmtFetch{}, err
	}
	var s StmtFetch
	s.StatementID = uint32(d.FixedInt(4))
	s.RowCount = uint32(d.FixedInt(4))
	if d.Err() != nil {
		return 0, StmtFetch{}, d.Err()
	}
	return d.Pos(), s, nil
}

// Clone is COM_CLONE.
type Clone struct{}

func (Clone) Size(Capabilities) int { return 1 }
func (Clone) Encode(Capabilities) ([]byte, error) { return []byte{ComClone}, nil }
func DecodeClone(buf []byte, _ Capabilities) (int, Clone, error) {
	n, err := decodeSimpleCommand(buf, ComClone)
	return n, Clone{}, err
}

// BinlogDump is COM_BINLOG_DUMP.
type BinlogDump struct {
	Position uint32
	Flags    uint16
	ServerID uint32
	Filename []byte
}

func (b BinlogDump) Size(Capabilities) int { return 1 + 4 + 2 + 4 + len(b.Filename) }
func (b BinlogDump) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, b.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComBinlogDump))
	e.FixedInt(4, uint64(b.Position))
	e.FixedInt(2, uint64(b.Flags))
	e.FixedInt(4, uint64(b.ServerID))
	e.String(b.Filename)
	return buf, e.Err()
}
func DecodeBinlogDump(buf []byte, _ Capabilities) (int, BinlogDump, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComBinlogDump); err != nil {
		return 0, BinlogDump{}, err
	}
	var b BinlogDump
	b.Position = uint32(d.FixedInt(4))
	b.Flags = uint16(d.FixedInt(2))
	b.ServerID = uint32(d.FixedInt(4))
	b.Filename = clone(d.String())
	if d.Err() != nil {
		return 0, BinlogDump{}, d.Err()
	}
	return d.Pos(), b, nil
}

// BinlogDumpGtid is COM_BINLOG_DUMP_GTID.
type BinlogDumpGtid struct {
	Flags       uint16
	ServerID    uint32
	Filename    []byte
	Position    uint64
	SidData     []byte
}

func (b BinlogDumpGtid) Size(Capabilities) int {
	n := 1 + 2 + 4 + VarStringSize(len(b.Filename)) + 8
	if b.Flags&0x0004 != 0 { // GTID_DUMP flag, data follows
		n += 4 + len(b.SidData)
	}
	return n
}
func (b BinlogDumpGtid) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, b.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComBinlogDumpGtid))
	e.FixedInt(2, uint64(b.Flags))
	e.FixedInt(4, uint64(b.ServerID))
	e.VarInt(uint64(len(b.Filename)))
	e.Bytes(b.Filename)
	e.FixedInt(8, b.Position)
	if b.Flags&0x0004 != 0 {
		e.FixedInt(4, uint64(len(b.SidData)))
		e.Bytes(b.SidData)
	}
	return buf, e.Err()
}
func DecodeBinlogDumpGtid(buf []byte, _ Capabilities) (int, BinlogDumpGtid, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComBinlogDumpGtid); err != nil {
		return 0, BinlogDumpGtid{}, err
	}
	var b BinlogDumpGtid
	b.Flags = uint16(d.FixedInt(2))
	b.ServerID = uint32(d.FixedInt(4))
	fnameLen, _ := d.VarInt()
	b.Filename = clone(d.Bytes(int(fnameLen)))
	b.Position = d.FixedInt(8)
	if d.Err() != nil {
		return 0, BinlogDumpGtid{}, d.Err()
	}
	if b.Flags&0x0004 != 0 {
		sidLen := d.FixedInt(4)
		b.SidData = clone(d.Bytes(int(sidLen)))
		if d.Err() != nil {
			return 0, BinlogDumpGtid{}, d.Err()
		}
	}
	return d.Pos(), b, nil
}

// RegisterReplica is COM_REGISTER_SLAVE.
type RegisterReplica struct {
	ServerID uint32
	Hostname []byte
	Username []byte
	Password []byte
	Port     uint16
	ReplicationRank uint32
	MasterID uint32
}

func (r RegisterReplica) Size(Capabilities) int {
	return 1 + 4 + 1 + len(r.Hostname) + 1 + len(r.Username) + 1 + len(r.Password) + 2 + 4 + 4
}
func (r RegisterReplica) Encode(caps Capabilities) ([]byte, error) {
	buf := make([]byte, r.Size(caps))
	e := NewEncoder(buf)
	e.FixedInt(1, uint64(ComRegisterReplica))
	e.FixedInt(4, uint64(r.ServerID))
	e.FixedInt(1, uint64(len(r.Hostname)))
	e.Bytes(r.Hostname)
	e.FixedInt(1, uint64(len(r.Username)))
	e.Bytes(r.Username)
	e.FixedInt(1, uint64(len(r.Password)))
	e.Bytes(r.Password)
	e.FixedInt(2, uint64(r.Port))
	e.FixedInt(4, uint64(r.ReplicationRank))
	e.FixedInt(4, uint64(r.MasterID))
	return buf, e.Err()
}
func DecodeRegisterReplica(buf []byte, _ Capabilities) (int, RegisterReplica, error) {
	d := NewDecoder(buf)
	if err := decodeCommandHeader(d, ComRegisterReplica); err != nil {
		return 0, RegisterReplica{}, err
	}
	var r RegisterReplica
	r.ServerID = uint32(d.FixedInt(4))
	r.Hostname = clone(d.Bytes(int(d.Byte())))
	r.Username = clone(d.Bytes(int(d.Byte())))
	r.Password = clone(d.Bytes(int(d.Byte())))
	r.Port = uint16(d.FixedInt(2))
	r.ReplicationRank = uint32(d.FixedInt(4))
	r.MasterID = uint32(d.FixedInt(4))
	if d.Err() != nil {
		return 0, RegisterReplica{}, d.Err()
	}
	return d.Pos(), r, nil
}

// PeekCommand inspects the first byte of a client command packet.
func PeekCommand(buf []byte) (byte, error) {
	if len(buf) == 0 {
		return 0, ErrNotEnoughInput
	}
	return buf[0], nil
}
