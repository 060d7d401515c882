package proxy

import (
	"fmt"

	"github.com/dbbouncer/mysqlrouter/internal/protocol"
	"github.com/dbbouncer/mysqlrouter/internal/session"
)

// streamResponse relays one full backend response — an Ok/Error, or a
// result set (column definitions, an optional EOF, rows, a trailing
// EOF/Ok, repeated again for every chained result under
// StatusMoreResultsExists) — to the client a packet at a time, folding
// any session-state change an Ok carries into the tracker along the
// way. Bytes are forwarded as-is: the router only ever negotiates the
// same deprecate-EOF shape on both legs, so no reframing is needed
// between them.
func (cs *connState) streamResponse(trace *traceNote) error {
	for {
		more, err := cs.streamOneResult()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// streamOneResult relays a single result (one Ok/Error, or one result
// set) and reports whether StatusMoreResultsExists asks for another to
// follow immediately after.
func (cs *connState) streamOneResult() (bool, error) {
	buf, _, err := cs.beReader.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("proxy: reading backend response: %w", err)
	}
	if err := cs.clientWriter.WriteMessage(buf); err != nil {
		return false, fmt.Errorf("proxy: forwarding backend response to client: %w", err)
	}

	switch protocol.PeekResponseKind(buf, cs.beCaps) {
	case protocol.ResponseErr:
		return false, nil
	case protocol.ResponseOK:
		_, ok, err := protocol.DecodeOk(buf, cs.beCaps)
		if err != nil {
			return false, nil
		}
		cs.applySessionChanges(ok.SessionChanges)
		return ok.StatusFlags&protocol.StatusMoreResultsExists != 0, nil
	case protocol.ResponseEOF:
		_, eof, err := protocol.DecodeEof(buf, cs.beCaps)
		if err != nil {
			return false, nil
		}
		return eof.StatusFlags&protocol.StatusMoreResultsExists != 0, nil
	case protocol.ResponseLocalInfile:
		// The router doesn't implement LOCAL INFILE file transfer; relay
		// whatever the client sends back (a single packet, or an empty
		// one declining) and let the backend's own Ok/Error conclude it.
		req, _, err := cs.clientReader.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("proxy: reading LOCAL INFILE payload: %w", err)
		}
		if err := cs.beWriter.WriteMessage(req); err != nil {
			return false, fmt.Errorf("proxy: forwarding LOCAL INFILE payload: %w", err)
		}
		return cs.streamOneResult()
	default:
		return cs.streamResultSet(buf)
	}
}

// streamResultSet relays a text-protocol result set: the column count
// packet already read by the caller, the column definitions, the
// optional EOF separator, every row, and the terminating EOF/Ok —
// reporting whether more results follow.
func (cs *connState) streamResultSet(columnCountBuf []byte) (bool, error) {
	_, cc, err := protocol.DecodeColumnCount(columnCountBuf, cs.beCaps)
	if err != nil {
		return false, fmt.Errorf("proxy: decoding column count: %w", err)
	}

	for i := uint64(0); i < cc.Count; i++ {
		buf, _, err := cs.beReader.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("proxy: reading column definition: %w", err)
		}
		if err := cs.clientWriter.WriteMessage(buf); err != nil {
			return false, fmt.Errorf("proxy: forwarding column definition: %w", err)
		}
	}

	if !cs.beCaps.Has(protocol.CapDeprecateEOF) {
		buf, _, err := cs.beReader.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("proxy: reading column-definitions EOF: %w", err)
		}
		if err := cs.clientWriter.WriteMessage(buf); err != nil {
			return false, fmt.Errorf("proxy: forwarding column-definitions EOF: %w", err)
		}
	}

	for {
		buf, _, err := cs.beReader.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("proxy: reading result row: %w", err)
		}
		if err := cs.clientWriter.WriteMessage(buf); err != nil {
			return false, fmt.Errorf("proxy: forwarding result row: %w", err)
		}

		kind := protocol.PeekResponseKind(buf, cs.beCaps)
		if kind == protocol.ResponseOK {
			_, ok, err := protocol.DecodeOk(buf, cs.beCaps)
			if err != nil {
				return false, nil
			}
			cs.applySessionChanges(ok.SessionChanges)
			return ok.StatusFlags&protocol.StatusMoreResultsExists != 0, nil
		}
		if kind == protocol.ResponseEOF {
			_, eof, err := protocol.DecodeEof(buf, cs.beCaps)
			if err != nil {
				return false, nil
			}
			return eof.StatusFlags&protocol.StatusMoreResultsExists != 0, nil
		}
		// else: a data row. Under deprecate-EOF, PeekResponseKind reads
		// any 0xfe-led packet as the terminating Ok without a length
		// check, so such a packet never reaches this branch.
	}
}

func (cs *connState) applySessionChanges(raw []byte) {
	if len(raw) == 0 {
		return
	}
	changes, err := session.ParseChanges(raw)
	if err != nil {
		return
	}
	for _, c := range changes {
		_ = cs.tracker.Apply(c)
	}
}

// streamPrepareResponse relays COM_STMT_PREPARE's response: either an
// Error, or a StmtPrepareOk header followed by its param and column
// definition streams (each optionally EOF-terminated pre-deprecate-EOF).
// It reports whether the prepare succeeded so the caller can track the
// open statement.
func (cs *connState) streamPrepareResponse() (bool, error) {
	buf, _, err := cs.beReader.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("proxy: reading STMT_PREPARE response: %w", err)
	}
	if err := cs.clientWriter.WriteMessage(buf); err != nil {
		return false, fmt.Errorf("proxy: forwarding STMT_PREPARE response: %w", err)
	}
	if protocol.PeekResponseKind(buf, cs.beCaps) == protocol.ResponseErr {
		return false, nil
	}

	_, ok, err := protocol.DecodeStmtPrepareOk(buf, cs.beCaps)
	if err != nil {
		return false, fmt.Errorf("proxy: decoding STMT_PREPARE response: %w", err)
	}

	if err := cs.relayDefinitions(int(ok.ParamCount)); err != nil {
		return false, err
	}
	if err := cs.relayDefinitions(int(ok.ColumnCount)); err != nil {
		return false, err
	}
	cs.preparedParams[ok.StatementID] = int(ok.ParamCount)
	return true, nil
}

// relayDefinitions relays n column-definition packets plus their
// trailing EOF, when the backend's capabilities still send one.
func (cs *connState) relayDefinitions(n int) error {
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		buf, _, err := cs.beReader.ReadMessage()
		if err != nil {
			return fmt.Errorf("proxy: reading prepared-statement definition: %w", err)
		}
		if err := cs.clientWriter.WriteMessage(buf); err != nil {
			return fmt.Errorf("proxy: forwarding prepared-statement definition: %w", err)
		}
	}
	if !cs.beCaps.Has(protocol.CapDeprecateEOF) {
		buf, _, err := cs.beReader.ReadMessage()
		if err != nil {
			return fmt.Errorf("proxy: reading prepared-statement definitions EOF: %w", err)
		}
		if err := cs.clientWriter.WriteMessage(buf); err != nil {
			return fmt.Errorf("proxy: forwarding prepared-statement definitions EOF: %w", err)
		}
	}
	return nil
}
