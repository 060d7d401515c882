package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dbbouncer/mysqlrouter/internal/frame"
	"github.com/dbbouncer/mysqlrouter/internal/pool"
	"github.com/dbbouncer/mysqlrouter/internal/protocol"
	"github.com/dbbouncer/mysqlrouter/internal/session"
)

// handleCommand processes one client command end to end: attach a
// backend if none is currently held, forward the command, stream the
// response back feeding the session tracker, then park the backend
// back to the pool if the session is sharable again. It reports
// whether the session should continue: false only on COM_QUIT; any
// other error is returned alongside true and the session goes on.
func (cs *connState) handleCommand(ctx context.Context, msg []byte) (bool, error) {
	cmd, err := protocol.PeekCommand(msg)
	if err != nil {
		cs.sendClientError(errUnknownCommand, sqlStateGeneral, "empty or malformed command packet")
		return true, nil
	}

	if cmd == protocol.ComQuit {
		cs.finishSession()
		return false, nil
	}

	var queryText []byte
	pinning := false
	unpinning := false
	userVar := false

	switch cmd {
	case protocol.ComQuery:
		_, q, err := protocol.DecodeQuery(msg, cs.clientCaps)
		if err != nil {
			cs.sendClientError(errParseError, sqlStateGeneral, "malformed COM_QUERY")
			return true, err
		}
		queryText = q.Text
		if !isShowWarnings(q.Text) {
			cs.lastTraceNote = nil
		}

		if handled, err := cs.maybeHandleRouterSet(q.Text); handled {
			return true, err
		}

		traceOverride, hasOverride, aerr := queryAttributeTrace(q.Attributes)
		if aerr != nil {
			cs.sendClientError(errWrongValueForVar, sqlStateGeneral, aerr.Error())
			return true, aerr
		}
		effectiveTrace := cs.traceOn
		if hasOverride {
			effectiveTrace = traceOverride
		}

		if isShowWarnings(q.Text) && cs.lastTraceNote != nil {
			note := cs.lastTraceNote
			cs.lastTraceNote = nil
			if err := cs.sendSynthesizedWarnings(note); err != nil {
				return true, err
			}
			if cs.tracker.Sharable() {
				cs.parkBackend()
			}
			return true, nil
		}

		if session.IsMultiStatement(q.Text) && !cs.tracker.Sharable() {
			cs.sendClientError(errMultiStatementSharing, sqlStateGeneral, "multi-statement queries are refused while session sharing is active")
			return true, nil
		}

		switch session.Classify(q.Text) {
		case session.ClassPinning:
			pinning = true
		case session.ClassUnpinning:
			unpinning = true
		case session.ClassUserVariable:
			userVar = true
		}

		if err := cs.ensureBackendAttached(ctx); err != nil {
			cs.sendClientError(errCantConnect, sqlStateGeneral, "could not connect to backend")
			return true, err
		}
		if pinning {
			cs.tracker.MarkPinning()
			if cs.srv.metrics != nil {
				cs.srv.metrics.SessionPinned(cs.route.Name, pinningReason(q.Text))
			}
		}
		if userVar {
			cs.tracker.MarkUserVariableUsed()
			if cs.srv.metrics != nil {
				cs.srv.metrics.SessionPinned(cs.route.Name, pinningReason(q.Text))
			}
		}

		trace := newTraceEvent(effectiveTrace, !cs.tracker.Sharable())
		if err := cs.forwardToBackend(msg); err != nil {
			return true, cs.reconnectOrFail(ctx, err, msg)
		}
		respErr := cs.streamResponse(trace)
		if trace != nil {
			trace.finish(0, cs.backend != nil)
			cs.lastTraceNote = trace
		}
		if respErr != nil {
			return true, respErr
		}
		if unpinning {
			cs.tracker.Pinned = false
		}

	case protocol.ComResetConnection:
		if err := cs.ensureBackendAttached(ctx); err != nil {
			cs.sendClientError(errCantConnect, sqlStateGeneral, "could not connect to backend")
			return true, err
		}
		if err := cs.forwardToBackend(msg); err != nil {
			return true, cs.reconnectOrFail(ctx, err, msg)
		}
		success := cs.streamResponse(nil) == nil
		if cs.srv.metrics != nil {
			cs.srv.metrics.BackendReset(cs.route.Name, success)
		}
		cs.tracker.Reset()

	case protocol.ComInitDB:
		_, initDB, derr := protocol.DecodeInitSchema(msg, cs.clientCaps)
		if derr == nil {
			cs.schema = string(initDB.Schema)
		}
		if err := cs.ensureBackendAttached(ctx); err != nil {
			cs.sendClientError(errCantConnect, sqlStateGeneral, "could not connect to backend")
			return true, err
		}
		if err := cs.forwardToBackend(msg); err != nil {
			return true, cs.reconnectOrFail(ctx, err, msg)
		}
		if err := cs.streamResponse(nil); err != nil {
			return true, err
		}
		cs.tracker.Schema = cs.schema

	case protocol.ComStmtPrepare:
		if err := cs.ensureBackendAttached(ctx); err != nil {
			cs.sendClientError(errCantConnect, sqlStateGeneral, "could not connect to backend")
			return true, err
		}
		if err := cs.forwardToBackend(msg); err != nil {
			return true, cs.reconnectOrFail(ctx, err, msg)
		}
		ok, serr := cs.streamPrepareResponse()
		if serr != nil {
			return true, serr
		}
		if ok {
			cs.tracker.PreparedStatements++
		}

	case protocol.ComStmtExecute:
		stmtID, ok := peekStatementID(msg)
		if !ok {
			cs.sendClientError(errParseError, sqlStateGeneral, "malformed COM_STMT_EXECUTE")
			return true, nil
		}
		numParams, known := cs.preparedParams[stmtID]
		if !known {
			numParams = -1
		}
		if _, _, derr := protocol.DecodeStmtExecute(msg, numParams, cs.clientCaps); derr != nil {
			if errors.Is(derr, protocol.ErrStatementIDNotFound) {
				cs.sendClientError(errUnknownStmtHandler, sqlStateGeneral, "Unknown prepared statement handler")
				return true, nil
			}
			cs.sendClientError(errParseError, sqlStateGeneral, "malformed COM_STMT_EXECUTE")
			return true, derr
		}
		if err := cs.ensureBackendAttached(ctx); err != nil {
			cs.sendClientError(errCantConnect, sqlStateGeneral, "could not connect to backend")
			return true, err
		}
		if err := cs.forwardToBackend(msg); err != nil {
			return true, cs.reconnectOrFail(ctx, err, msg)
		}
		if err := cs.streamResponse(nil); err != nil {
			return true, err
		}

	case protocol.ComStmtClose:
		if stmtID, ok := peekStatementID(msg); ok {
			delete(cs.preparedParams, stmtID)
		}
		if err := cs.ensureBackendAttached(ctx); err != nil {
			return true, err
		}
		_ = cs.forwardToBackend(msg) // COM_STMT_CLOSE has no response
		if cs.tracker.PreparedStatements > 0 {
			cs.tracker.PreparedStatements--
		}

	default:
		if err := cs.ensureBackendAttached(ctx); err != nil {
			cs.sendClientError(errCantConnect, sqlStateGeneral, "could not connect to backend")
			return true, err
		}
		if err := cs.forwardToBackend(msg); err != nil {
			return true, cs.reconnectOrFail(ctx, err, msg)
		}
		if hasResponse(cmd) {
			if err := cs.streamResponse(nil); err != nil {
				return true, err
			}
		}
		if cmd == protocol.ComChangeUser {
			cs.tracker.Reset()
		}
	}

	if cs.tracker.Sharable() {
		cs.parkBackend()
	} else {
		cs.phase = phaseForwardingCommand
	}

	_ = queryText
	return true, nil
}

// hasResponse reports whether a command gets a single Ok/Err reply
// rather than COM_STMT_CLOSE's fire-and-forget shape or COM_QUIT's none.
func hasResponse(cmd byte) bool {
	switch cmd {
	case protocol.ComStmtClose, protocol.ComQuit:
		return false
	default:
		return true
	}
}

func pinningReason(text []byte) string {
	switch session.Classify(text) {
	case session.ClassPinning:
		return "session_pinning_statement"
	case session.ClassUserVariable:
		return "user_variable"
	default:
		return "unknown"
	}
}

// peekStatementID reads the 4-byte little-endian statement id every
// COM_STMT_* command carries immediately after its 1-byte header,
// without decoding the rest of the message.
func peekStatementID(msg []byte) (uint32, bool) {
	if len(msg) < 5 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(msg[1:5]), true
}

// ensureBackendAttached makes sure cs.backend holds a live, usable
// backend connection, reclaiming this client's own stashed connection
// first, then (when the route allows connection sharing) a different
// client's stashed connection that has sat idle past the route's
// sharing delay, then the shared idle pool, then a fresh dial —
// injecting the session's current schema afterward so a reused
// connection that belonged to a different client doesn't leak its
// prior USE into this one.
func (cs *connState) ensureBackendAttached(ctx context.Context) error {
	if cs.backend != nil {
		return nil
	}
	cs.phase = phaseAcquiringBackend

	dest, err := cs.srv.router.NextDestination(cs.route.Name)
	if err != nil {
		return fmt.Errorf("proxy: no destination for route %q: %w", cs.route.Name, err)
	}
	addr := dest.Addr()

	p := cs.srv.poolMgr.GetOrCreate(cs.route.Name, cs.dialFunc(), pool.Config{
		MaxIdleServerConnections: cs.route.EffectiveMaxIdleServerConnections(cs.srv.poolDefaults),
		IdleTimeout:              cs.route.EffectiveIdleTimeout(cs.srv.poolDefaults),
		MaxLifetime:              cs.route.EffectiveMaxLifetime(cs.srv.poolDefaults),
		AcquireTimeout:           cs.route.EffectiveAcquireTimeout(cs.srv.poolDefaults),
		QuitFrame:                []byte{0x01, 0x00, 0x00, 0x00, protocol.ComQuit},
	})
	cs.backendPool = p

	start := time.Now()
	reused := true
	pc := p.UnstashMine(addr, cs.id)
	if pc == nil {
		reused = false
		if cs.route.EffectiveConnectionSharing() {
			// Second preference: any stashed connection — stashed by
			// some other client — that's sat idle at least
			// connection_sharing_delay, per §4.D's
			// unstash_if(ep, pred, ignore_sharing_delay=false). It came
			// from a different client's session, so it's treated like a
			// fresh pool connection below, not like UnstashMine's
			// same-client reuse.
			pc = p.UnstashIf(addr, time.Now().Add(-cs.route.EffectiveConnectionSharingDelay()))
		}
		if pc == nil {
			cs.phase = phaseAwaitingBackendAuth
			pc, err = p.Acquire(ctx, addr)
			if err != nil {
				if cs.srv.metrics != nil {
					cs.srv.metrics.PoolExhausted(cs.route.Name)
				}
				return fmt.Errorf("proxy: acquiring backend for route %q: %w", cs.route.Name, err)
			}
		}
	}
	if cs.srv.metrics != nil {
		cs.srv.metrics.AcquireDuration(cs.route.Name, time.Since(start))
	}

	cs.backend = pc
	cs.beReader = frame.NewReader(pc.Conn(), 0)
	cs.beWriter = frame.NewWriter(pc.Conn(), 0)
	cs.beCaps = backendCapabilities

	if !reused && cs.schema != "" {
		if err := cs.restoreSchema(); err != nil {
			p.Erase(pc)
			cs.backend = nil
			return err
		}
	}
	return nil
}

// parkBackend hands the backend back to the pool's stash (so this
// client can reclaim the same warm connection on its next command) or,
// when Stash refuses it (pool closed or connection past its max
// lifetime), to Return, and forgets it locally.
func (cs *connState) parkBackend() {
	if cs.backend == nil {
		return
	}
	cs.phase = phaseParked
	pc := cs.backend
	cs.backend = nil
	cs.beReader = nil
	cs.beWriter = nil

	if !cs.backendPool.Stash(pc, cs.id) {
		cs.backendPool.Return(pc)
	}
}

// finishSession releases any attached or stashed backend when the
// client sends COM_QUIT: a sharable session's backend goes back to the
// pool for somebody else, an unsharable one is discarded since its
// leftover state (locks, temp tables, an open transaction) can't
// safely outlive this client.
func (cs *connState) finishSession() {
	if cs.backend == nil {
		return
	}
	pc := cs.backend
	cs.backend = nil
	if cs.tracker.Sharable() {
		cs.backendPool.Return(pc)
	} else {
		cs.backendPool.Erase(pc)
	}
}

// forwardToBackend sends one client-originated message to the attached
// backend at a fresh command sequence (every COM_* restarts at 0).
func (cs *connState) forwardToBackend(payload []byte) error {
	cs.beWriter.SetNextSeq(0)
	if err := cs.beWriter.WriteMessage(payload); err != nil {
		return err
	}
	cs.beReader.SetNextSeq(1)
	return nil
}

// reconnectOrFail handles a transport failure while sending or awaiting
// a backend response: it drops the dead connection and surfaces 2013
// (lost connection mid-command) to the client, since the command's
// outcome is now unknown and must not be silently retried. It does not
// open a replacement connection; the next command attaches a backend
// afresh through ensureBackendAttached.
func (cs *connState) reconnectOrFail(ctx context.Context, cause error, msg []byte) error {
	cs.phase = phaseReconnecting
	if cs.backend != nil {
		cs.backendPool.Erase(cs.backend)
		cs.backend = nil
	}
	if cs.srv.metrics != nil {
		cs.srv.metrics.ReconnectAttempted(cs.route.Name, "mid_command", false)
	}
	cs.sendClientError(errLostConnection, sqlStateGeneral, "Lost connection to MySQL server during query")
	return fmt.Errorf("proxy: backend connection lost mid-command: %w", cause)
}

// restoreSchema injects an invisible COM_INIT_DB so a backend
// connection picked up from the shared idle pool (and therefore left
// wherever its previous client pointed it) lands back on this client's
// expected schema before any command of theirs runs against it.
func (cs *connState) restoreSchema() error {
	initDB := protocol.InitSchema{Schema: []byte(cs.schema)}
	buf, err := initDB.Encode(0)
	if err != nil {
		return fmt.Errorf("proxy: encoding session-restore COM_INIT_DB: %w", err)
	}
	cs.beWriter.SetNextSeq(0)
	if err := cs.beWriter.WriteMessage(buf); err != nil {
		return fmt.Errorf("proxy: sending session-restore COM_INIT_DB: %w", err)
	}
	cs.beReader.SetNextSeq(1)
	respBuf, _, err := cs.beReader.ReadMessage()
	if err != nil {
		return fmt.Errorf("proxy: reading session-restore response: %w", err)
	}
	if len(respBuf) > 0 && respBuf[0] == 0xff {
		_, e, _ := protocol.DecodeError(respBuf, cs.beCaps)
		return fmt.Errorf("proxy: backend rejected session restore: %s", string(e.Message))
	}
	return nil
}
