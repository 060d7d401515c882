// Package session tracks server-reported session state changes and the
// statement-level taint that decides whether a backend connection may
// be shared (pooled/stashed) or must stay pinned to its client.
package session

import (
	"fmt"

	"github.com/dbbouncer/mysqlrouter/internal/protocol"
)

// ChangeType is one SESSION_TRACK_* kind, per Protocol::SessionStateType.
type ChangeType byte

const (
	TrackSystemVariables ChangeType = 0x00
	TrackSchema          ChangeType = 0x01
	TrackStateChange     ChangeType = 0x02
	TrackGtids           ChangeType = 0x03
	TrackTransactionCharacteristics ChangeType = 0x04
	TrackTransactionState ChangeType = 0x05
)

// Change is one decoded session-state-change entry.
type Change struct {
	Type ChangeType
	Data []byte
}

// ParseChanges decodes the opaque SessionChanges payload an Ok message
// carries when StatusSessionStateChanged is set: a sequence of
// (type byte, VarString data) pairs packed into one outer VarString.
func ParseChanges(raw []byte) ([]Change, error) {
	d := protocol.NewDecoder(raw)
	var changes []Change
	for d.Remaining() > 0 {
		typ := ChangeType(d.Byte())
		data := d.VarString()
		if d.Err() != nil {
			return nil, fmt.Errorf("session: parse state change: %w", d.Err())
		}
		changes = append(changes, Change{Type: typ, Data: cloneBytes(data)})
	}
	return changes, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Tracker accumulates a backend session's state across statements:
// system variables set, current schema, transaction characteristics,
// and whether a session-pinning statement has executed — the input to
// the Sharable predicate.
type Tracker struct {
	Schema            string
	SystemVariables   map[string]string
	TransactionActive bool
	Pinned            bool // set by a statement classified as session-pinning (e.g. LOCK TABLES)
	PreparedStatements int
	UserVariablesSet  bool
}

// NewTracker returns a Tracker with empty state, as a fresh connection
// has.
func NewTracker() *Tracker {
	return &Tracker{SystemVariables: make(map[string]string)}
}

// Apply folds one parsed Change into the tracker's state.
func (t *Tracker) Apply(c Change) error {
	switch c.Type {
	case TrackSystemVariables:
		d := protocol.NewDecoder(c.Data)
		name := d.VarString()
		value := d.VarString()
		if d.Err() != nil {
			return fmt.Errorf("session: parse system variable change: %w", d.Err())
		}
		t.SystemVariables[string(name)] = string(value)
	case TrackSchema:
		d := protocol.NewDecoder(c.Data)
		schema := d.VarString()
		if d.Err() != nil {
			return fmt.Errorf("session: parse schema change: %w", d.Err())
		}
		t.Schema = string(schema)
	case TrackTransactionState:
		if len(c.Data) > 0 {
			t.TransactionActive = c.Data[0] == 'T'
		}
	}
	return nil
}

// Reset clears all tracked state, as happens after COM_RESET_CONNECTION
// or COM_CHANGE_USER succeed.
func (t *Tracker) Reset() {
	t.Schema = ""
	t.SystemVariables = make(map[string]string)
	t.TransactionActive = false
	t.Pinned = false
	t.PreparedStatements = 0
	t.UserVariablesSet = false
}

// Sharable reports whether the session this tracker describes may be
// returned to the pool or stashed for a different client to reuse. A
// session is sharable only when no statement has left durable
// connection-local state behind: no open transaction, no user-defined
// prepared statements, no session-pinning statement (LOCK TABLES,
// GET_LOCK, temporary tables, ...), and no user variables set.
func (t *Tracker) Sharable() bool {
	if t.TransactionActive {
		return false
	}
	if t.Pinned {
		return false
	}
	if t.PreparedStatements > 0 {
		return false
	}
	if t.UserVariablesSet {
		return false
	}
	return true
}

// MarkPinning records that a pinning statement has been observed on
// this session. It cannot be undone except by Reset.
func (t *Tracker) MarkPinning() { t.Pinned = true }

// MarkUserVariableUsed records that a statement has set or read a
// user-defined variable (@foo) on this connection. It cannot be undone
// except by Reset.
func (t *Tracker) MarkUserVariableUsed() { t.UserVariablesSet = true }
