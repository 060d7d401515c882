package session

import (
	"testing"

	"github.com/dbbouncer/mysqlrouter/internal/protocol"
)

func encodeChange(t *testing.T, typ ChangeType, inner func(*protocol.Encoder)) []byte {
	t.Helper()
	buf := make([]byte, 256)
	e := protocol.NewEncoder(buf)
	e.FixedInt(1, uint64(typ))
	innerBuf := make([]byte, 128)
	ie := protocol.NewEncoder(innerBuf)
	inner(ie)
	if ie.Err() != nil {
		t.Fatalf("encode inner: %v", ie.Err())
	}
	e.VarString(innerBuf[:ie.Len()])
	if e.Err() != nil {
		t.Fatalf("encode outer: %v", e.Err())
	}
	return buf[:e.Len()]
}

// TestLockTablesPinsUntilReset covers scenario 4: LOCK TABLES must
// block sharing until RESET CONNECTION clears it.
func TestLockTablesPinsUntilReset(t *testing.T) {
	tr := NewTracker()
	if !tr.Sharable() {
		t.Fatal("fresh tracker should be sharable")
	}
	if Classify([]byte("LOCK TABLES t WRITE")) != ClassPinning {
		t.Fatal("LOCK TABLES should classify as pinning")
	}
	tr.MarkPinning()
	if tr.Sharable() {
		t.Fatal("tracker should not be sharable while pinned")
	}
	tr.Reset()
	if !tr.Sharable() {
		t.Fatal("tracker should be sharable again after reset")
	}
}

func TestApplySchemaChange(t *testing.T) {
	tr := NewTracker()
	raw := encodeChange(t, TrackSchema, func(e *protocol.Encoder) {
		e.VarString([]byte("newdb"))
	})
	changes, err := ParseChanges(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if err := tr.Apply(changes[0]); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tr.Schema != "newdb" {
		t.Fatalf("schema = %q, want newdb", tr.Schema)
	}
}

func TestApplySystemVariableChange(t *testing.T) {
	tr := NewTracker()
	raw := encodeChange(t, TrackSystemVariables, func(e *protocol.Encoder) {
		e.VarString([]byte("autocommit"))
		e.VarString([]byte("OFF"))
	})
	changes, err := ParseChanges(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := tr.Apply(changes[0]); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tr.SystemVariables["autocommit"] != "OFF" {
		t.Fatalf("system variables = %+v", tr.SystemVariables)
	}
}

func TestSharableFalseWithOpenTransaction(t *testing.T) {
	tr := NewTracker()
	tr.TransactionActive = true
	if tr.Sharable() {
		t.Fatal("tracker with open transaction should not be sharable")
	}
}

func TestSharableFalseWithPreparedStatements(t *testing.T) {
	tr := NewTracker()
	tr.PreparedStatements = 1
	if tr.Sharable() {
		t.Fatal("tracker with open prepared statements should not be sharable")
	}
}

func TestClassifyNeutralSelect(t *testing.T) {
	if Classify([]byte("SELECT 1")) != ClassNeutral {
		t.Fatal("plain SELECT should classify as neutral")
	}
}

func TestClassifyAdditionalPinningConstructs(t *testing.T) {
	cases := []string{
		"SELECT SQL_CALC_FOUND_ROWS * FROM t",
		"FLUSH TABLES t WITH READ LOCK",
		"PREPARE stmt FROM 'SELECT 1'",
		"LOCK INSTANCE FOR BACKUP",
	}
	for _, c := range cases {
		if got := Classify([]byte(c)); got != ClassPinning {
			t.Errorf("Classify(%q) = %v, want ClassPinning", c, got)
		}
	}
}

func TestClassifyUserVariableConstructs(t *testing.T) {
	cases := []string{
		"SET @x := 1",
		"SELECT id INTO @v FROM t LIMIT 1",
		"SELECT @x + 1",
	}
	for _, c := range cases {
		if got := Classify([]byte(c)); got != ClassUserVariable {
			t.Errorf("Classify(%q) = %v, want ClassUserVariable", c, got)
		}
	}
}

func TestClassifySessionVariableIsNotUserVariable(t *testing.T) {
	if Classify([]byte("SELECT @@version")) != ClassNeutral {
		t.Fatal("@@ session variable reference should not classify as a user variable")
	}
}

// TestUserVariableTaintsUntilReset covers §4.C's "no user variables
// set" clause of the sharable predicate: a user-variable statement
// must pin the session the same way LOCK TABLES does, until RESET
// CONNECTION clears it.
func TestUserVariableTaintsUntilReset(t *testing.T) {
	tr := NewTracker()
	if Classify([]byte("SET @x := 1")) != ClassUserVariable {
		t.Fatal("SET @x := 1 should classify as a user-variable statement")
	}
	tr.MarkUserVariableUsed()
	if tr.Sharable() {
		t.Fatal("tracker should not be sharable once a user variable is set")
	}
	tr.Reset()
	if !tr.Sharable() {
		t.Fatal("tracker should be sharable again after reset")
	}
}

func TestIsMultiStatement(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"SELECT 1", false},
		{"SELECT 1;", false},
		{"SELECT 1; SELECT 2", true},
		{"SELECT ';'; SELECT 2", true},
		{"SELECT ';' FROM t", false},
	}
	for _, c := range cases {
		if got := IsMultiStatement([]byte(c.in)); got != c.want {
			t.Errorf("IsMultiStatement(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
