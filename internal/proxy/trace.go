package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode"

	"github.com/dbbouncer/mysqlrouter/internal/protocol"
)

// traceEvent is one nested timestamped step of a query's trace note,
// matching the "mysql/query_classify" / "mysql/connect_and_forward"
// shapes §7 names.
type traceEvent struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// traceNote is the JSON document carried in the 4600 warning a traced
// query leaves behind for a following SHOW WARNINGS.
type traceNote struct {
	Name       string                 `json:"name"`
	StatusCode int                    `json:"status_code"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at,omitempty"`
	Events     []traceEvent           `json:"events"`
	Attributes map[string]interface{} `json:"attributes"`
}

// newTraceEvent starts a trace note for the statement about to be
// forwarded, or returns nil when tracing isn't in effect — callers
// thread the nil case through unconditionally rather than branching on
// it everywhere.
func newTraceEvent(enabled, sharingBlocked bool) *traceNote {
	if !enabled {
		return nil
	}
	return &traceNote{
		Name:      "mysql/query",
		StartedAt: time.Now(),
		Events: []traceEvent{
			{Name: "mysql/query_classify", Timestamp: time.Now()},
		},
		Attributes: map[string]interface{}{
			"mysql.sharing_blocked": sharingBlocked,
		},
	}
}

func (tn *traceNote) finish(statusCode int, remoteConnected bool) {
	if tn == nil {
		return
	}
	tn.StatusCode = statusCode
	tn.EndedAt = time.Now()
	tn.Events = append(tn.Events, traceEvent{Name: "mysql/connect_and_forward", Timestamp: tn.EndedAt})
	tn.Attributes["mysql.remote.is_connected"] = remoteConnected
}

// routerSetTracePrefix and friends recognize the "ROUTER SET trace = N"
// extension statement, which never reaches a backend.
var routerSetTracePrefix = []byte("ROUTER SET")

// maybeHandleRouterSet recognizes "ROUTER SET trace = {0|1}" and applies
// it directly to the session, answering the client with an Ok rather
// than forwarding anything downstream.
func (cs *connState) maybeHandleRouterSet(text []byte) (bool, error) {
	trimmed := bytes.TrimSpace(text)
	upper := bytes.ToUpper(trimmed)
	if !bytes.HasPrefix(upper, routerSetTracePrefix) {
		return false, nil
	}
	rest := bytes.TrimSpace(trimmed[len(routerSetTracePrefix):])
	restUpper := bytes.ToUpper(rest)
	if !bytes.HasPrefix(restUpper, []byte("TRACE")) {
		cs.sendClientError(errParseError, sqlStateGeneral, "unrecognized ROUTER SET variable")
		return true, fmt.Errorf("proxy: unrecognized ROUTER SET statement")
	}
	rest = bytes.TrimSpace(rest[len("TRACE"):])
	rest = bytes.TrimLeft(rest, "=")
	rest = bytes.TrimSpace(rest)
	val, err := strconv.Atoi(string(rest))
	if err != nil || (val != 0 && val != 1) {
		cs.sendClientError(errParseError, sqlStateGeneral, "ROUTER SET trace requires 0 or 1")
		return true, fmt.Errorf("proxy: invalid ROUTER SET trace value %q", rest)
	}
	cs.traceOn = val == 1

	ok := protocol.Ok{StatusFlags: protocol.StatusAutocommit}
	buf, err := ok.Encode(cs.clientCaps)
	if err != nil {
		return true, err
	}
	return true, cs.clientWriter.WriteMessage(buf)
}

// routerTraceAttr is the query-attribute name that overrides the
// session's trace setting for a single statement.
const routerTraceAttr = "router.trace"

// queryAttributeTrace looks for a router.trace query attribute among a
// COM_QUERY's bound attributes. Per §7 it must be an integer type and
// its value must be exactly 0 or 1; any other router.* attribute name is
// a parse error, since the router doesn't recognize it.
func queryAttributeTrace(attrs []protocol.QueryAttribute) (value bool, has bool, err error) {
	for _, a := range attrs {
		name := string(a.Name)
		if !hasRouterPrefix(name) {
			continue
		}
		if !equalFoldASCII(name, routerTraceAttr) {
			return false, false, fmt.Errorf("proxy: unrecognized query attribute %q", name)
		}
		if !isIntegerType(a.Type) {
			return false, false, fmt.Errorf("proxy: query attribute %q must be an integer", routerTraceAttr)
		}
		n, err := decodeAttrInt(a.Type, a.Value)
		if err != nil {
			return false, false, err
		}
		if n != 0 && n != 1 {
			return false, false, fmt.Errorf("proxy: query attribute %q must be 0 or 1", routerTraceAttr)
		}
		return n == 1, true, nil
	}
	return false, false, nil
}

func hasRouterPrefix(name string) bool {
	return len(name) >= len("router.") && equalFoldASCII(name[:len("router.")], "router.")
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if unicode.ToUpper(rune(a[i])) != unicode.ToUpper(rune(b[i])) {
			return false
		}
	}
	return true
}

// Binary protocol field type bytes this router accepts for router.trace
// — any whole-number integer width, matching MYSQL_TYPE_TINY through
// MYSQL_TYPE_LONGLONG.
const (
	fieldTypeTiny     = 0x01
	fieldTypeShort    = 0x02
	fieldTypeLong     = 0x03
	fieldTypeLongLong = 0x08
)

func isIntegerType(t byte) bool {
	switch t {
	case fieldTypeTiny, fieldTypeShort, fieldTypeLong, fieldTypeLongLong:
		return true
	default:
		return false
	}
}

func decodeAttrInt(t byte, v []byte) (int64, error) {
	var n int64
	switch t {
	case fieldTypeTiny:
		if len(v) != 1 {
			return 0, fmt.Errorf("proxy: malformed TINY query attribute value")
		}
		n = int64(int8(v[0]))
	case fieldTypeShort:
		if len(v) != 2 {
			return 0, fmt.Errorf("proxy: malformed SHORT query attribute value")
		}
		n = int64(int16(uint16(v[0]) | uint16(v[1])<<8))
	case fieldTypeLong:
		if len(v) != 4 {
			return 0, fmt.Errorf("proxy: malformed LONG query attribute value")
		}
		n = int64(int32(uint32(v[0]) | uint32(v[1])<<8 | uint32(v[2])<<16 | uint32(v[3])<<24))
	case fieldTypeLongLong:
		if len(v) != 8 {
			return 0, fmt.Errorf("proxy: malformed LONGLONG query attribute value")
		}
		var u uint64
		for i := 7; i >= 0; i-- {
			u = u<<8 | uint64(v[i])
		}
		n = int64(u)
	}
	return n, nil
}

// sendSynthesizedWarnings answers a SHOW WARNINGS issued right after a
// traced statement with a single-row text resultset carrying the
// router's own 4600 note, instead of forwarding it to the backend —
// the backend has no idea the router tagged anything.
func (cs *connState) sendSynthesizedWarnings(note *traceNote) error {
	doc, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("proxy: encoding trace note: %w", err)
	}

	cols := []protocol.ColumnMeta{
		{Name: []byte("Level"), Type: 0xfd, ColumnLength: 16},
		{Name: []byte("Code"), Type: 0x03, ColumnLength: 4},
		{Name: []byte("Message"), Type: 0xfd, ColumnLength: 2048},
	}
	row := protocol.Row{Fields: [][]byte{[]byte("Note"), []byte(strconv.Itoa(int(noteTrace))), doc}}

	if err := cs.writeToClient(protocol.ColumnCount{Count: uint64(len(cols))}); err != nil {
		return err
	}
	for _, c := range cols {
		if err := cs.writeToClient(c); err != nil {
			return err
		}
	}
	if !cs.clientCaps.Has(protocol.CapDeprecateEOF) {
		if err := cs.writeToClient(protocol.Eof{}); err != nil {
			return err
		}
	}
	if err := cs.writeToClient(row); err != nil {
		return err
	}
	if cs.clientCaps.Has(protocol.CapDeprecateEOF) {
		return cs.writeToClient(protocol.Ok{StatusFlags: protocol.StatusAutocommit})
	}
	return cs.writeToClient(protocol.Eof{})
}

type wireMessage interface {
	Size(protocol.Capabilities) int
	Encode(protocol.Capabilities) ([]byte, error)
}

func (cs *connState) writeToClient(msg wireMessage) error {
	buf, err := msg.Encode(cs.clientCaps)
	if err != nil {
		return err
	}
	return cs.clientWriter.WriteMessage(buf)
}

func isShowWarnings(text []byte) bool {
	return equalFoldASCII(string(bytes.TrimSpace(text)), "SHOW WARNINGS")
}
