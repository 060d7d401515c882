package proxy

// MySQL server error codes referenced by the error-code table in §7.
// Most of these (1146, 1227, 1236, 1317) are codes a real backend
// raises on its own and the router only ever relays verbatim through
// streamResponse — they're named here so the table in §7 has one place
// to point at, not because this package constructs them itself.
const (
	errAccessDenied          uint16 = 1045
	errUnknownCommand        uint16 = 1047
	errParseError            uint16 = 1064
	errNoSuchTable           uint16 = 1146
	errAccessDeniedForRepl   uint16 = 1227
	errWrongValueForVar      uint16 = 1231
	errBinlogError           uint16 = 1236
	errUnknownStmtHandler    uint16 = 1243
	errInterrupted           uint16 = 1317
	errMalformedPacket       uint16 = 1835
	errCantConnect           uint16 = 2003
	errLostConnection        uint16 = 2013
	errSecureConnRequired    uint16 = 2061
	errMultiStatementSharing uint16 = 4501
	noteTrace                uint16 = 4600
)

const sqlStateGeneral = "HY000"

func sqlState(s string) []byte {
	b := make([]byte, 5)
	copy(b, s)
	return b
}
