// Package protocol implements a capability-aware codec for the MySQL
// classic wire protocol: frame headers, primitives, and every
// command/response message the router inspects or rewrites.
package protocol

// Capabilities is the 32-bit capability bitset negotiated during the
// handshake. All codec branches must be keyed off the *shared*
// capabilities of a connection (client caps AND server caps), never off
// one side alone.
type Capabilities uint32

// Named capability bits, in their classic-protocol bit positions.
const (
	CapLongPassword Capabilities = 1 << iota
	CapFoundRows
	CapLongFlag
	CapConnectWithSchema
	CapNoSchema
	CapCompress
	CapODBC
	CapLocalFiles
	CapIgnoreSpace
	CapProtocol41
	CapInteractive
	CapSSL
	CapIgnoreSigpipe
	CapTransactions
	CapReserved
	CapSecureConnection
	CapMultiStatements
	CapMultiResults
	CapPSMultiResults
	CapPluginAuth
	CapConnectAttributes
	CapAuthMethodDataVarint // CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA
	CapCanHandleExpiredPasswords
	CapSessionTrack
	CapDeprecateEOF // == TextResultWithSessionTracking in practice
	CapOptionalResultsetMetadata
	CapZstdCompressionAlgorithm
	CapQueryAttributes
	CapMultiFactorAuthentication
	CapCapabilityExtension
	CapSSLVerifyServerCert
	CapRememberOptions
)

// TextResultWithSessionTracking is an alias: once CapDeprecateEOF is
// shared, the EOF-shaped row terminator is
// replaced by an "OK with a 0xfe header", per §4.A.
const CapTextResultWithSessionTracking = CapDeprecateEOF

// Shared returns the capabilities both client and server advertised.
// Every decode/encode branch in this package is parameterized on a
// Shared() result, never on a single side's raw capabilities.
func (c Capabilities) Shared(other Capabilities) Capabilities {
	return c & other
}

// Has reports whether all bits in want are set.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}
