// Package auth implements backend authentication for the MySQL classic
// protocol: the scramble math for mysql_native_password and
// caching_sha2_password/sha256_password, the RSA public-key exchange
// those last two need for a "full" authentication, and the credential
// cache that lets the router replay a backend login on reconnect
// without bothering the client a second time.
//
// Grounded on the teacher's authenticateMySQL/mysqlNativePasswordHash
// in pool.go: the scramble math and AuthSwitchRequest handling are
// carried over near-verbatim, generalized from one hard-coded plugin to
// the full set §4.E names and rebuilt on top of internal/protocol and
// internal/frame instead of the teacher's inline packet helpers.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"

	"github.com/dbbouncer/mysqlrouter/internal/frame"
	"github.com/dbbouncer/mysqlrouter/internal/protocol"
)

// Account is the fixed username/password the router uses to
// authenticate every backend connection on behalf of a route — real
// MySQL Router deployments configure one routing account per route
// rather than forwarding arbitrary client credentials upstream, and
// this is the account the router also requires the client to present
// (§9 Open Question: see DESIGN.md for why the router cannot instead
// derive a replayable secret from the client's own scrambled response).
type Account struct {
	Username string
	Password string
}

// Credential is what the router caches per account so a reconnect can
// avoid asking an already-known backend for its RSA public key again —
// the only input a full caching_sha2_password/sha256_password exchange
// needs beyond the password itself.
type Credential struct {
	Account      Account
	PublicKeyPEM []byte
}

// Cache is a sync.RWMutex-guarded map from username to Credential,
// mirroring the concurrency shape of the teacher's own Router.snap
// copy-on-write pattern but sized for a handful of accounts rather than
// a whole routing table.
type Cache struct {
	mu   sync.RWMutex
	byID map[string]Credential
}

// NewCache returns an empty credential cache.
func NewCache() *Cache {
	return &Cache{byID: make(map[string]Credential)}
}

// Lookup returns the cached credential for username, if any.
func (c *Cache) Lookup(username string) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.byID[username]
	return cred, ok
}

// Store records cred for later reconnects.
func (c *Cache) Store(cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[cred.Account.Username] = cred
}

// RememberPublicKey updates the cached RSA public key for username
// without disturbing any other cached field.
func (c *Cache) RememberPublicKey(username string, pem []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred := c.byID[username]
	cred.Account.Username = username
	cred.PublicKeyPEM = pem
	c.byID[username] = cred
}

// NativePasswordHash computes the mysql_native_password scramble:
// SHA1(password) XOR SHA1(seed + SHA1(SHA1(password))). Carried over
// from the teacher's mysqlNativePasswordHash unchanged — the algorithm
// is fixed by the protocol, not a design choice.
func NativePasswordHash(password string, seed []byte) []byte {
	if password == "" {
		return nil
	}
	h1 := sha1.Sum([]byte(password))
	h2 := sha1.Sum(h1[:])
	h := sha1.New()
	h.Write(seed)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	out := make([]byte, 20)
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// CachingSHA2Hash computes the caching_sha2_password/sha256_password
// "fast" scramble: SHA256(password) XOR SHA256(SHA256(SHA256(password)) + seed).
func CachingSHA2Hash(password string, seed []byte) []byte {
	if password == "" {
		return nil
	}
	h1 := sha256.Sum256([]byte(password))
	h2 := sha256.Sum256(h1[:])
	h3sum := sha256.New()
	h3sum.Write(h2[:])
	h3sum.Write(seed)
	h3 := h3sum.Sum(nil)
	out := make([]byte, 32)
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// xorWithSeed XORs password (as a NUL-terminated byte string, per the
// full-auth wire format) against a repeating seed, the step both
// caching_sha2_password and sha256_password full-auth use before RSA
// encryption.
func xorWithSeed(password string, seed []byte) []byte {
	pw := append([]byte(password), 0)
	out := make([]byte, len(pw))
	for i := range pw {
		out[i] = pw[i] ^ seed[i%len(seed)]
	}
	return out
}

// EncryptPasswordRSA XORs password against seed and encrypts the result
// with the server's RSA public key using OAEP/SHA1 padding, the scheme
// caching_sha2_password's full-authentication path and sha256_password
// both specify for the over-the-wire password.
func EncryptPasswordRSA(password string, seed []byte, pubKeyPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block in server public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing server public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: server public key is not RSA")
	}
	plain := xorWithSeed(password, seed)
	cipher, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, rsaPub, plain, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: RSA-OAEP encrypt: %w", err)
	}
	return cipher, nil
}

const (
	pluginNative      = "mysql_native_password"
	pluginCachingSHA2 = "caching_sha2_password"
	pluginSHA256      = "sha256_password"
)

// fastAuthOK/fastAuthFull are the single-byte AuthMethodData payloads
// caching_sha2_password sends after the client's fast-auth scramble:
// 0x03 means the fast path succeeded (an Ok packet follows), 0x04 means
// full authentication is required.
const (
	fastAuthOK   = 0x03
	fastAuthFull = 0x04
	// requestPublicKey is what the client sends back in response to a
	// fastAuthFull byte when it has no cached public key yet: a single
	// 0x02 byte asking the server to send its RSA public key in the
	// clear (safe only because it is a *public* key).
	requestPublicKey = 0x02
)

// Result is what a successful Authenticate returns: the capabilities
// the backend actually granted and the plugin that ultimately
// succeeded, so callers can decide whether to cache a public key.
type Result struct {
	Capabilities protocol.Capabilities
	Plugin       string
}

// ErrSecureConnectionRequired is returned when caching_sha2_password or
// sha256_password needs full authentication, the router has no cached
// public key for the account, and the connection has no TLS layer to
// fetch one safely over — §4.E's "router has no private key to offer
// over plaintext" case, which callers must surface as the backend's own
// 1045/2061 error rather than hang.
var ErrSecureConnectionRequired = fmt.Errorf("auth: caching_sha2/sha256 full authentication requires TLS or a cached public key")

// clientCapabilities is the fixed capability set the router offers a
// backend on every connection it opens — protocol_41, secure
// connection, plugin auth, connect-with-schema, session tracking, and
// transactions, matching what internal/proxy's command loop needs to
// decode responses.
func clientCapabilities(withSchema bool) protocol.Capabilities {
	caps := protocol.CapProtocol41 | protocol.CapSecureConnection |
		protocol.CapPluginAuth | protocol.CapSessionTrack |
		protocol.CapDeprecateEOF | protocol.CapTransactions |
		protocol.CapQueryAttributes | protocol.CapConnectAttributes
	if withSchema {
		caps |= protocol.CapConnectWithSchema
	}
	return caps
}

// Authenticate drives the full backend handshake over conn: read the
// server Greeting, send a HandshakeResponse41 computed for acct under
// whatever plugin the server announced, and follow any AuthSwitchRequest
// or caching_sha2_password fast/full exchange to a final Ok. secure
// reports whether this leg is already TLS-protected (PASSTHROUGH/ REQUIRED
// server_ssl_mode), which gates whether a first-time public-key fetch is
// allowed in the clear.
func Authenticate(conn io.ReadWriter, acct Account, schema string, cache *Cache, secure bool) (Result, error) {
	fr := frame.NewReader(conn, 0)
	fw := frame.NewWriter(conn, 0)

	greetBuf, _, err := fr.ReadMessage()
	if err != nil {
		return Result{}, fmt.Errorf("auth: reading server greeting: %w", err)
	}
	if len(greetBuf) > 0 && greetBuf[0] == 0xff {
		return Result{}, fmt.Errorf("auth: server sent error on connect")
	}
	_, greeting, err := protocol.DecodeGreeting(greetBuf)
	if err != nil {
		return Result{}, fmt.Errorf("auth: decoding server greeting: %w", err)
	}

	shared := clientCapabilities(schema != "").Shared(greeting.Capabilities | protocol.CapProtocol41 | protocol.CapSecureConnection | protocol.CapPluginAuth)
	plugin := string(greeting.AuthPluginName)
	if plugin == "" {
		plugin = pluginNative
	}

	cred, _ := cache.Lookup(acct.Username)

	authResp, err := computeResponse(plugin, acct.Password, greeting.AuthPluginData)
	if err != nil {
		return Result{}, err
	}

	cg := protocol.ClientGreeting{
		Capabilities:   shared,
		MaxPacketSize:  1<<24 - 1,
		CharacterSet:   greeting.CharacterSet,
		Username:       []byte(acct.Username),
		AuthResponse:   authResp,
		Database:       []byte(schema),
		AuthPluginName: []byte(plugin),
	}
	if err := writeMessage(fw, cg); err != nil {
		return Result{}, fmt.Errorf("auth: sending handshake response: %w", err)
	}

	for {
		respBuf, _, err := fr.ReadMessage()
		if err != nil {
			return Result{}, fmt.Errorf("auth: reading auth response: %w", err)
		}
		if len(respBuf) == 0 {
			return Result{}, fmt.Errorf("auth: empty auth response")
		}
		switch respBuf[0] {
		case 0x00: // Ok
			cache.Store(Credential{Account: acct, PublicKeyPEM: cred.PublicKeyPEM})
			return Result{Capabilities: shared, Plugin: plugin}, nil
		case 0xff:
			_, e, derr := protocol.DecodeError(respBuf, shared)
			if derr != nil {
				return Result{}, fmt.Errorf("auth: backend rejected login")
			}
			return Result{}, fmt.Errorf("auth: backend rejected login: %d %s", e.Code, string(e.Message))
		case 0xfe:
			if len(respBuf) == 1 {
				// Bare EOF: legacy "please switch to old password" — unsupported.
				return Result{}, fmt.Errorf("auth: server requested unsupported legacy auth")
			}
			_, sw, derr := protocol.DecodeAuthMethodSwitch(respBuf, shared)
			if derr != nil {
				return Result{}, fmt.Errorf("auth: decoding AuthSwitchRequest: %w", derr)
			}
			plugin = string(sw.AuthMethod)
			switchResp, err := computeResponse(plugin, acct.Password, sw.AuthData)
			if err != nil {
				return Result{}, err
			}
			if err := writeMessage(fw, protocol.ClientAuthMethodData{Data: switchResp}); err != nil {
				return Result{}, fmt.Errorf("auth: sending auth switch response: %w", err)
			}
		case fastAuthOK, fastAuthFull:
			if len(respBuf) != 1 {
				return Result{}, fmt.Errorf("auth: unexpected auth method data length")
			}
			if respBuf[0] == fastAuthOK {
				continue // next loop iteration reads the trailing Ok
			}
			// Full authentication required.
			pubPEM := cred.PublicKeyPEM
			if pubPEM == nil {
				if !secure {
					return Result{}, ErrSecureConnectionRequired
				}
				if err := writeMessage(fw, protocol.ClientAuthMethodData{Data: []byte{requestPublicKey}}); err != nil {
					return Result{}, fmt.Errorf("auth: requesting public key: %w", err)
				}
				keyBuf, _, err := fr.ReadMessage()
				if err != nil {
					return Result{}, fmt.Errorf("auth: reading public key: %w", err)
				}
				pubPEM = keyBuf
				cred.PublicKeyPEM = pubPEM
				cache.RememberPublicKey(acct.Username, pubPEM)
			}
			enc, err := EncryptPasswordRSA(acct.Password, greeting.AuthPluginData, pubPEM)
			if err != nil {
				return Result{}, fmt.Errorf("auth: encrypting full-auth password: %w", err)
			}
			if err := writeMessage(fw, protocol.ClientAuthMethodData{Data: enc}); err != nil {
				return Result{}, fmt.Errorf("auth: sending full-auth password: %w", err)
			}
		default:
			return Result{}, fmt.Errorf("auth: unexpected byte 0x%02x in auth exchange", respBuf[0])
		}
	}
}

func computeResponse(plugin, password string, seed []byte) ([]byte, error) {
	switch plugin {
	case pluginNative:
		return NativePasswordHash(password, seed), nil
	case pluginCachingSHA2, pluginSHA256:
		return CachingSHA2Hash(password, seed), nil
	default:
		return nil, fmt.Errorf("auth: unsupported auth plugin %q", plugin)
	}
}

type sizer interface {
	Size(protocol.Capabilities) int
	Encode(protocol.Capabilities) ([]byte, error)
}

func writeMessage(fw *frame.Writer, msg sizer) error {
	buf, err := msg.Encode(0)
	if err != nil {
		return err
	}
	return fw.WriteMessage(buf)
}
