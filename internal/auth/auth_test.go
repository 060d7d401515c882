package auth

import (
	"bytes"
	"testing"
)

func TestNativePasswordHashDeterministic(t *testing.T) {
	seed := []byte("01234567890123456789")
	h1 := NativePasswordHash("s3cret", seed)
	h2 := NativePasswordHash("s3cret", seed)
	if !bytes.Equal(h1, h2) {
		t.Fatalf("NativePasswordHash is not deterministic for the same input")
	}
	if len(h1) != 20 {
		t.Fatalf("expected a 20-byte SHA1 scramble, got %d bytes", len(h1))
	}
}

func TestNativePasswordHashEmptyPassword(t *testing.T) {
	if got := NativePasswordHash("", []byte("seed")); got != nil {
		t.Fatalf("empty password must yield a nil scramble, got %v", got)
	}
}

func TestNativePasswordHashDiffersByPassword(t *testing.T) {
	seed := []byte("fixed-twenty-byte-seed")
	a := NativePasswordHash("alpha", seed)
	b := NativePasswordHash("beta", seed)
	if bytes.Equal(a, b) {
		t.Fatalf("distinct passwords must not produce the same scramble")
	}
}

func TestCachingSHA2HashLength(t *testing.T) {
	seed := []byte("0123456789012345678901234567890")
	h := CachingSHA2Hash("s3cret", seed)
	if len(h) != 32 {
		t.Fatalf("expected a 32-byte SHA256 scramble, got %d bytes", len(h))
	}
}

func TestCachingSHA2HashEmptyPassword(t *testing.T) {
	if got := CachingSHA2Hash("", []byte("seed")); got != nil {
		t.Fatalf("empty password must yield a nil scramble, got %v", got)
	}
}

func TestCacheStoreAndLookup(t *testing.T) {
	c := NewCache()
	if _, ok := c.Lookup("router"); ok {
		t.Fatalf("expected empty cache to have no entry for unknown user")
	}
	c.Store(Credential{Account: Account{Username: "router", Password: "pw"}})
	cred, ok := c.Lookup("router")
	if !ok {
		t.Fatalf("expected a cached credential for router")
	}
	if cred.Account.Password != "pw" {
		t.Fatalf("cached credential lost its password")
	}
}

func TestCacheRememberPublicKeyPreservesAccount(t *testing.T) {
	c := NewCache()
	c.Store(Credential{Account: Account{Username: "router", Password: "pw"}})
	c.RememberPublicKey("router", []byte("-----BEGIN PUBLIC KEY-----"))
	cred, ok := c.Lookup("router")
	if !ok {
		t.Fatalf("expected cached credential to still exist")
	}
	if cred.Account.Password != "pw" {
		t.Fatalf("RememberPublicKey must not disturb the cached password")
	}
	if string(cred.PublicKeyPEM) != "-----BEGIN PUBLIC KEY-----" {
		t.Fatalf("RememberPublicKey did not store the key")
	}
}

func TestComputeResponseUnknownPlugin(t *testing.T) {
	if _, err := computeResponse("some_future_plugin", "pw", []byte("seed")); err == nil {
		t.Fatalf("expected an error for an unsupported auth plugin")
	}
}

func TestXorWithSeedRoundTrips(t *testing.T) {
	seed := []byte("abcd")
	out := xorWithSeed("hello", seed)
	// XOR with the same repeating seed again recovers the original
	// NUL-terminated plaintext.
	back := make([]byte, len(out))
	for i := range out {
		back[i] = out[i] ^ seed[i%len(seed)]
	}
	if string(back) != "hello\x00" {
		t.Fatalf("xorWithSeed round trip failed: got %q", back)
	}
}
