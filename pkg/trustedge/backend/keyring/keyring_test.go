package keyring

import (
	"testing"

	kr "github.com/99designs/keyring"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/backend"
)

// newTestBackend opens a file-backed keyring under t.TempDir() instead of the
// real OS credential store, so tests never touch the host's keychain.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	ring, err := kr.Open(kr.Config{
		AllowedBackends:  []kr.BackendType{kr.FileBackend},
		FileDir:          t.TempDir(),
		FilePasswordFunc: kr.FixedStringPrompt("test-keyring-password"),
	})
	if err != nil {
		t.Fatalf("kr.Open() failed: %v", err)
	}
	return &Backend{service: "trustedge-test", username: "alice", ring: ring}
}

// TestStoreAndGetPassphraseRoundTrips checks the passphrase survives a
// store/fetch round trip as the exact bytes given, never routed through a
// Go string.
func TestStoreAndGetPassphraseRoundTrips(t *testing.T) {
	b := newTestBackend(t)
	want := []byte("correct horse battery staple")

	if err := b.StorePassphrase(want); err != nil {
		t.Fatalf("StorePassphrase() failed: %v", err)
	}

	got, err := b.GetPassphrase()
	if err != nil {
		t.Fatalf("GetPassphrase() failed: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("GetPassphrase() = %q, want %q", got, want)
	}
}

// TestZeroBytesWipesSlice checks zeroBytes actually overwrites the caller's
// backing array.
func TestZeroBytesWipesSlice(t *testing.T) {
	b := newTestBackend(t)
	if err := b.StorePassphrase([]byte("hunter2hunter2")); err != nil {
		t.Fatalf("StorePassphrase() failed: %v", err)
	}

	passphrase, err := b.GetPassphrase()
	if err != nil {
		t.Fatalf("GetPassphrase() failed: %v", err)
	}
	if len(passphrase) == 0 {
		t.Fatal("GetPassphrase() returned an empty slice")
	}

	zeroBytes(passphrase)

	for i, bb := range passphrase {
		if bb != 0 {
			t.Fatalf("passphrase[%d] = %d after zeroBytes, want 0", i, bb)
		}
	}
}

// TestDeriveKeyIsDeterministic checks DeriveKey produces the same key for
// the same (passphrase, keyID, salt, additional data) and a different key
// when the salt changes.
func TestDeriveKeyIsDeterministic(t *testing.T) {
	b := newTestBackend(t)
	if err := b.StorePassphrase([]byte("correct horse battery staple")); err != nil {
		t.Fatalf("StorePassphrase() failed: %v", err)
	}

	salt := make([]byte, 16)
	for i := range salt {
		salt[i] = byte(i)
	}
	ctx := backend.KeyDerivationContext{Salt: salt, HashAlgorithm: backend.Sha256}

	res1, bErr := b.deriveKey("key-1", ctx)
	if bErr != nil {
		t.Fatalf("deriveKey() failed: %v", bErr)
	}
	res2, bErr := b.deriveKey("key-1", ctx)
	if bErr != nil {
		t.Fatalf("deriveKey() failed: %v", bErr)
	}
	if res1.DerivedKey != res2.DerivedKey {
		t.Error("deriveKey() returned different keys for identical inputs, want deterministic")
	}

	otherSalt := make([]byte, 16)
	for i := range otherSalt {
		otherSalt[i] = byte(i + 1)
	}
	res3, bErr := b.deriveKey("key-1", backend.KeyDerivationContext{Salt: otherSalt, HashAlgorithm: backend.Sha256})
	if bErr != nil {
		t.Fatalf("deriveKey() failed: %v", bErr)
	}
	if res1.DerivedKey == res3.DerivedKey {
		t.Error("deriveKey() returned the same key after changing the salt, want different")
	}
}

// TestDeriveKeyRejectsShortSalt checks the 16-byte salt requirement.
func TestDeriveKeyRejectsShortSalt(t *testing.T) {
	b := newTestBackend(t)
	if err := b.StorePassphrase([]byte("passphrase")); err != nil {
		t.Fatalf("StorePassphrase() failed: %v", err)
	}

	_, bErr := b.deriveKey("key-1", backend.KeyDerivationContext{Salt: []byte("short"), HashAlgorithm: backend.Sha256})
	if bErr == nil || bErr.Kind != backend.InvalidInput {
		t.Fatalf("deriveKey() with short salt = %v, want InvalidInput", bErr)
	}
}

// TestSupportsOperationMatchesPerformOperation checks the universal
// SupportsOperation/PerformOperation property for this backend's own
// operation set.
func TestSupportsOperationMatchesPerformOperation(t *testing.T) {
	b := newTestBackend(t)
	if err := b.StorePassphrase([]byte("passphrase")); err != nil {
		t.Fatalf("StorePassphrase() failed: %v", err)
	}

	unsupported := backend.CryptoOperation{Kind: backend.OpSign}
	if b.SupportsOperation(unsupported) {
		t.Fatal("SupportsOperation(OpSign) = true, want false")
	}
	if _, bErr := b.PerformOperation("k1", unsupported); bErr == nil || bErr.Kind != backend.UnsupportedOperation {
		t.Fatalf("PerformOperation(OpSign) = %v, want UnsupportedOperation", bErr)
	}

	supported := backend.CryptoOperation{Kind: backend.OpHash, HashAlgorithm: backend.Sha256, HashInput: []byte("data")}
	if !b.SupportsOperation(supported) {
		t.Fatal("SupportsOperation(OpHash) = false, want true")
	}
	if _, bErr := b.PerformOperation("k1", supported); bErr != nil {
		t.Fatalf("PerformOperation(OpHash) failed: %v", bErr)
	}
}
