// Package keyring implements the OS-keyring backend (spec §4.3): passphrase
// storage via the OS credential store, and DeriveKey via PBKDF2 over
// (passphrase ‖ key_id ‖ additional_data). Grounded on
// _examples/original_source/crates/core/src/backends/universal_keyring.rs.
package keyring

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	kr "github.com/99designs/keyring"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/backend"
	"golang.org/x/crypto/pbkdf2"
)

// Backend wraps an OS credential store keyed by (service, username).
type Backend struct {
	service  string
	username string
	ring     kr.Keyring
}

// New opens (or creates) the OS keyring entry for service/username.
func New(service, username string) (*Backend, error) {
	ring, err := kr.Open(kr.Config{
		ServiceName: service,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open OS keyring: %w", err)
	}
	return &Backend{service: service, username: username, ring: ring}, nil
}

func (b *Backend) itemKey() string {
	return b.service + ":" + b.username + ":passphrase"
}

// StorePassphrase writes the passphrase into the OS credential store.
// passphrase is copied by ring.Set (the underlying keyring implementation
// owns its own storage from here); callers should zero their copy once
// this returns.
func (b *Backend) StorePassphrase(passphrase []byte) error {
	return b.ring.Set(kr.Item{
		Key:  b.itemKey(),
		Data: passphrase,
	})
}

// GetPassphrase fetches the passphrase as a []byte the caller owns and
// must wipe once consumed (e.g. with defer zeroBytes(passphrase)). It is
// never materialized into a Go string, which cannot be reliably zeroed
// since strings are immutable and any []byte(s) conversion copies into a
// new backing array the original remains unreachable (spec §4.3: "never
// materialized into a long-lived owned string... wiped on drop").
func (b *Backend) GetPassphrase() ([]byte, error) {
	item, err := b.ring.Get(b.itemKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase from OS keyring: %w", err)
	}
	return item.Data, nil
}

// BackendInfo implements backend.Backend.
func (b *Backend) BackendInfo() backend.BackendInfo {
	return backend.BackendInfo{
		Name:               "os-keyring",
		Description:        "OS credential store passphrase + PBKDF2 key derivation",
		Version:            "1.0.0",
		Available:          true,
		RequiredConfigKeys: []string{"service", "username"},
	}
}

// GetCapabilities implements backend.Backend.
func (b *Backend) GetCapabilities() backend.BackendCapabilities {
	return backend.BackendCapabilities{
		SupportedHash:         []backend.HashAlgorithm{backend.Sha256, backend.Sha384, backend.Sha512},
		HardwareBacked:        false,
		SupportsKeyDerivation: true,
		SupportsKeyGeneration: false,
		SupportsAttestation:   false,
	}
}

// SupportsOperation implements backend.Backend. All asymmetric operations
// are rejected: this backend only derives keys and hashes (spec §4.3).
func (b *Backend) SupportsOperation(op backend.CryptoOperation) bool {
	switch op.Kind {
	case backend.OpDeriveKey, backend.OpHash:
		return true
	default:
		return false
	}
}

// ListKeys implements backend.Backend: the keyring has no enumerable keys.
func (b *Backend) ListKeys() ([]backend.KeyMetadata, *backend.Error) { return nil, nil }

// PerformOperation implements backend.Backend.
func (b *Backend) PerformOperation(keyID string, op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	switch op.Kind {
	case backend.OpDeriveKey:
		return b.deriveKey(keyID, op.DerivationContext)
	case backend.OpHash:
		return hashOperation(op)
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "OS-keyring backend only derives keys and hashes")
	}
}

func (b *Backend) deriveKey(keyID string, ctx backend.KeyDerivationContext) (backend.CryptoResult, *backend.Error) {
	if len(ctx.Salt) != 16 {
		return backend.CryptoResult{}, backend.NewError(backend.InvalidInput, "salt must be exactly 16 bytes for keyring backend")
	}

	passphrase, err := b.GetPassphrase()
	if err != nil {
		return backend.CryptoResult{}, backend.Wrap(backend.AuthenticationRequired, "failed to fetch passphrase", err)
	}
	defer zeroBytes(passphrase)

	input := make([]byte, 0, len(passphrase)+len(keyID)+len(ctx.AdditionalData))
	input = append(input, passphrase...)
	input = append(input, keyID...)
	input = append(input, ctx.AdditionalData...)

	var newHash func() hash.Hash
	switch ctx.HashAlgorithm {
	case backend.Sha384:
		newHash = sha512.New384
	case backend.Sha512:
		newHash = sha512.New
	default:
		newHash = sha256.New
	}

	derived := pbkdf2.Key(input, ctx.Salt, ctx.IterationsOrDefault(), 32, newHash)
	var out [32]byte
	copy(out[:], derived)
	return backend.CryptoResult{Kind: backend.ResDerivedKey, DerivedKey: out}, nil
}

func hashOperation(op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	switch op.HashAlgorithm {
	case backend.Sha256:
		h := sha256.Sum256(op.HashInput)
		return backend.CryptoResult{Kind: backend.ResHash, Hash: h[:]}, nil
	case backend.Sha384:
		h := sha512.Sum384(op.HashInput)
		return backend.CryptoResult{Kind: backend.ResHash, Hash: h[:]}, nil
	case backend.Sha512:
		h := sha512.Sum512(op.HashInput)
		return backend.CryptoResult{Kind: backend.ResHash, Hash: h[:]}, nil
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "unsupported hash algorithm")
	}
}

// zeroBytes overwrites b's backing array in place, mirroring the teacher's
// "wiped on drop" discipline for secret material.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
