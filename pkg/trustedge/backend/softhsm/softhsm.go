// Package softhsm implements the file-persisted Software HSM backend
// (spec §4.2): Ed25519/ECDSA-P256/RSA key generation and signing, with keys
// persisted as <id>_private.key / <id>_public.key plus a JSON metadata
// index. Grounded on the teacher's internal/crypto/keystore.go file-per-key
// + JSON-metadata pattern, generalized beyond Ed25519.
package softhsm

import (
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	tecrypto "github.com/TrustEdge-Labs/trustedge-sub001/internal/crypto"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/backend"
	"golang.org/x/crypto/hkdf"
)

// Backend is a directory-backed software HSM.
type Backend struct {
	dir string

	mu    sync.RWMutex // serializes metadata-file writes; reads share the lock
	keys  map[string]keyRecord
}

type keyRecord struct {
	Meta    backend.KeyMetadata
	Alg     tecrypto.AsymmetricAlgorithm
	Private []byte // raw/DER bytes, as produced by internal/crypto/asym.go
	Public  []byte
}

type metadataFile struct {
	Keys map[string]metadataEntry `json:"keys"`
}

type metadataEntry struct {
	KeyID       string    `json:"key_id"`
	Description string    `json:"description"`
	Algorithm   int       `json:"algorithm"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

const metadataFileName = "keys.json"

// New constructs a Software HSM backend rooted at dir, scanning it for
// existing keys. A corrupted metadata file does not prevent construction:
// it falls back to on-disk *.key file discovery (spec §4.2 requirement).
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create software HSM directory: %w", err)
	}
	b := &Backend{dir: dir, keys: make(map[string]keyRecord)}
	b.loadMetadata()
	b.discoverFromDisk()
	return b, nil
}

func (b *Backend) loadMetadata() {
	path := filepath.Join(b.dir, metadataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var mf metadataFile
	if err := json.Unmarshal(data, &mf); err != nil {
		// Corrupted metadata file: tolerated, fall through to disk discovery.
		return
	}
	for id, entry := range mf.Keys {
		privPath := filepath.Join(b.dir, id+"_private.key")
		pubPath := filepath.Join(b.dir, id+"_public.key")
		priv, errP := os.ReadFile(privPath)
		pub, errQ := os.ReadFile(pubPath)
		if errP != nil || errQ != nil {
			// One corrupted/missing key is excluded, not fatal.
			continue
		}
		var keyID [16]byte
		idBytes, _ := hex.DecodeString(id)
		copy(keyID[:], idBytes)
		b.keys[id] = keyRecord{
			Meta: backend.KeyMetadata{
				KeyID:       keyID,
				Description: entry.Description,
				CreatedAt:   entry.CreatedAt,
				LastUsedAt:  entry.LastUsedAt,
			},
			Alg:     tecrypto.AsymmetricAlgorithm(entry.Algorithm),
			Private: priv,
			Public:  pub,
		}
	}
}

// discoverFromDisk picks up *_public.key/*_private.key pairs that have no
// metadata entry (e.g. the metadata file itself was lost or corrupted).
func (b *Backend) discoverFromDisk() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		const suffix = "_public.key"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		id := name[:len(name)-len(suffix)]
		if _, ok := b.keys[id]; ok {
			continue
		}
		pub, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			continue
		}
		priv, err := os.ReadFile(filepath.Join(b.dir, id+"_private.key"))
		if err != nil {
			continue
		}
		var keyID [16]byte
		idBytes, _ := hex.DecodeString(id)
		copy(keyID[:], idBytes)
		b.keys[id] = keyRecord{
			Meta:    backend.KeyMetadata{KeyID: keyID, Description: "recovered from disk"},
			Alg:     guessAlgorithm(pub),
			Private: priv,
			Public:  pub,
		}
	}
}

func guessAlgorithm(pub []byte) tecrypto.AsymmetricAlgorithm {
	if len(pub) == ed25519.PublicKeySize {
		return tecrypto.AlgEd25519
	}
	return tecrypto.AlgUnspecified
}

func (b *Backend) persistMetadata() error {
	mf := metadataFile{Keys: make(map[string]metadataEntry, len(b.keys))}
	for id, rec := range b.keys {
		mf.Keys[id] = metadataEntry{
			KeyID:       id,
			Description: rec.Meta.Description,
			Algorithm:   int(rec.Alg),
			CreatedAt:   rec.Meta.CreatedAt,
			LastUsedAt:  rec.Meta.LastUsedAt,
		}
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.dir, metadataFileName), data, 0600)
}

// BackendInfo implements backend.Backend.
func (b *Backend) BackendInfo() backend.BackendInfo {
	return backend.BackendInfo{
		Name:        "software-hsm",
		Description: "File-persisted software keystore (Ed25519/ECDSA-P256/RSA)",
		Version:     "1.0.0",
		Available:   true,
	}
}

// GetCapabilities implements backend.Backend.
func (b *Backend) GetCapabilities() backend.BackendCapabilities {
	return backend.BackendCapabilities{
		SupportedAsymmetric: []backend.AsymmetricAlgorithm{backend.Ed25519, backend.EcdsaP256, backend.Rsa2048, backend.Rsa4096},
		SupportedSignature:  []backend.SignatureAlgorithm{backend.SigEd25519, backend.SigEcdsaP256, backend.SigRsaPkcs1v15, backend.SigRsaPss},
		SupportedHash:       []backend.HashAlgorithm{backend.Sha256, backend.Sha384, backend.Sha512},
		HardwareBacked:      false,
		SupportsKeyDerivation: true,
		SupportsKeyGeneration: true,
		SupportsAttestation:   false,
	}
}

// SupportsOperation implements backend.Backend. Encrypt/Decrypt are
// explicitly not implemented at this layer (spec §4.2). For Sign/Verify
// and GenerateKeyPair this checks the requested algorithm against exactly
// what sign/verify/generateKeyPair implement below, so a true answer here
// never sees UnsupportedOperation out of PerformOperation (spec §8).
func (b *Backend) SupportsOperation(op backend.CryptoOperation) bool {
	switch op.Kind {
	case backend.OpGenerateKeyPair:
		switch op.AsymmetricAlgorithm {
		case backend.Ed25519, backend.EcdsaP256, backend.Rsa2048, backend.Rsa4096:
			return true
		default:
			return false
		}
	case backend.OpSign, backend.OpVerify:
		switch op.SignatureAlgorithm {
		case backend.SigEd25519, backend.SigEcdsaP256, backend.SigRsaPkcs1v15, backend.SigRsaPss:
			return true
		default:
			return false
		}
	case backend.OpHash:
		switch op.HashAlgorithm {
		case backend.Sha256, backend.Sha384, backend.Sha512:
			return true
		default:
			return false
		}
	case backend.OpGetPublicKey, backend.OpDeriveKey:
		return true
	default:
		return false
	}
}

// ListKeys implements backend.Backend.
func (b *Backend) ListKeys() ([]backend.KeyMetadata, *backend.Error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]backend.KeyMetadata, 0, len(b.keys))
	for _, rec := range b.keys {
		out = append(out, rec.Meta)
	}
	return out, nil
}

// PerformOperation implements backend.Backend.
func (b *Backend) PerformOperation(keyID string, op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	switch op.Kind {
	case backend.OpGenerateKeyPair:
		return b.generateKeyPair(keyID, op.AsymmetricAlgorithm)
	case backend.OpSign:
		return b.sign(keyID, op)
	case backend.OpVerify:
		return b.verify(keyID, op)
	case backend.OpGetPublicKey:
		return b.getPublicKey(keyID)
	case backend.OpHash:
		return hashOperation(op)
	case backend.OpDeriveKey:
		return b.deriveKey(keyID, op.DerivationContext)
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "software HSM does not implement this operation")
	}
}

func (b *Backend) generateKeyPair(keyID string, alg backend.AsymmetricAlgorithm) (backend.CryptoResult, *backend.Error) {
	var (
		kp  *tecrypto.KeyPair
		err error
	)
	switch alg {
	case backend.Ed25519:
		ed, genErr := tecrypto.GenerateEd25519()
		if genErr != nil {
			err = genErr
		} else {
			k := tecrypto.Ed25519ToAsymmetric(ed)
			kp = &k
		}
	case backend.EcdsaP256:
		kp, err = tecrypto.GenerateECDSAP256()
	case backend.Rsa2048:
		kp, err = tecrypto.GenerateRSA(2048)
	case backend.Rsa4096:
		kp, err = tecrypto.GenerateRSA(4096)
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "unsupported key generation algorithm")
	}
	if err != nil {
		return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "key generation failed", err)
	}

	id := keyID
	if id == "" {
		id = kp.Public.ID()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	privPath := filepath.Join(b.dir, id+"_private.key")
	pubPath := filepath.Join(b.dir, id+"_public.key")
	if err := os.WriteFile(privPath, kp.Private.KeyBytes, 0600); err != nil {
		return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "failed to persist private key", err)
	}
	if err := os.WriteFile(pubPath, kp.Public.KeyBytes, 0644); err != nil {
		return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "failed to persist public key", err)
	}

	now := time.Now()
	var keyIDArr [16]byte
	idBytes, _ := hex.DecodeString(id)
	copy(keyIDArr[:], idBytes)

	b.keys[id] = keyRecord{
		Meta:    backend.KeyMetadata{KeyID: keyIDArr, CreatedAt: now, LastUsedAt: now},
		Alg:     tecrypto.AsymmetricAlgorithm(alg),
		Private: kp.Private.KeyBytes,
		Public:  kp.Public.KeyBytes,
	}
	if err := b.persistMetadata(); err != nil {
		return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "failed to persist key metadata", err)
	}

	var pubIDArr [16]byte
	copy(pubIDArr[:], idBytes)
	return backend.CryptoResult{Kind: backend.ResKeyPair, KeyPairPublic: kp.Public.KeyBytes, KeyPairPrivateID: pubIDArr}, nil
}

// rsaSignHash is the fixed digest algorithm used for both RSA signature
// schemes here, so sign and verify always agree on what was hashed.
const rsaSignHash = stdcrypto.SHA256

// sign dispatches on op.SignatureAlgorithm (not rec.Alg) so that an
// algorithm/key mismatch is a runtime OperationFailed, never the
// UnsupportedOperation SupportsOperation already ruled out for this
// SignatureAlgorithm (spec §8).
func (b *Backend) sign(keyID string, op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	b.mu.RLock()
	rec, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return backend.CryptoResult{}, backend.NewError(backend.KeyNotFound, "no such key: "+keyID)
	}

	switch op.SignatureAlgorithm {
	case backend.SigEd25519:
		if rec.Alg != tecrypto.AlgEd25519 {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "key is not an Ed25519 key")
		}
		if len(rec.Private) != ed25519.PrivateKeySize {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "corrupted Ed25519 private key")
		}
		sig := ed25519.Sign(ed25519.PrivateKey(rec.Private), op.Message)
		return backend.CryptoResult{Kind: backend.ResSigned, Signed: sig}, nil
	case backend.SigEcdsaP256:
		if rec.Alg != tecrypto.AlgEcdsaP256 {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "key is not an ECDSA-P256 key")
		}
		priv, err := x509.ParseECPrivateKey(rec.Private)
		if err != nil {
			return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "corrupted ECDSA private key", err)
		}
		digest := sha256.Sum256(op.Message)
		sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
		if err != nil {
			return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "ECDSA signing failed", err)
		}
		return backend.CryptoResult{Kind: backend.ResSigned, Signed: sig}, nil
	case backend.SigRsaPkcs1v15, backend.SigRsaPss:
		if rec.Alg != tecrypto.AlgRsa2048 && rec.Alg != tecrypto.AlgRsa4096 {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "key is not an RSA key")
		}
		priv, err := x509.ParsePKCS8PrivateKey(rec.Private)
		if err != nil {
			return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "corrupted RSA private key", err)
		}
		rsaPriv, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "key is not RSA")
		}
		digest := sha256.Sum256(op.Message)
		var sig []byte
		if op.SignatureAlgorithm == backend.SigRsaPkcs1v15 {
			sig, err = rsa.SignPKCS1v15(rand.Reader, rsaPriv, rsaSignHash, digest[:])
		} else {
			sig, err = rsa.SignPSS(rand.Reader, rsaPriv, rsaSignHash, digest[:], nil)
		}
		if err != nil {
			return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "RSA signing failed", err)
		}
		return backend.CryptoResult{Kind: backend.ResSigned, Signed: sig}, nil
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "unsupported signature algorithm")
	}
}

// verify mirrors sign's dispatch exactly, so every SignatureAlgorithm
// SupportsOperation admits for OpVerify is actually implemented here.
func (b *Backend) verify(keyID string, op backend.CryptoOperation) (backend.CryptoResult, *backend.Error) {
	b.mu.RLock()
	rec, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return backend.CryptoResult{}, backend.NewError(backend.KeyNotFound, "no such key: "+keyID)
	}
	switch op.SignatureAlgorithm {
	case backend.SigEd25519:
		if rec.Alg != tecrypto.AlgEd25519 {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "key is not an Ed25519 key")
		}
		if len(rec.Public) != ed25519.PublicKeySize {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "corrupted Ed25519 public key")
		}
		valid := ed25519.Verify(ed25519.PublicKey(rec.Public), op.Message, op.Signature)
		return backend.CryptoResult{Kind: backend.ResVerification, Verified: valid}, nil
	case backend.SigEcdsaP256:
		if rec.Alg != tecrypto.AlgEcdsaP256 {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "key is not an ECDSA-P256 key")
		}
		x, y := elliptic.Unmarshal(elliptic.P256(), rec.Public)
		if x == nil {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "corrupted ECDSA public key")
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		digest := sha256.Sum256(op.Message)
		valid := ecdsa.VerifyASN1(pub, digest[:], op.Signature)
		return backend.CryptoResult{Kind: backend.ResVerification, Verified: valid}, nil
	case backend.SigRsaPkcs1v15, backend.SigRsaPss:
		if rec.Alg != tecrypto.AlgRsa2048 && rec.Alg != tecrypto.AlgRsa4096 {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "key is not an RSA key")
		}
		pub, err := x509.ParsePKIXPublicKey(rec.Public)
		if err != nil {
			return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "corrupted RSA public key", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return backend.CryptoResult{}, backend.NewError(backend.OperationFailed, "key is not RSA")
		}
		digest := sha256.Sum256(op.Message)
		var verr error
		if op.SignatureAlgorithm == backend.SigRsaPkcs1v15 {
			verr = rsa.VerifyPKCS1v15(rsaPub, rsaSignHash, digest[:], op.Signature)
		} else {
			verr = rsa.VerifyPSS(rsaPub, rsaSignHash, digest[:], op.Signature, nil)
		}
		return backend.CryptoResult{Kind: backend.ResVerification, Verified: verr == nil}, nil
	default:
		return backend.CryptoResult{}, backend.NewError(backend.UnsupportedOperation, "unsupported signature algorithm")
	}
}

func (b *Backend) getPublicKey(keyID string) (backend.CryptoResult, *backend.Error) {
	b.mu.RLock()
	rec, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return backend.CryptoResult{}, backend.NewError(backend.KeyNotFound, "no such key: "+keyID)
	}
	return backend.CryptoResult{Kind: backend.ResPublicKey, PublicKey: rec.Public}, nil
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

// deriveKey implements a fixed-salt HKDF-like derivation path distinct from
// the keyring backend's PBKDF2 path (spec §4.2: "DeriveKey using a
// fixed-salt HKDF-like path").
func (b *Backend) deriveKey(keyID string, ctx backend.KeyDerivationContext) (backend.CryptoResult, *backend.Error) {
	b.mu.RLock()
	rec, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return backend.CryptoResult{}, backend.NewError(backend.KeyNotFound, "no such key: "+keyID)
	}
	salt := ctx.Salt
	if len(salt) == 0 {
		salt = []byte("trustedge-softhsm-fixed-salt")
	}
	info := append([]byte("trustedge-softhsm-derive:"), ctx.AdditionalData...)
	r := hkdf.New(sha256.New, rec.Private, salt, info)
	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return backend.CryptoResult{}, backend.Wrap(backend.OperationFailed, "key derivation failed", err)
	}
	return backend.CryptoResult{Kind: backend.ResDerivedKey, DerivedKey: out}, nil
}
