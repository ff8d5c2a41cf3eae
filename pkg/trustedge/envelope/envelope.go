// Package envelope implements the chunked-AEAD envelope: payload split into
// ≤64KiB chunks, each independently AEAD-encrypted under a per-chunk key
// and signed via a per-chunk manifest, with issuer/beneficiary addressing
// and aggregate metadata at the envelope level. Grounded on
// _examples/original_source/trustedge-core/src/envelope.rs and crypto.rs's
// AAD construction.
//
// Per-chunk key distribution (the original's open design question, see
// DESIGN.md) is resolved here as: one envelope-wide session key, X25519-ECDH
// wrapped once to the beneficiary's encryption key, then HKDF-expanded per
// chunk. This makes Unseal fully functional instead of permanently stubbed.
package envelope

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	tecrypto "github.com/TrustEdge-Labs/trustedge-sub001/internal/crypto"
	"github.com/TrustEdge-Labs/trustedge-sub001/internal/observability"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// randReader is the source of randomness for session keys, nonces, and
// ephemeral X25519 keys. The deterministic golden test (see envelope_test.go)
// substitutes a fixed-output reader here to make Seal's output byte-stable;
// production code never reassigns it.
var randReader io.Reader = rand.Reader

const (
	defaultChunkSize = 64 * 1024
	nonceLen         = 12
	envelopeHeader   = "ENVELOPE_V1"
	chunkKeyInfo     = "trustedge-chunk-"
)

// NetworkChunk is one independently-encrypted, independently-signed piece
// of a sealed payload.
type NetworkChunk struct {
	Sequence       uint64
	Ciphertext     []byte
	SignedManifest []byte
	Nonce          [nonceLen]byte
}

// ChunkManifest describes one chunk before encryption.
type ChunkManifest struct {
	Sequence   uint64 `json:"sequence"`
	ChunkSize  uint32 `json:"chunk_size"`
	Timestamp  int64  `json:"timestamp"`
	FormatHint string `json:"format_hint"`
}

// SignedManifest carries a chunk manifest plus a detached Ed25519 signature
// over its BLAKE3 hash and the signer's public key.
type SignedManifest struct {
	ManifestBytes []byte `json:"manifest"`
	Signature     []byte `json:"sig"`
	Pubkey        []byte `json:"pubkey"`
}

// EnvelopeMetadata is the aggregate, envelope-level record.
type EnvelopeMetadata struct {
	CreatedAt         int64  `json:"created_at"`
	PayloadSize       uint64 `json:"payload_size"`
	ChunkCount        uint32 `json:"chunk_count"`
	AeadAlgorithm     string `json:"aead_algorithm"`
	SignatureAlgorithm string `json:"signature_algorithm"`
	HashAlgorithm     string `json:"hash_algorithm"`
}

// Envelope is a sealed, signed, chunked payload addressed to a beneficiary.
type Envelope struct {
	Chunks                []NetworkChunk
	IssuerKey             [32]byte // Ed25519 verifying key
	BeneficiaryKey        [32]byte // Ed25519 verifying key (addressing identity)
	BeneficiaryEncKey     [32]byte // X25519 public key the session key is wrapped to
	EphemeralPublicKey    [32]byte // issuer's one-time X25519 public key
	WrappedSessionKey     []byte   // AES-256-GCM(HKDF(ECDH(ephemeral,beneficiaryEnc)), sessionKey)
	WrappedSessionNonce   [nonceLen]byte
	Metadata              EnvelopeMetadata
}

// Seal splits payload into ≤64KiB chunks, encrypts and signs each, and
// addresses the envelope to beneficiaryVerify (identity) /
// beneficiaryEncPub (session-key wrap target).
func Seal(payload []byte, issuerSK ed25519.PrivateKey, beneficiaryVerify ed25519.PublicKey, beneficiaryEncPub [32]byte, now int64) (*Envelope, error) {
	var chunkCount uint32
	if len(payload) > 0 {
		chunkCount = uint32(len(payload) / defaultChunkSize)
		if len(payload)%defaultChunkSize != 0 {
			chunkCount++
		}
	}

	metadata := EnvelopeMetadata{
		CreatedAt:          now,
		PayloadSize:        uint64(len(payload)),
		ChunkCount:         chunkCount,
		AeadAlgorithm:      "AES-256-GCM",
		SignatureAlgorithm: "Ed25519",
		HashAlgorithm:      "BLAKE3",
	}

	sessionKey, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	ephemeralPub, ephemeralPriv, err := generateX25519()
	if err != nil {
		return nil, err
	}

	sharedSecret, err := tecrypto.X25519Exchange(&ephemeralPriv, &beneficiaryEncPub)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key: %w", err)
	}
	wrapKey, err := hkdfKey(sharedSecret[:], nil, "trustedge-envelope-session-wrap")
	if err != nil {
		return nil, err
	}
	wrapNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	wrappedSessionKey, err := tecrypto.Seal(wrapKey[:], wrapNonce[:], nil, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal session key: %w", err)
	}

	headerHash := blake3.Sum256([]byte(envelopeHeader))

	var chunks []NetworkChunk
	if len(payload) == 0 {
		// Generic Envelope.Seal emits zero chunks for an empty payload
		// (matching the original's un-chunked convention; the chunker's
		// manifest layer emits one empty chunk instead — see DESIGN.md).
	} else {
		for i := 0; i*defaultChunkSize < len(payload); i++ {
			start := i * defaultChunkSize
			end := start + defaultChunkSize
			if end > len(payload) {
				end = len(payload)
			}
			chunk, err := sealChunk(uint64(i), payload[start:end], issuerSK, sessionKey, headerHash, now)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, *chunk)
		}
	}

	var issuerPub [32]byte
	copy(issuerPub[:], issuerSK.Public().(ed25519.PublicKey))
	var beneficiaryPub [32]byte
	copy(beneficiaryPub[:], beneficiaryVerify)

	return &Envelope{
		Chunks:              chunks,
		IssuerKey:           issuerPub,
		BeneficiaryKey:      beneficiaryPub,
		BeneficiaryEncKey:   beneficiaryEncPub,
		EphemeralPublicKey:  ephemeralPub,
		WrappedSessionKey:   wrappedSessionKey,
		WrappedSessionNonce: wrapNonce,
		Metadata:            metadata,
	}, nil
}

// SealObserved calls Seal, additionally emitting the EnvelopeSealed log
// line, the envelope-seal metrics, and an "envelope.seal" span when obs is
// non-nil. A nil obs makes this identical to calling Seal directly.
func SealObserved(ctx context.Context, obs *observability.Observer, payload []byte, issuerSK ed25519.PrivateKey, beneficiaryVerify ed25519.PublicKey, beneficiaryEncPub [32]byte, now int64) (*Envelope, error) {
	_, span := obs.StartSpan(ctx, "envelope.seal")
	defer span.End()

	start := time.Now()
	env, err := Seal(payload, issuerSK, beneficiaryVerify, beneficiaryEncPub, now)
	if obs != nil {
		duration := time.Since(start)
		if err == nil && obs.Logger != nil {
			obs.Logger.EnvelopeSealed(len(env.Chunks), int64(len(payload)), duration)
		}
		if obs.Metrics != nil {
			obs.Metrics.RecordEnvelopeSeal(duration.Seconds())
		}
	}
	return env, err
}

// UnsealObserved calls Unseal within an "envelope.unseal" span when obs is
// non-nil; a nil obs makes this identical to calling Unseal directly.
func (e *Envelope) UnsealObserved(ctx context.Context, obs *observability.Observer, beneficiaryEncPriv [32]byte) ([]byte, error) {
	_, span := obs.StartSpan(ctx, "envelope.unseal")
	defer span.End()
	return e.Unseal(beneficiaryEncPriv)
}

func sealChunk(sequence uint64, data []byte, issuerSK ed25519.PrivateKey, sessionKey []byte, headerHash [32]byte, now int64) (*NetworkChunk, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	manifest := ChunkManifest{
		Sequence:   sequence,
		ChunkSize:  uint32(len(data)),
		Timestamp:  now,
		FormatHint: "application/octet-stream",
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize chunk manifest: %w", err)
	}
	manifestHash := blake3.Sum256(manifestBytes)
	signature := ed25519.Sign(issuerSK, manifestHash[:])

	signedManifest := SignedManifest{
		ManifestBytes: manifestBytes,
		Signature:     signature,
		Pubkey:        issuerSK.Public().(ed25519.PublicKey),
	}
	signedManifestBytes, err := json.Marshal(signedManifest)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize signed manifest: %w", err)
	}

	chunkKey, err := deriveChunkKey(sessionKey, headerHash, sequence)
	if err != nil {
		return nil, err
	}

	aad := buildAAD(headerHash, sequence, nonce, manifestHash, uint32(len(data)))
	ciphertext, err := tecrypto.Seal(chunkKey[:], nonce[:], aad, data)
	if err != nil {
		return nil, fmt.Errorf("chunk encryption failed: %w", err)
	}

	return &NetworkChunk{
		Sequence:       sequence,
		Ciphertext:     ciphertext,
		SignedManifest: signedManifestBytes,
		Nonce:          nonce,
	}, nil
}

// buildAAD concatenates header_hash ‖ big_endian(seq,8) ‖ nonce ‖
// manifest_hash ‖ big_endian(chunk_size,4), the exact wire contract.
func buildAAD(headerHash [32]byte, seq uint64, nonce [nonceLen]byte, manifestHash [32]byte, chunkSize uint32) []byte {
	aad := make([]byte, 0, 32+8+nonceLen+32+4)
	aad = append(aad, headerHash[:]...)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	aad = append(aad, seqBytes...)
	aad = append(aad, nonce[:]...)
	aad = append(aad, manifestHash[:]...)
	sizeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBytes, chunkSize)
	aad = append(aad, sizeBytes...)
	return aad
}

func deriveChunkKey(sessionKey []byte, headerHash [32]byte, seq uint64) ([32]byte, error) {
	info := fmt.Sprintf("%s%d", chunkKeyInfo, seq)
	return hkdfKey(sessionKey, headerHash[:], info)
}

func hkdfKey(ikm, salt []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return out, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

func randomNonce() ([nonceLen]byte, error) {
	var n [nonceLen]byte
	if _, err := io.ReadFull(randReader, n[:]); err != nil {
		return n, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}

// generateX25519 generates an ephemeral X25519 keypair from randReader
// directly (rather than tecrypto.GenerateX25519, which always reads
// crypto/rand) so the golden test can pin the ephemeral key too.
func generateX25519() ([32]byte, [32]byte, error) {
	var priv [32]byte
	if _, err := io.ReadFull(randReader, priv[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub, priv, nil
}

// Verify checks every chunk's signature against the envelope-level issuer
// key (never the key embedded in the per-chunk manifest, which defends
// against key-swap attacks) and that sequence numbers form 0..chunk_count-1.
func (e *Envelope) Verify() bool {
	for _, chunk := range e.Chunks {
		if !e.verifyChunkSignature(chunk) {
			return false
		}
	}
	return e.verifyChunkSequence()
}

func (e *Envelope) verifyChunkSignature(chunk NetworkChunk) bool {
	var sm SignedManifest
	if err := json.Unmarshal(chunk.SignedManifest, &sm); err != nil {
		return false
	}
	manifestHash := blake3.Sum256(sm.ManifestBytes)
	return ed25519.Verify(e.IssuerKey[:], manifestHash[:], sm.Signature)
}

func (e *Envelope) verifyChunkSequence() bool {
	if len(e.Chunks) != int(e.Metadata.ChunkCount) {
		return false
	}
	sequences := make([]uint64, len(e.Chunks))
	for i, c := range e.Chunks {
		sequences[i] = c.Sequence
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	for i, seq := range sequences {
		if uint64(i) != seq {
			return false
		}
	}
	return true
}

// Unseal requires Verify() to pass, then unwraps the session key with the
// beneficiary's X25519 private key, re-derives each chunk's key, decrypts
// in sequence order, and concatenates plaintexts.
func (e *Envelope) Unseal(beneficiaryEncPriv [32]byte) ([]byte, error) {
	if !e.Verify() {
		return nil, fmt.Errorf("envelope verification failed")
	}

	sharedSecret, err := tecrypto.X25519Exchange(&beneficiaryEncPriv, &e.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap session key: %w", err)
	}
	wrapKey, err := hkdfKey(sharedSecret[:], nil, "trustedge-envelope-session-wrap")
	if err != nil {
		return nil, err
	}
	sessionKey, err := tecrypto.Open(wrapKey[:], e.WrappedSessionNonce[:], nil, e.WrappedSessionKey)
	if err != nil {
		return nil, fmt.Errorf("session key unwrap failed: %w", err)
	}

	sorted := make([]NetworkChunk, len(e.Chunks))
	copy(sorted, e.Chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	headerHash := blake3.Sum256([]byte(envelopeHeader))
	payload := make([]byte, 0, e.Metadata.PayloadSize)
	for _, chunk := range sorted {
		plaintext, err := e.decryptChunk(chunk, sessionKey, headerHash)
		if err != nil {
			return nil, err
		}
		payload = append(payload, plaintext...)
	}

	if uint64(len(payload)) != e.Metadata.PayloadSize {
		return nil, fmt.Errorf("payload size mismatch: expected %d, got %d", e.Metadata.PayloadSize, len(payload))
	}
	return payload, nil
}

func (e *Envelope) decryptChunk(chunk NetworkChunk, sessionKey []byte, headerHash [32]byte) ([]byte, error) {
	var sm SignedManifest
	if err := json.Unmarshal(chunk.SignedManifest, &sm); err != nil {
		return nil, fmt.Errorf("failed to parse chunk manifest: %w", err)
	}
	var manifest ChunkManifest
	if err := json.Unmarshal(sm.ManifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse chunk manifest body: %w", err)
	}
	manifestHash := blake3.Sum256(sm.ManifestBytes)

	chunkKey, err := deriveChunkKey(sessionKey, headerHash, chunk.Sequence)
	if err != nil {
		return nil, err
	}

	aad := buildAAD(headerHash, chunk.Sequence, chunk.Nonce, manifestHash, manifest.ChunkSize)
	plaintext, err := tecrypto.Open(chunkKey[:], chunk.Nonce[:], aad, chunk.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("chunk %d decryption failed: %w", chunk.Sequence, err)
	}
	return plaintext, nil
}

// Hash returns BLAKE3 of a deterministic JSON serialization of the
// envelope, used as the continuity link for receipt chains.
func (e *Envelope) Hash() ([32]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to serialize envelope for hashing: %w", err)
	}
	return blake3.Sum256(b), nil
}

// Issuer returns the envelope's issuer Ed25519 verifying key.
func (e *Envelope) Issuer() ed25519.PublicKey { return ed25519.PublicKey(e.IssuerKey[:]) }

// Beneficiary returns the envelope's beneficiary Ed25519 verifying key.
func (e *Envelope) Beneficiary() ed25519.PublicKey { return ed25519.PublicKey(e.BeneficiaryKey[:]) }
