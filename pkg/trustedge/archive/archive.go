// Package archive implements the .trst archive codec: writing and reading
// the on-disk directory layout that bundles a manifest, its detached
// signature, and the chunk ciphertexts, plus continuity-chain validation
// across the whole archive. Grounded on
// _examples/original_source/crates/core/src/archive.rs.
package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/TrustEdge-Labs/trustedge-sub001/internal/fec"
	"github.com/TrustEdge-Labs/trustedge-sub001/internal/observability"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/chain"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/manifest"
)

// SchemaMismatchError reports a structural inconsistency between the
// manifest and the chunk data supplied alongside it.
type SchemaMismatchError struct{ Detail string }

func (e *SchemaMismatchError) Error() string { return "archive: schema mismatch: " + e.Detail }

// MissingChunkError reports a chunk file the manifest expects but the
// archive does not contain.
type MissingChunkError struct{ Filename string }

func (e *MissingChunkError) Error() string { return "archive: missing chunk file: " + e.Filename }

// InvalidChunkIndexError reports a chunk filename whose index does not
// match its position in the manifest's segment list.
type InvalidChunkIndexError struct{ Expected, Found int }

func (e *InvalidChunkIndexError) Error() string {
	return fmt.Sprintf("archive: invalid chunk index, expected %d found %d", e.Expected, e.Found)
}

// SignatureMismatchError reports that the manifest's embedded signature
// does not match the detached signature file.
type SignatureMismatchError struct{}

func (e *SignatureMismatchError) Error() string {
	return "archive: embedded signature does not match detached signature file"
}

// ValidationFailedError wraps any remaining archive-level check failure.
type ValidationFailedError struct{ Detail string }

func (e *ValidationFailedError) Error() string { return "archive: validation failed: " + e.Detail }

// ChunkData is one decoded (index, ciphertext) pair from the archive.
type ChunkData struct {
	Index      int
	Ciphertext []byte
}

// ArchiveDirName returns the conventional directory name for an archive id.
func ArchiveDirName(id string) string {
	return fmt.Sprintf("clip-%s.trst", id)
}

func chunkFilename(index int) string {
	return fmt.Sprintf("%05d.bin", index)
}

func parseChunkIndex(filename string) (int, error) {
	if len(filename) != 9 || filepath.Ext(filename) != ".bin" {
		return 0, &SchemaMismatchError{Detail: "invalid chunk filename format: " + filename}
	}
	n, err := strconv.Atoi(filename[:5])
	if err != nil {
		return 0, &SchemaMismatchError{Detail: "invalid chunk index in filename: " + filename}
	}
	return n, nil
}

// WriteArchive writes a complete .trst archive under baseDir: manifest.json,
// signatures/manifest.sig, and one zero-padded chunks/NNNNN.bin per segment.
func WriteArchive(baseDir string, m *manifest.CamVideoManifest, chunkCiphertexts [][]byte, detachedSig []byte) error {
	if len(chunkCiphertexts) != len(m.Segments) {
		return &SchemaMismatchError{Detail: fmt.Sprintf(
			"chunk count mismatch: %d chunks provided, %d segments in manifest",
			len(chunkCiphertexts), len(m.Segments))}
	}

	if err := os.MkdirAll(filepath.Join(baseDir, "signatures"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "chunks"), 0o755); err != nil {
		return err
	}

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(baseDir, "manifest.json"), manifestJSON, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(baseDir, "signatures", "manifest.sig"), detachedSig, 0o644); err != nil {
		return err
	}

	for i, data := range chunkCiphertexts {
		path := filepath.Join(baseDir, "chunks", chunkFilename(i))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// WriteArchiveObserved calls WriteArchive inside an "archive.write" span,
// additionally recording the ArchiveWritten log line and archive-write
// metrics when obs is non-nil. A nil obs makes this identical to calling
// WriteArchive directly.
func WriteArchiveObserved(ctx context.Context, obs *observability.Observer, baseDir string, m *manifest.CamVideoManifest, chunkCiphertexts [][]byte, detachedSig []byte) error {
	_, span := obs.StartSpan(ctx, "archive.write")
	defer span.End()

	start := time.Now()
	err := WriteArchive(baseDir, m, chunkCiphertexts, detachedSig)
	if obs != nil {
		duration := time.Since(start)
		if obs.Logger != nil && err == nil {
			obs.Logger.ArchiveWritten(filepath.Base(baseDir), len(chunkCiphertexts), duration)
		}
		if obs.Metrics != nil {
			obs.Metrics.RecordArchiveWrite(err == nil, duration.Seconds())
		}
	}
	return err
}

// ReadArchiveObserved calls ReadArchive inside an "archive.read" span. A
// nil obs makes this identical to calling ReadArchive directly.
func ReadArchiveObserved(ctx context.Context, obs *observability.Observer, baseDir string) (*manifest.CamVideoManifest, []ChunkData, error) {
	_, span := obs.StartSpan(ctx, "archive.read")
	defer span.End()
	return ReadArchive(baseDir)
}

func shardFilename(chunkIndex, parityIndex int) string {
	return fmt.Sprintf("%05d.parity%02d", chunkIndex, parityIndex)
}

// splitIntoShards divides data into k near-equal, zero-padded shards for
// Reed-Solomon encoding (klauspost/reedsolomon requires equal-size shards).
func splitIntoShards(data []byte, k int) ([][]byte, error) {
	if k < 1 {
		return nil, fmt.Errorf("invalid data shard count: %d", k)
	}
	shardSize := (len(data) + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}
	shards := make([][]byte, k)
	for i := 0; i < k; i++ {
		shard := make([]byte, shardSize)
		start := i * shardSize
		if start < len(data) {
			end := start + shardSize
			if end > len(data) {
				end = len(data)
			}
			copy(shard, data[start:end])
		}
		shards[i] = shard
	}
	return shards, nil
}

// WriteFECShards generates Reed-Solomon parity shards for every chunk
// ciphertext and writes them under baseDir/shards, honoring the manifest's
// optional Chunk.FECProfile (SPEC_FULL.md domain-stack: "archive codec
// exposes shard counts from chunk.FECProfile"). A nil profile is a no-op:
// the core itself never reconstructs from these shards, a transport
// needing loss recovery reads them directly.
func WriteFECShards(baseDir string, m *manifest.CamVideoManifest, chunkCiphertexts [][]byte) error {
	if m.Chunk.FECProfile == nil {
		return nil
	}
	profile := m.Chunk.FECProfile
	enc, err := fec.NewEncoder(profile.DataShards, profile.ParityShards)
	if err != nil {
		return fmt.Errorf("archive: failed to construct FEC encoder: %w", err)
	}

	shardsDir := filepath.Join(baseDir, "shards")
	if err := os.MkdirAll(shardsDir, 0o755); err != nil {
		return err
	}

	for i, ct := range chunkCiphertexts {
		dataShards, err := splitIntoShards(ct, profile.DataShards)
		if err != nil {
			return fmt.Errorf("archive: chunk %d: %w", i, err)
		}
		parityShards, err := enc.Encode(dataShards)
		if err != nil {
			return fmt.Errorf("archive: chunk %d: FEC encode failed: %w", i, err)
		}
		for p, shard := range parityShards {
			path := filepath.Join(shardsDir, shardFilename(i, p))
			if err := os.WriteFile(path, shard, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteArchiveWithIndex writes an archive exactly like WriteArchive, but
// first checks each chunk's ciphertext against its manifest-declared
// Blake3Hash using idx as a content-addressed cache: a hash idx has
// already recorded is trusted without recomputing chain.SegmentHash, and
// a newly computed hash is recorded so a later call (e.g. the same device
// re-archiving a repeated segment) can skip the recomputation too. idx may
// be nil, in which case every hash is recomputed and this behaves exactly
// like WriteArchive.
func WriteArchiveWithIndex(baseDir string, m *manifest.CamVideoManifest, chunkCiphertexts [][]byte, detachedSig []byte, idx *SegmentIndex) error {
	if len(chunkCiphertexts) != len(m.Segments) {
		return &SchemaMismatchError{Detail: fmt.Sprintf(
			"chunk count mismatch: %d chunks provided, %d segments in manifest",
			len(chunkCiphertexts), len(m.Segments))}
	}

	for i, ct := range chunkCiphertexts {
		seg := m.Segments[i]
		if idx != nil && idx.Has(seg.Blake3Hash) {
			continue
		}
		computed := chain.SegmentHash(ct)
		computedHex := hex.EncodeToString(computed[:])
		if computedHex != seg.Blake3Hash {
			return &SchemaMismatchError{Detail: fmt.Sprintf(
				"chunk %d content does not match its manifest-declared hash: expected %s, computed %s",
				i, seg.Blake3Hash, computedHex)}
		}
		if idx != nil {
			if err := idx.Put(computedHex); err != nil {
				return err
			}
		}
	}

	return WriteArchive(baseDir, m, chunkCiphertexts, detachedSig)
}

// ReadArchive reads a complete .trst archive and returns its manifest and
// decoded chunk data in segment order.
func ReadArchive(baseDir string) (*manifest.CamVideoManifest, []ChunkData, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(baseDir, "manifest.json"))
	if err != nil {
		return nil, nil, err
	}
	m := &manifest.CamVideoManifest{}
	if err := json.Unmarshal(manifestBytes, m); err != nil {
		return nil, nil, err
	}

	detachedSig, err := os.ReadFile(filepath.Join(baseDir, "signatures", "manifest.sig"))
	if err != nil {
		return nil, nil, err
	}
	if m.Signature != "" && m.Signature != string(detachedSig) {
		return nil, nil, &SignatureMismatchError{}
	}

	chunksDir := filepath.Join(baseDir, "chunks")
	chunkData := make([]ChunkData, 0, len(m.Segments))
	for expectedIndex, seg := range m.Segments {
		filename := chunkFilename(expectedIndex)
		path := filepath.Join(chunksDir, filename)

		if _, statErr := os.Stat(path); statErr != nil {
			return nil, nil, &MissingChunkError{Filename: filename}
		}
		if seg.ChunkFile != filename {
			found, parseErr := parseChunkIndex(seg.ChunkFile)
			if parseErr != nil {
				return nil, nil, parseErr
			}
			return nil, nil, &InvalidChunkIndexError{Expected: expectedIndex, Found: found}
		}

		bytes, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		chunkData = append(chunkData, ChunkData{Index: expectedIndex, Ciphertext: bytes})
	}

	return m, chunkData, nil
}

// ValidateArchive reads an archive and checks manifest structure, per-chunk
// BLAKE3 hashes, and the continuity chain across all segments.
func ValidateArchive(baseDir string) error {
	m, chunkData, err := ReadArchive(baseDir)
	if err != nil {
		return err
	}

	if err := m.Validate(); err != nil {
		return &ValidationFailedError{Detail: "manifest validation failed: " + err.Error()}
	}

	chainSegments := make([]chain.Segment, 0, len(chunkData))
	for i, cd := range chunkData {
		seg := m.Segments[i]

		computedHash := chain.SegmentHash(cd.Ciphertext)
		computedHashHex := hex.EncodeToString(computedHash[:])
		if seg.Blake3Hash != computedHashHex {
			return &ValidationFailedError{Detail: fmt.Sprintf(
				"chunk %d hash mismatch: expected %s, computed %s", cd.Index, seg.Blake3Hash, computedHashHex)}
		}

		storedContinuity, err := hex.DecodeString(seg.ContinuityHash)
		if err != nil || len(storedContinuity) != 32 {
			return &ValidationFailedError{Detail: "invalid continuity hash format: " + seg.ContinuityHash}
		}

		var continuityArray [32]byte
		copy(continuityArray[:], storedContinuity)
		chainSegments = append(chainSegments, chain.Segment{
			Index:            cd.Index,
			StoredHash:       computedHash,
			StoredContinuity: continuityArray,
		})
	}

	return chain.Validate(chainSegments)
}

// ValidateArchiveObserved validates exactly like ValidateArchive, but runs
// the continuity-chain step through chain.ValidateObserved so obs (when
// non-nil) records the ChainValidated log line and metric for this
// archive's chain. A nil obs makes this identical to calling
// ValidateArchive directly.
func ValidateArchiveObserved(ctx context.Context, obs *observability.Observer, baseDir string) error {
	m, chunkData, err := ReadArchive(baseDir)
	if err != nil {
		return err
	}

	if err := m.Validate(); err != nil {
		return &ValidationFailedError{Detail: "manifest validation failed: " + err.Error()}
	}

	chainSegments := make([]chain.Segment, 0, len(chunkData))
	for i, cd := range chunkData {
		seg := m.Segments[i]

		computedHash := chain.SegmentHash(cd.Ciphertext)
		computedHashHex := hex.EncodeToString(computedHash[:])
		if seg.Blake3Hash != computedHashHex {
			return &ValidationFailedError{Detail: fmt.Sprintf(
				"chunk %d hash mismatch: expected %s, computed %s", cd.Index, seg.Blake3Hash, computedHashHex)}
		}

		storedContinuity, err := hex.DecodeString(seg.ContinuityHash)
		if err != nil || len(storedContinuity) != 32 {
			return &ValidationFailedError{Detail: "invalid continuity hash format: " + seg.ContinuityHash}
		}

		var continuityArray [32]byte
		copy(continuityArray[:], storedContinuity)
		chainSegments = append(chainSegments, chain.Segment{
			Index:            cd.Index,
			StoredHash:       computedHash,
			StoredContinuity: continuityArray,
		})
	}

	return chain.ValidateObserved(ctx, obs, chainSegments)
}
