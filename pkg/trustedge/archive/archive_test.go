package archive

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/TrustEdge-Labs/trustedge-sub001/internal/observability"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/chain"
	"github.com/TrustEdge-Labs/trustedge-sub001/pkg/trustedge/manifest"
)

var (
	testObserverOnce sync.Once
	testObserver     *observability.Observer
)

// newTestObserver returns a package-wide Observer, constructing its
// *observability.Metrics exactly once: promauto panics on a second
// registration of the same metric name within one test binary.
func newTestObserver(t *testing.T) *observability.Observer {
	t.Helper()
	testObserverOnce.Do(func() {
		logger := observability.NewLogger("trustedge-test", "0.0.0-test", io.Discard)
		metrics := observability.NewMetrics()
		testObserver = observability.NewObserver("trustedge-test", logger, metrics)
	})
	return testObserver
}

func buildArchiveFixture(t *testing.T, chunkCiphertexts [][]byte) *manifest.CamVideoManifest {
	t.Helper()
	m := manifest.New()
	m.Device.ID = "cam-01"
	m.Device.PublicKey = "deadbeef"
	m.Capture.StartedAt = "2026-07-29T00:00:00Z"
	m.Capture.EndedAt = "2026-07-29T00:00:04Z"

	expected := chain.Genesis()
	for i, ct := range chunkCiphertexts {
		h := chain.SegmentHash(ct)
		expected = chain.Next(expected, h)
		m.Segments = append(m.Segments, manifest.SegmentInfo{
			ChunkFile:       chunkFilename(i),
			Blake3Hash:      hex.EncodeToString(h[:]),
			StartTime:       "2026-07-29T00:00:00Z",
			DurationSeconds: 2.0,
			ContinuityHash:  hex.EncodeToString(expected[:]),
		})
	}
	return m
}

// TestWriteReadValidateRoundTrip checks a well-formed archive writes, reads
// back, and validates cleanly.
func TestWriteReadValidateRoundTrip(t *testing.T) {
	chunks := [][]byte{[]byte("chunk-0-ciphertext"), []byte("chunk-1-ciphertext")}
	m := buildArchiveFixture(t, chunks)
	dir := filepath.Join(t.TempDir(), ArchiveDirName("test-clip"))

	if err := WriteArchive(dir, m, chunks, []byte("detached-signature")); err != nil {
		t.Fatalf("WriteArchive() failed: %v", err)
	}

	readManifest, readChunks, err := ReadArchive(dir)
	if err != nil {
		t.Fatalf("ReadArchive() failed: %v", err)
	}
	if readManifest.Device.ID != "cam-01" {
		t.Errorf("Device.ID = %q, want cam-01", readManifest.Device.ID)
	}
	if len(readChunks) != 2 {
		t.Fatalf("len(readChunks) = %d, want 2", len(readChunks))
	}
	if string(readChunks[0].Ciphertext) != string(chunks[0]) {
		t.Error("readChunks[0] does not match the written ciphertext")
	}

	if err := ValidateArchive(dir); err != nil {
		t.Errorf("ValidateArchive() = %v, want nil", err)
	}
}

// TestWriteArchiveRejectsChunkCountMismatch checks the segment/chunk count
// is cross-checked before anything is written.
func TestWriteArchiveRejectsChunkCountMismatch(t *testing.T) {
	chunks := [][]byte{[]byte("only-one-chunk")}
	m := buildArchiveFixture(t, [][]byte{[]byte("a"), []byte("b")})
	dir := filepath.Join(t.TempDir(), ArchiveDirName("mismatched"))

	err := WriteArchive(dir, m, chunks, []byte("sig"))
	if err == nil {
		t.Fatal("WriteArchive() succeeded with mismatched chunk/segment counts, want error")
	}
	if _, ok := err.(*SchemaMismatchError); !ok {
		t.Errorf("error = %T, want *SchemaMismatchError", err)
	}
}

// TestReadArchiveDetectsMissingChunk checks a manifest referencing a chunk
// file that was never written surfaces MissingChunkError.
func TestReadArchiveDetectsMissingChunk(t *testing.T) {
	chunks := [][]byte{[]byte("chunk-0")}
	m := buildArchiveFixture(t, chunks)
	dir := filepath.Join(t.TempDir(), ArchiveDirName("missing-chunk"))

	if err := WriteArchive(dir, m, chunks, []byte("sig")); err != nil {
		t.Fatalf("WriteArchive() failed: %v", err)
	}

	chunkPath := filepath.Join(dir, "chunks", chunkFilename(0))
	if err := os.Remove(chunkPath); err != nil {
		t.Fatalf("failed to remove chunk file: %v", err)
	}

	_, _, err := ReadArchive(dir)
	if err == nil {
		t.Fatal("ReadArchive() succeeded with a missing chunk file, want error")
	}
	if _, ok := err.(*MissingChunkError); !ok {
		t.Errorf("error = %T, want *MissingChunkError", err)
	}
}

// TestValidateArchiveDetectsTamperedChunk checks that a chunk modified
// after writing fails BLAKE3 verification.
func TestValidateArchiveDetectsTamperedChunk(t *testing.T) {
	chunks := [][]byte{[]byte("chunk-0"), []byte("chunk-1")}
	m := buildArchiveFixture(t, chunks)
	dir := filepath.Join(t.TempDir(), ArchiveDirName("tampered"))

	if err := WriteArchive(dir, m, chunks, []byte("sig")); err != nil {
		t.Fatalf("WriteArchive() failed: %v", err)
	}

	chunkPath := filepath.Join(dir, "chunks", chunkFilename(1))
	if err := os.WriteFile(chunkPath, []byte("tampered-content"), 0o644); err != nil {
		t.Fatalf("failed to tamper with chunk file: %v", err)
	}

	err := ValidateArchive(dir)
	if err == nil {
		t.Fatal("ValidateArchive() succeeded after tampering with a chunk, want error")
	}
	if _, ok := err.(*ValidationFailedError); !ok {
		t.Errorf("error = %T, want *ValidationFailedError", err)
	}
}

// TestValidateArchiveDetectsSignatureMismatch checks the embedded and
// detached signatures are cross-checked.
func TestValidateArchiveDetectsSignatureMismatch(t *testing.T) {
	chunks := [][]byte{[]byte("chunk-0")}
	m := buildArchiveFixture(t, chunks)
	m.Signature = "embedded-signature"
	dir := filepath.Join(t.TempDir(), ArchiveDirName("sig-mismatch"))

	if err := WriteArchive(dir, m, chunks, []byte("a-different-signature")); err != nil {
		t.Fatalf("WriteArchive() failed: %v", err)
	}

	_, _, err := ReadArchive(dir)
	if err == nil {
		t.Fatal("ReadArchive() succeeded with mismatched signatures, want error")
	}
	if _, ok := err.(*SignatureMismatchError); !ok {
		t.Errorf("error = %T, want *SignatureMismatchError", err)
	}
}

// TestArchiveDirName checks the conventional naming scheme.
func TestArchiveDirName(t *testing.T) {
	if got, want := ArchiveDirName("abc123"), "clip-abc123.trst"; got != want {
		t.Errorf("ArchiveDirName() = %q, want %q", got, want)
	}
}

// TestWriteArchiveObservedNilObserverBehavesLikeWriteArchive checks a nil
// observer degrades to plain WriteArchive/ReadArchive/ValidateArchive
// semantics.
func TestWriteArchiveObservedNilObserverBehavesLikeWriteArchive(t *testing.T) {
	chunks := [][]byte{[]byte("chunk-0"), []byte("chunk-1")}
	m := buildArchiveFixture(t, chunks)
	dir := filepath.Join(t.TempDir(), ArchiveDirName("observed-nil"))

	if err := WriteArchiveObserved(context.Background(), nil, dir, m, chunks, []byte("sig")); err != nil {
		t.Fatalf("WriteArchiveObserved(nil) failed: %v", err)
	}
	readManifest, _, err := ReadArchiveObserved(context.Background(), nil, dir)
	if err != nil {
		t.Fatalf("ReadArchiveObserved(nil) failed: %v", err)
	}
	if readManifest.Device.ID != "cam-01" {
		t.Errorf("Device.ID = %q, want cam-01", readManifest.Device.ID)
	}
	if err := ValidateArchiveObserved(context.Background(), nil, dir); err != nil {
		t.Errorf("ValidateArchiveObserved(nil) = %v, want nil", err)
	}
}

// TestWriteArchiveObservedWithObserverRecordsOutcome checks that a real
// Observer does not change WriteArchive/ValidateArchive's observable
// behavior, for both the success and failure paths.
func TestWriteArchiveObservedWithObserverRecordsOutcome(t *testing.T) {
	obs := newTestObserver(t)

	chunks := [][]byte{[]byte("chunk-0")}
	m := buildArchiveFixture(t, chunks)
	dir := filepath.Join(t.TempDir(), ArchiveDirName("observed-ok"))
	if err := WriteArchiveObserved(context.Background(), obs, dir, m, chunks, []byte("sig")); err != nil {
		t.Fatalf("WriteArchiveObserved() failed: %v", err)
	}
	if err := ValidateArchiveObserved(context.Background(), obs, dir); err != nil {
		t.Errorf("ValidateArchiveObserved() = %v, want nil", err)
	}

	badChunks := [][]byte{[]byte("only-one")}
	badManifest := buildArchiveFixture(t, [][]byte{[]byte("a"), []byte("b")})
	badDir := filepath.Join(t.TempDir(), ArchiveDirName("observed-mismatch"))
	err := WriteArchiveObserved(context.Background(), obs, badDir, badManifest, badChunks, []byte("sig"))
	if _, ok := err.(*SchemaMismatchError); !ok {
		t.Errorf("WriteArchiveObserved() error = %T, want *SchemaMismatchError", err)
	}
}

// TestWriteFECShardsGeneratesParity checks that a manifest with a
// FECProfile produces the expected number of parity shard files per chunk.
func TestWriteFECShardsGeneratesParity(t *testing.T) {
	chunks := [][]byte{
		make([]byte, 300), // content does not matter, only size/shape
		make([]byte, 777),
	}
	m := buildArchiveFixture(t, chunks)
	m.Chunk.FECProfile = &manifest.FECProfile{DataShards: 4, ParityShards: 2}
	dir := filepath.Join(t.TempDir(), ArchiveDirName("fec-clip"))

	if err := WriteArchive(dir, m, chunks, []byte("sig")); err != nil {
		t.Fatalf("WriteArchive() failed: %v", err)
	}
	if err := WriteFECShards(dir, m, chunks); err != nil {
		t.Fatalf("WriteFECShards() failed: %v", err)
	}

	for i := range chunks {
		for p := 0; p < 2; p++ {
			path := filepath.Join(dir, "shards", shardFilename(i, p))
			if _, err := os.Stat(path); err != nil {
				t.Errorf("expected parity shard file %s: %v", path, err)
			}
		}
	}
}

// TestWriteFECShardsNilProfileIsNoop checks that a manifest with no
// FECProfile does not create a shards directory at all.
func TestWriteFECShardsNilProfileIsNoop(t *testing.T) {
	chunks := [][]byte{[]byte("chunk-0")}
	m := buildArchiveFixture(t, chunks)
	dir := filepath.Join(t.TempDir(), ArchiveDirName("no-fec-clip"))

	if err := WriteArchive(dir, m, chunks, []byte("sig")); err != nil {
		t.Fatalf("WriteArchive() failed: %v", err)
	}
	if err := WriteFECShards(dir, m, chunks); err != nil {
		t.Fatalf("WriteFECShards() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "shards")); !os.IsNotExist(err) {
		t.Errorf("expected no shards directory for a nil FECProfile, got err=%v", err)
	}
}

// TestFECProfileDoesNotChangeCanonicalBytesWhenNil checks that the
// manifest canonicalization addition for fec_profile is fully backward
// compatible: a manifest without one serializes identically to before.
func TestFECProfileDoesNotChangeCanonicalBytesWhenNil(t *testing.T) {
	m := buildArchiveFixture(t, [][]byte{[]byte("chunk-0")})
	b1, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	m.Chunk.FECProfile = &manifest.FECProfile{DataShards: 4, ParityShards: 2}
	b2, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	if string(b1) == string(b2) {
		t.Error("setting FECProfile did not change canonical bytes, want a difference")
	}
	m.Chunk.FECProfile = nil
	b3, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	if string(b1) != string(b3) {
		t.Error("clearing FECProfile did not restore the original canonical bytes")
	}
}
