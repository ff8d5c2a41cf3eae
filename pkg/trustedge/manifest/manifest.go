// Package manifest implements the CamVideoManifest: the per-archive record
// of device, capture, and chunking metadata plus per-segment integrity
// hashes, with an explicit-key-order canonical serialization used for
// signing. Grounded on
// _examples/original_source/crates/core/src/manifest.rs, with the
// segment/chunk shape cross-checked against teacher
// internal/chunker/manifest.go and chunker.go.
package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/TrustEdge-Labs/trustedge-sub001/internal/engineering"
	"github.com/TrustEdge-Labs/trustedge-sub001/internal/medical"
)

// DeviceInfo identifies the capturing device.
type DeviceInfo struct {
	ID              string `json:"id"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
	PublicKey       string `json:"public_key"`
}

// CaptureInfo describes the recording session.
type CaptureInfo struct {
	StartedAt  string  `json:"started_at"`
	EndedAt    string  `json:"ended_at"`
	Timezone   string  `json:"timezone"`
	FPS        float64 `json:"fps"`
	Resolution string  `json:"resolution"`
	Codec      string  `json:"codec"`
}

// ChunkInfo describes the chunking parameters applied to the capture.
type ChunkInfo struct {
	SizeBytes       uint64      `json:"size_bytes"`
	DurationSeconds float64     `json:"duration_seconds"`
	FECProfile      *FECProfile `json:"fec_profile,omitempty"`
}

// FECProfile records the Reed-Solomon shard counts the archive codec used
// to generate optional parity shards per chunk (SPEC_FULL.md domain-stack
// FEC wiring). The core only carries these counts and the shard files
// themselves; reconstruction from loss is a transport concern.
type FECProfile struct {
	DataShards   int `json:"data_shards"`
	ParityShards int `json:"parity_shards"`
}

// SegmentInfo is one archived chunk's integrity record.
type SegmentInfo struct {
	ChunkFile       string  `json:"chunk_file"`
	Blake3Hash      string  `json:"blake3_hash"`
	StartTime       string  `json:"start_time"`
	DurationSeconds float64 `json:"duration_seconds"`
	ContinuityHash  string  `json:"continuity_hash"`
}

// MedicalExtension carries optional DICOM study metadata for captures whose
// source file matched the DICOM magic bytes.
type MedicalExtension struct {
	SeriesCount int `json:"series_count"`
}

// EngineeringExtension carries optional BLAKE3 hashes of fixed-size source
// blocks enabling delta-sync against a previously archived version of the same source.
type EngineeringExtension struct {
	DeltaBlockHashes []string `json:"delta_block_hashes,omitempty"`
}

// CamVideoManifest is the signed record attached to a .trst archive.
type CamVideoManifest struct {
	TrstVersion     string                `json:"trst_version"`
	Profile         string                `json:"profile"`
	Device          DeviceInfo            `json:"device"`
	Capture         CaptureInfo           `json:"capture"`
	Chunk           ChunkInfo             `json:"chunk"`
	Segments        []SegmentInfo         `json:"segments"`
	Claims          []string              `json:"claims"`
	PrevArchiveHash string                `json:"prev_archive_hash,omitempty"`
	Medical         *MedicalExtension     `json:"medical,omitempty"`
	Engineering     *EngineeringExtension `json:"engineering,omitempty"`
	Signature       string                `json:"signature,omitempty"`
}

// ApplySourceExtensions probes sourcePath for a DICOM header and computes
// delta-sync block hashes, populating Medical/Engineering when applicable.
// Grounded on internal/medical.DetectAndExtract and
// internal/engineering.ComputeDeltaBlocks; a source file matching neither
// profile leaves both fields nil.
func (m *CamVideoManifest) ApplySourceExtensions(sourcePath string, deltaBlockSize int) error {
	if meta, ok := medical.DetectAndExtract(sourcePath); ok {
		seriesCount := 0
		if len(meta.Studies) > 0 {
			seriesCount = meta.Studies[0].SeriesCount
		}
		m.Medical = &MedicalExtension{SeriesCount: seriesCount}
	}

	if deltaBlockSize > 0 {
		hashes, err := engineering.ComputeDeltaBlocks(sourcePath, deltaBlockSize)
		if err != nil {
			return fmt.Errorf("failed to compute delta-sync block hashes: %w", err)
		}
		if len(hashes) > 0 {
			hexHashes := make([]string, len(hashes))
			for i, h := range hashes {
				hexHashes[i] = hex.EncodeToString(h[:])
			}
			m.Engineering = &EngineeringExtension{DeltaBlockHashes: hexHashes}
		}
	}
	return nil
}

// New returns a manifest populated with the reference defaults.
func New() *CamVideoManifest {
	return &CamVideoManifest{
		TrstVersion: "0.1.0",
		Profile:     "cam.video",
		Device: DeviceInfo{
			Model:           "TrustEdgeRefCam",
			FirmwareVersion: "1.0.0",
		},
		Capture: CaptureInfo{
			Timezone:   "UTC",
			FPS:        30.0,
			Resolution: "1920x1080",
			Codec:      "raw",
		},
		Chunk: ChunkInfo{
			SizeBytes:       1048576,
			DurationSeconds: 2.0,
		},
		Segments: []SegmentInfo{},
		Claims:   []string{},
	}
}

// ToCanonicalBytes serializes the manifest to the fixed key order used for
// signing and verification. The signature field is always excluded.
func (m *CamVideoManifest) ToCanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField(&buf, "trst_version", m.TrstVersion)
	buf.WriteByte(',')
	writeField(&buf, "profile", m.Profile)

	buf.WriteString(`,"device":{`)
	writeField(&buf, "id", m.Device.ID)
	buf.WriteByte(',')
	writeField(&buf, "model", m.Device.Model)
	buf.WriteByte(',')
	writeField(&buf, "firmware_version", m.Device.FirmwareVersion)
	buf.WriteByte(',')
	writeField(&buf, "public_key", m.Device.PublicKey)
	buf.WriteByte('}')

	buf.WriteString(`,"capture":{`)
	writeField(&buf, "started_at", m.Capture.StartedAt)
	buf.WriteByte(',')
	writeField(&buf, "ended_at", m.Capture.EndedAt)
	buf.WriteByte(',')
	writeField(&buf, "timezone", m.Capture.Timezone)
	buf.WriteString(fmt.Sprintf(`,"fps":%s`, numberJSON(m.Capture.FPS)))
	buf.WriteByte(',')
	writeField(&buf, "resolution", m.Capture.Resolution)
	buf.WriteByte(',')
	writeField(&buf, "codec", m.Capture.Codec)
	buf.WriteByte('}')

	buf.WriteString(`,"chunk":{`)
	buf.WriteString(fmt.Sprintf(`"size_bytes":%d`, m.Chunk.SizeBytes))
	buf.WriteString(fmt.Sprintf(`,"duration_seconds":%s`, numberJSON(m.Chunk.DurationSeconds)))
	if m.Chunk.FECProfile != nil {
		buf.WriteString(fmt.Sprintf(`,"fec_profile":{"data_shards":%d,"parity_shards":%d}`,
			m.Chunk.FECProfile.DataShards, m.Chunk.FECProfile.ParityShards))
	}
	buf.WriteByte('}')

	buf.WriteString(`,"segments":[`)
	for i, seg := range m.Segments {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		writeField(&buf, "chunk_file", seg.ChunkFile)
		buf.WriteByte(',')
		writeField(&buf, "blake3_hash", seg.Blake3Hash)
		buf.WriteByte(',')
		writeField(&buf, "start_time", seg.StartTime)
		buf.WriteString(fmt.Sprintf(`,"duration_seconds":%s`, numberJSON(seg.DurationSeconds)))
		buf.WriteByte(',')
		writeField(&buf, "continuity_hash", seg.ContinuityHash)
		buf.WriteByte('}')
	}
	buf.WriteByte(']')

	claimsJSON, err := json.Marshal(m.Claims)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claims: %w", err)
	}
	buf.WriteString(`,"claims":`)
	buf.Write(claimsJSON)

	if m.PrevArchiveHash != "" {
		buf.WriteByte(',')
		writeField(&buf, "prev_archive_hash", m.PrevArchiveHash)
	}

	// signature is intentionally excluded from the canonical form.

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, key, value string) {
	v, _ := json.Marshal(value)
	buf.WriteString(fmt.Sprintf(`"%s":%s`, key, v))
}

func numberJSON(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// Validate checks structural invariants the original imposes before an
// archive can be written or accepted.
func (m *CamVideoManifest) Validate() error {
	if m.TrstVersion == "" {
		return fmt.Errorf("trst_version cannot be empty")
	}
	if m.Profile != "cam.video" {
		return fmt.Errorf("profile must be 'cam.video'")
	}
	if m.Device.ID == "" {
		return fmt.Errorf("device.id cannot be empty")
	}
	if m.Device.PublicKey == "" {
		return fmt.Errorf("device.public_key cannot be empty")
	}
	if m.Capture.StartedAt == "" {
		return fmt.Errorf("capture.started_at cannot be empty")
	}
	if m.Capture.EndedAt == "" {
		return fmt.Errorf("capture.ended_at cannot be empty")
	}
	if len(m.Segments) == 0 {
		return fmt.Errorf("segments cannot be empty")
	}
	for i, seg := range m.Segments {
		if seg.ChunkFile == "" {
			return fmt.Errorf("segment[%d].chunk_file cannot be empty", i)
		}
		if seg.Blake3Hash == "" {
			return fmt.Errorf("segment[%d].blake3_hash cannot be empty", i)
		}
		if seg.ContinuityHash == "" {
			return fmt.Errorf("segment[%d].continuity_hash cannot be empty", i)
		}
	}
	return nil
}
