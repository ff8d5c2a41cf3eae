package manifest

import (
	"encoding/json"
	"testing"
)

func validManifest() *CamVideoManifest {
	m := New()
	m.Device.ID = "cam-01"
	m.Device.PublicKey = "deadbeef"
	m.Capture.StartedAt = "2026-07-29T00:00:00Z"
	m.Capture.EndedAt = "2026-07-29T00:00:02Z"
	m.Segments = []SegmentInfo{
		{ChunkFile: "00000.bin", Blake3Hash: "abc123", StartTime: "2026-07-29T00:00:00Z", DurationSeconds: 2.0, ContinuityHash: "def456"},
	}
	return m
}

// TestNewDefaults checks the reference defaults New() populates.
func TestNewDefaults(t *testing.T) {
	m := New()
	if m.TrstVersion != "0.1.0" {
		t.Errorf("TrstVersion = %q, want 0.1.0", m.TrstVersion)
	}
	if m.Profile != "cam.video" {
		t.Errorf("Profile = %q, want cam.video", m.Profile)
	}
	if m.Chunk.SizeBytes != 1048576 {
		t.Errorf("Chunk.SizeBytes = %d, want 1048576", m.Chunk.SizeBytes)
	}
}

// TestValidateAcceptsWellFormedManifest checks the happy path.
func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

// TestValidateRejectsMissingFields checks each required field is enforced.
func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CamVideoManifest)
	}{
		{"empty trst_version", func(m *CamVideoManifest) { m.TrstVersion = "" }},
		{"wrong profile", func(m *CamVideoManifest) { m.Profile = "cam.audio" }},
		{"empty device id", func(m *CamVideoManifest) { m.Device.ID = "" }},
		{"empty device public key", func(m *CamVideoManifest) { m.Device.PublicKey = "" }},
		{"empty capture started_at", func(m *CamVideoManifest) { m.Capture.StartedAt = "" }},
		{"empty capture ended_at", func(m *CamVideoManifest) { m.Capture.EndedAt = "" }},
		{"no segments", func(m *CamVideoManifest) { m.Segments = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validManifest()
			tc.mutate(m)
			if err := m.Validate(); err == nil {
				t.Errorf("Validate() succeeded with %s, want error", tc.name)
			}
		})
	}
}

// TestToCanonicalBytesExcludesSignature checks the signature field never
// appears in the signed form, even when set.
func TestToCanonicalBytesExcludesSignature(t *testing.T) {
	m := validManifest()
	m.Signature = "should-not-appear"

	out, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	if !json.Valid(out) {
		t.Fatalf("ToCanonicalBytes() produced invalid JSON: %s", out)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("failed to parse canonical bytes: %v", err)
	}
	if _, present := parsed["signature"]; present {
		t.Error("canonical bytes contain a signature field, want it excluded")
	}
}

// TestToCanonicalBytesIsDeterministic checks repeated calls on an unchanged
// manifest produce byte-identical output, required for stable signing.
func TestToCanonicalBytesIsDeterministic(t *testing.T) {
	m := validManifest()
	a, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	b, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	if string(a) != string(b) {
		t.Error("ToCanonicalBytes() is not deterministic across calls")
	}
}

// TestToCanonicalBytesChangesWithContent checks that modifying a field
// changes the canonical bytes, so tampering is detectable via signature.
func TestToCanonicalBytesChangesWithContent(t *testing.T) {
	m := validManifest()
	a, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	m.Device.ID = "cam-02"
	b, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	if string(a) == string(b) {
		t.Error("ToCanonicalBytes() unchanged after modifying device.id")
	}
}

// TestToCanonicalBytesOmitsEmptyPrevArchiveHash checks the optional
// prev_archive_hash field is dropped rather than emitted empty.
func TestToCanonicalBytesOmitsEmptyPrevArchiveHash(t *testing.T) {
	m := validManifest()
	out, err := m.ToCanonicalBytes()
	if err != nil {
		t.Fatalf("ToCanonicalBytes() failed: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("failed to parse canonical bytes: %v", err)
	}
	if _, present := parsed["prev_archive_hash"]; present {
		t.Error("canonical bytes contain prev_archive_hash when empty, want omitted")
	}
}
