// Package chain implements the continuity chain that links archive segments
// together: each segment's stored continuity hash commits to every segment
// before it. Grounded on
// _examples/original_source/crates/core/src/chain.rs.
package chain

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/TrustEdge-Labs/trustedge-sub001/internal/observability"
	"github.com/zeebo/blake3"
)

const genesisSeed = "trustedge:genesis"

// Genesis returns the chain's starting continuity value, BLAKE3(genesisSeed).
func Genesis() [32]byte {
	return blake3.Sum256([]byte(genesisSeed))
}

// SegmentHash computes the BLAKE3 digest of a segment's ciphertext.
func SegmentHash(ciphertext []byte) [32]byte {
	return blake3.Sum256(ciphertext)
}

// Next computes the next continuity value: BLAKE3(prev ‖ curr).
func Next(prev, curr [32]byte) [32]byte {
	h := blake3.New()
	h.Write(prev[:])
	h.Write(curr[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Segment is one link to validate: its position, the hash of its own
// ciphertext, and the continuity value it claims to have.
type Segment struct {
	Index             int
	StoredHash        [32]byte
	StoredContinuity  [32]byte
}

// Gap reports a missing or reordered segment index.
type Gap struct {
	Index int
}

func (e *Gap) Error() string {
	return fmt.Sprintf("chain: gap at segment index %d", e.Index)
}

// OutOfOrder reports a continuity hash mismatch: the chain was broken or
// tampered with at this segment.
type OutOfOrder struct {
	Expected string
	Found    string
}

func (e *OutOfOrder) Error() string {
	return fmt.Sprintf("chain: continuity mismatch, expected %s found %s", e.Expected, e.Found)
}

// Validate checks that segments form an unbroken, in-order continuity chain
// starting from Genesis. An empty slice is trivially valid.
func Validate(segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}

	for i, seg := range segments {
		if seg.Index != i {
			return &Gap{Index: i}
		}
	}

	expected := Genesis()
	for _, seg := range segments {
		expected = Next(expected, seg.StoredHash)
		if expected != seg.StoredContinuity {
			return &OutOfOrder{
				Expected: hex.EncodeToString(expected[:]),
				Found:    hex.EncodeToString(seg.StoredContinuity[:]),
			}
		}
	}
	return nil
}

// ValidateObserved calls Validate inside a "chain.validate" span,
// additionally recording the ChainValidated log line and chain-validation
// metric when obs is non-nil. A nil obs makes this identical to calling
// Validate directly.
func ValidateObserved(ctx context.Context, obs *observability.Observer, segments []Segment) error {
	_, span := obs.StartSpan(ctx, "chain.validate")
	defer span.End()

	err := Validate(segments)
	if obs != nil {
		if obs.Logger != nil {
			obs.Logger.ChainValidated(len(segments), err == nil)
		}
		if obs.Metrics != nil {
			obs.Metrics.RecordChainValidation(err == nil)
		}
	}
	return err
}
