package archive

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var segmentBucket = []byte("segments")

// SegmentIndex is a BoltDB-backed dedup/GC index over segment BLAKE3
// hashes, adapted from the teacher's daemon/manager/cas_bolt.go content-
// addressed-store pattern so repeated archive writes can skip recomputing
// the segment hash of content already recorded; every chunk is still
// written.
type SegmentIndex struct{ db *bolt.DB }

// OpenSegmentIndex opens (creating if absent) the index file at path.
func OpenSegmentIndex(path string) (*SegmentIndex, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(segmentBucket)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &SegmentIndex{db: db}, nil
}

// Close releases the index file.
func (s *SegmentIndex) Close() error { return s.db.Close() }

// Has reports whether hashHex (the segment's BLAKE3 hash, hex-encoded) has
// already been recorded.
func (s *SegmentIndex) Has(hashHex string) bool {
	var ok bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(segmentBucket)
		if bk == nil {
			return nil
		}
		ok = bk.Get([]byte(hashHex)) != nil
		return nil
	})
	return ok
}

// Put records hashHex as seen, stamped with the current time for GC.
func (s *SegmentIndex) Put(hashHex string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(segmentBucket)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(time.Now().Unix()))
		return bk.Put([]byte(hashHex), buf)
	})
}

// GC removes entries older than maxAge and returns the number removed.
func (s *SegmentIndex) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(segmentBucket)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) >= 8 {
				ts := int64(binary.BigEndian.Uint64(v))
				if ts < cutoff {
					if err := c.Delete(); err != nil {
						return err
					}
					removed++
				}
			}
		}
		return nil
	})
	return removed, err
}
