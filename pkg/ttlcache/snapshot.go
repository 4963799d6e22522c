package ttlcache

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ugorji/go/codec"
)

// snapshotVersion is bumped when the on-disk layout changes
const snapshotVersion = 1

var msgpackHandle = func() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	return h
}()

type snapshotEntry[K comparable, V any] struct {
	Key    K     `codec:"k"`
	Value  V     `codec:"v"`
	Expiry int64 `codec:"e"`
}

// snapshot holds only the fields that are persisted;
// locks and file handles are reconstructed on load.
type snapshot[K comparable, V any] struct {
	Version     int                   `codec:"ver"`
	Name        string                `codec:"name"`
	Lifetime    int64                 `codec:"lifetime"`
	Entries     []snapshotEntry[K, V] `codec:"entries"`
	Stats       Stats                 `codec:"stats"`
	FilePath    string                `codec:"file_path"`
	FileTimeout int64                 `codec:"file_timeout"`
	LockPath    string                `codec:"lock_path"`
	LastLoaded  int64                 `codec:"last_loaded"`
}

func (c *PersistentCache[K, V]) toSnapshotLocked() *snapshot[K, V] {
	s := &snapshot[K, V]{
		Version:     snapshotVersion,
		Name:        c.name,
		Lifetime:    int64(c.lifetime),
		Entries:     make([]snapshotEntry[K, V], 0, len(c.entries)),
		Stats:       c.stats,
		FilePath:    c.filePath,
		FileTimeout: int64(c.fileTimeout),
		LockPath:    c.lockPath,
	}
	if !c.lastLoaded.IsZero() {
		s.LastLoaded = c.lastLoaded.UnixNano()
	}
	for k, e := range c.entries {
		s.Entries = append(s.Entries, snapshotEntry[K, V]{
			Key:    k,
			Value:  e.value,
			Expiry: e.expiry.UnixNano(),
		})
	}
	return s
}

// fromSnapshot returns a detached cache holding the snapshot entries
func fromSnapshot[K comparable, V any](s *snapshot[K, V]) *Cache[K, V] {
	c := New[K, V](s.Name, time.Duration(s.Lifetime))
	for _, e := range s.Entries {
		c.entries[e.Key] = entry[V]{
			expiry: time.Unix(0, e.Expiry),
			value:  e.Value,
		}
	}
	c.stats = s.Stats
	c.stats.Size = uint64(len(c.entries))
	return c
}

func encodeSnapshot[K comparable, V any](s *snapshot[K, V]) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(s); err != nil {
		return nil, errors.WithMessage(err, "failed to encode cache snapshot")
	}
	return b, nil
}

func decodeSnapshot[K comparable, V any](b []byte) (*snapshot[K, V], error) {
	s := new(snapshot[K, V])
	if err := codec.NewDecoderBytes(b, msgpackHandle).Decode(s); err != nil {
		return nil, errors.WithMessage(err, "failed to decode cache snapshot")
	}
	if s.Version != snapshotVersion {
		return nil, errors.Errorf("unsupported cache snapshot version: %d", s.Version)
	}
	return s, nil
}
