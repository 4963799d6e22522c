package ttlcache

import (
	"context"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/x/fileutil"
	"github.com/effective-security/xlog"
	"github.com/gofrs/flock"
)

const (
	// DefaultSaveProbability specifies the chance that SaveIfShould writes the file
	DefaultSaveProbability = 0.1

	lockRetryDelay = 50 * time.Millisecond
)

// PersistentConfig specifies configuration of the file-backed cache
type PersistentConfig struct {
	// Name of the cache, used in logs and metrics
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Lifetime of entries
	Lifetime time.Duration `json:"lifetime,omitempty" yaml:"lifetime,omitempty"`
	// FilePath specifies the literal location of the cache file
	FilePath string `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	// FilePaths specifies per-OS locations, keyed by GOOS
	FilePaths map[string]string `json:"file_paths,omitempty" yaml:"file_paths,omitempty"`
	// FileTimeout specifies how long to wait for the file lock, 0 means no wait
	FileTimeout time.Duration `json:"file_timeout,omitempty" yaml:"file_timeout,omitempty"`
	// SaveProbability specifies the chance for SaveIfShould to write, in [0, 1]
	SaveProbability float64 `json:"save_probability,omitempty" yaml:"save_probability,omitempty"`
}

// PersistentCache is a Cache backed by a file,
// shared with other processes through an advisory lock.
type PersistentCache[K comparable, V any] struct {
	*Cache[K, V]

	filePath        string
	lockPath        string
	fileTimeout     time.Duration
	saveProbability float64

	// guarded by Cache.lock
	lastLoaded time.Time

	saveLock sync.Mutex
	fileLock *flock.Flock
	random   func() float64
}

// NewPersistent returns file-backed cache and attempts an initial load
func NewPersistent[K comparable, V any](cfg PersistentConfig) (*PersistentCache[K, V], error) {
	file, err := ResolvePath(cfg.FilePath, cfg.FilePaths)
	if err != nil {
		return nil, err
	}
	if err = probeAccess(file); err != nil {
		return nil, err
	}

	prob := cfg.SaveProbability
	if prob <= 0 {
		prob = DefaultSaveProbability
	}

	c := &PersistentCache[K, V]{
		Cache:           New[K, V](cfg.Name, cfg.Lifetime),
		filePath:        file,
		lockPath:        file + ".lock",
		fileTimeout:     cfg.FileTimeout,
		saveProbability: prob,
		random:          rand.Float64,
	}
	c.fileLock = flock.New(c.lockPath)

	if loaded := c.Load(); loaded {
		logger.KV(xlog.DEBUG,
			"cache", c.name,
			"status", "loaded",
			"file", c.filePath,
			"size", c.Len())
	}
	return c, nil
}

// FilePath returns the location of the cache file
func (c *PersistentCache[K, V]) FilePath() string {
	return c.filePath
}

// LastLoaded returns the modification time of the file when it was last loaded or saved
func (c *PersistentCache[K, V]) LastLoaded() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastLoaded
}

// Modified returns true if the cache has changes not yet saved
func (c *PersistentCache[K, V]) Modified() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.modified
}

// Load reads the file and merges it with memory: for each key the entry
// with the later expiry wins. Returns false if the file could not be loaded.
func (c *PersistentCache[K, V]) Load() bool {
	b, err := os.ReadFile(c.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.KV(xlog.DEBUG, "cache", c.name, "reason", "read", "file", c.filePath, "err", err.Error())
		}
		return false
	}
	mtime, err := fileutil.ModTime(c.filePath)
	if err != nil {
		logger.KV(xlog.DEBUG, "cache", c.name, "reason", "stat", "file", c.filePath, "err", err.Error())
		return false
	}
	snap, err := decodeSnapshot[K, V](b)
	if err != nil {
		logger.KV(xlog.WARNING, "cache", c.name, "reason", "decode", "file", c.filePath, "err", err.Error())
		return false
	}
	disk := fromSnapshot(snap)

	c.lock.Lock()
	defer c.lock.Unlock()

	// the file copy absorbs fresher entries from memory, then the tables are swapped:
	// the cache stays dirty only if the file has something to learn
	learnt := disk.mergeLocked(c.entries, true, NowFunc())
	c.swapLocked(disk)
	c.modified = learnt
	c.lastLoaded = mtime
	c.logState("loaded")
	return true
}

// ShouldLoad returns true if the file was modified after it was last loaded
func (c *PersistentCache[K, V]) ShouldLoad() bool {
	mtime, err := fileutil.ModTime(c.filePath)
	if err != nil {
		return false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastLoaded.IsZero() || mtime.After(c.lastLoaded)
}

// ShouldSave returns true with the configured probability
func (c *PersistentCache[K, V]) ShouldSave() bool {
	return c.random() < c.saveProbability
}

// SaveIfShould saves the cache when ShouldSave permits
func (c *PersistentCache[K, V]) SaveIfShould() bool {
	if !c.ShouldSave() {
		return false
	}
	return c.Save(true, false)
}

// Save writes the cache to the file atomically.
// It is a no-op if nothing changed, unless forceFlush is set.
// If loadFirst is set, changes made by other processes are merged before writing.
// Errors are logged, and reported as false.
func (c *PersistentCache[K, V]) Save(loadFirst, forceFlush bool) bool {
	if !c.Modified() && !forceFlush {
		return false
	}
	c.PurgeExpired()

	c.saveLock.Lock()
	defer c.saveLock.Unlock()

	locked, err := c.lockFile()
	if err != nil || !locked {
		logger.KV(xlog.DEBUG,
			"cache", c.name,
			"reason", "lock_not_acquired",
			"lock", c.lockPath,
			"err", err)
		return false
	}
	defer func() {
		_ = c.fileLock.Unlock()
	}()

	if loadFirst && c.ShouldLoad() {
		c.Load()
	}

	c.lock.Lock()
	snap := c.toSnapshotLocked()
	c.modified = false
	c.lock.Unlock()

	err = c.write(snap)
	if err != nil {
		logger.KV(xlog.WARNING,
			"cache", c.name,
			"reason", "save",
			"file", c.filePath,
			"err", err.Error())
		c.lock.Lock()
		c.modified = true
		c.lock.Unlock()
		return false
	}
	return true
}

func (c *PersistentCache[K, V]) write(snap *snapshot[K, V]) error {
	b, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err = fileutil.WriteFileAtomic(c.filePath, b, 0600); err != nil {
		return err
	}
	mtime, err := fileutil.ModTime(c.filePath)
	if err != nil {
		return err
	}

	c.lock.Lock()
	c.lastLoaded = mtime
	c.logState("saved")
	c.lock.Unlock()
	return nil
}

// Clear removes all entries from memory and deletes the file
func (c *PersistentCache[K, V]) Clear() {
	c.saveLock.Lock()
	defer c.saveLock.Unlock()

	c.lock.Lock()
	c.clearLocked()
	c.modified = false
	c.lastLoaded = time.Time{}
	c.lock.Unlock()

	if err := os.Remove(c.filePath); err != nil && !os.IsNotExist(err) {
		logger.KV(xlog.WARNING, "cache", c.name, "reason", "remove", "file", c.filePath, "err", err.Error())
	}
}

func (c *PersistentCache[K, V]) lockFile() (bool, error) {
	if c.fileTimeout <= 0 {
		return c.fileLock.TryLock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.fileTimeout)
	defer cancel()
	locked, err := c.fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return false, errors.WithMessagef(err, "timed out waiting for %s", c.lockPath)
	}
	return locked, nil
}
