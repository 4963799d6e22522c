package ocspcache

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/pkg/ocsperror"
	"github.com/effective-security/ocspcache/x/fileutil"
	"github.com/effective-security/xlog"
	"github.com/ugorji/go/codec"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "ocspcache")

// LegacyLockStaleness specifies the age after which the lock folder
// of the legacy file is considered abandoned
var LegacyLockStaleness = 60 * time.Second

// ErrLegacyLocked is returned when the legacy file is locked by another writer
var ErrLegacyLocked = errors.New("legacy cache file is locked")

var jsonHandle = func() *codec.JsonHandle {
	h := new(codec.JsonHandle)
	h.Canonical = true
	return h
}()

// LegacyRecord is a single entry of the shared cache file:
// "<base64 CertID>": [ts, "<base64 OCSP response>"]
type LegacyRecord struct {
	CertID   []byte
	TS       int64
	Response []byte
}

// DecodeLegacy returns records from the shared cache JSON.
// Malformed entries are skipped.
func DecodeLegacy(r io.Reader) (map[CacheKey]LegacyRecord, error) {
	raw := map[string][]any{}
	if err := codec.NewDecoder(r, jsonHandle).Decode(&raw); err != nil {
		return nil, ocsperror.New(ocsperror.ErrCodeCacheDecode, "unable to decode OCSP response cache").WithCause(err)
	}

	res := make(map[CacheKey]LegacyRecord, len(raw))
	for b64, vals := range raw {
		rec, key, err := decodeLegacyRecord(b64, vals)
		if err != nil {
			logger.KV(xlog.DEBUG, "reason", "skip_entry", "cert_id", b64, "err", err.Error())
			continue
		}
		res[key] = rec
	}
	return res, nil
}

// DecodeLegacyBytes returns records from the shared cache JSON
func DecodeLegacyBytes(b []byte) (map[CacheKey]LegacyRecord, error) {
	return DecodeLegacy(bytes.NewReader(b))
}

func decodeLegacyRecord(b64 string, vals []any) (LegacyRecord, CacheKey, error) {
	if len(vals) != 2 {
		return LegacyRecord{}, CacheKey{}, errors.Errorf("expected 2 values, got %d", len(vals))
	}
	key, id, err := KeyFromBase64(b64)
	if err != nil {
		return LegacyRecord{}, CacheKey{}, err
	}
	der, err := id.Marshal()
	if err != nil {
		return LegacyRecord{}, CacheKey{}, err
	}

	var ts int64
	switch v := vals[0].(type) {
	case int64:
		ts = v
	case uint64:
		ts = int64(v)
	case float64:
		ts = int64(v)
	default:
		return LegacyRecord{}, CacheKey{}, errors.Errorf("invalid timestamp type: %T", vals[0])
	}

	s, ok := vals[1].(string)
	if !ok {
		return LegacyRecord{}, CacheKey{}, errors.Errorf("invalid response type: %T", vals[1])
	}
	resp, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return LegacyRecord{}, CacheKey{}, errors.WithMessage(err, "unable to decode response")
	}

	return LegacyRecord{CertID: der, TS: ts, Response: resp}, key, nil
}

// EncodeLegacy writes records in the shared cache JSON format.
// Records without response are omitted.
func EncodeLegacy(w io.Writer, records map[CacheKey]LegacyRecord) error {
	raw := make(map[string][]any, len(records))
	for _, rec := range records {
		if len(rec.CertID) == 0 || len(rec.Response) == 0 {
			continue
		}
		raw[base64.StdEncoding.EncodeToString(rec.CertID)] = []any{
			rec.TS,
			base64.StdEncoding.EncodeToString(rec.Response),
		}
	}
	if err := codec.NewEncoder(w, jsonHandle).Encode(raw); err != nil {
		return errors.WithMessage(err, "unable to encode OCSP response cache")
	}
	return nil
}

// LegacyFile is the shared cache file, written by all drivers on the host.
// Writers are serialized with a lock folder next to the file.
type LegacyFile struct {
	path string
}

// NewLegacyFile returns LegacyFile
func NewLegacyFile(path string) *LegacyFile {
	return &LegacyFile{path: path}
}

// Path returns the location of the file
func (f *LegacyFile) Path() string {
	return f.path
}

// LockPath returns the location of the lock folder
func (f *LegacyFile) LockPath() string {
	return f.path + ".lock"
}

// ModTime returns the modification time of the file
func (f *LegacyFile) ModTime() (time.Time, error) {
	return fileutil.ModTime(f.path)
}

// Read returns records from the file
func (f *LegacyFile) Read() (map[CacheKey]LegacyRecord, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return DecodeLegacyBytes(b)
}

// Write replaces the file with records.
// ErrLegacyLocked is returned if another writer holds the lock.
func (f *LegacyFile) Write(records map[CacheKey]LegacyRecord) error {
	if err := f.lock(); err != nil {
		return err
	}
	defer f.unlock()

	var buf bytes.Buffer
	if err := EncodeLegacy(&buf, records); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return errors.WithStack(err)
	}
	return fileutil.WriteFileAtomic(f.path, buf.Bytes(), 0600)
}

func (f *LegacyFile) lock() error {
	lockDir := f.LockPath()
	if err := os.MkdirAll(filepath.Dir(lockDir), 0700); err != nil {
		return errors.WithStack(err)
	}
	err := os.Mkdir(lockDir, 0700)
	if err == nil {
		return nil
	}
	if !os.IsExist(err) {
		return errors.WithStack(err)
	}

	mtime, serr := fileutil.ModTime(lockDir)
	if serr != nil || time.Since(mtime) <= LegacyLockStaleness {
		return errors.WithMessagef(ErrLegacyLocked, "lock: %s", lockDir)
	}

	logger.KV(xlog.NOTICE, "reason", "stale_lock", "lock", lockDir, "modified", mtime)
	if err = os.RemoveAll(lockDir); err != nil {
		return errors.WithStack(err)
	}
	if err = os.Mkdir(lockDir, 0700); err != nil {
		if os.IsExist(err) {
			return errors.WithMessagef(ErrLegacyLocked, "lock: %s", lockDir)
		}
		return errors.WithStack(err)
	}
	return nil
}

func (f *LegacyFile) unlock() {
	if err := os.Remove(f.LockPath()); err != nil && !os.IsNotExist(err) {
		logger.KV(xlog.WARNING, "reason", "unlock", "lock", f.LockPath(), "err", err.Error())
	}
}
