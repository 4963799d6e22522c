package ttlcache

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/mitchellh/go-homedir"
)

// ErrPermission is returned when the cache location is not readable or writable
var ErrPermission = errors.New("cache file is not accessible")

// ResolvePath returns the cache file path.
// The literal path wins; otherwise the entry for the current OS is used,
// or the first entry in key order when the OS is not listed.
func ResolvePath(literal string, perOS map[string]string) (string, error) {
	p := literal
	if p == "" {
		p = perOS[runtime.GOOS]
	}
	if p == "" && len(perOS) > 0 {
		keys := make([]string, 0, len(perOS))
		for k := range perOS {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if perOS[k] != "" {
				p = perOS[k]
				break
			}
		}
	}
	if p == "" {
		return "", errors.New("cache file path is not specified")
	}

	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", errors.WithMessagef(err, "unable to expand path: %s", p)
	}
	return filepath.Clean(expanded), nil
}

// probeAccess ensures the folder of the file exists,
// and that a file can be written and read back there
func probeAccess(file string) error {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.WithMessagef(errors.Mark(err, ErrPermission), "unable to create folder for %q", file)
	}

	probe := filepath.Join(dir, ".probe-"+guid.MustCreate())
	payload := []byte(probe)
	defer os.Remove(probe)

	if err := os.WriteFile(probe, payload, 0600); err != nil {
		return errors.WithMessagef(errors.Mark(err, ErrPermission), "unable to write to %q", dir)
	}
	b, err := os.ReadFile(probe)
	if err != nil {
		return errors.WithMessagef(errors.Mark(err, ErrPermission), "unable to read from %q", dir)
	}
	if !bytes.Equal(b, payload) {
		return errors.Mark(errors.Errorf("unexpected content read from %q", dir), ErrPermission)
	}
	return nil
}
