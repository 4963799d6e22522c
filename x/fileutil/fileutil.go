// Package fileutil provides file helpers for cache persistence
package fileutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// FileExists ensures that file exists
func FileExists(file string) error {
	if file == "" {
		return errors.Errorf("invalid parameter: file")
	}

	stat, err := os.Stat(file)
	if err != nil {
		return errors.WithStack(err)
	}

	if stat.IsDir() {
		return errors.Errorf("not a file: %q", file)
	}

	return nil
}

// ModTime returns modification time of the file
func ModTime(file string) (time.Time, error) {
	stat, err := os.Stat(file)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	return stat.ModTime(), nil
}

// WriteFileAtomic writes data to a temporary file in the same folder,
// and renames it over the target.
// Rename is atomic on UNIX-like platforms.
func WriteFileAtomic(file string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(file)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return errors.WithMessagef(err, "unable to create temp file for %s", file)
	}
	tmpName := tmp.Name()

	cleanup := func(err error, msg string) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.WithMessagef(err, "%s: %s", msg, file)
	}

	if _, err = tmp.Write(data); err != nil {
		return cleanup(err, "unable to write")
	}
	if err = tmp.Sync(); err != nil {
		return cleanup(err, "unable to sync")
	}
	if err = tmp.Chmod(perm); err != nil {
		return cleanup(err, "unable to chmod")
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.WithMessagef(err, "unable to close: %s", file)
	}
	if err = os.Rename(tmpName, file); err != nil {
		_ = os.Remove(tmpName)
		return errors.WithMessagef(err, "unable to rename: %s", file)
	}
	return nil
}

// Unmarshal JSON or YAML file to an interface
func Unmarshal(file string, v any) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return errors.WithMessagef(err, "unable to read file")
	}

	if strings.HasSuffix(file, ".json") {
		err = json.Unmarshal(b, v)
		if err != nil {
			return errors.WithMessagef(err, "unable parse JSON: %s", file)
		}
	} else {
		err = yaml.Unmarshal(b, v)
		if err != nil {
			return errors.WithMessagef(err, "unable parse YAML: %s", file)
		}
	}
	return nil
}
