package ocspcache

import (
	"os"
	"path/filepath"
)

const (
	// CacheFileName is the name of the process-private cache file
	CacheFileName = "ocsp_cache"
	// LegacyFileName is the name of the shared cache file
	LegacyFileName = "ocsp_response_cache.json"
)

// DefaultCacheDirs returns per-OS cache folders, keyed by GOOS
func DefaultCacheDirs() map[string]string {
	win := os.Getenv("LOCALAPPDATA")
	if win == "" {
		win = filepath.Join("~", "AppData", "Local")
	}
	return map[string]string{
		"linux":   filepath.Join("~", ".cache", "snowflake"),
		"darwin":  filepath.Join("~", "Library", "Caches", "Snowflake"),
		"windows": filepath.Join(win, "Snowflake", "Caches"),
	}
}

// CacheFiles returns per-OS locations of the file with the given name.
// If dir is set, it is used for all OS.
func CacheFiles(dir, name string) map[string]string {
	dirs := DefaultCacheDirs()
	for goos, d := range dirs {
		if dir != "" {
			d = dir
		}
		dirs[goos] = filepath.Join(d, name)
	}
	return dirs
}
