package revocation

import (
	"context"
	"os"
	"time"

	"github.com/effective-security/ocspcache/pkg/cacheserver"
	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"github.com/effective-security/xlog"
)

// bulkLoad backfills the cache for the missing keys from the legacy file,
// the shared store and the cache server, stopping when nothing is missing.
// Failures are logged, the caller falls back to the responder.
func (v *Validator) bulkLoad(ctx context.Context, hostname string, missing []ocspcache.CacheKey) int {
	v.bulkLoads.Add(1)
	imported := 0

	if v.legacy != nil {
		if recs := v.readLegacy(); len(recs) > 0 {
			imported += v.importRecords(recs)
			missing = v.stillMissing(missing)
		}
	}

	if len(missing) > 0 && v.shared != nil {
		if recs := v.loadShared(ctx, missing); len(recs) > 0 {
			imported += v.importRecords(recs)
			missing = v.stillMissing(missing)
		}
	}

	if len(missing) > 0 && v.cfg.CacheServerEnabled && v.server != nil {
		url := cacheserver.EndpointsForHost(hostname, v.cfg.CacheServerURL, v.cfg.NewEndpoint).CacheURL
		recs, err := v.server.Download(ctx, url)
		if err != nil {
			logger.KV(xlog.NOTICE,
				"reason", "cache_server",
				"host", hostname,
				"url", url,
				"err", err.Error())
		} else {
			imported += v.importRecords(recs)
		}
	}

	logger.KV(xlog.DEBUG,
		"reason", "bulk_load",
		"host", hostname,
		"imported", imported)
	return imported
}

// importRecords adds fresh records to the cache as not validated.
// Validated entries, and entries not older than the record, are kept.
func (v *Validator) importRecords(recs map[ocspcache.CacheKey]ocspcache.LegacyRecord) int {
	now := NowFunc()
	values := make(map[ocspcache.CacheKey]ocspcache.Result, len(recs))
	for key, rec := range recs {
		if len(rec.Response) == 0 || !ocspcache.IsCacheFresh(now, rec.TS, v.cfg.CacheExpiration) {
			continue
		}
		if cur, ok := v.cache.Peek(key); ok && len(cur.Response) > 0 && (cur.Validated || cur.TS >= rec.TS) {
			continue
		}
		values[key] = ocspcache.Result{
			CertID:   rec.CertID,
			Response: rec.Response,
			TS:       rec.TS,
		}
	}
	v.cache.MergeMap(values)
	return len(values)
}

func (v *Validator) stillMissing(keys []ocspcache.CacheKey) []ocspcache.CacheKey {
	var res []ocspcache.CacheKey
	for _, key := range keys {
		if cur, ok := v.cache.Peek(key); !ok || len(cur.Response) == 0 {
			res = append(res, key)
		}
	}
	return res
}

// readLegacy returns records of the legacy file, if it changed since the last read
func (v *Validator) readLegacy() map[ocspcache.CacheKey]ocspcache.LegacyRecord {
	mtime, err := v.legacy.ModTime()
	if err != nil {
		return nil
	}

	v.legacyLock.Lock()
	defer v.legacyLock.Unlock()

	if !v.legacyRead.IsZero() && !mtime.After(v.legacyRead) {
		return nil
	}
	recs, err := v.legacy.Read()
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "legacy_read", "file", v.legacy.Path(), "err", err.Error())
		return nil
	}
	v.legacyRead = mtime
	return recs
}

// writeLegacy rewrites the legacy file with the cached responses
func (v *Validator) writeLegacy() {
	items := v.cache.Items()
	recs := make(map[ocspcache.CacheKey]ocspcache.LegacyRecord, len(items))
	for _, it := range items {
		if len(it.Value.Response) == 0 || len(it.Value.CertID) == 0 {
			continue
		}
		recs[it.Key] = ocspcache.LegacyRecord{
			CertID:   it.Value.CertID,
			TS:       it.Value.TS,
			Response: it.Value.Response,
		}
	}

	v.legacyLock.Lock()
	defer v.legacyLock.Unlock()

	if err := v.legacy.Write(recs); err != nil {
		logger.KV(xlog.DEBUG, "reason", "legacy_write", "file", v.legacy.Path(), "err", err.Error())
		return
	}
	if mtime, err := v.legacy.ModTime(); err == nil {
		v.legacyRead = mtime
	}
}

func (v *Validator) removeLegacy() {
	v.legacyLock.Lock()
	defer v.legacyLock.Unlock()

	if err := os.Remove(v.legacy.Path()); err != nil && !os.IsNotExist(err) {
		logger.KV(xlog.WARNING, "reason", "legacy_remove", "file", v.legacy.Path(), "err", err.Error())
	}
	v.legacyRead = time.Time{}
}
