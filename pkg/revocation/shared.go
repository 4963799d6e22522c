package revocation

import (
	"context"
	"encoding/json"

	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"github.com/effective-security/xlog"
)

const sharedKeyPrefix = "resp/"

// sharedRecord is the value of a response in the shared store
type sharedRecord struct {
	CertID   []byte `json:"cert_id"`
	TS       int64  `json:"ts"`
	Response []byte `json:"response"`
}

func sharedKey(key ocspcache.CacheKey) string {
	return sharedKeyPrefix + key.String()
}

// loadShared returns records found in the shared store for the keys
func (v *Validator) loadShared(ctx context.Context, keys []ocspcache.CacheKey) map[ocspcache.CacheKey]ocspcache.LegacyRecord {
	res := map[ocspcache.CacheKey]ocspcache.LegacyRecord{}
	if len(keys) == 0 {
		return res
	}

	names := make(map[string]ocspcache.CacheKey, len(keys))
	list := make([]string, 0, len(keys))
	for _, key := range keys {
		name := sharedKey(key)
		names[name] = key
		list = append(list, name)
	}

	err := v.shared.GetMany(ctx, list, func(name string, data []byte) error {
		var rec sharedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logger.KV(xlog.DEBUG, "reason", "shared_decode", "key", name, "err", err.Error())
			return nil
		}
		res[names[name]] = ocspcache.LegacyRecord{
			CertID:   rec.CertID,
			TS:       rec.TS,
			Response: rec.Response,
		}
		return nil
	})
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "shared_get", "keys", len(list), "err", err.Error())
	}
	return res
}

// publishShared stores the results with responses in the shared store
func (v *Validator) publishShared(ctx context.Context, results map[ocspcache.CacheKey]ocspcache.Result) {
	for key, res := range results {
		if len(res.Response) == 0 {
			continue
		}
		rec := &sharedRecord{
			CertID:   res.CertID,
			TS:       res.TS,
			Response: res.Response,
		}
		if err := v.shared.Set(ctx, sharedKey(key), rec, v.cfg.CacheExpiration); err != nil {
			logger.KV(xlog.WARNING, "reason", "shared_set", "key", key.String(), "err", err.Error())
		}
	}
}
