package tlsconfig

import (
	"crypto/tls"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/x/fileutil"
	"github.com/effective-security/xlog"
)

// Wrap time.Tick so we can override it in tests.
var makeTicker = func(interval time.Duration) (func(), <-chan time.Time) {
	t := time.NewTicker(interval)
	return t.Stop, t.C
}

// KeypairReloader keeps the client key pair up to date with the files
type KeypairReloader struct {
	label    string
	certPath string
	keyPath  string
	count    atomic.Uint32

	lock       sync.RWMutex
	keypair    *tls.Certificate
	loadedAt   time.Time
	modifiedAt time.Time
	stopChan   chan struct{}
	closed     bool
}

// NewKeypairReloader returns reloader, checking the files for changes each interval
func NewKeypairReloader(label, certPath, keyPath string, checkInterval time.Duration) (*KeypairReloader, error) {
	if label == "" {
		label = path.Base(certPath)
	}

	k := &KeypairReloader{
		label:    label,
		certPath: certPath,
		keyPath:  keyPath,
		stopChan: make(chan struct{}),
	}
	if err := k.Reload(); err != nil {
		return nil, err
	}

	tickerStop, tickChan := makeTicker(checkInterval)
	go func() {
		defer tickerStop()
		for {
			select {
			case <-k.stopChan:
				logger.KV(xlog.TRACE, "status", "closed", "label", k.label, "count", k.LoadedCount())
				return
			case <-tickChan:
				if k.modified() {
					if err := k.Reload(); err != nil {
						logger.KV(xlog.ERROR, "label", k.label, "err", err.Error())
					}
				}
			}
		}
	}()
	return k, nil
}

func (k *KeypairReloader) modified() bool {
	k.lock.RLock()
	last := k.modifiedAt
	k.lock.RUnlock()

	for _, file := range []string{k.certPath, k.keyPath} {
		mtime, err := fileutil.ModTime(file)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "stat", "label", k.label, "file", file, "err", err.Error())
			continue
		}
		if mtime.After(last) {
			return true
		}
	}
	return false
}

// Reload loads the key pair from the files
func (k *KeypairReloader) Reload() error {
	pair, err := LoadX509KeyPair(k.certPath, k.keyPath)
	if err != nil {
		return errors.WithMessagef(err, "count: %d", k.LoadedCount())
	}

	var modifiedAt time.Time
	for _, file := range []string{k.certPath, k.keyPath} {
		if mtime, err := fileutil.ModTime(file); err == nil && mtime.After(modifiedAt) {
			modifiedAt = mtime
		}
	}

	k.lock.Lock()
	k.keypair = pair
	k.loadedAt = time.Now().UTC()
	k.modifiedAt = modifiedAt
	k.lock.Unlock()

	count := k.count.Add(1)
	logger.KV(xlog.INFO, "label", k.label, "count", count, "cert", k.certPath, "expires", pair.Leaf.NotAfter.Format(time.RFC3339))
	return nil
}

// GetClientCertificateFunc is a callback for tls.Config to provide the client key pair
func (k *KeypairReloader) GetClientCertificateFunc() func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(_ *tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return k.Keypair(), nil
	}
}

// Keypair returns current pair
func (k *KeypairReloader) Keypair() *tls.Certificate {
	if k == nil {
		return nil
	}
	k.lock.RLock()
	defer k.lock.RUnlock()
	return k.keypair
}

// LoadedAt return the last time when the pair was loaded
func (k *KeypairReloader) LoadedAt() time.Time {
	k.lock.RLock()
	defer k.lock.RUnlock()
	return k.loadedAt
}

// LoadedCount returns the number of times the pair was loaded from disk
func (k *KeypairReloader) LoadedCount() uint32 {
	return k.count.Load()
}

// Close stops the reloader
func (k *KeypairReloader) Close() error {
	if k == nil {
		return nil
	}
	k.lock.Lock()
	defer k.lock.Unlock()

	if k.closed {
		return errors.New("already closed")
	}
	k.closed = true
	close(k.stopChan)
	return nil
}
