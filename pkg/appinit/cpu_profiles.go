package appinit

import (
	"runtime/pprof"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

type cpuProfileCloser struct {
	file   string
	lock   sync.Mutex
	closed bool
}

func (c *cpuProfileCloser) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return errors.New("CPU profile already stopped")
	}
	pprof.StopCPUProfile()
	c.closed = true
	logger.KV(xlog.INFO, "stopped_cpu_profiling", c.file)
	return nil
}
