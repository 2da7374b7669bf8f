package odm

import (
	"sync"

	"github.com/nimburion/odm/pkg/observability/logger"
	"github.com/nimburion/odm/pkg/observability/metrics"
)

// Package-level observability hooks. Querysets, persistence, and the
// dereferencer report through these; both default to no-ops until the
// application wires real implementations at startup.
var (
	obsMu      sync.RWMutex
	obsLogger  logger.Logger    = logger.Nop()
	obsMetrics metrics.Recorder = metrics.Nop()
)

// SetLogger installs the logger used by the ODM core.
func SetLogger(log logger.Logger) {
	if log == nil {
		log = logger.Nop()
	}
	obsMu.Lock()
	obsLogger = log
	obsMu.Unlock()
}

// SetMetrics installs the metrics recorder used by the ODM core.
func SetMetrics(rec metrics.Recorder) {
	if rec == nil {
		rec = metrics.Nop()
	}
	obsMu.Lock()
	obsMetrics = rec
	obsMu.Unlock()
}

func coreLogger() logger.Logger {
	obsMu.RLock()
	defer obsMu.RUnlock()
	return obsLogger
}

func coreMetrics() metrics.Recorder {
	obsMu.RLock()
	defer obsMu.RUnlock()
	return obsMetrics
}
