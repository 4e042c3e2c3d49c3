package loader

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/metrics"
	"github.com/pagemill/pagemill/internal/vfs"
)

// TriggerPurge deletes the whole mirror repository in the background and
// runs after (if non-nil) once the trees are gone, while all locks are
// still held. The purge write lock stops new per-path locks from being
// created; write-holding every known path lock then drains in-flight
// regenerations before any file is removed.
func (l *Loader) TriggerPurge(after func()) {
	go func() {
		start := time.Now()
		l.locks.purge.Lock()
		held := l.locks.snapshot()
		for _, fl := range held {
			fl.Lock()
		}

		if err := l.doPurge(after); err != nil {
			logging.Error("mirror purge failed", zap.Error(err))
		}

		// release is best-effort so one bad lock cannot strand the rest
		for _, fl := range held {
			if err := fl.Unlock(); err != nil {
				logging.Warn("purge lock release", zap.Error(err))
			}
		}
		if err := l.locks.purge.Unlock(); err != nil {
			logging.Warn("purge lock release", zap.Error(err))
		}
		metrics.RecordPurge(time.Since(start))
	}()
}

func (l *Loader) doPurge(after func()) error {
	logging.Info("purging mirror repository", zap.String("dir", l.repo))

	var firstErr error
	for _, scope := range []vfs.Scope{vfs.Online, vfs.Offline} {
		dir := filepath.Join(l.repo, scope.String())
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.MkdirAll(dir, 0755); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if after != nil {
		after()
	}
	return firstErr
}
