package engine

import (
	"github.com/gammazero/workerpool"
	"github.com/livekit/protocol/logger"
)

const deleterWorkers = 2

// Deleter tears engine instances down off the session goroutine. Stopping
// a native instance can block on its worker threads, so destruction is
// handed to a small pool; the caller invalidates its callback guards
// before the handoff so no late callback touches a half-destroyed session.
type Deleter struct {
	logger logger.Logger
	pool   *workerpool.WorkerPool
}

func NewDeleter(l logger.Logger) *Deleter {
	return &Deleter{
		logger: l,
		pool:   workerpool.New(deleterWorkers),
	}
}

func (d *Deleter) Delete(instance Instance) {
	if instance == nil {
		return
	}
	d.pool.Submit(func() {
		instance.Stop()
		d.logger.Debugw("media engine instance stopped")
	})
}

// Close waits for queued destructions to finish.
func (d *Deleter) Close() {
	d.pool.StopWait()
}
