package utils

import (
	"sync"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
)

// OpsQueue serializes closures onto a single goroutine. The call session
// uses one as its owning "thread": every RPC completion and every engine
// callback is enqueued here, so mirror and self-state mutation is
// single-writer by construction.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock    sync.RWMutex
	ops     chan func()
	stopped core.Fuse
	drained chan struct{}
}

func NewOpsQueue(l logger.Logger, name string, size int) *OpsQueue {
	return &OpsQueue{
		logger:  l,
		name:    name,
		size:    size,
		ops:     make(chan func(), size),
		drained: make(chan struct{}),
	}
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

// Stop closes the queue. Already enqueued ops still run; Wait blocks
// until they have.
func (oq *OpsQueue) Stop() {
	oq.stopped.Once(func() {
		oq.lock.Lock()
		close(oq.ops)
		oq.lock.Unlock()
	})
}

func (oq *OpsQueue) Wait() {
	<-oq.drained
}

func (oq *OpsQueue) IsStopped() bool {
	return oq.stopped.IsBroken()
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.RLock()
	defer oq.lock.RUnlock()
	if oq.stopped.IsBroken() {
		return
	}

	select {
	case oq.ops <- op:
	default:
		oq.logger.Errorw("ops queue full", nil, "name", oq.name, "size", oq.size)
	}
}

func (oq *OpsQueue) process() {
	for op := range oq.ops {
		op()
	}
	close(oq.drained)
}
