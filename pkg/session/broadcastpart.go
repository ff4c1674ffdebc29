package session

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/openmessenger/groupcall/pkg/engine"
	"github.com/openmessenger/groupcall/pkg/rpc"
	"github.com/openmessenger/groupcall/pkg/stats"
	"github.com/openmessenger/groupcall/pkg/types"
)

const broadcastPartLimit = 128 * 1024

type partKey struct {
	timestampMS  int64
	scale        int32
	videoChannel int32
	quality      types.VideoQuality
}

type partCache struct {
	cache *lru.Cache[partKey, engine.BroadcastPart]
}

func newPartCache(size int) *partCache {
	cache, _ := lru.New[partKey, engine.BroadcastPart](size)
	return &partCache{cache: cache}
}

func (c *partCache) get(key partKey) (engine.BroadcastPart, bool) {
	return c.cache.Get(key)
}

func (c *partCache) add(key partKey, part engine.BroadcastPart) {
	c.cache.Add(key, part)
}

// scaleFromDuration maps a slice duration to the wire scale: 1000ms is 0
// and every halving adds one.
func scaleFromDuration(ms int64) int32 {
	switch ms {
	case 500:
		return 1
	case 250:
		return 2
	case 125:
		return 3
	}
	return 0
}

// loadPartTask is one broadcast part fetch. Done and Cancel can race from
// the engine's threads against the session goroutine; the guarded done
// slot makes delivery at-most-once.
type loadPartTask struct {
	session *Session
	key     partKey

	mu        sync.Mutex
	done      func(engine.BroadcastPart)
	cancelRPC context.CancelFunc
}

func (t *loadPartTask) Cancel() {
	t.mu.Lock()
	if t.done == nil {
		t.mu.Unlock()
		return
	}
	t.done = nil
	cancel := t.cancelRPC
	t.cancelRPC = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.session.post(func() { delete(t.session.broadcastTasks, t) })
}

func (t *loadPartTask) finish(part engine.BroadcastPart) {
	t.mu.Lock()
	done := t.done
	t.done = nil
	t.cancelRPC = nil
	t.mu.Unlock()
	if done != nil {
		done(part)
	}
}

// abortRPC cancels the in-flight request without consuming the done slot,
// so the task can be re-requested or cancelled by the engine later.
func (t *loadPartTask) abortRPC() {
	t.mu.Lock()
	cancel := t.cancelRPC
	t.cancelRPC = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// requestBroadcastPart is the engine callback; it runs on an engine
// thread and only constructs the task before handing off to the queue.
func (s *Session) requestBroadcastPart(params engine.BroadcastPartParams, done func(engine.BroadcastPart)) engine.BroadcastPartTask {
	task := &loadPartTask{
		session: s,
		key: partKey{
			timestampMS:  params.TimestampMS,
			scale:        scaleFromDuration(params.DurationMS),
			videoChannel: params.VideoChannel,
			quality:      params.VideoQuality,
		},
		done: done,
	}
	s.post(func() { s.broadcastPartStart(task) })
	return task
}

func (s *Session) broadcastPartStart(task *loadPartTask) {
	if part, ok := s.partCache.get(task.key); ok {
		task.finish(part)
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	task.mu.Lock()
	if task.done == nil {
		task.mu.Unlock()
		cancel()
		return
	}
	task.cancelRPC = cancel
	task.mu.Unlock()
	s.broadcastTasks[task] = struct{}{}

	req := &rpc.BroadcastPartRequest{
		Call:         s.identity,
		TimestampMS:  task.key.timestampMS,
		Scale:        task.key.scale,
		VideoChannel: task.key.videoChannel,
		VideoQuality: task.key.quality,
		Limit:        broadcastPartLimit,
	}
	go func() {
		resp, err := s.params.Transport.GetBroadcastPart(ctx, req)
		s.post(func() { s.broadcastPartDone(task, resp, err) })
	}()
}

func (s *Session) broadcastPartDone(task *loadPartTask, resp *rpc.BroadcastPartResponse, err error) {
	if _, ok := s.broadcastTasks[task]; !ok {
		return
	}
	delete(s.broadcastTasks, task)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if rpc.IsMembershipLost(err) {
			// server dropped our join while streaming; the part stays
			// unanswered, the engine resyncs after the rejoin settles
			s.startRejoin("broadcast_membership_lost")
			return
		}
		status := engine.BroadcastPartNotReady
		if rpc.IsTimeSkew(err) {
			status = engine.BroadcastPartResyncNeeded
		}
		stats.RecordBroadcastPart(status.String())
		task.finish(engine.BroadcastPart{
			TimestampMS:         task.key.timestampMS,
			ResponseTimestampMS: s.estimatedServerTimeMS(),
			Status:              status,
		})
		return
	}
	part := engine.BroadcastPart{
		TimestampMS:         task.key.timestampMS,
		ResponseTimestampMS: resp.ResponseTimestampMS,
		Status:              engine.BroadcastPartSuccess,
		Payload:             resp.Payload,
	}
	s.updateServerTime(resp.ResponseTimestampMS)
	s.partCache.add(task.key, part)
	stats.RecordBroadcastPart(engine.BroadcastPartSuccess.String())
	task.finish(part)
}
