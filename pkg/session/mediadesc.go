package session

import (
	"sync"

	"github.com/openmessenger/groupcall/pkg/engine"
	"github.com/openmessenger/groupcall/pkg/types"
)

// mediaDescTask answers the engine's "who owns these ssrcs" question.
// Known ssrcs are filled from the mirror immediately; the rest go through
// the unknown resolver and the task completes once every ssrc got an
// answer (possibly an empty one). Completion fires at most once even when
// Cancel races a resolution.
type mediaDescTask struct {
	session *Session

	mu      sync.Mutex
	done    func([]engine.MediaChannelDescription)
	pending map[types.SSRC]struct{}
	result  []engine.MediaChannelDescription
}

func (t *mediaDescTask) Cancel() {
	t.mu.Lock()
	if t.done == nil {
		t.mu.Unlock()
		return
	}
	t.done = nil
	t.mu.Unlock()
	t.session.post(func() { delete(t.session.mediaDescTasks, t) })
}

// close drops the task without delivering; used on session teardown.
func (t *mediaDescTask) close() {
	t.mu.Lock()
	t.done = nil
	t.mu.Unlock()
}

// add records one answer; a nil description counts the ssrc as resolved
// without producing an entry. Returns true when this call completed the
// task.
func (t *mediaDescTask) add(ssrc types.SSRC, desc *engine.MediaChannelDescription) bool {
	t.mu.Lock()
	if t.done == nil {
		t.mu.Unlock()
		return false
	}
	if _, ok := t.pending[ssrc]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, ssrc)
	if desc != nil {
		t.result = append(t.result, *desc)
	}
	if len(t.pending) > 0 {
		t.mu.Unlock()
		return false
	}
	done := t.done
	t.done = nil
	result := t.result
	t.mu.Unlock()
	done(result)
	return true
}

func (t *mediaDescTask) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done == nil
}

func (t *mediaDescTask) pendingSSRCs() []types.SSRC {
	t.mu.Lock()
	defer t.mu.Unlock()
	ssrcs := make([]types.SSRC, 0, len(t.pending))
	for ssrc := range t.pending {
		ssrcs = append(ssrcs, ssrc)
	}
	return ssrcs
}

// requestMediaChannelDescriptions is the engine callback; it runs on an
// engine thread and only constructs the task before handing off.
func (s *Session) requestMediaChannelDescriptions(ssrcs []types.SSRC, done func([]engine.MediaChannelDescription)) engine.MediaChannelDescriptionsTask {
	task := &mediaDescTask{
		session: s,
		done:    done,
		pending: make(map[types.SSRC]struct{}, len(ssrcs)),
	}
	for _, ssrc := range ssrcs {
		task.pending[ssrc] = struct{}{}
	}
	s.post(func() { s.mediaDescriptionsStart(task) })
	return task
}

func (s *Session) mediaDescriptionsStart(task *mediaDescTask) {
	s.fillMediaDescriptions(task, nil)
	if task.finished() {
		return
	}
	s.mediaDescTasks[task] = struct{}{}
	s.unknown.RequestAll(task.pendingSSRCs())
}

// fillMediaDescriptions answers what the mirror knows. resolved lists
// ssrcs whose server lookup just finished: those get a definitive empty
// answer when still unknown instead of waiting forever.
func (s *Session) fillMediaDescriptions(task *mediaDescTask, resolved []types.SSRC) {
	resolvedSet := make(map[types.SSRC]struct{}, len(resolved))
	for _, ssrc := range resolved {
		resolvedSet[ssrc] = struct{}{}
	}
	for _, ssrc := range task.pendingSSRCs() {
		if p, ok := s.mirror.BySSRC(ssrc); ok {
			task.add(ssrc, &engine.MediaChannelDescription{
				Kind:      engine.MediaChannelAudio,
				AudioSSRC: p.SSRC,
				PeerID:    p.PeerID,
			})
			continue
		}
		if _, ok := resolvedSet[ssrc]; ok {
			task.add(ssrc, nil)
		}
	}
}
