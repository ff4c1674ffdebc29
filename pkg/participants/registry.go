package participants

import (
	"sort"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"

	"github.com/openmessenger/groupcall/pkg/types"
)

// ApplySource tags where a participants diff came from; it decides
// version gating and event emission.
type ApplySource int32

const (
	// SourceFullReload replaces the whole mirror.
	SourceFullReload ApplySource = iota
	// SourceIncremental is a versioned server diff.
	SourceIncremental
	// SourceUnknownResolved carries rows fetched for ssrcs seen in media
	// traffic before their owner was known. Not versioned.
	SourceUnknownResolved
	// SourceLocalProjection is the optimistic self-row patch applied
	// ahead of server confirmation.
	SourceLocalProjection
)

func (s ApplySource) String() string {
	switch s {
	case SourceFullReload:
		return "full_reload"
	case SourceIncremental:
		return "incremental"
	case SourceUnknownResolved:
		return "unknown_resolved"
	}
	return "local_projection"
}

type pendingDiff struct {
	version int32
	list    []*types.Participant
}

type RegistryParams struct {
	Logger logger.Logger
}

// Registry owns all mutation of a Mirror. It must only be driven from the
// session goroutine; version ordering is enforced here, and gapped
// updates degrade to a full reload instead of risking silent divergence.
type Registry struct {
	params RegistryParams
	mirror *Mirror

	pending deque.Deque[pendingDiff]

	// reloadScheduled suppresses duplicate gap signals while a full
	// reload is already on its way.
	reloadScheduled bool

	onParticipantUpdated func(was, now *types.Participant)
	onFullReload         func()
	onVersionGap         func(have, want int32)
	onReloadRetry        func(have, want int32)
}

func NewRegistry(mirror *Mirror, params RegistryParams) *Registry {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Registry{
		params: params,
		mirror: mirror,
	}
}

func (r *Registry) Mirror() *Mirror {
	return r.mirror
}

// OnParticipantUpdated registers the add/update/remove event sink: was is
// nil for adds, now is nil for removals.
func (r *Registry) OnParticipantUpdated(f func(was, now *types.Participant)) {
	r.onParticipantUpdated = f
}

func (r *Registry) OnFullReload(f func()) {
	r.onFullReload = f
}

// OnVersionGap fires when a diff arrives more than one version ahead; the
// session reacts by requesting a full reload.
func (r *Registry) OnVersionGap(f func(have, want int32)) {
	r.onVersionGap = f
}

// OnReloadRetry fires when queued diffs still gap past a just-applied
// snapshot. The session reacts by requesting another reload after a
// pause rather than immediately.
func (r *Registry) OnReloadRetry(f func(have, want int32)) {
	r.onReloadRetry = f
}

// ReloadFailed resets the gap bookkeeping after a failed snapshot fetch
// so later gaps can schedule a reload again. Reports whether queued
// diffs are still waiting on one.
func (r *Registry) ReloadFailed() bool {
	r.reloadScheduled = false
	return r.pending.Len() > 0
}

// ApplySnapshot replaces the mirror wholesale from a full call fetch.
func (r *Registry) ApplySnapshot(version int32, fullCount int, joinMuted, canChangeJoinMuted bool, list []*types.Participant) {
	m := r.mirror
	m.lock.Lock()
	if version == 0 {
		r.params.Logger.Warnw("zero version in call snapshot", nil)
		version = 1
	}
	r.params.Logger.Debugw("applying full reload",
		"fromVersion", m.version, "toVersion", version, "participants", len(list))
	m.resetLocked()
	m.version = version
	m.joinMuted = joinMuted
	m.canChangeJoinMuted = canChangeJoinMuted
	m.serverCount = fullCount
	for _, e := range list {
		r.applyOneLocked(e, SourceFullReload)
	}
	m.allLoaded = m.participants.Len() >= m.serverCount
	m.lock.Unlock()

	r.reloadScheduled = false
	if r.onFullReload != nil {
		r.onFullReload()
	}
	r.drainPending()
}

// ApplySlice merges one page of the participant list fetched while paging
// through a large call. Unversioned; membership events fire for new rows
// and the loaded flag is refreshed against the server count.
func (r *Registry) ApplySlice(fullCount int, list []*types.Participant) {
	m := r.mirror
	m.lock.Lock()
	events := make([]participantEvent, 0, len(list))
	for _, e := range list {
		if ev, ok := r.applyOneLocked(e, SourceUnknownResolved); ok {
			events = append(events, ev)
		}
	}
	if fullCount > 0 {
		m.serverCount = fullCount
	}
	m.allLoaded = m.participants.Len() >= m.serverCount
	m.lock.Unlock()
	r.emit(events)
}

// ApplyLastSpoke records speaking activity for the ssrc's owner. No
// membership event fires; list consumers read LastActive off the row.
func (r *Registry) ApplyLastSpoke(ssrc types.SSRC, at int64) {
	m := r.mirror
	m.lock.Lock()
	defer m.lock.Unlock()
	peer, ok := m.peerBySSRC[ssrc]
	if !ok {
		return
	}
	if p, ok := m.getLocked(peer); ok && at > p.LastActive {
		p.LastActive = at
	}
}

// ApplyCallState patches call-level fields from a call-state push update.
// An empty diff with a non-matching full count still moves the count.
func (r *Registry) ApplyCallState(version int32, fullCount int, joinMuted, canChangeJoinMuted bool) {
	m := r.mirror
	m.lock.Lock()
	defer m.lock.Unlock()
	if version < m.version {
		return
	}
	m.version = version
	m.joinMuted = joinMuted
	m.canChangeJoinMuted = canChangeJoinMuted
	m.serverCount = fullCount
	m.allLoaded = m.participants.Len() >= m.serverCount
}

// ApplyDiff applies a participants diff according to its source.
//
// Incremental diffs are version gated: a stale version patches soft
// fields only (the server re-delivered state the client already advanced
// past), the next version applies normally, and a gap applies the soft
// patch then schedules a full reload.
func (r *Registry) ApplyDiff(version int32, list []*types.Participant, source ApplySource) {
	switch source {
	case SourceIncremental:
		r.applyIncremental(version, list)
	case SourceUnknownResolved, SourceLocalProjection:
		m := r.mirror
		m.lock.Lock()
		events := make([]participantEvent, 0, len(list))
		for _, e := range list {
			if ev, ok := r.applyOneLocked(e, source); ok {
				events = append(events, ev)
			}
		}
		m.lock.Unlock()
		r.emit(events)
	case SourceFullReload:
		// Full reloads carry call-level fields too and go through
		// ApplySnapshot.
		r.params.Logger.Errorw("full reload diff must use ApplySnapshot", nil)
	}
}

func (r *Registry) applyIncremental(version int32, list []*types.Participant) {
	m := r.mirror
	m.lock.Lock()
	current := m.version
	switch {
	case version <= current:
		events := r.patchSoftFieldsLocked(list)
		m.lock.Unlock()
		r.emit(events)
	case version == current+1:
		events := make([]participantEvent, 0, len(list))
		for _, e := range list {
			if ev, ok := r.applyOneLocked(e, SourceIncremental); ok {
				events = append(events, ev)
			}
		}
		m.version = version
		m.lock.Unlock()
		r.emit(events)
	default:
		// Missed at least one update: patch what can be patched, queue
		// the diff for after the reload and ask for one.
		events := r.patchSoftFieldsLocked(list)
		m.lock.Unlock()
		r.emit(events)
		r.pending.PushBack(pendingDiff{version: version, list: list})
		r.scheduleReload(current, version)
	}
}

func (r *Registry) scheduleReload(have, want int32) {
	if r.reloadScheduled {
		return
	}
	r.reloadScheduled = true
	r.params.Logger.Infow("participants version gap, requesting full reload",
		"have", have, "want", want)
	if r.onVersionGap != nil {
		r.onVersionGap(have, want)
	}
}

// drainPending replays queued gapped diffs that fit after a reload.
// Diffs still ahead of the reloaded version are held back and signal a
// paced retry; replaying them through applyIncremental would schedule
// another reload synchronously and loop against the server.
func (r *Registry) drainPending() {
	if r.pending.Len() == 0 {
		return
	}
	queued := make([]pendingDiff, 0, r.pending.Len())
	for r.pending.Len() > 0 {
		queued = append(queued, r.pending.PopFront())
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].version < queued[j].version })
	retry := false
	var have, want int32
	for _, pd := range queued {
		current := r.mirror.Version()
		switch {
		case pd.version <= current:
			// already covered by the reload
		case pd.version == current+1:
			r.applyIncremental(pd.version, pd.list)
		default:
			// soft fields were patched when the diff first arrived
			r.pending.PushBack(pd)
			if !retry {
				retry, have, want = true, current, pd.version
			}
		}
	}
	if retry {
		r.reloadScheduled = true
		r.params.Logger.Infow("version gap persists after reload, retrying later",
			"have", have, "want", want)
		if r.onReloadRetry != nil {
			r.onReloadRetry(have, want)
		}
	}
}

type participantEvent struct {
	was *types.Participant
	now *types.Participant
}

func (r *Registry) emit(events []participantEvent) {
	if r.onParticipantUpdated == nil {
		return
	}
	for _, ev := range events {
		r.onParticipantUpdated(ev.was, ev.now)
	}
}

// patchSoftFieldsLocked applies mute/volume state of known peers without
// touching membership. Used for stale and gapped diffs.
func (r *Registry) patchSoftFieldsLocked(list []*types.Participant) []participantEvent {
	m := r.mirror
	events := make([]participantEvent, 0, len(list))
	for _, e := range list {
		if e.Left {
			continue
		}
		existing, ok := m.getLocked(e.PeerID)
		if !ok {
			continue
		}
		was := *existing
		existing.Muted = e.Muted
		existing.CanSelfUnmute = !e.Muted || e.CanSelfUnmute
		if !e.Min {
			existing.Volume = normalizeVolume(e.Volume)
			existing.MutedByMe = e.MutedByMe
			existing.VolumeByAdmin = e.VolumeByAdmin
		}
		existing.Provisional = false
		now := *existing
		events = append(events, participantEvent{was: &was, now: &now})
	}
	return events
}

// applyOneLocked merges a single diff entry into the mirror and returns
// the event to emit, if any. Full-reload events are suppressed.
func (r *Registry) applyOneLocked(e *types.Participant, source ApplySource) (participantEvent, bool) {
	m := r.mirror
	if e.Left {
		existing, ok := m.getLocked(e.PeerID)
		if ok {
			was := *existing
			m.dropSSRCLocked(existing.SSRC)
			m.participants.Delete(e.PeerID)
			if m.serverCount > 0 {
				m.serverCount--
			}
			if source != SourceFullReload {
				return participantEvent{was: &was}, true
			}
			return participantEvent{}, false
		}
		if m.serverCount > 0 {
			m.serverCount--
		}
		return participantEvent{}, false
	}

	existing, found := m.getLocked(e.PeerID)
	var was *types.Participant
	if found {
		w := *existing
		was = &w
	}

	now := r.mergeEntry(was, e, source)

	if found {
		if existing.SSRC != now.SSRC {
			m.dropSSRCLocked(existing.SSRC)
			m.indexSSRCLocked(now.SSRC, now.PeerID)
		}
		*existing = now
	} else {
		p := now
		m.indexSSRCLocked(now.SSRC, now.PeerID)
		m.participants.Set(now.PeerID, &p)
	}
	if e.JustJoined {
		m.serverCount++
	}
	if source != SourceFullReload {
		nowCopy := now
		return participantEvent{was: was, now: &nowCopy}, true
	}
	return participantEvent{}, false
}

// mergeEntry builds the authoritative row from a diff entry, preserving
// fields a min-flagged entry is not allowed to clobber.
func (r *Registry) mergeEntry(was *types.Participant, e *types.Participant, source ApplySource) types.Participant {
	canSelfUnmute := !e.Muted || e.CanSelfUnmute

	lastActive := e.LastActive
	if lastActive == 0 && was != nil {
		lastActive = was.LastActive
	}

	volume := normalizeVolume(e.Volume)
	if was != nil && !was.VolumeByAdmin && e.Min {
		volume = was.Volume
	}
	volumeByAdmin := e.Min || e.VolumeByAdmin
	if was != nil && e.Min {
		volumeByAdmin = was.VolumeByAdmin
	}
	mutedByMe := e.MutedByMe
	if was != nil && e.Min {
		mutedByMe = was.MutedByMe
	}

	cameraParams := e.CameraParams
	screenParams := e.ScreenParams
	if source == SourceLocalProjection && was != nil {
		// Local projections never learn video params; keep what the
		// server last told us.
		cameraParams = was.CameraParams
		screenParams = was.ScreenParams
	}

	about := e.About
	if about == "" && was != nil {
		about = was.About
	}

	return types.Participant{
		PeerID:           e.PeerID,
		SSRC:             e.SSRC,
		JoinDate:         e.JoinDate,
		LastActive:       lastActive,
		RaisedHandRating: e.RaisedHandRating,
		Volume:           volume,
		About:            about,
		Muted:            e.Muted,
		MutedByMe:        mutedByMe,
		CanSelfUnmute:    canSelfUnmute,
		VolumeByAdmin:    volumeByAdmin,
		VideoJoined:      e.VideoJoined,
		Min:              e.Min && (was == nil || was.Min),
		Provisional:      source == SourceLocalProjection,
		CameraParams:     cameraParams,
		ScreenParams:     screenParams,
	}
}

func normalizeVolume(v int) int {
	if v <= 0 {
		return types.DefaultVolume
	}
	if v < types.MinVolume {
		return types.MinVolume
	}
	if v > types.MaxVolume {
		return types.MaxVolume
	}
	return v
}
