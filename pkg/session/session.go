package session

import (
	"context"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/thoas/go-funk"
	uatomic "go.uber.org/atomic"

	"github.com/openmessenger/groupcall/pkg/engine"
	"github.com/openmessenger/groupcall/pkg/participants"
	"github.com/openmessenger/groupcall/pkg/rpc"
	"github.com/openmessenger/groupcall/pkg/stats"
	"github.com/openmessenger/groupcall/pkg/types"
	"github.com/openmessenger/groupcall/pkg/utils"
	"github.com/openmessenger/groupcall/pkg/video"
)

const (
	DefaultLivenessCheckInterval = 4 * time.Second
	DefaultGapReloadDelay        = 3 * time.Second
	DefaultOpsQueueSize          = 128
	DefaultParticipantsPageSize  = 100
	DefaultPartCacheSize         = 50
)

// PermissionRequester gates capabilities behind a platform prompt. The
// result callback may fire from any goroutine.
type PermissionRequester interface {
	RequestPermission(feature Feature, result func(granted bool))
}

// AutoGrant approves every permission request. Used when the embedder
// handles prompting elsewhere.
type AutoGrant struct{}

func (AutoGrant) RequestPermission(_ Feature, result func(granted bool)) {
	result(true)
}

// PeerSettings persists per-peer defaults across sessions, currently just
// the join-as persona.
type PeerSettings interface {
	DefaultJoinAs(peer types.PeerID) (types.PeerID, bool)
	SaveDefaultJoinAs(peer types.PeerID, joinAs types.PeerID)
}

type Config struct {
	LivenessCheckInterval time.Duration
	// GapReloadDelay paces repeat full fetches while incoming diffs keep
	// outrunning the reloaded participant list version.
	GapReloadDelay       time.Duration
	UnknownBatchSize     int
	InviteChunkSize      int
	VideoDebounceDelay   time.Duration
	OpsQueueSize         int
	PartCacheSize        int
	ParticipantsPageSize int
}

func (c *Config) applyDefaults() {
	if c.LivenessCheckInterval <= 0 {
		c.LivenessCheckInterval = DefaultLivenessCheckInterval
	}
	if c.GapReloadDelay <= 0 {
		c.GapReloadDelay = DefaultGapReloadDelay
	}
	if c.InviteChunkSize <= 0 {
		c.InviteChunkSize = DefaultInviteChunkSize
	}
	if c.OpsQueueSize <= 0 {
		c.OpsQueueSize = DefaultOpsQueueSize
	}
	if c.PartCacheSize <= 0 {
		c.PartCacheSize = DefaultPartCacheSize
	}
	if c.ParticipantsPageSize <= 0 {
		c.ParticipantsPageSize = DefaultParticipantsPageSize
	}
}

type Params struct {
	Logger    logger.Logger
	Transport rpc.Transport
	Engines   engine.Factory

	Permissions PermissionRequester
	Settings    PeerSettings
	SinkFactory video.SinkFactory

	// Peer is the chat hosting the call; Self the local account persona.
	Peer   types.PeerID
	Self   types.PeerID
	JoinAs types.PeerID

	InviteHash string
	// RTMP marks a stream call: media arrives over the relayed broadcast
	// path and the local microphone stays closed.
	RTMP bool

	Config Config
}

type selfUpdateKind int32

const (
	selfUpdateMute selfUpdateKind = 1 << iota
	selfUpdateRaiseHand
	selfUpdateCameraStopped
	selfUpdateCameraPaused
	selfUpdateScreenPaused
)

var selfUpdateOrder = []selfUpdateKind{
	selfUpdateMute,
	selfUpdateRaiseHand,
	selfUpdateCameraStopped,
	selfUpdateCameraPaused,
	selfUpdateScreenPaused,
}

// Session drives one group call from join to hangup. All internal state is
// owned by a single ops queue goroutine; public methods enqueue onto it
// and return immediately. Observer callbacks fire on that goroutine and
// must not block.
type Session struct {
	params Params
	config Config
	logger logger.Logger

	ops    *utils.OpsQueue
	ctx    context.Context
	cancel context.CancelFunc
	closed core.Fuse

	mirror   *participants.Mirror
	registry *participants.Registry
	unknown  *participants.UnknownResolver
	tracker  *video.Tracker
	deleter  *engine.Deleter

	// published for off-queue readers
	stateAtomic     uatomic.Int32
	presStateAtomic uatomic.Int32
	mutedAtomic     uatomic.Int32
	ssrcAtomic      uatomic.Uint32

	// everything below runs on the ops queue only
	state    State
	identity types.CallIdentity
	joinAs   types.PeerID

	muted              types.MuteState
	initialMuteSent    bool
	pendingSelfUpdates selfUpdateKind
	selfUpdateInflight bool
	queuedSelfUpdates  []*types.Participant

	cameraActive   bool
	cameraDeviceID string
	screenActive   bool
	screenDeviceID string

	instance              engine.Instance
	screenInstance        engine.Instance
	instanceConnected     bool
	instanceTransitioning bool

	joinState       joinLeg
	screenJoinState joinLeg
	joinSeq         uint64
	screenJoinSeq   uint64
	// mainSSRCAtScreenJoin detects a main-leg rejoin racing the screen
	// join; a stale screen failure then retries instead of giving up.
	mainSSRCAtScreenJoin types.SSRC

	serverTimeMS         int64
	serverTimeReceivedAt time.Time

	livenessTimer    *time.Timer
	reloadRetryTimer *time.Timer
	createCancel     context.CancelFunc

	reloadInflight bool
	loadingMore    bool
	nextPageOffset string
	broadcastTasks map[*loadPartTask]struct{}
	partCache      *partCache
	mediaDescTasks map[*mediaDescTask]struct{}

	onStateChanged        func(State)
	onPresentationChanged func(PresentationState)
	onParticipantUpdated  func(was, now *types.Participant)
	onEndpointActive      func(types.VideoEndpoint, bool)
	onPinChanged          func(types.VideoEndpoint)
	onLevels              func([]LevelUpdate)
	onError               func(Error)
	onAllowedToSpeak      func()
	onMutedChanged        func(types.MuteState)
}

func NewSession(params Params) *Session {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Permissions == nil {
		params.Permissions = AutoGrant{}
	}
	config := params.Config
	config.applyDefaults()

	joinAs := params.JoinAs
	if joinAs == "" && params.Settings != nil {
		if stored, ok := params.Settings.DefaultJoinAs(params.Peer); ok {
			joinAs = stored
		}
	}
	if joinAs == "" {
		joinAs = params.Self
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		params:         params,
		config:         config,
		logger:         params.Logger,
		ops:            utils.NewOpsQueue(params.Logger, "session", config.OpsQueueSize),
		ctx:            ctx,
		cancel:         cancel,
		state:          StateJoining,
		joinAs:         joinAs,
		muted:          types.MuteStateMuted,
		cameraDeviceID: "default",
		broadcastTasks: make(map[*loadPartTask]struct{}),
		partCache:      newPartCache(config.PartCacheSize),
		mediaDescTasks: make(map[*mediaDescTask]struct{}),
	}
	s.stateAtomic.Store(int32(s.state))
	s.mutedAtomic.Store(int32(s.muted))

	s.mirror = participants.NewMirror(types.CallIdentity{})
	s.registry = participants.NewRegistry(s.mirror, participants.RegistryParams{Logger: params.Logger})
	s.unknown = participants.NewUnknownResolver(s.registry, participants.UnknownResolverParams{
		Logger:    params.Logger,
		BatchSize: config.UnknownBatchSize,
		Fetch:     s.fetchUnknown,
	})
	s.tracker = video.NewTracker(video.TrackerParams{
		Logger:        params.Logger,
		Mirror:        s.mirror,
		SinkFactory:   params.SinkFactory,
		DebounceDelay: config.VideoDebounceDelay,
		Schedule:      s.post,
	})
	s.deleter = engine.NewDeleter(params.Logger)

	s.registry.OnParticipantUpdated(s.handleParticipantEvent)
	s.registry.OnVersionGap(func(have, want int32) { s.requestFullState() })
	s.registry.OnReloadRetry(func(have, want int32) { s.armReloadRetry() })
	s.registry.OnFullReload(func() {
		// a reload replaces the mirror wholesale; reassert the local
		// projection until the server's own row for us arrives
		if s.joinState.ssrc != 0 {
			s.applyMeInCallLocally()
		}
	})
	s.unknown.OnResolved(s.handleUnknownResolved)
	s.tracker.OnEndpointActive(func(endpoint types.VideoEndpoint, active bool) {
		if s.onEndpointActive != nil {
			s.onEndpointActive(endpoint, active)
		}
	})
	s.tracker.OnPinChanged(func(endpoint types.VideoEndpoint) {
		if s.onPinChanged != nil {
			s.onPinChanged(endpoint)
		}
	})
	return s
}

// Observer registration. Set these before Start; they fire on the session
// goroutine.

func (s *Session) OnStateChanged(f func(State))                         { s.onStateChanged = f }
func (s *Session) OnPresentationChanged(f func(PresentationState))      { s.onPresentationChanged = f }
func (s *Session) OnParticipantUpdated(f func(was, now *types.Participant)) { s.onParticipantUpdated = f }
func (s *Session) OnEndpointActive(f func(types.VideoEndpoint, bool))   { s.onEndpointActive = f }
func (s *Session) OnPinChanged(f func(types.VideoEndpoint))             { s.onPinChanged = f }
func (s *Session) OnLevels(f func([]LevelUpdate))                       { s.onLevels = f }
func (s *Session) OnError(f func(Error))                                { s.onError = f }
func (s *Session) OnAllowedToSpeak(f func())                            { s.onAllowedToSpeak = f }
func (s *Session) OnMutedChanged(f func(types.MuteState))               { s.onMutedChanged = f }

// Start begins processing; call after observers are registered.
func (s *Session) Start() {
	s.ops.Start()
	go s.updatePump()
}

func (s *Session) post(op func()) {
	s.ops.Enqueue(op)
}

// State is safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.stateAtomic.Load())
}

func (s *Session) Presentation() PresentationState {
	return PresentationState(s.presStateAtomic.Load())
}

func (s *Session) Muted() types.MuteState {
	return types.MuteState(s.mutedAtomic.Load())
}

func (s *Session) MySSRC() types.SSRC {
	return types.SSRC(s.ssrcAtomic.Load())
}

func (s *Session) Mirror() *participants.Mirror {
	return s.mirror
}

func (s *Session) JoinAs() types.PeerID {
	return s.joinAs
}

// Create allocates a new call on the hosting peer, then joins it.
func (s *Session) Create(rtmp bool, scheduleDate int64) {
	s.post(func() {
		if s.state != StateJoining {
			return
		}
		s.setState(StateCreating)
		ctx, cancel := context.WithCancel(s.ctx)
		s.createCancel = cancel
		req := &rpc.CreateCallRequest{Peer: s.params.Peer, RTMP: rtmp, Schedule: scheduleDate}
		go func() {
			info, err := s.params.Transport.CreateCall(ctx, req)
			s.post(func() { s.createDone(info, err) })
		}()
	})
}

func (s *Session) createDone(info *rpc.CallInfo, err error) {
	if s.createCancel == nil {
		return // aborted by discard or hangup
	}
	s.createCancel = nil
	if err != nil {
		s.logger.Warnw("call creation failed", err)
		s.emitError(Error{Kind: classifyKind(err), Err: err})
		s.setState(StateFailed)
		return
	}
	s.identity = info.Identity
	s.mirror.SetCall(info.Identity)
	s.registry.ApplyCallState(info.Version, info.FullCount, info.JoinMuted, false)
	s.setState(StateJoining)
	s.rejoin()
}

// Join attaches the session to an existing call.
func (s *Session) Join(call types.CallIdentity) {
	s.post(func() {
		if !s.identity.IsZero() || call.IsZero() {
			return
		}
		s.identity = call
		s.mirror.SetCall(call)
		s.rejoin()
	})
}

// SetJoinAs switches the local persona; while in a call this forces a
// rejoin under the new identity.
func (s *Session) SetJoinAs(peer types.PeerID) {
	s.post(func() {
		if peer == "" || peer == s.joinAs {
			return
		}
		s.joinAs = peer
		if s.params.Settings != nil {
			s.params.Settings.SaveDefaultJoinAs(s.params.Peer, peer)
		}
		if s.state.Active() {
			s.startRejoin("join_as_changed")
		}
	})
}

// rejoin starts (or restarts) the main join negotiation. If a join or
// leave is already running the restart is chained behind it.
func (s *Session) rejoin() {
	if !s.state.Active() {
		return
	}
	if s.joinState.action != joinActionNone {
		s.joinState.nextActionPending = true
		return
	}
	s.setState(StateJoining)
	s.joinState.action = joinActionJoining
	if !s.ensureInstance() {
		return
	}
	s.joinSeq++
	seq := s.joinSeq
	s.instance.EmitJoinPayload(func(payload engine.JoinPayload) {
		s.post(func() { s.emittedJoinPayload(seq, payload) })
	})
}

func (s *Session) emittedJoinPayload(seq uint64, payload engine.JoinPayload) {
	if seq != s.joinSeq || s.joinState.action != joinActionJoining {
		return
	}
	s.joinState.ssrc = payload.AudioSSRC
	s.ssrcAtomic.Store(uint32(payload.AudioSSRC))
	s.applyMeInCallLocally()
	req := &rpc.JoinRequest{
		Call:         s.identity,
		JoinAs:       s.joinAs,
		Muted:        !s.muted.Speaking(),
		VideoStopped: !s.cameraActive,
		InviteHash:   s.params.InviteHash,
		Payload:      payload.Blob,
		SSRC:         payload.AudioSSRC,
	}
	go func() {
		resp, err := s.params.Transport.JoinCall(s.ctx, req)
		s.post(func() { s.joinFinished(seq, payload.AudioSSRC, resp, err) })
	}()
}

func (s *Session) joinFinished(seq uint64, ssrc types.SSRC, resp *rpc.JoinResponse, err error) {
	if seq != s.joinSeq {
		return // superseded by a newer join
	}
	if err != nil {
		s.joinState.finish(0)
		s.ssrcAtomic.Store(0)
		kind := rpc.Classify(err)
		s.logger.Warnw("join failed", err, "kind", kind)
		stats.RecordJoin("error")
		if kind == rpc.ErrorKindDuplicateResource {
			// collision on the negotiated ssrc, retry with a fresh one
			s.startRejoin("ssrc_duplicate")
			return
		}
		s.emitError(Error{Kind: classifyKind(err), Err: err})
		s.setState(StateFailed)
		s.checkNextJoinAction()
		return
	}

	s.joinState.finish(ssrc)
	s.ssrcAtomic.Store(uint32(ssrc))
	s.initialMuteSent = true
	s.updateServerTime(resp.ServerTimeMS)
	s.instance.SetJoinResponsePayload(resp.ResponsePayload)
	mode := engine.ConnectionModeRTC
	if s.params.RTMP {
		mode = engine.ConnectionModeBroadcast
	}
	s.instance.SetConnectionMode(mode)
	stats.RecordJoin("ok")
	s.logger.Infow("joined call", "callID", s.identity.ID, "ssrc", ssrc)
	// a rejoin can reuse an engine that never dropped its transport; it
	// will not report another connected transition
	if s.instanceConnected {
		s.setState(StateJoined)
		s.stopLiveness()
	} else {
		s.setState(StateConnecting)
		s.armLiveness()
	}
	s.requestFullState()
	s.applyMeInCallLocally()
	s.applyQueuedSelfUpdates()
	s.sendPendingSelfUpdates()
	if s.params.Settings != nil {
		s.params.Settings.SaveDefaultJoinAs(s.params.Peer, s.joinAs)
	}
	if s.screenActive {
		s.rejoinPresentation()
	}
	s.checkNextJoinAction()
}

func (s *Session) checkNextJoinAction() {
	if !s.joinState.nextActionPending {
		return
	}
	s.joinState.nextActionPending = false
	switch s.state {
	case StateHangingUp, StateFailedHangingUp:
		s.leave()
	case StateJoining, StateConnecting, StateJoined:
		s.rejoin()
	}
}

// startRejoin abandons the current join and negotiates again. Outstanding
// broadcast part fetches are aborted first; the engine re-requests them
// once the new join settles.
func (s *Session) startRejoin(reason string) {
	for task := range s.broadcastTasks {
		task.abortRPC()
	}
	stats.RecordRejoin(reason)
	s.logger.Infow("rejoining call", "reason", reason)
	s.rejoin()
}

func (s *Session) ensureInstance() bool {
	if s.instance != nil {
		return true
	}
	inst, err := s.params.Engines.CreateInstance(s.engineCallbacks())
	if err != nil {
		s.logger.Errorw("media engine creation failed", err)
		s.emitError(Error{Kind: ErrorMediaEngine, Err: err})
		s.joinState.finish(0)
		s.setState(StateFailed)
		return false
	}
	s.instance = inst
	inst.SetMuted(!s.muted.Speaking())
	s.tracker.SetInstance(inst)
	return true
}

func (s *Session) engineCallbacks() engine.Callbacks {
	return engine.Callbacks{
		NetworkStateUpdated: func(ns engine.NetworkState) {
			s.post(func() { s.setInstanceConnected(ns) })
		},
		AudioLevelsUpdated: func(levels []engine.AudioLevel) {
			s.post(func() { s.audioLevelsUpdated(levels) })
		},
		RequestBroadcastPart:            s.requestBroadcastPart,
		RequestMediaChannelDescriptions: s.requestMediaChannelDescriptions,
		RequestCurrentTime: func(done func(int64)) {
			s.post(func() { done(s.estimatedServerTimeMS()) })
		},
	}
}

func (s *Session) setInstanceConnected(ns engine.NetworkState) {
	s.instanceConnected = ns.Connected
	s.instanceTransitioning = ns.TransitioningFromBroadcast
	switch {
	case ns.Connected && s.state == StateConnecting:
		s.setState(StateJoined)
		s.stopLiveness()
		s.sendPendingSelfUpdates()
	case !ns.Connected && s.state == StateJoined && !ns.TransitioningFromBroadcast:
		s.setState(StateConnecting)
		s.armLiveness()
	}
}

func (s *Session) setState(to State) {
	cur := s.state
	if cur == to {
		return
	}
	switch cur {
	case StateFailed:
		return
	case StateEnded:
		if to != StateFailed {
			return
		}
	case StateHangingUp, StateFailedHangingUp:
		if to != StateEnded && to != StateFailed {
			return
		}
	}
	s.state = to
	s.stateAtomic.Store(int32(to))
	s.logger.Infow("session state changed", "from", cur, "to", to)
	if s.onStateChanged != nil {
		s.onStateChanged(to)
	}
	if to.Terminal() {
		s.finishTerminal()
	}
}

// liveness

func (s *Session) armLiveness() {
	s.stopLiveness()
	s.livenessTimer = time.AfterFunc(s.config.LivenessCheckInterval, func() {
		s.post(s.checkJoined)
	})
}

func (s *Session) stopLiveness() {
	if s.livenessTimer != nil {
		s.livenessTimer.Stop()
		s.livenessTimer = nil
	}
}

// checkJoined verifies the server still acknowledges our ssrcs while the
// engine keeps reporting disconnected.
func (s *Session) checkJoined() {
	if s.state != StateConnecting || s.joinState.ssrc == 0 {
		return
	}
	sent := []types.SSRC{s.joinState.ssrc}
	if s.screenJoinState.ssrc != 0 {
		sent = append(sent, s.screenJoinState.ssrc)
	}
	go func() {
		alive, err := s.params.Transport.CheckCall(s.ctx, s.identity, sent)
		s.post(func() { s.checkJoinedDone(sent, alive, err) })
	}()
}

func (s *Session) checkJoinedDone(sent, alive []types.SSRC, err error) {
	if s.state != StateConnecting {
		return
	}
	if err != nil {
		if rpc.IsMembershipLost(err) {
			s.startRejoin("liveness_membership_lost")
			return
		}
		s.logger.Warnw("liveness check failed", err)
		s.armLiveness()
		return
	}
	if !funk.Contains(alive, s.joinState.ssrc) {
		s.startRejoin("liveness_ssrc_dropped")
		return
	}
	if s.screenJoinState.ssrc != 0 &&
		funk.Contains(sent, s.screenJoinState.ssrc) &&
		!funk.Contains(alive, s.screenJoinState.ssrc) {
		s.rejoinPresentation()
	}
	s.armLiveness()
}

// push updates

func (s *Session) updatePump() {
	for update := range s.params.Transport.Updates() {
		u := update
		s.post(func() { s.handleUpdate(u) })
	}
}

func (s *Session) handleUpdate(update rpc.Update) {
	switch u := update.(type) {
	case rpc.CallStateUpdate:
		if u.Call != s.identity {
			return
		}
		s.registry.ApplyCallState(u.Version, u.FullCount, u.JoinMuted, u.CanChangeJoinMuted)
	case rpc.ParticipantsUpdate:
		if u.Call != s.identity {
			return
		}
		s.registry.ApplyDiff(u.Version, u.Participants, participants.SourceIncremental)
		stats.RecordDiff(participants.SourceIncremental.String())
		for _, p := range u.Participants {
			if p.PeerID != s.joinAs {
				continue
			}
			if s.state == StateJoined || s.state == StateConnecting {
				s.applySelfUpdate(p)
			} else {
				s.queuedSelfUpdates = append(s.queuedSelfUpdates, p)
			}
		}
	case rpc.CallDiscardedUpdate:
		if u.Call != s.identity {
			return
		}
		s.logger.Infow("call discarded by server", "duration", u.Duration)
		s.setState(StateEnded)
	}
}

func (s *Session) applyQueuedSelfUpdates() {
	queued := s.queuedSelfUpdates
	s.queuedSelfUpdates = nil
	for _, p := range queued {
		if s.state != StateJoined && s.state != StateConnecting {
			return
		}
		s.applySelfUpdate(p)
	}
}

// applySelfUpdate reacts to the server's view of our own row: removal of
// our ssrc forces a rejoin, a foreign ssrc means this account joined from
// another device, and mute flags are reconciled into the local state.
func (s *Session) applySelfUpdate(p *types.Participant) {
	if p.Left {
		if p.SSRC == s.joinState.ssrc {
			s.startRejoin("removed_by_server")
		}
		return
	}
	if p.SSRC != s.joinState.ssrc {
		if p.SSRC != s.screenJoinState.ssrc {
			s.logger.Infow("joined from another device, hanging up", "ssrc", p.SSRC)
			s.startHangup(StateHangingUp)
		}
		return
	}
	switch {
	case p.Muted && !p.CanSelfUnmute:
		target := types.MuteStateForceMuted
		if p.RaisedHandRating > 0 {
			target = types.MuteStateRaisedHand
		}
		s.setMutedState(target)
	case s.muted.MutedByAdmin() && s.params.RTMP:
		// on a stream call the relay only resumes media on a fresh join
		s.startRejoin("unforcemute_stream")
	case s.muted.MutedByAdmin():
		// the admin lifted the force mute
		s.setMutedState(types.MuteStateMuted)
		if s.onAllowedToSpeak != nil {
			s.onAllowedToSpeak()
		}
	case p.Muted && s.muted != types.MuteStateMuted:
		s.setMutedState(types.MuteStateMuted)
	}
}

// participant events

func (s *Session) handleParticipantEvent(was, now *types.Participant) {
	if now == nil {
		if was != nil {
			s.deactivateParticipantVideo(was)
			if s.instance != nil && was.SSRC != 0 {
				s.instance.RemoveSSRCs(participantSSRCs(was))
			}
		}
	} else {
		s.syncParticipantVideo(was, now)
		s.updateInstanceVolume(was, now)
	}
	stats.SetParticipants(s.mirror.FullCount())
	if s.onParticipantUpdated != nil {
		s.onParticipantUpdated(was, now)
	}
}

func participantSSRCs(p *types.Participant) []types.SSRC {
	ssrcs := []types.SSRC{p.SSRC}
	for _, params := range []*types.VideoParams{p.CameraParams, p.ScreenParams} {
		if params == nil {
			continue
		}
		for _, group := range params.SSRCGroups {
			ssrcs = append(ssrcs, group.SSRCs...)
		}
	}
	return ssrcs
}

func (s *Session) syncParticipantVideo(was, now *types.Participant) {
	if now.PeerID == s.joinAs {
		var camera, screen string
		if now.CameraParams != nil {
			camera = now.CameraParams.Endpoint
		}
		if now.ScreenParams != nil {
			screen = now.ScreenParams.Endpoint
		}
		s.tracker.SetOwnEndpoints(camera, screen)
		return
	}
	for _, kind := range []types.StreamKind{types.StreamKindCamera, types.StreamKindScreen} {
		var wasEndpoint, nowEndpoint string
		if was != nil {
			if params := was.ParamsFor(kind); params != nil {
				wasEndpoint = params.Endpoint
			}
		}
		if params := now.ParamsFor(kind); params != nil {
			nowEndpoint = params.Endpoint
		}
		if wasEndpoint == nowEndpoint {
			continue
		}
		if wasEndpoint != "" {
			s.tracker.MarkActive(types.VideoEndpoint{PeerID: now.PeerID, Kind: kind, ID: wasEndpoint}, false)
		}
		if nowEndpoint != "" {
			s.tracker.MarkActive(types.VideoEndpoint{PeerID: now.PeerID, Kind: kind, ID: nowEndpoint}, true)
		}
	}
}

func (s *Session) deactivateParticipantVideo(p *types.Participant) {
	for _, kind := range []types.StreamKind{types.StreamKindCamera, types.StreamKindScreen} {
		if params := p.ParamsFor(kind); params != nil && params.Endpoint != "" {
			s.tracker.MarkActive(types.VideoEndpoint{PeerID: p.PeerID, Kind: kind, ID: params.Endpoint}, false)
		}
	}
}

func (s *Session) updateInstanceVolume(was, now *types.Participant) {
	if s.instance == nil || now.SSRC == 0 || now.PeerID == s.joinAs {
		return
	}
	if was != nil && was.Volume == now.Volume && was.MutedByMe == now.MutedByMe && was.SSRC == now.SSRC {
		return
	}
	level := float64(now.Volume) / float64(types.DefaultVolume)
	if now.MutedByMe {
		level = 0
	}
	s.instance.SetVolume(now.SSRC, level)
}

// audio levels

// speakingLevelThreshold is the minimum voiced level that counts as
// speaking for last-active bookkeeping.
const speakingLevelThreshold = 0.2

func (s *Session) audioLevelsUpdated(levels []engine.AudioLevel) {
	now := time.Now().Unix()
	updates := make([]LevelUpdate, 0, len(levels))
	for _, l := range levels {
		if l.SSRC == 0 || l.SSRC == s.joinState.ssrc {
			if !s.muted.Speaking() {
				continue
			}
			updates = append(updates, LevelUpdate{
				SSRC:  s.joinState.ssrc,
				Level: l.Level,
				Voice: l.Voice,
				Me:    true,
			})
			continue
		}
		if _, ok := s.mirror.BySSRC(l.SSRC); !ok {
			s.unknown.Request(l.SSRC)
		}
		if l.Voice && l.Level >= speakingLevelThreshold {
			s.registry.ApplyLastSpoke(l.SSRC, now)
		}
		updates = append(updates, LevelUpdate{SSRC: l.SSRC, Level: l.Level, Voice: l.Voice})
	}
	s.unknown.Flush()
	if len(updates) > 0 && s.onLevels != nil {
		s.onLevels(updates)
	}
}

// full state and paging

func (s *Session) fetchUnknown(ssrcs []types.SSRC, done func([]*types.Participant, error)) {
	call := s.identity
	go func() {
		resp, err := s.params.Transport.GetParticipants(s.ctx, &rpc.GetParticipantsRequest{
			Call:  call,
			SSRCs: ssrcs,
			Limit: len(ssrcs),
		})
		s.post(func() {
			if err != nil {
				done(nil, err)
				return
			}
			done(resp.Participants, nil)
		})
	}()
}

func (s *Session) handleUnknownResolved(ssrcs []types.SSRC) {
	for task := range s.mediaDescTasks {
		s.fillMediaDescriptions(task, ssrcs)
		if task.finished() {
			delete(s.mediaDescTasks, task)
		}
	}
}

func (s *Session) requestFullState() {
	s.stopReloadRetry()
	if s.reloadInflight || s.identity.IsZero() {
		return
	}
	s.reloadInflight = true
	call := s.identity
	limit := s.config.ParticipantsPageSize
	go func() {
		snap, err := s.params.Transport.GetCall(s.ctx, call, limit)
		s.post(func() { s.fullStateDone(snap, err) })
	}()
}

func (s *Session) fullStateDone(snap *rpc.CallSnapshot, err error) {
	s.reloadInflight = false
	if err != nil {
		if rpc.Classify(err) == rpc.ErrorKindResourceGone {
			s.logger.Infow("call gone during reload")
			s.setState(StateEnded)
			return
		}
		s.logger.Warnw("full state reload failed", err)
		if s.registry.ReloadFailed() {
			s.armReloadRetry()
		}
		return
	}
	s.registry.ApplySnapshot(
		snap.Info.Version,
		snap.Info.FullCount,
		snap.Info.JoinMuted,
		snap.CanChangeJoinMuted,
		snap.Participants,
	)
	s.nextPageOffset = snap.NextOffset
	stats.RecordFullReload()
}

// armReloadRetry paces the next full fetch while queued diffs keep
// outrunning the reloaded version, instead of hammering the server.
func (s *Session) armReloadRetry() {
	if s.reloadRetryTimer != nil {
		return
	}
	s.reloadRetryTimer = time.AfterFunc(s.config.GapReloadDelay, func() {
		s.post(func() {
			s.reloadRetryTimer = nil
			s.requestFullState()
		})
	})
}

func (s *Session) stopReloadRetry() {
	if s.reloadRetryTimer != nil {
		s.reloadRetryTimer.Stop()
		s.reloadRetryTimer = nil
	}
}

// LoadMore pages further into a partially loaded participant list.
func (s *Session) LoadMore() {
	s.post(func() {
		if s.loadingMore || s.mirror.AllLoaded() || s.identity.IsZero() {
			return
		}
		s.loadingMore = true
		req := &rpc.GetParticipantsRequest{
			Call:   s.identity,
			Offset: s.nextPageOffset,
			Limit:  s.config.ParticipantsPageSize,
		}
		go func() {
			resp, err := s.params.Transport.GetParticipants(s.ctx, req)
			s.post(func() { s.loadMoreDone(resp, err) })
		}()
	})
}

func (s *Session) loadMoreDone(resp *rpc.ParticipantsSlice, err error) {
	s.loadingMore = false
	if err != nil {
		s.logger.Warnw("participants page load failed", err)
		return
	}
	s.registry.ApplySlice(resp.FullCount, resp.Participants)
	s.nextPageOffset = resp.NextOffset
}

// video controls

// MarkVideoActive toggles whether a participant's feed should be decoded.
func (s *Session) MarkVideoActive(endpoint types.VideoEndpoint, active bool) {
	s.post(func() { s.tracker.MarkActive(endpoint, active) })
}

// RequestVideoQuality updates the wanted quality for one active feed.
func (s *Session) RequestVideoQuality(endpoint types.VideoEndpoint, quality types.VideoQuality) {
	s.post(func() { s.tracker.RequestQuality(endpoint, quality) })
}

// PinVideoEndpoint pins one feed; a zero endpoint clears the pin.
func (s *Session) PinVideoEndpoint(endpoint types.VideoEndpoint) {
	s.post(func() { s.tracker.Pin(endpoint) })
}

// server clock

func (s *Session) updateServerTime(ms int64) {
	if ms <= 0 {
		return
	}
	s.serverTimeMS = ms
	s.serverTimeReceivedAt = time.Now()
}

func (s *Session) estimatedServerTimeMS() int64 {
	if s.serverTimeMS == 0 {
		return time.Now().UnixMilli()
	}
	return s.serverTimeMS + time.Since(s.serverTimeReceivedAt).Milliseconds()
}

// teardown

// Hangup leaves the call, informing the server.
func (s *Session) Hangup() {
	s.post(func() { s.startHangup(StateHangingUp) })
}

// Discard terminates the call server-side for everyone. Discarding while
// creation is still in flight aborts the creation instead.
func (s *Session) Discard() {
	s.post(s.discard)
}

func (s *Session) discard() {
	if s.identity.IsZero() {
		if s.createCancel != nil {
			s.createCancel()
			s.createCancel = nil
		}
		s.setState(StateEnded)
		return
	}
	call := s.identity
	go func() {
		// the ops queue context dies with the session, teardown RPCs get
		// their own deadline
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.params.Transport.DiscardCall(ctx, call)
		s.post(func() {
			if err != nil {
				s.logger.Warnw("discard failed", err)
			}
			// usually the server's discarded update lands first; this is
			// the fallback
			s.startHangup(StateHangingUp)
		})
	}()
}

func (s *Session) startHangup(to State) {
	if s.state.Terminal() || s.state == StateHangingUp || s.state == StateFailedHangingUp {
		return
	}
	if s.createCancel != nil {
		s.createCancel()
		s.createCancel = nil
	}
	s.setState(to)
	if s.joinState.action != joinActionNone {
		s.joinState.nextActionPending = true
		return
	}
	s.leave()
}

func (s *Session) leave() {
	s.joinState.action = joinActionLeaving
	ssrc := s.joinState.ssrc
	if ssrc == 0 {
		s.leaveFinished(nil)
		return
	}
	call := s.identity
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.params.Transport.LeaveCall(ctx, call, ssrc)
		s.post(func() { s.leaveFinished(err) })
	}()
}

func (s *Session) leaveFinished(err error) {
	if err != nil {
		s.logger.Warnw("leave failed", err)
	}
	s.joinState.finish(0)
	s.ssrcAtomic.Store(0)
	if s.state == StateFailedHangingUp {
		s.setState(StateFailed)
	} else {
		s.setState(StateEnded)
	}
}

// finishTerminal releases everything owned by the session goroutine. The
// engine instances are stopped off-queue by the deleter.
func (s *Session) finishTerminal() {
	s.stopLiveness()
	s.stopReloadRetry()
	for task := range s.broadcastTasks {
		task.abortRPC()
		delete(s.broadcastTasks, task)
	}
	for task := range s.mediaDescTasks {
		task.close()
		delete(s.mediaDescTasks, task)
	}
	if s.screenInstance != nil {
		s.deleter.Delete(s.screenInstance)
		s.screenInstance = nil
	}
	if s.instance != nil {
		s.tracker.SetInstance(nil)
		s.deleter.Delete(s.instance)
		s.instance = nil
	}
	s.setPresentation(PresentationInactive)
	s.cancel()
}

// Close releases the session without a server-side leave; use Hangup for
// an orderly exit. Blocks until queued work drains.
func (s *Session) Close() {
	s.closed.Once(func() {
		s.post(func() {
			if !s.state.Terminal() {
				s.setState(StateEnded)
			}
		})
		s.ops.Stop()
		s.ops.Wait()
		s.cancel()
		s.deleter.Close()
	})
}

func (s *Session) emitError(err Error) {
	s.logger.Warnw("session error", err.Err, "kind", err.Kind, "feature", err.Feature)
	if s.onError != nil {
		s.onError(err)
	}
}

func classifyKind(err error) ErrorKind {
	switch rpc.Classify(err) {
	case rpc.ErrorKindPermissionDenied:
		return ErrorPermissionDenied
	case rpc.ErrorKindResourceGone:
		return ErrorResourceGone
	}
	return ErrorTransientNetwork
}

func (s *Session) setPresentation(state PresentationState) {
	if PresentationState(s.presStateAtomic.Swap(int32(state))) == state {
		return
	}
	if s.onPresentationChanged != nil {
		s.onPresentationChanged(state)
	}
}
