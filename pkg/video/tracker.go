package video

import (
	"time"

	"github.com/bep/debounce"
	"github.com/livekit/protocol/logger"

	"github.com/openmessenger/groupcall/pkg/engine"
	"github.com/openmessenger/groupcall/pkg/participants"
	"github.com/openmessenger/groupcall/pkg/types"
)

const (
	DefaultDebounceDelay = 10 * time.Millisecond

	// One full quality stream costs as much as four mediums; the total
	// budget is four fulls or sixteen mediums.
	fullAsMediums      = 4
	maxMediumQualities = 16
)

// SinkFactory creates the decode sink attached to an activated endpoint.
type SinkFactory func(endpoint types.VideoEndpoint) engine.VideoSink

type TrackerParams struct {
	Logger        logger.Logger
	Mirror        *participants.Mirror
	SinkFactory   SinkFactory
	DebounceDelay time.Duration
	// Schedule marshals the debounced recomputation back onto the
	// session executor.
	Schedule func(func())
}

type trackState struct {
	sink    engine.VideoSink
	quality types.VideoQuality
}

// Tracker owns which (participant, stream kind) pairs currently have an
// active video feed, the per-endpoint requested quality, and the single
// pinned endpoint. It reads the mirror and never mutates it. All methods
// run on the session executor.
type Tracker struct {
	params TrackerParams

	instance engine.Instance

	active map[types.VideoEndpoint]*trackState
	pinned types.VideoEndpoint

	ownCamera string
	ownScreen string

	recomputeDebounce func(func())

	onEndpointActive func(endpoint types.VideoEndpoint, active bool)
	onPinChanged     func(endpoint types.VideoEndpoint)
}

func NewTracker(params TrackerParams) *Tracker {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.DebounceDelay == 0 {
		params.DebounceDelay = DefaultDebounceDelay
	}
	if params.Schedule == nil {
		params.Schedule = func(f func()) { f() }
	}
	return &Tracker{
		params:            params,
		active:            make(map[types.VideoEndpoint]*trackState),
		recomputeDebounce: debounce.New(params.DebounceDelay),
	}
}

// SetInstance rebinds the tracker to a (re)created engine instance and
// replays sink attachments for every active endpoint.
func (t *Tracker) SetInstance(instance engine.Instance) {
	t.instance = instance
	if instance == nil {
		return
	}
	for endpoint, state := range t.active {
		if state.sink != nil {
			instance.AddIncomingVideoOutput(endpoint.ID, state.sink)
		}
	}
	t.Recompute()
}

// SetOwnEndpoints records the local camera/screen endpoint ids; self
// video is never requested from the network.
func (t *Tracker) SetOwnEndpoints(camera, screen string) {
	if t.ownCamera == camera && t.ownScreen == screen {
		return
	}
	t.ownCamera = camera
	t.ownScreen = screen
	t.scheduleRecompute()
}

func (t *Tracker) OnEndpointActive(f func(endpoint types.VideoEndpoint, active bool)) {
	t.onEndpointActive = f
}

func (t *Tracker) OnPinChanged(f func(endpoint types.VideoEndpoint)) {
	t.onPinChanged = f
}

func (t *Tracker) IsActive(endpoint types.VideoEndpoint) bool {
	_, ok := t.active[endpoint]
	return ok
}

func (t *Tracker) ActiveCount() int {
	return len(t.active)
}

func (t *Tracker) Pinned() types.VideoEndpoint {
	return t.pinned
}

// MarkActive toggles an endpoint's feed. Activation creates the decode
// sink and attaches it to the engine; deactivation detaches it and clears
// the pin if it pointed here.
func (t *Tracker) MarkActive(endpoint types.VideoEndpoint, active bool) {
	if endpoint.IsZero() {
		return
	}
	state, present := t.active[endpoint]
	if active == present {
		return
	}
	if active {
		state = &trackState{quality: types.VideoQualityThumbnail}
		if t.params.SinkFactory != nil {
			state.sink = t.params.SinkFactory(endpoint)
		}
		t.active[endpoint] = state
		if t.instance != nil && state.sink != nil {
			t.instance.AddIncomingVideoOutput(endpoint.ID, state.sink)
		}
	} else {
		delete(t.active, endpoint)
		if t.pinned == endpoint {
			t.pinned = types.VideoEndpoint{}
			if t.onPinChanged != nil {
				t.onPinChanged(types.VideoEndpoint{})
			}
		}
	}
	t.scheduleRecompute()
	if t.onEndpointActive != nil {
		t.onEndpointActive(endpoint, active)
	}
}

// RequestQuality updates the requested quality for an active endpoint and
// schedules one coalesced recomputation of the full channel list.
func (t *Tracker) RequestQuality(endpoint types.VideoEndpoint, quality types.VideoQuality) {
	state, ok := t.active[endpoint]
	if !ok || state.quality == quality {
		return
	}
	state.quality = quality
	t.scheduleRecompute()
}

// Pin sets the pinned endpoint; a zero endpoint clears it. The pin is
// auto-cleared when its entry disappears.
func (t *Tracker) Pin(endpoint types.VideoEndpoint) {
	if !endpoint.IsZero() {
		if _, ok := t.active[endpoint]; !ok {
			return
		}
	}
	if t.pinned == endpoint {
		return
	}
	t.pinned = endpoint
	if t.onPinChanged != nil {
		t.onPinChanged(endpoint)
	}
}

func (t *Tracker) scheduleRecompute() {
	t.recomputeDebounce(func() {
		t.params.Schedule(t.Recompute)
	})
}

// Recompute rebuilds the requested video channel list and pushes it to
// the engine. Local endpoints are skipped and each remote endpoint is
// resolved through the mirror; entries whose owner has no ssrc yet are
// left out until a later diff triggers another pass.
func (t *Tracker) Recompute() {
	if t.instance == nil {
		return
	}
	channels := make([]engine.VideoChannelDescription, 0, len(t.active))
	mediums := 0
	fullCameras := 0
	fullScreencasts := 0
	for endpoint, state := range t.active {
		if endpoint.ID == t.ownCamera || endpoint.ID == t.ownScreen {
			continue
		}
		p, ok := t.params.Mirror.ByEndpoint(endpoint.ID)
		if !ok || p.SSRC == 0 {
			continue
		}
		params := p.ParamsFor(endpoint.Kind)
		if params == nil {
			continue
		}
		min := types.VideoQualityThumbnail
		if state.quality == types.VideoQualityFull && endpoint.Kind == types.StreamKindScreen {
			min = types.VideoQualityFull
		}
		max := types.VideoQualityThumbnail
		switch {
		case state.quality == types.VideoQualityFull:
			max = types.VideoQualityFull
		case state.quality == types.VideoQualityMedium && endpoint.Kind != types.StreamKindScreen:
			max = types.VideoQualityMedium
		}
		switch max {
		case types.VideoQualityFull:
			if endpoint.Kind == types.StreamKindScreen {
				fullScreencasts++
			} else {
				fullCameras++
			}
		case types.VideoQualityMedium:
			mediums++
		}
		channels = append(channels, engine.VideoChannelDescription{
			AudioSSRC:  p.SSRC,
			PeerID:     p.PeerID,
			EndpointID: endpoint.ID,
			SSRCGroups: params.SSRCGroups,
			MinQuality: min,
			MaxQuality: max,
		})
	}

	t.applyQualityBudget(channels, mediums, fullCameras, fullScreencasts)
	t.instance.SetRequestedVideoChannels(channels)
}

// applyQualityBudget downgrades qualities when the requested set exceeds
// the medium-equivalent budget: full cameras drop to medium first, full
// screencasts drop only if they alone blow the budget, and mediums fall
// back to thumbnails last.
func (t *Tracker) applyQualityBudget(channels []engine.VideoChannelDescription, mediums, fullCameras, fullScreencasts int) {
	mediumEquivalents := mediums + (fullCameras+fullScreencasts)*fullAsMediums
	downgradeSome := mediumEquivalents > maxMediumQualities
	downgradeAll := fullScreencasts*fullAsMediums > maxMediumQualities
	if downgradeSome {
		for i := range channels {
			ch := &channels[i]
			if ch.MaxQuality != types.VideoQualityFull {
				continue
			}
			if ch.MinQuality != types.VideoQualityFull {
				ch.MaxQuality = types.VideoQualityMedium
			} else if downgradeAll {
				ch.MaxQuality = types.VideoQualityThumbnail
				ch.MinQuality = types.VideoQualityThumbnail
			}
		}
		mediums += fullCameras
	}
	if mediums > maxMediumQualities {
		for i := range channels {
			if channels[i].MaxQuality == types.VideoQualityMedium {
				channels[i].MaxQuality = types.VideoQualityThumbnail
			}
		}
	}
}
