package participants

import (
	"github.com/livekit/protocol/logger"

	"github.com/openmessenger/groupcall/pkg/types"
)

const DefaultUnknownBatchSize = 30

// FetchFunc looks a batch of ssrcs up server-side. Implementations run
// the RPC on their own goroutine and must deliver done on the session
// executor.
type FetchFunc func(ssrcs []types.SSRC, done func(list []*types.Participant, err error))

type UnknownResolverParams struct {
	Logger    logger.Logger
	BatchSize int
	Fetch     FetchFunc
}

// UnknownResolver batches ssrcs observed in media traffic before the
// participant owning them is known. Requests are deduplicated and at most
// one lookup is in flight; resolved rows are applied to the registry with
// SourceUnknownResolved. All methods must run on the session executor.
type UnknownResolver struct {
	params   UnknownResolverParams
	registry *Registry

	pending    map[types.SSRC]struct{}
	inflight   map[types.SSRC]struct{}
	requesting bool

	onResolved func(ssrcs []types.SSRC)
}

func NewUnknownResolver(registry *Registry, params UnknownResolverParams) *UnknownResolver {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.BatchSize <= 0 {
		params.BatchSize = DefaultUnknownBatchSize
	}
	return &UnknownResolver{
		params:   params,
		registry: registry,
		pending:  make(map[types.SSRC]struct{}),
		inflight: make(map[types.SSRC]struct{}),
	}
}

// OnResolved registers a sink notified with the batch of ssrcs a finished
// lookup covered, after the registry was updated.
func (u *UnknownResolver) OnResolved(f func(ssrcs []types.SSRC)) {
	u.onResolved = f
}

// Request enqueues one ssrc. The lookup fires once the batch fills or on
// the next Flush.
func (u *UnknownResolver) Request(ssrc types.SSRC) {
	if ssrc == 0 {
		return
	}
	if _, ok := u.registry.Mirror().BySSRC(ssrc); ok {
		return
	}
	if _, ok := u.inflight[ssrc]; ok {
		return
	}
	u.pending[ssrc] = struct{}{}
	if len(u.pending) >= u.params.BatchSize {
		u.Flush()
	}
}

// RequestAll enqueues a batch and flushes immediately.
func (u *UnknownResolver) RequestAll(ssrcs []types.SSRC) {
	for _, ssrc := range ssrcs {
		if ssrc == 0 {
			continue
		}
		if _, ok := u.registry.Mirror().BySSRC(ssrc); ok {
			continue
		}
		if _, ok := u.inflight[ssrc]; ok {
			continue
		}
		u.pending[ssrc] = struct{}{}
	}
	u.Flush()
}

// Flush issues one batched lookup if none is in flight.
func (u *UnknownResolver) Flush() {
	if u.requesting || len(u.pending) == 0 {
		return
	}
	batch := make([]types.SSRC, 0, u.params.BatchSize)
	for ssrc := range u.pending {
		batch = append(batch, ssrc)
		delete(u.pending, ssrc)
		if len(batch) == u.params.BatchSize {
			break
		}
	}
	u.requesting = true
	for _, ssrc := range batch {
		u.inflight[ssrc] = struct{}{}
	}
	u.params.Logger.Debugw("resolving unknown sources", "count", len(batch))
	u.params.Fetch(batch, func(list []*types.Participant, err error) {
		u.finish(batch, list, err)
	})
}

func (u *UnknownResolver) finish(batch []types.SSRC, list []*types.Participant, err error) {
	u.requesting = false
	for _, ssrc := range batch {
		delete(u.inflight, ssrc)
	}
	if err != nil {
		u.params.Logger.Warnw("unknown source lookup failed", err, "count", len(batch))
		// The batch is dropped; sources still alive will be re-requested
		// by the next media callback.
		u.Flush()
		return
	}
	u.registry.ApplyDiff(0, list, SourceUnknownResolved)
	if u.onResolved != nil {
		u.onResolved(batch)
	}
	u.Flush()
}

// PendingCount reports queued, not yet in-flight ssrcs.
func (u *UnknownResolver) PendingCount() int {
	return len(u.pending)
}
