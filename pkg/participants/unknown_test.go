package participants

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmessenger/groupcall/pkg/types"
)

type fetchCall struct {
	ssrcs []types.SSRC
	done  func([]*types.Participant, error)
}

func newTestResolver(t *testing.T, batchSize int) (*UnknownResolver, *[]fetchCall) {
	t.Helper()
	calls := &[]fetchCall{}
	r := newTestRegistry()
	u := NewUnknownResolver(r, UnknownResolverParams{
		BatchSize: batchSize,
		Fetch: func(ssrcs []types.SSRC, done func([]*types.Participant, error)) {
			*calls = append(*calls, fetchCall{ssrcs: ssrcs, done: done})
		},
	})
	return u, calls
}

func TestUnknownResolver(t *testing.T) {
	t.Run("dedupes and batches until flush", func(t *testing.T) {
		u, calls := newTestResolver(t, 30)
		u.Request(100)
		u.Request(100)
		u.Request(200)
		assert.Empty(t, *calls, "no request before flush")
		assert.Equal(t, 2, u.PendingCount())

		u.Flush()
		require.Len(t, *calls, 1)
		assert.Len(t, (*calls)[0].ssrcs, 2)
	})

	t.Run("full batch flushes by itself", func(t *testing.T) {
		u, calls := newTestResolver(t, 3)
		u.Request(1)
		u.Request(2)
		assert.Empty(t, *calls)
		u.Request(3)
		require.Len(t, *calls, 1)
		assert.Len(t, (*calls)[0].ssrcs, 3)
	})

	t.Run("single lookup in flight", func(t *testing.T) {
		u, calls := newTestResolver(t, 30)
		u.RequestAll([]types.SSRC{100})
		require.Len(t, *calls, 1)

		u.RequestAll([]types.SSRC{200})
		assert.Len(t, *calls, 1, "second lookup waits for the first")

		(*calls)[0].done([]*types.Participant{row("alice", 100)}, nil)
		require.Len(t, *calls, 2, "queued ssrcs follow up after completion")
		assert.Equal(t, []types.SSRC{200}, (*calls)[1].ssrcs)
	})

	t.Run("in-flight ssrcs are not requested again", func(t *testing.T) {
		u, calls := newTestResolver(t, 30)
		u.RequestAll([]types.SSRC{100})
		require.Len(t, *calls, 1)

		// re-reported while its lookup is still running
		u.Request(100)
		u.RequestAll([]types.SSRC{100})
		assert.Zero(t, u.PendingCount())

		(*calls)[0].done([]*types.Participant{row("alice", 100)}, nil)
		assert.Len(t, *calls, 1, "nothing queued behind the lookup")
	})

	t.Run("resolution lands in the registry", func(t *testing.T) {
		u, calls := newTestResolver(t, 30)
		var resolved [][]types.SSRC
		u.OnResolved(func(ssrcs []types.SSRC) {
			resolved = append(resolved, ssrcs)
		})
		u.RequestAll([]types.SSRC{100})
		require.Len(t, *calls, 1)
		(*calls)[0].done([]*types.Participant{row("alice", 100)}, nil)

		p, ok := u.registry.Mirror().BySSRC(100)
		require.True(t, ok)
		assert.EqualValues(t, "alice", p.PeerID)
		require.Len(t, resolved, 1)
		assert.Equal(t, []types.SSRC{100}, resolved[0])
	})

	t.Run("failed lookup drops the batch", func(t *testing.T) {
		u, calls := newTestResolver(t, 30)
		u.RequestAll([]types.SSRC{100})
		require.Len(t, *calls, 1)
		(*calls)[0].done(nil, errors.New("network down"))

		assert.Zero(t, u.PendingCount())
		assert.Len(t, *calls, 1, "failure must not retry on its own")

		// the source can be re-requested by later media traffic
		u.RequestAll([]types.SSRC{100})
		assert.Len(t, *calls, 2)
	})

	t.Run("known ssrcs are not requested", func(t *testing.T) {
		u, calls := newTestResolver(t, 30)
		u.registry.ApplySnapshot(1, 1, false, false, []*types.Participant{row("alice", 100)})
		u.Request(100)
		u.Flush()
		assert.Empty(t, *calls)
	})
}
