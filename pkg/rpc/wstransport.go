package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"

	"github.com/openmessenger/groupcall/pkg/types"
)

const updateBuffer = 64

// WSTransport implements Transport over a single websocket carrying
// JSON envelopes: request/response pairs correlated by id, and unsolicited
// push updates tagged by kind. Requests may be issued concurrently; writes
// are serialized, responses are matched to their waiters.
type WSTransport struct {
	logger logger.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
	nextID  uatomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan wsEnvelope

	updates chan Update
	closed  core.Fuse
}

type wsEnvelope struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Update string          `json:"update,omitempty"`
}

const (
	updateKindCallState    = "call_state"
	updateKindParticipants = "participants"
	updateKindDiscarded    = "discarded"
)

func DialWS(url string, l logger.Logger) (*WSTransport, error) {
	if l == nil {
		l = logger.GetLogger()
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial call server")
	}
	t := &WSTransport{
		logger:  l,
		conn:    conn,
		pending: make(map[uint64]chan wsEnvelope),
		updates: make(chan Update, updateBuffer),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) Close() {
	t.closed.Once(func() {
		_ = t.conn.Close()
	})
}

func (t *WSTransport) Updates() <-chan Update {
	return t.updates
}

func (t *WSTransport) request(ctx context.Context, method string, params interface{}, result interface{}) error {
	if t.closed.IsBroken() {
		return errors.New("transport closed")
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	id := t.nextID.Inc()
	ch := make(chan wsEnvelope, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	t.writeMu.Lock()
	err = t.conn.WriteJSON(wsEnvelope{ID: id, Method: method, Params: encoded})
	t.writeMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "write %s", method)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed.Watch():
		return errors.New("transport closed")
	case env, ok := <-ch:
		if !ok {
			return errors.New("transport closed")
		}
		if env.Error != "" {
			return NewError(env.Error)
		}
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return errors.Wrapf(err, "decode %s response", method)
			}
		}
		return nil
	}
}

func (t *WSTransport) readLoop() {
	defer func() {
		t.Close()
		t.pendingMu.Lock()
		pending := t.pending
		t.pending = make(map[uint64]chan wsEnvelope)
		t.pendingMu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
		close(t.updates)
	}()
	for {
		var env wsEnvelope
		if err := t.conn.ReadJSON(&env); err != nil {
			if !t.closed.IsBroken() {
				t.logger.Warnw("transport read failed", err)
			}
			return
		}
		switch {
		case env.ID != 0:
			t.pendingMu.Lock()
			ch, ok := t.pending[env.ID]
			delete(t.pending, env.ID)
			t.pendingMu.Unlock()
			if ok {
				ch <- env
			}
		case env.Update != "":
			t.dispatchUpdate(env)
		}
	}
}

func (t *WSTransport) dispatchUpdate(env wsEnvelope) {
	var update Update
	switch env.Update {
	case updateKindCallState:
		var u CallStateUpdate
		if err := json.Unmarshal(env.Params, &u); err != nil {
			t.logger.Warnw("bad call state update", err)
			return
		}
		update = u
	case updateKindParticipants:
		var u ParticipantsUpdate
		if err := json.Unmarshal(env.Params, &u); err != nil {
			t.logger.Warnw("bad participants update", err)
			return
		}
		update = u
	case updateKindDiscarded:
		var u CallDiscardedUpdate
		if err := json.Unmarshal(env.Params, &u); err != nil {
			t.logger.Warnw("bad discarded update", err)
			return
		}
		update = u
	default:
		t.logger.Debugw("unknown update kind", "kind", env.Update)
		return
	}
	select {
	case t.updates <- update:
	default:
		t.logger.Warnw("update channel full, dropping", nil, "kind", env.Update)
	}
}

func (t *WSTransport) CreateCall(ctx context.Context, req *CreateCallRequest) (*CallInfo, error) {
	var info CallInfo
	if err := t.request(ctx, "createCall", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (t *WSTransport) JoinCall(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	var resp JoinResponse
	if err := t.request(ctx, "joinCall", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *WSTransport) JoinPresentation(ctx context.Context, req *JoinPresentationRequest) (*JoinResponse, error) {
	var resp JoinResponse
	if err := t.request(ctx, "joinPresentation", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type leaveParams struct {
	Call types.CallIdentity
	SSRC types.SSRC `json:",omitempty"`
}

func (t *WSTransport) LeaveCall(ctx context.Context, call types.CallIdentity, ssrc types.SSRC) error {
	return t.request(ctx, "leaveCall", leaveParams{Call: call, SSRC: ssrc}, nil)
}

func (t *WSTransport) LeavePresentation(ctx context.Context, call types.CallIdentity) error {
	return t.request(ctx, "leavePresentation", leaveParams{Call: call}, nil)
}

func (t *WSTransport) DiscardCall(ctx context.Context, call types.CallIdentity) error {
	return t.request(ctx, "discardCall", leaveParams{Call: call}, nil)
}

type checkParams struct {
	Call  types.CallIdentity
	SSRCs []types.SSRC
}

func (t *WSTransport) CheckCall(ctx context.Context, call types.CallIdentity, ssrcs []types.SSRC) ([]types.SSRC, error) {
	var alive []types.SSRC
	if err := t.request(ctx, "checkCall", checkParams{Call: call, SSRCs: ssrcs}, &alive); err != nil {
		return nil, err
	}
	return alive, nil
}

type getCallParams struct {
	Call  types.CallIdentity
	Limit int
}

func (t *WSTransport) GetCall(ctx context.Context, call types.CallIdentity, limit int) (*CallSnapshot, error) {
	var snap CallSnapshot
	if err := t.request(ctx, "getCall", getCallParams{Call: call, Limit: limit}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (t *WSTransport) GetParticipants(ctx context.Context, req *GetParticipantsRequest) (*ParticipantsSlice, error) {
	var slice ParticipantsSlice
	if err := t.request(ctx, "getParticipants", req, &slice); err != nil {
		return nil, err
	}
	return &slice, nil
}

func (t *WSTransport) EditParticipant(ctx context.Context, req *EditRequest) error {
	return t.request(ctx, "editParticipant", req, nil)
}

type inviteParams struct {
	Call  types.CallIdentity
	Users []types.PeerID
}

func (t *WSTransport) InviteUsers(ctx context.Context, call types.CallIdentity, users []types.PeerID) error {
	return t.request(ctx, "inviteUsers", inviteParams{Call: call, Users: users}, nil)
}

func (t *WSTransport) GetBroadcastPart(ctx context.Context, req *BroadcastPartRequest) (*BroadcastPartResponse, error) {
	var resp BroadcastPartResponse
	if err := t.request(ctx, "getBroadcastPart", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
