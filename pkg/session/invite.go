package session

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openmessenger/groupcall/pkg/rpc"
	"github.com/openmessenger/groupcall/pkg/types"
)

const DefaultInviteChunkSize = 10

// InviteUsers invites peers in fixed-size chunks issued concurrently. A
// failed chunk only loses its own members. done, if set, fires on the
// session goroutine with the aggregate.
func (s *Session) InviteUsers(users []types.PeerID, done func(InviteResult)) {
	s.post(func() {
		users = dedupePeers(users)
		if len(users) == 0 || s.identity.IsZero() {
			if done != nil {
				done(InviteResult{})
			}
			return
		}
		call := s.identity
		chunkSize := s.config.InviteChunkSize
		go func() {
			var (
				mu     sync.Mutex
				result InviteResult
			)
			group, ctx := errgroup.WithContext(s.ctx)
			for start := 0; start < len(users); start += chunkSize {
				end := start + chunkSize
				if end > len(users) {
					end = len(users)
				}
				chunk := users[start:end]
				group.Go(func() error {
					err := s.params.Transport.InviteUsers(ctx, call, chunk)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						result.Invited += len(chunk)
						return nil
					}
					switch rpc.Reason(err) {
					case rpc.ReasonAlreadyParticipant:
						result.AlreadyIn += len(chunk)
					case rpc.ReasonPrivacyRestricted:
						result.PrivacyRestricted += len(chunk)
					case rpc.ReasonUserBanned:
						result.Kicked += len(chunk)
					default:
						result.Failed += len(chunk)
						s.logger.Warnw("invite chunk failed", err, "count", len(chunk))
					}
					return nil
				})
			}
			_ = group.Wait()
			if len(users) == 1 && result.Invited == 1 {
				result.User = users[0]
			}
			if done != nil {
				s.post(func() { done(result) })
			}
		}()
	})
}

func dedupePeers(users []types.PeerID) []types.PeerID {
	seen := make(map[types.PeerID]struct{}, len(users))
	out := make([]types.PeerID, 0, len(users))
	for _, user := range users {
		if user == "" {
			continue
		}
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		out = append(out, user)
	}
	return out
}
