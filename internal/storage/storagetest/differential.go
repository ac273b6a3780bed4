package storagetest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

type outcome struct {
	Value any
	Err   string
}

func result(v any, err error) outcome {
	if err != nil {
		return outcome{Err: err.Error()}
	}
	return outcome{Value: v}
}

type step struct {
	name string
	run  func(ctx context.Context, s storage.Provider) outcome
}

// Differential drives a and b with the same pseudo-random operation
// sequence and fails on the first step whose results differ. Both stores
// must read time from clock.
func Differential(t *testing.T, a, b storage.Provider, clock clockwork.FakeClock, seed uint64, steps int) {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	for i := range steps {
		st := randomStep(rng)
		ra := st.run(ctx, a)
		rb := st.run(ctx, b)
		require.Equal(t, ra, rb, "step %d: %s", i, st.name)
		if rng.IntN(10) == 0 {
			clock.Advance(time.Duration(rng.IntN(30)) * time.Second)
		}
	}
}

func randomStep(rng *rand.Rand) step {
	g := byte(1 + rng.IntN(3))
	id := GroupID(g)
	n := byte(1 + rng.IntN(12))
	epoch := uint64(rng.IntN(4))

	switch rng.IntN(20) {
	case 0:
		grp := NewGroup(g)
		grp.Epoch = epoch
		grp.Name = fmt.Sprintf("group %d", rng.IntN(3))
		if rng.IntN(4) == 0 {
			grp.AdminPubkeys = append(grp.AdminPubkeys, PublicKey(byte(rng.IntN(3))))
		}
		return step{"SaveGroup", func(ctx context.Context, s storage.Provider) outcome {
			return result(nil, s.SaveGroup(ctx, grp))
		}}
	case 1:
		relays := []string{fmt.Sprintf("wss://r%d", rng.IntN(3)), fmt.Sprintf("wss://r%d", rng.IntN(3))}
		return step{"ReplaceGroupRelays", func(ctx context.Context, s storage.Provider) outcome {
			if err := s.ReplaceGroupRelays(ctx, id, relays); err != nil {
				return result(nil, err)
			}
			return result(s.GroupRelays(ctx, id))
		}}
	case 2:
		m := NewMessage(id, n, nostr.Timestamp(100+rng.IntN(5)), epoch)
		m.ProcessedAt = nostr.Timestamp(100 + rng.IntN(5))
		m.Tags = nostr.Tags{{"t", fmt.Sprintf("Tag-%d", rng.IntN(3))}}
		if rng.IntN(5) == 0 {
			m.Epoch = nil
		}
		return step{"SaveMessage", func(ctx context.Context, s storage.Provider) outcome {
			return result(nil, s.SaveMessage(ctx, m))
		}}
	case 3:
		states := []types.ProcessedMessageState{
			types.ProcessedMessageStateProcessed,
			types.ProcessedMessageStateFailed,
			types.ProcessedMessageStateProcessedCommit,
		}
		var e *uint64
		if rng.IntN(2) == 0 {
			e = &epoch
		}
		pm := NewProcessedMessage(id, n, states[rng.IntN(len(states))], e)
		return step{"SaveProcessedMessage", func(ctx context.Context, s storage.Provider) outcome {
			return result(nil, s.SaveProcessedMessage(ctx, pm))
		}}
	case 4:
		return step{"InvalidateMessagesAfterEpoch", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.InvalidateMessagesAfterEpoch(ctx, id, epoch))
		}}
	case 5:
		return step{"InvalidateProcessedMessagesAfterEpoch", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.InvalidateProcessedMessagesAfterEpoch(ctx, id, epoch))
		}}
	case 6:
		return step{"FindFailedMessagesForRetry", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.FindFailedMessagesForRetry(ctx, id))
		}}
	case 7:
		return step{"MarkProcessedMessageRetryable", func(ctx context.Context, s storage.Provider) outcome {
			return result(nil, s.MarkProcessedMessageRetryable(ctx, WrapperID(n)))
		}}
	case 8:
		substr := fmt.Sprintf("tag-%d", rng.IntN(3))
		return step{"FindMessageEpochByTagContent", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.FindMessageEpochByTagContent(ctx, id, substr))
		}}
	case 9:
		p := types.Page(rng.IntN(6), rng.IntN(4)).WithSortOrder(types.MessageSortOrder(rng.IntN(2)))
		return step{"Messages", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.Messages(ctx, id, p))
		}}
	case 10:
		name := fmt.Sprintf("s%d", rng.IntN(3))
		return step{"CreateGroupSnapshot", func(ctx context.Context, s storage.Provider) outcome {
			return result(nil, s.CreateGroupSnapshot(ctx, id, name))
		}}
	case 11:
		name := fmt.Sprintf("s%d", rng.IntN(3))
		return step{"RollbackGroupToSnapshot", func(ctx context.Context, s storage.Provider) outcome {
			return result(nil, s.RollbackGroupToSnapshot(ctx, id, name))
		}}
	case 12:
		name := fmt.Sprintf("s%d", rng.IntN(3))
		return step{"ReleaseGroupSnapshot", func(ctx context.Context, s storage.Provider) outcome {
			return result(nil, s.ReleaseGroupSnapshot(ctx, id, name))
		}}
	case 13:
		return step{"ListGroupSnapshots", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.ListGroupSnapshots(ctx, id))
		}}
	case 14:
		back := uint64(rng.IntN(60))
		return step{"PruneExpiredSnapshots", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.PruneExpiredSnapshots(ctx, uint64(Epoch.Unix())+back))
		}}
	case 15:
		data := []byte(fmt.Sprintf("tree-%d", rng.IntN(100)))
		return step{"WriteGroupData", func(ctx context.Context, s storage.Provider) outcome {
			if err := s.WriteGroupData(ctx, id, storage.GroupDataTree, data); err != nil {
				return result(nil, err)
			}
			return result(s.ReadGroupData(ctx, id, storage.GroupDataTree))
		}}
	case 16:
		ref := []byte{byte(rng.IntN(4))}
		if rng.IntN(3) == 0 {
			return step{"RemoveProposal", func(ctx context.Context, s storage.Provider) outcome {
				if err := s.RemoveProposal(ctx, id, ref); err != nil {
					return result(nil, err)
				}
				return result(s.Proposals(ctx, id))
			}}
		}
		return step{"QueueProposal", func(ctx context.Context, s storage.Provider) outcome {
			if err := s.QueueProposal(ctx, id, storage.Proposal{Ref: ref, Data: []byte{n}}); err != nil {
				return result(nil, err)
			}
			return result(s.Proposals(ctx, id))
		}}
	case 17:
		return step{"AllGroups", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.AllGroups(ctx))
		}}
	case 18:
		secret := types.GroupExporterSecret{MLSGroupID: id, Epoch: epoch, Secret: [32]byte{n}}
		return step{"SaveGroupExporterSecret", func(ctx context.Context, s storage.Provider) outcome {
			if err := s.SaveGroupExporterSecret(ctx, secret); err != nil {
				return result(nil, err)
			}
			return result(s.GroupExporterSecret(ctx, id, epoch))
		}}
	default:
		return step{"FindProcessedMessage", func(ctx context.Context, s storage.Provider) outcome {
			return result(s.FindProcessedMessageByEventID(ctx, WrapperID(n)))
		}}
	}
}
