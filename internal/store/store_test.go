package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/pkg/types"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "killfeed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemory()}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestStore_AccountRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.View(ctx, func(tx Tx) error {
			_, err := tx.GetAccount(ctx, "p1")
			return err
		})
		assert.True(t, errors.Is(err, kferrors.ErrNotFound))

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.PutAccount(ctx, &types.PlayerAccount{
				PlayerID: "p1", Balance: 100, TotalEarned: 100,
				Stats: types.Stats{Kills: 3, Deaths: 1, TotalDistance: 12.5},
			})
		}))

		var got *types.PlayerAccount
		require.NoError(t, s.View(ctx, func(tx Tx) error {
			var err error
			got, err = tx.GetAccount(ctx, "p1")
			return err
		}))
		assert.Equal(t, int64(100), got.Balance)
		assert.Equal(t, int64(3), got.Stats.Kills)
		assert.Equal(t, 12.5, got.Stats.TotalDistance)
	})
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := s.Update(ctx, func(tx Tx) error {
			if err := tx.PutAccount(ctx, &types.PlayerAccount{PlayerID: "p1", Balance: 50}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = s.View(ctx, func(tx Tx) error {
			_, err := tx.GetAccount(ctx, "p1")
			return err
		})
		assert.True(t, errors.Is(err, kferrors.ErrNotFound), "failed update must leave no account")
	})
}

func TestStore_NegativeBalanceRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.Update(ctx, func(tx Tx) error {
			return tx.PutAccount(ctx, &types.PlayerAccount{PlayerID: "p1", Balance: -1})
		})
		assert.True(t, errors.Is(err, kferrors.ErrInsufficientFunds))
	})
}

func TestStore_OneOpenBountyPerPair(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		b1 := &types.Bounty{ID: "b1", TargetID: "t", PosterID: "p", Reward: 10,
			Status: types.BountyOpen, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutBounty(ctx, b1) }))

		b2 := *b1
		b2.ID = "b2"
		err := s.Update(ctx, func(tx Tx) error { return tx.PutBounty(ctx, &b2) })
		assert.True(t, errors.Is(err, kferrors.ErrConflict))

		// Once the first is claimed, the pair may post again.
		b1.Status = types.BountyClaimed
		b1.ClaimedBy = "a"
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			if err := tx.PutBounty(ctx, b1); err != nil {
				return err
			}
			return tx.PutBounty(ctx, &b2)
		}))

		var open []*types.Bounty
		require.NoError(t, s.View(ctx, func(tx Tx) error {
			var err error
			open, err = tx.ListBounties(ctx, BountyFilter{TargetID: "t", Status: types.BountyOpen})
			return err
		}))
		require.Len(t, open, 1)
		assert.Equal(t, "b2", open[0].ID)
	})
}

func TestStore_BountyExpiryFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			for i, exp := range []time.Duration{-time.Minute, time.Hour} {
				b := &types.Bounty{ID: []string{"old", "new"}[i], TargetID: "t",
					PosterID: []string{"p1", "p2"}[i], Reward: 5, Status: types.BountyOpen,
					CreatedAt: now, ExpiresAt: now.Add(exp)}
				if err := tx.PutBounty(ctx, b); err != nil {
					return err
				}
			}
			return tx.PutAccount(ctx, &types.PlayerAccount{PlayerID: "t"})
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			expired, err := tx.ListBounties(ctx, BountyFilter{Status: types.BountyOpen, ExpiresBefore: now})
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, "old", expired[0].ID)

			acct, err := tx.GetAccount(ctx, "t")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"old", "new"}, acct.ActiveBounties)
			return nil
		}))
	})
}

func TestStore_OneActiveSessionPerGame(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		s1 := &types.GamblingSession{ID: "s1", PlayerID: "p", Game: types.GameBlackjack,
			State: types.SessionInProgress, Wager: 10, CreatedAt: now, UpdatedAt: now,
			Data: []byte(`{"player":[1,2]}`)}
		require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutSession(ctx, s1) }))

		s2 := *s1
		s2.ID = "s2"
		err := s.Update(ctx, func(tx Tx) error { return tx.PutSession(ctx, &s2) })
		assert.True(t, errors.Is(err, kferrors.ErrSessionConflict))

		// Other games are independent.
		s3 := *s1
		s3.ID, s3.Game = "s3", types.GameSlots
		require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutSession(ctx, &s3) }))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			got, err := tx.ActiveSession(ctx, "p", types.GameBlackjack)
			require.NoError(t, err)
			assert.Equal(t, "s1", got.ID)
			assert.JSONEq(t, `{"player":[1,2]}`, string(got.Data))

			active, err := tx.ListActiveSessions(ctx)
			require.NoError(t, err)
			assert.Len(t, active, 2)
			return nil
		}))
	})
}

func TestStore_MarkAppliedOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fp := types.DomainEvent{Kind: types.KindKill, SourceID: "s", ActorID: "a"}.Fingerprint()
		var first, second bool
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			var err error
			first, err = tx.MarkApplied(ctx, fp, 1, time.Now())
			return err
		}))
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			var err error
			second, err = tx.MarkApplied(ctx, fp, 2, time.Now())
			return err
		}))
		assert.True(t, first)
		assert.False(t, second)
	})
}

func TestStore_CursorsAndFingerprints(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.LoadCursor(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok)

		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.SaveCursor(ctx, types.LogCursor{SourceID: "s1", ByteOffset: 500, LastPollTime: now}))
		require.NoError(t, s.SaveCursor(ctx, types.LogCursor{SourceID: "s1", File: "/logs/b.csv", ByteOffset: 620, LastPollTime: now}))
		cur, ok, err := s.LoadCursor(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(620), cur.ByteOffset)
		assert.Equal(t, "/logs/b.csv", cur.File)
		assert.True(t, cur.LastPollTime.Equal(now))

		fp := types.DomainEvent{Kind: types.KindKill, SourceID: "s1", ActorID: "a"}.Fingerprint()
		inserted, err := s.InsertFingerprint(ctx, fp, "s1", now.Add(-48*time.Hour))
		require.NoError(t, err)
		assert.True(t, inserted)
		inserted, err = s.InsertFingerprint(ctx, fp, "s1", now)
		require.NoError(t, err)
		assert.False(t, inserted)

		recent, err := s.RecentFingerprints(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []types.Fingerprint{fp}, recent)

		n, err := s.PruneFingerprints(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		recent, err = s.RecentFingerprints(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, recent)
		inserted, err = s.InsertFingerprint(ctx, fp, "s1", now)
		require.NoError(t, err)
		assert.True(t, inserted, "pruned fingerprint is new again")
	})
}

func TestStore_LeaderboardAndLedger(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			accts := []types.PlayerAccount{
				{PlayerID: "a", Balance: 10, Stats: types.Stats{Kills: 10, Deaths: 10}},
				{PlayerID: "b", Balance: 30, Stats: types.Stats{Kills: 6, Deaths: 1, LongestStreak: 4}},
				{PlayerID: "c", Balance: 20, Stats: types.Stats{Kills: 3}},
			}
			for i := range accts {
				if err := tx.PutAccount(ctx, &accts[i]); err != nil {
					return err
				}
			}
			for i := 0; i < 3; i++ {
				if err := tx.AppendLedger(ctx, &types.LedgerEntry{ID: string(rune('x' + i)), PlayerID: "a",
					Delta: int64(i + 1), Reason: "test", CreatedAt: now.Add(time.Duration(i) * time.Second)}); err != nil {
					return err
				}
			}
			return nil
		}))

		ids := func(order AccountOrder) []string {
			accts, err := s.ListAccounts(ctx, order, 2)
			require.NoError(t, err)
			var out []string
			for _, a := range accts {
				out = append(out, a.PlayerID)
			}
			return out
		}
		assert.Equal(t, []string{"a", "b"}, ids(OrderKills))
		assert.Equal(t, []string{"b", "c"}, ids(OrderKDR))
		assert.Equal(t, []string{"b", "c"}, ids(OrderBalance))
		assert.Equal(t, "b", ids(OrderStreak)[0])

		entries, err := s.Ledger(ctx, "a", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(3), entries[0].Delta)
		assert.Equal(t, int64(2), entries[1].Delta)
	})
}

func TestStore_RecordEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2025, 5, 17, 14, 0, 0, 0, time.UTC)
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			for i := 0; i < 3; i++ {
				e := types.DomainEvent{Kind: types.KindKill, SourceID: "s1", ActorID: "a",
					VictimID: "v", Timestamp: base.Add(time.Duration(i) * time.Minute)}
				if err := tx.RecordEvent(ctx, e); err != nil {
					return err
				}
				// Re-recording is a no-op.
				if err := tx.RecordEvent(ctx, e); err != nil {
					return err
				}
			}
			return nil
		}))
		events, err := s.RecentEvents(ctx, "s1", 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.True(t, events[0].Timestamp.Equal(base.Add(2*time.Minute)))
	})
}

func TestParseAccountOrder(t *testing.T) {
	o, ok := ParseAccountOrder("")
	assert.True(t, ok)
	assert.Equal(t, OrderKills, o)
	_, ok = ParseAccountOrder("deaths")
	assert.False(t, ok)
}
