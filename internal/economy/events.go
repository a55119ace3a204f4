package economy

import (
	"context"

	"github.com/killfeed/killfeed/pkg/types"
)

// ApplyEvent applies the economic consequences of a novel event: statistics,
// the kill reward and bounty claims. It is idempotent per fingerprint; a
// repeated call returns false and changes nothing. lsn is the journal
// position of the event.
func (e *Engine) ApplyEvent(ctx context.Context, ev types.DomainEvent, lsn uint64) (bool, error) {
	if ev.Kind == types.KindRotation {
		return false, nil
	}
	fp := ev.Fingerprint()
	applied := false
	var claimed int
	err := e.Transact(ctx, participants(ev), func(m *Mutator) error {
		first, err := m.Tx().MarkApplied(ctx, fp, lsn, m.Now())
		if err != nil || !first {
			return err
		}
		if err := e.applyStats(m, ev); err != nil {
			return err
		}
		if isPvPKill(ev) {
			bounties, err := e.claimBounties(m, ev.ActorID, ev.VictimID)
			if err != nil {
				return err
			}
			claimed = len(bounties)
		}
		if err := m.Tx().RecordEvent(ctx, ev); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied && claimed > 0 {
		e.logger.Info("bounties claimed", "actor", ev.ActorID, "victim", ev.VictimID, "count", claimed)
	}
	return applied, nil
}

func participants(ev types.DomainEvent) []string {
	ids := make([]string, 0, 2)
	if ev.ActorID != "" {
		ids = append(ids, ev.ActorID)
	}
	if ev.VictimID != "" && ev.VictimID != ev.ActorID {
		ids = append(ids, ev.VictimID)
	}
	return ids
}

func isPvPKill(ev types.DomainEvent) bool {
	return ev.Kind == types.KindKill && ev.ActorID != "" && ev.VictimID != "" && ev.ActorID != ev.VictimID
}

func (e *Engine) applyStats(m *Mutator, ev types.DomainEvent) error {
	switch {
	case isPvPKill(ev):
		killer, err := m.Account(ev.ActorID)
		if err != nil {
			return err
		}
		killer.Stats.Kills++
		killer.Stats.Streak++
		killer.Stats.LongestStreak = max(killer.Stats.LongestStreak, killer.Stats.Streak)
		killer.Stats.TotalDistance += ev.Distance
		if err := m.Save(killer); err != nil {
			return err
		}
		if e.cfg.KillReward > 0 {
			if _, err := m.Apply(ev.ActorID, e.cfg.KillReward, ReasonKillReward); err != nil {
				return err
			}
		}
		return e.recordDeath(m, ev.VictimID, false)

	case ev.Kind.IsDeath():
		victim := ev.VictimID
		if victim == "" {
			victim = ev.ActorID
		}
		if victim == "" {
			return nil
		}
		selfInflicted := ev.Kind == types.KindSuicide || ev.Kind == types.KindKill
		return e.recordDeath(m, victim, selfInflicted)

	case ev.Kind == types.KindConnect:
		if ev.ActorID == "" {
			return nil
		}
		acct, err := m.Account(ev.ActorID)
		if err != nil {
			return err
		}
		return m.Save(acct)
	}
	return nil
}

func (e *Engine) recordDeath(m *Mutator, playerID string, suicide bool) error {
	acct, err := m.Account(playerID)
	if err != nil {
		return err
	}
	acct.Stats.Deaths++
	if suicide {
		acct.Stats.Suicides++
	}
	acct.Stats.Streak = 0
	return m.Save(acct)
}
