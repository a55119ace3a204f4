package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/pkg/types"
)

// Memory is an in-process Store. Update works on a copy of the documents and
// swaps it in on success, so a failed transaction leaves no trace.
type Memory struct {
	mu   sync.RWMutex
	docs *memDocs
	curs map[string]types.LogCursor
	fps  map[types.Fingerprint]memFingerprint
}

type memFingerprint struct {
	sourceID string
	seenAt   time.Time
}

type memDocs struct {
	accounts map[string]types.PlayerAccount
	ledger   []types.LedgerEntry
	bounties map[string]types.Bounty
	sessions map[string]types.GamblingSession
	applied  map[types.Fingerprint]uint64
	events   map[types.Fingerprint]types.DomainEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: &memDocs{
			accounts: make(map[string]types.PlayerAccount),
			bounties: make(map[string]types.Bounty),
			sessions: make(map[string]types.GamblingSession),
			applied:  make(map[types.Fingerprint]uint64),
			events:   make(map[types.Fingerprint]types.DomainEvent),
		},
		curs: make(map[string]types.LogCursor),
		fps:  make(map[types.Fingerprint]memFingerprint),
	}
}

func (d *memDocs) clone() *memDocs {
	c := &memDocs{
		accounts: make(map[string]types.PlayerAccount, len(d.accounts)),
		ledger:   append([]types.LedgerEntry(nil), d.ledger...),
		bounties: make(map[string]types.Bounty, len(d.bounties)),
		sessions: make(map[string]types.GamblingSession, len(d.sessions)),
		applied:  make(map[types.Fingerprint]uint64, len(d.applied)),
		events:   make(map[types.Fingerprint]types.DomainEvent, len(d.events)),
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.bounties {
		c.bounties[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.applied {
		c.applied[k] = v
	}
	for k, v := range d.events {
		c.events[k] = v
	}
	return c
}

func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := m.docs.clone()
	if err := fn(&memTx{docs: staged}); err != nil {
		return err
	}
	m.docs = staged
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{docs: m.docs, readOnly: true})
}

func (m *Memory) LoadCursor(ctx context.Context, sourceID string) (types.LogCursor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.curs[sourceID]
	if !ok {
		return types.LogCursor{SourceID: sourceID}, false, nil
	}
	return c, true, nil
}

func (m *Memory) SaveCursor(ctx context.Context, cur types.LogCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.curs[cur.SourceID] = cur
	return nil
}

func (m *Memory) ListCursors(ctx context.Context) ([]types.LogCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.LogCursor, 0, len(m.curs))
	for _, c := range m.curs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (m *Memory) InsertFingerprint(ctx context.Context, fp types.Fingerprint, sourceID string, seenAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fps[fp]; ok {
		return false, nil
	}
	m.fps[fp] = memFingerprint{sourceID: sourceID, seenAt: seenAt}
	return true, nil
}

func (m *Memory) RecentFingerprints(ctx context.Context, limit int) ([]types.Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type rec struct {
		fp types.Fingerprint
		at time.Time
	}
	all := make([]rec, 0, len(m.fps))
	for fp, r := range m.fps {
		all = append(all, rec{fp, r.seenAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]types.Fingerprint, len(all))
	for i, r := range all {
		out[i] = r.fp
	}
	return out, nil
}

func (m *Memory) PruneFingerprints(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for fp, r := range m.fps {
		if r.seenAt.Before(cutoff) {
			delete(m.fps, fp)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListAccounts(ctx context.Context, order AccountOrder, limit int) ([]*types.PlayerAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.PlayerAccount, 0, len(m.docs.accounts))
	for _, a := range m.docs.accounts {
		a := a
		out = append(out, &a)
	}
	key := func(a *types.PlayerAccount) float64 {
		switch order {
		case OrderKDR:
			return a.Stats.KDR()
		case OrderBalance:
			return float64(a.Balance)
		case OrderStreak:
			return float64(a.Stats.LongestStreak)
		default:
			return float64(a.Stats.Kills)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := key(out[i]), key(out[j])
		if ki != kj {
			return ki > kj
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ledger(ctx context.Context, playerID string, limit int) ([]*types.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.LedgerEntry
	for i := len(m.docs.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.docs.ledger[i]; e.PlayerID == playerID {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (m *Memory) RecentEvents(ctx context.Context, sourceID string, limit int) ([]types.DomainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.DomainEvent
	for _, e := range m.docs.events {
		if e.SourceID == sourceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

type memTx struct {
	docs     *memDocs
	readOnly bool
}

func (t *memTx) checkWritable() error {
	if t.readOnly {
		return kferrors.NewInternalError("write in read-only transaction", nil)
	}
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, playerID string) (*types.PlayerAccount, error) {
	a, ok := t.docs.accounts[playerID]
	if !ok {
		return nil, notFound("account", playerID)
	}
	a.ActiveBounties = nil
	for _, b := range t.sortedBounties() {
		if b.TargetID == playerID && b.Status == types.BountyOpen {
			a.ActiveBounties = append(a.ActiveBounties, b.ID)
		}
	}
	return &a, nil
}

func (t *memTx) PutAccount(ctx context.Context, a *types.PlayerAccount) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if a.Balance < 0 {
		return kferrors.NewEconomyError(kferrors.CodeInsufficientFunds,
			fmt.Sprintf("balance of %s would be negative", a.PlayerID))
	}
	cp := *a
	cp.ActiveBounties = nil
	t.docs.accounts[a.PlayerID] = cp
	return nil
}

func (t *memTx) AppendLedger(ctx context.Context, e *types.LedgerEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.docs.ledger = append(t.docs.ledger, *e)
	return nil
}

func (t *memTx) sortedBounties() []types.Bounty {
	out := make([]types.Bounty, 0, len(t.docs.bounties))
	for _, b := range t.docs.bounties {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) GetBounty(ctx context.Context, bountyID string) (*types.Bounty, error) {
	b, ok := t.docs.bounties[bountyID]
	if !ok {
		return nil, kferrors.NewEconomyError(kferrors.CodeBountyNotFound, "bounty "+bountyID)
	}
	return &b, nil
}

func (t *memTx) PutBounty(ctx context.Context, b *types.Bounty) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if b.Status == types.BountyOpen {
		for id, other := range t.docs.bounties {
			if id != b.ID && other.Status == types.BountyOpen &&
				other.TargetID == b.TargetID && other.PosterID == b.PosterID {
				return kferrors.NewEconomyError(kferrors.CodeConflict,
					fmt.Sprintf("open bounty on %s by %s already exists", b.TargetID, b.PosterID))
			}
		}
	}
	t.docs.bounties[b.ID] = *b
	return nil
}

func (t *memTx) ListBounties(ctx context.Context, f BountyFilter) ([]*types.Bounty, error) {
	var out []*types.Bounty
	for _, b := range t.sortedBounties() {
		b := b
		if f.match(&b) {
			out = append(out, &b)
		}
	}
	return out, nil
}

func (t *memTx) GetSession(ctx context.Context, sessionID string) (*types.GamblingSession, error) {
	s, ok := t.docs.sessions[sessionID]
	if !ok {
		return nil, kferrors.NewGamblingError(kferrors.CodeSessionNotFound, "session "+sessionID)
	}
	s.Data = append([]byte(nil), s.Data...)
	return &s, nil
}

func (t *memTx) ActiveSession(ctx context.Context, playerID string, game types.GameKind) (*types.GamblingSession, error) {
	for _, s := range t.docs.sessions {
		if s.PlayerID == playerID && s.Game == game && s.State == types.SessionInProgress {
			s.Data = append([]byte(nil), s.Data...)
			return &s, nil
		}
	}
	return nil, kferrors.NewGamblingError(kferrors.CodeSessionNotFound,
		fmt.Sprintf("no %s session for %s", game, playerID))
}

func (t *memTx) PutSession(ctx context.Context, s *types.GamblingSession) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if s.State == types.SessionInProgress {
		for id, other := range t.docs.sessions {
			if id != s.ID && other.State == types.SessionInProgress &&
				other.PlayerID == s.PlayerID && other.Game == s.Game {
				return kferrors.NewGamblingError(kferrors.CodeSessionConflict,
					fmt.Sprintf("%s already has a %s session in progress", s.PlayerID, s.Game))
			}
		}
	}
	cp := *s
	cp.Data = append([]byte(nil), s.Data...)
	t.docs.sessions[s.ID] = cp
	return nil
}

func (t *memTx) ListActiveSessions(ctx context.Context) ([]*types.GamblingSession, error) {
	var out []*types.GamblingSession
	for _, s := range t.docs.sessions {
		if s.State == types.SessionInProgress {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) MarkApplied(ctx context.Context, fp types.Fingerprint, lsn uint64, at time.Time) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	if _, ok := t.docs.applied[fp]; ok {
		return false, nil
	}
	t.docs.applied[fp] = lsn
	return true, nil
}

func (t *memTx) IsApplied(ctx context.Context, fp types.Fingerprint) (bool, error) {
	_, ok := t.docs.applied[fp]
	return ok, nil
}

func (t *memTx) RecordEvent(ctx context.Context, e types.DomainEvent) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	fp := e.Fingerprint()
	if _, ok := t.docs.events[fp]; !ok {
		t.docs.events[fp] = e
	}
	return nil
}
