package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/pkg/types"
)

const accountColumns = `player_id, balance, total_earned, total_spent, last_work_at,
	kills, deaths, suicides, streak, longest_streak, total_distance`

const bountyColumns = `bounty_id, target_id, poster_id, reward, status, created_at,
	expires_at, claimed_by, closed_at`

const sessionColumns = `session_id, player_id, game, state, wager, payout, data, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// sqlTx implements Tx on a database/sql transaction.
type sqlTx struct {
	tx       *sql.Tx
	readOnly bool
}

func (t *sqlTx) checkWritable() error {
	if t.readOnly {
		return kferrors.NewInternalError("write in read-only transaction", nil)
	}
	return nil
}

func scanAccount(row scanner) (*types.PlayerAccount, error) {
	var a types.PlayerAccount
	var lastWork int64
	err := row.Scan(&a.PlayerID, &a.Balance, &a.TotalEarned, &a.TotalSpent, &lastWork,
		&a.Stats.Kills, &a.Stats.Deaths, &a.Stats.Suicides, &a.Stats.Streak,
		&a.Stats.LongestStreak, &a.Stats.TotalDistance)
	if err != nil {
		return nil, err
	}
	a.LastWorkAt = fromNanos(lastWork)
	return &a, nil
}

func (t *sqlTx) GetAccount(ctx context.Context, playerID string) (*types.PlayerAccount, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE player_id = ?", playerID)
	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, notFound("account", playerID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load account %s: %w", playerID, err)
	}

	rows, err := t.tx.QueryContext(ctx,
		"SELECT bounty_id FROM bounties WHERE target_id = ? AND status = 'open' ORDER BY created_at", playerID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load active bounties: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: failed to scan bounty id: %w", err)
		}
		acct.ActiveBounties = append(acct.ActiveBounties, id)
	}
	return acct, rows.Err()
}

func (t *sqlTx) PutAccount(ctx context.Context, a *types.PlayerAccount) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			balance = excluded.balance,
			total_earned = excluded.total_earned,
			total_spent = excluded.total_spent,
			last_work_at = excluded.last_work_at,
			kills = excluded.kills,
			deaths = excluded.deaths,
			suicides = excluded.suicides,
			streak = excluded.streak,
			longest_streak = excluded.longest_streak,
			total_distance = excluded.total_distance,
			updated_at = excluded.updated_at`,
		a.PlayerID, a.Balance, a.TotalEarned, a.TotalSpent, toNanos(a.LastWorkAt),
		a.Stats.Kills, a.Stats.Deaths, a.Stats.Suicides, a.Stats.Streak,
		a.Stats.LongestStreak, a.Stats.TotalDistance, time.Now().UnixNano())
	if isConstraint(err, sqlite3.ErrConstraintCheck) {
		return kferrors.NewEconomyError(kferrors.CodeInsufficientFunds,
			fmt.Sprintf("balance of %s would be negative", a.PlayerID))
	}
	if err != nil {
		return kferrors.NewStorageError(kferrors.CodeWriteFailed, "put account "+a.PlayerID, err)
	}
	return nil
}

func (t *sqlTx) AppendLedger(ctx context.Context, e *types.LedgerEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger (entry_id, player_id, delta, reason, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.PlayerID, e.Delta, e.Reason, e.BalanceAfter, toNanos(e.CreatedAt))
	if err != nil {
		return kferrors.NewStorageError(kferrors.CodeWriteFailed, "append ledger", err)
	}
	return nil
}

func scanBounty(row scanner) (*types.Bounty, error) {
	var b types.Bounty
	var status string
	var created, expires, closed int64
	if err := row.Scan(&b.ID, &b.TargetID, &b.PosterID, &b.Reward, &status,
		&created, &expires, &b.ClaimedBy, &closed); err != nil {
		return nil, err
	}
	b.Status = types.BountyStatus(status)
	b.CreatedAt = fromNanos(created)
	b.ExpiresAt = fromNanos(expires)
	b.ClosedAt = fromNanos(closed)
	return &b, nil
}

func (t *sqlTx) GetBounty(ctx context.Context, bountyID string) (*types.Bounty, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+bountyColumns+" FROM bounties WHERE bounty_id = ?", bountyID)
	b, err := scanBounty(row)
	if err == sql.ErrNoRows {
		return nil, kferrors.NewEconomyError(kferrors.CodeBountyNotFound, "bounty "+bountyID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load bounty %s: %w", bountyID, err)
	}
	return b, nil
}

func (t *sqlTx) PutBounty(ctx context.Context, b *types.Bounty) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bounties (`+bountyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bounty_id) DO UPDATE SET
			status = excluded.status,
			claimed_by = excluded.claimed_by,
			closed_at = excluded.closed_at,
			expires_at = excluded.expires_at`,
		b.ID, b.TargetID, b.PosterID, b.Reward, string(b.Status), toNanos(b.CreatedAt),
		toNanos(b.ExpiresAt), b.ClaimedBy, toNanos(b.ClosedAt))
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return kferrors.NewEconomyError(kferrors.CodeConflict,
			fmt.Sprintf("open bounty on %s by %s already exists", b.TargetID, b.PosterID))
	}
	if err != nil {
		return kferrors.NewStorageError(kferrors.CodeWriteFailed, "put bounty "+b.ID, err)
	}
	return nil
}

func (t *sqlTx) ListBounties(ctx context.Context, f BountyFilter) ([]*types.Bounty, error) {
	var where []string
	var args []any
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.PosterID != "" {
		where = append(where, "poster_id = ?")
		args = append(args, f.PosterID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, toNanos(f.ExpiresBefore))
	}

	query := "SELECT " + bountyColumns + " FROM bounties"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, bounty_id"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list bounties: %w", err)
	}
	defer rows.Close()

	var out []*types.Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan bounty: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (*types.GamblingSession, error) {
	var s types.GamblingSession
	var game, state string
	var data []byte
	var created, updated int64
	if err := row.Scan(&s.ID, &s.PlayerID, &game, &state, &s.Wager, &s.Payout,
		&data, &created, &updated); err != nil {
		return nil, err
	}
	s.Game = types.GameKind(game)
	s.State = types.SessionState(state)
	s.Data = data
	s.CreatedAt = fromNanos(created)
	s.UpdatedAt = fromNanos(updated)
	return &s, nil
}

func (t *sqlTx) GetSession(ctx context.Context, sessionID string) (*types.GamblingSession, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, kferrors.NewGamblingError(kferrors.CodeSessionNotFound, "session "+sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load session %s: %w", sessionID, err)
	}
	return s, nil
}

func (t *sqlTx) ActiveSession(ctx context.Context, playerID string, game types.GameKind) (*types.GamblingSession, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE player_id = ? AND game = ? AND state = ?",
		playerID, string(game), string(types.SessionInProgress))
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, kferrors.NewGamblingError(kferrors.CodeSessionNotFound,
			fmt.Sprintf("no %s session for %s", game, playerID))
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load active session: %w", err)
	}
	return s, nil
}

func (t *sqlTx) PutSession(ctx context.Context, s *types.GamblingSession) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			payout = excluded.payout,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		s.ID, s.PlayerID, string(s.Game), string(s.State), s.Wager, s.Payout,
		[]byte(s.Data), toNanos(s.CreatedAt), toNanos(s.UpdatedAt))
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return kferrors.NewGamblingError(kferrors.CodeSessionConflict,
			fmt.Sprintf("%s already has a %s session in progress", s.PlayerID, s.Game))
	}
	if err != nil {
		return kferrors.NewStorageError(kferrors.CodeWriteFailed, "put session "+s.ID, err)
	}
	return nil
}

func (t *sqlTx) ListActiveSessions(ctx context.Context) ([]*types.GamblingSession, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE state = ? ORDER BY created_at",
		string(types.SessionInProgress))
	if err != nil {
		return nil, fmt.Errorf("store: failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.GamblingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *sqlTx) MarkApplied(ctx context.Context, fp types.Fingerprint, lsn uint64, at time.Time) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO applied_events (fingerprint, lsn, applied_at) VALUES (?, ?, ?)",
		fp.String(), int64(lsn), toNanos(at))
	if err != nil {
		return false, kferrors.NewStorageError(kferrors.CodeWriteFailed, "mark applied", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *sqlTx) IsApplied(ctx context.Context, fp types.Fingerprint) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx,
		"SELECT 1 FROM applied_events WHERE fingerprint = ?", fp.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: failed to query applied event: %w", err)
	}
	return true, nil
}

func (t *sqlTx) RecordEvent(ctx context.Context, e types.DomainEvent) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (fingerprint, source_id, kind, ts, actor_id, actor_name,
			victim_id, victim_name, weapon, faction, distance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Fingerprint().String(), e.SourceID, string(e.Kind), toNanos(e.Timestamp),
		e.ActorID, e.ActorName, e.VictimID, e.VictimName, e.Weapon, e.Faction, e.Distance)
	if err != nil {
		return kferrors.NewStorageError(kferrors.CodeWriteFailed, "record event", err)
	}
	return nil
}

func notFound(kind, id string) error {
	return kferrors.New(kferrors.ErrCategoryStorage, kferrors.CodeNotFound, kind+" "+id+" not found")
}
