package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/pkg/types"
)

// SQLite implements Store on a single SQLite database file.
type SQLite struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	dbPath string
	mu     sync.Mutex // Serializes write transactions
}

// OpenSQLite opens (creating if needed) the state database at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	// BEGIN IMMEDIATE so a write transaction holds the lock from its first read
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

func (s *SQLite) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Update runs fn inside one write transaction.
func (s *SQLite) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kferrors.NewStorageError(kferrors.CodeWriteFailed, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return kferrors.NewStorageError(kferrors.CodeWriteFailed, "commit transaction", err)
	}
	return nil
}

// View runs fn inside a read transaction on the read pool.
func (s *SQLite) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{tx: tx, readOnly: true})
}

func (s *SQLite) LoadCursor(ctx context.Context, sourceID string) (types.LogCursor, bool, error) {
	cur := types.LogCursor{SourceID: sourceID}
	var polled int64
	err := s.readDB.QueryRowContext(ctx,
		"SELECT file, byte_offset, last_poll_time FROM cursors WHERE source_id = ?", sourceID,
	).Scan(&cur.File, &cur.ByteOffset, &polled)
	if err == sql.ErrNoRows {
		return cur, false, nil
	}
	if err != nil {
		return cur, false, fmt.Errorf("store: failed to load cursor %s: %w", sourceID, err)
	}
	cur.LastPollTime = fromNanos(polled)
	return cur, true, nil
}

func (s *SQLite) SaveCursor(ctx context.Context, cur types.LogCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (source_id, file, byte_offset, last_poll_time) VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET file = excluded.file,
			byte_offset = excluded.byte_offset, last_poll_time = excluded.last_poll_time`,
		cur.SourceID, cur.File, cur.ByteOffset, toNanos(cur.LastPollTime))
	if err != nil {
		return kferrors.NewStorageError(kferrors.CodeWriteFailed, "save cursor "+cur.SourceID, err)
	}
	return nil
}

func (s *SQLite) ListCursors(ctx context.Context) ([]types.LogCursor, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT source_id, file, byte_offset, last_poll_time FROM cursors ORDER BY source_id")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []types.LogCursor
	for rows.Next() {
		var c types.LogCursor
		var polled int64
		if err := rows.Scan(&c.SourceID, &c.File, &c.ByteOffset, &polled); err != nil {
			return nil, fmt.Errorf("store: failed to scan cursor: %w", err)
		}
		c.LastPollTime = fromNanos(polled)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertFingerprint(ctx context.Context, fp types.Fingerprint, sourceID string, seenAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO fingerprints (fingerprint, source_id, seen_at) VALUES (?, ?, ?)",
		fp.String(), sourceID, toNanos(seenAt))
	if err != nil {
		return false, kferrors.NewStorageError(kferrors.CodeWriteFailed, "insert fingerprint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) RecentFingerprints(ctx context.Context, limit int) ([]types.Fingerprint, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT fingerprint FROM fingerprints ORDER BY seen_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	var out []types.Fingerprint
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("store: failed to scan fingerprint: %w", err)
		}
		fp, err := types.ParseFingerprint(hex)
		if err != nil {
			continue
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *SQLite) PruneFingerprints(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM fingerprints WHERE seen_at < ?", toNanos(cutoff))
	if err != nil {
		return 0, kferrors.NewStorageError(kferrors.CodeWriteFailed, "prune fingerprints", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) ListAccounts(ctx context.Context, order AccountOrder, limit int) ([]*types.PlayerAccount, error) {
	var orderBy string
	switch order {
	case OrderKDR:
		orderBy = "CAST(kills AS REAL) / MAX(deaths, 1) DESC, kills DESC"
	case OrderBalance:
		orderBy = "balance DESC"
	case OrderStreak:
		orderBy = "longest_streak DESC"
	default:
		orderBy = "kills DESC"
	}

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY "+orderBy+", player_id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*types.PlayerAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *SQLite) Ledger(ctx context.Context, playerID string, limit int) ([]*types.LedgerEntry, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT entry_id, player_id, delta, reason, balance_after, created_at
		FROM ledger WHERE player_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []*types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.PlayerID, &e.Delta, &e.Reason, &e.BalanceAfter, &created); err != nil {
			return nil, fmt.Errorf("store: failed to scan ledger entry: %w", err)
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLite) RecentEvents(ctx context.Context, sourceID string, limit int) ([]types.DomainEvent, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT source_id, kind, ts, actor_id, actor_name, victim_id, victim_name, weapon, faction, distance
		FROM events WHERE source_id = ? ORDER BY ts DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query events: %w", err)
	}
	defer rows.Close()

	var out []types.DomainEvent
	for rows.Next() {
		var e types.DomainEvent
		var ts int64
		var kind string
		if err := rows.Scan(&e.SourceID, &kind, &ts, &e.ActorID, &e.ActorName,
			&e.VictimID, &e.VictimName, &e.Weapon, &e.Faction, &e.Distance); err != nil {
			return nil, fmt.Errorf("store: failed to scan event: %w", err)
		}
		e.Kind = types.EventKind(kind)
		e.Timestamp = fromNanos(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the read pool, then the write connection.
func (s *SQLite) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == code
	}
	return false
}
