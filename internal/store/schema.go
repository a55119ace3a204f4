package store

// CreateAccountsTableSQL stores one row per player. The CHECK constraint is
// the last line of defence for the non-negative balance invariant.
const CreateAccountsTableSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    player_id TEXT PRIMARY KEY,
    balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    total_earned INTEGER NOT NULL DEFAULT 0,
    total_spent INTEGER NOT NULL DEFAULT 0,
    last_work_at INTEGER NOT NULL DEFAULT 0,
    kills INTEGER NOT NULL DEFAULT 0,
    deaths INTEGER NOT NULL DEFAULT 0,
    suicides INTEGER NOT NULL DEFAULT 0,
    streak INTEGER NOT NULL DEFAULT 0,
    longest_streak INTEGER NOT NULL DEFAULT 0,
    total_distance REAL NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
)`

const CreateLedgerTableSQL = `
CREATE TABLE IF NOT EXISTS ledger (
    entry_id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    delta INTEGER NOT NULL,
    reason TEXT NOT NULL,
    balance_after INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateBountiesTableSQL stores bounties. The partial unique index allows at
// most one open bounty per (target, poster).
const CreateBountiesTableSQL = `
CREATE TABLE IF NOT EXISTS bounties (
    bounty_id TEXT PRIMARY KEY,
    target_id TEXT NOT NULL,
    poster_id TEXT NOT NULL,
    reward INTEGER NOT NULL CHECK (reward > 0),
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    claimed_by TEXT NOT NULL DEFAULT '',
    closed_at INTEGER NOT NULL DEFAULT 0
)`

// CreateSessionsTableSQL stores gambling sessions; data holds the game state.
const CreateSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    game TEXT NOT NULL,
    state TEXT NOT NULL,
    wager INTEGER NOT NULL,
    payout INTEGER NOT NULL DEFAULT 0,
    data BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

const CreateCursorsTableSQL = `
CREATE TABLE IF NOT EXISTS cursors (
    source_id TEXT PRIMARY KEY,
    file TEXT NOT NULL DEFAULT '',
    byte_offset INTEGER NOT NULL,
    last_poll_time INTEGER NOT NULL
)`

const CreateFingerprintsTableSQL = `
CREATE TABLE IF NOT EXISTS fingerprints (
    fingerprint TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    seen_at INTEGER NOT NULL
)`

// CreateAppliedEventsTableSQL records the fingerprints the economy has
// applied. It is written in the same transaction as the mutations.
const CreateAppliedEventsTableSQL = `
CREATE TABLE IF NOT EXISTS applied_events (
    fingerprint TEXT PRIMARY KEY,
    lsn INTEGER NOT NULL,
    applied_at INTEGER NOT NULL
)`

const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    fingerprint TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    ts INTEGER NOT NULL,
    actor_id TEXT NOT NULL,
    actor_name TEXT NOT NULL DEFAULT '',
    victim_id TEXT NOT NULL DEFAULT '',
    victim_name TEXT NOT NULL DEFAULT '',
    weapon TEXT NOT NULL DEFAULT '',
    faction TEXT NOT NULL DEFAULT '',
    distance REAL NOT NULL DEFAULT 0
)`

var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_ledger_player ON ledger(player_id, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_bounties_open_pair ON bounties(target_id, poster_id)
		WHERE status = 'open'`,
	`CREATE INDEX IF NOT EXISTS idx_bounties_target ON bounties(target_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_bounties_expiry ON bounties(status, expires_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active ON sessions(player_id, game)
		WHERE state = 'in_progress'`,
	`CREATE INDEX IF NOT EXISTS idx_fingerprints_seen ON fingerprints(seen_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source_id, ts)`,
}

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateAccountsTableSQL,
		CreateLedgerTableSQL,
		CreateBountiesTableSQL,
		CreateSessionsTableSQL,
		CreateCursorsTableSQL,
		CreateFingerprintsTableSQL,
		CreateAppliedEventsTableSQL,
		CreateEventsTableSQL,
	}
	return append(stmts, CreateIndexesSQL...)
}
