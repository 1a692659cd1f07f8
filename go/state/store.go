package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ddsnet/nodex/go/panel"
	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	log "github.com/sirupsen/logrus"
)

// Options configure the SQLite database at open time.
type Options struct {
	WAL         bool
	Synchronous string // FULL, NORMAL, or OFF; anything else falls back to NORMAL.
	CacheSizeMB int
}

// Store is the worker's durable local state: per-client traffic totals,
// per-(client,panel) write baselines, and per-(client,node) accumulated
// deltas for the running cycle. A single writer lock serializes access.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	nowFn func() time.Time
}

// Counter pairs a panel key with a traffic value. It is both the batch
// input of SetLastCountersBatch and the row shape of ListCounters and
// ListNodeTotals.
type Counter struct {
	Server  string
	Traffic panel.Traffic
}

// Total is one client_totals row.
type Total struct {
	Email          string
	Traffic        panel.Traffic
	CycleStartedAt int64 // unix seconds; zero when the cycle never reset
}

// Open opens (creating as needed) the database at path and prepares the
// schema. The connection is pinned to a single underlying SQLite handle so
// the session PRAGMAs below hold for every statement.
func Open(path string, opts Options) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	log.WithFields(log.Fields{
		"path":        path,
		"wal":         opts.WAL,
		"synchronous": opts.Synchronous,
	}).Info("opening state database")

	if err = applyPragmas(db, opts); err != nil {
		db.Close()
		return nil, err
	}
	if err = createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// GetTotal returns the client's accumulated total, or zeros when unknown.
func (s *Store) GetTotal(ctx context.Context, email string) (panel.Traffic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t panel.Traffic
	var err = s.db.QueryRowContext(ctx,
		`SELECT total_up, total_down FROM client_totals WHERE email = ?`, email,
	).Scan(&t.Up, &t.Down)

	if err == sql.ErrNoRows {
		return panel.Traffic{}, nil
	} else if err != nil {
		return panel.Traffic{}, fmt.Errorf("reading total of %s: %w", email, err)
	}
	return t, nil
}

// SetTotal upserts the client's total, preserving cycle_started_at. The
// write is idempotent: when the stored pair already equals the argument,
// nothing is written and false is returned.
func (s *Store) SetTotal(ctx context.Context, email string, t panel.Traffic) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur panel.Traffic
	var err = s.db.QueryRowContext(ctx,
		`SELECT total_up, total_down FROM client_totals WHERE email = ?`, email,
	).Scan(&cur.Up, &cur.Down)

	if err == nil && cur == t {
		return false, nil
	} else if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("reading total of %s: %w", email, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_totals(email, total_up, total_down, cycle_started_at)
		VALUES(?, ?, ?, (SELECT cycle_started_at FROM client_totals WHERE email = ?))
		ON CONFLICT(email) DO UPDATE
		SET total_up = excluded.total_up, total_down = excluded.total_down`,
		email, t.Up, t.Down, email)

	if err != nil {
		return false, fmt.Errorf("writing total of %s: %w", email, err)
	}
	return true, nil
}

// SetCycleStartedAt upserts the cycle start timestamp, preserving totals.
func (s *Store) SetCycleStartedAt(ctx context.Context, email string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO client_totals(email, total_up, total_down, cycle_started_at)
		VALUES(?, 0, 0, ?)
		ON CONFLICT(email) DO UPDATE SET cycle_started_at = excluded.cycle_started_at`,
		email, ts)

	if err != nil {
		return fmt.Errorf("writing cycle start of %s: %w", email, err)
	}
	return nil
}

// GetLastCounter returns the last value written to the panel for this email.
// The second return distinguishes a missing baseline from a zero one.
func (s *Store) GetLastCounter(ctx context.Context, email, server string) (panel.Traffic, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t panel.Traffic
	var err = s.db.QueryRowContext(ctx,
		`SELECT last_up, last_down FROM server_counters WHERE email = ? AND server_url = ?`,
		email, server,
	).Scan(&t.Up, &t.Down)

	if err == sql.ErrNoRows {
		return panel.Traffic{}, false, nil
	} else if err != nil {
		return panel.Traffic{}, false, fmt.Errorf("reading baseline of %s on %s: %w", email, server, err)
	}
	return t, true, nil
}

// SetLastCounter upserts one panel baseline, idempotently.
func (s *Store) SetLastCounter(ctx context.Context, email, server string, t panel.Traffic) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur panel.Traffic
	var err = s.db.QueryRowContext(ctx,
		`SELECT last_up, last_down FROM server_counters WHERE email = ? AND server_url = ?`,
		email, server,
	).Scan(&cur.Up, &cur.Down)

	if err == nil && cur == t {
		return false, nil
	} else if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("reading baseline of %s on %s: %w", email, server, err)
	}

	if _, err = s.db.ExecContext(ctx, upsertCounterSQL, email, server, t.Up, t.Down); err != nil {
		return false, fmt.Errorf("writing baseline of %s on %s: %w", email, server, err)
	}
	return true, nil
}

// SetLastCountersBatch upserts panel baselines as one atomic batch.
func (s *Store) SetLastCountersBatch(ctx context.Context, email string, items []Counter) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var txn, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning baseline batch: %w", err)
	}
	defer txn.Rollback()

	for _, it := range items {
		if _, err = txn.ExecContext(ctx, upsertCounterSQL, email, it.Server, it.Traffic.Up, it.Traffic.Down); err != nil {
			return fmt.Errorf("writing baseline of %s on %s: %w", email, it.Server, err)
		}
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("committing baseline batch: %w", err)
	}
	return nil
}

// AddNodeDelta accumulates a node's positive delta for the running cycle.
// A zero delta is a no-op.
func (s *Store) AddNodeDelta(ctx context.Context, email, server string, d panel.Traffic) error {
	if d.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO node_totals(email, server_url, up_total, down_total)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(email, server_url) DO UPDATE SET
			up_total = node_totals.up_total + excluded.up_total,
			down_total = node_totals.down_total + excluded.down_total`,
		email, server, d.Up, d.Down)

	if err != nil {
		return fmt.Errorf("accumulating node delta of %s on %s: %w", email, server, err)
	}
	return nil
}

// ResetNodeTotals drops all per-node accumulations of a client.
func (s *Store) ResetNodeTotals(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM node_totals WHERE email = ?`, email); err != nil {
		return fmt.Errorf("resetting node totals of %s: %w", email, err)
	}
	return nil
}

// ResetCycle atomically starts a new accounting cycle for a client: the
// total is re-anchored to the central panel's current counter, every panel
// baseline is set to its current read, and node accumulations are dropped.
func (s *Store) ResetCycle(ctx context.Context, email string, currents map[string]panel.Traffic, central string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var anchor = currents[central]

	var txn, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cycle reset: %w", err)
	}
	defer txn.Rollback()

	if _, err = txn.ExecContext(ctx, `DELETE FROM node_totals WHERE email = ?`, email); err != nil {
		return fmt.Errorf("resetting node totals of %s: %w", email, err)
	}
	if _, err = txn.ExecContext(ctx, `
		INSERT INTO client_totals(email, total_up, total_down, cycle_started_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE
		SET total_up = excluded.total_up, total_down = excluded.total_down,
			cycle_started_at = excluded.cycle_started_at`,
		email, anchor.Up, anchor.Down, s.nowFn().Unix()); err != nil {
		return fmt.Errorf("anchoring total of %s: %w", email, err)
	}
	for server, cur := range currents {
		if _, err = txn.ExecContext(ctx, upsertCounterSQL, email, server, cur.Up, cur.Down); err != nil {
			return fmt.Errorf("writing baseline of %s on %s: %w", email, server, err)
		}
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("committing cycle reset: %w", err)
	}

	log.WithFields(log.Fields{
		"email": email,
		"up":    anchor.Up,
		"down":  anchor.Down,
	}).Info("cycle reset: total anchored to central, baselines aligned, node totals cleared")
	return nil
}

// ListTotals returns every client_totals row, ordered by email.
func (s *Store) ListTotals(ctx context.Context) ([]Total, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows, err = s.db.QueryContext(ctx,
		`SELECT email, total_up, total_down, cycle_started_at FROM client_totals ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("listing totals: %w", err)
	}
	defer rows.Close()

	var out []Total
	for rows.Next() {
		var t Total
		var started sql.NullInt64
		if err = rows.Scan(&t.Email, &t.Traffic.Up, &t.Traffic.Down, &started); err != nil {
			return nil, fmt.Errorf("scanning total: %w", err)
		}
		t.CycleStartedAt = started.Int64
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListCounters returns a client's panel baselines, ordered by panel.
func (s *Store) ListCounters(ctx context.Context, email string) ([]Counter, error) {
	return s.listCounters(ctx, email,
		`SELECT server_url, last_up, last_down FROM server_counters WHERE email = ? ORDER BY server_url`)
}

// ListNodeTotals returns a client's per-node accumulations, ordered by node.
func (s *Store) ListNodeTotals(ctx context.Context, email string) ([]Counter, error) {
	return s.listCounters(ctx, email,
		`SELECT server_url, up_total, down_total FROM node_totals WHERE email = ? ORDER BY server_url`)
}

func (s *Store) listCounters(ctx context.Context, email, query string) ([]Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows, err = s.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("listing counters of %s: %w", email, err)
	}
	defer rows.Close()

	var out []Counter
	for rows.Next() {
		var c Counter
		if err = rows.Scan(&c.Server, &c.Traffic.Up, &c.Traffic.Down); err != nil {
			return nil, fmt.Errorf("scanning counter: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const upsertCounterSQL = `
	INSERT INTO server_counters(email, server_url, last_up, last_down)
	VALUES(?, ?, ?, ?)
	ON CONFLICT(email, server_url) DO UPDATE
	SET last_up = excluded.last_up, last_down = excluded.last_down`

func applyPragmas(db *sql.DB, opts Options) error {
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}
	if opts.WAL {
		var mode string
		if err := db.QueryRow(`PRAGMA journal_mode = WAL`).Scan(&mode); err != nil {
			return fmt.Errorf("enabling WAL: %w", err)
		}
	}

	var sync = normalizeSynchronous(opts.Synchronous)
	if _, err := db.Exec(`PRAGMA synchronous = ` + sync); err != nil {
		return fmt.Errorf("setting synchronous=%s: %w", sync, err)
	}

	var cacheMB = opts.CacheSizeMB
	if cacheMB <= 0 {
		cacheMB = 20
	}
	// Negative cache_size is in KiB.
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA cache_size = -%d`, cacheMB*1024)); err != nil {
		return fmt.Errorf("setting cache size: %w", err)
	}
	if _, err := db.Exec(`PRAGMA temp_store = MEMORY`); err != nil {
		return fmt.Errorf("setting temp store: %w", err)
	}
	return nil
}

// normalizeSynchronous falls back to NORMAL for unrecognized modes.
func normalizeSynchronous(mode string) string {
	switch m := strings.ToUpper(strings.TrimSpace(mode)); m {
	case "FULL", "NORMAL", "OFF":
		return m
	default:
		return "NORMAL"
	}
}

func createSchema(db *sql.DB) error {
	var statements = []string{
		`CREATE TABLE IF NOT EXISTS client_totals (
			email TEXT PRIMARY KEY,
			total_up INTEGER NOT NULL DEFAULT 0,
			total_down INTEGER NOT NULL DEFAULT 0,
			cycle_started_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS server_counters (
			email TEXT NOT NULL,
			server_url TEXT NOT NULL,
			last_up INTEGER NOT NULL DEFAULT 0,
			last_down INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (email, server_url)
		)`,
		`CREATE TABLE IF NOT EXISTS node_totals (
			email TEXT NOT NULL,
			server_url TEXT NOT NULL,
			up_total INTEGER NOT NULL DEFAULT 0,
			down_total INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (email, server_url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_totals_email ON node_totals(email)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}
