// Package store is the durable persistence contract for RFMP (spec §4.4):
// messages, fragments, the transmission queue, the seen-cache backing
// store, Bloom windows, nodes and channels, all behind a single
// embedded SQL-like database (spec §6.4).
//
// Uses jmoiron/sqlx for prepared-statement caching (present as an
// indirect dependency of moby/moby) over a pure-Go SQLite driver
// (modernc.org/sqlite — see DESIGN.md for why).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/xid"
	_ "modernc.org/sqlite"

	"github.com/dougsko/rfmp/internal/rfmp"
)

// ErrIDMismatch is returned by InsertMessage when the row's declared id
// disagrees with its recomputed fingerprint (spec §3.1's invariant).
var ErrIDMismatch = errors.New("store: message id does not match fingerprint")

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store wraps a sqlite-backed *sqlx.DB. All writes are serialized through
// writeMu (spec §4.4's "single store writer"); reads may run concurrently
// and see snapshot semantics either side of any one write.
type Store struct {
	db *sqlx.DB

	writeMu sync.Mutex

	stmtMu sync.Mutex
	stmts  map[string]*sqlx.Stmt
}

// Open opens (or creates) the sqlite database at path and applies any
// pending schema migration.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite's own single-writer discipline, mirrored here
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma setup: %w", err)
	}

	s := &Store{db: db, stmts: make(map[string]*sqlx.Stmt)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var current int
	_ = s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)

	for v := current + 1; v <= schemaVersion; v++ {
		stmt := migrations[v]
		if stmt == "" {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("store: migration %d: begin: %w", v, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migration %d: %w", v, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, v, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migration %d: record version: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: migration %d: commit: %w", v, err)
		}
	}
	return nil
}

// prepared returns a cached *sqlx.Stmt for query, preparing it on first use.
func (s *Store) prepared(query string) (*sqlx.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Preparex(query)
	if err != nil {
		return nil, fmt.Errorf("store: prepare: %w", err)
	}
	s.stmts[query] = stmt
	return stmt, nil
}

const insertMessageQuery = `
INSERT INTO messages (id, from_node, author, timestamp, channel, priority, reply_to, body, transmitted_at, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`

// InsertMessage verifies the fingerprint invariant and idempotently inserts
// m, reporting Duplicate rather than erroring on a repeat id (spec §4.4 /
// testable property 4).
func (s *Store) InsertMessage(ctx context.Context, m Message) (InsertOutcome, error) {
	want := rfmp.Fingerprint(m.FromNode, m.Timestamp, m.Body)
	if want != m.ID {
		return 0, fmt.Errorf("%w: got %s, want %s", ErrIDMismatch, m.ID, want)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stmt, err := s.prepared(insertMessageQuery)
	if err != nil {
		return 0, err
	}
	var replyTo *string
	if m.ReplyTo != nil {
		v := m.ReplyTo.String()
		replyTo = &v
	}
	res, err := stmt.ExecContext(ctx, m.ID.String(), m.FromNode, m.Author, m.Timestamp, m.Channel, int(m.Priority), replyTo, m.Body, m.TransmittedAt, m.ReceivedAt)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: insert message rows affected: %w", err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

type messageRow struct {
	ID            string         `db:"id"`
	FromNode      string         `db:"from_node"`
	Author        string         `db:"author"`
	Timestamp     uint32         `db:"timestamp"`
	Channel       string         `db:"channel"`
	Priority      int            `db:"priority"`
	ReplyTo       sql.NullString `db:"reply_to"`
	Body          []byte         `db:"body"`
	TransmittedAt sql.NullInt64  `db:"transmitted_at"`
	ReceivedAt    sql.NullInt64  `db:"received_at"`
}

func (r messageRow) toMessage() (Message, error) {
	id, err := rfmp.ParseID(r.ID)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:        id,
		FromNode:  r.FromNode,
		Author:    r.Author,
		Timestamp: r.Timestamp,
		Channel:   r.Channel,
		Priority:  rfmp.Priority(r.Priority),
		Body:      r.Body,
	}
	if r.ReplyTo.Valid {
		rid, err := rfmp.ParseID(r.ReplyTo.String)
		if err != nil {
			return Message{}, err
		}
		m.ReplyTo = &rid
	}
	if r.TransmittedAt.Valid {
		v := uint32(r.TransmittedAt.Int64)
		m.TransmittedAt = &v
	}
	if r.ReceivedAt.Valid {
		v := uint32(r.ReceivedAt.Int64)
		m.ReceivedAt = &v
	}
	return m, nil
}

// GetMessage looks up a single message by full or short (>= 8 hex char)
// id, using a LIKE-prefix match as spec §6.4 requires the storage layer to
// support.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var row messageRow
	var err error
	if len(id) == rfmp.IDHexLen {
		err = s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id = ?`, id)
	} else {
		err = s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id LIKE ? ORDER BY timestamp DESC LIMIT 1`, id+"%")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	m, err := row.toMessage()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages matching filter, newest first.
func (s *Store) ListMessages(ctx context.Context, filter ListFilter) ([]Message, error) {
	query := `SELECT * FROM messages WHERE 1=1`
	var args []any
	if filter.Channel != nil {
		query += ` AND channel = ?`
		args = append(args, *filter.Channel)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// InsertFragment idempotently stores one fragment row.
func (s *Store) InsertFragment(ctx context.Context, f Fragment) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fragments (from_node, msg_id, seq, total, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_node, msg_id, seq) DO NOTHING`,
		f.FromNode, f.MsgID.String(), f.Seq, f.Total, f.Payload)
	if err != nil {
		return fmt.Errorf("store: insert fragment: %w", err)
	}
	return nil
}

type fragmentRow struct {
	FromNode string `db:"from_node"`
	MsgID    string `db:"msg_id"`
	Seq      int    `db:"seq"`
	Total    int    `db:"total"`
	Payload  []byte `db:"payload"`
}

// ListFragments returns every stored fragment for msgID, any from_node.
func (s *Store) ListFragments(ctx context.Context, msgID rfmp.ID) ([]Fragment, error) {
	var rows []fragmentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM fragments WHERE msg_id = ? ORDER BY seq`, msgID.String()); err != nil {
		return nil, fmt.Errorf("store: list fragments: %w", err)
	}
	out := make([]Fragment, 0, len(rows))
	for _, r := range rows {
		id, err := rfmp.ParseID(r.MsgID)
		if err != nil {
			return nil, err
		}
		out = append(out, Fragment{FromNode: r.FromNode, MsgID: id, Seq: uint8(r.Seq), Total: uint8(r.Total), Payload: r.Payload})
	}
	return out, nil
}

// DeleteFragments removes every stored fragment for msgID.
func (s *Store) DeleteFragments(ctx context.Context, msgID rfmp.ID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE msg_id = ?`, msgID.String())
	if err != nil {
		return fmt.Errorf("store: delete fragments: %w", err)
	}
	return nil
}

// EnqueueTx inserts a new transmission queue row, assigning it a fresh xid
// if entry.ID is empty.
func (s *Store) EnqueueTx(ctx context.Context, entry TxQueueEntry) (TxQueueEntry, error) {
	if entry.ID == "" {
		entry.ID = xid.New().String()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var msgID *string
	if entry.MsgID != nil {
		v := entry.MsgID.String()
		msgID = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tx_queue (id, frame_bytes, priority, purpose, msg_id, enqueued_at, attempts, next_eligible_at, leased_until)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, NULL)`,
		entry.ID, entry.FrameBytes, entry.Priority, string(entry.Purpose), msgID, entry.EnqueuedAt, entry.NextEligibleAt)
	if err != nil {
		return TxQueueEntry{}, fmt.Errorf("store: enqueue tx: %w", err)
	}
	return entry, nil
}

type txQueueRow struct {
	ID             string         `db:"id"`
	FrameBytes     []byte         `db:"frame_bytes"`
	Priority       int            `db:"priority"`
	Purpose        string         `db:"purpose"`
	MsgID          sql.NullString `db:"msg_id"`
	EnqueuedAt     uint32         `db:"enqueued_at"`
	Attempts       int            `db:"attempts"`
	NextEligibleAt uint32         `db:"next_eligible_at"`
	LeasedUntil    sql.NullInt64  `db:"leased_until"`
}

func (r txQueueRow) toEntry() (TxQueueEntry, error) {
	e := TxQueueEntry{
		ID:             r.ID,
		FrameBytes:     r.FrameBytes,
		Priority:       r.Priority,
		Purpose:        Purpose(r.Purpose),
		EnqueuedAt:     r.EnqueuedAt,
		Attempts:       r.Attempts,
		NextEligibleAt: r.NextEligibleAt,
	}
	if r.MsgID.Valid {
		id, err := rfmp.ParseID(r.MsgID.String)
		if err != nil {
			return TxQueueEntry{}, err
		}
		e.MsgID = &id
	}
	if r.LeasedUntil.Valid {
		v := uint32(r.LeasedUntil.Int64)
		e.LeasedUntil = &v
	}
	return e, nil
}

// LeaseNextTx atomically picks the lowest-priority (urgent-first),
// oldest-enqueued eligible row and marks it in-flight with a lease deadline,
// per spec §4.4 / §4.8's dequeue rule. Returns nil, nil when nothing is
// eligible.
func (s *Store) LeaseNextTx(ctx context.Context, now uint32, leaseSeconds uint32) (*TxQueueEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: lease tx: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row txQueueRow
	err = tx.GetContext(ctx, &row, `
		SELECT * FROM tx_queue
		WHERE next_eligible_at <= ? AND (leased_until IS NULL OR leased_until <= ?)
		ORDER BY priority ASC, enqueued_at ASC
		LIMIT 1`, now, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lease tx: select: %w", err)
	}

	leasedUntil := now + leaseSeconds
	if _, err := tx.ExecContext(ctx, `UPDATE tx_queue SET leased_until = ? WHERE id = ?`, leasedUntil, row.ID); err != nil {
		return nil, fmt.Errorf("store: lease tx: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: lease tx: commit: %w", err)
	}

	entry, err := row.toEntry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// AckTx removes a successfully-transmitted entry from the queue.
func (s *Store) AckTx(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM tx_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: ack tx: %w", err)
	}
	return nil
}

// NackTx bumps the attempt counter and schedules the next eligible time
// delaySeconds from now, releasing the in-flight lease.
func (s *Store) NackTx(ctx context.Context, id string, now uint32, delaySeconds uint32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tx_queue
		SET attempts = attempts + 1, next_eligible_at = ?, leased_until = NULL
		WHERE id = ?`, now+delaySeconds, id)
	if err != nil {
		return fmt.Errorf("store: nack tx: %w", err)
	}
	return nil
}

// DropTx permanently removes an entry (spec §4.8's permanent-failure path).
func (s *Store) DropTx(ctx context.Context, id string) error {
	return s.AckTx(ctx, id)
}

// QueueDepth returns the number of rows currently queued, for backpressure
// checks (spec §7's BackpressureDropped / queue_high_water).
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tx_queue`); err != nil {
		return 0, fmt.Errorf("store: queue depth: %w", err)
	}
	return n, nil
}

// SetTransmittedAt records when a message's originating frame was handed to
// the wire (spec §4.8 step 3).
func (s *Store) SetTransmittedAt(ctx context.Context, id rfmp.ID, at uint32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET transmitted_at = ? WHERE id = ?`, at, id.String())
	if err != nil {
		return fmt.Errorf("store: set transmitted_at: %w", err)
	}
	return nil
}

// SeenTouch records id as seen at "now" in the authoritative store-backed
// seen table (the in-memory LRU in package seen is the fast path).
func (s *Store) SeenTouch(ctx context.Context, id rfmp.ID, now uint32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seen (msg_id, last_seen_at) VALUES (?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		id.String(), now)
	if err != nil {
		return fmt.Errorf("store: seen touch: %w", err)
	}
	return nil
}

// SeenContains is the authoritative (store-backed) membership check.
func (s *Store) SeenContains(ctx context.Context, id rfmp.ID) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM seen WHERE msg_id = ?`, id.String()); err != nil {
		return false, fmt.Errorf("store: seen contains: %w", err)
	}
	return n > 0, nil
}

// SaveBloomWindow persists one rotated-in window so sync state survives a
// restart within the window's lifetime (spec §3.2).
func (s *Store) SaveBloomWindow(ctx context.Context, w BloomWindowRow) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bloom_windows (window_index, opened_at, salt, k, m_log2, bits, count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_index) DO UPDATE SET
			opened_at = excluded.opened_at, salt = excluded.salt, k = excluded.k,
			m_log2 = excluded.m_log2, bits = excluded.bits, count = excluded.count`,
		w.WindowIndex, w.OpenedAt, w.Salt, w.K, w.MLog2, w.Bits, w.Count)
	if err != nil {
		return fmt.Errorf("store: save bloom window: %w", err)
	}
	return nil
}

// LoadBloomWindows returns every persisted window, in window_index order.
func (s *Store) LoadBloomWindows(ctx context.Context) ([]BloomWindowRow, error) {
	var rows []BloomWindowRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT window_index, opened_at, salt, k, m_log2, bits, count FROM bloom_windows ORDER BY window_index`); err != nil {
		return nil, fmt.Errorf("store: load bloom windows: %w", err)
	}
	return rows, nil
}

// UpsertNode records activity from callsign, initializing first_seen on the
// first sighting and always bumping last_seen and packet_count. Returns
// isNew so callers can raise a NodeSeen event only for a station's first
// appearance, not every packet (spec §6.3's subscribe() NodeSeen kind).
func (s *Store) UpsertNode(ctx context.Context, callsign string, now uint32) (isNew bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: upsert node: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing int
	getErr := tx.GetContext(ctx, &existing, `SELECT 1 FROM nodes WHERE callsign = ?`, callsign)
	if getErr != nil && !errors.Is(getErr, sql.ErrNoRows) {
		return false, fmt.Errorf("store: upsert node: check existing: %w", getErr)
	}
	isNew = errors.Is(getErr, sql.ErrNoRows)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (callsign, first_seen, last_seen, packet_count) VALUES (?, ?, ?, 1)
		ON CONFLICT(callsign) DO UPDATE SET last_seen = excluded.last_seen, packet_count = packet_count + 1`,
		callsign, now, now); err != nil {
		return false, fmt.Errorf("store: upsert node: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: upsert node: commit: %w", err)
	}
	return isNew, nil
}

// UpsertChannel records activity on name, bumping message_count and
// last_activity.
func (s *Store) UpsertChannel(ctx context.Context, name string, now uint32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (name, message_count, last_activity) VALUES (?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET message_count = message_count + 1, last_activity = excluded.last_activity`,
		name, now)
	if err != nil {
		return fmt.Errorf("store: upsert channel: %w", err)
	}
	return nil
}

// ListNodes returns every known node, optionally filtered to those seen
// within the last activeWithin seconds of now.
func (s *Store) ListNodes(ctx context.Context, now uint32, activeWithin *uint32) ([]Node, error) {
	query := `SELECT callsign, first_seen, last_seen, packet_count FROM nodes`
	var args []any
	if activeWithin != nil {
		query += ` WHERE last_seen >= ?`
		args = append(args, now-*activeWithin)
	}
	query += ` ORDER BY last_seen DESC`
	var nodes []Node
	if err := s.db.SelectContext(ctx, &nodes, query, args...); err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	return nodes, nil
}

// ListChannels returns every known channel.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := s.db.SelectContext(ctx, &channels, `SELECT name, message_count, last_activity FROM channels ORDER BY last_activity DESC`); err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	return channels, nil
}
