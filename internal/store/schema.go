package store

// schemaVersion is the current schema revision. Bumping it adds an entry to
// migrations; Open() applies any migration whose version exceeds what's
// recorded in schema_migrations (spec §6.4).
const schemaVersion = 1

var migrations = []string{
	1: `
CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	from_node      TEXT NOT NULL,
	author         TEXT NOT NULL DEFAULT '',
	timestamp      INTEGER NOT NULL,
	channel        TEXT NOT NULL,
	priority       INTEGER NOT NULL,
	reply_to       TEXT,
	body           BLOB NOT NULL,
	transmitted_at INTEGER,
	received_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(timestamp DESC);

CREATE TABLE IF NOT EXISTS fragments (
	from_node TEXT NOT NULL,
	msg_id    TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	total     INTEGER NOT NULL,
	payload   BLOB NOT NULL,
	PRIMARY KEY (from_node, msg_id, seq)
);

CREATE TABLE IF NOT EXISTS tx_queue (
	id               TEXT PRIMARY KEY,
	frame_bytes      BLOB NOT NULL,
	priority         INTEGER NOT NULL,
	purpose          TEXT NOT NULL,
	msg_id           TEXT,
	enqueued_at      INTEGER NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_eligible_at INTEGER NOT NULL DEFAULT 0,
	leased_until     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tx_queue_dequeue ON tx_queue(next_eligible_at, priority, enqueued_at);

CREATE TABLE IF NOT EXISTS seen (
	msg_id       TEXT PRIMARY KEY,
	last_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bloom_windows (
	window_index INTEGER PRIMARY KEY,
	opened_at    INTEGER NOT NULL,
	salt         INTEGER NOT NULL,
	k            INTEGER NOT NULL,
	m_log2       INTEGER NOT NULL,
	bits         BLOB NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS nodes (
	callsign     TEXT PRIMARY KEY,
	first_seen   INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL,
	packet_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS channels (
	name          TEXT PRIMARY KEY,
	message_count INTEGER NOT NULL DEFAULT 0,
	last_activity INTEGER NOT NULL DEFAULT 0
);
`,
}
