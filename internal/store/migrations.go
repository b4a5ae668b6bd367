package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
//
// Timestamps are stored as Unix milliseconds (INTEGER) throughout, so rows
// scan identically regardless of driver time parsing.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	key        TEXT PRIMARY KEY,
	ciphertext BLOB NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS triggers (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_type TEXT NOT NULL,
	subject_id   INTEGER NOT NULL,
	fire_at      INTEGER NOT NULL,
	fired        INTEGER NOT NULL DEFAULT 0,
	outcome      TEXT NOT NULL DEFAULT '',
	offset_label TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_triggers_due ON triggers(fired, fire_at);

-- Uniqueness covers pending triggers only: terminal rows (fired or
-- superseded) stay for audit, and a rescheduled subject gets fresh rows.
CREATE UNIQUE INDEX IF NOT EXISTS idx_triggers_pending
	ON triggers(subject_type, subject_id, offset_label) WHERE fired = 0;

CREATE TABLE IF NOT EXISTS delivery_attempts (
	request_id         TEXT NOT NULL,
	attempt_number     INTEGER NOT NULL,
	correlation_id     TEXT NOT NULL,
	channel            TEXT NOT NULL,
	started_at         INTEGER NOT NULL,
	finished_at        INTEGER NOT NULL,
	outcome            TEXT NOT NULL,
	transport_code     INTEGER NOT NULL DEFAULT 0,
	transport_message  TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	payload_size_bytes INTEGER NOT NULL DEFAULT 0,
	sender_identity    TEXT NOT NULL DEFAULT '',
	recipient_identity TEXT NOT NULL DEFAULT '',
	actor_user_id      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (request_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_attempts_started ON delivery_attempts(started_at);
CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON delivery_attempts(outcome);

CREATE TABLE IF NOT EXISTS tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	description TEXT NOT NULL,
	assignee    TEXT NOT NULL DEFAULT '',
	recipient   TEXT NOT NULL DEFAULT '',
	channel     TEXT NOT NULL DEFAULT 'email',
	priority    INTEGER NOT NULL DEFAULT 3,
	due_at      INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'open',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shifts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	employee   TEXT NOT NULL DEFAULT '',
	recipient  TEXT NOT NULL DEFAULT '',
	channel    TEXT NOT NULL DEFAULT 'whatsapp',
	start_at   INTEGER NOT NULL,
	end_at     INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'scheduled',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	title      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	recipient  TEXT NOT NULL DEFAULT '',
	channel    TEXT NOT NULL DEFAULT 'email',
	start_at   INTEGER NOT NULL,
	cancelled  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
`,
	},
}
