package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Versions must be
// sequential starting from 1. Column names are a compatibility contract;
// renaming one breaks every deployment that reads the same database.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace_id      INTEGER NOT NULL,
	email             TEXT NOT NULL UNIQUE,
	provider          TEXT NOT NULL DEFAULT 'generic',
	state             TEXT NOT NULL DEFAULT 'live'
	                  CHECK(state IN ('live', 'down', 'invalid')),
	sync_should_run   INTEGER NOT NULL DEFAULT 1,
	sync_email        INTEGER NOT NULL DEFAULT 1,
	desired_sync_host TEXT,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folder (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id         INTEGER NOT NULL REFERENCES account(id) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	sync_should_run    INTEGER NOT NULL DEFAULT 1,
	initial_sync_start DATETIME,
	initial_sync_end   DATETIME,
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS imapfolderinfo (
	folder_id         INTEGER PRIMARY KEY REFERENCES folder(id) ON DELETE CASCADE,
	uidvalidity       INTEGER NOT NULL DEFAULT 0,
	uidnext           INTEGER NOT NULL DEFAULT 0,
	highestmodseq     INTEGER NOT NULL DEFAULT 0,
	fetchedmin        INTEGER,
	fetchedmax        INTEGER,
	last_slow_refresh DATETIME
);

CREATE TABLE IF NOT EXISTS thread (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id    TEXT NOT NULL UNIQUE,
	namespace_id INTEGER NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	recentdate   DATETIME NOT NULL,
	subjectdate  DATETIME NOT NULL,
	deleted_at   DATETIME
);

CREATE TABLE IF NOT EXISTS message (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id         TEXT NOT NULL UNIQUE,
	namespace_id      INTEGER NOT NULL,
	thread_id         INTEGER NOT NULL REFERENCES thread(id),
	subject           TEXT NOT NULL DEFAULT '',
	message_id_header TEXT NOT NULL DEFAULT '',
	received_date     DATETIME NOT NULL,
	is_draft          INTEGER NOT NULL DEFAULT 0,
	decode_error      INTEGER NOT NULL DEFAULT 0,
	deleted_at        DATETIME
);

CREATE TABLE IF NOT EXISTS imapuid (
	folder_id   INTEGER NOT NULL REFERENCES folder(id) ON DELETE CASCADE,
	msg_uid     INTEGER NOT NULL,
	message_id  INTEGER NOT NULL REFERENCES message(id) ON DELETE CASCADE,
	extra_flags TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (folder_id, msg_uid)
);

CREATE TABLE IF NOT EXISTS actionlog (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace_id     INTEGER NOT NULL,
	object_public_id TEXT NOT NULL,
	type             TEXT NOT NULL CHECK(type IN ('archive', 'move', 'delete')),
	status           TEXT NOT NULL DEFAULT 'pending'
	                 CHECK(status IN ('pending', 'in_progress', 'succeeded', 'failed')),
	retries          INTEGER NOT NULL DEFAULT 0,
	extra_args       TEXT NOT NULL DEFAULT '{}',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_message_thread_id ON message(thread_id);
CREATE INDEX IF NOT EXISTS idx_message_deleted_at ON message(deleted_at);
CREATE INDEX IF NOT EXISTS idx_message_decode_error ON message(decode_error);
CREATE INDEX IF NOT EXISTS idx_thread_deleted_at ON thread(deleted_at);
CREATE INDEX IF NOT EXISTS idx_imapuid_message_id ON imapuid(message_id);
CREATE INDEX IF NOT EXISTS idx_actionlog_status_retries ON actionlog(status, retries);
CREATE INDEX IF NOT EXISTS idx_actionlog_status_type ON actionlog(status, type);
CREATE INDEX IF NOT EXISTS idx_actionlog_object ON actionlog(object_public_id, type);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_message_received_date ON message(received_date);
CREATE INDEX IF NOT EXISTS idx_thread_recentdate ON thread(recentdate);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS messagepart (
	message_id INTEGER NOT NULL REFERENCES message(id) ON DELETE CASCADE,
	part_index INTEGER NOT NULL,
	content    BLOB NOT NULL,
	PRIMARY KEY (message_id, part_index)
);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
