package export

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	alias       TEXT NOT NULL,
	message_key TEXT NOT NULL,
	msgno       INTEGER NOT NULL DEFAULT 0,
	uid         INTEGER NOT NULL DEFAULT 0,
	subject     TEXT NOT NULL DEFAULT '',
	from_addr   TEXT NOT NULL DEFAULT '',
	to_addr     TEXT NOT NULL DEFAULT '',
	date        TEXT NOT NULL DEFAULT '',
	message_id  TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	charset     TEXT NOT NULL DEFAULT '',
	plainmsg    TEXT NOT NULL DEFAULT '',
	htmlmsg     TEXT NOT NULL DEFAULT '',
	fields      TEXT NOT NULL DEFAULT '{}',
	exported_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (alias, message_key)
);

CREATE TABLE IF NOT EXISTS attachments (
	message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename   TEXT NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (message_id, filename)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
