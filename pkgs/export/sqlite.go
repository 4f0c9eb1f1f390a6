// Package export stores read records in a local SQLite database.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

// SQLiteSink writes records into a SQLite database.
type SQLiteSink struct {
	db *sqlx.DB
}

// StoredMessage is one exported row.
type StoredMessage struct {
	ID         int64     `db:"id"`
	Alias      string    `db:"alias"`
	MessageKey string    `db:"message_key"`
	Msgno      int64     `db:"msgno"`
	UID        int64     `db:"uid"`
	Subject    string    `db:"subject"`
	From       string    `db:"from_addr"`
	To         string    `db:"to_addr"`
	Date       string    `db:"date"`
	MessageID  string    `db:"message_id"`
	Size       int64     `db:"size"`
	Charset    string    `db:"charset"`
	PlainMsg   string    `db:"plainmsg"`
	HTMLMsg    string    `db:"htmlmsg"`
	Fields     string    `db:"fields"`
	ExportedAt time.Time `db:"exported_at"`
}

// NewSQLiteSink opens (or creates) the database at dbPath and runs any
// pending schema migrations.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases intact across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Write upserts records in one transaction and returns the number written.
// A message is keyed by alias plus uid, message id or msgno, whichever the
// record carries first; re-exporting replaces the row and its attachments.
func (s *SQLiteSink) Write(ctx context.Context, records []mailrec.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO messages (
			alias, message_key, msgno, uid,
			subject, from_addr, to_addr, date, message_id, size,
			charset, plainmsg, htmlmsg, fields, exported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alias, message_key) DO UPDATE SET
			msgno = excluded.msgno, uid = excluded.uid,
			subject = excluded.subject, from_addr = excluded.from_addr,
			to_addr = excluded.to_addr, date = excluded.date,
			message_id = excluded.message_id, size = excluded.size,
			charset = excluded.charset, plainmsg = excluded.plainmsg,
			htmlmsg = excluded.htmlmsg, fields = excluded.fields,
			exported_at = excluded.exported_at
		RETURNING id`

	written := 0
	now := time.Now().UTC()
	for _, rec := range records {
		for _, alias := range sortedAliases(rec) {
			row := rec[alias]
			extra, err := json.Marshal(withoutBody(row))
			if err != nil {
				return written, fmt.Errorf("marshaling fields: %w", err)
			}

			var id int64
			err = tx.GetContext(ctx, &id, upsert,
				alias, messageKey(row), intField(row, mailrec.FieldID), intField(row, mailrec.FieldUID),
				stringField(row, mailrec.FieldSubject), stringField(row, mailrec.FieldFrom),
				stringField(row, mailrec.FieldTo), dateField(row), stringField(row, mailrec.FieldMessageID),
				intField(row, mailrec.FieldSize),
				stringField(row, mailrec.FieldCharset), stringField(row, mailrec.FieldPlainMsg),
				stringField(row, mailrec.FieldHTMLMsg), string(extra), now,
			)
			if err != nil {
				return written, fmt.Errorf("upserting message %s: %w", messageKey(row), err)
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE message_id = ?", id); err != nil {
				return written, fmt.Errorf("clearing attachments: %w", err)
			}
			if atts, ok := row[mailrec.FieldAttachments].(map[string][]byte); ok {
				for name, data := range atts {
					if data == nil {
						data = []byte{}
					}
					_, err := tx.ExecContext(ctx,
						"INSERT INTO attachments (message_id, filename, data) VALUES (?, ?, ?)",
						id, name, data)
					if err != nil {
						return written, fmt.Errorf("inserting attachment %q: %w", name, err)
					}
				}
			}
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing export: %w", err)
	}
	log.Debug().Str("module", "export").Int("count", written).Msg("Exported records")
	return written, nil
}

// Messages returns the stored messages of alias ordered by msgno.
func (s *SQLiteSink) Messages(ctx context.Context, alias string) ([]StoredMessage, error) {
	var out []StoredMessage
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM messages WHERE alias = ? ORDER BY msgno, id", alias)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return out, nil
}

// Attachments returns the attachments of one stored message.
func (s *SQLiteSink) Attachments(ctx context.Context, messageID int64) (map[string][]byte, error) {
	var rows []struct {
		Filename string `db:"filename"`
		Data     []byte `db:"data"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT filename, data FROM attachments WHERE message_id = ?", messageID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.Filename] = r.Data
	}
	return out, nil
}

// --- internal helpers ---

func sortedAliases(rec mailrec.Record) []string {
	aliases := make([]string, 0, len(rec))
	for a := range rec {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return aliases
}

func messageKey(row mailrec.Fields) string {
	if uid := intField(row, mailrec.FieldUID); uid != 0 {
		return fmt.Sprintf("uid:%d", uid)
	}
	if id := stringField(row, mailrec.FieldMessageID); id != "" {
		return "mid:" + id
	}
	return fmt.Sprintf("msgno:%d", intField(row, mailrec.FieldID))
}

// withoutBody drops the columns stored separately.
func withoutBody(row mailrec.Fields) mailrec.Fields {
	out := make(mailrec.Fields, len(row))
	for k, v := range row {
		switch k {
		case mailrec.FieldPlainMsg, mailrec.FieldHTMLMsg, mailrec.FieldAttachments:
			continue
		}
		out[k] = v
	}
	return out
}

func stringField(row mailrec.Fields, name string) string {
	s, _ := row[name].(string)
	return s
}

func intField(row mailrec.Fields, name string) int64 {
	switch v := row[name].(type) {
	case uint32:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func dateField(row mailrec.Fields) string {
	switch v := row[mailrec.FieldDate].(type) {
	case string:
		return v
	case time.Time:
		return v.Format(mailrec.DateLayout)
	}
	return ""
}
