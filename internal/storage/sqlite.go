package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultHistoryLimit is how many conversations are kept.
const DefaultHistoryLimit = 10

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// Store wraps a SQLite database holding conversation history.
type Store struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

// Open opens (or creates) the SQLite database at path and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, limit: DefaultHistoryLimit, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// SetHistoryLimit sets how many of the newest conversations survive a
// trim. Zero or less disables trimming.
func (s *Store) SetHistoryLimit(n int) { s.limit = n }

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeFormat)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	return t, nil
}

// --- Conversations ---

// CreateConversation inserts a conversation unless one with the id exists,
// then drops all but the newest conversations and their messages.
func (s *Store) CreateConversation(id, intent, status string) error {
	now := s.timestamp()
	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (id, intent, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, intent, status, now, now,
	); err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return s.trim()
}

func (s *Store) trim() error {
	if s.limit <= 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trim: %w", err)
	}
	const stale = `SELECT id FROM conversations
		WHERE id NOT IN (SELECT id FROM conversations ORDER BY created_at DESC, rowid DESC LIMIT ?)`
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id IN (`+stale+`)`, s.limit); err != nil {
		tx.Rollback()
		return fmt.Errorf("trimming messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id IN (`+stale+`)`, s.limit); err != nil {
		tx.Rollback()
		return fmt.Errorf("trimming conversations: %w", err)
	}
	return tx.Commit()
}

func (s *Store) UpdateConversationStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`, status, s.timestamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns conversations newest first, each with the text
// of its first user message.
func (s *Store) ListConversations(limit, offset int) ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.intent, c.status, c.created_at, c.updated_at,
			COALESCE((
				SELECT m.content FROM messages m
				WHERE m.conversation_id = c.id AND m.role = 'user'
				ORDER BY m.id ASC LIMIT 1
			), '')
		FROM conversations c
		ORDER BY c.created_at DESC, c.rowid DESC
		LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Conversation{}
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Intent, &c.Status, &createdAt, &updatedAt, &c.FirstUserText); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// GetConversation returns a conversation with its messages in insertion order.
func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, intent, status, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Intent, &c.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, err
	}

	c.Messages, err = s.messages(id)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// --- Messages ---

func (s *Store) AddMessage(conversationID, role, payloadType, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, role, payload_type, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, role, payloadType, content, s.timestamp(),
	)
	return err
}

func (s *Store) messages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, payload_type, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.PayloadType, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
