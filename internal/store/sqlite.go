package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

// SQLiteStore keeps room documents in a local SQLite file. Updates are
// compare-and-swap on the version column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/rooms.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/rooms.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT UNIQUE NOT NULL,
		type       TEXT NOT NULL,
		language   TEXT NOT NULL DEFAULT '',
		guild_id   TEXT NOT NULL DEFAULT '',
		doc        TEXT NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_type_language ON rooms(type, language);
	CREATE INDEX IF NOT EXISTS idx_rooms_guild ON rooms(guild_id);

	CREATE TABLE IF NOT EXISTS sequences (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_idle (
		room_id TEXT PRIMARY KEY,
		since   INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRoom inserts a room row.
func (s *SQLiteStore) CreateRoom(ctx context.Context, r *models.Room) error {
	defer observe("sqlite", "create", time.Now())
	r.Version = 1
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, type, language, guild_id, doc, version, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, r.ID, string(r.Type), r.Language, r.GuildID, string(doc), r.CreatedAt)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return models.ErrRoomExists
	}
	return err
}

// GetRoom loads a room row.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observe("sqlite", "get", time.Now())
	return s.getRoom(ctx, id)
}

func (s *SQLiteStore) getRoom(ctx context.Context, id string) (*models.Room, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM rooms WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRoomNotFound
		}
		return nil, err
	}
	var r models.Room
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRoom re-reads and retries when the version moved underneath it.
func (s *SQLiteStore) UpdateRoom(ctx context.Context, id string, fn MutateFunc) (*models.Room, error) {
	defer observe("sqlite", "update", time.Now())
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		current, err := s.getRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyMutation(current, fn)
		if err != nil {
			return nil, err
		}
		doc, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE rooms SET doc = ?, version = ? WHERE id = ? AND version = ?
		`, string(doc), next.Version, id, current.Version)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
	}
	return nil, models.ErrConflict
}

// DeleteRoom removes a room row and its idle clock.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	defer observe("sqlite", "delete", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_idle WHERE room_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRoomIf deletes the row only at the version cond was checked against,
// re-reading when another writer moved it.
func (s *SQLiteStore) DeleteRoomIf(ctx context.Context, id string, cond func(r *models.Room) bool) (bool, error) {
	defer observe("sqlite", "delete", time.Now())
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		current, err := s.getRoom(ctx, id)
		if errors.Is(err, models.ErrRoomNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cond != nil && !cond(current) {
			return false, nil
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return false, err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ? AND version = ?`, id, current.Version)
		if err != nil {
			tx.Rollback()
			return false, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			tx.Rollback()
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM room_idle WHERE room_id = ?`, id); err != nil {
			tx.Rollback()
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, models.ErrConflict
}

// ListRooms pages through matching rooms in insertion order.
func (s *SQLiteStore) ListRooms(ctx context.Context, f RoomFilter, limit int, pageToken string) ([]models.Room, string, error) {
	defer observe("sqlite", "list", time.Now())
	offset, err := parsePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	lim := limit
	if lim <= 0 {
		lim = -1 // no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM rooms
		WHERE (?1 = '' OR type = ?1)
		  AND (?2 = '' OR language = ?2)
		  AND (?3 = '' OR guild_id = ?3)
		  AND (?4 = '' OR EXISTS (SELECT 1 FROM json_each(rooms.doc, '$.members') WHERE value = ?4))
		ORDER BY seq
		LIMIT ?5 OFFSET ?6
	`, string(f.Type), f.Language, f.GuildID, f.Member, lim, offset)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, "", err
		}
		var r models.Room
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, "", err
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return rooms, nextPageToken(offset, len(rooms), limit), nil
}

// NextSequence increments a named counter.
func (s *SQLiteStore) NextSequence(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequences (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
		RETURNING value
	`, key).Scan(&v)
	return v, err
}

// MarkRoomOccupied clears the idle clock.
func (s *SQLiteStore) MarkRoomOccupied(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_idle WHERE room_id = ?`, id)
	return err
}

// RoomIdleSince starts or reads the idle clock.
func (s *SQLiteStore) RoomIdleSince(ctx context.Context, id string, now time.Time) (time.Time, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_idle (room_id, since) VALUES (?, ?)
	`, id, now.UnixMilli()); err != nil {
		return time.Time{}, err
	}
	var ms int64
	if err := s.db.QueryRowContext(ctx, `SELECT since FROM room_idle WHERE room_id = ?`, id).Scan(&ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
