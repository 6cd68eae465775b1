package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmaynard/chat-service-sub000/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	language   TEXT NOT NULL DEFAULT '',
	guild_id   TEXT NOT NULL DEFAULT '',
	doc        JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_rooms_type_language ON rooms(type, language, seq);
CREATE INDEX IF NOT EXISTS idx_rooms_guild ON rooms(guild_id) WHERE guild_id <> '';
CREATE INDEX IF NOT EXISTS idx_rooms_members ON rooms USING GIN ((doc->'members'));

CREATE TABLE IF NOT EXISTS sequences (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS room_idle (
	room_id TEXT PRIMARY KEY,
	since   TIMESTAMPTZ NOT NULL
);
`

// PostgresStore keeps room documents in PostgreSQL as JSONB rows.
// Updates lock the row for the duration of the mutation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRoom inserts a room row.
func (s *PostgresStore) CreateRoom(ctx context.Context, r *models.Room) error {
	defer observe("postgres", "create", time.Now())
	r.Version = 1
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rooms (id, type, language, guild_id, doc, version, created_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
	`, r.ID, string(r.Type), r.Language, r.GuildID, doc, r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return models.ErrRoomExists
	}
	return err
}

// GetRoom loads a room row.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observe("postgres", "get", time.Now())
	return scanRoom(s.pool.QueryRow(ctx, `SELECT doc FROM rooms WHERE id = $1`, id))
}

func scanRoom(row pgx.Row) (*models.Room, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRoomNotFound
		}
		return nil, err
	}
	var r models.Room
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRoom locks the row, applies fn and writes it back in one transaction.
func (s *PostgresStore) UpdateRoom(ctx context.Context, id string, fn MutateFunc) (*models.Room, error) {
	defer observe("postgres", "update", time.Now())
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanRoom(tx.QueryRow(ctx, `SELECT doc FROM rooms WHERE id = $1 FOR UPDATE`, id))
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
	if _, err := tx.Exec(ctx, `UPDATE rooms SET doc = $2, version = $3 WHERE id = $1`, id, doc, next.Version); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteRoom removes a room row and its idle clock.
func (s *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	defer observe("postgres", "delete", time.Now())
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM rooms WHERE id = $1`, id)
	batch.Queue(`DELETE FROM room_idle WHERE room_id = $1`, id)
	return s.pool.SendBatch(ctx, batch).Close()
}

// DeleteRoomIf locks the row and deletes it in the same transaction when
// cond holds.
func (s *PostgresStore) DeleteRoomIf(ctx context.Context, id string, cond func(r *models.Room) bool) (bool, error) {
	defer observe("postgres", "delete", time.Now())
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	current, err := scanRoom(tx.QueryRow(ctx, `SELECT doc FROM rooms WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, models.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cond != nil && !cond(current) {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM room_idle WHERE room_id = $1`, id); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListRooms pages through matching rooms in insertion order.
func (s *PostgresStore) ListRooms(ctx context.Context, f RoomFilter, limit int, pageToken string) ([]models.Room, string, error) {
	defer observe("postgres", "list", time.Now())
	offset, err := parsePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM rooms
		WHERE ($1 = '' OR type = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR guild_id = $3)
		  AND ($4 = '' OR doc->'members' ? $4)
		ORDER BY seq
		LIMIT $5 OFFSET $6
	`, string(f.Type), f.Language, f.GuildID, f.Member, lim, offset)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, "", err
		}
		rooms = append(rooms, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return rooms, nextPageToken(offset, len(rooms), limit), nil
}

// NextSequence increments a named counter.
func (s *PostgresStore) NextSequence(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sequences (key, value) VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET value = sequences.value + 1
		RETURNING value
	`, key).Scan(&v)
	return v, err
}

// MarkRoomOccupied clears the idle clock.
func (s *PostgresStore) MarkRoomOccupied(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM room_idle WHERE room_id = $1`, id)
	return err
}

// RoomIdleSince starts or reads the idle clock.
func (s *PostgresStore) RoomIdleSince(ctx context.Context, id string, now time.Time) (time.Time, error) {
	var since time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO room_idle (room_id, since) VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET since = room_idle.since
		RETURNING since
	`, id, now).Scan(&since)
	return since, err
}
