package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"FamLink/module/rtc/model"
	"FamLink/tools/errs"
)

const roomSchema = `
CREATE TABLE IF NOT EXISTS call_room (
	room_id      TEXT PRIMARY KEY,
	creator_id   TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	family_scope TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	created_at   BIGINT NOT NULL,
	ended_at     BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS call_participant (
	room_id   TEXT NOT NULL REFERENCES call_room(room_id),
	user_id   TEXT NOT NULL,
	joined_at BIGINT NOT NULL,
	left_at   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, user_id, joined_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_participant
	ON call_participant (room_id, user_id) WHERE left_at = 0;
`

// PostgresRoomStore mirrors room lifecycle rows for history queries. The
// partial unique index enforces at most one active row per user per room.
type PostgresRoomStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRoomStore(ctx context.Context, dsn string) (*PostgresRoomStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, roomSchema); err != nil {
		pool.Close()
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "ensure room schema")
	}
	return &PostgresRoomStore{pool: pool}, nil
}

func (s *PostgresRoomStore) Close() { s.pool.Close() }

func (s *PostgresRoomStore) UpsertRoom(ctx context.Context, r *model.CallRoom) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_room (room_id, creator_id, display_name, family_scope, state, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id) DO UPDATE SET state = EXCLUDED.state, ended_at = EXCLUDED.ended_at
	`, r.RoomID, r.CreatorID, r.DisplayName, r.FamilyScope, string(r.State), r.CreatedAt, r.EndedAt)
	return err
}

func (s *PostgresRoomStore) UpsertParticipant(ctx context.Context, p *model.CallParticipant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_participant (room_id, user_id, joined_at, left_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, user_id, joined_at) DO UPDATE SET left_at = EXCLUDED.left_at
	`, p.RoomID, p.UserID, p.JoinedAt, p.LeftAt)
	return err
}

// RoomHistory returns ended rooms for a family scope, newest first.
func (s *PostgresRoomStore) RoomHistory(ctx context.Context, familyScope string, limit int) ([]model.CallRoom, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, creator_id, display_name, family_scope, state, created_at, ended_at
		FROM call_room
		WHERE family_scope = $1 AND state = 'ended'
		ORDER BY created_at DESC
		LIMIT $2
	`, familyScope, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CallRoom
	for rows.Next() {
		var r model.CallRoom
		var state string
		if err := rows.Scan(&r.RoomID, &r.CreatorID, &r.DisplayName, &r.FamilyScope, &state, &r.CreatedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		r.State = model.RoomState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindRoom loads one room row; nil when absent.
func (s *PostgresRoomStore) FindRoom(ctx context.Context, roomID string) (*model.CallRoom, error) {
	var r model.CallRoom
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT room_id, creator_id, display_name, family_scope, state, created_at, ended_at
		FROM call_room WHERE room_id = $1
	`, roomID).Scan(&r.RoomID, &r.CreatorID, &r.DisplayName, &r.FamilyScope, &state, &r.CreatedAt, &r.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.State = model.RoomState(state)
	return &r, nil
}
