package database

import (
	"context"
	"fmt"

	"github.com/damso/damso/internal/database/models"
)

// roomRepo implements RoomRepository.
type roomRepo struct {
	db *DB
}

// NewRoomRepository creates a new RoomRepository.
func NewRoomRepository(db *DB) RoomRepository {
	return &roomRepo{db: db}
}

// CreateIfMissing inserts the room unless it already exists.
func (r *roomRepo) CreateIfMissing(ctx context.Context, roomName string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rooms (room_name) VALUES ($1) ON CONFLICT (room_name) DO NOTHING`,
		roomName)
	if err != nil {
		return fmt.Errorf("creating room %s: %w", roomName, err)
	}
	return nil
}

// UpsertMember adds the user to the room or updates their role.
func (r *roomRepo) UpsertMember(ctx context.Context, roomName, userID, role string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO room_members (room_name, user_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (room_name, user_id) DO UPDATE SET role = EXCLUDED.role`,
		roomName, userID, role)
	if err != nil {
		return fmt.Errorf("upserting room member: %w", err)
	}
	return nil
}

// ListMembers returns the room's members in join order.
func (r *roomRepo) ListMembers(ctx context.Context, roomName string) ([]models.RoomMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.room_name, m.user_id, u.identity, u.display_name, m.role, m.joined_at
		 FROM room_members m
		 JOIN users u ON m.user_id = u.id
		 WHERE m.room_name = $1
		 ORDER BY m.joined_at`, roomName)
	if err != nil {
		return nil, fmt.Errorf("querying room members: %w", err)
	}
	defer rows.Close()

	var members []models.RoomMember
	for rows.Next() {
		var m models.RoomMember
		if err := rows.Scan(&m.RoomName, &m.UserID, &m.Identity, &m.DisplayName, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scanning room member row: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
