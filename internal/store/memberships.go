package store

import (
	"context"
	"database/sql"
	"errors"
)

type MembershipStore struct {
	db *sql.DB
}

func NewMembershipStore(db *sql.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

func (s *MembershipStore) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	var channelExists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM channels WHERE id = ?)", channelID).Scan(&channelExists)
	if err != nil {
		return false, err
	}
	if !channelExists {
		return false, ErrNotFound
	}

	var isMember bool
	err = s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)",
		channelID, userID).Scan(&isMember)
	if err != nil {
		return false, err
	}
	return isMember, nil
}

func (s *MembershipStore) ListMembers(ctx context.Context, channelID int64) ([]int64, error) {
	var channelExists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM channels WHERE id = ?)", channelID).Scan(&channelExists)
	if err != nil {
		return nil, err
	}
	if !channelExists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM channel_members WHERE channel_id = ?", channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		members = append(members, userID)
	}

	return members, rows.Err()
}

func (s *MembershipStore) Add(ctx context.Context, channelID, userID int64, role string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO channel_members (channel_id, user_id, role) VALUES (?, ?, ?)",
		channelID, userID, role)
	return err
}

func (s *MembershipStore) Remove(ctx context.Context, channelID, userID int64) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?", channelID, userID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *MembershipStore) Role(ctx context.Context, channelID, userID int64) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		"SELECT role FROM channel_members WHERE channel_id = ? AND user_id = ?",
		channelID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	return role, nil
}
