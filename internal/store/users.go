package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"securechat-backend/internal/models"
)

// rolePermissions maps a user's role to the actions it may perform.
// Roles themselves are administered outside this service.
var rolePermissions = map[string][]string{
	"admin": {
		"send_message", "edit_message", "delete_message", "moderate_messages",
		"join_channel", "flag_message", "read_sensitive", "manage_preferences",
		"verify_audit",
	},
	"moderator": {
		"send_message", "edit_message", "delete_message", "moderate_messages",
		"join_channel", "flag_message", "read_sensitive", "manage_preferences",
	},
	"staff": {
		"send_message", "edit_message", "delete_message",
		"join_channel", "flag_message", "read_sensitive", "manage_preferences",
	},
	"readonly": {
		"join_channel", "manage_preferences",
	},
}

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Find(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, role, password FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Username, &user.DisplayName, &user.Role, &user.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, role, password FROM users WHERE username = ?", username).
		Scan(&user.ID, &user.Username, &user.DisplayName, &user.Role, &user.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserStore) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists)
	return exists, err
}

func (s *UserStore) Permissions(ctx context.Context, id int64) ([]string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, "SELECT role FROM users WHERE id = ?", id).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	perms, ok := rolePermissions[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q for user %d", role, id)
	}
	return perms, nil
}
