package store

import (
	"context"
	"errors"

	"securechat-backend/internal/models"
)

// ErrNotFound is returned when a row the caller named does not exist.
var ErrNotFound = errors.New("not found")

// Messages is the durable message store consumed by the pipeline.
type Messages interface {
	Insert(ctx context.Context, msg *models.Message) error
	UpdateContent(ctx context.Context, id int64, content string, ciphertext []byte) error
	SoftDelete(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, id int64) error
	Find(ctx context.Context, id int64) (*models.Message, error)
	MarkRead(ctx context.Context, id int64) error
	Flag(ctx context.Context, id int64, reason string) error
}

// Memberships resolves and mutates channel membership. The hub keeps a
// derived cache of ListMembers results; this store is the source of truth.
type Memberships interface {
	IsMember(ctx context.Context, channelID, userID int64) (bool, error)
	ListMembers(ctx context.Context, channelID int64) ([]int64, error)
	Add(ctx context.Context, channelID, userID int64, role string) error
	Remove(ctx context.Context, channelID, userID int64) error
	Role(ctx context.Context, channelID, userID int64) (string, error)
}

// Users is the user/role lookup capability consumed from the admin side.
type Users interface {
	Find(ctx context.Context, id int64) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	Exists(ctx context.Context, id int64) (bool, error)
	Permissions(ctx context.Context, id int64) ([]string, error)
}
