package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/models"
	"securechat-backend/internal/store"

	"go.uber.org/zap"
)

// The context_id column stores 0 for global rows so it can sit in the
// primary key; the model maps that back to a nil ContextID.

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.\-]+)`)

// Service resolves and mutates per-user notification preferences.
type Service struct {
	db     *sql.DB
	users  store.Users
	ledger *audit.Ledger
	sugar  *zap.SugaredLogger
}

func NewService(db *sql.DB, users store.Users, ledger *audit.Ledger, sugar *zap.SugaredLogger) *Service {
	return &Service{db: db, users: users, ledger: ledger, sugar: sugar}
}

// ResolveLevel looks up the context-specific preference, falls back to the
// user's global preference, and defaults to "all" when neither row exists.
func (s *Service) ResolveLevel(ctx context.Context, userID int64, contextType string, contextID *int64) (string, error) {
	if contextType != models.ContextGlobal {
		if contextID == nil {
			return "", fmt.Errorf("context ID is required for context type %q", contextType)
		}
		level, found, err := s.lookup(ctx, userID, contextType, *contextID)
		if err != nil {
			return "", err
		}
		if found {
			return level, nil
		}
	}

	level, found, err := s.lookup(ctx, userID, models.ContextGlobal, 0)
	if err != nil {
		return "", err
	}
	if found {
		return level, nil
	}

	return models.LevelAll, nil
}

func (s *Service) lookup(ctx context.Context, userID int64, contextType string, contextID int64) (string, bool, error) {
	var level string
	err := s.db.QueryRowContext(ctx,
		"SELECT level FROM notification_preferences WHERE user_id = ? AND context_type = ? AND context_id = ?",
		userID, contextType, contextID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return level, true, nil
}

// Upsert writes a preference row, last write wins per key. Preference
// changes count as security-setting changes and are audited critically.
func (s *Service) Upsert(ctx context.Context, pref models.NotificationPreference, address string) error {
	if err := validate(pref); err != nil {
		return err
	}

	var contextID int64
	if pref.ContextID != nil {
		contextID = *pref.ContextID
	}

	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE notification_preferences SET level = ?, updated_at = ?
		WHERE user_id = ? AND context_type = ? AND context_id = ?`,
		pref.Level, now, pref.UserID, pref.ContextType, contextID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO notification_preferences (user_id, context_type, context_id, level, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			pref.UserID, pref.ContextType, contextID, pref.Level, now)
		if err != nil {
			return err
		}
	}

	auditErr := s.ledger.Record(ctx, audit.Event{
		Actor:  &pref.UserID,
		Action: audit.ActionPreferenceChange,
		Detail: map[string]any{
			"contextType": pref.ContextType,
			"contextID":   contextID,
			"level":       pref.Level,
		},
		Address: address,
	})
	if auditErr != nil {
		s.sugar.Errorf("recording preference change: %v", auditErr)
	}

	return nil
}

func validate(pref models.NotificationPreference) error {
	switch pref.ContextType {
	case models.ContextGlobal:
		if pref.ContextID != nil {
			return fmt.Errorf("global preferences must not carry a context ID")
		}
	case models.ContextChannel, models.ContextDM:
		if pref.ContextID == nil {
			return fmt.Errorf("context type %q requires a context ID", pref.ContextType)
		}
	default:
		return fmt.Errorf("unknown context type %q", pref.ContextType)
	}

	switch pref.Level {
	case models.LevelAll, models.LevelMentions, models.LevelNone:
		return nil
	default:
		return fmt.Errorf("unknown level %q", pref.Level)
	}
}

// ShouldNotify decides delivery for one recipient given their resolved
// level and whether the message mentions them.
func ShouldNotify(level string, mentioned bool) bool {
	switch level {
	case models.LevelAll:
		return true
	case models.LevelMentions:
		return mentioned
	default:
		return false
	}
}

// Mentions scans message text for @username tokens and resolves them to
// user ids. Unresolved usernames are dropped silently.
func (s *Service) Mentions(ctx context.Context, text string) []int64 {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[int64]bool)
	var userIDs []int64

	for _, match := range matches {
		user, err := s.users.FindByUsername(ctx, match[1])
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			s.sugar.Errorf("resolving mention @%s: %v", match[1], err)
			continue
		}
		if !seen[user.ID] {
			seen[user.ID] = true
			userIDs = append(userIDs, user.ID)
		}
	}

	return userIDs
}
