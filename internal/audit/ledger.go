package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"securechat-backend/internal/models"
	"securechat-backend/internal/snowflake"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrChainMismatch is returned by VerifyChain when recomputation disagrees
// with a stored hash.
var ErrChainMismatch = errors.New("audit chain mismatch")

// Actions written synchronously with hash chain linkage. Everything else
// may be buffered and written without linkage, trading per-entry tamper
// evidence for throughput.
var criticalActions = map[string]bool{
	ActionAuthFailure:       true,
	ActionAuthzDenied:       true,
	ActionSensitiveAccess:   true,
	ActionMessageDelete:     true,
	ActionMessageHardDelete: true,
	ActionPreferenceChange:  true,
	ActionMessageFlag:       true,
	ActionBroadcastFallback: true,
	ActionChainVerify:       true,
}

const (
	ActionAuthFailure       = "authentication_failure"
	ActionAuthSuccess       = "authentication_success"
	ActionAuthzDenied       = "authorization_denied"
	ActionSensitiveAccess   = "sensitive_content_access"
	ActionSendMessage       = "send_message"
	ActionEditMessage       = "edit_message"
	ActionMessageDelete     = "delete_message"
	ActionMessageHardDelete = "hard_delete_message"
	ActionMessageFlag       = "flag_message"
	ActionPreferenceChange  = "preference_change"
	ActionJoinChannel       = "join_channel"
	ActionLeaveChannel      = "leave_channel"
	ActionConnect           = "connection_opened"
	ActionDisconnect        = "connection_closed"
	ActionReadReceipt       = "read_receipt"
	ActionBroadcastFallback = "broadcast_fallback"
	ActionChainVerify       = "chain_verify"
)

func IsCritical(action string) bool {
	return criticalActions[action]
}

// Event is one security-relevant occurrence to record. Actor is nil for
// system actions. Detail is marshaled to JSON for the detail column.
type Event struct {
	Actor   *int64
	Action  string
	Detail  any
	Address string
}

// Mismatch identifies the first broken link VerifyChain found.
type Mismatch struct {
	EntryID int64
	Reason  string
}

// Ledger is the append-only, hash-chained audit log. Critical events are
// written one at a time under chainMutex so no two writes compute from the
// same previous hash. Routine events accumulate in a buffer flushed on
// size or on a timer.
type Ledger struct {
	db    *sql.DB
	gen   *snowflake.Generator
	sugar *zap.SugaredLogger

	chainMutex sync.Mutex
	lastHash   string

	bufMutex   sync.Mutex
	buffer     []models.AuditEntry
	bufferSize int

	closeOnce sync.Once
	done      chan struct{}
	flushed   chan struct{}
}

func NewLedger(db *sql.DB, gen *snowflake.Generator, sugar *zap.SugaredLogger, bufferSize int, flushInterval time.Duration) (*Ledger, error) {
	l := &Ledger{
		db:         db,
		gen:        gen,
		sugar:      sugar,
		bufferSize: bufferSize,
		done:       make(chan struct{}),
		flushed:    make(chan struct{}),
	}

	// resume the chain from the newest critical entry
	err := db.QueryRow(
		"SELECT hash FROM audit_log WHERE critical = TRUE ORDER BY id DESC LIMIT 1").
		Scan(&l.lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	go l.flushLoop(flushInterval)

	return l, nil
}

func (l *Ledger) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			if err := l.Flush(context.Background()); err != nil {
				l.sugar.Errorf("final audit flush failed: %v", err)
			}
			close(l.flushed)
			return
		case <-ticker.C:
			if err := l.Flush(context.Background()); err != nil {
				l.sugar.Errorf("audit flush failed: %v", err)
			}
		}
	}
}

// Close flushes the routine buffer and stops the flush loop.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		<-l.flushed
	})
}

// Record persists one event. Critical actions are written synchronously
// with chain linkage; the rest are buffered. Callers log the returned
// error on their own error channel, the response path never unwinds on it.
func (l *Ledger) Record(ctx context.Context, event Event) error {
	entry, err := l.newEntry(event)
	if err != nil {
		return err
	}

	if IsCritical(event.Action) {
		return l.writeCritical(ctx, entry)
	}

	l.bufMutex.Lock()
	l.buffer = append(l.buffer, entry)
	full := len(l.buffer) >= l.bufferSize
	l.bufMutex.Unlock()

	if full {
		return l.Flush(ctx)
	}
	return nil
}

func (l *Ledger) newEntry(event Event) (models.AuditEntry, error) {
	id, err := l.gen.Generate()
	if err != nil {
		return models.AuditEntry{}, err
	}

	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return models.AuditEntry{}, err
	}

	return models.AuditEntry{
		ID:        id,
		EventID:   uuid.New().String(),
		Actor:     event.Actor,
		Action:    event.Action,
		Detail:    string(detail),
		Address:   event.Address,
		Critical:  IsCritical(event.Action),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (l *Ledger) writeCritical(ctx context.Context, entry models.AuditEntry) error {
	// read previous hash, compute, write: one indivisible unit
	l.chainMutex.Lock()
	defer l.chainMutex.Unlock()

	entry.PrevHash = l.lastHash
	entry.Hash = computeHash(&entry)

	err := l.insert(ctx, &entry)
	if err != nil {
		return err
	}

	l.lastHash = entry.Hash
	return nil
}

// Flush writes all buffered routine entries. They carry no chain linkage.
func (l *Ledger) Flush(ctx context.Context) error {
	l.bufMutex.Lock()
	pending := l.buffer
	l.buffer = nil
	l.bufMutex.Unlock()

	for i := range pending {
		if err := l.insert(ctx, &pending[i]); err != nil {
			return fmt.Errorf("flushing buffered audit entries: %w", err)
		}
	}
	return nil
}

func (l *Ledger) insert(ctx context.Context, entry *models.AuditEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_id, actor, action, detail, address, critical, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EventID, entry.Actor, entry.Action, entry.Detail, entry.Address,
		entry.Critical, entry.PrevHash, entry.Hash, entry.CreatedAt)
	return err
}

func computeHash(entry *models.AuditEntry) string {
	var actor int64
	if entry.Actor != nil {
		actor = *entry.Actor
	}

	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s", actor, entry.Action, entry.Detail, entry.Address, entry.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes the hash chain over critical entries with ids in
// [fromID, toID] and reports the first mismatch, or nil when the chain
// holds. The expected starting link is the newest critical entry before
// fromID.
func (l *Ledger) VerifyChain(ctx context.Context, fromID, toID int64) (*Mismatch, error) {
	var prevHash string
	err := l.db.QueryRowContext(ctx,
		"SELECT hash FROM audit_log WHERE critical = TRUE AND id < ? ORDER BY id DESC LIMIT 1", fromID).
		Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_id, actor, action, detail, address, prev_hash, hash
		FROM audit_log
		WHERE critical = TRUE AND id >= ? AND id <= ?
		ORDER BY id ASC`, fromID, toID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry models.AuditEntry
		entry.Critical = true
		err := rows.Scan(&entry.ID, &entry.EventID, &entry.Actor, &entry.Action,
			&entry.Detail, &entry.Address, &entry.PrevHash, &entry.Hash)
		if err != nil {
			return nil, err
		}

		if entry.PrevHash != prevHash {
			return &Mismatch{EntryID: entry.ID, Reason: "previous hash link broken"}, nil
		}
		if computeHash(&entry) != entry.Hash {
			return &Mismatch{EntryID: entry.ID, Reason: "stored hash does not match recomputation"}, nil
		}

		prevHash = entry.Hash
	}

	return nil, rows.Err()
}
