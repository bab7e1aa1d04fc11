package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/authz"
	"securechat-backend/internal/crypto"
	"securechat-backend/internal/hub"
	"securechat-backend/internal/jwt"
	"securechat-backend/internal/prefs"
	"securechat-backend/internal/snowflake"
	"securechat-backend/internal/store"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	codeMalformed    = "malformed"
	codeForbidden    = "forbidden"
	codeNotFound     = "not_found"
	codeStorageError = "storage_error"
	codeDelivery     = "delivery_error"
	codeIntegrity    = "integrity_error"
)

// Pipeline turns inbound client events into persisted, broadcast, audited
// chat state changes. Each event runs parse, authorize, persist,
// broadcast, audit in order; a failed step answers the originating
// connection and stops, earlier steps are not rolled back.
type Pipeline struct {
	sugar       *zap.SugaredLogger
	gen         *snowflake.Generator
	gate        *authz.Gate
	cipher      *crypto.Cipher
	signer      *jwt.Signer
	messages    store.Messages
	memberships store.Memberships
	users       store.Users
	prefs       *prefs.Service
	ledger      *audit.Ledger
	hub         *hub.Hub
	validate    *validator.Validate

	maxContentLength int
	malformedCount   atomic.Int64
}

func New(sugar *zap.SugaredLogger, gen *snowflake.Generator, gate *authz.Gate, cipher *crypto.Cipher, signer *jwt.Signer, messages store.Messages, memberships store.Memberships, users store.Users, prefsService *prefs.Service, ledger *audit.Ledger, h *hub.Hub, maxContentLength int) *Pipeline {
	return &Pipeline{
		sugar:            sugar,
		gen:              gen,
		gate:             gate,
		cipher:           cipher,
		signer:           signer,
		messages:         messages,
		memberships:      memberships,
		users:            users,
		prefs:            prefsService,
		ledger:           ledger,
		hub:              h,
		validate:         validator.New(),
		maxContentLength: maxContentLength,
	}
}

// MalformedCount reports how many unparseable frames were rejected.
// Malformed input is counted, not audited.
func (p *Pipeline) MalformedCount() int64 {
	return p.malformedCount.Load()
}

// Authenticate handles the first frame of a new connection. Anything but
// a valid authenticate event fails the handshake, and every failure is a
// critical audit event.
func (p *Pipeline) Authenticate(ctx context.Context, frame []byte, address string) (int64, hub.Envelope, error) {
	failure := func(reason string) (int64, hub.Envelope, error) {
		auditErr := p.ledger.Record(ctx, audit.Event{
			Action:  audit.ActionAuthFailure,
			Detail:  map[string]string{"reason": reason},
			Address: address,
		})
		if auditErr != nil {
			p.sugar.Errorf("recording authentication failure: %v", auditErr)
		}

		env := hub.NewEnvelope(hub.TypeAuthResponse, map[string]any{"success": false, "reason": reason})
		return 0, env, fmt.Errorf("authentication failed: %s", reason)
	}

	event, _, err := ParseFrame(frame)
	if err != nil {
		return failure("malformed frame")
	}

	authEvent, ok := event.(*AuthenticateEvent)
	if !ok {
		return failure("first frame must authenticate")
	}

	if err := p.validate.Struct(authEvent); err != nil {
		return failure("missing credential")
	}

	claims, err := p.signer.Verify(authEvent.Token)
	if err != nil {
		return failure("invalid credential")
	}

	exists, err := p.users.Exists(ctx, claims.UserID)
	if err != nil {
		return failure("credential check unavailable")
	}
	if !exists {
		return failure("unknown user")
	}

	auditErr := p.ledger.Record(ctx, audit.Event{
		Actor:   &claims.UserID,
		Action:  audit.ActionAuthSuccess,
		Address: address,
	})
	if auditErr != nil {
		p.sugar.Errorf("recording authentication success: %v", auditErr)
	}

	env := hub.NewEnvelope(hub.TypeAuthResponse, map[string]any{
		"success": true,
		"userID":  fmt.Sprint(claims.UserID),
	})
	return claims.UserID, env, nil
}

// HandleFrame processes one inbound frame from an authenticated
// connection. Frames from one connection arrive here serially.
func (p *Pipeline) HandleFrame(ctx context.Context, client *hub.Client, frame []byte) {
	event, correlationID, err := ParseFrame(frame)
	if err != nil {
		p.malformedCount.Add(1)
		p.sugar.Debugf("Connection [%d] sent malformed frame: %v", client.ID, err)
		p.sendError(client, correlationID, codeMalformed, "unparseable event")
		return
	}

	if err := p.validate.Struct(event); err != nil {
		p.malformedCount.Add(1)
		p.sendError(client, correlationID, codeMalformed, "missing or invalid fields")
		return
	}

	switch ev := event.(type) {
	case *AuthenticateEvent:
		p.sendError(client, correlationID, codeMalformed, "connection is already authenticated")
	case *SendMessageEvent:
		p.handleSend(ctx, client, ev, correlationID)
	case *EditMessageEvent:
		p.handleEdit(ctx, client, ev, correlationID)
	case *DeleteMessageEvent:
		p.handleDelete(ctx, client, ev, correlationID)
	case *JoinChannelEvent:
		p.handleJoin(ctx, client, ev, correlationID)
	case *LeaveChannelEvent:
		p.handleLeave(ctx, client, ev, correlationID)
	case *TypingEvent:
		p.handleTyping(ctx, client, ev)
	case *ReadReceiptEvent:
		p.handleReadReceipt(ctx, client, ev, correlationID)
	case *SetPreferenceEvent:
		p.handleSetPreference(ctx, client, ev, correlationID)
	case *FetchMessageEvent:
		p.handleFetch(ctx, client, ev, correlationID)
	case *FlagMessageEvent:
		p.handleFlag(ctx, client, ev, correlationID)
	}
}

func (p *Pipeline) sendError(client *hub.Client, correlationID, code, message string) {
	env := hub.NewEnvelope(hub.TypeSystemError, map[string]string{
		"code":    code,
		"message": message,
	})
	env.CorrelationID = correlationID
	client.SendEnvelope(env)
}

func (p *Pipeline) reply(client *hub.Client, correlationID string, msgType string, data any) {
	env := hub.NewEnvelope(msgType, data)
	env.CorrelationID = correlationID
	client.SendEnvelope(env)
}

// IDs cross the wire as strings so browser clients keep full precision.
func fmt64(id int64) string {
	return fmt.Sprint(id)
}

func optional64(id *int64) *string {
	if id == nil {
		return nil
	}
	s := fmt.Sprint(*id)
	return &s
}

// recordAudit writes an entry on the ledger's own error channel; a failed
// audit write never unwinds the response already sent to the client.
func (p *Pipeline) recordAudit(ctx context.Context, event audit.Event) {
	if err := p.ledger.Record(ctx, event); err != nil {
		p.sugar.Errorf("recording %s audit event: %v", event.Action, err)
	}
}
