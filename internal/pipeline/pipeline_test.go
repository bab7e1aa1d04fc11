package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/authz"
	"securechat-backend/internal/crypto"
	"securechat-backend/internal/database"
	"securechat-backend/internal/hub"
	"securechat-backend/internal/jwt"
	"securechat-backend/internal/keyValue"
	"securechat-backend/internal/prefs"
	"securechat-backend/internal/snowflake"
	"securechat-backend/internal/store"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	alice  int64 = 1
	bob    int64 = 2
	carol  int64 = 3
	rita   int64 = 4
	morgan int64 = 5

	wardChannel int64 = 100
)

// harness runs the full stack against an in-memory database and a real
// websocket listener, so frames travel the same path they do in
// production.
type harness struct {
	db     *sql.DB
	server *httptest.Server
	signer *jwt.Signer
	ledger *audit.Ledger
	cipher *crypto.Cipher
	pipe   *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := database.SetupTables(db); err != nil {
		t.Fatal(err)
	}

	seed := []struct {
		id       int64
		username string
		role     string
	}{
		{alice, "alice", "staff"},
		{bob, "bob", "staff"},
		{carol, "carol", "staff"},
		{rita, "rita", "readonly"},
		{morgan, "morgan", "moderator"},
	}
	for _, u := range seed {
		_, err := db.Exec("INSERT INTO users (id, username, display_name, role, password) VALUES (?, ?, ?, ?, ?)",
			u.id, u.username, strings.ToUpper(u.username[:1])+u.username[1:], u.role, []byte("unused"))
		if err != nil {
			t.Fatal(err)
		}
	}

	if _, err := db.Exec("INSERT INTO channels (id, name) VALUES (?, ?)", wardChannel, "ward-a"); err != nil {
		t.Fatal(err)
	}

	gen, err := snowflake.NewGenerator(0)
	if err != nil {
		t.Fatal(err)
	}

	sugar := zap.NewNop().Sugar()
	ledger, err := audit.NewLedger(db, gen, sugar, 16, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ledger.Close)

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	signer := jwt.NewSigner("handshake-test-secret")
	messages := store.NewMessageStore(db)
	memberships := store.NewMembershipStore(db)
	users := store.NewUserStore(db)
	cache := keyValue.NewCache(sugar, nil, true)
	gate := authz.NewGate(users, cache, ledger, sugar)
	prefsService := prefs.NewService(db, users, ledger, sugar)

	h := hub.NewHub(sugar, ledger, memberships, gen, 5*time.Second, time.Minute, 1<<16)
	pipe := New(sugar, gen, gate, cipher, signer, messages, memberships, users, prefsService, ledger, h, 4000)
	h.SetHandler(pipe.HandleFrame, pipe.Authenticate)

	server := httptest.NewServer(http.HandlerFunc(h.HandleClient))
	t.Cleanup(server.Close)

	return &harness{db: db, server: server, signer: signer, ledger: ledger, cipher: cipher, pipe: pipe}
}

func (h *harness) addMember(t *testing.T, channelID, userID int64, role string) {
	t.Helper()
	_, err := h.db.Exec("INSERT INTO channel_members (channel_id, user_id, role) VALUES (?, ?, ?)",
		channelID, userID, role)
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) setPreference(t *testing.T, userID int64, contextType string, contextID int64, level string) {
	t.Helper()
	_, err := h.db.Exec("INSERT INTO notification_preferences (user_id, context_type, context_id, level, updated_at) VALUES (?, ?, ?, ?, ?)",
		userID, contextType, contextID, level, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
}

type wireEnvelope struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlationID"`
}

func (h *harness) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()

	token, err := h.signer.Mint(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	sendFrame(t, conn, map[string]any{"type": "authenticate", "token": token})

	resp := readEnvelope(t, conn)
	if resp.Type != hub.TypeAuthResponse {
		t.Fatalf("handshake response type = %q, want %q", resp.Type, hub.TypeAuthResponse)
	}
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success {
		t.Fatalf("handshake for user %d failed: %s", userID, resp.Data)
	}
	return conn
}

// joinChannel subscribes an already seeded member and swallows the ack.
func (h *harness) joinChannel(t *testing.T, conn *websocket.Conn, channelID int64) {
	t.Helper()
	sendFrame(t, conn, map[string]any{"type": "join_channel", "channelID": fmt64(channelID), "correlationID": "join"})
	env := readEnvelope(t, conn)
	if env.Type != hub.TypeAck {
		t.Fatalf("join reply type = %q (%s), want ack", env.Type, env.Data)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatal(err)
	}
	return env
}

func expectType(t *testing.T, conn *websocket.Conn, want string) wireEnvelope {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != want {
		t.Fatalf("envelope type = %q (%s), want %q", env.Type, env.Data, want)
	}
	return env
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", payload)
	}
	if !strings.Contains(err.Error(), "timeout") && !strings.Contains(err.Error(), "deadline") {
		t.Fatal(err)
	}
}

func auditCount(t *testing.T, db *sql.DB, action string) int {
	t.Helper()
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action = ?", action).Scan(&count); err != nil {
		t.Fatal(err)
	}
	return count
}

func TestHandshakeRejectsBadCredential(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sendFrame(t, conn, map[string]any{"type": "authenticate", "token": "not-a-token"})

	resp := expectType(t, conn, hub.TypeAuthResponse)
	var body struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Success {
		t.Error("invalid token must not authenticate")
	}

	// the server closes the connection after a failed handshake
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed after failed handshake")
	}

	if got := auditCount(t, h.db, audit.ActionAuthFailure); got != 1 {
		t.Errorf("authentication failure audit entries = %d, want 1", got)
	}
}

func TestHandshakeRejectsNonAuthFirstFrame(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sendFrame(t, conn, map[string]any{"type": "typing"})

	resp := expectType(t, conn, hub.TypeAuthResponse)
	if !strings.Contains(string(resp.Data), "false") {
		t.Errorf("expected failed handshake, got %s", resp.Data)
	}
}

func TestChannelMessageDelivery(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)

	sendFrame(t, aliceConn, map[string]any{
		"type":          "send_message",
		"channelID":     fmt64(wardChannel),
		"content":       "shift change at 19:00",
		"correlationID": "c1",
	})

	received := expectType(t, bobConn, hub.TypeNewMessage)
	var msg struct {
		ID       string `json:"id"`
		Content  string `json:"content"`
		SenderID string `json:"senderID"`
		Sender   struct {
			Username string `json:"username"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(received.Data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Content != "shift change at 19:00" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.SenderID != "1" || msg.Sender.Username != "alice" {
		t.Errorf("sender = %s / %s", msg.SenderID, msg.Sender.Username)
	}

	// the sender hears their own broadcast, then the ack
	expectType(t, aliceConn, hub.TypeNewMessage)
	ack := expectType(t, aliceConn, hub.TypeAck)
	if ack.CorrelationID != "c1" {
		t.Errorf("ack correlationID = %q, want c1", ack.CorrelationID)
	}

	var content string
	var ciphertext []byte
	err := h.db.QueryRow("SELECT content, ciphertext FROM messages WHERE id = ?", msg.ID).
		Scan(&content, &ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if content != "shift change at 19:00" || ciphertext != nil {
		t.Error("routine message must be stored as plaintext without ciphertext")
	}
}

func TestSensitiveMessageStoredEncrypted(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)

	plaintext := "patient 7 moved to isolation"
	sendFrame(t, aliceConn, map[string]any{
		"type":              "send_message",
		"channelID":         fmt64(wardChannel),
		"content":           plaintext,
		"containsSensitive": true,
		"correlationID":     "s1",
	})

	// the live broadcast carries the plaintext to the authorized audience
	received := expectType(t, bobConn, hub.TypeNewMessage)
	var msg struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(received.Data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Content != plaintext {
		t.Errorf("broadcast content = %q", msg.Content)
	}

	expectType(t, aliceConn, hub.TypeNewMessage)
	expectType(t, aliceConn, hub.TypeAck)

	var content string
	var ciphertext []byte
	err := h.db.QueryRow("SELECT content, ciphertext FROM messages WHERE id = ?", msg.ID).
		Scan(&content, &ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if content != "" {
		t.Errorf("sensitive message stored plaintext %q, want empty", content)
	}
	if len(ciphertext) == 0 {
		t.Fatal("sensitive message has no stored ciphertext")
	}

	envlp, err := crypto.Unpack(ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := h.cipher.Open(envlp)
	if err != nil {
		t.Fatal(err)
	}
	if string(decrypted) != plaintext {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestNotificationPreferenceFiltering(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")
	h.addMember(t, wardChannel, carol, "member")
	h.setPreference(t, bob, "channel", wardChannel, "mentions")
	h.setPreference(t, carol, "channel", wardChannel, "none")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	carolConn := h.dial(t, carol)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)
	h.joinChannel(t, carolConn, wardChannel)

	sendFrame(t, aliceConn, map[string]any{
		"type":      "send_message",
		"channelID": fmt64(wardChannel),
		"content":   "please confirm, @bob",
	})

	expectType(t, bobConn, hub.TypeNewMessage)
	notification := expectType(t, bobConn, hub.TypeNotification)
	var body struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(notification.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != "mention" {
		t.Errorf("notification kind = %q, want mention", body.Kind)
	}
	expectSilence(t, bobConn)

	// carol opted out entirely: the message arrives, the notification
	// never does
	expectType(t, carolConn, hub.TypeNewMessage)
	expectSilence(t, carolConn)

	expectType(t, aliceConn, hub.TypeNewMessage)
	expectType(t, aliceConn, hub.TypeAck)
	expectSilence(t, aliceConn)
}

func TestDirectMessageDeleteAndFetch(t *testing.T) {
	h := newHarness(t)

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)

	sendFrame(t, aliceConn, map[string]any{
		"type":          "send_message",
		"recipientID":   fmt64(bob),
		"content":       "lab results are in",
		"correlationID": "dm1",
	})

	received := expectType(t, bobConn, hub.TypeNewMessage)
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(received.Data, &msg); err != nil {
		t.Fatal(err)
	}
	expectType(t, bobConn, hub.TypeNotification)

	expectType(t, aliceConn, hub.TypeNewMessage)
	expectType(t, aliceConn, hub.TypeAck)

	sendFrame(t, aliceConn, map[string]any{
		"type":          "delete_message",
		"messageID":     msg.ID,
		"correlationID": "del1",
	})

	expectType(t, bobConn, hub.TypeMessageDeleted)
	expectType(t, aliceConn, hub.TypeMessageDeleted)
	expectType(t, aliceConn, hub.TypeAck)

	if got := auditCount(t, h.db, audit.ActionMessageDelete); got != 1 {
		t.Errorf("delete audit entries = %d, want 1", got)
	}

	// the row survives as tombstone metadata with no body
	sendFrame(t, aliceConn, map[string]any{
		"type":          "fetch_message",
		"messageID":     msg.ID,
		"correlationID": "f1",
	})
	fetched := expectType(t, aliceConn, hub.TypeMessageBody)
	var tombstone struct {
		Content string `json:"content"`
		Deleted bool   `json:"deleted"`
	}
	if err := json.Unmarshal(fetched.Data, &tombstone); err != nil {
		t.Fatal(err)
	}
	if !tombstone.Deleted || tombstone.Content != "" {
		t.Errorf("fetched tombstone = %+v, want deleted with empty content", tombstone)
	}
}

func TestDeleteDirectMessageByRecipientRejected(t *testing.T) {
	h := newHarness(t)

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)

	sendFrame(t, aliceConn, map[string]any{
		"type":        "send_message",
		"recipientID": fmt64(bob),
		"content":     "for your eyes",
	})
	received := expectType(t, bobConn, hub.TypeNewMessage)
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(received.Data, &msg); err != nil {
		t.Fatal(err)
	}

	sendFrame(t, bobConn, map[string]any{
		"type":          "delete_message",
		"messageID":     msg.ID,
		"correlationID": "nope",
	})

	expectType(t, bobConn, hub.TypeNotification)
	failure := expectType(t, bobConn, hub.TypeSystemError)
	if !strings.Contains(string(failure.Data), codeForbidden) {
		t.Errorf("error = %s, want %s", failure.Data, codeForbidden)
	}

	if got := auditCount(t, h.db, audit.ActionAuthzDenied); got != 1 {
		t.Errorf("denial audit entries = %d, want 1", got)
	}
}

func TestEditBroadcastsToOriginalAudience(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)

	sendFrame(t, aliceConn, map[string]any{
		"type": "send_message", "channelID": fmt64(wardChannel), "content": "round at 9",
	})
	received := expectType(t, bobConn, hub.TypeNewMessage)
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(received.Data, &msg); err != nil {
		t.Fatal(err)
	}
	expectType(t, aliceConn, hub.TypeNewMessage)
	expectType(t, aliceConn, hub.TypeAck)

	// a non-sender cannot edit, even as a channel member
	sendFrame(t, bobConn, map[string]any{
		"type": "edit_message", "messageID": msg.ID, "content": "round at 10",
	})
	failure := expectType(t, bobConn, hub.TypeSystemError)
	if !strings.Contains(string(failure.Data), codeForbidden) {
		t.Errorf("error = %s, want %s", failure.Data, codeForbidden)
	}

	sendFrame(t, aliceConn, map[string]any{
		"type": "edit_message", "messageID": msg.ID, "content": "round moved to 10",
	})

	updated := expectType(t, bobConn, hub.TypeMessageUpdated)
	var edited struct {
		Content  string  `json:"content"`
		EditedAt *string `json:"editedAt"`
	}
	if err := json.Unmarshal(updated.Data, &edited); err != nil {
		t.Fatal(err)
	}
	if edited.Content != "round moved to 10" || edited.EditedAt == nil {
		t.Errorf("update = %+v", edited)
	}

	expectType(t, aliceConn, hub.TypeMessageUpdated)
	expectType(t, aliceConn, hub.TypeAck)
}

func TestReadReceiptGoesToSenderOnly(t *testing.T) {
	h := newHarness(t)

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)

	sendFrame(t, aliceConn, map[string]any{
		"type": "send_message", "recipientID": fmt64(bob), "content": "seen this?",
	})
	received := expectType(t, bobConn, hub.TypeNewMessage)
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(received.Data, &msg); err != nil {
		t.Fatal(err)
	}
	expectType(t, bobConn, hub.TypeNotification)
	expectType(t, aliceConn, hub.TypeNewMessage)
	expectType(t, aliceConn, hub.TypeAck)

	sendFrame(t, bobConn, map[string]any{
		"type": "read_receipt", "messageID": msg.ID, "correlationID": "r1",
	})

	update := expectType(t, aliceConn, hub.TypeReadReceiptUpdate)
	var receipt struct {
		ReaderID string `json:"readerID"`
	}
	if err := json.Unmarshal(update.Data, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.ReaderID != "2" {
		t.Errorf("readerID = %q, want 2", receipt.ReaderID)
	}
	expectType(t, bobConn, hub.TypeAck)

	var readAt sql.NullTime
	if err := h.db.QueryRow("SELECT read_at FROM messages WHERE id = ?", msg.ID).Scan(&readAt); err != nil {
		t.Fatal(err)
	}
	if !readAt.Valid {
		t.Error("read_at not persisted")
	}
}

func TestReadReceiptRejectedForChannelMessage(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)

	sendFrame(t, aliceConn, map[string]any{
		"type": "send_message", "channelID": fmt64(wardChannel), "content": "broadcast",
	})
	received := expectType(t, bobConn, hub.TypeNewMessage)
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(received.Data, &msg); err != nil {
		t.Fatal(err)
	}

	sendFrame(t, bobConn, map[string]any{
		"type": "read_receipt", "messageID": msg.ID, "correlationID": "r2",
	})
	failure := expectType(t, bobConn, hub.TypeSystemError)
	if !strings.Contains(string(failure.Data), codeMalformed) {
		t.Errorf("error = %s, want %s", failure.Data, codeMalformed)
	}
}

func TestReadonlyRoleCannotSend(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, rita, "member")

	ritaConn := h.dial(t, rita)
	h.joinChannel(t, ritaConn, wardChannel)

	sendFrame(t, ritaConn, map[string]any{
		"type": "send_message", "channelID": fmt64(wardChannel), "content": "hello",
	})

	failure := expectType(t, ritaConn, hub.TypeSystemError)
	if !strings.Contains(string(failure.Data), codeForbidden) {
		t.Errorf("error = %s, want %s", failure.Data, codeForbidden)
	}

	if got := auditCount(t, h.db, audit.ActionAuthzDenied); got != 1 {
		t.Errorf("denial audit entries = %d, want 1", got)
	}

	var count int
	if err := h.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("denied send must not persist a message")
	}
}

func TestMalformedFramesCountedNotAudited(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, alice)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatal(err)
	}
	failure := expectType(t, conn, hub.TypeSystemError)
	if !strings.Contains(string(failure.Data), codeMalformed) {
		t.Errorf("error = %s, want %s", failure.Data, codeMalformed)
	}

	sendFrame(t, conn, map[string]any{"type": "warp_drive", "correlationID": "w1"})
	failure = expectType(t, conn, hub.TypeSystemError)
	if failure.CorrelationID != "w1" {
		t.Errorf("correlationID = %q, want w1", failure.CorrelationID)
	}

	if got := h.pipe.MalformedCount(); got != 2 {
		t.Errorf("malformed count = %d, want 2", got)
	}

	if err := h.ledger.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	var count int
	err := h.db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action NOT IN (?, ?)",
		audit.ActionAuthSuccess, audit.ActionConnect).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("malformed frames produced %d audit entries, want 0", count)
	}
}

func TestFlaggedMessageNotifiesModerators(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")
	h.addMember(t, wardChannel, morgan, "moderator")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	morganConn := h.dial(t, morgan)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)
	h.joinChannel(t, morganConn, wardChannel)

	sendFrame(t, aliceConn, map[string]any{
		"type": "send_message", "channelID": fmt64(wardChannel), "content": "off the record",
	})
	received := expectType(t, bobConn, hub.TypeNewMessage)
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(received.Data, &msg); err != nil {
		t.Fatal(err)
	}
	expectType(t, morganConn, hub.TypeNewMessage)

	sendFrame(t, bobConn, map[string]any{
		"type": "flag_message", "messageID": msg.ID, "reason": "policy", "correlationID": "fl1",
	})
	expectType(t, bobConn, hub.TypeAck)

	notification := expectType(t, morganConn, hub.TypeNotification)
	var body struct {
		Kind      string `json:"kind"`
		FlaggedBy string `json:"flaggedBy"`
	}
	if err := json.Unmarshal(notification.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != "flag" || body.FlaggedBy != "2" {
		t.Errorf("flag notification = %+v", body)
	}

	if got := auditCount(t, h.db, audit.ActionMessageFlag); got != 1 {
		t.Errorf("flag audit entries = %d, want 1", got)
	}

	var flagged bool
	var reason string
	if err := h.db.QueryRow("SELECT flagged, flag_reason FROM messages WHERE id = ?", msg.ID).Scan(&flagged, &reason); err != nil {
		t.Fatal(err)
	}
	if !flagged || reason != "policy" {
		t.Errorf("flag persisted as %v / %q", flagged, reason)
	}
}

func TestJoinAnnouncementExcludesJoiner(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")

	aliceConn := h.dial(t, alice)
	h.joinChannel(t, aliceConn, wardChannel)

	// bob is not seeded, joining adds the membership row
	bobConn := h.dial(t, bob)
	sendFrame(t, bobConn, map[string]any{
		"type": "join_channel", "channelID": fmt64(wardChannel), "correlationID": "j1",
	})

	announcement := expectType(t, aliceConn, hub.TypeMemberJoined)
	var joined struct {
		UserID string `json:"userID"`
	}
	if err := json.Unmarshal(announcement.Data, &joined); err != nil {
		t.Fatal(err)
	}
	if joined.UserID != "2" {
		t.Errorf("member_joined userID = %q, want 2", joined.UserID)
	}

	ack := expectType(t, bobConn, hub.TypeAck)
	if ack.CorrelationID != "j1" {
		t.Errorf("ack correlationID = %q, want j1", ack.CorrelationID)
	}
	expectSilence(t, bobConn)

	var count int
	if err := h.db.QueryRow("SELECT COUNT(*) FROM channel_members WHERE channel_id = ? AND user_id = ?",
		wardChannel, bob).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Error("join must persist the membership row")
	}
}

func TestLeaveAnnouncedToRemainingMembers(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)

	sendFrame(t, bobConn, map[string]any{
		"type": "leave_channel", "channelID": fmt64(wardChannel), "correlationID": "l1",
	})

	announcement := expectType(t, aliceConn, hub.TypeMemberLeft)
	var left struct {
		UserID string `json:"userID"`
	}
	if err := json.Unmarshal(announcement.Data, &left); err != nil {
		t.Fatal(err)
	}
	if left.UserID != "2" {
		t.Errorf("member_left userID = %q, want 2", left.UserID)
	}
	expectType(t, bobConn, hub.TypeAck)

	var count int
	if err := h.db.QueryRow("SELECT COUNT(*) FROM channel_members WHERE channel_id = ? AND user_id = ?",
		wardChannel, bob).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("leave must remove the membership row")
	}
}

func TestTypingIndicatorExcludesSenderAndLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)

	sendFrame(t, aliceConn, map[string]any{
		"type": "typing", "channelID": fmt64(wardChannel),
	})

	indicator := expectType(t, bobConn, hub.TypeUserTyping)
	var typing struct {
		UserID string `json:"userID"`
	}
	if err := json.Unmarshal(indicator.Data, &typing); err != nil {
		t.Fatal(err)
	}
	if typing.UserID != "1" {
		t.Errorf("typing userID = %q, want 1", typing.UserID)
	}

	// no echo to the sender, no ack, no audit trail
	expectSilence(t, aliceConn)

	if err := h.ledger.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	var count int
	err := h.db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action NOT IN (?, ?, ?)",
		audit.ActionAuthSuccess, audit.ActionConnect, audit.ActionJoinChannel).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("typing produced %d audit entries, want 0", count)
	}
}

func TestSetPreferenceTakesEffect(t *testing.T) {
	h := newHarness(t)
	h.addMember(t, wardChannel, alice, "member")
	h.addMember(t, wardChannel, bob, "member")

	aliceConn := h.dial(t, alice)
	bobConn := h.dial(t, bob)
	h.joinChannel(t, aliceConn, wardChannel)
	h.joinChannel(t, bobConn, wardChannel)

	sendFrame(t, bobConn, map[string]any{
		"type":          "set_preference",
		"contextType":   "channel",
		"contextID":     fmt64(wardChannel),
		"level":         "none",
		"correlationID": "p1",
	})
	ack := expectType(t, bobConn, hub.TypeAck)
	if ack.CorrelationID != "p1" {
		t.Errorf("ack correlationID = %q, want p1", ack.CorrelationID)
	}

	if got := auditCount(t, h.db, audit.ActionPreferenceChange); got != 1 {
		t.Errorf("preference change audit entries = %d, want 1", got)
	}

	sendFrame(t, aliceConn, map[string]any{
		"type": "send_message", "channelID": fmt64(wardChannel), "content": "routine update",
	})
	expectType(t, bobConn, hub.TypeNewMessage)
	expectSilence(t, bobConn)

	// a global context must not carry a context id
	sendFrame(t, bobConn, map[string]any{
		"type": "set_preference", "contextType": "global", "contextID": fmt64(wardChannel), "level": "all",
	})
	failure := expectType(t, bobConn, hub.TypeSystemError)
	if !strings.Contains(string(failure.Data), codeMalformed) {
		t.Errorf("error = %s, want %s", failure.Data, codeMalformed)
	}
}

func TestOversizedContentRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, alice)

	sendFrame(t, conn, map[string]any{
		"type":        "send_message",
		"recipientID": fmt64(bob),
		"content":     strings.Repeat("x", 4001),
	})

	failure := expectType(t, conn, hub.TypeSystemError)
	if !strings.Contains(string(failure.Data), codeMalformed) {
		t.Errorf("error = %s, want %s", failure.Data, codeMalformed)
	}
}
