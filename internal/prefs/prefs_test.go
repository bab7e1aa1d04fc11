package prefs

import (
	"context"
	"database/sql"
	"slices"
	"testing"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/database"
	"securechat-backend/internal/models"
	"securechat-backend/internal/snowflake"
	"securechat-backend/internal/store"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func testService(t *testing.T) (*Service, *sql.DB) {
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

	gen, err := snowflake.NewGenerator(0)
	if err != nil {
		t.Fatal(err)
	}

	sugar := zap.NewNop().Sugar()
	ledger, err := audit.NewLedger(db, gen, sugar, 8, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ledger.Close)

	return NewService(db, store.NewUserStore(db), ledger, sugar), db
}

func seedUser(t *testing.T, db *sql.DB, id int64, username string) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO users (id, username, display_name, role, password) VALUES (?, ?, ?, 'staff', ?)",
		id, username, username, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
}

func ptr(v int64) *int64 { return &v }

func TestResolveLevelDefaultsToAll(t *testing.T) {
	svc, db := testService(t)
	seedUser(t, db, 1, "alice")

	level, err := svc.ResolveLevel(context.Background(), 1, models.ContextChannel, ptr(10))
	if err != nil {
		t.Fatal(err)
	}
	if level != models.LevelAll {
		t.Errorf("level = %q, want %q", level, models.LevelAll)
	}
}

func TestResolveLevelFallsBackToGlobal(t *testing.T) {
	svc, db := testService(t)
	seedUser(t, db, 1, "alice")
	ctx := context.Background()

	err := svc.Upsert(ctx, models.NotificationPreference{
		UserID: 1, ContextType: models.ContextGlobal, Level: models.LevelMentions,
	}, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	level, err := svc.ResolveLevel(ctx, 1, models.ContextChannel, ptr(10))
	if err != nil {
		t.Fatal(err)
	}
	if level != models.LevelMentions {
		t.Errorf("level = %q, want %q", level, models.LevelMentions)
	}
}

func TestChannelOverrideLeavesOtherChannelsAlone(t *testing.T) {
	svc, db := testService(t)
	seedUser(t, db, 1, "alice")
	ctx := context.Background()

	err := svc.Upsert(ctx, models.NotificationPreference{
		UserID: 1, ContextType: models.ContextChannel, ContextID: ptr(10), Level: models.LevelNone,
	}, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	level, err := svc.ResolveLevel(ctx, 1, models.ContextChannel, ptr(10))
	if err != nil {
		t.Fatal(err)
	}
	if level != models.LevelNone {
		t.Errorf("overridden channel level = %q, want %q", level, models.LevelNone)
	}

	level, err = svc.ResolveLevel(ctx, 1, models.ContextChannel, ptr(11))
	if err != nil {
		t.Fatal(err)
	}
	if level != models.LevelAll {
		t.Errorf("other channel level = %q, want %q", level, models.LevelAll)
	}
}

func TestUpsertLastWriteWins(t *testing.T) {
	svc, db := testService(t)
	seedUser(t, db, 1, "alice")
	ctx := context.Background()

	for _, level := range []string{models.LevelNone, models.LevelMentions} {
		err := svc.Upsert(ctx, models.NotificationPreference{
			UserID: 1, ContextType: models.ContextChannel, ContextID: ptr(10), Level: level,
		}, "10.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
	}

	level, err := svc.ResolveLevel(ctx, 1, models.ContextChannel, ptr(10))
	if err != nil {
		t.Fatal(err)
	}
	if level != models.LevelMentions {
		t.Errorf("level = %q, want %q", level, models.LevelMentions)
	}

	var rows int
	err = db.QueryRow("SELECT COUNT(*) FROM notification_preferences").Scan(&rows)
	if err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("preference rows = %d, want 1", rows)
	}
}

func TestUpsertValidation(t *testing.T) {
	svc, db := testService(t)
	seedUser(t, db, 1, "alice")
	ctx := context.Background()

	tests := []struct {
		name string
		pref models.NotificationPreference
	}{
		{"global with context id", models.NotificationPreference{
			UserID: 1, ContextType: models.ContextGlobal, ContextID: ptr(5), Level: models.LevelAll}},
		{"channel without context id", models.NotificationPreference{
			UserID: 1, ContextType: models.ContextChannel, Level: models.LevelAll}},
		{"unknown context type", models.NotificationPreference{
			UserID: 1, ContextType: "team", ContextID: ptr(5), Level: models.LevelAll}},
		{"unknown level", models.NotificationPreference{
			UserID: 1, ContextType: models.ContextGlobal, Level: "loud"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.Upsert(ctx, tc.pref, "10.0.0.1"); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestUpsertIsAudited(t *testing.T) {
	svc, db := testService(t)
	seedUser(t, db, 1, "alice")

	err := svc.Upsert(context.Background(), models.NotificationPreference{
		UserID: 1, ContextType: models.ContextGlobal, Level: models.LevelNone,
	}, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action = ? AND critical = TRUE",
		audit.ActionPreferenceChange).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("preference change audit entries = %d, want 1", count)
	}
}

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		mentioned bool
		expected  bool
	}{
		{"all, not mentioned", models.LevelAll, false, true},
		{"all, mentioned", models.LevelAll, true, true},
		{"mentions, not mentioned", models.LevelMentions, false, false},
		{"mentions, mentioned", models.LevelMentions, true, true},
		{"none, not mentioned", models.LevelNone, false, false},
		{"none, mentioned", models.LevelNone, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldNotify(tc.level, tc.mentioned); got != tc.expected {
				t.Errorf("ShouldNotify(%q, %t) = %t, want %t", tc.level, tc.mentioned, got, tc.expected)
			}
		})
	}
}

func TestMentions(t *testing.T) {
	svc, db := testService(t)
	seedUser(t, db, 1, "alice")
	seedUser(t, db, 2, "bob")
	ctx := context.Background()

	tests := []struct {
		name     string
		text     string
		expected []int64
	}{
		{"single mention", "hello @bob", []int64{2}},
		{"two mentions", "@alice and @bob please review", []int64{1, 2}},
		{"duplicate mention", "@bob @bob", []int64{2}},
		{"unresolved username ignored", "ping @charlie and @bob", []int64{2}},
		{"no mentions", "plain text", nil},
		{"bare at sign", "meet @ noon", nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := svc.Mentions(ctx, tc.text)
			if !slices.Equal(got, tc.expected) {
				t.Errorf("Mentions(%q) = %v, want %v", tc.text, got, tc.expected)
			}
		})
	}
}
