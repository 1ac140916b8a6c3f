package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedRoom(t *testing.T, store *SQLiteStore, roomID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	now := domain.Now()
	for _, u := range users {
		if err := store.CreateUser(ctx, &domain.User{UserID: u, Name: "name-" + u, CreatedAt: now}); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
	}
	if err := store.CreateRoom(ctx, &domain.Room{RoomID: roomID, Name: roomID, CreatedAt: now}); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
}

func TestSQLiteStoreUsersAndSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRoom(t, store, "r1", "u1")

	got, err := store.GetUser(ctx, "u1")
	if err != nil || got == nil || got.Name != "name-u1" {
		t.Fatalf("unexpected user: %+v, err=%v", got, err)
	}
	missing, err := store.GetUser(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil user, got %+v err=%v", missing, err)
	}

	base := domain.Now()
	for i, sid := range []string{"s1", "s2"} {
		at := base.Add(time.Duration(i) * time.Second)
		if err := store.CreateAuthSession(ctx, &domain.AuthSession{UserID: "u1", SessionID: sid, CreatedAt: at, LastActivity: at}); err != nil {
			t.Fatalf("CreateAuthSession failed: %v", err)
		}
	}
	active, err := store.GetActiveSession(ctx, "u1")
	if err != nil || active == nil || active.SessionID != "s2" {
		t.Fatalf("expected latest session s2, got %+v err=%v", active, err)
	}

	touched := base.Add(time.Minute)
	if err := store.TouchSession(ctx, "u1", "s2", touched); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	active, _ = store.GetActiveSession(ctx, "u1")
	if !active.LastActivity.Equal(touched) {
		t.Fatalf("expected last activity %v, got %v", touched, active.LastActivity)
	}

	n, err := store.RevokeSessions(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d err=%v", n, err)
	}
	active, err = store.GetActiveSession(ctx, "u1")
	if err != nil || active != nil {
		t.Fatalf("expected no active session, got %+v err=%v", active, err)
	}
}

func TestSQLiteStoreParticipants(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRoom(t, store, "r1", "u1", "u2")

	now := domain.Now()
	for _, u := range []string{"u1", "u2", "u1"} {
		if err := store.AddParticipant(ctx, "r1", u, now); err != nil {
			t.Fatalf("AddParticipant failed: %v", err)
		}
	}
	participants, err := store.ListParticipants(ctx, "r1")
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(participants) != 2 || participants[0].UserID != "u1" || participants[1].UserID != "u2" {
		t.Fatalf("unexpected participants: %+v", participants)
	}

	if err := store.RemoveParticipant(ctx, "r1", "u1"); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}
	ok, err := store.IsParticipant(ctx, "r1", "u1")
	if err != nil || ok {
		t.Fatalf("expected u1 removed, ok=%v err=%v", ok, err)
	}
	ok, _ = store.IsParticipant(ctx, "r1", "u2")
	if !ok {
		t.Fatalf("expected u2 to remain")
	}
}

func TestSQLiteStoreListMessagesBeforeWalksNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRoom(t, store, "r1", "u1")

	base := domain.Now()
	for i := 0; i < 5; i++ {
		msg := &domain.Message{
			MessageID: fmt.Sprintf("m%d", i),
			RoomID:    "r1",
			SenderID:  "u1",
			Type:      domain.MessageTypeText,
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			Deleted:   i == 2,
		}
		if err := store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	page, err := store.ListMessagesBefore(ctx, "r1", time.Time{}, 3)
	if err != nil {
		t.Fatalf("ListMessagesBefore failed: %v", err)
	}
	if len(page) != 3 || page[0].MessageID != "m4" || page[1].MessageID != "m3" || page[2].MessageID != "m1" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page[0].SenderName != "name-u1" {
		t.Fatalf("expected sender name, got %q", page[0].SenderName)
	}

	page, err = store.ListMessagesBefore(ctx, "r1", page[2].CreatedAt, 3)
	if err != nil {
		t.Fatalf("ListMessagesBefore failed: %v", err)
	}
	if len(page) != 1 || page[0].MessageID != "m0" {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestSQLiteStoreReactionsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRoom(t, store, "r1", "u1", "u2")
	if err := store.CreateMessage(ctx, &domain.Message{MessageID: "m1", RoomID: "r1", Type: domain.MessageTypeText, Content: "hi", CreatedAt: domain.Now()}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	now := domain.Now()
	for _, step := range []struct{ emoji, user string }{
		{"👍", "u1"}, {"👍", "u1"}, {"🎉", "u2"}, {"👍", "u2"},
	} {
		if err := store.AddReaction(ctx, "m1", step.emoji, step.user, now); err != nil {
			t.Fatalf("AddReaction failed: %v", err)
		}
	}
	reactions, err := store.ListReactions(ctx, "m1")
	if err != nil {
		t.Fatalf("ListReactions failed: %v", err)
	}
	if len(reactions) != 2 || reactions[0].Emoji != "👍" || len(reactions[0].UserIDs) != 2 || reactions[1].Emoji != "🎉" {
		t.Fatalf("unexpected reactions: %+v", reactions)
	}

	if err := store.RemoveReaction(ctx, "m1", "🎉", "u2"); err != nil {
		t.Fatalf("RemoveReaction failed: %v", err)
	}
	if err := store.RemoveReaction(ctx, "m1", "🎉", "u2"); err != nil {
		t.Fatalf("RemoveReaction failed: %v", err)
	}
	reactions, _ = store.ListReactions(ctx, "m1")
	if len(reactions) != 1 || reactions[0].Emoji != "👍" {
		t.Fatalf("expected empty emoji entry removed, got %+v", reactions)
	}
}

func TestSQLiteStoreMarkReadIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRoom(t, store, "r1", "u1")
	for _, id := range []string{"m1", "m2"} {
		if err := store.CreateMessage(ctx, &domain.Message{MessageID: id, RoomID: "r1", Type: domain.MessageTypeText, Content: id, CreatedAt: domain.Now()}); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	first := domain.Now()
	marked, err := store.MarkRead(ctx, "r1", []string{"m1", "m2", "missing"}, "u1", first)
	if err != nil || len(marked) != 2 {
		t.Fatalf("expected 2 messages marked, got %v err=%v", marked, err)
	}
	marked, err = store.MarkRead(ctx, "r1", []string{"m1"}, "u1", first.Add(time.Hour))
	if err != nil || len(marked) != 1 {
		t.Fatalf("expected re-mark to match m1, got %v err=%v", marked, err)
	}

	readers, err := store.ListReaders(ctx, "m1")
	if err != nil || len(readers) != 1 || !readers[0].ReadAt.Equal(first) {
		t.Fatalf("unexpected readers: %+v err=%v", readers, err)
	}

	msg, err := store.GetMessage(ctx, "m1")
	if err != nil || msg == nil || len(msg.Readers) != 1 {
		t.Fatalf("expected hydrated readers, got %+v err=%v", msg, err)
	}
}

func TestSQLiteStoreMarkReadIsScopedToRoom(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRoom(t, store, "r1", "u1", "u2")
	seedRoom(t, store, "r2")
	for id, room := range map[string]string{"m1": "r1", "other": "r2"} {
		if err := store.CreateMessage(ctx, &domain.Message{MessageID: id, RoomID: room, Type: domain.MessageTypeText, Content: id, CreatedAt: domain.Now()}); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	marked, err := store.MarkRead(ctx, "r1", []string{"other", "m1", "m1"}, "u2", domain.Now())
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(marked) != 1 || marked[0] != "m1" {
		t.Fatalf("expected only m1 marked, got %v", marked)
	}

	readers, err := store.ListReaders(ctx, "other")
	if err != nil || len(readers) != 0 {
		t.Fatalf("expected no readers on another room's message, got %+v err=%v", readers, err)
	}
}

func TestSQLiteStoreFileMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRoom(t, store, "r1", "u1")

	file := &domain.File{FileID: "f1", UserID: "u1", Filename: "a.png", MimeType: "image/png", Size: 42, CreatedAt: domain.Now()}
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := store.CreateMessage(ctx, &domain.Message{MessageID: "m1", RoomID: "r1", SenderID: "u1", Type: domain.MessageTypeFile, FileID: "f1", CreatedAt: domain.Now()}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	msg, err := store.GetMessage(ctx, "m1")
	if err != nil || msg == nil || msg.File == nil {
		t.Fatalf("expected file metadata, got %+v err=%v", msg, err)
	}
	if msg.File.Filename != "a.png" || msg.File.Size != 42 {
		t.Fatalf("unexpected file: %+v", msg.File)
	}
}
