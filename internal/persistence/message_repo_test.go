package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"meshlink/internal/domain"
)

func TestMessageRepoInsertAndList(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := NewMessageRepo(db)
	base := time.Now().UTC()
	chatKey := domain.ChatKeyForChannel(0)

	for i, body := range []string{"first", "second", "third"} {
		id, err := repo.Insert(ctx, domain.ChatMessage{
			From:      0x2A,
			To:        domain.BroadcastNodeNum,
			ChatKey:   chatKey,
			Direction: domain.MessageDirectionIn,
			Body:      body,
			Via:       domain.ViaProtobuf,
			At:        base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert %q: %v", body, err)
		}
		if id == 0 {
			t.Fatalf("insert %q returned no local id", body)
		}
	}

	msgs, err := repo.ListRecentByChat(ctx, chatKey, 2)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	// Ascending order, newest window.
	if msgs[0].Body != "second" || msgs[1].Body != "third" {
		t.Fatalf("unexpected window: %q, %q", msgs[0].Body, msgs[1].Body)
	}
	if msgs[0].From != 0x2A || msgs[0].To != domain.BroadcastNodeNum {
		t.Fatalf("endpoint fields lost: %+v", msgs[0])
	}
}

func TestMessageRepoIgnoresReplayedMessage(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := NewMessageRepo(db)
	msg := domain.ChatMessage{
		From:      0x2A,
		To:        domain.BroadcastNodeNum,
		ChatKey:   domain.ChatKeyForChannel(0),
		Direction: domain.MessageDirectionIn,
		Body:      "ping",
		IDHex:     "000000ff",
		Via:       domain.ViaProtobuf,
		At:        time.Now().UTC(),
	}

	first, err := repo.Insert(ctx, msg)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if first == 0 {
		t.Fatalf("first insert must store the row")
	}
	second, err := repo.Insert(ctx, msg)
	if err != nil {
		t.Fatalf("replayed insert: %v", err)
	}
	if second != 0 {
		t.Fatalf("replayed insert stored a duplicate, local id %d", second)
	}

	msgs, err := repo.ListRecentByChat(ctx, msg.ChatKey, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected a single stored copy, got %d", len(msgs))
	}
}

func TestMessageRepoAllowsDistinctMessagesWithoutID(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := NewMessageRepo(db)
	for i := 0; i < 2; i++ {
		id, err := repo.Insert(ctx, domain.ChatMessage{
			From:      1,
			ChatKey:   domain.ChatKeyForChannel(0),
			Direction: domain.MessageDirectionOut,
			Body:      "same body, no device id",
			Via:       domain.ViaProtobuf,
			At:        time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if id == 0 {
			t.Fatalf("messages without device id must not collide, insert %d dropped", i)
		}
	}
}

func TestMessageRepoListChatKeys(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := NewMessageRepo(db)
	for _, key := range []string{domain.ChatKeyForChannel(0), domain.ChatKeyForDM("!00000001"), domain.ChatKeyForChannel(0)} {
		if _, err := repo.Insert(ctx, domain.ChatMessage{
			From:      1,
			ChatKey:   key,
			Direction: domain.MessageDirectionIn,
			Body:      "x " + key,
			Via:       domain.ViaAscii,
			At:        time.Now().UTC(),
		}); err != nil {
			t.Fatalf("insert into %q: %v", key, err)
		}
	}

	keys, err := repo.ListChatKeys(ctx)
	if err != nil {
		t.Fatalf("list chat keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 chat keys, got %v", keys)
	}
}
