package persistence

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"meshlink/internal/bus"
	"meshlink/internal/connectors"
	"meshlink/internal/domain"
)

func TestRecorderPersistsBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := Open(ctx, filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	msgBus := bus.New(logger)
	defer msgBus.Close()

	queue := NewWriterQueue(logger, 16)
	queue.Start(ctx)
	nodes := NewNodeRepo(db)
	messages := NewMessageRepo(db)
	NewRecorder(logger, msgBus, queue, nodes, messages).Start(ctx)

	// Subscriptions are registered synchronously in Start, so publishing
	// right away is safe.
	msgBus.Publish(connectors.TopicNodeInfo, domain.NodeUpdate{Node: domain.Node{
		NodeNum:     0x42,
		NodeID:      "!00000042",
		LongName:    "Persisted",
		LastHeardAt: time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}})
	msgBus.Publish(connectors.TopicChatMessage, domain.ChatMessage{
		From:      0x42,
		To:        domain.BroadcastNodeNum,
		ChatKey:   domain.ChatKeyForChannel(0),
		Direction: domain.MessageDirectionIn,
		Body:      "recorded",
		IDHex:     "00000001",
		Via:       domain.ViaProtobuf,
		At:        time.Now().UTC(),
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		storedNodes, err := nodes.ListSortedByLastHeard(ctx)
		if err != nil {
			t.Fatalf("list nodes: %v", err)
		}
		storedMsgs, err := messages.ListRecentByChat(ctx, domain.ChatKeyForChannel(0), 10)
		if err != nil {
			t.Fatalf("list messages: %v", err)
		}
		if len(storedNodes) == 1 && len(storedMsgs) == 1 {
			if storedNodes[0].LongName != "Persisted" || storedMsgs[0].Body != "recorded" {
				t.Fatalf("unexpected rows: %+v / %+v", storedNodes[0], storedMsgs[0])
			}

			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("events never reached the database: nodes=%d msgs=%d", len(storedNodes), len(storedMsgs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
