package persistence

import (
	"context"
	"log/slog"

	"meshlink/internal/bus"
	"meshlink/internal/connectors"
	"meshlink/internal/domain"
)

// Recorder projects node and chat events from the message bus into the
// history database through the writer queue.
type Recorder struct {
	logger   *slog.Logger
	bus      bus.MessageBus
	queue    *WriterQueue
	nodes    *NodeRepo
	messages *MessageRepo
}

func NewRecorder(logger *slog.Logger, msgBus bus.MessageBus, queue *WriterQueue, nodes *NodeRepo, messages *MessageRepo) *Recorder {
	return &Recorder{
		logger:   logger,
		bus:      msgBus,
		queue:    queue,
		nodes:    nodes,
		messages: messages,
	}
}

// Start subscribes to the bus and runs until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	nodeSub := r.bus.Subscribe(connectors.TopicNodeInfo)
	chatSub := r.bus.Subscribe(connectors.TopicChatMessage)

	go func() {
		defer r.bus.Unsubscribe(nodeSub, connectors.TopicNodeInfo)
		defer r.bus.Unsubscribe(chatSub, connectors.TopicChatMessage)

		for {
			select {
			case <-ctx.Done():
				return
			case raw := <-nodeSub:
				update, ok := raw.(domain.NodeUpdate)
				if !ok {
					continue
				}
				node := update.Node
				r.queue.Enqueue("upsert node", func(ctx context.Context) error {
					return r.nodes.Upsert(ctx, node)
				})
			case raw := <-chatSub:
				msg, ok := raw.(domain.ChatMessage)
				if !ok {
					continue
				}
				r.queue.Enqueue("insert message", func(ctx context.Context) error {
					_, err := r.messages.Insert(ctx, msg)

					return err
				})
			}
		}
	}()
}
