package transport

import "context"

// Transport is a duplex byte stream to the radio. Reads hand back whatever
// bytes arrived (frame boundaries are the Demuxer's job); writes accept a
// protocol payload and frame it before it hits the wire. Implementations
// must serialize writes internally so concurrent senders cannot interleave
// frame bytes.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadChunk(ctx context.Context) ([]byte, error)
	WritePayload(ctx context.Context, payload []byte) error
}

type StatusTargetResolver interface {
	StatusTarget() string
}
