package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"meshlink/internal/bus"
	"meshlink/internal/config"
	"meshlink/internal/connectors"
	"meshlink/internal/domain"
	"meshlink/internal/meshwire"
	"meshlink/internal/transport"
)

const testWait = 3 * time.Second

// fakeTransport scripts the radio side of a session. Chunks pushed with
// push() are returned by ReadChunk; onWrite lets a test answer outbound
// payloads like a firmware would.
type fakeTransport struct {
	mu          sync.Mutex
	chunks      chan []byte
	writes      [][]byte
	connectErrs []error
	connects    int
	onWrite     func(payload []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{chunks: make(chan []byte, 64)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]

		return err
	}

	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-f.chunks:
		if !ok {
			return nil, io.EOF
		}

		return chunk, nil
	}
}

func (f *fakeTransport) WritePayload(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), payload...))
	onWrite := f.onWrite
	f.mu.Unlock()
	if onWrite != nil {
		onWrite(payload)
	}

	return nil
}

func (f *fakeTransport) push(chunk []byte) {
	f.chunks <- chunk
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connects
}

func frameBytes(payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	frame[0] = 0x94
	frame[1] = 0xC3
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	return frame
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		HeartbeatIntervalS: 1,
		BackoffFloorMS:     10,
		BackoffCapMS:       40,
		SyncTimeoutS:       5,
	}
}

type serviceFixture struct {
	svc      *Service
	bus      *bus.PubSubBus
	codec    *MeshtasticCodec
	nodes    *domain.NodeStore
	dedup    *domain.Dedup
	statuses bus.Subscription
	chats    bus.Subscription
	complete bus.Subscription
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	return newServiceFixtureEngine(t, testEngineConfig())
}

func newServiceFixtureEngine(t *testing.T, engine config.EngineConfig) *serviceFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	msgBus := bus.New(logger)
	t.Cleanup(msgBus.Close)

	codec, err := NewMeshtasticCodec()
	if err != nil {
		t.Fatalf("NewMeshtasticCodec: %v", err)
	}
	nodes := domain.NewNodeStore()
	dedup := domain.NewDedup()

	return &serviceFixture{
		svc:      NewService(logger, msgBus, codec, nodes, dedup, engine),
		bus:      msgBus,
		codec:    codec,
		nodes:    nodes,
		dedup:    dedup,
		statuses: msgBus.Subscribe(connectors.TopicConnStatus),
		chats:    msgBus.Subscribe(connectors.TopicChatMessage),
		complete: msgBus.Subscribe(connectors.TopicSyncComplete),
	}
}

func (fx *serviceFixture) waitState(t *testing.T, want connectors.ConnectionState) connectors.ConnectionStatus {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case raw := <-fx.statuses:
			status, ok := raw.(connectors.ConnectionStatus)
			if !ok {
				t.Fatalf("unexpected status payload %T", raw)
			}
			if status.State == want {
				return status
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func (fx *serviceFixture) waitChat(t *testing.T) domain.ChatMessage {
	t.Helper()
	select {
	case raw := <-fx.chats:
		msg, ok := raw.(domain.ChatMessage)
		if !ok {
			t.Fatalf("unexpected chat payload %T", raw)
		}

		return msg
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for chat message")

		return domain.ChatMessage{}
	}
}

// answerConfig makes the fake radio reply to every want_config with the
// given node records followed by a matching config_complete.
func answerConfig(ft *fakeTransport, nodeInfos []*meshwire.NodeInfo) {
	ft.onWrite = func(payload []byte) {
		msg, err := meshwire.UnmarshalToRadio(payload)
		if err != nil || msg.WantConfigID == 0 {
			return
		}
		ft.push(frameBytes((&meshwire.FromRadio{MyInfo: &meshwire.MyNodeInfo{
			MyNodeNum:   0x0B0B,
			NodeDBCount: uint32(len(nodeInfos)),
		}}).Marshal()))
		for _, info := range nodeInfos {
			ft.push(frameBytes((&meshwire.FromRadio{NodeInfo: info}).Marshal()))
		}
		ft.push(frameBytes((&meshwire.FromRadio{ConfigCompleteID: msg.WantConfigID}).Marshal()))
	}
}

func connectReady(t *testing.T, fx *serviceFixture, ft *fakeTransport) {
	t.Helper()
	if err := fx.svc.SelectTransport(ft); err != nil {
		t.Fatalf("SelectTransport: %v", err)
	}
	if err := fx.svc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fx.waitState(t, connectors.ConnectionStateReady)
}

func TestConnectWithoutTransportFails(t *testing.T) {
	fx := newServiceFixture(t)
	if err := fx.svc.Connect(); err != ErrNoTransport {
		t.Fatalf("Connect = %v, want ErrNoTransport", err)
	}
}

func TestSessionReachesReadyAndLoadsNodeDB(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, []*meshwire.NodeInfo{
		{Num: 0x0B0B, User: &meshwire.User{LongName: "Local"}},
		{Num: 0xC0DE, User: &meshwire.User{LongName: "Remote"}},
	})

	connectReady(t, fx, ft)
	defer func() { _ = fx.svc.Disconnect() }()

	select {
	case raw := <-fx.complete:
		done, ok := raw.(connectors.SyncComplete)
		if !ok {
			t.Fatalf("unexpected payload %T", raw)
		}
		if done.NodeCount != 2 {
			t.Fatalf("node count = %d, want 2", done.NodeCount)
		}
	case <-time.After(testWait):
		t.Fatalf("no sync complete event")
	}
	if fx.nodes.Len() != 2 {
		t.Fatalf("node store has %d nodes, want 2", fx.nodes.Len())
	}
	if got := fx.codec.LocalNodeNum(); got != 0x0B0B {
		t.Fatalf("local node num = %#x", got)
	}
}

func TestStaleConfigCompleteDoesNotFinishSync(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	ft.onWrite = func(payload []byte) {
		msg, err := meshwire.UnmarshalToRadio(payload)
		if err != nil || msg.WantConfigID == 0 {
			return
		}
		// Completion for a nonce the engine never asked for.
		ft.push(frameBytes((&meshwire.FromRadio{ConfigCompleteID: msg.WantConfigID + 1}).Marshal()))
	}

	if err := fx.svc.SelectTransport(ft); err != nil {
		t.Fatalf("SelectTransport: %v", err)
	}
	if err := fx.svc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = fx.svc.Disconnect() }()

	fx.waitState(t, connectors.ConnectionStateSyncing)
	time.Sleep(200 * time.Millisecond)
	if state := fx.svc.State(); state != connectors.ConnectionStateSyncing {
		t.Fatalf("state = %q, want syncing", state)
	}
	if _, err := fx.svc.SendText(context.Background(), domain.ChatKeyForChannel(0), "x"); err != ErrNotReady {
		t.Fatalf("SendText = %v, want ErrNotReady", err)
	}
}

func TestDualPathMessageDeliveredOnce(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, nil)
	connectReady(t, fx, ft)
	defer func() { _ = fx.svc.Disconnect() }()

	packet := frameBytes((&meshwire.FromRadio{Packet: &meshwire.MeshPacket{
		From:    0xFF,
		To:      meshwire.BroadcastNodeNum,
		ID:      0xFF,
		Decoded: &meshwire.Data{Portnum: meshwire.PortTextMessage, Payload: []byte("ping")},
	}}).Marshal())
	echo := []byte("INFO | 12:00:00 1 Received text msg from=0xff, id=0xff, msg=ping\n")

	// Binary frame and its ASCII log echo in the same chunk.
	ft.push(append(append([]byte(nil), packet...), echo...))

	msg := fx.waitChat(t)
	if msg.Body != "ping" || msg.From != 0xFF {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Via != domain.ViaProtobuf {
		t.Fatalf("first delivery should come from the binary path, got %v", msg.Via)
	}

	select {
	case raw := <-fx.chats:
		t.Fatalf("duplicate delivery: %+v", raw)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestAsciiOnlyMessageStillDelivered(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, nil)
	connectReady(t, fx, ft)
	defer func() { _ = fx.svc.Disconnect() }()

	ft.push([]byte("INFO | 12:00:01 1 Received text msg from=0x2a, id=0xbeef, msg=log only\n"))

	msg := fx.waitChat(t)
	if msg.Via != domain.ViaAscii {
		t.Fatalf("via = %v, want ascii", msg.Via)
	}
	if msg.From != 0x2A || msg.IDHex != "0000beef" || msg.Body != "log only" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestSendTextWhenReady(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, nil)
	connectReady(t, fx, ft)
	defer func() { _ = fx.svc.Disconnect() }()

	msg, err := fx.svc.SendText(context.Background(), domain.ChatKeyForChannel(0), "outbound")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if msg.Direction != domain.MessageDirectionOut || msg.To != domain.BroadcastNodeNum {
		t.Fatalf("unexpected echo %+v", msg)
	}

	echo := fx.waitChat(t)
	if echo.Body != "outbound" || echo.Direction != domain.MessageDirectionOut {
		t.Fatalf("unexpected bus echo %+v", echo)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	var found bool
	for _, payload := range ft.writes {
		wire, err := meshwire.UnmarshalToRadio(payload)
		if err != nil || wire.Packet == nil || wire.Packet.Decoded == nil {
			continue
		}
		if string(wire.Packet.Decoded.Payload) == "outbound" {
			found = true
		}
	}
	if !found {
		t.Fatalf("text packet never hit the transport")
	}
}

func TestReconnectBackoffAndRecovery(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	ft.connectErrs = []error{
		fmt.Errorf("connection refused"),
		fmt.Errorf("connection refused"),
	}
	answerConfig(ft, nil)

	if err := fx.svc.SelectTransport(ft); err != nil {
		t.Fatalf("SelectTransport: %v", err)
	}
	if err := fx.svc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = fx.svc.Disconnect() }()

	fx.waitState(t, connectors.ConnectionStateReconnecting)
	fx.waitState(t, connectors.ConnectionStateReady)
	if ft.connectCount() != 3 {
		t.Fatalf("connect attempts = %d, want 3", ft.connectCount())
	}
}

func TestUserDisconnectSuppressesReconnect(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, nil)
	connectReady(t, fx, ft)

	if err := fx.svc.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	fx.waitState(t, connectors.ConnectionStateDisconnected)

	attempts := ft.connectCount()
	time.Sleep(150 * time.Millisecond)
	if got := ft.connectCount(); got != attempts {
		t.Fatalf("reconnect attempted after user disconnect: %d -> %d", attempts, got)
	}
	if err := fx.svc.Disconnect(); err != ErrNotConnected {
		t.Fatalf("second Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectSendsDisconnectPayload(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, nil)
	connectReady(t, fx, ft)

	if err := fx.svc.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	var found bool
	for _, payload := range ft.writes {
		wire, err := meshwire.UnmarshalToRadio(payload)
		if err == nil && wire.Disconnect {
			found = true
		}
	}
	if !found {
		t.Fatalf("no disconnect payload observed")
	}
}

func TestRequestNodeDBRestartsSync(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, []*meshwire.NodeInfo{{Num: 0xC0DE}})
	connectReady(t, fx, ft)
	defer func() { _ = fx.svc.Disconnect() }()

	if err := fx.svc.RequestNodeDB(context.Background()); err != nil {
		t.Fatalf("RequestNodeDB: %v", err)
	}
	fx.waitState(t, connectors.ConnectionStateSyncing)
	fx.waitState(t, connectors.ConnectionStateReady)
}

func TestRebootedRestartsSync(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, nil)
	rebooted := fx.bus.Subscribe(connectors.TopicRebooted)
	connectReady(t, fx, ft)
	defer func() { _ = fx.svc.Disconnect() }()

	ft.push(frameBytes((&meshwire.FromRadio{Rebooted: true}).Marshal()))

	select {
	case <-rebooted:
	case <-time.After(testWait):
		t.Fatalf("no rebooted event")
	}
	fx.waitState(t, connectors.ConnectionStateReady)
}

func TestSyncTimeoutSurfacedAsStatus(t *testing.T) {
	engine := testEngineConfig()
	engine.SyncTimeoutS = 1
	fx := newServiceFixtureEngine(t, engine)
	ft := newFakeTransport() // never answers want_config

	if err := fx.svc.SelectTransport(ft); err != nil {
		t.Fatalf("SelectTransport: %v", err)
	}
	if err := fx.svc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = fx.svc.Disconnect() }()

	fx.waitState(t, connectors.ConnectionStateSyncing)

	deadline := time.After(testWait)
	for {
		select {
		case raw := <-fx.statuses:
			status, ok := raw.(connectors.ConnectionStatus)
			if !ok {
				t.Fatalf("unexpected status payload %T", raw)
			}
			if status.Err == "" {
				continue
			}
			if status.State != connectors.ConnectionStateSyncing {
				t.Fatalf("timeout status in state %q", status.State)
			}
			if !strings.Contains(status.Err, "timed out") {
				t.Fatalf("unexpected status error %q", status.Err)
			}
			// The session stays up; a stuck sync is reported, not fatal.
			if state := fx.svc.State(); state != connectors.ConnectionStateSyncing {
				t.Fatalf("state = %q after timeout, want syncing", state)
			}

			return
		case <-deadline:
			t.Fatalf("sync timeout never surfaced")
		}
	}
}

func TestHeartbeatNoncesIncrementAndStopOnDisconnect(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	answerConfig(ft, nil)
	connectReady(t, fx, ft)

	heartbeats := func() []uint32 {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		var out []uint32
		for _, payload := range ft.writes {
			wire, err := meshwire.UnmarshalToRadio(payload)
			if err == nil && wire.Heartbeat != nil {
				out = append(out, wire.Heartbeat.Nonce)
			}
		}

		return out
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(heartbeats()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 2 heartbeats, got %v", heartbeats())
		}
		time.Sleep(50 * time.Millisecond)
	}
	for i, nonce := range heartbeats() {
		if nonce != uint32(i+1) {
			t.Fatalf("heartbeat nonces must increment from 1: %v", heartbeats())
		}
	}

	if err := fx.svc.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	sent := len(heartbeats())
	time.Sleep(1500 * time.Millisecond)
	if got := len(heartbeats()); got != sent {
		t.Fatalf("heartbeat fired after disconnect: %d -> %d", sent, got)
	}
}

func TestRequestNodeDBPreconditions(t *testing.T) {
	fx := newServiceFixture(t)
	ft := newFakeTransport()
	ft.onWrite = func(payload []byte) {
		msg, err := meshwire.UnmarshalToRadio(payload)
		if err != nil || msg.WantConfigID == 0 {
			return
		}
		ft.push(frameBytes((&meshwire.FromRadio{ConfigCompleteID: msg.WantConfigID + 1}).Marshal()))
	}

	if err := fx.svc.RequestNodeDB(context.Background()); err != ErrNotConnected {
		t.Fatalf("RequestNodeDB while disconnected = %v, want ErrNotConnected", err)
	}

	if err := fx.svc.SelectTransport(ft); err != nil {
		t.Fatalf("SelectTransport: %v", err)
	}
	if err := fx.svc.RequestNodeDB(context.Background()); err != ErrNotConnected {
		t.Fatalf("RequestNodeDB with port selected = %v, want ErrNotConnected", err)
	}

	if err := fx.svc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = fx.svc.Disconnect() }()
	fx.waitState(t, connectors.ConnectionStateSyncing)

	// Stale completions keep the session in syncing; a re-request is still
	// a valid command there.
	if err := fx.svc.RequestNodeDB(context.Background()); err != nil {
		t.Fatalf("RequestNodeDB while syncing: %v", err)
	}
}

func TestNextBackoffDoublesToCap(t *testing.T) {
	floor := 10 * time.Millisecond
	limit := 40 * time.Millisecond

	got := nextBackoff(floor, limit)
	if got != 20*time.Millisecond {
		t.Fatalf("first step = %v", got)
	}
	got = nextBackoff(got, limit)
	if got != limit {
		t.Fatalf("second step = %v", got)
	}
	if next := nextBackoff(got, limit); next != limit {
		t.Fatalf("backoff exceeded cap: %v", next)
	}
}

var _ transport.Transport = (*fakeTransport)(nil)
