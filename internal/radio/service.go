// Package radio runs the protocol session against a connected device: frame
// demuxing, protobuf decode, node database sync, heartbeats, and reconnect
// with bounded backoff. All observable output flows through the message bus.
package radio

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshlink/internal/bus"
	"meshlink/internal/config"
	"meshlink/internal/connectors"
	"meshlink/internal/domain"
	"meshlink/internal/textlog"
	"meshlink/internal/transport"
)

var (
	ErrNoTransport      = errors.New("no transport selected")
	ErrAlreadyConnected = errors.New("session already running")
	ErrNotConnected     = errors.New("session not running")
	ErrNotReady         = errors.New("session not ready")
)

// Service owns the radio session lifecycle. One session goroutine exists at
// a time; commands are accepted from any goroutine.
type Service struct {
	logger *slog.Logger
	bus    bus.MessageBus
	codec  Codec
	nodes  *domain.NodeStore
	dedup  *domain.Dedup
	engine config.EngineConfig

	mu             sync.Mutex
	transport      transport.Transport
	state          connectors.ConnectionState
	stateErr       string
	sessionCancel  context.CancelFunc
	sessionDone    chan struct{}
	userDisconnect bool
	sess           *session
}

// session is per-connection state shared between the reader goroutine and
// command callers.
type session struct {
	mu          sync.Mutex
	transport   transport.Transport
	nonce       uint32
	syncDone    uint32
	syncTotal   uint32
	becameReady bool
	heartbeatOn bool
	syncTimer   *time.Timer
}

func NewService(logger *slog.Logger, msgBus bus.MessageBus, codec Codec, nodes *domain.NodeStore, dedup *domain.Dedup, engine config.EngineConfig) *Service {
	return &Service{
		logger: logger,
		bus:    msgBus,
		codec:  codec,
		nodes:  nodes,
		dedup:  dedup,
		engine: engine,
		state:  connectors.ConnectionStateDisconnected,
	}
}

// State returns the current session state.
func (s *Service) State() connectors.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// SelectTransport binds a transport for subsequent Connect calls. It fails
// while a session is running; disconnect first.
func (s *Service) SelectTransport(t transport.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionDone != nil {
		return ErrAlreadyConnected
	}
	s.transport = t
	s.setStateLocked(connectors.ConnectionStatePortSelected, nil)

	return nil
}

// Connect starts the session goroutine. A missing transport is a command
// error, not a retriable connection failure.
func (s *Service) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return ErrNoTransport
	}
	if s.sessionDone != nil {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sessionCancel = cancel
	s.sessionDone = done
	s.userDisconnect = false

	go s.runSession(ctx, s.transport, done)

	return nil
}

// Disconnect stops the session and suppresses reconnection. It returns after
// the session goroutine has exited.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	if s.sessionDone == nil {
		s.mu.Unlock()

		return ErrNotConnected
	}
	s.userDisconnect = true
	cancel := s.sessionCancel
	done := s.sessionDone
	sess := s.sess
	s.mu.Unlock()

	// Best effort: tell the radio the session is over before tearing the
	// transport down.
	if sess != nil {
		if payload, err := s.codec.EncodeDisconnect(); err == nil {
			writeCtx, writeCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.writePayload(writeCtx, sess.transport, payload)
			writeCancel()
		}
	}

	cancel()
	<-done

	return nil
}

// SendText encodes and transmits a chat message, echoing the outbound
// message on the chat topic. The session must be ready.
func (s *Service) SendText(ctx context.Context, chatKey, body string) (domain.ChatMessage, error) {
	sess, err := s.readySession()
	if err != nil {
		return domain.ChatMessage{}, err
	}

	enc, err := s.codec.EncodeText(chatKey, body)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("encode text: %w", err)
	}
	if err := s.writePayload(ctx, sess.transport, enc.Payload); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("send text: %w", err)
	}

	msg := domain.ChatMessage{
		From:      s.codec.LocalNodeNum(),
		ChatKey:   chatKey,
		Direction: domain.MessageDirectionOut,
		Body:      body,
		Via:       domain.ViaProtobuf,
		At:        time.Now(),
	}
	if nodeID := domain.NodeIDFromDMChatKey(chatKey); nodeID != "" {
		if num, err := domain.ParseNodeNum(nodeID); err == nil {
			msg.To = num
		}
	} else {
		msg.To = domain.BroadcastNodeNum
	}
	s.bus.Publish(connectors.TopicChatMessage, msg)
	s.logger.Info("text sent", "chat", chatKey, "device_msg_id", enc.DeviceMessageID, "want_ack", enc.WantAck)

	return msg, nil
}

// SendPosition transmits a position report for the local node.
func (s *Service) SendPosition(ctx context.Context, chatKey string, lat, lon float64, altitude *int32) error {
	sess, err := s.readySession()
	if err != nil {
		return err
	}

	payload, err := s.codec.EncodePosition(chatKey, lat, lon, altitude)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	if err := s.writePayload(ctx, sess.transport, payload); err != nil {
		return fmt.Errorf("send position: %w", err)
	}
	s.logger.Info("position sent", "chat", chatKey)

	return nil
}

// RequestNodeDB restarts the node database download with a fresh nonce.
func (s *Service) RequestNodeDB(ctx context.Context) error {
	s.mu.Lock()
	sess := s.sess
	state := s.state
	running := s.sessionDone != nil
	s.mu.Unlock()

	if !running || state == connectors.ConnectionStateDisconnected || state == connectors.ConnectionStatePortSelected {
		return ErrNotConnected
	}
	if sess == nil {
		// Still connecting; the connect path issues its own want_config the
		// moment the transport is up, so there is nothing to re-request.
		return nil
	}

	nonce, err := newNonce()
	if err != nil {
		return err
	}
	payload, err := s.codec.EncodeWantConfig(nonce)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.nonce = nonce
	sess.syncDone = 0
	sess.mu.Unlock()

	// State first: a fast config_complete reply must not race the syncing
	// transition.
	s.armSyncTimer(sess)
	s.setState(connectors.ConnectionStateSyncing, nil)
	if err := s.writePayload(ctx, sess.transport, payload); err != nil {
		return fmt.Errorf("request node db: %w", err)
	}
	s.logger.Info("node db sync requested", "nonce", nonce)

	return nil
}

func (s *Service) readySession() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		return nil, ErrNotConnected
	}
	if s.state != connectors.ConnectionStateReady {
		return nil, ErrNotReady
	}

	return s.sess, nil
}

func (s *Service) runSession(ctx context.Context, t transport.Transport, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.sessionCancel = nil
		s.sessionDone = nil
		s.sess = nil
		s.mu.Unlock()
		close(done)
	}()

	backoff := s.engine.BackoffFloor()
	for {
		s.setState(connectors.ConnectionStateConnecting, nil)
		err := t.Connect(ctx)
		if err == nil {
			err = s.runConnection(ctx, t, &backoff)
			_ = t.Close()
		}

		if s.stopRequested(ctx) {
			s.setState(connectors.ConnectionStateDisconnected, nil)

			return
		}

		s.setState(connectors.ConnectionStateReconnecting, err)
		s.logger.Warn("session lost, reconnecting", "error", err, "backoff", backoff)
		if !sleepWithContext(ctx, backoff) {
			s.setState(connectors.ConnectionStateDisconnected, nil)

			return
		}
		backoff = nextBackoff(backoff, s.engine.BackoffCap())
	}
}

// runConnection drives one connected transport until it fails or the session
// is cancelled. On reaching ready it resets backoff to the floor.
func (s *Service) runConnection(ctx context.Context, t transport.Transport, backoff *time.Duration) error {
	// Everything spawned for this connection dies with it; reconnects get a
	// fresh context and a fresh heartbeat.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.nodes.Reset()
	s.dedup.Reset()

	nonce, err := newNonce()
	if err != nil {
		return err
	}
	sess := &session{transport: t, nonce: nonce}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		if sess.syncTimer != nil {
			sess.syncTimer.Stop()
		}
		sess.mu.Unlock()
	}()

	payload, err := s.codec.EncodeWantConfig(nonce)
	if err != nil {
		return err
	}
	if err := s.writePayload(ctx, t, payload); err != nil {
		return fmt.Errorf("request config: %w", err)
	}
	s.armSyncTimer(sess)
	s.setState(connectors.ConnectionStateSyncing, nil)

	err = s.readLoop(ctx, sess)

	sess.mu.Lock()
	becameReady := sess.becameReady
	sess.mu.Unlock()
	if becameReady {
		*backoff = s.engine.BackoffFloor()
	}

	return err
}

func (s *Service) readLoop(ctx context.Context, sess *session) error {
	demux := &transport.Demuxer{}
	text := textlog.NewChannel()

	for {
		chunk, err := sess.transport.ReadChunk(ctx)
		if err != nil {
			return err
		}
		for _, ev := range demux.Feed(chunk) {
			switch ev.Kind {
			case transport.DemuxFrame:
				s.bus.Publish(connectors.TopicRawFrameIn, connectors.RawFrame{
					Hex: hex.EncodeToString(ev.Data),
					Len: len(ev.Data),
				})
				frame, err := s.codec.DecodeFromRadio(ev.Data)
				if err != nil {
					s.logger.Warn("frame decode failed", "error", err, "len", len(ev.Data))

					continue
				}
				s.applyFrame(ctx, sess, frame)
			case transport.DemuxText:
				res := text.Feed(ev.Data)
				now := time.Now()
				for _, line := range res.Lines {
					s.bus.Publish(connectors.TopicDebugLog, connectors.DebugLogLine{Line: line, At: now})
				}
				for _, msg := range res.Chats {
					s.deliverChat(msg)
				}
			}
		}
	}
}

func (s *Service) applyFrame(ctx context.Context, sess *session, frame DecodedFrame) {
	switch {
	case frame.HasMyInfo:
		sess.mu.Lock()
		sess.syncTotal = frame.NodeDBCount
		done, total := sess.syncDone, sess.syncTotal
		sess.mu.Unlock()
		s.logger.Info("my_info received", "node_num", frame.MyNodeNum, "node_db_count", frame.NodeDBCount)
		s.bus.Publish(connectors.TopicSyncProgress, connectors.SyncProgress{Done: done, Total: total})
	case frame.NodeUpdate != nil:
		s.nodes.Upsert(frame.NodeUpdate.Node)
		s.bus.Publish(connectors.TopicNodeInfo, *frame.NodeUpdate)
		if !frame.NodeUpdate.FromPacket && s.State() == connectors.ConnectionStateSyncing {
			sess.mu.Lock()
			sess.syncDone++
			done, total := sess.syncDone, sess.syncTotal
			sess.mu.Unlock()
			s.bus.Publish(connectors.TopicSyncProgress, connectors.SyncProgress{Done: done, Total: total})
		}
	case frame.ConfigCompleteID != 0:
		s.onConfigComplete(ctx, sess, frame.ConfigCompleteID)
	case frame.Rebooted:
		s.onRebooted(ctx, sess)
	case frame.ChatMessage != nil:
		s.deliverChat(*frame.ChatMessage)
	}
}

// onConfigComplete finishes the sync only when the id matches the nonce of
// the outstanding request; completions from a previous request are stale.
func (s *Service) onConfigComplete(ctx context.Context, sess *session, id uint32) {
	sess.mu.Lock()
	if id != sess.nonce {
		nonce := sess.nonce
		sess.mu.Unlock()
		s.logger.Debug("stale config_complete ignored", "got", id, "want", nonce)

		return
	}
	sess.becameReady = true
	startHeartbeat := !sess.heartbeatOn
	sess.heartbeatOn = true
	if sess.syncTimer != nil {
		sess.syncTimer.Stop()
		sess.syncTimer = nil
	}
	sess.mu.Unlock()

	nodeCount := s.nodes.Len()
	s.bus.Publish(connectors.TopicSyncComplete, connectors.SyncComplete{Nonce: id, NodeCount: nodeCount})
	s.setState(connectors.ConnectionStateReady, nil)
	s.logger.Info("node db sync complete", "nonce", id, "nodes", nodeCount)

	if startHeartbeat {
		go s.heartbeatLoop(ctx, sess)
	}
}

// onRebooted restarts config sync; the radio has lost the session state.
func (s *Service) onRebooted(ctx context.Context, sess *session) {
	s.logger.Warn("radio rebooted mid-session")
	s.bus.Publish(connectors.TopicRebooted, connectors.Rebooted{At: time.Now()})

	nonce, err := newNonce()
	if err != nil {
		return
	}
	payload, err := s.codec.EncodeWantConfig(nonce)
	if err != nil {
		return
	}
	sess.mu.Lock()
	sess.nonce = nonce
	sess.syncDone = 0
	sess.mu.Unlock()
	s.armSyncTimer(sess)
	s.setState(connectors.ConnectionStateSyncing, nil)
	if err := s.writePayload(ctx, sess.transport, payload); err != nil {
		s.logger.Warn("config re-request failed", "error", err)
	}
}

// deliverChat publishes a chat message unless its key was already observed.
// Both delivery paths funnel through here, in stream order.
func (s *Service) deliverChat(msg domain.ChatMessage) {
	if !s.dedup.Accept(msg) {
		s.logger.Debug("duplicate chat message dropped", "from", domain.FormatNodeNum(msg.From), "id", msg.IDHex, "via", msg.Via.String())

		return
	}
	s.bus.Publish(connectors.TopicChatMessage, msg)
}

func (s *Service) heartbeatLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(s.engine.HeartbeatInterval())
	defer ticker.Stop()

	var nonce uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nonce++
			payload, err := s.codec.EncodeHeartbeat(nonce)
			if err != nil {
				continue
			}
			if err := s.writePayload(ctx, sess.transport, payload); err != nil {
				s.logger.Debug("heartbeat write failed", "error", err)
			}
		}
	}
}

// armSyncTimer surfaces a stuck node database download as a status error
// while leaving the session in syncing.
func (s *Service) armSyncTimer(sess *session) {
	timeout := s.engine.SyncTimeout()
	sess.mu.Lock()
	if sess.syncTimer != nil {
		sess.syncTimer.Stop()
	}
	sess.syncTimer = time.AfterFunc(timeout, func() {
		if s.State() == connectors.ConnectionStateSyncing {
			s.logger.Warn("node db sync timed out", "timeout", timeout)
			s.setState(connectors.ConnectionStateSyncing, errors.New("node database sync timed out"))
		}
	})
	sess.mu.Unlock()
}

func (s *Service) writePayload(ctx context.Context, t transport.Transport, payload []byte) error {
	if err := t.WritePayload(ctx, payload); err != nil {
		return err
	}
	s.bus.Publish(connectors.TopicRawFrameOut, connectors.RawFrame{
		Hex: hex.EncodeToString(payload),
		Len: len(payload),
	})

	return nil
}

func (s *Service) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userDisconnect
}

func (s *Service) setState(state connectors.ConnectionState, err error) {
	s.mu.Lock()
	s.setStateLocked(state, err)
	s.mu.Unlock()
}

func (s *Service) setStateLocked(state connectors.ConnectionState, err error) {
	s.state = state
	s.stateErr = ""
	if err != nil {
		s.stateErr = err.Error()
	}

	status := connectors.ConnectionStatus{
		State:     state,
		Err:       s.stateErr,
		Timestamp: time.Now(),
	}
	if s.transport != nil {
		status.TransportName = s.transport.Name()
		if resolver, ok := s.transport.(transport.StatusTargetResolver); ok {
			status.Target = resolver.StatusTarget()
		}
	}
	s.bus.Publish(connectors.TopicConnStatus, status)
	s.logger.Debug("connection state", "state", string(state), "error", s.stateErr)
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}

	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func newNonce() (uint32, error) {
	var raw [4]byte
	for {
		if _, err := rand.Read(raw[:]); err != nil {
			return 0, fmt.Errorf("generate nonce: %w", err)
		}
		if n := binary.BigEndian.Uint32(raw[:]); n != 0 {
			return n, nil
		}
	}
}
