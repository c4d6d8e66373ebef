package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshlink/internal/app"
	"meshlink/internal/bus"
	"meshlink/internal/config"
	"meshlink/internal/connectors"
	"meshlink/internal/domain"
	"meshlink/internal/logging"
	"meshlink/internal/persistence"
	"meshlink/internal/radio"
	"meshlink/internal/transport"
)

const (
	readyWaitTimeout = 60 * time.Second
	maxHexPreviewLen = 64
)

func main() {
	if err := run(); err != nil {
		slog.Error("run debug tool", "error", err)
		os.Exit(1)
	}
}

func run() error {
	connector := flag.String("connector", "", "connector type: ip or serial (default from config)")
	host := flag.String("host", "", "ip/hostname for the ip connector")
	serialPort := flag.String("serial-port", "", "serial device path")
	serialBaud := flag.Int("serial-baud", 0, "serial baud rate")
	sendText := flag.String("send", "", "send a text message to the primary channel after sync")
	listenFor := flag.Duration("listen-for", 0, "listen duration, e.g. 30s")
	resetDB := flag.Bool("reset-db", false, "clear persisted history before connecting")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(&cfg, *connector, *host, *serialPort, *serialBaud)

	logMgr := logging.NewManager()
	cfg.Logging.LogToFile = false
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("cli")
	logger.Info("starting meshlink debug", "version", app.BuildVersion(), "build_date", app.BuildDateYMD())

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("close sqlite", "error", closeErr)
		}
	}()
	if *resetDB {
		if err := persistence.ClearDatabase(ctx, db); err != nil {
			return fmt.Errorf("reset db: %w", err)
		}
		logger.Info("history cleared")
	}

	nodeRepo := persistence.NewNodeRepo(db)
	msgRepo := persistence.NewMessageRepo(db)
	cached, err := nodeRepo.ListSortedByLastHeard(ctx)
	if err != nil {
		return fmt.Errorf("load cached nodes: %w", err)
	}
	logger.Info("cached state", "nodes", len(cached))

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	writer := persistence.NewWriterQueue(logMgr.Logger("persistence"), 256)
	writer.Start(ctx)
	persistence.NewRecorder(logMgr.Logger("recorder"), b, writer, nodeRepo, msgRepo).Start(ctx)

	codec, err := radio.NewMeshtasticCodec()
	if err != nil {
		return fmt.Errorf("initialize codec: %w", err)
	}
	nodeStore := domain.NewNodeStore()
	dedup := domain.NewDedup()
	svc := radio.NewService(logMgr.Logger("radio"), b, codec, nodeStore, dedup, cfg.Engine)

	tr, err := buildTransport(cfg.Connection)
	if err != nil {
		return err
	}

	statusSub := b.Subscribe(connectors.TopicConnStatus)
	syncSub := b.Subscribe(connectors.TopicSyncComplete)

	if err := svc.SelectTransport(tr); err != nil {
		return fmt.Errorf("select transport: %w", err)
	}
	if err := svc.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := svc.Disconnect(); err != nil && err != radio.ErrNotConnected {
			logger.Warn("disconnect", "error", err)
		}
	}()

	logger.Info("waiting for node db sync", "timeout", readyWaitTimeout)
	waitErr := waitForReady(ctx, logger, statusSub, syncSub, readyWaitTimeout)
	// Nothing drains these channels past this point; an undrained
	// subscription eventually fills and stalls the bus delivery goroutine.
	b.Unsubscribe(statusSub, connectors.TopicConnStatus)
	b.Unsubscribe(syncSub, connectors.TopicSyncComplete)
	if waitErr != nil {
		return waitErr
	}
	logSnapshot(logger, nodeStore)

	if strings.TrimSpace(*sendText) != "" {
		msg, err := svc.SendText(ctx, domain.ChatKeyForChannel(0), strings.TrimSpace(*sendText))
		if err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		logger.Info("sent", "chat", msg.ChatKey, "body", msg.Body)
	}

	watch(ctx, b, logger)

	if *listenFor > 0 {
		logger.Info("listen mode", "duration", *listenFor)
		select {
		case <-ctx.Done():
		case <-time.After(*listenFor):
		}

		return nil
	}

	logger.Info("listening until interrupt")
	<-ctx.Done()

	return nil
}

func applyFlags(cfg *config.AppConfig, connector, host, serialPort string, serialBaud int) {
	switch strings.TrimSpace(connector) {
	case "ip":
		cfg.Connection.Connector = config.ConnectorIP
	case "serial":
		cfg.Connection.Connector = config.ConnectorSerial
	}
	if strings.TrimSpace(host) != "" {
		cfg.Connection.Host = strings.TrimSpace(host)
	}
	if strings.TrimSpace(serialPort) != "" {
		cfg.Connection.SerialPort = strings.TrimSpace(serialPort)
	}
	if serialBaud > 0 {
		cfg.Connection.SerialBaud = serialBaud
	}
}

func buildTransport(conn config.ConnectionConfig) (transport.Transport, error) {
	switch conn.Connector {
	case config.ConnectorIP:
		if strings.TrimSpace(conn.Host) == "" {
			return nil, fmt.Errorf("missing ip host: set --host or save connection host in config")
		}

		return transport.NewIPTransport(conn.Host, app.DefaultIPPort), nil
	case config.ConnectorSerial:
		if strings.TrimSpace(conn.SerialPort) == "" {
			return nil, fmt.Errorf("missing serial port: set --serial-port or save it in config")
		}

		return transport.NewSerialTransport(conn.SerialPort, conn.SerialBaud), nil
	default:
		return nil, fmt.Errorf("unknown connector: %s", conn.Connector)
	}
}

func waitForReady(ctx context.Context, logger *slog.Logger, statusSub, syncSub bus.Subscription, timeout time.Duration) error {
	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("timeout waiting for node db sync after %s", timeout)
		case raw, ok := <-statusSub:
			if !ok {
				continue
			}
			status, ok := raw.(connectors.ConnectionStatus)
			if !ok {
				continue
			}
			logger.Info("conn", "state", status.State, "transport", status.TransportName, "target", status.Target, "error", status.Err)
		case raw, ok := <-syncSub:
			if !ok {
				return fmt.Errorf("bus closed while waiting for sync")
			}
			done, ok := raw.(connectors.SyncComplete)
			if !ok {
				continue
			}
			logger.Info("sync complete", "nonce", done.Nonce, "nodes", done.NodeCount)

			return nil
		}
	}
}

func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	connSub := b.Subscribe(connectors.TopicConnStatus)
	nodeSub := b.Subscribe(connectors.TopicNodeInfo)
	chatSub := b.Subscribe(connectors.TopicChatMessage)
	progressSub := b.Subscribe(connectors.TopicSyncProgress)
	debugSub := b.Subscribe(connectors.TopicDebugLog)
	rebootSub := b.Subscribe(connectors.TopicRebooted)
	rawInSub := b.Subscribe(connectors.TopicRawFrameIn)
	rawOutSub := b.Subscribe(connectors.TopicRawFrameOut)

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(connSub, connectors.TopicConnStatus)
				b.Unsubscribe(nodeSub, connectors.TopicNodeInfo)
				b.Unsubscribe(chatSub, connectors.TopicChatMessage)
				b.Unsubscribe(progressSub, connectors.TopicSyncProgress)
				b.Unsubscribe(debugSub, connectors.TopicDebugLog)
				b.Unsubscribe(rebootSub, connectors.TopicRebooted)
				b.Unsubscribe(rawInSub, connectors.TopicRawFrameIn)
				b.Unsubscribe(rawOutSub, connectors.TopicRawFrameOut)

				return
			case raw := <-connSub:
				if status, ok := raw.(connectors.ConnectionStatus); ok {
					logger.Info("conn", "state", status.State, "error", status.Err)
				}
			case raw := <-nodeSub:
				if update, ok := raw.(domain.NodeUpdate); ok {
					logger.Info("node", "id", update.Node.NodeID, "name", update.Node.DisplayName(), "from_packet", update.FromPacket)
				}
			case raw := <-chatSub:
				if msg, ok := raw.(domain.ChatMessage); ok {
					logger.Info("text", "chat", msg.ChatKey, "direction", msg.Direction, "via", msg.Via.String(), "body", msg.Body)
				}
			case raw := <-progressSub:
				if p, ok := raw.(connectors.SyncProgress); ok {
					logger.Info("sync", "done", p.Done, "total", p.Total)
				}
			case raw := <-debugSub:
				if line, ok := raw.(connectors.DebugLogLine); ok {
					logger.Debug("radio-log", "line", line.Line)
				}
			case raw := <-rebootSub:
				if _, ok := raw.(connectors.Rebooted); ok {
					logger.Warn("radio rebooted")
				}
			case raw := <-rawOutSub:
				if frame, ok := raw.(connectors.RawFrame); ok {
					logger.Debug("raw-out", "len", frame.Len, "hex", previewHex(frame.Hex))
				}
			case raw := <-rawInSub:
				if frame, ok := raw.(connectors.RawFrame); ok {
					logger.Debug("raw-in", "len", frame.Len, "hex", previewHex(frame.Hex))
				}
			}
		}
	}()
}

func logSnapshot(logger *slog.Logger, nodeStore *domain.NodeStore) {
	nodes := nodeStore.SnapshotSorted()
	logger.Info("node summary", "count", len(nodes))
	for i, node := range nodes {
		if i >= 10 {
			logger.Info("node summary truncated", "remaining", len(nodes)-i)

			break
		}
		logger.Info("node item", "id", node.NodeID, "name", node.DisplayName(), "heard", node.LastHeardAt.Format(time.RFC3339))
	}
}

func previewHex(hex string) string {
	hex = strings.TrimSpace(hex)
	if len(hex) <= maxHexPreviewLen {
		return hex
	}

	return hex[:maxHexPreviewLen] + "..."
}
