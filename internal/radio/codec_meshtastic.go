package radio

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"

	"meshlink/internal/domain"
	"meshlink/internal/meshwire"
)

const positionScale = 1e-7

// maxInflatedText bounds decompression of portnum 7 payloads.
const maxInflatedText = 16 * 1024

// MeshtasticCodec implements Codec for the radio's protobuf frames.
type MeshtasticCodec struct {
	packetID     atomic.Uint32
	localNodeNum atomic.Uint32
}

func NewMeshtasticCodec() (*MeshtasticCodec, error) {
	var seedRaw [4]byte
	if _, err := rand.Read(seedRaw[:]); err != nil {
		return nil, fmt.Errorf("seed codec packet id: %w", err)
	}
	c := &MeshtasticCodec{}
	c.packetID.Store(binary.BigEndian.Uint32(seedRaw[:]))

	return c, nil
}

func (c *MeshtasticCodec) LocalNodeNum() uint32 {
	return c.localNodeNum.Load()
}

func (c *MeshtasticCodec) LocalNodeID() string {
	num := c.localNodeNum.Load()
	if num == 0 {
		return ""
	}

	return domain.FormatNodeNum(num)
}

func (c *MeshtasticCodec) EncodeWantConfig(nonce uint32) ([]byte, error) {
	if nonce == 0 {
		return nil, fmt.Errorf("want_config nonce must be non-zero")
	}
	wire := &meshwire.ToRadio{WantConfigID: nonce}

	return wire.Marshal(), nil
}

func (c *MeshtasticCodec) EncodeHeartbeat(nonce uint32) ([]byte, error) {
	wire := &meshwire.ToRadio{Heartbeat: &meshwire.Heartbeat{Nonce: nonce}}

	return wire.Marshal(), nil
}

func (c *MeshtasticCodec) EncodeDisconnect() ([]byte, error) {
	wire := &meshwire.ToRadio{Disconnect: true}

	return wire.Marshal(), nil
}

func (c *MeshtasticCodec) EncodeText(chatKey, text string) (EncodedText, error) {
	to, channel, err := parseChatTarget(chatKey)
	if err != nil {
		return EncodedText{}, err
	}
	packetID := c.nextNonZeroID()

	packet := &meshwire.MeshPacket{
		To:      to,
		Channel: channel,
		ID:      packetID,
		WantAck: to != meshwire.BroadcastNodeNum,
		Decoded: &meshwire.Data{
			Portnum: meshwire.PortTextMessage,
			Payload: []byte(text),
		},
	}
	wire := &meshwire.ToRadio{Packet: packet}

	return EncodedText{
		Payload:         wire.Marshal(),
		DeviceMessageID: strconv.FormatUint(uint64(packetID), 10),
		WantAck:         packet.WantAck,
	}, nil
}

func (c *MeshtasticCodec) EncodePosition(chatKey string, lat, lon float64, altitude *int32) ([]byte, error) {
	to, channel, err := parseChatTarget(chatKey)
	if err != nil {
		return nil, err
	}
	if !isValidCoordinate(lat, lon) {
		return nil, fmt.Errorf("invalid coordinates: %f, %f", lat, lon)
	}

	latI := int32(math.Round(lat / positionScale))
	lonI := int32(math.Round(lon / positionScale))
	position := &meshwire.Position{
		LatitudeI:  &latI,
		LongitudeI: &lonI,
		Altitude:   altitude,
		Time:       uint32(time.Now().Unix()),
	}

	packet := &meshwire.MeshPacket{
		To:      to,
		Channel: channel,
		ID:      c.nextNonZeroID(),
		Decoded: &meshwire.Data{
			Portnum: meshwire.PortPosition,
			Payload: positionPayload(position),
		},
	}
	wire := &meshwire.ToRadio{Packet: packet}

	return wire.Marshal(), nil
}

func (c *MeshtasticCodec) DecodeFromRadio(payload []byte) (DecodedFrame, error) {
	out := DecodedFrame{Raw: payload}

	wire, err := meshwire.UnmarshalFromRadio(payload)
	if err != nil {
		return out, fmt.Errorf("decode fromradio: %w", err)
	}

	now := time.Now()
	switch {
	case wire.MyInfo != nil:
		if wire.MyInfo.MyNodeNum != 0 {
			c.localNodeNum.Store(wire.MyInfo.MyNodeNum)
		}
		out.MyNodeNum = wire.MyInfo.MyNodeNum
		out.NodeDBCount = wire.MyInfo.NodeDBCount
		out.HasMyInfo = true
	case wire.NodeInfo != nil:
		update := decodeNodeInfo(wire.NodeInfo, now)
		out.NodeUpdate = &update
	case wire.ConfigCompleteID != 0:
		out.ConfigCompleteID = wire.ConfigCompleteID
	case wire.Rebooted:
		out.Rebooted = true
	case wire.Packet != nil:
		if err := c.decodePacket(wire.Packet, now, &out); err != nil {
			return out, err
		}
	}

	return out, nil
}

func (c *MeshtasticCodec) decodePacket(packet *meshwire.MeshPacket, now time.Time, out *DecodedFrame) error {
	decoded := packet.Decoded
	if decoded == nil {
		// Encrypted payloads pass through undelivered; the engine does not
		// hold channel keys.
		return nil
	}

	switch decoded.Portnum {
	case meshwire.PortTextMessage:
		c.applyTextMessage(packet, string(decoded.Payload), domain.ViaProtobuf, now, out)
	case meshwire.PortTextMessageCompressed:
		text, err := inflateText(decoded.Payload)
		if err != nil {
			return fmt.Errorf("inflate compressed text from %s: %w", domain.FormatNodeNum(packet.From), err)
		}
		c.applyTextMessage(packet, text, domain.ViaCompressed, now, out)
	case meshwire.PortPosition:
		if update, ok := decodePositionPacket(packet, decoded.Payload, now); ok {
			out.NodeUpdate = &update
		}
	default:
		// Unknown portnums are forward-compatible noise, not errors.
	}

	return nil
}

func (c *MeshtasticCodec) applyTextMessage(packet *meshwire.MeshPacket, text string, via domain.MessageVia, now time.Time, out *DecodedFrame) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	local := c.localNodeNum.Load()
	direction := domain.MessageDirectionIn
	if local != 0 && packet.From == local {
		direction = domain.MessageDirectionOut
	}

	// IDHex is formatted even for a zero packet id so the dedup key matches
	// the ASCII log path, which normalizes "id=0x0" to "00000000".
	msg := domain.ChatMessage{
		From:      packet.From,
		To:        packet.To,
		ChatKey:   chatKeyForPacket(packet, direction, local),
		Direction: direction,
		Body:      text,
		IDHex:     fmt.Sprintf("%08x", packet.ID),
		Via:       via,
		At:        packetTimestamp(packet.RxTime, now),
	}
	out.ChatMessage = &msg
}

func decodeNodeInfo(info *meshwire.NodeInfo, now time.Time) domain.NodeUpdate {
	node := domain.Node{
		NodeNum:     info.Num,
		NodeID:      domain.FormatNodeNum(info.Num),
		LastHeardAt: packetTimestamp(info.LastHeard, now),
		UpdatedAt:   now,
	}
	if user := info.User; user != nil {
		node.LongName = strings.TrimSpace(user.LongName)
		node.ShortName = strings.TrimSpace(user.ShortName)
		if node.NodeID == "unknown" && user.ID != "" {
			node.NodeID = user.ID
		}
	}
	applyPosition(&node, info.Position)
	applyDeviceMetrics(&node, info.DeviceMetrics)
	if info.SNR != 0 {
		snr := float64(info.SNR)
		node.SNR = &snr
	}

	return domain.NodeUpdate{
		Node:       node,
		LastHeard:  node.LastHeardAt,
		FromPacket: false,
	}
}

func decodePositionPacket(packet *meshwire.MeshPacket, payload []byte, now time.Time) (domain.NodeUpdate, bool) {
	if packet.From == 0 {
		return domain.NodeUpdate{}, false
	}
	position, err := meshwire.UnmarshalPosition(payload)
	if err != nil {
		return domain.NodeUpdate{}, false
	}

	node := domain.Node{
		NodeNum:     packet.From,
		NodeID:      domain.FormatNodeNum(packet.From),
		LastHeardAt: packetTimestamp(packet.RxTime, now),
		UpdatedAt:   now,
	}
	if !applyPosition(&node, position) {
		return domain.NodeUpdate{}, false
	}
	if packet.RxSNR != 0 {
		snr := float64(packet.RxSNR)
		node.SNR = &snr
	}

	return domain.NodeUpdate{
		Node:       node,
		LastHeard:  node.LastHeardAt,
		FromPacket: true,
	}, true
}

func applyPosition(node *domain.Node, position *meshwire.Position) bool {
	if node == nil || position == nil || position.LatitudeI == nil || position.LongitudeI == nil {
		return false
	}

	lat := float64(*position.LatitudeI) * positionScale
	lon := float64(*position.LongitudeI) * positionScale
	if !isValidCoordinate(lat, lon) {
		return false
	}

	node.Latitude = &lat
	node.Longitude = &lon
	node.Altitude = position.Altitude
	node.PositionTime = position.Time

	return true
}

func applyDeviceMetrics(node *domain.Node, dm *meshwire.DeviceMetrics) {
	if dm == nil || node == nil {
		return
	}
	if dm.BatteryLevel != nil {
		v := *dm.BatteryLevel
		node.BatteryLevel = &v
	}
	if dm.Voltage != nil {
		v := float64(*dm.Voltage)
		node.Voltage = &v
	}
	if dm.ChannelUtilization != nil {
		v := float64(*dm.ChannelUtilization)
		node.ChannelUtil = &v
	}
	if dm.AirUtilTx != nil {
		v := float64(*dm.AirUtilTx)
		node.AirUtilTx = &v
	}
}

func isValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}

	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func inflateText(payload []byte) (string, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer func() {
		_ = r.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(r, maxInflatedText))
	if err != nil {
		return "", fmt.Errorf("inflate payload: %w", err)
	}

	return string(raw), nil
}

func parseChatTarget(chatKey string) (to uint32, channel uint32, err error) {
	chatKey = strings.TrimSpace(chatKey)
	switch {
	case strings.HasPrefix(chatKey, "channel:"):
		idx, parseErr := strconv.ParseUint(strings.TrimPrefix(chatKey, "channel:"), 10, 32)
		if parseErr != nil {
			return 0, 0, fmt.Errorf("invalid channel chat key: %q", chatKey)
		}

		return meshwire.BroadcastNodeNum, uint32(idx), nil
	case strings.HasPrefix(chatKey, "dm:"):
		nodeNum, parseErr := domain.ParseNodeNum(strings.TrimPrefix(chatKey, "dm:"))
		if parseErr != nil {
			return 0, 0, fmt.Errorf("invalid dm chat key: %q", chatKey)
		}

		return nodeNum, 0, nil
	default:
		return 0, 0, fmt.Errorf("unsupported chat key: %q", chatKey)
	}
}

// chatKeyForPacket routes broadcast traffic to the channel thread and
// everything else to the other party's DM thread.
func chatKeyForPacket(packet *meshwire.MeshPacket, direction domain.MessageDirection, local uint32) string {
	if packet.To == meshwire.BroadcastNodeNum {
		return domain.ChatKeyForChannel(int(packet.Channel))
	}
	if direction == domain.MessageDirectionOut && packet.To != 0 {
		return domain.ChatKeyForDM(domain.FormatNodeNum(packet.To))
	}
	if packet.From != 0 && packet.From != local {
		return domain.ChatKeyForDM(domain.FormatNodeNum(packet.From))
	}
	if packet.To != 0 {
		return domain.ChatKeyForDM(domain.FormatNodeNum(packet.To))
	}

	return domain.ChatKeyForDM("unknown")
}

func packetTimestamp(epochSec uint32, fallback time.Time) time.Time {
	if epochSec == 0 {
		return fallback
	}

	return time.Unix(int64(epochSec), 0)
}

func positionPayload(p *meshwire.Position) []byte {
	// Position rides inside Data.payload as its own message.
	return meshwire.AppendPosition(nil, p)
}

func (c *MeshtasticCodec) nextNonZeroID() uint32 {
	for {
		id := c.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}
