// Package meshwire implements the radio's protobuf wire schema directly on
// top of protowire. The schema is small and frozen on the firmware side, so
// the messages are hand-written instead of generated.
package meshwire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// BroadcastNodeNum is the destination sentinel for channel-wide packets.
const BroadcastNodeNum = ^uint32(0)

// Port numbers selecting how a Data payload is interpreted.
const (
	PortTextMessage           = 1
	PortPosition              = 3
	PortTextMessageCompressed = 7
)

// ToRadio is the outbound envelope. Exactly one variant field is encoded;
// Marshal picks the first one set, mirroring the schema's oneof.
type ToRadio struct {
	Packet       *MeshPacket // field 1
	WantConfigID uint32      // field 3
	Disconnect   bool        // field 4
	Heartbeat    *Heartbeat  // field 7
}

// FromRadio is the inbound envelope. At most one variant is populated per
// frame by the firmware.
type FromRadio struct {
	Packet           *MeshPacket // field 2
	MyInfo           *MyNodeInfo // field 3
	NodeInfo         *NodeInfo   // field 4
	ConfigCompleteID uint32      // field 7
	Rebooted         bool        // field 8
}

type MeshPacket struct {
	From      uint32  // field 1
	To        uint32  // field 2
	Channel   uint32  // field 3
	Decoded   *Data   // field 4
	Encrypted []byte  // field 5
	ID        uint32  // field 6
	RxTime    uint32  // field 7, fixed32
	RxSNR     float32 // field 8
	WantAck   bool    // field 10
}

type Data struct {
	Portnum      uint32 // field 1
	Payload      []byte // field 2
	WantResponse bool   // field 3
	Dest         uint32 // field 4
	Source       uint32 // field 5
}

// Position carries fixed-point coordinates (degrees ×1e7) as sfixed32.
type Position struct {
	LatitudeI  *int32 // field 1, sfixed32
	LongitudeI *int32 // field 2, sfixed32
	Altitude   *int32 // field 3
	Time       uint32 // field 4, fixed32
}

type User struct {
	ID        string // field 1
	LongName  string // field 2
	ShortName string // field 3
}

type NodeInfo struct {
	Num           uint32         // field 1
	User          *User          // field 2
	Position      *Position      // field 3
	SNR           float32        // field 4
	LastHeard     uint32         // field 5, fixed32
	DeviceMetrics *DeviceMetrics // field 6
	Channel       uint32         // field 7
}

type MyNodeInfo struct {
	MyNodeNum   uint32 // field 1
	NodeDBCount uint32 // field 2
}

type DeviceMetrics struct {
	BatteryLevel       *uint32  // field 1
	Voltage            *float32 // field 2
	ChannelUtilization *float32 // field 3
	AirUtilTx          *float32 // field 4
}

type Heartbeat struct {
	Nonce uint32 // field 1
}

func (m *ToRadio) Marshal() []byte {
	var b []byte
	switch {
	case m.Packet != nil:
		b = appendEmbedded(b, 1, m.Packet.appendTo)
	case m.WantConfigID != 0:
		b = appendVarintField(b, 3, uint64(m.WantConfigID))
	case m.Disconnect:
		b = appendVarintField(b, 4, 1)
	case m.Heartbeat != nil:
		b = appendEmbedded(b, 7, m.Heartbeat.appendTo)
	}

	return b
}

func (m *MeshPacket) appendTo(b []byte) []byte {
	if m.From != 0 {
		b = appendVarintField(b, 1, uint64(m.From))
	}
	if m.To != 0 {
		b = appendVarintField(b, 2, uint64(m.To))
	}
	if m.Channel != 0 {
		b = appendVarintField(b, 3, uint64(m.Channel))
	}
	if m.Decoded != nil {
		b = appendEmbedded(b, 4, m.Decoded.appendTo)
	}
	if len(m.Encrypted) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Encrypted)
	}
	if m.ID != 0 {
		b = appendVarintField(b, 6, uint64(m.ID))
	}
	if m.RxTime != 0 {
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, m.RxTime)
	}
	if m.RxSNR != 0 {
		b = protowire.AppendTag(b, 8, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.RxSNR))
	}
	if m.WantAck {
		b = appendVarintField(b, 10, 1)
	}

	return b
}

func (m *Data) appendTo(b []byte) []byte {
	if m.Portnum != 0 {
		b = appendVarintField(b, 1, uint64(m.Portnum))
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.WantResponse {
		b = appendVarintField(b, 3, 1)
	}
	if m.Dest != 0 {
		b = appendVarintField(b, 4, uint64(m.Dest))
	}
	if m.Source != 0 {
		b = appendVarintField(b, 5, uint64(m.Source))
	}

	return b
}

func (m *Position) appendTo(b []byte) []byte {
	if m.LatitudeI != nil {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(*m.LatitudeI))
	}
	if m.LongitudeI != nil {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(*m.LongitudeI))
	}
	if m.Altitude != nil {
		b = appendVarintField(b, 3, uint64(int64(*m.Altitude)))
	}
	if m.Time != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, m.Time)
	}

	return b
}

func (m *User) appendTo(b []byte) []byte {
	if m.ID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.ID)
	}
	if m.LongName != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.LongName)
	}
	if m.ShortName != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.ShortName)
	}

	return b
}

func (m *NodeInfo) appendTo(b []byte) []byte {
	if m.Num != 0 {
		b = appendVarintField(b, 1, uint64(m.Num))
	}
	if m.User != nil {
		b = appendEmbedded(b, 2, m.User.appendTo)
	}
	if m.Position != nil {
		b = appendEmbedded(b, 3, m.Position.appendTo)
	}
	if m.SNR != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.SNR))
	}
	if m.LastHeard != 0 {
		b = protowire.AppendTag(b, 5, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, m.LastHeard)
	}
	if m.DeviceMetrics != nil {
		b = appendEmbedded(b, 6, m.DeviceMetrics.appendTo)
	}
	if m.Channel != 0 {
		b = appendVarintField(b, 7, uint64(m.Channel))
	}

	return b
}

func (m *MyNodeInfo) appendTo(b []byte) []byte {
	if m.MyNodeNum != 0 {
		b = appendVarintField(b, 1, uint64(m.MyNodeNum))
	}
	if m.NodeDBCount != 0 {
		b = appendVarintField(b, 2, uint64(m.NodeDBCount))
	}

	return b
}

func (m *DeviceMetrics) appendTo(b []byte) []byte {
	if m.BatteryLevel != nil {
		b = appendVarintField(b, 1, uint64(*m.BatteryLevel))
	}
	if m.Voltage != nil {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*m.Voltage))
	}
	if m.ChannelUtilization != nil {
		b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*m.ChannelUtilization))
	}
	if m.AirUtilTx != nil {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*m.AirUtilTx))
	}

	return b
}

func (m *Heartbeat) appendTo(b []byte) []byte {
	if m.Nonce != 0 {
		b = appendVarintField(b, 1, uint64(m.Nonce))
	}

	return b
}

// FromRadio marshalling exists for tests and simulated radios; real traffic
// only ever decodes this direction.
func (m *FromRadio) Marshal() []byte {
	var b []byte
	switch {
	case m.Packet != nil:
		b = appendEmbedded(b, 2, m.Packet.appendTo)
	case m.MyInfo != nil:
		b = appendEmbedded(b, 3, m.MyInfo.appendTo)
	case m.NodeInfo != nil:
		b = appendEmbedded(b, 4, m.NodeInfo.appendTo)
	case m.ConfigCompleteID != 0:
		b = appendVarintField(b, 7, uint64(m.ConfigCompleteID))
	case m.Rebooted:
		b = appendVarintField(b, 8, 1)
	}

	return b
}

func UnmarshalFromRadio(b []byte) (*FromRadio, error) {
	m := &FromRadio{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 2:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			packet, err := unmarshalMeshPacket(raw)
			if err != nil {
				return err
			}
			m.Packet = packet
		case 3:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			info, err := unmarshalMyNodeInfo(raw)
			if err != nil {
				return err
			}
			m.MyInfo = info
		case 4:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			info, err := unmarshalNodeInfo(raw)
			if err != nil {
				return err
			}
			m.NodeInfo = info
		case 7:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.ConfigCompleteID = uint32(v)
		case 8:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.Rebooted = v != 0
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fromradio: %w", err)
	}

	return m, nil
}

func unmarshalMeshPacket(b []byte) (*MeshPacket, error) {
	m := &MeshPacket{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.From = uint32(v)
		case 2:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.To = uint32(v)
		case 3:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.Channel = uint32(v)
		case 4:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			data, err := unmarshalData(raw)
			if err != nil {
				return err
			}
			m.Decoded = data
		case 5:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			m.Encrypted = append([]byte(nil), raw...)
		case 6:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.ID = uint32(v)
		case 7:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			m.RxTime = v
		case 8:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			m.RxSNR = math.Float32frombits(v)
		case 10:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.WantAck = v != 0
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("meshpacket: %w", err)
	}

	return m, nil
}

func unmarshalData(b []byte) (*Data, error) {
	m := &Data{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.Portnum = uint32(v)
		case 2:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			m.Payload = append([]byte(nil), raw...)
		case 3:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.WantResponse = v != 0
		case 4:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.Dest = uint32(v)
		case 5:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.Source = uint32(v)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}

	return m, nil
}

// UnmarshalPosition decodes a Position sub-message carried as a Data payload.
func UnmarshalPosition(b []byte) (*Position, error) {
	m := &Position{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			lat := int32(v)
			m.LatitudeI = &lat
		case 2:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			lon := int32(v)
			m.LongitudeI = &lon
		case 3:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			alt := int32(int64(v))
			m.Altitude = &alt
		case 4:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			m.Time = v
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}

	return m, nil
}

func unmarshalUser(b []byte) (*User, error) {
	m := &User{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			m.ID = string(raw)
		case 2:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			m.LongName = string(raw)
		case 3:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			m.ShortName = string(raw)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}

	return m, nil
}

func unmarshalNodeInfo(b []byte) (*NodeInfo, error) {
	m := &NodeInfo{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.Num = uint32(v)
		case 2:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			user, err := unmarshalUser(raw)
			if err != nil {
				return err
			}
			m.User = user
		case 3:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			pos, err := UnmarshalPosition(raw)
			if err != nil {
				return err
			}
			m.Position = pos
		case 4:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			m.SNR = math.Float32frombits(v)
		case 5:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			m.LastHeard = v
		case 6:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			metrics, err := unmarshalDeviceMetrics(raw)
			if err != nil {
				return err
			}
			m.DeviceMetrics = metrics
		case 7:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.Channel = uint32(v)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("nodeinfo: %w", err)
	}

	return m, nil
}

func unmarshalMyNodeInfo(b []byte) (*MyNodeInfo, error) {
	m := &MyNodeInfo{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.MyNodeNum = uint32(v)
		case 2:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.NodeDBCount = uint32(v)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mynodeinfo: %w", err)
	}

	return m, nil
}

func unmarshalDeviceMetrics(b []byte) (*DeviceMetrics, error) {
	m := &DeviceMetrics{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			level := uint32(v)
			m.BatteryLevel = &level
		case 2:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			f := math.Float32frombits(v)
			m.Voltage = &f
		case 3:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			f := math.Float32frombits(v)
			m.ChannelUtilization = &f
		case 4:
			v, err := fixed32Value(typ, field)
			if err != nil {
				return err
			}
			f := math.Float32frombits(v)
			m.AirUtilTx = &f
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("devicemetrics: %w", err)
	}

	return m, nil
}

// UnmarshalToRadio decodes an outbound envelope. Like FromRadio.Marshal it
// exists for tests and simulated radios.
func UnmarshalToRadio(b []byte) (*ToRadio, error) {
	m := &ToRadio{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			packet, err := unmarshalMeshPacket(raw)
			if err != nil {
				return err
			}
			m.Packet = packet
		case 3:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.WantConfigID = uint32(v)
		case 4:
			v, err := varintValue(typ, field)
			if err != nil {
				return err
			}
			m.Disconnect = v != 0
		case 7:
			raw, err := embeddedBytes(typ, field)
			if err != nil {
				return err
			}
			hb := &Heartbeat{}
			if err := walkFields(raw, func(n protowire.Number, t protowire.Type, f []byte) error {
				if n == 1 {
					v, err := varintValue(t, f)
					if err != nil {
						return err
					}
					hb.Nonce = uint32(v)
				}

				return nil
			}); err != nil {
				return err
			}
			m.Heartbeat = hb
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("toradio: %w", err)
	}

	return m, nil
}

// AppendPosition appends the wire encoding of p, used when a Position rides
// inside Data.payload as its own message.
func AppendPosition(b []byte, p *Position) []byte {
	return p.appendTo(b)
}

// walkFields iterates over top-level fields, handing each handler the raw
// field bytes (value only, tag already consumed). Unknown fields are skipped.
func walkFields(b []byte, handle func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		size := protowire.ConsumeFieldValue(num, typ, b)
		if size < 0 {
			return protowire.ParseError(size)
		}
		if err := handle(num, typ, b[:size]); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		b = b[size:]
	}

	return nil
}

func varintValue(typ protowire.Type, field []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %v, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(field)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}

	return v, nil
}

func fixed32Value(typ protowire.Type, field []byte) (uint32, error) {
	if typ != protowire.Fixed32Type {
		return 0, fmt.Errorf("unexpected wire type %v, want fixed32", typ)
	}
	v, n := protowire.ConsumeFixed32(field)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}

	return v, nil
}

func embeddedBytes(typ protowire.Type, field []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("unexpected wire type %v, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(field)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}

	return v, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

func appendEmbedded(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, fn(nil))
}
