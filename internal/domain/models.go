package domain

import "time"

type ChatType int

const (
	ChatTypeChannel ChatType = iota + 1
	ChatTypeDM
)

type MessageDirection int

const (
	MessageDirectionIn MessageDirection = iota + 1
	MessageDirectionOut
)

// MessageVia records which path delivered an inbound chat message: the
// binary protobuf channel, the firmware's ASCII log stream, or a
// deflate-compressed text payload.
type MessageVia int

const (
	ViaProtobuf MessageVia = iota + 1
	ViaAscii
	ViaCompressed
)

func (v MessageVia) String() string {
	switch v {
	case ViaProtobuf:
		return "protobuf"
	case ViaAscii:
		return "ascii"
	case ViaCompressed:
		return "compressed"
	default:
		return "unknown"
	}
}

type ChatMessage struct {
	LocalID   int64
	From      uint32
	To        uint32
	ChatKey   string
	Direction MessageDirection
	Body      string
	IDHex     string
	Via       MessageVia
	At        time.Time
}

type Node struct {
	NodeNum      uint32
	NodeID       string
	LongName     string
	ShortName    string
	Latitude     *float64
	Longitude    *float64
	Altitude     *int32
	PositionTime uint32
	BatteryLevel *uint32
	Voltage      *float64
	ChannelUtil  *float64
	AirUtilTx    *float64
	SNR          *float64
	LastHeardAt  time.Time
	UpdatedAt    time.Time
}

// DisplayName picks the best human-readable label: long name, then short
// name, then the canonical node id.
func (n Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}

	return n.NodeID
}

type NodeUpdate struct {
	Node       Node
	LastHeard  time.Time
	FromPacket bool
}
