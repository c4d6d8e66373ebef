package radio

import "meshlink/internal/domain"

// DecodedFrame is a parsed inbound radio frame with optional event payloads.
type DecodedFrame struct {
	Raw              []byte
	NodeUpdate       *domain.NodeUpdate
	ChatMessage      *domain.ChatMessage
	MyNodeNum        uint32
	NodeDBCount      uint32
	HasMyInfo        bool
	ConfigCompleteID uint32
	Rebooted         bool
}

// EncodedText contains an outbound text frame payload and its tracking id.
type EncodedText struct {
	Payload         []byte
	DeviceMessageID string
	WantAck         bool
}

// Codec translates between transport frame payloads and domain events.
type Codec interface {
	EncodeWantConfig(nonce uint32) ([]byte, error)
	EncodeHeartbeat(nonce uint32) ([]byte, error)
	EncodeDisconnect() ([]byte, error)
	EncodeText(chatKey, text string) (EncodedText, error)
	EncodePosition(chatKey string, lat, lon float64, altitude *int32) ([]byte, error)
	DecodeFromRadio(payload []byte) (DecodedFrame, error)
	LocalNodeNum() uint32
}
