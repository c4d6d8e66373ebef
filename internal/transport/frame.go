package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var frameHeader = [2]byte{0x94, 0xC3}

// MaxFramePayload guards against corrupted length prefixes; anything larger
// is treated as garbage and resynchronized past.
const MaxFramePayload = 4096

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty frame payload")
	}
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("payload too large: %d", len(payload))
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = frameHeader[0]
	frame[1] = frameHeader[1]
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	return frame, nil
}

// DemuxEventKind distinguishes binary frames from interleaved debug text.
type DemuxEventKind int

const (
	DemuxFrame DemuxEventKind = iota + 1
	DemuxText
)

// DemuxEvent is either a complete frame payload or a run of non-frame bytes.
type DemuxEvent struct {
	Kind DemuxEventKind
	Data []byte
}

// Demuxer finds frame boundaries inside a byte stream that also carries
// free-form firmware log text. Only the unconsumed tail is kept between
// calls; every non-matching prefix is flushed as a text event, so the
// accumulator cannot grow from garbage.
type Demuxer struct {
	acc []byte
}

// Feed appends chunk to the accumulator and extracts every complete frame
// and text run currently decodable. Returned slices are copies.
func (d *Demuxer) Feed(chunk []byte) []DemuxEvent {
	buf := append(d.acc, chunk...)
	var events []DemuxEvent

	for {
		i := bytes.IndexByte(buf, frameHeader[0])
		if i < 0 {
			if len(buf) > 0 {
				events = appendText(events, buf)
				buf = nil
			}
			break
		}
		if i > 0 {
			events = appendText(events, buf[:i])
			buf = buf[i:]
		}
		if len(buf) < 2 {
			// Possibly a split magic sequence; wait for the next byte.
			break
		}
		if buf[1] != frameHeader[1] {
			events = appendText(events, buf[:1])
			buf = buf[1:]
			continue
		}
		if len(buf) < 4 {
			// Magic found but the length bytes have not arrived yet.
			break
		}
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		if length == 0 || length > MaxFramePayload {
			// Corrupt header: flush the magic bytes as text and rescan.
			events = appendText(events, buf[:2])
			buf = buf[2:]
			continue
		}
		if len(buf) < 4+length {
			break
		}
		payload := make([]byte, length)
		copy(payload, buf[4:4+length])
		events = append(events, DemuxEvent{Kind: DemuxFrame, Data: payload})
		buf = buf[4+length:]
	}

	d.acc = append(d.acc[:0:0], buf...)

	return events
}

// Reset drops any buffered tail so a fresh connection never sees stale bytes.
func (d *Demuxer) Reset() {
	d.acc = nil
}

func appendText(events []DemuxEvent, run []byte) []DemuxEvent {
	data := make([]byte, len(run))
	copy(data, run)

	return append(events, DemuxEvent{Kind: DemuxText, Data: data})
}
