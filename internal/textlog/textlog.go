// Package textlog consumes the non-frame byte runs of the radio stream:
// firmware debug output interleaved with the binary protocol. It decodes the
// bytes as UTF-8 (tolerating runes split across chunks), strips terminal
// escape sequences (carrying incomplete ones across chunk boundaries),
// buffers complete lines, and scans for the firmware's "received text msg"
// notice. Some firmware builds only echo inbound messages in the log
// stream, so this is a real delivery path, not just diagnostics.
package textlog

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"meshlink/internal/domain"
)

const (
	parseBufCap        = 20000
	parseBufTailWindow = 10000
)

var (
	chatHeaderRe  = regexp.MustCompile(`[Rr]eceived text msg from=0x([0-9a-fA-F]+), id=0x([0-9a-fA-F]+), msg=`)
	recordStartRe = regexp.MustCompile(`(?:DEBUG|INFO|WARN|ERROR)\s*\|`)
)

// Result is one Feed call's output: completed log lines and any chat
// message candidates recovered from the log stream. Candidates still have
// to pass deduplication before delivery.
type Result struct {
	Lines []string
	Chats []domain.ChatMessage
}

// Channel accumulates decoder state across chunk boundaries: an incomplete
// UTF-8 rune tail, an unterminated escape sequence, the current partial
// line, and the bounded fallback parse buffer.
type Channel struct {
	utf8Tail []byte
	escCarry string
	partial  []byte
	parseBuf []byte
}

func NewChannel() *Channel {
	return &Channel{}
}

func (c *Channel) Feed(b []byte) Result {
	data := b
	if len(c.utf8Tail) > 0 {
		data = append(append([]byte(nil), c.utf8Tail...), b...)
		c.utf8Tail = nil
	}
	if n := incompleteTailLen(data); n > 0 {
		c.utf8Tail = append([]byte(nil), data[len(data)-n:]...)
		data = data[:len(data)-n]
	}

	cleaned, carry := stripEscapes(c.escCarry + string(data))
	c.escCarry = carry

	var res Result
	res.Lines = c.appendLines(cleaned)

	c.parseBuf = append(c.parseBuf, cleaned...)
	res.Chats = c.extractChats()
	if len(c.parseBuf) > parseBufCap {
		c.parseBuf = append(c.parseBuf[:0:0], c.parseBuf[len(c.parseBuf)-parseBufTailWindow:]...)
	}

	return res
}

// Reset drops all carried state; used when a session restarts.
func (c *Channel) Reset() {
	c.utf8Tail = nil
	c.escCarry = ""
	c.partial = nil
	c.parseBuf = nil
}

func (c *Channel) appendLines(cleaned string) []string {
	c.partial = append(c.partial, cleaned...)

	var lines []string
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(c.partial[:i]), "\r")
		c.partial = append(c.partial[:0:0], c.partial[i+1:]...)
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	return lines
}

// extractChats scans the parse buffer for firmware message notices. The
// message body runs until the next recognized log-record start or the end
// of the buffer; everything up to and including each match is consumed.
func (c *Channel) extractChats() []domain.ChatMessage {
	var chats []domain.ChatMessage
	for {
		loc := chatHeaderRe.FindSubmatchIndex(c.parseBuf)
		if loc == nil {
			break
		}
		fromHex := string(c.parseBuf[loc[2]:loc[3]])
		idHex := string(c.parseBuf[loc[4]:loc[5]])

		rest := c.parseBuf[loc[1]:]
		end := len(rest)
		if rec := recordStartRe.FindIndex(rest); rec != nil {
			end = rec[0]
		}
		body := strings.TrimSpace(string(rest[:end]))
		c.parseBuf = append(c.parseBuf[:0:0], rest[end:]...)

		msg, err := chatCandidate(fromHex, idHex, body)
		if err != nil {
			continue
		}
		chats = append(chats, msg)
	}

	return chats
}

func chatCandidate(fromHex, idHex, body string) (domain.ChatMessage, error) {
	if body == "" {
		return domain.ChatMessage{}, fmt.Errorf("empty message body")
	}
	from, err := strconv.ParseUint(fromHex, 16, 32)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("parse sender %q: %w", fromHex, err)
	}
	id, err := strconv.ParseUint(idHex, 16, 32)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("parse id %q: %w", idHex, err)
	}

	// Canonical key fields so both delivery paths agree: %08x sender id,
	// %08x message id.
	return domain.ChatMessage{
		From:      uint32(from),
		To:        domain.BroadcastNodeNum,
		ChatKey:   domain.ChatKeyForChannel(0),
		Direction: domain.MessageDirectionIn,
		Body:      body,
		IDHex:     fmt.Sprintf("%08x", uint32(id)),
		Via:       domain.ViaAscii,
		At:        time.Now(),
	}, nil
}

// incompleteTailLen reports how many trailing bytes form the start of a
// UTF-8 rune whose continuation bytes have not arrived yet.
func incompleteTailLen(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return 0
		}
		if c&0xC0 == 0x80 {
			// Continuation byte; keep looking for the start.
			continue
		}
		var need int
		switch {
		case c&0xE0 == 0xC0:
			need = 2
		case c&0xF0 == 0xE0:
			need = 3
		case c&0xF8 == 0xF0:
			need = 4
		default:
			return 0
		}
		if len(b)-i < need {
			return len(b) - i
		}

		return 0
	}

	return 0
}
