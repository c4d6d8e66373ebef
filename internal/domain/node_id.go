package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// BroadcastNodeNum is the all-ones destination used for channel traffic.
const BroadcastNodeNum = ^uint32(0)

// FormatNodeNum renders the canonical "!xxxxxxxx" node id.
func FormatNodeNum(num uint32) string {
	if num == 0 {
		return "unknown"
	}

	return fmt.Sprintf("!%08x", num)
}

// ParseNodeNum accepts "!hex", "0xhex", bare hex, and bare decimal forms.
func ParseNodeNum(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("node id is empty")
	}
	if strings.HasPrefix(raw, "!") {
		v, err := strconv.ParseUint(strings.TrimPrefix(raw, "!"), 16, 32)
		if err != nil {
			return 0, err
		}

		return uint32(v), nil
	}
	if strings.HasPrefix(strings.ToLower(raw), "0x") {
		v, err := strconv.ParseUint(raw, 0, 32)
		if err != nil {
			return 0, err
		}

		return uint32(v), nil
	}
	if strings.IndexFunc(raw, func(r rune) bool {
		return (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
	}) >= 0 {
		v, err := strconv.ParseUint(raw, 16, 32)
		if err != nil {
			return 0, err
		}

		return uint32(v), nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}

	return uint32(v), nil
}
