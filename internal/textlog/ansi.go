package textlog

const (
	escByte = 0x1B
	belByte = 0x07

	// A terminal escape sequence longer than this is not worth waiting for;
	// the carry is dropped and scanning restarts.
	maxEscapeCarry = 64
)

// stripEscapes removes complete ANSI sequences from s: CSI (ESC [ ... final
// byte in 0x40-0x7E), OSC (ESC ] ... BEL or ESC \), and two-byte escapes.
// If the input ends inside a sequence, the unfinished tail is returned as
// carry so the caller can prepend it to the next chunk instead of leaking
// half a sequence into cleaned output.
func stripEscapes(s string) (cleaned, carry string) {
	var out []byte
	i := 0
	for i < len(s) {
		c := s[i]
		if c != escByte {
			out = append(out, c)
			i++
			continue
		}
		if i+1 >= len(s) {
			return string(out), s[i:]
		}
		switch s[i+1] {
		case '[':
			end, ok := csiEnd(s, i+2)
			if !ok {
				return string(out), clampCarry(s[i:])
			}
			i = end
		case ']':
			end, ok := oscEnd(s, i+2)
			if !ok {
				return string(out), clampCarry(s[i:])
			}
			i = end
		default:
			// Bare two-byte escape.
			i += 2
		}
	}

	return string(out), ""
}

// csiEnd scans a CSI body starting at j and returns the index just past the
// final byte.
func csiEnd(s string, j int) (int, bool) {
	for j < len(s) {
		c := s[j]
		if c >= 0x40 && c <= 0x7E {
			return j + 1, true
		}
		j++
	}

	return 0, false
}

// oscEnd scans an OSC body and returns the index just past its BEL or ESC \
// terminator.
func oscEnd(s string, j int) (int, bool) {
	for j < len(s) {
		switch s[j] {
		case belByte:
			return j + 1, true
		case escByte:
			if j+1 < len(s) {
				if s[j+1] == '\\' {
					return j + 2, true
				}
				// A stray ESC aborts the OSC; leave it for the main loop.
				return j, true
			}

			return 0, false
		}
		j++
	}

	return 0, false
}

func clampCarry(tail string) string {
	if len(tail) > maxEscapeCarry {
		// Give up on pathological sequences rather than buffering forever.
		return ""
	}

	return tail
}
