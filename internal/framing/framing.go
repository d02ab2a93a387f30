// Package framing implements the HDLC-style byte-stuffing codec that
// delimits variable-length packets on the serial link.
package framing

// MaxPacketSize bounds every datagram and frame payload the pipeline will
// ever handle.
const MaxPacketSize = 65536

const (
	// Flag delimits the start and end of a frame.
	Flag byte = 0x7E
	// Esc escapes an occurrence of Flag or Esc inside a frame's payload.
	Esc byte = 0x7D
)

func invertBit5(b byte) byte { return b ^ 0x20 }

// Encoder turns opaque payloads into delimited, escaped frames. It owns a
// single buffer sized for the worst case (every payload byte escaped); the
// slice returned by Encode is only valid until the next call.
type Encoder struct {
	buf []byte
}

// NewEncoder allocates an Encoder ready for payloads up to MaxPacketSize.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 1+2*MaxPacketSize+1)}
}

// Encode wraps payload in Flag delimiters, escaping any Flag or Esc byte it
// contains. The returned slice aliases the Encoder's internal buffer.
func (e *Encoder) Encode(payload []byte) []byte {
	n := 0
	e.buf[n] = Flag
	n++
	for _, b := range payload {
		switch b {
		case Flag, Esc:
			e.buf[n] = Esc
			n++
			e.buf[n] = invertBit5(b)
			n++
		default:
			e.buf[n] = b
			n++
		}
	}
	e.buf[n] = Flag
	n++
	return e.buf[:n]
}

// state is the deframer's position in the HDLC byte stream.
type state int

const (
	stateIdle state = iota
	stateInFrame
	stateInEscape
)

// Deframer recovers frames from an arbitrary, possibly fragmented byte
// stream. A single Deframer instance must be fed every byte read from the
// serial link, in order, for the lifetime of the pipeline — it is never
// reset except at daemon startup.
type Deframer struct {
	state state
	acc   []byte
	len   int
}

// NewDeframer returns a Deframer starting in the IDLE state.
func NewDeframer() *Deframer {
	return &Deframer{acc: make([]byte, MaxPacketSize)}
}

// Feed consumes bytes from chunk, advancing the deframer's state machine,
// stopping as soon as a Flag closes a frame or the chunk is exhausted. It
// returns the number of bytes consumed. If a non-empty frame completed,
// frame is a slice into the Deframer's internal accumulator — valid only
// until the next call to Feed. An empty frame (back-to-back Flag bytes,
// such as link idle-fill or a stray closing Flag left behind after an
// overflow) is swallowed internally and its second Flag is treated as the
// opening Flag of the next frame: Feed still returns as soon as it sees
// that Flag, but with frame == nil, so the pipeline's outer loop simply
// calls Feed again on the remaining bytes.
func (d *Deframer) Feed(chunk []byte) (consumed int, frame []byte) {
	for i, b := range chunk {
		switch d.state {
		case stateIdle:
			if b == Flag {
				d.state = stateInFrame
				d.len = 0
			}

		case stateInFrame:
			switch b {
			case Esc:
				d.state = stateInEscape
			case Flag:
				out := d.acc[:d.len]
				d.len = 0
				if len(out) == 0 {
					// Close-then-open: stay in the frame this Flag opens.
					return i + 1, nil
				}
				d.state = stateIdle
				return i + 1, out
			default:
				if d.len == MaxPacketSize {
					// Accumulator overflow: drop the in-progress frame and
					// resynchronize on the next Flag.
					d.state = stateIdle
					d.len = 0
					continue
				}
				d.acc[d.len] = b
				d.len++
			}

		case stateInEscape:
			if d.len == MaxPacketSize {
				d.state = stateIdle
				d.len = 0
				continue
			}
			d.acc[d.len] = invertBit5(b)
			d.len++
			d.state = stateInFrame
		}
	}
	return len(chunk), nil
}
