package rohc

import (
	"github.com/soypat/lneto"
	"github.com/soypat/lneto/ipv4"

	"github.com/vxradio/chordtun/internal/framing"
)

// Context holds the one compressor/decompressor pair the daemon keeps for
// the lifetime of the serial link. There is exactly one Context per
// pipeline; it is never reset except on startup.
type Context struct {
	// ICMPOnly reproduces the upstream narrowing this package's predecessor
	// applied: only ICMP datagrams are ever compressed, everything else
	// crosses the link as the raw datagram with no profile marker byte.
	// Kept as a toggle rather than
	// fixed behavior since turning it off is a reasonable thing to want.
	ICMPOnly bool

	comp *Compressor
	dec  *Decompressor

	shrinkBuf []byte
	expandBuf []byte
}

// NewContext returns a Context with ICMPOnly compression narrowing enabled,
// matching this link's historical default.
func NewContext() *Context {
	return &Context{
		ICMPOnly:  true,
		comp:      newCompressor(),
		dec:       newDecompressor(),
		shrinkBuf: make([]byte, 2*framing.MaxPacketSize),
		expandBuf: make([]byte, framing.MaxPacketSize),
	}
}

// Shrink compresses an IPv4 datagram read from the tunnel interface into a
// wire packet ready for framing onto the serial link.
func (c *Context) Shrink(ip []byte) Outcome {
	frm, err := ipv4.NewFrame(ip)
	if err != nil {
		return Outcome{Kind: OutcomeFatal, Err: err}
	}
	var v lneto.Validator
	frm.ValidateSize(&v)
	if err := v.Err(); err != nil {
		return Outcome{Kind: OutcomeFatal, Err: err}
	}

	if c.ICMPOnly && frm.Protocol() != lneto.IPProtoICMP {
		// Deliberate narrowing: non-ICMP traffic bypasses compression
		// entirely and crosses the link as the raw datagram, with no
		// profile marker byte at all (unlike the NO_CONTEXT fallback
		// below). A raw IPv4 datagram's leading byte always has 4 in its
		// high nibble, which can never collide with the pktIR/pktCO/
		// pktUncompressed discriminators below, so the decompressor can
		// always tell the two apart.
		return Outcome{Kind: OutcomePassthrough, Payload: append([]byte(nil), ip...)}
	}

	wire, ok := c.comp.compress(frm, c.shrinkBuf)
	if !ok {
		// NO_CONTEXT: every context slot is occupied by another flow.
		// Soft fallback — send the original datagram uncompressed so the
		// peer's Uncompressed profile can still deliver it.
		out := make([]byte, 1+len(ip))
		out[0] = pktUncompressed
		copy(out[1:], ip)
		return Outcome{Kind: OutcomePassthrough, Payload: out}
	}
	return Outcome{Kind: OutcomeOK, Payload: append([]byte(nil), wire...)}
}

// Expand decompresses a wire packet read off the serial link back into a
// full IPv4 datagram ready to be written to the tunnel interface. Any
// feedback the decompressor produces (a request to refresh a context the
// remote end has forgotten) is delivered to the local compressor before
// Expand returns.
func (c *Context) Expand(wire []byte) Outcome {
	n, kind, refresh := c.dec.expand(wire, c.expandBuf)
	if refresh != noRefreshCID {
		c.comp.markRefresh(uint16(refresh))
	}

	switch kind {
	case OutcomeOK:
		return Outcome{Kind: OutcomeOK, Payload: append([]byte(nil), c.expandBuf[:n]...)}
	case OutcomePassthrough:
		return Outcome{Kind: OutcomePassthrough, Payload: append([]byte(nil), c.expandBuf[:n]...)}
	case OutcomeDropped:
		return Outcome{Kind: OutcomeDropped}
	default:
		return Outcome{Kind: OutcomeFatal}
	}
}
