// Package rohc implements a simplified ROHC-style IP-only header
// compressor and decompressor for the serial link.
//
// It follows the IP-only profile of RFC 3095: a context keyed by source
// address, destination address and protocol is established by an
// Initialization/Refresh (IR) packet and subsequent datagrams on the same
// flow travel as Compressed (CO) packets carrying only the fields that
// tend to change — here, the IPv4 identification field and TTL. A context
// that cannot be resolved on the decompressing side falls back to
// requesting a refresh rather than failing the link.
package rohc

// OutcomeKind classifies the result of a Shrink or Expand call so that the
// pipeline can decide what to do with it without inspecting errors by
// string or sentinel value.
type OutcomeKind int

const (
	// OutcomeOK means Payload holds a complete result ready to be sent on.
	OutcomeOK OutcomeKind = iota
	// OutcomePassthrough means Payload already holds a self-describing wire
	// packet (or, on decompress, a fully reconstructed datagram) that
	// bypassed compression entirely.
	OutcomePassthrough
	// OutcomeDropped means nothing should be delivered: the packet carried
	// no usable content, for instance a CO packet referencing a context the
	// decompressor has not (yet) seen. Not an error; the caller should log
	// and continue.
	OutcomeDropped
	// OutcomeFatal means the input was malformed beyond recovery.
	OutcomeFatal
)

// Outcome is the sum-type result of a compression or decompression
// operation, replacing the mixed sentinel-integer returns of the codec
// this package replaces.
type Outcome struct {
	Kind    OutcomeKind
	Payload []byte
	Err     error
}
