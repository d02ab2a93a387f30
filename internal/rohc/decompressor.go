package rohc

// noRefreshCID marks the absence of a feedback event in expand's return.
const noRefreshCID = -1

type decFlow struct {
	src, dst [4]byte
	proto    uint8
	lastID   uint16
}

// Decompressor mirrors the Compressor's context table from the other end
// of the link: it rebuilds full datagrams from IR/CO packets and tracks,
// per context id, the last IP identification value seen.
type Decompressor struct {
	byCID map[uint16]*decFlow
}

func newDecompressor() *Decompressor {
	return &Decompressor{byCID: make(map[uint16]*decFlow)}
}

// expand decodes wire into out, returning the number of bytes written, the
// outcome classification, and — if a CO packet referenced a context this
// decompressor has never established — the CID that needs refreshing
// (noRefreshCID otherwise).
func (d *Decompressor) expand(wire []byte, out []byte) (n int, kind OutcomeKind, refreshCID int) {
	if len(wire) == 0 {
		return 0, OutcomeDropped, noRefreshCID
	}
	if wire[0]>>4 == 4 {
		// Unmarked raw IPv4 datagram: the ICMP-only narrowing's bypass
		// (Context.Shrink) never prepends a profile marker, since a real
		// IPv4 datagram's leading byte always carries 4 in its high
		// nibble — a value pktIR/pktCO/pktUncompressed never take.
		n = copy(out, wire)
		return n, OutcomePassthrough, noRefreshCID
	}
	switch wire[0] {
	case pktUncompressed:
		n = copy(out, wire[1:])
		return n, OutcomePassthrough, noRefreshCID

	case pktIR:
		if len(wire) < irHeaderLen {
			return 0, OutcomeFatal, noRefreshCID
		}
		cid := getCID(wire[1:3])
		f := &decFlow{proto: wire[11]}
		copy(f.src[:], wire[3:7])
		copy(f.dst[:], wire[7:11])
		ttl := wire[12]
		id := uint16(wire[13])<<8 | uint16(wire[14])
		f.lastID = id
		d.byCID[cid] = f

		payload := wire[irHeaderLen:]
		n = buildIPv4(out, f.src, f.dst, f.proto, ttl, id, payload)
		if n == 0 {
			return 0, OutcomeFatal, noRefreshCID
		}
		return n, OutcomeOK, noRefreshCID

	case pktCO:
		if len(wire) < coHeaderLen {
			return 0, OutcomeFatal, noRefreshCID
		}
		cid := getCID(wire[1:3])
		f, ok := d.byCID[cid]
		if !ok {
			// NO_CONTEXT: nothing to reconstruct from, but the local
			// compressor can recover the link by re-sending an IR.
			return 0, OutcomeDropped, int(cid)
		}
		ttl := wire[3]
		delta := int16(uint16(wire[4])<<8 | uint16(wire[5]))
		id := f.lastID + uint16(delta)
		f.lastID = id

		payload := wire[coHeaderLen:]
		n = buildIPv4(out, f.src, f.dst, f.proto, ttl, id, payload)
		if n == 0 {
			return 0, OutcomeFatal, noRefreshCID
		}
		return n, OutcomeOK, noRefreshCID

	default:
		return 0, OutcomeFatal, noRefreshCID
	}
}
