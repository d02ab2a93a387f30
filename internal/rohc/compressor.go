package rohc

import "github.com/soypat/lneto/ipv4"

// flowKey identifies a compression context the way the IP-only profile
// does: by the three-tuple that changes only when a new flow starts.
type flowKey struct {
	src, dst [4]byte
	proto    uint8
}

type compFlow struct {
	cid    uint16
	lastID uint16
	haveIR bool
	needIR bool
}

// Compressor assigns a context id to each flow it sees and decides,
// per packet, whether a full IR or a delta-only CO packet goes out.
type Compressor struct {
	byKey map[flowKey]*compFlow
	byCID map[uint16]*compFlow
	next  uint16
}

func newCompressor() *Compressor {
	return &Compressor{
		byKey: make(map[flowKey]*compFlow),
		byCID: make(map[uint16]*compFlow),
	}
}

// flowFor returns the context for key, creating one if this is a new flow.
// ok is false if key is new but every one of the LargeCIDMax+1 context
// slots is already occupied by another flow — the caller must fall back
// to the soft NO_CONTEXT passthrough rather than collide CIDs.
func (c *Compressor) flowFor(key flowKey) (f *compFlow, ok bool) {
	if f, ok := c.byKey[key]; ok {
		return f, true
	}
	if len(c.byCID) > LargeCIDMax {
		return nil, false
	}
	f = &compFlow{cid: c.next, needIR: true}
	c.next++
	if c.next > LargeCIDMax {
		c.next = 0
	}
	c.byKey[key] = f
	c.byCID[f.cid] = f
	return f, true
}

// markRefresh forces the flow owning cid back to IR on its next packet.
// Called when feedback from the decompressing side reports NO_CONTEXT.
func (c *Compressor) markRefresh(cid uint16) {
	if f, ok := c.byCID[cid]; ok {
		f.needIR = true
	}
}

// compress writes the wire representation of frm into out and returns the
// slice of out actually used. ok is false if frm belongs to a new flow and
// every context slot is already occupied (NO_CONTEXT); the caller must
// fall back to the soft uncompressed passthrough rather than use out.
// frm must already have been size-validated.
func (c *Compressor) compress(frm ipv4.Frame, out []byte) (wire []byte, ok bool) {
	key := flowKey{src: *frm.SourceAddr(), dst: *frm.DestinationAddr(), proto: uint8(frm.Protocol())}
	f, ok := c.flowFor(key)
	if !ok {
		return nil, false
	}

	id := frm.ID()
	ttl := frm.TTL()
	payload := frm.Payload()

	if !f.haveIR || f.needIR {
		return c.encodeIR(f, key, ttl, id, payload, out), true
	}
	return c.encodeCO(f, ttl, id, payload, out), true
}

func (c *Compressor) encodeIR(f *compFlow, key flowKey, ttl uint8, id uint16, payload, out []byte) []byte {
	n := 0
	out[n] = pktIR
	n++
	putCID(out[n:], f.cid)
	n += 2
	copy(out[n:n+4], key.src[:])
	n += 4
	copy(out[n:n+4], key.dst[:])
	n += 4
	out[n] = key.proto
	n++
	out[n] = ttl
	n++
	out[n] = byte(id >> 8)
	out[n+1] = byte(id)
	n += 2
	n += copy(out[n:], payload)

	f.haveIR = true
	f.needIR = false
	f.lastID = id
	return out[:n]
}

func (c *Compressor) encodeCO(f *compFlow, ttl uint8, id uint16, payload, out []byte) []byte {
	delta := int16(id - f.lastID)

	n := 0
	out[n] = pktCO
	n++
	putCID(out[n:], f.cid)
	n += 2
	out[n] = ttl
	n++
	out[n] = byte(uint16(delta) >> 8)
	out[n+1] = byte(uint16(delta))
	n += 2
	n += copy(out[n:], payload)

	f.lastID = id
	return out[:n]
}
