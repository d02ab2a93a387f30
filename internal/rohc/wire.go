package rohc

import (
	"github.com/soypat/lneto"
	"github.com/soypat/lneto/ipv4"
)

const ipv4HeaderLen = 20

// buildIPv4 reconstructs a complete, checksummed IPv4 datagram with a
// minimal (option-free) header around payload, writing it into out and
// returning the number of bytes written.
func buildIPv4(out []byte, src, dst [4]byte, proto uint8, ttl uint8, id uint16, payload []byte) int {
	total := ipv4HeaderLen + len(payload)
	frm, err := ipv4.NewFrame(out[:total])
	if err != nil {
		return 0
	}
	frm.ClearHeader()
	frm.SetVersionAndIHL(4, 5)
	frm.SetTotalLength(uint16(total))
	frm.SetID(id)
	frm.SetTTL(ttl)
	frm.SetProtocol(lneto.IPProto(proto))
	*frm.SourceAddr() = src
	*frm.DestinationAddr() = dst
	frm.SetCRC(frm.CalculateHeaderCRC())
	copy(out[ipv4HeaderLen:total], payload)
	return total
}
