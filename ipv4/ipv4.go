// Package ipv4 implements IPv4 input/output, fragmentation/reassembly, and
// a longest-prefix route table.
package ipv4

import (
	"log"

	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

// Wire constants.
const (
	HeaderLen = 20
	Version   = 4

	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17

	flagMF        = 0x2000
	fragOffsetMax = 0x1fff

	defaultTTL = 64
)

var allOnes = [4]byte{0xff, 0xff, 0xff, 0xff}

func isMulticast(ip [4]byte) bool { return ip[0] >= 224 && ip[0] <= 239 }

// ProtocolHandler receives dispatched datagrams for one protocol number
// (ICMP, UDP, TCP).
type ProtocolHandler interface {
	In(ifc *netif.Interface, src, dst [4]byte, buf *pktbuf.PktBuf)
}

// UnreachableSender builds and sends an ICMP destination-unreachable
// message. It is set after construction (Stack.SetUnreachableSender) so
// icmp, which depends on Stack to send, does not need to be wired in at
// New time.
type UnreachableSender interface {
	SendUnreachable(ifc *netif.Interface, dst, src [4]byte, proto uint8, header, offending []byte)
}

// Stack is the IPv4 layer for one protocol instance: the route table,
// reassembly buckets, and the registered protocol-number handlers.
type Stack struct {
	pool   *pktbuf.Pool
	Routes *RouteTable

	reasm *reassembler

	handlers    map[uint8]ProtocolHandler
	unreachable UnreachableSender

	nextID uint16
}

// New creates a Stack. pool supplies buffers for header prepends that
// require a fresh block (fragmentation) and for reassembly; routes is the
// table consulted by ipv4_out and shared with the ether layer.
func New(pool *pktbuf.Pool, routes *RouteTable, wheel *timer.Wheel) *Stack {
	return &Stack{
		pool:     pool,
		Routes:   routes,
		reasm:    newReassembler(wheel),
		handlers: make(map[uint8]ProtocolHandler),
	}
}

// RegisterHandler installs h as the protocol-number handler for proto.
func (s *Stack) RegisterHandler(proto uint8, h ProtocolHandler) {
	s.handlers[proto] = h
}

// SetUnreachableSender installs the ICMP collaborator used when In finds no
// registered handler for a datagram's protocol.
func (s *Stack) SetUnreachableSender(u UnreachableSender) {
	s.unreachable = u
}

func (s *Stack) allocID() uint16 {
	s.nextID++
	return s.nextID
}

// In implements ether.PacketHandler: it validates the header, accepts or
// drops based on destination, reassembles fragments, and dispatches
// complete datagrams by protocol.
func (s *Stack) In(ifc *netif.Interface, srcMAC [6]byte, buf *pktbuf.PktBuf) {
	if buf.TotalSize() < HeaderLen {
		buf.Free()
		return
	}
	buf.ResetAcc()
	hdr := make([]byte, HeaderLen)
	if err := buf.Read(hdr, HeaderLen); err != nil {
		buf.Free()
		return
	}

	version := hdr[0] >> 4
	ihl := int(hdr[0]&0x0f) * 4
	if version != Version || ihl < HeaderLen {
		log.Printf("ipv4: %s: malformed header (version=%d ihl=%d)", ifc.Name, version, ihl)
		buf.Free()
		return
	}
	if tools.Checksum16(hdr) != 0 {
		log.Printf("ipv4: %s: bad header checksum", ifc.Name)
		buf.Free()
		return
	}
	totalLen := int(tools.GetUint16(hdr[2:4]))
	if totalLen < ihl || totalLen > buf.TotalSize() {
		buf.Free()
		return
	}

	id := tools.GetUint16(hdr[4:6])
	flagsFrag := tools.GetUint16(hdr[6:8])
	mf := flagsFrag&flagMF != 0
	fragOffset := int(flagsFrag & fragOffsetMax)
	proto := hdr[9]
	var src, dst [4]byte
	copy(src[:], hdr[12:16])
	copy(dst[:], hdr[16:20])

	ipHeader := append([]byte{}, hdr[:ihl]...)

	if ihl > HeaderLen {
		opts := make([]byte, ihl-HeaderLen)
		buf.Read(opts, ihl-HeaderLen)
	}
	if err := buf.RemoveHeader(ihl); err != nil {
		buf.Free()
		return
	}
	payloadLen := totalLen - ihl
	if buf.TotalSize() != payloadLen {
		if err := buf.Resize(payloadLen); err != nil {
			buf.Free()
			return
		}
	}

	if dst != ifc.IP && dst != ifc.Broadcast && dst != allOnes && !isMulticast(dst) {
		buf.Free()
		return
	}

	if mf || fragOffset > 0 {
		key := fragKey{src: src, dst: dst, id: id, proto: proto}
		data, ok := s.reasm.insert(ifc, key, fragOffset*8, mf, buf)
		if !ok {
			return
		}
		s.dispatch(ifc, src, dst, proto, ipHeader, data)
		return
	}
	s.dispatch(ifc, src, dst, proto, ipHeader, buf)
}

func (s *Stack) dispatch(ifc *netif.Interface, src, dst [4]byte, proto uint8, ipHeader []byte, buf *pktbuf.PktBuf) {
	h, ok := s.handlers[proto]
	if !ok {
		if s.unreachable != nil {
			buf.ResetAcc()
			offending := make([]byte, min(8, buf.TotalSize()))
			buf.Read(offending, len(offending))
			s.unreachable.SendUnreachable(ifc, src, dst, proto, ipHeader, offending)
		}
		buf.Free()
		return
	}
	h.In(ifc, src, dst, buf)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Out fragments the payload if it exceeds the outgoing interface's MTU,
// prepends the IPv4 header to each piece, and hands every resulting
// datagram to the selected interface.
func (s *Stack) Out(protocol uint8, dst, src [4]byte, buf *pktbuf.PktBuf) tools.Error {
	route, ok := s.Routes.Find(dst)
	if !ok {
		buf.Free()
		return tools.UNREACH
	}
	ifc := route.Ifc
	nextHop := dst
	if !matches(dst, ifc.NetworkPrefix(), ifc.Netmask) {
		nextHop = route.Gateway
	}

	maxPayload := ifc.MTU - HeaderLen
	if buf.TotalSize() <= maxPayload {
		return s.emit(ifc, nextHop, protocol, src, dst, buf, s.allocID(), 0, false)
	}

	fragLen := maxPayload - maxPayload%8
	if fragLen <= 0 {
		buf.Free()
		return tools.PARAM
	}
	total := buf.TotalSize()
	payload := make([]byte, total)
	buf.ResetAcc()
	buf.Read(payload, total)
	buf.Free()

	id := s.allocID()
	for off := 0; off < total; off += fragLen {
		end := off + fragLen
		more := true
		if end >= total {
			end = total
			more = false
		}
		chunk, err := s.pool.Alloc(end - off)
		if err != nil {
			return tools.MEM
		}
		chunk.Write(payload[off:end], end-off)
		metrics.IPFragmentsTotal.WithLabelValues("out").Inc()
		if err := s.emit(ifc, nextHop, protocol, src, dst, chunk, id, off/8, more); err != tools.OK {
			return err
		}
	}
	return tools.OK
}

func (s *Stack) emit(ifc *netif.Interface, nextHop [4]byte, protocol uint8, src, dst [4]byte, payload *pktbuf.PktBuf, id uint16, fragOffsetUnits int, moreFrags bool) tools.Error {
	if err := payload.AddHeader(HeaderLen, true); err != nil {
		payload.Free()
		return tools.MEM
	}
	payload.ResetAcc()
	var hdr [HeaderLen]byte
	hdr[0] = (Version << 4) | (HeaderLen / 4)
	hdr[1] = 0
	tools.PutUint16(hdr[2:4], uint16(payload.TotalSize()))
	tools.PutUint16(hdr[4:6], id)
	flagsFrag := uint16(fragOffsetUnits) & fragOffsetMax
	if moreFrags {
		flagsFrag |= flagMF
	}
	tools.PutUint16(hdr[6:8], flagsFrag)
	hdr[8] = defaultTTL
	hdr[9] = protocol
	hdr[10], hdr[11] = 0, 0
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])
	tools.PutUint16(hdr[10:12], tools.Checksum16(hdr[:]))
	if err := payload.Write(hdr[:], HeaderLen); err != nil {
		payload.Free()
		return tools.MEM
	}
	return ifc.Out(nextHop, payload)
}
