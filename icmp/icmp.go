// Package icmp implements ICMP echo request/reply and destination
// unreachable messages on top of an ipv4.Stack.
package icmp

import (
	"log"

	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/tools"
)

const (
	HeaderLen = 8 // type, code, checksum, id, seq

	TypeEchoRequest      = 8
	TypeEchoReply        = 0
	TypeDestUnreachable  = 3
	codeProtoUnreachable = 2
	codePortUnreachable  = 3
	codeDefault          = 0
)

// Responder implements ipv4.ProtocolHandler for ProtoICMP, and
// ipv4.UnreachableSender for datagrams with no registered handler.
type Responder struct {
	stack *ipv4.Stack
	pool  *pktbuf.Pool
}

// New creates a Responder bound to stack, used both to receive ICMP
// datagrams and to emit replies and unreachable messages via stack.Out.
func New(stack *ipv4.Stack, pool *pktbuf.Pool) *Responder {
	return &Responder{stack: stack, pool: pool}
}

// In handles an inbound ICMP datagram: an echo request gets an echo reply
// with src/dst swapped, the same id/sequence/payload, and a recomputed
// checksum. Anything else is dropped.
func (r *Responder) In(ifc *netif.Interface, src, dst [4]byte, buf *pktbuf.PktBuf) {
	if buf.TotalSize() < HeaderLen {
		buf.Free()
		return
	}
	buf.ResetAcc()
	hdr := make([]byte, HeaderLen)
	buf.Read(hdr, HeaderLen)
	typ := hdr[0]

	if typ != TypeEchoRequest {
		buf.Free()
		return
	}

	id := tools.GetUint16(hdr[4:6])
	seq := tools.GetUint16(hdr[6:8])
	payloadLen := buf.TotalSize() - HeaderLen
	payload := make([]byte, payloadLen)
	buf.Read(payload, payloadLen)
	buf.Free()

	reply, err := r.pool.Alloc(HeaderLen + payloadLen)
	if err != nil {
		log.Printf("icmp: echo-reply alloc failed: %v", err)
		return
	}
	writeMessage(reply, TypeEchoReply, codeDefault, id, seq, payload)

	if err := r.stack.Out(ipv4.ProtoICMP, src, dst, reply); err != tools.OK {
		log.Printf("icmp: echo-reply to %v failed: %v", src, err)
	}
}

// SendUnreachable implements ipv4.UnreachableSender: it echoes the
// offending IP header plus up to 8 bytes of payload back to the sender.
// A UDP datagram gets a port-unreachable code; any other protocol gets
// protocol-unreachable.
func (r *Responder) SendUnreachable(ifc *netif.Interface, dst, src [4]byte, proto uint8, header, offending []byte) {
	body := append(append([]byte{}, header...), offending...)
	buf, err := r.pool.Alloc(HeaderLen + len(body))
	if err != nil {
		log.Printf("icmp: unreachable alloc failed: %v", err)
		return
	}
	code := byte(codeProtoUnreachable)
	if proto == ipv4.ProtoUDP {
		code = codePortUnreachable
	}
	writeUnreachable(buf, code, body)
	if err := r.stack.Out(ipv4.ProtoICMP, dst, src, buf); err != tools.OK {
		log.Printf("icmp: unreachable to %v failed: %v", dst, err)
	}
}

func writeMessage(buf *pktbuf.PktBuf, typ, code byte, id, seq uint16, payload []byte) {
	buf.ResetAcc()
	hdr := make([]byte, HeaderLen)
	hdr[0] = typ
	hdr[1] = code
	tools.PutUint16(hdr[4:6], id)
	tools.PutUint16(hdr[6:8], seq)
	buf.Write(hdr, HeaderLen)
	buf.Write(payload, len(payload))
	checksum(buf)
}

func writeUnreachable(buf *pktbuf.PktBuf, code byte, body []byte) {
	buf.ResetAcc()
	hdr := make([]byte, HeaderLen)
	hdr[0] = TypeDestUnreachable
	hdr[1] = code
	// bytes 4-7 (the last four of the 8-byte ICMP header) are unused for
	// this code.
	buf.Write(hdr, HeaderLen)
	buf.Write(body, len(body))
	checksum(buf)
}

// checksum recomputes the ICMP checksum over the whole message in place.
func checksum(buf *pktbuf.PktBuf) {
	n := buf.TotalSize()
	raw := make([]byte, n)
	buf.ResetAcc()
	buf.Read(raw, n)
	raw[2], raw[3] = 0, 0
	sum := tools.Checksum16(raw)
	tools.PutUint16(raw[2:4], sum)
	buf.ResetAcc()
	buf.Write(raw, n)
}
