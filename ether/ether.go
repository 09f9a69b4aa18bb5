// Package ether implements the Ethernet link layer: framing,
// type dispatch to ARP or IPv4, and next-hop resolution on the way out.
package ether

import (
	"log"

	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/tools"
)

// HeaderLen is the fixed 14-byte Ethernet header: dst MAC, src MAC, type.
const HeaderLen = 14

// EtherType values dispatched by In.
const (
	TypeIP  uint16 = 0x0800
	TypeARP uint16 = 0x0806
)

// Broadcast is the all-ones hardware broadcast address.
var Broadcast = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// PacketHandler is the shape of the protocol input functions (arp_in,
// ipv4_in) that In dispatches to once the 14-byte header is peeled off.
type PacketHandler interface {
	In(ifc *netif.Interface, srcMAC [6]byte, buf *pktbuf.PktBuf)
}

// RouteFinder resolves the next-hop IP for a destination reachable out of
// ifc: dest itself if dest is on ifc's attached subnet, otherwise the
// gateway of the route that selected ifc for dest.
type RouteFinder interface {
	NextHop(ifc *netif.Interface, dest [4]byte) (nextHop [4]byte, found bool)
}

// ARPResolver is arp_resolve: given a next-hop IP, either attach an
// Ethernet header with the cached MAC and hand buf off for transmission, or
// queue buf pending resolution.
type ARPResolver interface {
	Resolve(ifc *netif.Interface, nextHop [4]byte, buf *pktbuf.PktBuf) tools.Error
}

// Link implements netif.LinkLayer for Ethernet interfaces.
type Link struct {
	routes RouteFinder
	arp    ARPResolver
	arpIn  PacketHandler
	ipIn   PacketHandler
}

// New creates an Ethernet link layer. routes and arp resolve the TX path;
// arpIn and ipIn receive dispatched frames on the RX path.
func New(routes RouteFinder, arp ARPResolver, arpIn, ipIn PacketHandler) *Link {
	return &Link{routes: routes, arp: arp, arpIn: arpIn, ipIn: ipIn}
}

// Open and Close are no-ops: Ethernet framing has no per-activation state
// of its own (unlike ARP, which could in principle flush its cache here --
// that is left to the ARP table's own eviction policy).
func (l *Link) Open(ifc *netif.Interface) error  { return nil }
func (l *Link) Close(ifc *netif.Interface) error { return nil }

// In validates and peels the Ethernet header, then dispatches by type.
// Frames shorter than HeaderLen, or whose source is our own MAC (a frame
// looped back by a hub/switch), are dropped.
func (l *Link) In(ifc *netif.Interface, buf *pktbuf.PktBuf) {
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
	var srcMAC [6]byte
	copy(srcMAC[:], hdr[6:12])
	if srcMAC == ifc.MAC {
		buf.Free()
		return
	}
	etype := tools.GetUint16(hdr[12:14])

	if err := buf.RemoveHeader(HeaderLen); err != nil {
		buf.Free()
		return
	}

	switch etype {
	case TypeARP:
		l.arpIn.In(ifc, srcMAC, buf)
	case TypeIP:
		l.ipIn.In(ifc, srcMAC, buf)
	default:
		log.Printf("ether: %s: unknown ethertype 0x%04x, dropping", ifc.Name, etype)
		buf.Free()
	}
}

// Out resolves the next hop for dest and hands buf to ARP resolution. The
// ARP layer itself handles the broadcast short-circuit.
func (l *Link) Out(ifc *netif.Interface, dest [4]byte, buf *pktbuf.PktBuf) tools.Error {
	nextHop, ok := l.routes.NextHop(ifc, dest)
	if !ok {
		buf.Free()
		return tools.UNREACH
	}
	return l.arp.Resolve(ifc, nextHop, buf)
}

// BuildHeader prepends a 14-byte Ethernet header in front of buf's current
// contents. It is used by the ARP layer once a destination MAC is known.
func BuildHeader(buf *pktbuf.PktBuf, dstMAC, srcMAC [6]byte, etype uint16) error {
	if err := buf.AddHeader(HeaderLen, true); err != nil {
		return err
	}
	buf.ResetAcc()
	var hdr [HeaderLen]byte
	copy(hdr[0:6], dstMAC[:])
	copy(hdr[6:12], srcMAC[:])
	tools.PutUint16(hdr[12:14], etype)
	return buf.Write(hdr[:], HeaderLen)
}
