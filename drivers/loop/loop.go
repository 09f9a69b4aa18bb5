// Package loop provides the loopback link layer: every frame an interface
// of type netif.LinkLoop transmits is delivered straight back to that same
// interface's inbound queue, with no Ethernet header involved.
package loop

import (
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/tools"
)

// Link implements both netif.DriverOps and netif.LinkLayer for loopback
// interfaces: Xmit drains the outbound queue and hands each frame straight
// to In, and In feeds the payload directly to the IP stack, skipping any
// link-layer header since loopback has none.
type Link struct {
	stack *ipv4.Stack
}

// New creates a loopback Link delivering inbound frames to stack. Register
// it once with netif.RegisterLinkLayer(netif.LinkLoop, ...) and pass it as
// the driver to every loopback interface's Manager.Open call.
func New(stack *ipv4.Stack) *Link { return &Link{stack: stack} }

// Open is a no-op: a loopback interface needs no driver-side setup.
func (l *Link) Open(ifc *netif.Interface) error { return nil }

// Close is a no-op.
func (l *Link) Close(ifc *netif.Interface) error { return nil }

// Xmit drains every frame queued for transmission and feeds it directly
// back into the interface's receive path.
func (l *Link) Xmit(ifc *netif.Interface) {
	for {
		buf, err := ifc.GetOut()
		if err != nil {
			return
		}
		if err := ifc.PutIn(buf); err != nil {
			buf.Free()
		}
	}
}

// In is the netif.LinkLayer entry point: loopback frames carry no link
// header of their own, so this delivers buf straight to the IP stack
// under the interface's own MAC (unused for loopback routing decisions,
// but required by the ipv4.Stack.In signature shared with ether.Link).
func (l *Link) In(ifc *netif.Interface, buf *pktbuf.PktBuf) {
	l.stack.In(ifc, ifc.MAC, buf)
}

// Out is the netif.LinkLayer entry point for sends: loopback needs no
// address resolution, so this just enqueues buf for Xmit to loop back.
func (l *Link) Out(ifc *netif.Interface, destIP [4]byte, buf *pktbuf.PktBuf) tools.Error {
	if err := ifc.PutOut(buf); err != nil {
		return tools.MEM
	}
	return tools.OK
}
