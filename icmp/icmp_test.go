package icmp

import (
	"bytes"
	"testing"

	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

const testLinkType netif.LinkType = 202

type passthroughDriver struct{}

func (passthroughDriver) Open(ifc *netif.Interface) error  { return nil }
func (passthroughDriver) Close(ifc *netif.Interface) error { return nil }
func (passthroughDriver) Xmit(ifc *netif.Interface)        {}

type passthroughLink struct{}

func (passthroughLink) Open(ifc *netif.Interface) error  { return nil }
func (passthroughLink) Close(ifc *netif.Interface) error { return nil }
func (passthroughLink) In(ifc *netif.Interface, buf *pktbuf.PktBuf) {}
func (passthroughLink) Out(ifc *netif.Interface, dest [4]byte, buf *pktbuf.PktBuf) tools.Error {
	if err := ifc.PutOut(buf); err != nil {
		return tools.MEM
	}
	return tools.OK
}

func testSetup(t *testing.T) (*ipv4.Stack, *netif.Interface, *Responder) {
	t.Helper()
	netif.RegisterLinkLayer(testLinkType, passthroughLink{})
	w := exmsg.New(exmsg.DefaultQueueCap)
	routes := ipv4.NewRouteTable()
	m := netif.NewManager(w, routes)
	ifc, err := m.Open("eth0", testLinkType, passthroughDriver{}, 1500,
		[6]byte{1, 2, 3, 4, 5, 6},
		[4]byte{192, 168, 74, 2}, [4]byte{255, 255, 255, 0}, [4]byte{192, 168, 74, 255},
		false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	routes.AddRoute(ifc.NetworkPrefix(), ifc.Netmask, [4]byte{}, ifc)

	pool := pktbuf.NewPool(64, 32)
	stack := ipv4.New(pool, routes, timer.New())
	r := New(stack, pool)
	stack.RegisterHandler(ipv4.ProtoICMP, r)
	stack.SetUnreachableSender(r)
	return stack, ifc, r
}

func TestEchoRequestProducesReply(t *testing.T) {
	_, ifc, r := testSetup(t)
	pool := pktbuf.NewPool(64, 32)
	payload := bytes.Repeat([]byte{0x11}, 32)

	req, _ := pool.Alloc(HeaderLen + len(payload))
	req.Write([]byte{TypeEchoRequest, 0, 0, 0}, 4)
	idseq := make([]byte, 4)
	tools.PutUint16(idseq[0:2], 0x1234)
	tools.PutUint16(idseq[2:4], 0)
	req.Write(idseq, 4)
	req.Write(payload, len(payload))

	r.In(ifc, [4]byte{192, 168, 74, 3}, ifc.IP, req)

	frame, err := ifc.GetOut()
	if err != nil {
		t.Fatalf("GetOut() error = %v, want a queued echo-reply datagram", err)
	}
	frame.ResetAcc()
	hdr := make([]byte, ipv4.HeaderLen)
	frame.Read(hdr, ipv4.HeaderLen)
	if hdr[9] != ipv4.ProtoICMP {
		t.Fatalf("reply protocol = %d, want ICMP", hdr[9])
	}
	var replySrc, replyDst [4]byte
	copy(replySrc[:], hdr[12:16])
	copy(replyDst[:], hdr[16:20])
	if replySrc != ifc.IP || replyDst != [4]byte{192, 168, 74, 3} {
		t.Fatalf("reply addresses src=%v dst=%v, want swapped", replySrc, replyDst)
	}

	body := make([]byte, HeaderLen+len(payload))
	frame.Read(body, len(body))
	if body[0] != TypeEchoReply {
		t.Fatalf("reply type = %d, want %d", body[0], TypeEchoReply)
	}
	if tools.GetUint16(body[4:6]) != 0x1234 {
		t.Fatalf("reply id = 0x%x, want 0x1234", tools.GetUint16(body[4:6]))
	}
	if !bytes.Equal(body[HeaderLen:], payload) {
		t.Fatalf("reply payload corrupted")
	}
}

func TestSendUnreachableEmbedsOffendingHeader(t *testing.T) {
	_, ifc, r := testSetup(t)
	offendingHeader := bytes.Repeat([]byte{0xAA}, 20)
	offendingPayload := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	r.SendUnreachable(ifc, [4]byte{192, 168, 74, 3}, ifc.IP, ipv4.ProtoTCP, offendingHeader, offendingPayload)

	frame, err := ifc.GetOut()
	if err != nil {
		t.Fatalf("GetOut() error = %v", err)
	}
	frame.ResetAcc()
	ipHdr := make([]byte, ipv4.HeaderLen)
	frame.Read(ipHdr, ipv4.HeaderLen)
	icmpBody := make([]byte, HeaderLen+len(offendingHeader)+len(offendingPayload))
	frame.Read(icmpBody, len(icmpBody))
	if icmpBody[0] != TypeDestUnreachable {
		t.Fatalf("type = %d, want %d", icmpBody[0], TypeDestUnreachable)
	}
	if !bytes.Equal(icmpBody[HeaderLen:], append(append([]byte{}, offendingHeader...), offendingPayload...)) {
		t.Fatalf("unreachable body does not echo the offending datagram")
	}
}
