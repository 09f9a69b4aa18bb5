package udp

import (
	"testing"
	"time"

	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

const testLinkType netif.LinkType = 203

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

type recordingUnreachable struct {
	calls int
	proto uint8
}

func (u *recordingUnreachable) SendUnreachable(ifc *netif.Interface, dst, src [4]byte, proto uint8, header, offending []byte) {
	u.calls++
	u.proto = proto
}

func testSetup(t *testing.T) (*ipv4.Stack, *netif.Interface, *Table) {
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
	table := NewTable(stack, pool)
	stack.RegisterHandler(ipv4.ProtoUDP, table)
	return stack, ifc, table
}

func buildUDPDatagram(t *testing.T, pool *pktbuf.Pool, srcPort, dstPort uint16, src, dst [4]byte, payload []byte) *pktbuf.PktBuf {
	t.Helper()
	raw := make([]byte, HeaderLen+len(payload))
	tools.PutUint16(raw[0:2], srcPort)
	tools.PutUint16(raw[2:4], dstPort)
	tools.PutUint16(raw[4:6], uint16(len(raw)))
	copy(raw[HeaderLen:], payload)
	sum := tools.PseudoHeaderSum(0, src, dst, ipv4.ProtoUDP, uint16(len(raw)))
	sum = tools.ChecksumPartial(sum, raw)
	cksum := tools.ChecksumFinish(sum)
	if cksum == 0 {
		cksum = 0xffff
	}
	tools.PutUint16(raw[6:8], cksum)

	buf, err := pool.Alloc(len(raw))
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	buf.Write(raw, len(raw))
	return buf
}

func TestBindEphemeralAssignsUniquePorts(t *testing.T) {
	_, _, table := testSetup(t)
	s1, err := table.Bind([4]byte{}, 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	s2, err := table.Bind([4]byte{}, 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if s1.LocalAddr().Port == s2.LocalAddr().Port {
		t.Fatalf("two ephemeral binds got the same port %d", s1.LocalAddr().Port)
	}
}

func TestBindDuplicatePortFails(t *testing.T) {
	_, _, table := testSetup(t)
	if _, err := table.Bind([4]byte{}, 2000); err != nil {
		t.Fatalf("first Bind() error = %v", err)
	}
	if _, err := table.Bind([4]byte{}, 2000); err != tools.BUSY {
		t.Fatalf("second Bind() error = %v, want BUSY", err)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	_, ifc, table := testSetup(t)
	s, err := table.Bind(ifc.IP, 2000)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	pool := pktbuf.NewPool(64, 32)
	peer := [4]byte{192, 168, 74, 3}
	buf := buildUDPDatagram(t, pool, 5000, 2000, peer, ifc.IP, []byte("hello"))
	table.In(ifc, peer, ifc.IP, buf)

	addr, payload, err := s.Recv(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if addr.IP != peer || addr.Port != 5000 {
		t.Fatalf("peer = %+v, want {192.168.74.3 5000}", addr)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}

	if sendErr := s.SendTo(addr, payload); sendErr != tools.OK {
		t.Fatalf("SendTo() = %v, want OK", sendErr)
	}
	frame, err := ifc.GetOut()
	if err != nil {
		t.Fatalf("GetOut() error = %v", err)
	}
	frame.ResetAcc()
	ipHdr := make([]byte, ipv4.HeaderLen)
	frame.Read(ipHdr, ipv4.HeaderLen)
	var gotSrc, gotDst [4]byte
	copy(gotSrc[:], ipHdr[12:16])
	copy(gotDst[:], ipHdr[16:20])
	if gotSrc != ifc.IP || gotDst != peer {
		t.Fatalf("reply addresses src=%v dst=%v, want swapped", gotSrc, gotDst)
	}
}

func TestUnmatchedDatagramTriggersPortUnreachable(t *testing.T) {
	_, ifc, table := testSetup(t)
	u := &recordingUnreachable{}
	table.SetUnreachableSender(u)

	pool := pktbuf.NewPool(64, 32)
	peer := [4]byte{192, 168, 74, 3}
	buf := buildUDPDatagram(t, pool, 5000, 9999, peer, ifc.IP, []byte("x"))
	table.In(ifc, peer, ifc.IP, buf)

	if u.calls != 1 || u.proto != ipv4.ProtoUDP {
		t.Fatalf("unreachable calls = %d proto = %d, want 1, %d", u.calls, u.proto, ipv4.ProtoUDP)
	}
}

func TestBadChecksumDropped(t *testing.T) {
	_, ifc, table := testSetup(t)
	s, err := table.Bind(ifc.IP, 2000)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	pool := pktbuf.NewPool(64, 32)
	peer := [4]byte{192, 168, 74, 3}
	buf := buildUDPDatagram(t, pool, 5000, 2000, peer, ifc.IP, []byte("hello"))
	raw := make([]byte, buf.TotalSize())
	buf.ResetAcc()
	buf.Read(raw, len(raw))
	raw[6] ^= 0xff
	buf.ResetAcc()
	buf.Write(raw, len(raw))

	table.In(ifc, peer, ifc.IP, buf)
	if _, _, err := s.Recv(10 * time.Millisecond); err != tools.TMO {
		t.Fatalf("Recv() error = %v, want TMO (nothing should have been queued)", err)
	}
}

func TestReceiveQueueBounded(t *testing.T) {
	_, ifc, table := testSetup(t)
	if _, err := table.Bind(ifc.IP, 2000); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	pool := pktbuf.NewPool(256, 128)
	peer := [4]byte{192, 168, 74, 3}
	for i := 0; i < MaxRecv+5; i++ {
		buf := buildUDPDatagram(t, pool, 5000, 2000, peer, ifc.IP, []byte("x"))
		table.In(ifc, peer, ifc.IP, buf)
	}
	// No assertion beyond "does not hang or panic": the queue must apply
	// backpressure via drop, not block the caller (the worker goroutine).
}
