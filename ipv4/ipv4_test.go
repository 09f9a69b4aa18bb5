package ipv4

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"

	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

const testLinkType netif.LinkType = 201

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

func testInterface(t *testing.T, mtu int) *netif.Interface {
	t.Helper()
	netif.RegisterLinkLayer(testLinkType, passthroughLink{})
	w := exmsg.New(exmsg.DefaultQueueCap)
	m := netif.NewManager(w, NewRouteTable())
	ifc, err := m.Open("eth0", testLinkType, passthroughDriver{}, mtu,
		[6]byte{1, 2, 3, 4, 5, 6},
		[4]byte{192, 168, 74, 2}, [4]byte{255, 255, 255, 0}, [4]byte{192, 168, 74, 255},
		false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return ifc
}

type recordingHandler struct {
	calls int
	last  *pktbuf.PktBuf
}

func (h *recordingHandler) In(ifc *netif.Interface, src, dst [4]byte, buf *pktbuf.PktBuf) {
	h.calls++
	h.last = buf
}

type recordingUnreachable struct {
	calls int
	proto uint8
}

func (u *recordingUnreachable) SendUnreachable(ifc *netif.Interface, dst, src [4]byte, proto uint8, header, offending []byte) {
	u.calls++
	u.proto = proto
}

func TestOutUnfragmentedProducesValidHeader(t *testing.T) {
	ifc := testInterface(t, 1500)
	rt := NewRouteTable()
	rt.AddRoute(ifc.NetworkPrefix(), ifc.Netmask, [4]byte{}, ifc)
	s := New(pktbuf.NewPool(64, 32), rt, timer.New())

	buf, _ := pktbuf.NewPool(64, 32).Alloc(10)
	buf.Write(bytes.Repeat([]byte{0x42}, 10), 10)
	src := ifc.IP
	dst := [4]byte{192, 168, 74, 3}

	if err := s.Out(ProtoUDP, dst, src, buf); err != tools.OK {
		t.Fatalf("Out() = %v, want OK", err)
	}
	frame, err := ifc.GetOut()
	if err != nil {
		t.Fatalf("GetOut() error = %v", err)
	}
	if frame.TotalSize() != HeaderLen+10 {
		t.Fatalf("frame size = %d, want %d", frame.TotalSize(), HeaderLen+10)
	}
	frame.ResetAcc()
	hdr := make([]byte, HeaderLen)
	frame.Read(hdr, HeaderLen)
	if tools.Checksum16(hdr) != 0 {
		t.Fatalf("header checksum invalid")
	}
	if hdr[9] != ProtoUDP {
		t.Fatalf("protocol field = %d, want %d", hdr[9], ProtoUDP)
	}
}

func TestOutFragmentsAndReassemblesRoundTrip(t *testing.T) {
	ifc := testInterface(t, 100) // small MTU forces fragmentation
	rt := NewRouteTable()
	rt.AddRoute(ifc.NetworkPrefix(), ifc.Netmask, [4]byte{}, ifc)
	pool := pktbuf.NewPool(64, 32)
	s := New(pool, rt, timer.New())

	payload := bytes.Repeat([]byte{0xAB}, 250)
	buf, _ := pool.Alloc(len(payload))
	buf.Write(payload, len(payload))
	dst := [4]byte{192, 168, 74, 3}

	if err := s.Out(ProtoUDP, dst, ifc.IP, buf); err != tools.OK {
		t.Fatalf("Out() error = %v", err)
	}

	// Reassemble the fragments as ipv4_in would.
	r := newReassembler(timer.New())
	var key fragKey
	var final *pktbuf.PktBuf
	for {
		frame, err := ifc.GetOut()
		if err != nil {
			break
		}
		frame.ResetAcc()
		hdr := make([]byte, HeaderLen)
		frame.Read(hdr, HeaderLen)
		id := tools.GetUint16(hdr[4:6])
		flagsFrag := tools.GetUint16(hdr[6:8])
		mf := flagsFrag&flagMF != 0
		off := int(flagsFrag&fragOffsetMax) * 8
		var src, d [4]byte
		copy(src[:], hdr[12:16])
		copy(d[:], hdr[16:20])
		frame.RemoveHeader(HeaderLen)
		key = fragKey{src: src, dst: d, id: id, proto: ProtoUDP}
		data, complete := r.insert(ifc, key, off, mf, frame)
		if complete {
			final = data
		}
	}
	if final == nil {
		t.Fatalf("fragments never reassembled into a complete datagram")
	}
	if final.TotalSize() != len(payload) {
		t.Fatalf("reassembled size = %d, want %d", final.TotalSize(), len(payload))
	}
	got := make([]byte, len(payload))
	final.ResetAcc()
	final.Read(got, len(payload))
	if diff := deep.Equal(got, payload); diff != nil {
		t.Fatalf("reassembled payload corrupted: %v", diff)
	}
}

func TestInDropsForeignDestination(t *testing.T) {
	ifc := testInterface(t, 1500)
	rt := NewRouteTable()
	pool := pktbuf.NewPool(64, 32)
	s := New(pool, rt, timer.New())
	h := &recordingHandler{}
	s.RegisterHandler(ProtoUDP, h)

	buf := buildDatagram(t, pool, ifc.IP, [4]byte{10, 0, 0, 9}, ProtoUDP, []byte("x"), 0, false)
	s.In(ifc, [6]byte{}, buf)
	if h.calls != 0 {
		t.Fatalf("handler invoked for a datagram addressed to someone else")
	}
}

func TestInAcceptsOurIPAndDispatches(t *testing.T) {
	ifc := testInterface(t, 1500)
	rt := NewRouteTable()
	pool := pktbuf.NewPool(64, 32)
	s := New(pool, rt, timer.New())
	h := &recordingHandler{}
	s.RegisterHandler(ProtoUDP, h)

	buf := buildDatagram(t, pool, [4]byte{192, 168, 74, 3}, ifc.IP, ProtoUDP, []byte("hello"), 0, false)
	s.In(ifc, [6]byte{}, buf)
	if h.calls != 1 {
		t.Fatalf("handler calls = %d, want 1", h.calls)
	}
	if h.last.TotalSize() != 5 {
		t.Fatalf("dispatched payload size = %d, want 5", h.last.TotalSize())
	}
}

func TestInUnregisteredProtocolTriggersUnreachable(t *testing.T) {
	ifc := testInterface(t, 1500)
	rt := NewRouteTable()
	pool := pktbuf.NewPool(64, 32)
	s := New(pool, rt, timer.New())
	u := &recordingUnreachable{}
	s.SetUnreachableSender(u)

	buf := buildDatagram(t, pool, [4]byte{192, 168, 74, 3}, ifc.IP, ProtoTCP, []byte("x"), 0, false)
	s.In(ifc, [6]byte{}, buf)
	if u.calls != 1 || u.proto != ProtoTCP {
		t.Fatalf("unreachable calls = %d proto = %d, want 1, %d", u.calls, u.proto, ProtoTCP)
	}
}

func TestInBadChecksumDropped(t *testing.T) {
	ifc := testInterface(t, 1500)
	rt := NewRouteTable()
	pool := pktbuf.NewPool(64, 32)
	s := New(pool, rt, timer.New())
	h := &recordingHandler{}
	s.RegisterHandler(ProtoUDP, h)

	buf := buildDatagram(t, pool, [4]byte{192, 168, 74, 3}, ifc.IP, ProtoUDP, []byte("x"), 0, false)
	// Corrupt the checksum field directly.
	buf.ResetAcc()
	hdr := make([]byte, HeaderLen)
	buf.Read(hdr, HeaderLen)
	hdr[10] ^= 0xff
	buf.ResetAcc()
	buf.Write(hdr, HeaderLen)

	s.In(ifc, [6]byte{}, buf)
	if h.calls != 0 {
		t.Fatalf("handler invoked despite a corrupted checksum")
	}
}

// buildDatagram constructs a complete (unfragmented) IPv4 datagram ready for
// Stack.In, mirroring what ether.In would hand off after stripping the
// Ethernet header.
func buildDatagram(t *testing.T, pool *pktbuf.Pool, src, dst [4]byte, proto uint8, payload []byte, fragOffsetUnits int, mf bool) *pktbuf.PktBuf {
	t.Helper()
	buf, err := pool.Alloc(len(payload))
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	buf.Write(payload, len(payload))
	if err := buf.AddHeader(HeaderLen, true); err != nil {
		t.Fatalf("AddHeader() error = %v", err)
	}
	buf.ResetAcc()
	var hdr [HeaderLen]byte
	hdr[0] = (Version << 4) | (HeaderLen / 4)
	tools.PutUint16(hdr[2:4], uint16(buf.TotalSize()))
	tools.PutUint16(hdr[4:6], 1234)
	flagsFrag := uint16(fragOffsetUnits) & fragOffsetMax
	if mf {
		flagsFrag |= flagMF
	}
	tools.PutUint16(hdr[6:8], flagsFrag)
	hdr[8] = 64
	hdr[9] = proto
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])
	tools.PutUint16(hdr[10:12], tools.Checksum16(hdr[:]))
	buf.Write(hdr[:], HeaderLen)
	return buf
}
