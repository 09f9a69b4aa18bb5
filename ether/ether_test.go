package ether

import (
	"testing"

	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/tools"
)

type recordingHandler struct {
	calls []struct {
		src [6]byte
		buf *pktbuf.PktBuf
	}
}

func (h *recordingHandler) In(ifc *netif.Interface, srcMAC [6]byte, buf *pktbuf.PktBuf) {
	h.calls = append(h.calls, struct {
		src [6]byte
		buf *pktbuf.PktBuf
	}{srcMAC, buf})
}

type staticRoutes struct {
	nextHop [4]byte
	ok      bool
}

func (r staticRoutes) NextHop(ifc *netif.Interface, dest [4]byte) ([4]byte, bool) {
	return r.nextHop, r.ok
}

type recordingResolver struct {
	resolved []struct {
		nextHop [4]byte
		buf     *pktbuf.PktBuf
	}
	ret tools.Error
}

func (r *recordingResolver) Resolve(ifc *netif.Interface, nextHop [4]byte, buf *pktbuf.PktBuf) tools.Error {
	r.resolved = append(r.resolved, struct {
		nextHop [4]byte
		buf     *pktbuf.PktBuf
	}{nextHop, buf})
	return r.ret
}

func frameWithType(t *testing.T, p *pktbuf.Pool, dst, src [6]byte, etype uint16, payload []byte) *pktbuf.PktBuf {
	t.Helper()
	buf, err := p.Alloc(len(payload))
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	buf.Write(payload, len(payload))
	if err := BuildHeader(buf, dst, src, etype); err != nil {
		t.Fatalf("BuildHeader() error = %v", err)
	}
	return buf
}

func TestInDispatchesByType(t *testing.T) {
	p := pktbuf.NewPool(16, 16)
	ifc := &netif.Interface{MAC: [6]byte{1, 1, 1, 1, 1, 1}}
	arpH := &recordingHandler{}
	ipH := &recordingHandler{}
	l := New(nil, nil, arpH, ipH)

	src := [6]byte{2, 2, 2, 2, 2, 2}
	arpFrame := frameWithType(t, p, ifc.MAC, src, TypeARP, []byte("arp-payload"))
	l.In(ifc, arpFrame)
	if len(arpH.calls) != 1 || len(ipH.calls) != 0 {
		t.Fatalf("ARP frame dispatched arpH=%d ipH=%d, want 1,0", len(arpH.calls), len(ipH.calls))
	}

	ipFrame := frameWithType(t, p, ifc.MAC, src, TypeIP, []byte("ip-payload"))
	l.In(ifc, ipFrame)
	if len(arpH.calls) != 1 || len(ipH.calls) != 1 {
		t.Fatalf("IP frame dispatched arpH=%d ipH=%d, want 1,1", len(arpH.calls), len(ipH.calls))
	}
	if arpH.calls[0].src != src {
		t.Fatalf("srcMAC passed to handler = %v, want %v", arpH.calls[0].src, src)
	}
}

func TestInDropsUnknownType(t *testing.T) {
	p := pktbuf.NewPool(16, 16)
	ifc := &netif.Interface{MAC: [6]byte{1, 1, 1, 1, 1, 1}}
	arpH, ipH := &recordingHandler{}, &recordingHandler{}
	l := New(nil, nil, arpH, ipH)

	buf := frameWithType(t, p, ifc.MAC, [6]byte{2, 2, 2, 2, 2, 2}, 0x9999, []byte("x"))
	l.In(ifc, buf)
	if len(arpH.calls) != 0 || len(ipH.calls) != 0 {
		t.Fatalf("unknown ethertype was dispatched, want dropped")
	}
}

func TestInDropsOwnSourceMAC(t *testing.T) {
	p := pktbuf.NewPool(16, 16)
	ifc := &netif.Interface{MAC: [6]byte{1, 1, 1, 1, 1, 1}}
	arpH, ipH := &recordingHandler{}, &recordingHandler{}
	l := New(nil, nil, arpH, ipH)

	buf := frameWithType(t, p, [6]byte{9, 9, 9, 9, 9, 9}, ifc.MAC, TypeIP, []byte("x"))
	l.In(ifc, buf)
	if len(ipH.calls) != 0 {
		t.Fatalf("frame with our own source MAC was dispatched, want dropped")
	}
}

func TestInDropsShortFrame(t *testing.T) {
	p := pktbuf.NewPool(16, 16)
	ifc := &netif.Interface{MAC: [6]byte{1, 1, 1, 1, 1, 1}}
	arpH, ipH := &recordingHandler{}, &recordingHandler{}
	l := New(nil, nil, arpH, ipH)

	buf, _ := p.Alloc(5)
	l.In(ifc, buf)
	if len(arpH.calls) != 0 || len(ipH.calls) != 0 {
		t.Fatalf("short frame was dispatched, want dropped")
	}
}

func TestOutResolvesNextHopAndCallsResolver(t *testing.T) {
	p := pktbuf.NewPool(16, 16)
	buf, _ := p.Alloc(10)
	resolver := &recordingResolver{ret: tools.OK}
	l := New(staticRoutes{nextHop: [4]byte{192, 168, 1, 1}, ok: true}, resolver, nil, nil)

	ifc := &netif.Interface{}
	if err := l.Out(ifc, [4]byte{8, 8, 8, 8}, buf); err != tools.OK {
		t.Fatalf("Out() = %v, want OK", err)
	}
	if len(resolver.resolved) != 1 || resolver.resolved[0].nextHop != [4]byte{192, 168, 1, 1} {
		t.Fatalf("resolver called with %v, want nextHop 192.168.1.1", resolver.resolved)
	}
}

func TestOutUnreachableWhenNoRoute(t *testing.T) {
	p := pktbuf.NewPool(16, 16)
	buf, _ := p.Alloc(10)
	l := New(staticRoutes{ok: false}, &recordingResolver{}, nil, nil)

	if err := l.Out(&netif.Interface{}, [4]byte{8, 8, 8, 8}, buf); err != tools.UNREACH {
		t.Fatalf("Out() with no route = %v, want UNREACH", err)
	}
}

func TestBuildHeaderRoundTrip(t *testing.T) {
	p := pktbuf.NewPool(16, 16)
	buf, _ := p.Alloc(4)
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef}, 4)

	dst := [6]byte{1, 2, 3, 4, 5, 6}
	src := [6]byte{6, 5, 4, 3, 2, 1}
	if err := BuildHeader(buf, dst, src, TypeIP); err != nil {
		t.Fatalf("BuildHeader() error = %v", err)
	}
	if buf.TotalSize() != HeaderLen+4 {
		t.Fatalf("TotalSize() = %d, want %d", buf.TotalSize(), HeaderLen+4)
	}
	buf.ResetAcc()
	got := make([]byte, HeaderLen+4)
	buf.Read(got, HeaderLen+4)
	if tools.GetUint16(got[12:14]) != TypeIP {
		t.Fatalf("ethertype field = 0x%04x, want 0x%04x", tools.GetUint16(got[12:14]), TypeIP)
	}
	if got[HeaderLen] != 0xde {
		t.Fatalf("payload displaced by header prepend")
	}
}
