package tcp

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

const testLinkType netif.LinkType = 204

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

type endpoint struct {
	ifc   *netif.Interface
	stack *ipv4.Stack
	table *Table
	pool  *pktbuf.Pool
}

func newEndpoint(t *testing.T, ip [4]byte) *endpoint {
	t.Helper()
	netif.RegisterLinkLayer(testLinkType, passthroughLink{})
	w := exmsg.New(exmsg.DefaultQueueCap)
	routes := ipv4.NewRouteTable()
	m := netif.NewManager(w, routes)
	ifc, err := m.Open("eth0", testLinkType, passthroughDriver{}, 1500,
		[6]byte{1, 2, 3, 4, 5, 6}, ip, [4]byte{255, 255, 255, 0}, [4]byte{ip[0], ip[1], ip[2], 255}, false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.SetActive(ifc); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	pool := pktbuf.NewPool(256, 128)
	stack := ipv4.New(pool, routes, timer.New())
	table := NewTable(stack, pool, timer.New())
	stack.RegisterHandler(ipv4.ProtoTCP, table)
	return &endpoint{ifc: ifc, stack: stack, table: table, pool: pool}
}

// pump delivers every frame currently queued on from.ifc to to.table,
// stripping the IP header the way ipv4_in would.
func pump(t *testing.T, from, to *endpoint) int {
	t.Helper()
	delivered := 0
	for {
		frame, err := from.ifc.GetOut()
		if err != nil {
			break
		}
		frame.ResetAcc()
		hdr := make([]byte, ipv4.HeaderLen)
		frame.Read(hdr, ipv4.HeaderLen)
		var src, dst [4]byte
		copy(src[:], hdr[12:16])
		copy(dst[:], hdr[16:20])
		frame.RemoveHeader(ipv4.HeaderLen)
		to.table.In(to.ifc, src, dst, frame)
		delivered++
	}
	return delivered
}

func handshake(t *testing.T) (client, server *endpoint, serverTCB, clientTCB *TCB) {
	t.Helper()
	client = newEndpoint(t, [4]byte{192, 168, 1, 2})
	server = newEndpoint(t, [4]byte{192, 168, 1, 3})

	listener, err := server.table.NewListener([4]byte{}, 9000, 4)
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}

	clientTCB, cerr := client.table.NewActive(client.ifc.IP, server.ifc.IP, 40000, 9000)
	if cerr != tools.OK {
		t.Fatalf("NewActive() error = %v", cerr)
	}
	if clientTCB.state != SYN_SENT {
		t.Fatalf("client state = %v, want SYN_SENT", clientTCB.state)
	}

	if n := pump(t, client, server); n != 1 {
		t.Fatalf("SYN delivery count = %d, want 1", n)
	}
	child, ok := listener.Accept()
	if ok {
		t.Fatalf("Accept() succeeded before handshake completed")
	}
	_ = child

	if n := pump(t, server, client); n != 1 {
		t.Fatalf("SYN|ACK delivery count = %d, want 1", n)
	}
	if clientTCB.state != ESTABLISHED {
		t.Fatalf("client state = %v, want ESTABLISHED", clientTCB.state)
	}

	if n := pump(t, client, server); n != 1 {
		t.Fatalf("final ACK delivery count = %d, want 1", n)
	}

	child, ok = listener.Accept()
	if !ok {
		t.Fatalf("Accept() found no pending connection after handshake")
	}
	if child.state != ESTABLISHED {
		t.Fatalf("accepted child state = %v, want ESTABLISHED", child.state)
	}
	return client, server, child, clientTCB
}

func TestThreeWayHandshake(t *testing.T) {
	handshake(t)
}

func TestDataTransferClientToServer(t *testing.T) {
	client, server, serverTCB, clientTCB := handshake(t)

	msg := []byte("hello, server")
	n, werr := clientTCB.Write(msg)
	if werr != tools.OK || n != len(msg) {
		t.Fatalf("Write() = %d, %v, want %d, OK", n, werr, len(msg))
	}
	if d := pump(t, client, server); d != 1 {
		t.Fatalf("data delivery count = %d, want 1", d)
	}

	got := make([]byte, len(msg))
	rn, rerr := serverTCB.Read(got)
	if rerr != tools.OK || rn != len(msg) {
		t.Fatalf("Read() = %d, %v, want %d, OK", rn, rerr, len(msg))
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("Read() = %q, want %q", got, msg)
	}

	if d := pump(t, server, client); d != 1 {
		t.Fatalf("ack delivery count = %d, want 1", d)
	}
	if clientTCB.sndUna != clientTCB.sndNxt {
		t.Fatalf("client snd.una = %d, snd.nxt = %d, want equal after ack", clientTCB.sndUna, clientTCB.sndNxt)
	}
}

func TestActiveCloseSequence(t *testing.T) {
	client, server, serverTCB, clientTCB := handshake(t)

	if err := clientTCB.Close(); err != tools.OK {
		t.Fatalf("Close() error = %v", err)
	}
	if clientTCB.state != FIN_WAIT1 {
		t.Fatalf("client state after Close() = %v, want FIN_WAIT1", clientTCB.state)
	}

	if d := pump(t, client, server); d != 1 {
		t.Fatalf("FIN delivery count = %d, want 1", d)
	}
	if serverTCB.state != CLOSE_WAIT {
		t.Fatalf("server state = %v, want CLOSE_WAIT", serverTCB.state)
	}

	if d := pump(t, server, client); d != 1 {
		t.Fatalf("ack-of-FIN delivery count = %d, want 1", d)
	}
	if clientTCB.state != FIN_WAIT2 {
		t.Fatalf("client state = %v, want FIN_WAIT2", clientTCB.state)
	}

	if err := serverTCB.Close(); err != tools.OK {
		t.Fatalf("server Close() error = %v", err)
	}
	if d := pump(t, server, client); d != 1 {
		t.Fatalf("server FIN delivery count = %d, want 1", d)
	}
	if clientTCB.state != TIME_WAIT {
		t.Fatalf("client state = %v, want TIME_WAIT", clientTCB.state)
	}

	if d := pump(t, client, server); d != 1 {
		t.Fatalf("final ack delivery count = %d, want 1", d)
	}
	if serverTCB.state != CLOSED {
		t.Fatalf("server state = %v, want CLOSED", serverTCB.state)
	}
}

func TestUnmatchedAckGetsReset(t *testing.T) {
	client := newEndpoint(t, [4]byte{10, 0, 0, 2})
	server := newEndpoint(t, [4]byte{10, 0, 0, 3})

	buf, err := buildSegment(client.pool, client.ifc.IP, server.ifc.IP, 1234, 9999, 100, 0, flagACK, 1024, DefaultMSS, []byte("x"))
	if err != nil {
		t.Fatalf("buildSegment() error = %v", err)
	}
	client.stack.Out(ipv4.ProtoTCP, server.ifc.IP, client.ifc.IP, buf)
	if d := pump(t, client, server); d != 1 {
		t.Fatalf("delivery count = %d, want 1", d)
	}
	if d := pump(t, server, client); d != 1 {
		t.Fatalf("reset delivery count = %d, want 1", d)
	}
}
