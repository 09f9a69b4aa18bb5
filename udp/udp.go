// Package udp implements connectionless datagram delivery over an
// ipv4.Stack: a table of bound sockets, per-socket bounded receive queues,
// and pseudo-header checksum handling on both directions.
package udp

import (
	"log"
	"sync"
	"time"

	"github.com/m-lab/netstack/fixq"
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/tools"
)

const (
	HeaderLen = 8

	// MaxRecv bounds how many datagrams can sit on one socket's receive
	// queue before udp_in starts dropping instead of blocking the worker.
	MaxRecv = 50

	ephemeralLo = 49152
	ephemeralHi = 65535
)

var anyIP = [4]byte{}

// Addr is a UDP peer: an IPv4 address and port.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// Datagram is one payload queued on a socket's receive list, tagged with
// the peer it arrived from.
type Datagram struct {
	Peer    Addr
	Payload []byte
}

// Socket is one bound UDP endpoint.
type Socket struct {
	table     *Table
	localIP   [4]byte
	localPort uint16
	recv      *fixq.Queue[Datagram]
	// Wake fires (non-blocking, best-effort) whenever a datagram is
	// queued, so a socket layer built on top can select on it instead of
	// polling.
	Wake chan struct{}
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() Addr { return Addr{IP: s.localIP, Port: s.localPort} }

// Recv dequeues the next datagram, blocking up to timeout (<=0 blocks
// forever). It returns tools.TMO on timeout.
func (s *Socket) Recv(timeout time.Duration) (Addr, []byte, error) {
	d, err := s.recv.Recv(timeout)
	if err != nil {
		return Addr{}, nil, err
	}
	return d.Peer, d.Payload, nil
}

// SendTo assembles a UDP datagram from payload and hands it to ipv4_out,
// binding an ephemeral local port first if the socket is still unbound.
func (s *Socket) SendTo(peer Addr, payload []byte) tools.Error {
	return s.table.sendTo(s, peer, payload)
}

// Table is the single table of bound UDP sockets for one protocol
// instance, keyed by local port.
//
// Unlike the other protocol tables, sockets bind and close from whatever
// goroutine owns the BSD socket handle, not just the worker, so lookups
// and mutations here need mu rather than worker-exclusive access.
type Table struct {
	mu            sync.Mutex
	pool          *pktbuf.Pool
	stack         *ipv4.Stack
	unreachable   ipv4.UnreachableSender
	sockets       map[uint16]*Socket
	nextEphemeral uint16
}

// NewTable creates a Table that sends through stack and allocates payload
// buffers from pool.
func NewTable(stack *ipv4.Stack, pool *pktbuf.Pool) *Table {
	return &Table{
		pool:          pool,
		stack:         stack,
		sockets:       make(map[uint16]*Socket),
		nextEphemeral: ephemeralLo,
	}
}

// SetUnreachableSender installs the collaborator used to send ICMP
// port-unreachable for datagrams addressed to no bound socket.
func (t *Table) SetUnreachableSender(u ipv4.UnreachableSender) {
	t.unreachable = u
}

// Bind reserves localPort (or an ephemeral one if localPort is 0) for
// localIP (ANY or a specific interface address) and returns the new
// socket. It fails with tools.BUSY if the port is already bound.
func (t *Table) Bind(localIP [4]byte, localPort uint16) (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if localPort == 0 {
		port, err := t.allocEphemeralLocked()
		if err != nil {
			return nil, err
		}
		localPort = port
	} else if _, taken := t.sockets[localPort]; taken {
		return nil, tools.BUSY
	}

	s := &Socket{
		table:     t,
		localIP:   localIP,
		localPort: localPort,
		recv:      fixq.New[Datagram](MaxRecv),
		Wake:      make(chan struct{}, 1),
	}
	t.sockets[localPort] = s
	return s, nil
}

// Close releases s's bound port.
func (t *Table) Close(s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, s.localPort)
}

func (t *Table) allocEphemeralLocked() (uint16, error) {
	for i := 0; i < ephemeralHi-ephemeralLo+1; i++ {
		port := t.nextEphemeral
		t.nextEphemeral++
		if t.nextEphemeral > ephemeralHi {
			t.nextEphemeral = ephemeralLo
		}
		if _, taken := t.sockets[port]; !taken {
			return port, nil
		}
	}
	return 0, tools.BUSY
}

func (t *Table) find(localIP [4]byte, localPort uint16) (*Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sockets[localPort]
	if !ok {
		return nil, false
	}
	if s.localIP != anyIP && s.localIP != localIP {
		return nil, false
	}
	return s, true
}

// In implements ipv4.ProtocolHandler: it validates length and checksum,
// locates the bound socket matching (local_ip, local_port), and queues the
// payload plus peer address for that socket. A datagram matching no
// socket produces an ICMP port-unreachable.
func (t *Table) In(ifc *netif.Interface, src, dst [4]byte, buf *pktbuf.PktBuf) {
	n := buf.TotalSize()
	if n < HeaderLen {
		buf.Free()
		return
	}
	raw := make([]byte, n)
	buf.ResetAcc()
	buf.Read(raw, n)

	srcPort := tools.GetUint16(raw[0:2])
	dstPort := tools.GetUint16(raw[2:4])
	length := int(tools.GetUint16(raw[4:6]))
	if length < HeaderLen || length > n {
		buf.Free()
		return
	}
	checksum := tools.GetUint16(raw[6:8])
	if checksum != 0 {
		sum := tools.PseudoHeaderSum(0, src, dst, ipv4.ProtoUDP, uint16(length))
		sum = tools.ChecksumPartial(sum, raw[:length])
		if tools.ChecksumFinish(sum) != 0 {
			log.Printf("udp: %s: bad checksum from %v:%d", ifc.Name, src, srcPort)
			metrics.UDPDatagramsTotal.WithLabelValues("bad_checksum").Inc()
			buf.Free()
			return
		}
	}

	s, ok := t.find(dst, dstPort)
	if !ok {
		buf.Free()
		metrics.UDPDatagramsTotal.WithLabelValues("no_socket").Inc()
		if t.unreachable != nil {
			offending := raw
			if len(offending) > 8 {
				offending = offending[:8]
			}
			// The IP header is already stripped by the time a
			// ProtocolHandler sees a datagram, so only the first 8 bytes
			// of the UDP datagram (its header) can be echoed here.
			t.unreachable.SendUnreachable(ifc, src, dst, ipv4.ProtoUDP, nil, offending)
		}
		return
	}

	payload := append([]byte{}, raw[HeaderLen:length]...)
	d := Datagram{Peer: Addr{IP: src, Port: srcPort}, Payload: payload}
	if err := s.recv.Send(d); err != nil {
		log.Printf("udp: %s: receive queue full for port %d, dropping", ifc.Name, dstPort)
		metrics.UDPDatagramsTotal.WithLabelValues("queue_full").Inc()
	} else {
		metrics.UDPDatagramsTotal.WithLabelValues("delivered").Inc()
		select {
		case s.Wake <- struct{}{}:
		default:
		}
	}
}

func (t *Table) sendTo(s *Socket, peer Addr, payload []byte) tools.Error {
	t.mu.Lock()
	if s.localPort == 0 {
		port, err := t.allocEphemeralLocked()
		if err != nil {
			t.mu.Unlock()
			return tools.BUSY
		}
		s.localPort = port
		t.sockets[port] = s
	}
	localIP := s.localIP
	localPort := s.localPort
	t.mu.Unlock()

	if localIP == anyIP {
		route, ok := t.stack.Routes.Find(peer.IP)
		if !ok {
			return tools.UNREACH
		}
		localIP = route.Ifc.IP
	}

	raw := make([]byte, HeaderLen+len(payload))
	tools.PutUint16(raw[0:2], localPort)
	tools.PutUint16(raw[2:4], peer.Port)
	tools.PutUint16(raw[4:6], uint16(len(raw)))
	copy(raw[HeaderLen:], payload)
	sum := tools.PseudoHeaderSum(0, localIP, peer.IP, ipv4.ProtoUDP, uint16(len(raw)))
	sum = tools.ChecksumPartial(sum, raw)
	cksum := tools.ChecksumFinish(sum)
	if cksum == 0 {
		cksum = 0xffff
	}
	tools.PutUint16(raw[6:8], cksum)

	buf, err := t.pool.Alloc(len(raw))
	if err != nil {
		return tools.MEM
	}
	buf.Write(raw, len(raw))

	if sendErr := t.stack.Out(ipv4.ProtoUDP, peer.IP, localIP, buf); sendErr != tools.OK {
		metrics.UDPDatagramsTotal.WithLabelValues("send_error").Inc()
		return sendErr
	}
	metrics.UDPDatagramsTotal.WithLabelValues("sent").Inc()
	return tools.OK
}
