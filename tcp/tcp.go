// Package tcp implements the connection-oriented transport: the TCB table,
// the RFC 793 state machine, window management, and the retransmission/
// persist/keepalive timers that drive a connection's send side.
package tcp

import (
	"time"

	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

// Wire and buffer-sizing constants.
const (
	HeaderLenMin = 20
	DefaultMSS   = 536

	SndBufSize = 10240
	RcvBufSize = 10240

	SynRetries       = 5
	DupThresh        = 3
	PersistRetries   = 10
	PersistTMO       = time.Second
	ResendingRetries = 20
	MSL              = 5 * time.Second // 2*MSL is the TIME_WAIT hold

	InitRTO = time.Second
	RTOMin  = 200 * time.Millisecond
	RTOMax  = 60 * time.Second

	KeepIdleDefault  = 7200 * time.Second
	KeepIntvlDefault = 75 * time.Second
	KeepCntDefault   = 10
)

// TCP header flag bits.
const (
	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagPSH = 1 << 3
	flagACK = 1 << 4
	flagURG = 1 << 5
)

// WakeMask identifies which per-socket wait(s) to signal.
type WakeMask int

const (
	WakeRead WakeMask = 1 << iota
	WakeWrite
	WakeConn
)

// Waiter is implemented by the socket layer so protocol code can wake a
// blocked application call without depending on the socket package
// directly (it is the socket layer that depends on tcp, not vice versa).
type Waiter interface {
	Wake(mask WakeMask, err tools.Error)
}

// connFlags are internal per-connection bits, distinct from wire flags.
type connFlags uint16

const (
	flagSynOut connFlags = 1 << iota
	flagFinIn
	flagFinOut
	flagFinSent
	flagIrsValid
	flagRTOGoing
	flagKeepEnable
	flagInactive
)

// outputState is the send-path state machine driving one TCB's
// retransmission behavior.
type outputState int

const (
	oIDLE outputState = iota
	oSENDING
	oREXMIT
	oPERSIST
)

func (s outputState) String() string {
	switch s {
	case oIDLE:
		return "IDLE"
	case oSENDING:
		return "SENDING"
	case oREXMIT:
		return "REXMIT"
	case oPERSIST:
		return "PERSIST"
	default:
		return "UNKNOWN"
	}
}

// Table is the set of live TCBs for one protocol instance: every
// established/listening connection, keyed for the lookup precedence in
// lookup (exact 4-tuple, then listener match).
type Table struct {
	pool  *pktbuf.Pool
	stack *ipv4.Stack
	wheel *timer.Wheel

	conns         map[fourTuple]*TCB
	nextEphemeral uint16
}

const (
	ephemeralLo = 49152
	ephemeralHi = 65535
)

type fourTuple struct {
	localIP, remoteIP     [4]byte
	localPort, remotePort uint16
}

// NewTable creates an empty TCP connection table.
func NewTable(stack *ipv4.Stack, pool *pktbuf.Pool, wheel *timer.Wheel) *Table {
	return &Table{
		pool:          pool,
		stack:         stack,
		wheel:         wheel,
		conns:         make(map[fourTuple]*TCB),
		nextEphemeral: ephemeralLo,
	}
}

func (t *Table) localPortInUse(port uint16) bool {
	for k := range t.conns {
		if k.localPort == port {
			return true
		}
	}
	return false
}

// AllocEphemeral returns an unused local port in the ephemeral range. It
// must only be called from the worker goroutine.
func (t *Table) AllocEphemeral() (uint16, tools.Error) {
	for i := 0; i < ephemeralHi-ephemeralLo+1; i++ {
		port := t.nextEphemeral
		t.nextEphemeral++
		if t.nextEphemeral > ephemeralHi {
			t.nextEphemeral = ephemeralLo
		}
		if !t.localPortInUse(port) {
			return port, tools.OK
		}
	}
	return 0, tools.BUSY
}

func (t *Table) lookup(local, remote [4]byte, localPort, remotePort uint16) (*TCB, bool) {
	if tcb, ok := t.conns[fourTuple{local, remote, localPort, remotePort}]; ok {
		return tcb, true
	}
	// Listener match: local_ip in {ANY, dst}, remote wildcarded, state LISTEN.
	for _, candidate := range []fourTuple{
		{anyIP, [4]byte{}, localPort, 0},
		{local, [4]byte{}, localPort, 0},
	} {
		if tcb, ok := t.conns[candidate]; ok && tcb.state == LISTEN {
			return tcb, true
		}
	}
	return nil, false
}

var anyIP = [4]byte{}

func (t *Table) insert(tcb *TCB) {
	t.conns[fourTuple{tcb.localIP, tcb.remoteIP, tcb.localPort, tcb.remotePort}] = tcb
}

func (t *Table) remove(tcb *TCB) {
	delete(t.conns, fourTuple{tcb.localIP, tcb.remoteIP, tcb.localPort, tcb.remotePort})
}

// NewListener creates a TCB in LISTEN state bound to (localIP, localPort)
// with the given accept backlog capacity.
func (t *Table) NewListener(localIP [4]byte, localPort uint16, backlog int) (*TCB, error) {
	key := fourTuple{localIP, [4]byte{}, localPort, 0}
	if _, taken := t.conns[key]; taken {
		return nil, tools.BUSY
	}
	tcb := t.newTCB(localIP, [4]byte{}, localPort, 0)
	tcb.setState(LISTEN)
	tcb.acceptCap = backlog
	t.insert(tcb)
	return tcb, nil
}

// NewActive creates a TCB and begins an active open (SYN_SENT) to
// (remoteIP, remotePort) from (localIP, localPort).
func (t *Table) NewActive(localIP, remoteIP [4]byte, localPort, remotePort uint16) (*TCB, tools.Error) {
	key := fourTuple{localIP, remoteIP, localPort, remotePort}
	if _, taken := t.conns[key]; taken {
		return nil, tools.BUSY
	}
	tcb := t.newTCB(localIP, remoteIP, localPort, remotePort)
	t.insert(tcb)
	tcb.startActiveOpen()
	return tcb, tools.OK
}

func (t *TCB) rcvWindow() int { return t.rcvBuf.Free() }

// In implements ipv4.ProtocolHandler: it parses the segment, locates the
// owning TCB (or a listener), and drives input for that connection.
func (t *Table) In(ifc *netif.Interface, src, dst [4]byte, buf *pktbuf.PktBuf) {
	seg, ok := parseSegment(src, dst, buf)
	if !ok {
		buf.Free()
		return
	}
	metrics.TCPSegmentsTotal.WithLabelValues("in").Inc()
	tcb, found := t.lookup(dst, src, seg.dstPort, seg.srcPort)
	if !found {
		if seg.flags&flagRST == 0 {
			t.sendRST(ifc, dst, src, seg)
		}
		return
	}
	tcb.ifc = ifc
	tcb.input(seg)
}
