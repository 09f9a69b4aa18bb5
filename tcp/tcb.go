package tcp

import (
	"math/rand"
	"time"

	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

// TCB is one TCP connection's control block: identity, state, and the send
// and receive sides' buffers, sequence variables, and timers.
type TCB struct {
	table *Table
	ifc   *netif.Interface

	localIP, remoteIP     [4]byte
	localPort, remotePort uint16

	state State
	flags connFlags

	waiters Waiter // set by the socket layer; nil in standalone tests

	// Listener bookkeeping (only meaningful when state can be LISTEN or
	// this TCB is a SYN_RECVD child awaiting its parent's accept).
	parent      *TCB
	acceptQ     []*TCB
	acceptCap   int

	// Send side.
	sndBuf     *ring
	sndUna     uint32
	sndNxt     uint32
	sndIss     uint32
	sndWnd     uint16
	sndWL1     uint32
	sndWL2     uint32
	mss        uint16
	oState     outputState
	outTimer   *timer.Timer
	rexmitCnt  int
	persistCnt int
	dupAck     int
	lastAckSeq uint32

	rttSeq   uint32
	rttStart time.Time
	rttValid bool
	srtt     time.Duration
	rttvar   time.Duration
	rto      time.Duration

	// Receive side.
	rcvBuf   *ring
	rcvNxt   uint32
	rcvIss   uint32

	// Keepalive.
	keepIdle   time.Duration
	keepIntvl  time.Duration
	keepCnt    int
	keepRetry  int
	keepTimer  *timer.Timer

	timeWaitTimer *timer.Timer
}

func (t *Table) newTCB(localIP, remoteIP [4]byte, localPort, remotePort uint16) *TCB {
	return &TCB{
		table:     t,
		localIP:   localIP,
		remoteIP:  remoteIP,
		localPort: localPort,
		remotePort: remotePort,
		state:     INVALID,
		sndBuf:    newRing(SndBufSize),
		rcvBuf:    newRing(RcvBufSize),
		mss:       DefaultMSS,
		rto:       InitRTO,
		keepIdle:  KeepIdleDefault,
		keepIntvl: KeepIntvlDefault,
		keepCnt:   KeepCntDefault,
	}
}

// SetWaiter installs the socket layer's wake collaborator.
func (tcb *TCB) SetWaiter(w Waiter) { tcb.waiters = w }

// setState moves tcb to s, keeping the per-state connection gauge in sync.
func (tcb *TCB) setState(s State) {
	if tcb.state != INVALID {
		metrics.TCPCurrentConnections.WithLabelValues(tcb.state.String()).Dec()
	}
	tcb.state = s
	metrics.TCPCurrentConnections.WithLabelValues(s.String()).Inc()
}

func (tcb *TCB) wake(mask WakeMask, err tools.Error) {
	if tcb.waiters != nil {
		tcb.waiters.Wake(mask, err)
	}
}

func randomISS() uint32 {
	return rand.Uint32()
}

// startActiveOpen sends the initial SYN and enters SYN_SENT.
func (tcb *TCB) startActiveOpen() {
	tcb.sndIss = randomISS()
	tcb.sndUna = tcb.sndIss
	tcb.sndNxt = tcb.sndIss + 1
	tcb.setState(SYN_SENT)
	metrics.TCPConnectionsTotal.WithLabelValues("active_open").Inc()
	tcb.sendControl(flagSYN, tcb.sndIss)
	tcb.armRTO()
}

// sendControl emits a pure control segment (no payload) carrying flags,
// current ack (rcv.nxt, or 0 before one is known), and the advertised
// receive window.
func (tcb *TCB) sendControl(flags byte, seq uint32) {
	ack := uint32(0)
	if flags&flagACK != 0 || tcb.flags&flagIrsValid != 0 {
		ack = tcb.rcvNxt
	}
	buf, err := buildSegment(tcb.table.pool, tcb.localIP, tcb.remoteIP, tcb.localPort, tcb.remotePort,
		seq, ack, flags, uint16(tcb.rcvWindow()), tcb.mss, nil)
	if err != nil {
		return
	}
	metrics.TCPSegmentsTotal.WithLabelValues("out").Inc()
	tcb.table.stack.Out(ipv4.ProtoTCP, tcb.remoteIP, tcb.localIP, buf)
}

// Listen transitions a bound-but-unconnected listener; NewListener already
// puts a fresh TCB directly into LISTEN, so this exists for symmetry with
// the socket layer's call sequence (bind, then listen).
func (tcb *TCB) Listen(backlog int) {
	tcb.setState(LISTEN)
	tcb.acceptCap = backlog
}

// Accept pops the oldest fully-established child, or returns (nil, false)
// if none are waiting.
func (tcb *TCB) Accept() (*TCB, bool) {
	if len(tcb.acceptQ) == 0 {
		return nil, false
	}
	child := tcb.acceptQ[0]
	tcb.acceptQ = tcb.acceptQ[1:]
	return child, true
}

// Close begins the active-close sequence: queue a FIN and move to
// FIN_WAIT_1 (or straight to LAST_ACK from CLOSE_WAIT).
func (tcb *TCB) Close() tools.Error {
	switch tcb.state {
	case ESTABLISHED:
		tcb.flags |= flagFinOut
		tcb.setState(FIN_WAIT1)
		tcb.sendFINIfReady()
	case CLOSE_WAIT:
		tcb.flags |= flagFinOut
		tcb.setState(LAST_ACK)
		tcb.sendFINIfReady()
	case SYN_SENT, LISTEN:
		tcb.abort(tools.OK)
	default:
		return tools.STATE
	}
	return tools.OK
}

// abort tears down the TCB immediately (RST path or local close before any
// data exchange) and removes it from the table.
func (tcb *TCB) abort(err tools.Error) {
	tcb.cancelTimers()
	tcb.wake(WakeRead|WakeWrite|WakeConn, err)
	if err == tools.REFUSED || err == tools.CLOSE {
		metrics.TCPConnectionsTotal.WithLabelValues("reset").Inc()
	}
	if tcb.state != INVALID {
		metrics.TCPCurrentConnections.WithLabelValues(tcb.state.String()).Dec()
	}
	tcb.state = CLOSED
	metrics.TCPConnectionsTotal.WithLabelValues("closed").Inc()
	tcb.table.remove(tcb)
}

func (tcb *TCB) cancelTimers() {
	if tcb.outTimer != nil {
		tcb.table.wheel.Remove(tcb.outTimer)
		tcb.outTimer = nil
	}
	if tcb.keepTimer != nil {
		tcb.table.wheel.Remove(tcb.keepTimer)
		tcb.keepTimer = nil
	}
	if tcb.timeWaitTimer != nil {
		tcb.table.wheel.Remove(tcb.timeWaitTimer)
		tcb.timeWaitTimer = nil
	}
}

// Write queues up to len(p) application bytes for transmission and kicks
// the send-path state machine; it returns the number of bytes actually
// accepted (bounded by free space in the send ring).
func (tcb *TCB) Write(p []byte) (int, tools.Error) {
	if tcb.state != ESTABLISHED && tcb.state != CLOSE_WAIT {
		return 0, tools.STATE
	}
	n := tcb.sndBuf.Write(p)
	tcb.kickSend()
	return n, tools.OK
}

// Read drains up to len(p) bytes from the receive ring, returning
// tools.NONE if nothing is available and no FIN has arrived (this includes
// a connection torn down by a RST), or tools.EOF once both the ring is
// empty and a FIN has arrived.
func (tcb *TCB) Read(p []byte) (int, tools.Error) {
	n := tcb.rcvBuf.Read(p)
	if n > 0 {
		return n, tools.OK
	}
	if tcb.flags&flagFinIn != 0 {
		return 0, tools.EOF
	}
	return 0, tools.NONE
}
