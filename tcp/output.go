package tcp

import (
	"time"

	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

// timerFire is the single callback registered for tcb.outTimer: it
// dispatches to the retransmit or persist handler depending on which
// output state armed the timer.
func timerFire(arg any) {
	tcb := arg.(*TCB)
	tcb.outTimer = nil
	if tcb.oState == oPERSIST {
		tcb.onPersist()
	} else {
		tcb.onRTO()
	}
}

func (tcb *TCB) armTimerAt(d time.Duration) {
	if tcb.outTimer != nil {
		tcb.table.wheel.Remove(tcb.outTimer)
		tcb.outTimer = nil
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	t, err := tcb.table.wheel.Add("tcp-output", timerFire, tcb, ms, timer.OneShot)
	if err == nil {
		tcb.outTimer = t
	}
}

func (tcb *TCB) armRTO() {
	tcb.armTimerAt(tcb.rto)
}

func (tcb *TCB) cancelRTO() {
	if tcb.outTimer != nil {
		tcb.table.wheel.Remove(tcb.outTimer)
		tcb.outTimer = nil
	}
}

// sendDataSegment builds and emits one segment carrying flags/payload at
// seq, acking the current rcv.nxt and advertising the current window.
func (tcb *TCB) sendDataSegment(seq uint32, flags byte, payload []byte) {
	buf, err := buildSegment(tcb.table.pool, tcb.localIP, tcb.remoteIP, tcb.localPort, tcb.remotePort,
		seq, tcb.rcvNxt, flags, uint16(tcb.rcvWindow()), tcb.mss, payload)
	if err != nil {
		return
	}
	metrics.TCPSegmentsTotal.WithLabelValues("out").Inc()
	tcb.table.stack.Out(ipv4.ProtoTCP, tcb.remoteIP, tcb.localIP, buf)
}

// kickSend is the IDLE/SENDING/PERSIST orchestrator (RFC 793's output side
// collapsed into one driver invoked after every event that might free
// window or queue new data): it computes how much of the send ring can
// move given the peer's advertised window and in-flight bytes, emits one
// segment, and arms the retransmission timer.
func (tcb *TCB) kickSend() {
	if tcb.oState == oPERSIST || tcb.oState == oREXMIT {
		return
	}
	inFlight := int(tcb.sndNxt - tcb.sndUna)
	if tcb.sndWnd == 0 && tcb.sndBuf.Len() > inFlight {
		tcb.enterPersist()
		return
	}
	effWindow := int(tcb.sndWnd) - inFlight
	avail := tcb.sndBuf.Len() - inFlight
	if effWindow > 0 && avail > 0 {
		send := avail
		if send > effWindow {
			send = effWindow
		}
		if send > int(tcb.mss) {
			send = int(tcb.mss)
		}
		payload := make([]byte, send)
		tcb.sndBuf.Peek(payload, inFlight)
		seq := tcb.sndNxt
		tcb.sendDataSegment(seq, flagACK, payload)
		tcb.sndNxt += uint32(send)
		if tcb.oState == oIDLE {
			tcb.oState = oSENDING
		}
		tcb.rttSeq = seq
		tcb.rttStart = time.Now()
		tcb.rttValid = true
		tcb.armRTO()
	}
	tcb.maybeSendFIN()
}

// sendFINIfReady is the entry point from Close(): send a FIN immediately
// if the send ring is already empty, otherwise it will go out once kickSend
// drains the remaining data.
func (tcb *TCB) sendFINIfReady() {
	tcb.maybeSendFIN()
}

func (tcb *TCB) maybeSendFIN() {
	if tcb.flags&flagFinOut == 0 || tcb.flags&flagFinSent != 0 {
		return
	}
	inFlight := int(tcb.sndNxt - tcb.sndUna)
	if tcb.sndBuf.Len() > inFlight {
		return
	}
	tcb.sendDataSegment(tcb.sndNxt, flagACK|flagFIN, nil)
	tcb.sndNxt++
	tcb.flags |= flagFinSent
	if tcb.oState == oIDLE {
		tcb.oState = oSENDING
	}
	tcb.armRTO()
}

// fastRetransmit resends the segment at snd.una without waiting for RTO,
// triggered by three duplicate ACKs.
func (tcb *TCB) fastRetransmit() {
	metrics.TCPRetransmitsTotal.WithLabelValues("fast").Inc()
	tcb.dupAck = 0
	tcb.retransmitUna()
}

func (tcb *TCB) retransmitUna() {
	switch tcb.state {
	case SYN_SENT:
		tcb.sendControl(flagSYN, tcb.sndIss)
		return
	case SYN_RECV:
		tcb.sendControl(flagSYN|flagACK, tcb.sndIss)
		return
	}
	dataInFlight := tcb.sndBuf.Len()
	if dataInFlight > int(tcb.mss) {
		dataInFlight = int(tcb.mss)
	}
	if dataInFlight > 0 {
		payload := make([]byte, dataInFlight)
		tcb.sndBuf.Peek(payload, 0)
		tcb.sendDataSegment(tcb.sndUna, flagACK, payload)
		return
	}
	if tcb.flags&flagFinSent != 0 {
		tcb.sendDataSegment(tcb.sndNxt-1, flagACK|flagFIN, nil)
	}
}

// onRTO fires when no ACK arrived within rto: retransmit, back off, and
// abort the connection once the retry budget is exhausted.
func (tcb *TCB) onRTO() {
	tcb.rexmitCnt++
	if tcb.rexmitCnt > ResendingRetries {
		tcb.sendControl(flagRST, tcb.sndNxt)
		tcb.abort(tools.TMO)
		return
	}
	metrics.TCPRetransmitsTotal.WithLabelValues("rto").Inc()
	tcb.oState = oREXMIT
	tcb.retransmitUna()
	tcb.rto *= 2
	if tcb.rto > RTOMax {
		tcb.rto = RTOMax
	}
	tcb.rttValid = false // Karn's algorithm: no RTT sample off a retransmit
	tcb.oState = oSENDING
	tcb.armTimerAt(tcb.rto)
}

// enterPersist arms the zero-window probe cycle.
func (tcb *TCB) enterPersist() {
	tcb.oState = oPERSIST
	tcb.persistCnt = 0
	tcb.armTimerAt(PersistTMO)
}

func (tcb *TCB) onPersist() {
	tcb.persistCnt++
	if tcb.persistCnt > PersistRetries {
		tcb.sendControl(flagRST, tcb.sndNxt)
		tcb.abort(tools.TMO)
		return
	}
	inFlight := int(tcb.sndNxt - tcb.sndUna)
	if tcb.sndBuf.Len() > inFlight {
		probe := make([]byte, 1)
		tcb.sndBuf.Peek(probe, inFlight)
		tcb.sendDataSegment(tcb.sndNxt, flagACK, probe)
		tcb.sndNxt++
	} else {
		tcb.sendControl(flagACK, tcb.sndNxt-1)
	}
	tcb.armTimerAt(PersistTMO)
}

// sampleRTT applies Jacobson/Karn estimation from the latest unambiguous
// RTT sample (rttSeq acked with no intervening retransmit).
func (tcb *TCB) sampleRTT() {
	m := time.Since(tcb.rttStart)
	metrics.TCPRTTHistogram.Observe(m.Seconds())
	tcb.rttValid = false
	if tcb.srtt == 0 {
		tcb.srtt = m
		tcb.rttvar = m / 2
	} else {
		diff := tcb.srtt - m
		if diff < 0 {
			diff = -diff
		}
		tcb.rttvar = tcb.rttvar*3/4 + diff/4
		tcb.srtt = tcb.srtt*7/8 + m/8
	}
	tcb.rto = tcb.srtt + 4*tcb.rttvar
	if tcb.rto < RTOMin {
		tcb.rto = RTOMin
	}
	if tcb.rto > RTOMax {
		tcb.rto = RTOMax
	}
}

// EnableKeepalive arms the idle timer for a connection that has gone
// keep_idle seconds without any traffic.
func (tcb *TCB) EnableKeepalive(idle, intvl time.Duration, cnt int) {
	tcb.flags |= flagKeepEnable
	tcb.keepIdle, tcb.keepIntvl, tcb.keepCnt = idle, intvl, cnt
	tcb.armKeepaliveIdle()
}

func (tcb *TCB) armKeepaliveIdle() {
	if tcb.keepTimer != nil {
		tcb.table.wheel.Remove(tcb.keepTimer)
	}
	tcb.keepRetry = 0
	t, err := tcb.table.wheel.Add("tcp-keepalive", func(arg any) {
		arg.(*TCB).onKeepaliveFire()
	}, tcb, tcb.keepIdle.Milliseconds(), timer.OneShot)
	if err == nil {
		tcb.keepTimer = t
	}
}

func (tcb *TCB) onKeepaliveFire() {
	tcb.keepTimer = nil
	tcb.keepRetry++
	if tcb.keepRetry > tcb.keepCnt {
		tcb.sendControl(flagRST, tcb.sndNxt)
		tcb.abort(tools.TMO)
		return
	}
	tcb.sendDataSegment(tcb.sndUna-1, flagACK, nil)
	t, err := tcb.table.wheel.Add("tcp-keepalive", func(arg any) {
		arg.(*TCB).onKeepaliveFire()
	}, tcb, tcb.keepIntvl.Milliseconds(), timer.OneShot)
	if err == nil {
		tcb.keepTimer = t
	}
}
