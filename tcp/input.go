package tcp

import (
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

// sendRST answers a segment matching no TCB: RST with seq = the segment's
// ack (if ACK was set) or 0, acking seq+seqLen otherwise, per RFC 793 §3.4.
func (t *Table) sendRST(ifc *netif.Interface, local, remote [4]byte, seg segment) {
	var seq, ack uint32
	var flags byte = flagRST
	if seg.flags&flagACK != 0 {
		seq = seg.ack
	} else {
		flags |= flagACK
		ack = seg.seq + seg.seqLen
	}
	buf, err := buildSegment(t.pool, local, remote, seg.dstPort, seg.srcPort, seq, ack, flags, 0, DefaultMSS, nil)
	if err != nil {
		return
	}
	metrics.TCPSegmentsTotal.WithLabelValues("out").Inc()
	t.stack.Out(ipv4.ProtoTCP, remote, local, buf)
}

// input dispatches an inbound segment for tcb's current state.
func (tcb *TCB) input(seg segment) {
	if seg.flags&flagRST != 0 {
		tcb.handleReset(seg)
		return
	}
	switch tcb.state {
	case LISTEN:
		tcb.inputListen(seg)
	case SYN_SENT:
		tcb.inputSynSent(seg)
	case CLOSED:
		// TCB exists transiently during teardown; ignore stragglers.
	default:
		tcb.inputGeneral(seg)
	}
}

func (tcb *TCB) handleReset(seg segment) {
	switch tcb.state {
	case LISTEN, CLOSED:
		return
	case SYN_SENT:
		if seg.ack != tcb.sndNxt {
			return
		}
		tcb.abort(tools.REFUSED)
	default:
		tcb.abort(tools.CLOSE)
	}
}

func (tcb *TCB) inputListen(seg segment) {
	if seg.flags&flagSYN == 0 {
		return
	}
	child := tcb.table.newTCB(seg.localIP, seg.remoteIP, seg.dstPort, seg.srcPort)
	child.parent = tcb
	child.ifc = tcb.ifc
	child.rcvIss = seg.seq
	child.rcvNxt = seg.seq + 1
	child.flags |= flagIrsValid
	child.sndIss = randomISS()
	child.sndUna = child.sndIss
	child.sndNxt = child.sndIss + 1
	child.mss = minUint16(seg.mss, DefaultMSS)
	child.sndWnd = seg.window
	child.sndWL1 = seg.seq
	child.setState(SYN_RECV)
	metrics.TCPConnectionsTotal.WithLabelValues("passive_open").Inc()
	tcb.table.insert(child)
	child.sendControl(flagSYN|flagACK, child.sndIss)
	child.armRTO()
}

func (tcb *TCB) inputSynSent(seg segment) {
	if seg.flags&flagACK != 0 {
		if seg.ack != tcb.sndNxt {
			return // unacceptable ACK for our SYN; RFC 793 would RST here
		}
	}
	if seg.flags&flagSYN == 0 {
		return
	}
	tcb.rcvIss = seg.seq
	tcb.rcvNxt = seg.seq + 1
	tcb.flags |= flagIrsValid
	tcb.mss = minUint16(seg.mss, DefaultMSS)

	if seg.flags&flagACK != 0 {
		tcb.sndUna = seg.ack
		tcb.sndWnd = seg.window
		tcb.sndWL1 = seg.seq
		tcb.sndWL2 = seg.ack
		tcb.cancelRTO()
		tcb.setState(ESTABLISHED)
		metrics.TCPConnectionsTotal.WithLabelValues("established").Inc()
		tcb.sendControl(flagACK, tcb.sndNxt)
		tcb.wake(WakeConn, tools.OK)
		return
	}
	// Simultaneous open: SYN with no ACK.
	tcb.setState(SYN_RECV)
	tcb.sendControl(flagSYN|flagACK, tcb.sndIss)
}

func (tcb *TCB) inputGeneral(seg segment) {
	if !tcb.acceptable(seg) {
		if seg.flags&flagRST == 0 {
			tcb.sendControl(flagACK, tcb.sndNxt)
		}
		return
	}

	if seg.flags&flagACK != 0 {
		tcb.processAck(seg)
	}

	switch tcb.state {
	case SYN_RECV:
		if seg.flags&flagACK != 0 && seg.ack == tcb.sndNxt {
			tcb.setState(ESTABLISHED)
			metrics.TCPConnectionsTotal.WithLabelValues("established").Inc()
			if tcb.parent != nil {
				tcb.parent.acceptQ = append(tcb.parent.acceptQ, tcb)
				tcb.parent.wake(WakeConn, tools.OK)
			}
		}
	case FIN_WAIT1:
		if tcb.flags&flagFinOut != 0 && tcb.sndUna == tcb.sndNxt {
			tcb.setState(FIN_WAIT2)
		}
	case CLOSING:
		if tcb.flags&flagFinOut != 0 && tcb.sndUna == tcb.sndNxt {
			tcb.enterTimeWait()
		}
	case LAST_ACK:
		if tcb.flags&flagFinOut != 0 && tcb.sndUna == tcb.sndNxt {
			tcb.abort(tools.OK)
			return
		}
	}

	tcb.processData(seg)

	if seg.flags&flagFIN != 0 {
		tcb.processFin()
	}
}

// acceptable implements the RFC 793 §3.3 acceptability test: the segment's
// sequence range must overlap [rcv.nxt, rcv.nxt+rcv.wnd).
func (tcb *TCB) acceptable(seg segment) bool {
	wnd := uint32(tcb.rcvWindow())
	if seg.seqLen == 0 {
		if wnd == 0 {
			return seg.seq == tcb.rcvNxt
		}
		return seqInWindow(seg.seq, tcb.rcvNxt, wnd)
	}
	if wnd == 0 {
		return false
	}
	return seqInWindow(seg.seq, tcb.rcvNxt, wnd) ||
		seqInWindow(seg.seq+seg.seqLen-1, tcb.rcvNxt, wnd)
}

func seqInWindow(seq, start, size uint32) bool {
	return seq-start < size
}

func (tcb *TCB) processAck(seg segment) {
	if seqGT(seg.ack, tcb.sndNxt) {
		tcb.sendControl(flagACK, tcb.sndNxt) // ACKs something not yet sent
		return
	}
	if seqLE(seg.ack, tcb.sndUna) {
		if seg.ack == tcb.sndUna && seg.seqLen == 0 && seg.window == tcb.sndWnd {
			tcb.dupAck++
			if tcb.dupAck >= DupThresh && tcb.oState == oSENDING {
				tcb.fastRetransmit()
			}
		}
	} else {
		acked := seg.ack - tcb.sndUna
		tcb.sndBuf.Discard(int(acked))
		tcb.sndUna = seg.ack
		tcb.dupAck = 0
		tcb.wake(WakeWrite, tools.OK)
		if tcb.rttValid && seqGE(seg.ack, tcb.rttSeq) {
			tcb.sampleRTT()
		}
		if tcb.sndUna == tcb.sndNxt {
			tcb.cancelRTO()
			if tcb.oState != oPERSIST {
				tcb.oState = oIDLE
			}
		} else {
			tcb.armRTO()
		}
	}

	// Window update acceptance (RFC 793 §3.9, "SND.UNA < SEG.ACK =< SND.NXT"
	// combined with the stale-update guard on (wl1, wl2)).
	if seqLT(tcb.sndWL1, seg.seq) || (tcb.sndWL1 == seg.seq && seqLE(tcb.sndWL2, seg.ack)) {
		tcb.sndWnd = seg.window
		tcb.sndWL1 = seg.seq
		tcb.sndWL2 = seg.ack
		if tcb.sndWnd > 0 && tcb.oState == oPERSIST {
			tcb.oState = oIDLE
			tcb.persistCnt = 0
			tcb.cancelRTO()
		}
	}

	tcb.kickSend()
}

func (tcb *TCB) processData(seg segment) {
	if len(seg.payload) == 0 {
		return
	}
	if seg.seq != tcb.rcvNxt {
		// Out-of-order: no reassembly, drop and re-ACK current state.
		tcb.sendControl(flagACK, tcb.sndNxt)
		return
	}
	n := tcb.rcvBuf.Write(seg.payload)
	tcb.rcvNxt += uint32(n)
	tcb.sendControl(flagACK, tcb.sndNxt)
	tcb.wake(WakeRead, tools.OK)
}

func (tcb *TCB) processFin() {
	if tcb.flags&flagFinIn != 0 {
		return
	}
	tcb.flags |= flagFinIn
	tcb.rcvNxt++
	tcb.sendControl(flagACK, tcb.sndNxt)
	switch tcb.state {
	case ESTABLISHED:
		tcb.setState(CLOSE_WAIT)
	case FIN_WAIT1:
		tcb.setState(CLOSING)
	case FIN_WAIT2:
		tcb.enterTimeWait()
	}
	tcb.wake(WakeRead, tools.EOF)
}

func (tcb *TCB) enterTimeWait() {
	tcb.setState(TIME_WAIT)
	tcb.cancelTimers()
	t, err := tcb.table.wheel.Add("tcp-time-wait", func(arg any) {
		arg.(*TCB).abort(tools.OK)
	}, tcb, (2 * MSL).Milliseconds(), timer.OneShot)
	if err == nil {
		tcb.timeWaitTimer = t
	}
}

func minUint16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
