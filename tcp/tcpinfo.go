package tcp

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Info is a point-in-time snapshot of one TCB's externally interesting
// counters, shaped for the same CSV/diagnostic export path the stack uses
// elsewhere (gocsv struct tags), but carrying this stack's own state
// instead of a kernel struct tcp_info.
type Info struct {
	State State `csv:"TCP.State"`

	RTO    uint32 `csv:"TCP.RTO"` // microseconds
	RTT    uint32 `csv:"TCP.RTT"`
	RTTVar uint32 `csv:"TCP.RTTVar"`

	SndUna uint32 `csv:"TCP.SndUna"`
	SndNxt uint32 `csv:"TCP.SndNxt"`
	SndWnd uint32 `csv:"TCP.SndWnd"`
	SndBufUsed uint32 `csv:"TCP.SndBufUsed"`

	RcvNxt     uint32 `csv:"TCP.RcvNxt"`
	RcvWnd     uint32 `csv:"TCP.RcvWnd"`
	RcvBufUsed uint32 `csv:"TCP.RcvBufUsed"`

	Retransmits uint32 `csv:"TCP.Retransmits"`
	DupAcks     uint32 `csv:"TCP.DupAcks"`
}

// Snapshot captures tcb's current counters into an Info. Must be called on
// the worker goroutine (the only goroutine that ever touches tcb fields).
func (tcb *TCB) Snapshot() Info {
	return Info{
		State:       tcb.state,
		RTO:         uint32(tcb.rto.Microseconds()),
		RTT:         uint32(tcb.srtt.Microseconds()),
		RTTVar:      uint32(tcb.rttvar.Microseconds()),
		SndUna:      tcb.sndUna,
		SndNxt:      tcb.sndNxt,
		SndWnd:      uint32(tcb.sndWnd),
		SndBufUsed:  uint32(tcb.sndBuf.Len()),
		RcvNxt:      tcb.rcvNxt,
		RcvWnd:      uint32(tcb.rcvWindow()),
		RcvBufUsed:  uint32(tcb.rcvBuf.Len()),
		Retransmits: uint32(tcb.rexmitCnt),
		DupAcks:     uint32(tcb.dupAck),
	}
}

// ConnID identifies one connection by its four-tuple, independent of any
// particular TCB instance, so an archival consumer can recognize the same
// connection across successive snapshots.
type ConnID struct {
	LocalIP, RemoteIP     [4]byte
	LocalPort, RemotePort uint16
}

// Cookie derives a stable identity for id suitable for keying a map or
// sharding work across a pool of workers. It is a content hash, not an
// allocation, so it is stable across process restarts given the same
// four-tuple.
func (id ConnID) Cookie() uint64 {
	var b [12]byte
	copy(b[0:4], id.LocalIP[:])
	copy(b[4:8], id.RemoteIP[:])
	binary.BigEndian.PutUint16(b[8:10], id.LocalPort)
	binary.BigEndian.PutUint16(b[10:12], id.RemotePort)
	return xxhash.Sum64(b[:])
}

// ConnSnapshot pairs a connection's identity and the moment it was
// observed with its counters at that moment.
type ConnSnapshot struct {
	ID        ConnID
	Timestamp time.Time
	Info      Info
}

// Snapshots captures Info for every connection currently tracked by t,
// stamped with now. Must be called on the worker goroutine, the only
// goroutine that ever touches TCB fields.
func (t *Table) Snapshots(now time.Time) []ConnSnapshot {
	out := make([]ConnSnapshot, 0, len(t.conns))
	for _, tcb := range t.conns {
		out = append(out, ConnSnapshot{
			ID: ConnID{
				LocalIP:    tcb.localIP,
				RemoteIP:   tcb.remoteIP,
				LocalPort:  tcb.localPort,
				RemotePort: tcb.remotePort,
			},
			Timestamp: now,
			Info:      tcb.Snapshot(),
		})
	}
	return out
}
