package capture

import "github.com/m-lab/netstack/tcp"

// ChangeType classifies why a connection's latest Info is worth archiving,
// ranked from least to most significant.
type ChangeType int

const (
	// NoChange means nothing worth recording moved since the last sample.
	NoChange ChangeType = iota
	// CounterChange means a send/receive/retransmit counter advanced.
	CounterChange
	// StateChange means the connection moved to a different TCP state.
	StateChange
)

// Compare reports the most significant difference between two Info
// snapshots of the same connection. Fields that change on essentially
// every sample regardless of activity (RTO/RTT estimates, the advertised
// window) are deliberately excluded: a connection sitting idle in
// ESTABLISHED shouldn't produce a file write every tick just because its
// RTT estimate jittered.
func Compare(previous, current tcp.Info) ChangeType {
	if previous.State != current.State {
		return StateChange
	}
	if previous.SndNxt != current.SndNxt ||
		previous.RcvNxt != current.RcvNxt ||
		previous.SndUna != current.SndUna ||
		previous.Retransmits != current.Retransmits ||
		previous.DupAcks != current.DupAcks {
		return CounterChange
	}
	return NoChange
}
