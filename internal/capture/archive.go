package capture

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/m-lab/netstack/tcp"
	"github.com/m-lab/netstack/zstd"
)

// newArchiveWriter opens filename and returns a WriteCloser that pipes
// every write through an external zstd process before it reaches disk.
// Close() blocks until the compressor has flushed and exited.
func newArchiveWriter(filename string) (io.WriteCloser, error) {
	return zstd.NewWriter(filename)
}

// newArchiveReader opens a reader piped from an external zstd decompression
// of filename. Intended for tests and offline inspection tools, not the
// write path.
func newArchiveReader(filename string) io.ReadCloser {
	return zstd.NewReader(filename)
}

// ReadFile decompresses and decodes every record in an archive file written
// by a Saver, in the order they were written.
func ReadFile(filename string) ([]tcp.ConnSnapshot, error) {
	r := newArchiveReader(filename)
	defer r.Close()
	return readRecords(r)
}

func readRecords(r io.Reader) ([]tcp.ConnSnapshot, error) {
	br := bufio.NewReader(r)
	var snaps []tcp.ConnSnapshot
	for {
		size, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return snaps, nil
		}
		if err != nil {
			return snaps, err
		}
		wire := make([]byte, size)
		if _, err := io.ReadFull(br, wire); err != nil {
			return snaps, err
		}
		rec, err := unmarshal(wire)
		if err != nil {
			return snaps, err
		}
		snaps = append(snaps, recordToSnapshot(rec))
	}
}

func recordToSnapshot(rec *Record) tcp.ConnSnapshot {
	return tcp.ConnSnapshot{
		ID: tcp.ConnID{
			LocalIP:    uint32ToIP(rec.LocalIp),
			RemoteIP:   uint32ToIP(rec.RemoteIp),
			LocalPort:  uint16(rec.LocalPort),
			RemotePort: uint16(rec.RemotePort),
		},
		Timestamp: time.Unix(0, rec.TimestampUnixNano),
		Info: tcp.Info{
			State:       tcp.State(rec.State),
			RTO:         rec.Rto,
			RTT:         rec.Rtt,
			RTTVar:      rec.RttVar,
			SndUna:      rec.SndUna,
			SndNxt:      rec.SndNxt,
			SndWnd:      rec.SndWnd,
			SndBufUsed:  rec.SndBufUsed,
			RcvNxt:      rec.RcvNxt,
			RcvWnd:      rec.RcvWnd,
			RcvBufUsed:  rec.RcvBufUsed,
			Retransmits: rec.Retransmits,
			DupAcks:     rec.DupAcks,
		},
	}
}
