package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/tcp"
)

// ErrNoMarshallers is returned when a Saver was constructed with zero
// marshalling goroutines.
var ErrNoMarshallers = errors.New("capture: saver has zero marshallers")

// Task is one unit of marshalling work: either a snapshot to encode and
// append to Writer, or (when Valid is false) a request to close Writer
// because the connection ended or its file rotated.
type Task struct {
	Snapshot tcp.ConnSnapshot
	Valid    bool
	Writer   io.WriteCloser
}

// marshalChan is a channel of marshalling tasks, sharded across a pool of
// goroutines so one slow zstd process can't stall every connection.
type marshalChan chan<- Task

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for task := range taskChan {
		if !task.Valid {
			task.Writer.Close()
			continue
		}
		snap := task.Snapshot
		rec := &Record{
			LocalIp:           ipToUint32(snap.ID.LocalIP),
			RemoteIp:          ipToUint32(snap.ID.RemoteIP),
			LocalPort:         uint32(snap.ID.LocalPort),
			RemotePort:        uint32(snap.ID.RemotePort),
			TimestampUnixNano: snap.Timestamp.UnixNano(),
			State:             uint32(snap.Info.State),
			Rto:               snap.Info.RTO,
			Rtt:               snap.Info.RTT,
			RttVar:            snap.Info.RTTVar,
			SndUna:            snap.Info.SndUna,
			SndNxt:            snap.Info.SndNxt,
			SndWnd:            snap.Info.SndWnd,
			SndBufUsed:        snap.Info.SndBufUsed,
			RcvNxt:            snap.Info.RcvNxt,
			RcvWnd:            snap.Info.RcvWnd,
			RcvBufUsed:        snap.Info.RcvBufUsed,
			Retransmits:       snap.Info.Retransmits,
			DupAcks:           snap.Info.DupAcks,
		}
		wire, err := marshal(rec)
		if err != nil {
			log.Println("capture: marshal error:", err)
			continue
		}
		size := make([]byte, binary.MaxVarintLen64)
		n := binary.PutUvarint(size, uint64(len(wire)))
		if _, err := task.Writer.Write(size[:n]); err != nil {
			log.Println("capture: write error:", err)
			continue
		}
		if _, err := task.Writer.Write(wire); err != nil {
			log.Println("capture: write error:", err)
		}
	}
	wg.Done()
}

func newMarshaller(wg *sync.WaitGroup) marshalChan {
	ch := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(ch, wg)
	return ch
}

// connection tracks all output associated with a single archived
// connection: its identity, the sequence of files it has rotated through,
// and the currently open one, if any.
type connection struct {
	id         tcp.ConnID
	startTime  time.Time
	sequence   int
	expiration time.Time
	writer     io.WriteCloser
}

func newConnection(id tcp.ConnID, now time.Time) *connection {
	return &connection{id: id, startTime: now, expiration: now}
}

func dottedQuad(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// rotate opens the next file for conn under dir.
func (conn *connection) rotate(dir string, ageLimit time.Duration) error {
	name := fmt.Sprintf("%s_L%s-%d_R%s-%d_%05d.zst",
		conn.startTime.Format("20060102T150405.000000"),
		dottedQuad(conn.id.LocalIP), conn.id.LocalPort,
		dottedQuad(conn.id.RemoteIP), conn.id.RemotePort,
		conn.sequence)
	w, err := newArchiveWriter(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	conn.writer = w
	metrics.CaptureFilesTotal.Inc()
	conn.expiration = conn.expiration.Add(ageLimit)
	conn.sequence++
	return nil
}

// Stats summarizes one Saver's activity across its lifetime, printed by
// Print for operator visibility alongside the Prometheus counters.
type Stats struct {
	TotalCount   int
	NewCount     int
	DiffCount    int
	ExpiredCount int
}

// Print logs a one-line summary of stats.
func (s *Stats) Print() {
	log.Printf("capture: total %d new %d changed %d unchanged %d closed %d",
		s.TotalCount, s.NewCount, s.DiffCount,
		s.TotalCount-(s.NewCount+s.DiffCount), s.ExpiredCount)
}

// Saver archives connection snapshots to per-connection files under Dir,
// writing a new Record only when Compare finds the snapshot significant,
// and rotating each connection's file every FileAgeLimit.
type Saver struct {
	Dir          string
	FileAgeLimit time.Duration

	marshalChans []marshalChan
	done         *sync.WaitGroup
	connections  map[uint64]*connection

	cache *Cache
	stats Stats
}

// NewSaver creates a Saver that writes archive files under dir, using
// numMarshallers goroutines to encode and compress snapshots concurrently.
func NewSaver(dir string, numMarshallers int) *Saver {
	wg := &sync.WaitGroup{}
	chans := make([]marshalChan, 0, numMarshallers)
	for i := 0; i < numMarshallers; i++ {
		chans = append(chans, newMarshaller(wg))
	}
	return &Saver{
		Dir:          dir,
		FileAgeLimit: 10 * time.Minute,
		marshalChans: chans,
		done:         wg,
		connections:  make(map[uint64]*connection, 500),
		cache:        NewCache(),
	}
}

func (s *Saver) queue(snap tcp.ConnSnapshot) error {
	if len(s.marshalChans) < 1 {
		return ErrNoMarshallers
	}
	cookie := snap.ID.Cookie()
	q := s.marshalChans[cookie%uint64(len(s.marshalChans))]
	conn, ok := s.connections[cookie]
	if !ok {
		conn = newConnection(snap.ID, snap.Timestamp)
		s.connections[cookie] = conn
	}
	if snap.Timestamp.After(conn.expiration) && conn.writer != nil {
		q <- Task{Writer: conn.writer}
		conn.writer = nil
	}
	if conn.writer == nil {
		if err := conn.rotate(s.Dir, s.FileAgeLimit); err != nil {
			return err
		}
	}
	q <- Task{Snapshot: snap, Valid: true, Writer: conn.writer}
	return nil
}

func (s *Saver) endConn(cookie uint64) {
	conn, ok := s.connections[cookie]
	if ok && conn.writer != nil {
		q := s.marshalChans[cookie%uint64(len(s.marshalChans))]
		q <- Task{Writer: conn.writer}
	}
	delete(s.connections, cookie)
}

func (s *Saver) swapAndQueue(snap tcp.ConnSnapshot) {
	s.stats.TotalCount++
	old, hadOld := s.cache.Update(snap)
	if !hadOld {
		s.stats.NewCount++
		metrics.CaptureRecordsTotal.WithLabelValues("new").Inc()
		if err := s.queue(snap); err != nil {
			log.Println("capture:", err)
		}
		return
	}
	switch Compare(old.Info, snap.Info) {
	case StateChange:
		s.stats.DiffCount++
		metrics.CaptureRecordsTotal.WithLabelValues("state_change").Inc()
		if err := s.queue(snap); err != nil {
			log.Println("capture:", err)
		}
	case CounterChange:
		s.stats.DiffCount++
		metrics.CaptureRecordsTotal.WithLabelValues("counter_change").Inc()
		if err := s.queue(snap); err != nil {
			log.Println("capture:", err)
		}
	}
}

// Run drives the archival loop: each slice received on rounds is one
// collection cycle's snapshots across every tracked connection. Run
// returns when rounds is closed, after flushing every open file.
func (s *Saver) Run(rounds <-chan []tcp.ConnSnapshot) {
	log.Println("capture: saver started, writing to", s.Dir)
	for round := range rounds {
		for _, snap := range round {
			s.swapAndQueue(snap)
		}
		residual := s.cache.EndCycle()
		for cookie := range residual {
			s.endConn(cookie)
			s.stats.ExpiredCount++
		}
	}
	s.Close()
	s.stats.Print()
}

// Close flushes and closes every open connection file, then shuts down
// the marshalling pool and waits for it to finish.
func (s *Saver) Close() {
	for cookie := range s.connections {
		s.endConn(cookie)
	}
	for _, ch := range s.marshalChans {
		close(ch)
	}
	s.done.Wait()
}

// SaverStats returns a copy of the Saver's running statistics.
func (s *Saver) SaverStats() Stats { return s.stats }
