// Package diag broadcasts TCP connection lifecycle events over a Unix
// domain socket as newline-delimited JSON, so an external process can
// watch connections open, change state, and close without polling the
// stack directly.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/m-lab/netstack/tcp"
)

// EventKind distinguishes the lifecycle moments a Server reports.
type EventKind int

const (
	// Opened is sent the first time a connection is observed.
	Opened EventKind = iota
	// StateChanged is sent when a tracked connection moves to a new state.
	StateChanged
	// Closed is sent once a previously tracked connection disappears.
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case StateChanged:
		return "state_changed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one line of the JSONL protocol served to clients.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Local     string `json:",omitempty"`
	Remote    string `json:",omitempty"`
	LocalPort uint16 `json:",omitempty"`
	RemotePort uint16 `json:",omitempty"`
	State     string `json:",omitempty"`
}

func connString(id tcp.ConnID) (string, string) {
	return fmt.Sprintf("%d.%d.%d.%d", id.LocalIP[0], id.LocalIP[1], id.LocalIP[2], id.LocalIP[3]),
		fmt.Sprintf("%d.%d.%d.%d", id.RemoteIP[0], id.RemoteIP[1], id.RemoteIP[2], id.RemoteIP[3])
}

// Server accepts client connections on a Unix domain socket and fans out
// every Event posted to it to all currently connected clients. Each line
// is written to the clients one after another; a client whose write fails
// (for example because it disconnected) is closed and dropped.
type Server struct {
	eventC   chan *Event
	filename string
	listener net.Listener
	clients  map[net.Conn]struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// New creates a Server that will listen on filename once Listen is
// called.
func New(filename string) *Server {
	return &Server{
		eventC:   make(chan *Event, 100),
		filename: filename,
		clients:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the Unix domain socket. Call Serve afterward to start
// accepting and fanning out events.
func (s *Server) Listen() error {
	s.wg.Add(1)
	var err error
	s.listener, err = net.Listen("unix", s.filename)
	return err
}

// Serve accepts clients and distributes events until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Done()
	derived, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.fanOut(derived)

	s.wg.Add(1)
	go func() {
		<-derived.Done()
		s.listener.Close()
		close(s.eventC)
		s.wg.Done()
	}()

	var err error
	for derived.Err() == nil {
		var conn net.Conn
		conn, err = s.listener.Accept()
		if err != nil {
			log.Printf("diag: accept on %q failed: %v", s.filename, err)
			break
		}
		s.addClient(conn)
	}
	return err
}

func (s *Server) addClient(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) fanOut(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for ctx.Err() == nil {
		event, ok := <-s.eventC
		if !ok {
			return
		}
		b, err := json.Marshal(event)
		if err != nil {
			log.Println("diag: could not marshal event:", err)
			continue
		}
		s.send(string(b))
	}
}

func (s *Server) send(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if _, err := fmt.Fprintln(c, line); err != nil {
			go s.removeClient(c)
			go c.Close()
		}
	}
}

// Opened reports a newly observed connection.
func (s *Server) Opened(id tcp.ConnID, state tcp.State) {
	local, remote := connString(id)
	s.eventC <- &Event{Kind: Opened, Timestamp: time.Now(), Local: local, Remote: remote,
		LocalPort: id.LocalPort, RemotePort: id.RemotePort, State: state.String()}
}

// StateChange reports a tracked connection moving to a new state.
func (s *Server) StateChange(id tcp.ConnID, state tcp.State) {
	local, remote := connString(id)
	s.eventC <- &Event{Kind: StateChanged, Timestamp: time.Now(), Local: local, Remote: remote,
		LocalPort: id.LocalPort, RemotePort: id.RemotePort, State: state.String()}
}

// ClosedConn reports a connection that has disappeared since the last
// collection cycle.
func (s *Server) ClosedConn(id tcp.ConnID) {
	local, remote := connString(id)
	s.eventC <- &Event{Kind: Closed, Timestamp: time.Now(), Local: local, Remote: remote,
		LocalPort: id.LocalPort, RemotePort: id.RemotePort}
}
