// Package socket implements the BSD-style application boundary: a single
// entry point (Family) that hands out Socket handles backed by either a
// tcp.TCB or a udp.Socket, and marshals every TCP operation onto the
// worker goroutine via exmsg.Worker.Exec, the stack's one concurrency
// primitive.
//
// A Socket blocks the calling goroutine (never the worker) using a
// condition variable armed by Wake, the callback tcp.TCB invokes from the
// worker goroutine whenever a connection's read/write/connect readiness
// changes.
package socket

import (
	"sync"
	"time"

	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/tcp"
	"github.com/m-lab/netstack/tools"
	"github.com/m-lab/netstack/udp"
)

// Type selects the transport a Socket is backed by.
type Type int

const (
	SockStream Type = iota + 1 // TCP
	SockDgram                  // UDP
)

// Addr is an application-facing IPv4 endpoint.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// Family is the socket factory for one protocol instance: it shares a
// worker, a TCP table, and a UDP table across every Socket it creates.
type Family struct {
	worker   *exmsg.Worker
	tcpTable *tcp.Table
	udpTable *udp.Table
}

// NewFamily wires a Family to the given worker and protocol tables.
func NewFamily(worker *exmsg.Worker, tcpTable *tcp.Table, udpTable *udp.Table) *Family {
	return &Family{worker: worker, tcpTable: tcpTable, udpTable: udpTable}
}

// Socket creates an unbound, unconnected handle of the given type.
func (f *Family) Socket(typ Type) (*Socket, error) {
	if typ != SockStream && typ != SockDgram {
		return nil, tools.PARAM
	}
	s := &Socket{family: f, typ: typ}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Socket is one application-facing handle. Exactly one of tcb/udpSock is
// populated, depending on typ.
type Socket struct {
	family *Family
	typ    Type

	mu   sync.Mutex
	cond *sync.Cond

	readReady  bool
	writeReady bool
	connReady  bool
	lastErr    tools.Error

	tcb     *tcp.TCB
	udpSock *udp.Socket

	bindLocal Addr
	bound     bool
	closed    bool
}

// Wake implements tcp.Waiter: tcb calls this from the worker goroutine
// whenever read/write/connect readiness changes for the connection this
// socket wraps.
func (s *Socket) Wake(mask tcp.WakeMask, err tools.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mask&tcp.WakeRead != 0 {
		s.readReady = true
	}
	if mask&tcp.WakeWrite != 0 {
		s.writeReady = true
	}
	if mask&tcp.WakeConn != 0 {
		s.connReady = true
	}
	if err != tools.OK {
		s.lastErr = err
	}
	s.cond.Broadcast()
}

// Bind reserves local for this socket. For SOCK_DGRAM this binds (and may
// allocate an ephemeral port) immediately; for SOCK_STREAM the bind is
// recorded and applied when Listen or Connect creates the TCB.
func (s *Socket) Bind(local Addr) error {
	if s.typ == SockDgram {
		sock, err := s.family.udpTable.Bind(local.IP, local.Port)
		if err != nil {
			return err
		}
		s.udpSock = sock
		return nil
	}
	s.bindLocal = local
	s.bound = true
	return nil
}

// Listen puts a SOCK_STREAM socket into the listening state with the given
// accept backlog.
func (s *Socket) Listen(backlog int) error {
	if s.typ != SockStream {
		return tools.NOT_SUPPORT
	}
	local := s.bindLocal
	err := s.family.worker.Exec(func() tools.Error {
		tcb, err := s.family.tcpTable.NewListener(local.IP, local.Port, backlog)
		if err != nil {
			if e, ok := err.(tools.Error); ok {
				return e
			}
			return tools.SYS
		}
		tcb.SetWaiter(s)
		s.tcb = tcb
		return tools.OK
	})
	if err != tools.OK {
		return err
	}
	return nil
}

// Accept blocks until a connection completes its handshake, returning a
// new Socket for it.
func (s *Socket) Accept() (*Socket, error) {
	if s.typ != SockStream || s.tcb == nil {
		return nil, tools.NOT_SUPPORT
	}
	for {
		var child *tcp.TCB
		var ok bool
		_ = s.family.worker.Exec(func() tools.Error {
			child, ok = s.tcb.Accept()
			return tools.OK
		})
		if ok {
			cs := &Socket{family: s.family, typ: SockStream, tcb: child}
			cs.cond = sync.NewCond(&cs.mu)
			_ = s.family.worker.Exec(func() tools.Error {
				child.SetWaiter(cs)
				return tools.OK
			})
			return cs, nil
		}
		s.mu.Lock()
		for !s.connReady {
			s.cond.Wait()
		}
		s.connReady = false
		s.mu.Unlock()
	}
}

// Connect performs an active open to remote, blocking until the handshake
// completes or fails.
func (s *Socket) Connect(remote Addr) error {
	if s.typ != SockStream {
		return tools.NOT_SUPPORT
	}
	local := s.bindLocal
	var tcb *tcp.TCB
	execErr := s.family.worker.Exec(func() tools.Error {
		if local.Port == 0 {
			port, err := s.family.tcpTable.AllocEphemeral()
			if err != tools.OK {
				return err
			}
			local.Port = port
		}
		t, err := s.family.tcpTable.NewActive(local.IP, remote.IP, local.Port, remote.Port)
		if err != tools.OK {
			return err
		}
		t.SetWaiter(s)
		tcb = t
		return tools.OK
	})
	if execErr != tools.OK {
		return execErr
	}

	s.mu.Lock()
	s.tcb = tcb
	for !s.connReady {
		s.cond.Wait()
	}
	err := s.lastErr
	s.connReady = false
	s.mu.Unlock()
	return err
}

// Send writes p to a SOCK_STREAM socket (blocking send is not modeled;
// Write accepts whatever the send ring has room for) or sends p as one
// datagram to peer for SOCK_DGRAM (peer is ignored for TCP).
func (s *Socket) Send(p []byte, peer Addr) (int, error) {
	if s.typ == SockDgram {
		if s.udpSock == nil {
			sock, err := s.family.udpTable.Bind([4]byte{}, 0)
			if err != nil {
				return 0, err
			}
			s.udpSock = sock
		}
		if err := s.udpSock.SendTo(udp.Addr(peer), p); err != tools.OK {
			return 0, err
		}
		return len(p), nil
	}
	var n int
	var werr tools.Error
	execErr := s.family.worker.Exec(func() tools.Error {
		n, werr = s.tcb.Write(p)
		return tools.OK
	})
	if execErr != tools.OK {
		return 0, execErr
	}
	if werr != tools.OK {
		return n, werr
	}
	return n, nil
}

// Recv reads into p. For SOCK_STREAM it blocks until at least one byte is
// available or the peer has closed; for SOCK_DGRAM it blocks up to
// timeout (<=0 blocks forever) and returns the sender's address.
func (s *Socket) Recv(p []byte, timeout time.Duration) (int, Addr, error) {
	if s.typ == SockDgram {
		if s.udpSock == nil {
			return 0, Addr{}, tools.STATE
		}
		peer, payload, err := s.udpSock.Recv(timeout)
		if err != nil {
			return 0, Addr{}, err
		}
		n := copy(p, payload)
		return n, Addr(peer), nil
	}

	for {
		var n int
		var rerr tools.Error
		_ = s.family.worker.Exec(func() tools.Error {
			n, rerr = s.tcb.Read(p)
			return tools.OK
		})
		if rerr == tools.OK {
			return n, Addr{}, nil
		}
		if rerr == tools.EOF {
			return 0, Addr{}, tools.EOF
		}
		s.mu.Lock()
		for !s.readReady {
			s.cond.Wait()
		}
		s.readReady = false
		s.mu.Unlock()
	}
}

// Close tears down the underlying connection or releases the bound UDP
// port. For SOCK_STREAM this begins the active-close sequence; it does
// not block for the connection to fully wind down.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.typ == SockDgram {
		if s.udpSock != nil {
			s.family.udpTable.Close(s.udpSock)
		}
		return nil
	}
	if s.tcb == nil {
		return nil
	}
	var err tools.Error
	_ = s.family.worker.Exec(func() tools.Error {
		err = s.tcb.Close()
		return tools.OK
	})
	if err != tools.OK {
		return err
	}
	return nil
}

// SetKeepalive arms TCP keepalive probing for a connected SOCK_STREAM
// socket.
func (s *Socket) SetKeepalive(idle, intvl time.Duration, cnt int) error {
	if s.typ != SockStream || s.tcb == nil {
		return tools.NOT_SUPPORT
	}
	err := s.family.worker.Exec(func() tools.Error {
		s.tcb.EnableKeepalive(idle, intvl, cnt)
		return tools.OK
	})
	if err != tools.OK {
		return err
	}
	return nil
}
