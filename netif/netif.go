// Package netif implements the network interface abstraction: a
// fixed-queue RX/TX boundary between a link driver and the worker thread,
// a per-type link-layer vtable, and the OPENED/ACTIVE state machine that
// wires an interface into the routing table.
package netif

import (
	"sync"

	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/fixq"
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/tools"
)

// DefaultQueueCap bounds each interface's in/out fixed queues.
const DefaultQueueCap = 32

// LinkType identifies which link layer owns an interface's framing.
type LinkType int

const (
	LinkNone LinkType = iota
	LinkLoop
	LinkEther
)

// State is an interface's position in the OPENED/ACTIVE lifecycle.
type State int

const (
	Closed State = iota
	Opened
	Active
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Opened:
		return "OPENED"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// DriverOps is the vtable a link driver supplies to Open. Xmit is called
// whenever a packet is appended to the out queue, so the driver knows to
// pull from it.
type DriverOps interface {
	Open(ifc *Interface) error
	Close(ifc *Interface) error
	Xmit(ifc *Interface)
}

// LinkLayer is the vtable resolved from an interface's LinkType, looked up
// in a table indexed by type.
type LinkLayer interface {
	Open(ifc *Interface) error
	Close(ifc *Interface) error
	In(ifc *Interface, buf *pktbuf.PktBuf)
	Out(ifc *Interface, destIP [4]byte, buf *pktbuf.PktBuf) tools.Error
}

// RouteInstaller is the subset of the IPv4 route table that netif needs in
// order to install/remove an interface's network and host routes on
// activation, without importing the ipv4 package directly.
type RouteInstaller interface {
	AddRoute(prefix, mask, gateway [4]byte, ifc *Interface) error
	RemoveRoute(prefix, mask [4]byte) error
}

var (
	linkLayersMu sync.Mutex
	linkLayers   = map[LinkType]LinkLayer{}
)

// RegisterLinkLayer installs ll as the handler for interfaces of type t. It
// is normally called once at program startup by the code that wires the
// stack together (cmd/netstackd does so for the loopback link); the ether
// and loop packages do not register themselves.
func RegisterLinkLayer(t LinkType, ll LinkLayer) {
	linkLayersMu.Lock()
	defer linkLayersMu.Unlock()
	linkLayers[t] = ll
}

func lookupLinkLayer(t LinkType) (LinkLayer, bool) {
	linkLayersMu.Lock()
	defer linkLayersMu.Unlock()
	ll, ok := linkLayers[t]
	return ll, ok
}

// Interface is one network interface: a pair of fixed queues, a driver, and
// the link layer resolved for its type. All fields besides the queues are
// only ever touched from the worker goroutine once the interface is
// installed.
type Interface struct {
	Name       string
	Type       LinkType
	MAC        [6]byte
	IP         [4]byte
	Netmask    [4]byte
	Broadcast  [4]byte
	MTU        int
	Loopback   bool

	driver DriverOps
	link   LinkLayer
	worker *exmsg.Worker

	inQ  *fixq.Queue[*pktbuf.PktBuf]
	outQ *fixq.Queue[*pktbuf.PktBuf]

	mu         sync.Mutex
	state      State
	inQEmpty   bool
}

// State returns the interface's current lifecycle state.
func (ifc *Interface) State() State {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.state
}

// NetworkPrefix returns ifc.IP masked by ifc.Netmask.
func (ifc *Interface) NetworkPrefix() [4]byte {
	var p [4]byte
	for i := range p {
		p[i] = ifc.IP[i] & ifc.Netmask[i]
	}
	return p
}

// PutIn enqueues a received frame on the interface's input queue (driver
// side). It notifies the worker only on the empty-to-non-empty transition,
// to avoid flooding the worker's message queue.
func (ifc *Interface) PutIn(buf *pktbuf.PktBuf) error {
	ifc.mu.Lock()
	err := ifc.inQ.Send(buf)
	wasEmpty := err == nil && ifc.inQEmpty
	if err == nil {
		ifc.inQEmpty = false
	}
	ifc.mu.Unlock()
	if err != nil {
		return err
	}
	if wasEmpty {
		return ifc.worker.NotifyNetifIn(ifc.drainIn)
	}
	return nil
}

// drainIn runs on the worker goroutine: it pops every queued frame and
// routes it to the link layer's In handler (or, for loopback, whatever In
// the loop link layer resolves to -- typically straight into the IPv4
// input path).
func (ifc *Interface) drainIn() {
	for {
		buf, err := ifc.inQ.TryRecv()
		if err != nil {
			break
		}
		metrics.FramesTotal.WithLabelValues(ifc.Name, "in").Inc()
		if ifc.link != nil {
			ifc.link.In(ifc, buf)
		} else {
			buf.Free()
		}
	}
	ifc.mu.Lock()
	ifc.inQEmpty = true
	ifc.mu.Unlock()
}

// PutOut enqueues buf on the interface's output queue and signals the
// driver to transmit.
func (ifc *Interface) PutOut(buf *pktbuf.PktBuf) error {
	if err := ifc.outQ.Send(buf); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues(ifc.Name, "out").Inc()
	if ifc.driver != nil {
		ifc.driver.Xmit(ifc)
	}
	return nil
}

// GetOut pops the next queued outbound frame (driver side).
func (ifc *Interface) GetOut() (*pktbuf.PktBuf, error) {
	return ifc.outQ.TryRecv()
}

// Out is netif_out, the logical send entry point: if the
// interface has a link layer, delegate to its Out (which performs ARP
// resolution as needed); otherwise enqueue directly.
func (ifc *Interface) Out(destIP [4]byte, buf *pktbuf.PktBuf) tools.Error {
	if ifc.link != nil {
		return ifc.link.Out(ifc, destIP, buf)
	}
	if err := ifc.PutOut(buf); err != nil {
		return tools.MEM
	}
	return tools.OK
}

var allOnes = [4]byte{0xff, 0xff, 0xff, 0xff}
var zeroIP = [4]byte{}

// Manager tracks every open interface and the default route's interface.
// It runs entirely on the worker goroutine.
type Manager struct {
	worker *exmsg.Worker
	routes RouteInstaller

	mu         sync.Mutex
	interfaces []*Interface
	defaultIfc *Interface
}

// NewManager creates a Manager bound to worker's message queue and routes
// as the route table to install/remove routes on activation.
func NewManager(worker *exmsg.Worker, routes RouteInstaller) *Manager {
	return &Manager{worker: worker, routes: routes}
}

// Default returns the default-route interface, or nil if none is set.
func (m *Manager) Default() *Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultIfc
}

// Interfaces returns a snapshot of all open interfaces.
func (m *Manager) Interfaces() []*Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Interface, len(m.interfaces))
	copy(out, m.interfaces)
	return out
}

// Open allocates an interface, initialises its queues, calls the driver's
// Open, validates the resolved link layer, and adds it to the list. The
// new interface starts in the Opened state.
func (m *Manager) Open(name string, typ LinkType, driver DriverOps, mtu int, mac [6]byte, ip, netmask, broadcast [4]byte, loopback bool) (*Interface, error) {
	ll, ok := lookupLinkLayer(typ)
	if !ok {
		return nil, tools.NOT_SUPPORT
	}
	ifc := &Interface{
		Name:     name,
		Type:     typ,
		MAC:      mac,
		IP:       ip,
		Netmask:  netmask,
		Broadcast: broadcast,
		MTU:      mtu,
		Loopback: loopback,
		driver:   driver,
		link:     ll,
		worker:   m.worker,
		inQ:      fixq.New[*pktbuf.PktBuf](DefaultQueueCap),
		outQ:     fixq.New[*pktbuf.PktBuf](DefaultQueueCap),
		state:    Opened,
		inQEmpty: true,
	}
	if err := driver.Open(ifc); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.interfaces = append(m.interfaces, ifc)
	m.mu.Unlock()
	return ifc, nil
}

// SetActive opens the link layer, installs the interface's network and
// host routes, sets the default interface if none is set and this is not
// loopback, and transitions to Active.
func (m *Manager) SetActive(ifc *Interface) error {
	ifc.mu.Lock()
	if ifc.state != Opened {
		ifc.mu.Unlock()
		return tools.STATE
	}
	ifc.mu.Unlock()

	if err := ifc.link.Open(ifc); err != nil {
		return err
	}
	if err := m.routes.AddRoute(ifc.NetworkPrefix(), ifc.Netmask, zeroIP, ifc); err != nil {
		return err
	}
	if err := m.routes.AddRoute(ifc.IP, allOnes, zeroIP, ifc); err != nil {
		return err
	}

	m.mu.Lock()
	if m.defaultIfc == nil && !ifc.Loopback {
		m.defaultIfc = ifc
	}
	m.mu.Unlock()

	ifc.mu.Lock()
	ifc.state = Active
	ifc.mu.Unlock()
	return nil
}

// SetDeactive closes the link layer, drains and frees queued pktbufs,
// removes the two routes installed by SetActive, clears the default
// interface if it was this one, and reverts to Opened.
func (m *Manager) SetDeactive(ifc *Interface) error {
	ifc.mu.Lock()
	if ifc.state != Active {
		ifc.mu.Unlock()
		return tools.STATE
	}
	ifc.mu.Unlock()

	if err := ifc.link.Close(ifc); err != nil {
		return err
	}

	for {
		buf, err := ifc.inQ.TryRecv()
		if err != nil {
			break
		}
		buf.Free()
	}
	for {
		buf, err := ifc.outQ.TryRecv()
		if err != nil {
			break
		}
		buf.Free()
	}

	m.routes.RemoveRoute(ifc.NetworkPrefix(), ifc.Netmask)
	m.routes.RemoveRoute(ifc.IP, allOnes)

	m.mu.Lock()
	if m.defaultIfc == ifc {
		m.defaultIfc = nil
	}
	m.mu.Unlock()

	ifc.mu.Lock()
	ifc.state = Opened
	ifc.mu.Unlock()
	return nil
}
