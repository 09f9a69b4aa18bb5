// Package fake provides a deterministic netif.DriverOps double for tests:
// it records every Open/Close/Xmit call instead of touching real hardware,
// and optionally loops frames back the same way drivers/loop does, for
// tests that want traffic to actually flow without a real link.
package fake

import (
	"sync"

	"github.com/m-lab/netstack/netif"
)

// Driver counts driver lifecycle calls and, when Loopback is true, echoes
// every transmitted frame straight back into the interface's receive
// queue so a test can exercise a full send/receive round trip without a
// real network.
type Driver struct {
	Loopback bool

	mu        sync.Mutex
	opens     int
	closes    int
	xmits     int
	lastFrame *netif.Interface
}

// New creates a Driver. When loopback is true, Xmit echoes frames back to
// the interface instead of merely counting the call.
func New(loopback bool) *Driver {
	return &Driver{Loopback: loopback}
}

// Open records the call and always succeeds.
func (d *Driver) Open(ifc *netif.Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return nil
}

// Close records the call and always succeeds.
func (d *Driver) Close(ifc *netif.Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// Xmit records the call, and in loopback mode drains ifc's outbound queue
// straight back into its inbound queue.
func (d *Driver) Xmit(ifc *netif.Interface) {
	d.mu.Lock()
	d.xmits++
	d.lastFrame = ifc
	loopback := d.Loopback
	d.mu.Unlock()

	if !loopback {
		return
	}
	for {
		buf, err := ifc.GetOut()
		if err != nil {
			return
		}
		if err := ifc.PutIn(buf); err != nil {
			buf.Free()
		}
	}
}

// Counts returns the number of Open/Close/Xmit calls observed so far.
func (d *Driver) Counts() (opens, closes, xmits int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes, d.xmits
}
