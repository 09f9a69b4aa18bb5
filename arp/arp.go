// Package arp implements the ARP cache: pending and resolved entries,
// retry and aging, and the pending-packet queues that hold outbound
// traffic while resolution is in flight.
//
// Like every other protocol table in this stack, the cache is touched only
// from the worker goroutine, so Cache carries no locks of its own.
package arp

import (
	"log"

	"github.com/m-lab/netstack/ether"
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

// Configuration constants.
const (
	CacheSize  = 50
	MaxPktWait = 5
	StableTMO  = 1200 // seconds, RESOLVED entry lifetime
	PendingTMO = 1    // seconds, WAITING retry interval
	RetryCount = 5

	headerLen = 28 // RFC 826 Ethernet/IPv4 ARP packet

	hwTypeEthernet uint16 = 1
	protoTypeIPv4  uint16 = 0x0800
	hlenEthernet   uint8  = 6
	plenIPv4       uint8  = 4

	opRequest uint16 = 1
	opReply   uint16 = 2
)

type state int

const (
	free state = iota
	waiting
	resolved
)

type entry struct {
	state   state
	ip      [4]byte
	mac     [6]byte
	ifc     *netif.Interface
	tmoSec  int
	retry   int
	pending []*pktbuf.PktBuf
	seq     int
}

// Cache is the ARP table for all interfaces.
type Cache struct {
	pool    *pktbuf.Pool
	entries [CacheSize]entry
	seq     int
}

var allOnes = [4]byte{0xff, 0xff, 0xff, 0xff}

// New creates an empty cache and arms its 1-Hz aging timer on wheel.
func New(pool *pktbuf.Pool, wheel *timer.Wheel) *Cache {
	c := &Cache{pool: pool}
	wheel.Add("arp-age", func(any) { c.age() }, nil, 1000, timer.Reload)
	return c
}

func (c *Cache) find(ip [4]byte) *entry {
	for i := range c.entries {
		e := &c.entries[i]
		if e.state != free && e.ip == ip {
			return e
		}
	}
	return nil
}

// alloc returns a free slot. If force and none is free, it evicts the
// oldest entry by insertion order, releasing its queued packets.
func (c *Cache) alloc(force bool) *entry {
	for i := range c.entries {
		if c.entries[i].state == free {
			return &c.entries[i]
		}
	}
	if !force {
		return nil
	}
	oldest := &c.entries[0]
	for i := range c.entries {
		if c.entries[i].seq < oldest.seq {
			oldest = &c.entries[i]
		}
	}
	for _, buf := range oldest.pending {
		buf.Free()
	}
	*oldest = entry{}
	return oldest
}

// insert creates or updates a RESOLVED entry for (ip, hwaddr), draining any
// pending packets by transmitting them now that the address is known.
func (c *Cache) insert(ifc *netif.Interface, ip [4]byte, mac [6]byte) {
	e := c.find(ip)
	if e == nil {
		e = c.alloc(true)
	}
	pending := e.pending
	c.seq++
	*e = entry{
		state:  resolved,
		ip:     ip,
		mac:    mac,
		ifc:    ifc,
		tmoSec: StableTMO,
		seq:    c.seq,
	}
	for _, buf := range pending {
		if err := transmitData(ifc, mac, buf); err != nil {
			buf.Free()
		}
	}
}

// Resolve implements ether.ARPResolver.
func (c *Cache) Resolve(ifc *netif.Interface, ip [4]byte, buf *pktbuf.PktBuf) tools.Error {
	if ip == allOnes || ip == ifc.Broadcast {
		if err := transmitData(ifc, ether.Broadcast, buf); err != nil {
			return tools.MEM
		}
		return tools.OK
	}

	e := c.find(ip)
	switch {
	case e != nil && e.state == resolved:
		metrics.ARPCacheLookups.WithLabelValues("hit").Inc()
		if err := transmitData(ifc, e.mac, buf); err != nil {
			return tools.MEM
		}
		return tools.OK
	case e != nil && e.state == waiting:
		metrics.ARPCacheLookups.WithLabelValues("miss").Inc()
		if len(e.pending) >= MaxPktWait {
			e.pending[0].Free()
			e.pending = e.pending[1:]
		}
		e.pending = append(e.pending, buf)
		return tools.OK
	default:
		metrics.ARPCacheLookups.WithLabelValues("miss").Inc()
		ne := c.alloc(true)
		c.seq++
		*ne = entry{
			state:   waiting,
			ip:      ip,
			ifc:     ifc,
			tmoSec:  PendingTMO,
			retry:   RetryCount,
			pending: []*pktbuf.PktBuf{buf},
			seq:     c.seq,
		}
		if err := c.sendRequest(ifc, ip); err != nil {
			log.Printf("arp: %s: failed to send request for %v: %v", ifc.Name, ip, err)
		}
		return tools.OK
	}
}

// age runs once a second: RESOLVED entries count down to a single refresh
// probe; WAITING entries retry up to RetryCount times before eviction.
func (c *Cache) age() {
	for i := range c.entries {
		e := &c.entries[i]
		switch e.state {
		case resolved:
			e.tmoSec--
			if e.tmoSec <= 0 {
				if err := c.sendRequest(e.ifc, e.ip); err != nil {
					log.Printf("arp: refresh probe for %v failed: %v", e.ip, err)
				}
				e.state = waiting
				e.retry = RetryCount
				e.tmoSec = PendingTMO
			}
		case waiting:
			e.tmoSec--
			if e.tmoSec <= 0 {
				e.retry--
				if e.retry > 0 {
					if err := c.sendRequest(e.ifc, e.ip); err != nil {
						log.Printf("arp: retry for %v failed: %v", e.ip, err)
					}
					e.tmoSec = PendingTMO
				} else {
					metrics.ARPCacheLookups.WithLabelValues("evict").Inc()
					for _, buf := range e.pending {
						buf.Free()
					}
					*e = entry{}
				}
			}
		}
	}
}

// sendRequest broadcasts an ARP request for ip out of ifc.
func (c *Cache) sendRequest(ifc *netif.Interface, ip [4]byte) error {
	buf, err := c.pool.Alloc(headerLen)
	if err != nil {
		return err
	}
	var zero [6]byte
	writePacket(buf, opRequest, ifc.MAC, ifc.IP, zero, ip)
	return transmitARP(ifc, ether.Broadcast, buf)
}

// In implements ether.PacketHandler for inbound ARP packets.
func (c *Cache) In(ifc *netif.Interface, srcMAC [6]byte, buf *pktbuf.PktBuf) {
	defer buf.Free()
	if buf.TotalSize() < headerLen {
		return
	}
	buf.ResetAcc()
	raw := make([]byte, headerLen)
	if err := buf.Read(raw, headerLen); err != nil {
		return
	}
	op := tools.GetUint16(raw[6:8])
	var senderMAC, targetMAC [6]byte
	var senderIP, targetIP [4]byte
	copy(senderMAC[:], raw[8:14])
	copy(senderIP[:], raw[14:18])
	copy(targetMAC[:], raw[18:24])
	copy(targetIP[:], raw[24:28])

	// RFC 826 merge-flag policy: any request or reply updates our record of
	// the sender.
	c.insert(ifc, senderIP, senderMAC)

	if op == opRequest && targetIP == ifc.IP {
		reply, err := c.pool.Alloc(headerLen)
		if err != nil {
			return
		}
		writePacket(reply, opReply, ifc.MAC, ifc.IP, senderMAC, senderIP)
		if err := transmitARP(ifc, senderMAC, reply); err != nil {
			log.Printf("arp: %s: failed to send reply to %v: %v", ifc.Name, senderIP, err)
		}
	}
}

func writePacket(buf *pktbuf.PktBuf, op uint16, senderMAC [6]byte, senderIP [4]byte, targetMAC [6]byte, targetIP [4]byte) {
	var raw [headerLen]byte
	tools.PutUint16(raw[0:2], hwTypeEthernet)
	tools.PutUint16(raw[2:4], protoTypeIPv4)
	raw[4] = hlenEthernet
	raw[5] = plenIPv4
	tools.PutUint16(raw[6:8], op)
	copy(raw[8:14], senderMAC[:])
	copy(raw[14:18], senderIP[:])
	copy(raw[18:24], targetMAC[:])
	copy(raw[24:28], targetIP[:])
	buf.ResetAcc()
	buf.Write(raw[:], headerLen)
}

// transmitData attaches an Ethernet header for a resolved IP payload and
// hands it to the interface's output queue.
func transmitData(ifc *netif.Interface, dstMAC [6]byte, buf *pktbuf.PktBuf) error {
	if err := ether.BuildHeader(buf, dstMAC, ifc.MAC, ether.TypeIP); err != nil {
		return err
	}
	return ifc.PutOut(buf)
}

// transmitARP attaches an Ethernet header for an ARP packet of our own
// making (request or reply) and hands it to the interface's output queue.
func transmitARP(ifc *netif.Interface, dstMAC [6]byte, buf *pktbuf.PktBuf) error {
	if err := ether.BuildHeader(buf, dstMAC, ifc.MAC, ether.TypeARP); err != nil {
		return err
	}
	return ifc.PutOut(buf)
}
