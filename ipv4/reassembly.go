package ipv4

import (
	"sort"

	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

// Reassembly configuration.
const (
	FragsMaxNr   = 10
	FragMaxBufNr = 10
	FragTMOSec   = 5
)

type fragKey struct {
	src, dst [4]byte
	id       uint16
	proto    uint8
}

type fragment struct {
	offset int
	more   bool
	buf    *pktbuf.PktBuf
}

type bucket struct {
	inUse  bool
	key    fragKey
	ifc    *netif.Interface
	frags  []fragment
	ttlSec int
}

// reassembler holds the IP_FRAGS_MAX_NR buckets used to reassemble
// fragmented datagrams.
type reassembler struct {
	buckets [FragsMaxNr]bucket
}

func newReassembler(wheel *timer.Wheel) *reassembler {
	r := &reassembler{}
	wheel.Add("ipv4-frag-expiry", func(any) { r.tick() }, nil, 1000, timer.Reload)
	return r
}

func (r *reassembler) find(key fragKey) *bucket {
	for i := range r.buckets {
		if r.buckets[i].inUse && r.buckets[i].key == key {
			return &r.buckets[i]
		}
	}
	return nil
}

func (r *reassembler) alloc() *bucket {
	for i := range r.buckets {
		if !r.buckets[i].inUse {
			return &r.buckets[i]
		}
	}
	return nil
}

// insert adds one fragment to its bucket, allocating the bucket if this is
// the first fragment seen for (src, dst, id, proto). It returns the
// reassembled datagram and true once the bucket is complete: first
// fragment present, no gaps, and the last fragment has MF=0.
func (r *reassembler) insert(ifc *netif.Interface, key fragKey, offset int, more bool, buf *pktbuf.PktBuf) (*pktbuf.PktBuf, bool) {
	b := r.find(key)
	if b == nil {
		b = r.alloc()
		if b == nil {
			buf.Free()
			return nil, false
		}
		*b = bucket{inUse: true, key: key, ifc: ifc, ttlSec: FragTMOSec}
	}
	if len(b.frags) >= FragMaxBufNr {
		buf.Free()
		return nil, false
	}
	b.frags = append(b.frags, fragment{offset: offset, more: more, buf: buf})
	sort.Slice(b.frags, func(i, j int) bool { return b.frags[i].offset < b.frags[j].offset })
	metrics.IPFragmentsTotal.WithLabelValues("in").Inc()

	if !complete(b.frags) {
		return nil, false
	}

	data := b.frags[0].buf
	for _, f := range b.frags[1:] {
		data.Join(f.buf)
	}
	*b = bucket{}
	return data, true
}

func complete(frags []fragment) bool {
	if len(frags) == 0 || frags[0].offset != 0 {
		return false
	}
	want := 0
	for i, f := range frags {
		if f.offset != want {
			return false
		}
		want += f.buf.TotalSize()
		if i == len(frags)-1 && f.more {
			return false
		}
	}
	return !frags[len(frags)-1].more
}

// tick runs once a second, expiring buckets whose fragments never
// completed within FragTMOSec.
func (r *reassembler) tick() {
	for i := range r.buckets {
		b := &r.buckets[i]
		if !b.inUse {
			continue
		}
		b.ttlSec--
		if b.ttlSec <= 0 {
			metrics.IPReassemblyTimeouts.Inc()
			for _, f := range b.frags {
				f.buf.Free()
			}
			*b = bucket{}
		}
	}
}
