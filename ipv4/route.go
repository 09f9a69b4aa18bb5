package ipv4

import (
	"math/bits"

	"github.com/m-lab/netstack/netif"
)

// Route is one entry in the route table: reach Prefix/Mask via Ifc, through
// Gateway if the destination is not directly attached.
type Route struct {
	Prefix  [4]byte
	Mask    [4]byte
	Gateway [4]byte
	Ifc     *netif.Interface

	maskBits int
}

// RouteTable implements netif.RouteInstaller and ether.RouteFinder. It is
// touched only from the worker goroutine.
type RouteTable struct {
	routes []*Route
}

// NewRouteTable creates an empty route table.
func NewRouteTable() *RouteTable { return &RouteTable{} }

func maskBitCount(mask [4]byte) int {
	n := 0
	for _, b := range mask {
		n += bits.OnesCount8(b)
	}
	return n
}

func matches(dest, prefix, mask [4]byte) bool {
	for i := 0; i < 4; i++ {
		if dest[i]&mask[i] != prefix[i] {
			return false
		}
	}
	return true
}

// AddRoute installs a route (interface activation installs one for its own
// attached prefix; callers add others for general reachability). Routes
// are kept sorted so Find performs a longest-prefix-first scan, ordered by
// descending mask bit count.
func (rt *RouteTable) AddRoute(prefix, mask, gateway [4]byte, ifc *netif.Interface) error {
	r := &Route{Prefix: prefix, Mask: mask, Gateway: gateway, Ifc: ifc, maskBits: maskBitCount(mask)}
	i := 0
	for ; i < len(rt.routes); i++ {
		if rt.routes[i].maskBits < r.maskBits {
			break
		}
	}
	rt.routes = append(rt.routes, nil)
	copy(rt.routes[i+1:], rt.routes[i:])
	rt.routes[i] = r
	return nil
}

// RemoveRoute deletes every route matching (prefix, mask) exactly.
func (rt *RouteTable) RemoveRoute(prefix, mask [4]byte) error {
	out := rt.routes[:0]
	for _, r := range rt.routes {
		if r.Prefix == prefix && r.Mask == mask {
			continue
		}
		out = append(out, r)
	}
	rt.routes = out
	return nil
}

// Find performs longest-prefix-match lookup. The
// default route (mask 0.0.0.0) matches everything and sorts last.
func (rt *RouteTable) Find(dest [4]byte) (*Route, bool) {
	for _, r := range rt.routes {
		if matches(dest, r.Prefix, r.Mask) {
			return r, true
		}
	}
	return nil, false
}

// NextHop implements ether.RouteFinder: dest itself if it is on ifc's
// attached subnet, otherwise the gateway of whatever route dispatched to
// ifc for dest.
func (rt *RouteTable) NextHop(ifc *netif.Interface, dest [4]byte) ([4]byte, bool) {
	if matches(dest, ifc.NetworkPrefix(), ifc.Netmask) {
		return dest, true
	}
	r, ok := rt.Find(dest)
	if !ok {
		return [4]byte{}, false
	}
	return r.Gateway, true
}
