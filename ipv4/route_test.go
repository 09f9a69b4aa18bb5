package ipv4

import (
	"testing"

	"github.com/m-lab/netstack/netif"
)

func TestFindLongestPrefixWins(t *testing.T) {
	rt := NewRouteTable()
	ifcDefault := &netif.Interface{Name: "default"}
	ifcSpecific := &netif.Interface{Name: "specific"}

	rt.AddRoute([4]byte{0, 0, 0, 0}, [4]byte{0, 0, 0, 0}, [4]byte{192, 168, 1, 1}, ifcDefault)
	rt.AddRoute([4]byte{10, 0, 2, 0}, [4]byte{255, 255, 255, 0}, [4]byte{}, ifcSpecific)

	r, ok := rt.Find([4]byte{10, 0, 2, 2})
	if !ok || r.Ifc != ifcSpecific {
		t.Fatalf("Find() = %+v, ok=%v, want specific route", r, ok)
	}

	r, ok = rt.Find([4]byte{8, 8, 8, 8})
	if !ok || r.Ifc != ifcDefault {
		t.Fatalf("Find() for unmatched dest = %+v, ok=%v, want default route", r, ok)
	}
}

func TestRemoveRoute(t *testing.T) {
	rt := NewRouteTable()
	ifc := &netif.Interface{}
	rt.AddRoute([4]byte{192, 168, 1, 0}, [4]byte{255, 255, 255, 0}, [4]byte{}, ifc)
	rt.RemoveRoute([4]byte{192, 168, 1, 0}, [4]byte{255, 255, 255, 0})
	if _, ok := rt.Find([4]byte{192, 168, 1, 5}); ok {
		t.Fatalf("Find() found a route after RemoveRoute")
	}
}

func TestNextHopSameSubnetIsDestItself(t *testing.T) {
	rt := NewRouteTable()
	ifc := &netif.Interface{IP: [4]byte{192, 168, 1, 2}, Netmask: [4]byte{255, 255, 255, 0}}
	dest := [4]byte{192, 168, 1, 9}
	hop, ok := rt.NextHop(ifc, dest)
	if !ok || hop != dest {
		t.Fatalf("NextHop() = %v, %v, want dest itself", hop, ok)
	}
}

func TestNextHopOffSubnetUsesGateway(t *testing.T) {
	rt := NewRouteTable()
	ifc := &netif.Interface{IP: [4]byte{192, 168, 1, 2}, Netmask: [4]byte{255, 255, 255, 0}}
	gw := [4]byte{192, 168, 1, 1}
	rt.AddRoute([4]byte{0, 0, 0, 0}, [4]byte{0, 0, 0, 0}, gw, ifc)

	hop, ok := rt.NextHop(ifc, [4]byte{8, 8, 8, 8})
	if !ok || hop != gw {
		t.Fatalf("NextHop() = %v, %v, want gateway %v", hop, ok, gw)
	}
}

func TestNextHopNoRoute(t *testing.T) {
	rt := NewRouteTable()
	ifc := &netif.Interface{IP: [4]byte{10, 0, 0, 2}, Netmask: [4]byte{255, 255, 255, 0}}
	if _, ok := rt.NextHop(ifc, [4]byte{8, 8, 8, 8}); ok {
		t.Fatalf("NextHop() with empty table = ok, want false")
	}
}
