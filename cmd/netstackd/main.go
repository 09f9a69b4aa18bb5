// Command netstackd runs the from-scratch network stack as a standalone
// daemon: a loopback interface, the full protocol layering (ARP, IPv4,
// ICMP, UDP, TCP), a connection archiver under --output, and an optional
// JSONL event feed for external watchers.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netstack/arp"
	"github.com/m-lab/netstack/drivers/loop"
	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/icmp"
	"github.com/m-lab/netstack/internal/capture"
	"github.com/m-lab/netstack/internal/diag"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/socket"
	"github.com/m-lab/netstack/tcp"
	"github.com/m-lab/netstack/tools"
	"github.com/m-lab/netstack/udp"
)

var (
	promPort     = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
	outputDir    = flag.String("output", ".", "Directory in which to write archived connection snapshots.")
	eventSocket  = flag.String("diag.socket", "", "Unix domain socket on which to serve connection lifecycle events. Empty disables the feed.")
	pollInterval = flag.Duration("poll", time.Second, "How often to snapshot every tracked TCP connection for archival.")
	marshallers  = flag.Int("marshallers", 3, "Number of goroutines used to encode and compress archived snapshots.")
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	worker := exmsg.New(256)
	wheel := worker.Timers()
	pool := pktbuf.NewPool(1024, 2048)
	routes := ipv4.NewRouteTable()
	mgr := netif.NewManager(worker, routes)

	stack := ipv4.New(pool, routes, wheel)
	loopLink := loop.New(stack)
	netif.RegisterLinkLayer(netif.LinkLoop, loopLink)

	lo, err := mgr.Open("lo", netif.LinkLoop, loopLink, 65536, [6]byte{},
		[4]byte{127, 0, 0, 1}, [4]byte{255, 0, 0, 0}, [4]byte{127, 255, 255, 255}, true)
	rtx.Must(err, "could not open loopback interface")
	rtx.Must(mgr.SetActive(lo), "could not activate loopback interface")

	arpCache := arp.New(pool, wheel)
	_ = arpCache // wired into ether-typed interfaces only; loopback needs no resolution.

	icmpResponder := icmp.New(stack, pool)
	stack.RegisterHandler(ipv4.ProtoICMP, icmpResponder)
	stack.SetUnreachableSender(icmpResponder)

	udpTable := udp.NewTable(stack, pool)
	udpTable.SetUnreachableSender(icmpResponder)
	stack.RegisterHandler(ipv4.ProtoUDP, udpTable)

	tcpTable := tcp.NewTable(stack, pool, wheel)
	stack.RegisterHandler(ipv4.ProtoTCP, tcpTable)

	fam := socket.NewFamily(worker, tcpTable, udpTable)
	_ = fam // available to in-process application goroutines via fam.Socket(...).

	worker.Start()
	defer worker.Stop()

	var diagSrv *diag.Server
	if *eventSocket != "" {
		diagSrv = diag.New(*eventSocket)
		rtx.Must(diagSrv.Listen(), "could not listen on %q", *eventSocket)
		go diagSrv.Serve(ctx)
		defer os.Remove(*eventSocket)
	}

	saver := capture.NewSaver(*outputDir, *marshallers)
	rounds := make(chan []tcp.ConnSnapshot, 2)
	go saver.Run(rounds)

	go collectLoop(ctx, worker, tcpTable, diagSrv, rounds)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	cancel()
	close(rounds)
}

// collectLoop periodically asks the TCP table for a snapshot of every
// live connection (on the worker goroutine, since that is the only
// goroutine allowed to touch TCB state) and forwards the round to both
// the archiver and the diagnostic event feed.
func collectLoop(ctx context.Context, worker *exmsg.Worker, tcpTable *tcp.Table, diagSrv *diag.Server, rounds chan<- []tcp.ConnSnapshot) {
	seen := make(map[uint64]tcp.ConnID)
	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var round []tcp.ConnSnapshot
			worker.Exec(func() tools.Error {
				round = tcpTable.Snapshots(now)
				return tools.OK
			})
			if diagSrv != nil {
				fresh := make(map[uint64]tcp.ConnID, len(round))
				for _, snap := range round {
					cookie := snap.ID.Cookie()
					fresh[cookie] = snap.ID
					if _, ok := seen[cookie]; !ok {
						diagSrv.Opened(snap.ID, snap.Info.State)
					}
				}
				for cookie, id := range seen {
					if _, ok := fresh[cookie]; !ok {
						diagSrv.ClosedConn(id)
					}
				}
				seen = fresh
			}
			select {
			case rounds <- round:
			case <-ctx.Done():
				return
			}
		}
	}
}
