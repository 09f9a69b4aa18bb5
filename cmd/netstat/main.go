// Command netstat converts archived connection snapshots, written by
// netstackd's capture.Saver, into a CSV report on stdout. See
// cmd/csvtool, which this tool is modeled on, for the equivalent
// conversion of the teacher's archive format.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netstack/internal/capture"
	"github.com/m-lab/netstack/tcp"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// row flattens a tcp.ConnSnapshot's identity alongside its Info so gocsv
// can marshal both with one pass; tcp.Info already carries the `csv` tags
// its fields are reported under.
type row struct {
	LocalIP    string `csv:"Local.IP"`
	LocalPort  uint16 `csv:"Local.Port"`
	RemoteIP   string `csv:"Remote.IP"`
	RemotePort uint16 `csv:"Remote.Port"`
	Timestamp  string `csv:"Timestamp"`
	tcp.Info
}

func toRows(snaps []tcp.ConnSnapshot) []*row {
	rows := make([]*row, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, &row{
			LocalIP:    dottedQuad(s.ID.LocalIP),
			LocalPort:  s.ID.LocalPort,
			RemoteIP:   dottedQuad(s.ID.RemoteIP),
			RemotePort: s.ID.RemotePort,
			Timestamp:  s.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"),
			Info:       s.Info,
		})
	}
	return rows
}

func dottedQuad(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

func main() {
	args := os.Args[1:]
	if len(args) != 1 {
		log.Fatal("usage: netstat <archive-file.zst>")
	}

	snaps, err := capture.ReadFile(args[0])
	rtx.Must(err, "could not read archive %q", args[0])

	rtx.Must(gocsv.Marshal(toRows(snaps), os.Stdout), "could not write CSV")
}
