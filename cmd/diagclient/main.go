// diagclient is a minimal reference implementation of a netstackd
// connection-event client, modeled on cmd/example-eventsocket-client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/m-lab/go/flagx"

	"github.com/m-lab/netstack/internal/diag"
)

var socket = flag.String("diag.socket", "", "Unix domain socket serving netstackd connection events.")

var (
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	if err := flagx.ArgsFromEnv(flag.CommandLine); err != nil {
		log.Fatal("could not get args from environment variables: ", err)
	}
	defer mainCancel()

	if *socket == "" {
		log.Fatal("-diag.socket path is required")
	}

	handler := diag.HandlerFunc(func(e diag.Event) {
		log.Println(e.Kind, e.Timestamp, e.Local, e.LocalPort, e.Remote, e.RemotePort, e.State)
	})

	go func() {
		if err := diag.Run(mainCtx, *socket, handler); err != nil {
			log.Println("diag client exited:", err)
		}
		mainCancel()
	}()

	<-mainCtx.Done()
	fmt.Println("ok")
}
