package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"strings"
)

// Handler receives decoded events from Run's client loop.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(Event)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Run connects to socket and dispatches every decoded event to handler
// until ctx is canceled or the connection drops. A closed-by-us
// disconnection is not treated as an error; anything else is returned.
func Run(ctx context.Context, socket string, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			log.Println("diag: could not unmarshal event:", err)
			continue
		}
		handler.HandleEvent(event)
	}

	err = scanner.Err()
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		err = nil
	}
	return err
}
