// Command testclient tails the service's event stream over WebSocket
// and prints each event as one JSON line.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "service address")
	flag.Parse()

	url := "ws://" + *addr + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	log.Printf("Connected to %s", url)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			os.Stdout.Write(append(msg, '\n'))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-done:
	}
}
