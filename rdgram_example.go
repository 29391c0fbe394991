//go:build ignore

// This file demonstrates every public API in the rdgram package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"fmt"
	"log"
	"time"

	"github.com/tinyrange/rdgram"
	"github.com/tinyrange/rdgram/internal/events"
	"github.com/tinyrange/rdgram/internal/peerstate"
)

func main() {
	handler := func(n events.Notification) {
		fmt.Printf("event: %d %s\n", n.Kind, n.Detail)
	}

	server, err := rdgram.Listen("0.0.0.0:9033", rdgram.WithEventHandler(handler))
	if err != nil {
		log.Fatal(err)
	}
	defer server.Close()

	peer, err := rdgram.Dial("127.0.0.1:9033", rdgram.WithEventHandler(handler))
	if err != nil {
		log.Fatal(err)
	}
	defer peer.Close()

	for peer.Status() != peerstate.Connected {
		time.Sleep(50 * time.Millisecond)
	}

	if err := peer.Send([]byte("hello"), rdgram.Reliable()); err != nil {
		log.Fatal(err)
	}

	peer.StartEvent(events.KindSimple).EndEvent()

	for {
		if pkt, ok := server.Receive(); ok {
			fmt.Printf("server got %q from realm %d counter %d at %s\n",
				pkt.Payload, pkt.Realm, pkt.Counter, pkt.ReceivedAt)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, id := range server.Peers() {
		_ = server.Send(id, []byte("welcome"), rdgram.Unordered(), rdgram.Unfragmented())
	}
}
