package rdgram_test

import (
	"testing"
	"time"

	"github.com/tinyrange/rdgram"
	"github.com/tinyrange/rdgram/internal/config"
)

func TestListenDialHandshakeToConnected(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultStatusTimeout = 2 * time.Second
	cfg.ReceptionSelectTimeout = 20 * time.Millisecond

	server, err := rdgram.Listen("127.0.0.1:0", rdgram.WithConfig(cfg))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	// Listen binds an ephemeral port; dial via the server's own bound
	// address so the test doesn't hardcode a port.
	peer, err := rdgram.Dial(server.LocalAddr().String(), rdgram.WithConfig(cfg))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if peer.Status().String() == "connected" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer never reached connected, last status %s", peer.Status())
}

func TestSendOptionsConstruct(t *testing.T) {
	// This test only checks that the SendOption constructors don't panic
	// and are independently composable; it does not apply them to a packet.
	opts := []rdgram.SendOption{rdgram.Reliable(), rdgram.Unordered(), rdgram.Unfragmented()}
	if len(opts) != 3 {
		t.Fatalf("expected 3 options, got %d", len(opts))
	}
}
