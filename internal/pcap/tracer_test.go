package pcap

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/tinyrange/rdgram/internal/sockio"
)

type fakeSocket struct {
	sent     [][]byte
	recvData []byte
}

func (f *fakeSocket) ReceiveFrom(ctx context.Context, buf []byte) (sockio.ReceivedDatagram, sockio.Error) {
	n := copy(buf, f.recvData)
	return sockio.ReceivedDatagram{Data: buf[:n], From: &net.UDPAddr{}}, sockio.NoError
}

func (f *fakeSocket) SendTo(data []byte, addr *net.UDPAddr) sockio.Error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return sockio.NoError
}

func (f *fakeSocket) LocalMTU(addr *net.UDPAddr) (int, error) { return 1500, nil }
func (f *fakeSocket) LocalAddr() *net.UDPAddr                 { return &net.UDPAddr{} }
func (f *fakeSocket) Close() error                             { return nil }

func TestTracerRecordsBothDirections(t *testing.T) {
	var out bytes.Buffer
	tracer, err := NewTracer(&out, 0)
	if err != nil {
		t.Fatalf("new tracer: %v", err)
	}

	fake := &fakeSocket{recvData: []byte{1, 2, 3}}
	wrapped := tracer.Wrap(fake)

	if errCode := wrapped.SendTo([]byte{4, 5}, &net.UDPAddr{}); errCode != sockio.NoError {
		t.Fatalf("send: %v", errCode)
	}
	buf := make([]byte, 16)
	if _, errCode := wrapped.ReceiveFrom(context.Background(), buf); errCode != sockio.NoError {
		t.Fatalf("receive: %v", errCode)
	}

	// 24-byte global header + two 16-byte record headers + 2 + 3 payload bytes.
	want := 24 + 16 + 2 + 16 + 3
	if out.Len() != want {
		t.Fatalf("expected %d captured bytes, got %d", want, out.Len())
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected send to still reach the underlying socket, got %d calls", len(fake.sent))
	}
}
