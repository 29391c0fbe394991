// Package engine binds the wire, frag, reorder, ackcache, latency, command
// and flux packages into the two long-lived goroutines of §4.9: a
// reception loop (socket → decrypt → defragment → decompress → header
// check → route) and a transmission loop (pacing → options → compress →
// fragment → encrypt → socket), plus the server's periodic client-table
// GC sweep and the client-side return-packet scheduler.
package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/rdgram/internal/command"
	"github.com/tinyrange/rdgram/internal/compressor"
	"github.com/tinyrange/rdgram/internal/config"
	"github.com/tinyrange/rdgram/internal/dtlscrypto"
	"github.com/tinyrange/rdgram/internal/events"
	"github.com/tinyrange/rdgram/internal/flux"
	"github.com/tinyrange/rdgram/internal/frag"
	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/sockio"
	"github.com/tinyrange/rdgram/internal/wire"
)

// Server is the server-side engine: one socket, one flux.Group (the
// sharded client table), and the two engine threads.
type Server struct {
	cfg     config.Config
	sock    sockio.Socket
	dtls    *dtlscrypto.Ctx
	group   *flux.Group
	handler events.Handler
	codec   wire.Codec

	cancel context.CancelFunc
	eg     *errgroup.Group

	closeOnce sync.Once
}

// NewServer constructs a Server bound to sock, a socket already listening
// on the desired address.
func NewServer(sock sockio.Socket, cfg config.Config, handler events.Handler) (*Server, error) {
	ctx, err := dtlscrypto.CtxInit()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		sock:    sock,
		dtls:    ctx,
		group:   flux.NewGroup(serverShardCount, cfg.MaxFluxPackets),
		handler: handler,
		codec:   compressor.Nop{},
	}, nil
}

// serverShardCount bounds per-flux mutex contention by spreading clients
// across a small fixed number of shards; the first packet from a new
// identity creates its client entry and assigns it a shard.
const serverShardCount = 4

// Start launches the reception and transmission goroutines.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.eg = eg
	eg.Go(func() error { return s.receptionLoop(egctx) })
	eg.Go(func() error { return s.transmissionLoop(egctx) })
}

// Stop signals both goroutines to exit, waits for them, and closes the
// socket.
func (s *Server) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.eg != nil {
			err = s.eg.Wait()
		}
		_ = s.sock.Close()
	})
	return err
}

// Group exposes the client table for diagnostics and the public API layer.
func (s *Server) Group() *flux.Group { return s.group }

// LocalAddr returns the address the server's socket is bound to.
func (s *Server) LocalAddr() *net.UDPAddr { return s.sock.LocalAddr() }

func (s *Server) notify(n events.Notification) {
	if s.handler != nil {
		s.handler(n)
	}
}

func (s *Server) receptionLoop(ctx context.Context) error {
	buf := make([]byte, s.cfg.FullDatagramSize)
	gcTicker := time.NewTicker(s.cfg.ClientGCDelay)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gcTicker.C:
			s.sweepExpiredClients()
		default:
		}

		dgram, errCode := s.sock.ReceiveFrom(ctx, buf)
		if errCode == sockio.ErrNotReady {
			continue
		}
		if errCode != sockio.NoError {
			if errCode == sockio.ErrDisconnected {
				return nil
			}
			continue
		}

		id, err := netaddr.IdentityFromUDPAddr(dgram.From)
		if err != nil {
			continue
		}

		factory := func() *peerstate.Client {
			adapterMTU, _ := s.sock.LocalMTU(dgram.From)
			c := peerstate.New(id, command.SideServer, s.cfg, adapterMTU)
			c.Commands().Push(command.NewHandshake(protocolVersion))
			c.Commands().Push(command.NewMTUProbe())
			return c
		}
		entry, _ := s.group.Resolve(id, factory)
		client := entry.Client

		s.processInbound(dgram.Data, id, client, s.group.Shard(entry.FluxIndex))
	}
}

func (s *Server) processInbound(raw []byte, id netaddr.Identity, client *peerstate.Client, shard *flux.Flux) {
	owned := append([]byte(nil), raw...)

	if client.Status() >= peerstate.Connected {
		session := client.DTLSSession()
		if session == nil {
			return
		}
		plain, err := session.Decrypt(owned)
		if err != nil {
			s.notify(events.Notification{Kind: events.NotifyPacketDropped, Detail: "decrypt failure"})
			return
		}
		owned = plain
	}

	pkt, err := wire.WrapReceived(owned, id)
	if err != nil {
		return
	}
	pkt.Skip(wire.HeaderSize)
	if !pkt.Valid() {
		return
	}

	if pkt.RetrieveHeaderID() == wire.IDCryptHandshake {
		feedHandshakeIn(client, pkt)
		return
	}

	if pkt.RetrieveFlags().Has(wire.FlagFragmented) {
		res, gid, err := client.Defragmenter().Process(pkt)
		if err != nil || res != frag.Retrievable {
			return
		}
		reassembled, err := client.Defragmenter().Retrieve(gid, id)
		if err != nil {
			return
		}
		pkt = reassembled
	}

	if pkt.RetrieveFlags().Has(wire.FlagCompressed) {
		if err := pkt.Decompress(s.codec); err != nil {
			return
		}
	}

	startDTLSIfNeeded(client, s.dtls, command.SideServer, "")

	if handleMTUTestEcho(pkt, client) {
		return
	}
	deliver(pkt, id, command.SideServer, client, shard, s.handler)
}

func (s *Server) sweepExpiredClients() {
	now := time.Now()
	var expired []netaddr.Identity
	s.group.ForEachClient(func(c *peerstate.Client) bool {
		if c.CheckTimeout(now) {
			expired = append(expired, c.Identity())
			s.notify(events.Notification{Kind: events.NotifyTimeout, Detail: c.Identity().String()})
		}
		return true
	})
	for _, id := range expired {
		s.group.RemoveClient(id)
	}
}

func (s *Server) transmissionLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TransmissionTick)
	defer ticker.Stop()
	cmdTicker := time.NewTicker(s.cfg.CommandUpdateTick)
	defer cmdTicker.Stop()

	var lastCmdTick time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-cmdTicker.C:
			elapsed := now.Sub(lastCmdTick)
			lastCmdTick = now
			s.tickCommands(elapsed)
		case now := <-ticker.C:
			s.group.ForEachClient(func(c *peerstate.Client) bool {
				if c.Status() == peerstate.Timeout || c.Status() == peerstate.Disconnected {
					return true
				}
				driveHandshake(c)
				id := c.Identity()
				pumpOne(now, c, id, s.sock, s.codec)
				return true
			})
		}
	}
}

func (s *Server) tickCommands(elapsed time.Duration) {
	s.group.ForEachClient(func(c *peerstate.Client) bool {
		if pkt, res := c.Commands().Update(command.SideServer, c, elapsed); pkt != nil {
			c.PushBack(pkt)
			_ = res
		}
		return true
	})
}
