package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/rdgram/internal/ackcache"
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

// Client is the client-side engine: a single peer (the server), its own
// flux.Single queue, and the return-packet scheduler of §4.8.
type Client struct {
	cfg    config.Config
	sock   sockio.Socket
	dtls   *dtlscrypto.Ctx
	server *peerstate.Client
	single *flux.Single
	sched  *returnScheduler

	handler events.Handler
	codec   wire.Codec

	serverName string

	cancel context.CancelFunc
	eg     *errgroup.Group

	closeOnce sync.Once
}

// NewClient constructs a Client engine dialed toward serverAddr.
func NewClient(sock sockio.Socket, serverAddr *net.UDPAddr, cfg config.Config, handler events.Handler) (*Client, error) {
	dtlsCtx, err := dtlscrypto.CtxInit()
	if err != nil {
		return nil, err
	}
	id, err := netaddr.IdentityFromUDPAddr(serverAddr)
	if err != nil {
		return nil, err
	}
	adapterMTU, _ := sock.LocalMTU(serverAddr)
	server := peerstate.New(id, command.SideClient, cfg, adapterMTU)
	server.Commands().Push(command.NewHandshake(protocolVersion))
	server.Commands().Push(command.NewMTUProbe())

	c := &Client{
		cfg:        cfg,
		sock:       sock,
		dtls:       dtlsCtx,
		server:     server,
		single:     flux.NewSingle(server, cfg.MaxFluxPackets),
		handler:    handler,
		codec:      compressor.Nop{},
		serverName: serverAddr.IP.String(),
	}
	c.sched = newReturnScheduler(server)
	return c, nil
}

// Server returns the peer.Client record representing the remote server.
func (c *Client) Server() *peerstate.Client { return c.server }

// Inbound returns the bounded deque of packets ready for the application to
// drain.
func (c *Client) Inbound() *flux.Flux { return c.single.Flux }

// StartEvent begins accumulating a return-packet event; see returnScheduler.
func (c *Client) StartEvent(kind events.Kind) *EventBuilder { return c.sched.StartEvent(kind) }

// Start launches the reception and transmission goroutines.
func (c *Client) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.eg = eg
	eg.Go(func() error { return c.receptionLoop(egctx) })
	eg.Go(func() error { return c.transmissionLoop(egctx) })
}

// Stop signals both goroutines to exit, waits for them, and closes the
// socket.
func (c *Client) Stop() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.eg != nil {
			err = c.eg.Wait()
		}
		_ = c.sock.Close()
	})
	return err
}

func (c *Client) notify(n events.Notification) {
	if c.handler != nil {
		c.handler(n)
	}
}

func (c *Client) receptionLoop(ctx context.Context) error {
	buf := make([]byte, c.cfg.FullDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		dgram, errCode := c.sock.ReceiveFrom(ctx, buf)
		if errCode == sockio.ErrNotReady {
			continue
		}
		if errCode != sockio.NoError {
			if errCode == sockio.ErrDisconnected {
				return nil
			}
			continue
		}
		c.processInbound(dgram.Data)
	}
}

func (c *Client) processInbound(raw []byte) {
	owned := append([]byte(nil), raw...)
	client := c.server

	if client.Status() >= peerstate.Connected {
		session := client.DTLSSession()
		if session == nil {
			return
		}
		plain, err := session.Decrypt(owned)
		if err != nil {
			c.notify(events.Notification{Kind: events.NotifyPacketDropped, Detail: "decrypt failure"})
			return
		}
		owned = plain
	}

	pkt, err := wire.WrapReceived(owned, client.Identity())
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
		reassembled, err := client.Defragmenter().Retrieve(gid, client.Identity())
		if err != nil {
			return
		}
		pkt = reassembled
	}

	if pkt.RetrieveFlags().Has(wire.FlagCompressed) {
		if err := pkt.Decompress(c.codec); err != nil {
			return
		}
	}

	startDTLSIfNeeded(client, c.dtls, command.SideClient, c.serverName)

	if handleMTUTestEcho(pkt, client) {
		return
	}
	deliver(pkt, client.Identity(), command.SideClient, client, c.single.Flux, c.handler)
}

func (c *Client) transmissionLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TransmissionTick)
	defer ticker.Stop()
	cmdTicker := time.NewTicker(c.cfg.CommandUpdateTick)
	defer cmdTicker.Stop()

	var lastCmdTick time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-cmdTicker.C:
			elapsed := now.Sub(lastCmdTick)
			lastCmdTick = now
			if pkt, _ := c.server.Commands().Update(command.SideClient, c.server, elapsed); pkt != nil {
				c.server.PushBack(pkt)
			}
		case now := <-ticker.C:
			driveHandshake(c.server)
			var labels []ackcache.Label
			if drained := c.server.DrainAcks(); len(drained) > 0 {
				labels = drained
			}
			c.sched.Tick(now, c.cfg.PacketReturnRate, labels)
			pumpOne(now, c.server, c.server.Identity(), c.sock, c.codec)
		}
	}
}
