package engine

import (
	"time"

	"github.com/tinyrange/rdgram/internal/netaddr"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/sockio"
	"github.com/tinyrange/rdgram/internal/wire"
)

// pumpOne drives one client's transmission step (§4.9): process the ack
// cache (which may push retransmits to the front of the pending queue),
// then, if pacing allows, pop and send the head of the pending queue.
func pumpOne(now time.Time, client *peerstate.Client, id netaddr.Identity, sock sockio.Socket, codec wire.Codec) {
	client.Cache().Process(now, client)

	if client.PendingLen() == 0 || client.SinceLastSend() < client.PacingInterval() {
		return
	}

	pkt := client.PopFront()
	if pkt == nil {
		return
	}

	if !pkt.Cached {
		if err := pkt.ApplyOptions(client); err != nil {
			return
		}
		if client.Status() >= peerstate.Connected {
			_ = pkt.Compress(codec)
		}
		if pkt.RetrieveFlags().Has(wire.FlagDoNotDiscard) {
			client.Cache().Push(pkt, now)
		}
	}

	mtu := client.DiscoveredMTU()
	if mtu > 0 && pkt.RetrieveFlags().Has(wire.FlagDoNotFragment) && !pkt.RetrieveFlags().Has(wire.FlagFragmented) && pkt.Len() > mtu {
		return
	}
	if !pkt.RetrieveFlags().Has(wire.FlagFragmented) && mtu > 0 && !pkt.RetrieveFlags().Has(wire.FlagDoNotFragment) {
		frags, err := pkt.Fragment(mtu)
		if err == nil && len(frags) > 1 {
			for i := len(frags) - 1; i >= 1; i-- {
				client.PushFront(frags[i])
			}
			pkt = frags[0]
		}
	}

	out := pkt.Bytes()
	if pkt.MarkedForEncrypt {
		if session := client.DTLSSession(); session != nil {
			enc, err := session.Encrypt(out)
			if err != nil {
				return
			}
			out = enc
		}
	}

	sock.SendTo(out, id.UDPAddr())
	client.ResetLastSendTs()
	if pkt.RetrieveHeaderID() == wire.IDDisconnect {
		client.SetDisconnected()
	}
}
