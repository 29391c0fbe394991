package engine

import (
	"github.com/tinyrange/rdgram/internal/command"
	"github.com/tinyrange/rdgram/internal/dtlscrypto"
	"github.com/tinyrange/rdgram/internal/peerstate"
	"github.com/tinyrange/rdgram/internal/wire"
)

// startDTLSIfNeeded creates the peer's DTLS session at the point in the
// state machine §4.6 mandates: the server on entering mtu-discovered, the
// client already at acknowledged.
func startDTLSIfNeeded(client *peerstate.Client, ctx *dtlscrypto.Ctx, side command.Side, serverNameHint string) {
	if client.DTLSSession() != nil {
		return
	}
	switch side {
	case command.SideServer:
		if client.Status() == peerstate.MTUDiscovered {
			if s, err := ctx.SessionCreateServer(); err == nil {
				client.SetDTLSSession(s)
			}
		}
	case command.SideClient:
		if client.Status() == peerstate.Acknowledged {
			if s, err := ctx.SessionCreateClient(serverNameHint); err == nil {
				client.SetDTLSSession(s)
			}
		}
	}
}

// driveHandshake drains any outbound handshake record pion/dtls has queued
// for this peer, wraps it in a CRYPT_HANDSHAKE carrier routed around
// compression/encryption, and promotes the client to connected once
// SSL_is_init_finished reports true.
func driveHandshake(client *peerstate.Client) {
	session := client.DTLSSession()
	if session == nil {
		return
	}
	if session.HandshakeFinished() {
		if client.Status() == peerstate.MTUDiscovered || client.Status() == peerstate.Acknowledged {
			client.MarkConnected()
		}
		return
	}
	buf := make([]byte, 4096)
	for {
		out, ok, err := session.ReadHandshakeOut(buf)
		if err != nil || !ok {
			return
		}
		pkt := wire.NewProtocolPacket(wire.Header{Identifier: wire.IDCryptHandshake})
		pkt.DoNotReorder().DoNotDiscard()
		pkt.Append(out)
		client.PushBack(pkt)
	}
}

// feedHandshakeIn routes a received CRYPT_HANDSHAKE carrier's body into the
// session so pion/dtls's record layer can consume it.
func feedHandshakeIn(client *peerstate.Client, pkt *wire.ProtocolPacket) {
	session := client.DTLSSession()
	if session == nil {
		return
	}
	body := pkt.Bytes()[wire.HeaderSize:]
	_ = session.WriteHandshakeIn(body)
}
