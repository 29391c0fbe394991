// Package dtlscrypto is the opaque crypto handle collaborator described in
// spec.md §9: ctx_init/ctx_free, per-connection session_create/session_free,
// and two symmetric transforms (encrypt/decrypt) operating on whole packet
// payloads, backed by pion/dtls/v3's DTLS 1.2 implementation with a
// self-signed ephemeral identity (no PKI trust, per spec.md's Non-goals).
//
// Because pion/dtls drives a stream-shaped net.Conn rather than an
// encrypt(bytes)->bytes function, this package bridges the two by handing
// pion/dtls an in-memory net.Conn backed by pion/transport's packetio
// buffers: Encrypt/Decrypt push one side of that pipe and pull the other,
// so record framing happens entirely inside pion/dtls while callers keep a
// call-and-response shape that matches the rest of this module's engine.
package dtlscrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/packetio"
)

// Ctx is the process-wide DTLS context: a self-signed ephemeral identity
// plus a shared logging factory, analogous to ctx_init/ctx_free in the
// spec's collaborator contract.
type Ctx struct {
	cert        tls.Certificate
	loggerFactory logging.LoggerFactory
}

// CtxInit generates a fresh ephemeral ECDSA identity and returns a Ctx ready
// to mint client/server sessions. There is no certificate-verification or
// PKI trust store, matching the Non-goals in spec.md §1.
func CtxInit() (*Ctx, error) {
	cert, err := generateEphemeralCert()
	if err != nil {
		return nil, fmt.Errorf("dtlscrypto: generate ephemeral identity: %w", err)
	}
	return &Ctx{
		cert:          cert,
		loggerFactory: logging.NewDefaultLoggerFactory(),
	}, nil
}

// Free releases the context. Present for symmetry with the spec's
// ctx_init/ctx_free pairing; Go's GC reclaims everything here, so this is a
// no-op kept for API shape and future extension (e.g. metrics flush).
func (c *Ctx) Free() {}

func generateEphemeralCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "rdgram-ephemeral"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// pipeConn adapts two packetio.Buffer instances into a net.Conn so
// pion/dtls can drive its record layer while this package's Encrypt/Decrypt
// push and pull the raw bytes on the other side.
type pipeConn struct {
	// toDTLS carries bytes this package injects for pion/dtls to read
	// (i.e. a received, still-encrypted datagram during Decrypt, or a
	// handshake record fed in via WriteHandshakeIn).
	toDTLS *packetio.Buffer
	// fromDTLS carries bytes pion/dtls has produced for this package to
	// send on the wire (i.e. the ciphertext from Encrypt, or an outbound
	// handshake flight read via ReadHandshakeOut).
	fromDTLS *packetio.Buffer
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toDTLS:   packetio.NewBuffer(),
		fromDTLS: packetio.NewBuffer(),
	}
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.toDTLS.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.fromDTLS.Write(b) }
func (p *pipeConn) Close() error {
	_ = p.toDTLS.Close()
	_ = p.fromDTLS.Close()
	return nil
}
func (p *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error  { return p.toDTLS.SetReadDeadline(t) }
func (p *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "rdgram-dtls-pipe" }
func (pipeAddr) String() string  { return "rdgram-dtls-pipe" }

// Session wraps one peer's DTLS connection. Handshake records and
// post-handshake application data both flow through Encrypt/Decrypt and
// the WriteHandshakeIn/ReadHandshakeOut pair; the engine decides, via the
// packet's identifier and the connection state machine, which side of the
// pipe a given received record belongs on.
type Session struct {
	conn   *dtls.Conn
	pipe   *pipeConn
	doneCh chan error
	done   bool
	err    error
}

func newSession(pipe *pipeConn) *Session {
	return &Session{pipe: pipe, doneCh: make(chan error, 1)}
}

// SessionCreateClient starts a client-side DTLS handshake against the
// given server name hint (unused for verification, since no PKI trust is
// established; kept only because pion/dtls's Config accepts it).
func (c *Ctx) SessionCreateClient(serverNameHint string) (*Session, error) {
	pipe := newPipeConn()
	s := newSession(pipe)
	cfg := &dtls.Config{
		Certificates:       []tls.Certificate{c.cert},
		InsecureSkipVerify: true,
		LoggerFactory:      c.loggerFactory,
		ServerName:         serverNameHint,
	}
	go func() {
		conn, err := dtls.Client(pipe, cfg)
		if err != nil {
			s.doneCh <- err
			return
		}
		s.conn = conn
		s.doneCh <- nil
	}()
	return s, nil
}

// SessionCreateServer starts a server-side DTLS handshake.
func (c *Ctx) SessionCreateServer() (*Session, error) {
	pipe := newPipeConn()
	s := newSession(pipe)
	cfg := &dtls.Config{
		Certificates:       []tls.Certificate{c.cert},
		InsecureSkipVerify: true,
		LoggerFactory:      c.loggerFactory,
		ClientAuth:         dtls.NoClientCert,
	}
	go func() {
		conn, err := dtls.Server(pipe, cfg)
		if err != nil {
			s.doneCh <- err
			return
		}
		s.conn = conn
		s.doneCh <- nil
	}()
	return s, nil
}

// Free tears down the session's pipe, unblocking any in-flight handshake
// goroutine with an I/O error.
func (s *Session) Free() {
	_ = s.pipe.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// HandshakeFinished reports whether the handshake has completed, matching
// SSL_is_init_finished in spec.md §4.6. It is non-blocking: it only
// observes completion already signalled by the handshake goroutine.
func (s *Session) HandshakeFinished() bool {
	if s.done {
		return s.err == nil
	}
	select {
	case err := <-s.doneCh:
		s.done = true
		s.err = err
	default:
	}
	return s.done && s.err == nil
}

// HandshakeError returns the terminal handshake error, if any, once
// HandshakeFinished has observed completion.
func (s *Session) HandshakeError() error { return s.err }

// WriteHandshakeIn feeds one received CRYPT_HANDSHAKE record's raw bytes
// into the session so pion/dtls's record layer can consume it.
func (s *Session) WriteHandshakeIn(record []byte) error {
	_, err := s.pipe.toDTLS.Write(record)
	return err
}

// ReadHandshakeOut drains one outbound handshake record pion/dtls has
// queued for transmission, or returns (nil, false) if none is pending.
func (s *Session) ReadHandshakeOut(buf []byte) ([]byte, bool, error) {
	s.pipe.fromDTLS.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := s.pipe.fromDTLS.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, false, nil
		}
		return nil, false, err
	}
	return buf[:n], true, nil
}

// Encrypt seals payload as DTLS application data and returns the resulting
// ciphertext record(s) ready to place on the wire.
func (s *Session) Encrypt(payload []byte) ([]byte, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("dtlscrypto: encrypt before handshake completion")
	}
	if _, err := s.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("dtlscrypto: encrypt: %w", err)
	}
	buf := make([]byte, 64*1024)
	s.pipe.fromDTLS.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	n, err := s.pipe.fromDTLS.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("dtlscrypto: drain ciphertext: %w", err)
	}
	return buf[:n], nil
}

// Decrypt feeds a received ciphertext record into the session and returns
// the recovered application-data payload.
func (s *Session) Decrypt(record []byte) ([]byte, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("dtlscrypto: decrypt before handshake completion")
	}
	if _, err := s.pipe.toDTLS.Write(record); err != nil {
		return nil, fmt.Errorf("dtlscrypto: feed ciphertext: %w", err)
	}
	buf := make([]byte, 64*1024)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("dtlscrypto: decrypt: %w", err)
	}
	return buf[:n], nil
}
