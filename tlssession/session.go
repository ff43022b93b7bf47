package tlssession

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/emberhttpd/ember/api"
)

// Session is one connection's TLS state: the tls.Conn wrapping the raw
// socket, plus the handshake-complete flag spec.md §3 names explicitly.
type Session struct {
	conn              *tls.Conn
	handshakeComplete bool
}

// Server wraps raw in server-side TLS using ctx's configuration. The
// handshake itself is driven by Handshake, not performed here, so the
// caller controls exactly when the FSM's TLS_HANDSHAKE state begins.
func (c *Context) Server(raw net.Conn) *Session {
	return &Session{conn: tls.Server(raw, c.tlsConfig)}
}

// Handshake drives the NEW -> TLS_HANDSHAKE -> HTTP_READING transition
// (spec.md §4.1): it blocks the connection's own goroutine, bounded by
// deadline, rather than looping on WANT_READ/WANT_WRITE the way a
// BIO-pumped implementation would — tls.Conn already performs that
// pumping against raw internally.
func (s *Session) Handshake(ctx context.Context, deadline time.Time) *api.Error {
	if err := s.conn.SetDeadline(deadline); err != nil {
		return api.Wrap(api.CodeTLSHandshake, err, "failed to set handshake deadline")
	}
	if err := s.conn.HandshakeContext(ctx); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return api.Wrap(api.CodeTimeout, err, "TLS handshake deadline exceeded")
		}
		return api.Wrap(api.CodeTLSHandshake, err, "TLS handshake failed")
	}
	// Clear the handshake-only deadline; the connection FSM installs
	// its own per-request idle deadline once HTTP_READING begins.
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return api.Wrap(api.CodeTLSHandshake, err, "failed to clear handshake deadline")
	}
	s.handshakeComplete = true
	return nil
}

// HandshakeComplete reports whether Handshake succeeded.
func (s *Session) HandshakeComplete() bool { return s.handshakeComplete }

// ConnectionState exposes the negotiated protocol version, cipher
// suite, and peer certificates once the handshake has completed.
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// Read and Write satisfy net.Conn-shaped usage from the connection FSM
// so it can treat a TLS session exactly like a plaintext socket once
// the handshake is done.
func (s *Session) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *Session) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *Session) Close() error                { return s.conn.Close() }

// SetDeadline/SetReadDeadline/SetWriteDeadline pass through to the
// underlying connection so the FSM's per-connection timer (spec.md
// §4.1 "Timeouts") applies uniformly whether or not TLS is enabled.
func (s *Session) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *Session) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Session) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// Underlying exposes the wrapped *tls.Conn for callers that need
// sendfile-style access to the raw *net.TCPConn beneath it; TLS
// sessions never get the zero-copy fast path (spec.md implies sendfile
// is for the plaintext static-file case), so callers should check for
// a non-nil TCP connection only when no Session is in play.
func (s *Session) Underlying() *tls.Conn { return s.conn }
