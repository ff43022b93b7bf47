package conn

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emberhttpd/ember/api"
	"github.com/emberhttpd/ember/asyncfile"
	"github.com/emberhttpd/ember/config"
	"github.com/emberhttpd/ember/httpparser"
	"github.com/emberhttpd/ember/router"
	"github.com/emberhttpd/ember/static"
	"github.com/emberhttpd/ember/tlssession"
	"github.com/emberhttpd/ember/wsproto"
)

// transport is satisfied by both a raw net.Conn and a
// *tlssession.Session, letting Connection treat plaintext and TLS
// sockets identically once any handshake has completed.
type transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Deps bundles the server-wide, read-only-after-start collaborators
// every Connection consults (spec.md §5 "Shared-resource policy").
type Deps struct {
	Config   *config.Config
	Router   *router.Router
	Static   *static.Service
	Files    *asyncfile.Manager
	TLS      *tlssession.Context
	Observer api.ErrorObserver
	Logger   api.Logger

	// WebSocketHandler, if non-nil, is the server-wide upgrade handler:
	// every WebSocket upgrade request is answered with 101, and the
	// handler is invoked once per reassembled application message while
	// the connection is in WEBSOCKET_OPEN. With a nil handler, upgrade
	// requests are dispatched like any other request.
	WebSocketHandler func(ws *WebSocket, msg *wsproto.Message)
}

// Connection drives one accepted socket's entire lifecycle on its own
// goroutine, per spec.md §4.1.
type Connection struct {
	deps Deps
	raw  net.Conn
	tr   transport

	// id correlates every log line this connection emits across its
	// whole lifetime, the way a request ID threads through a proxy's
	// access log.
	id string

	state State

	parser *httpparser.Parser
	req    *api.Request
	resp   *api.Response

	keepAlive  bool
	pendingWS  bool
	wsKey      string
	closeOnce  sync.Once
	closePend  int32
	writeMu    sync.Mutex
}

// New wraps an accepted socket. Call Serve to run its lifecycle; Serve
// blocks until the connection closes, so callers spawn it in its own
// goroutine (`go conn.Serve()`), matching every accept loop in the
// example corpus.
func New(raw net.Conn, deps Deps) *Connection {
	if deps.Observer == nil {
		deps.Observer = api.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Connection{
		deps:  deps,
		raw:   raw,
		id:    uuid.NewString(),
		state: StateNew,
	}
}

// ID returns the connection's correlation identifier, stable for its
// entire lifetime.
func (c *Connection) ID() string { return c.id }

func (c *Connection) log() *logrus.Entry {
	return c.deps.Logger.WithField("conn_id", c.id)
}

// State reports the connection's current FSM state. Safe to call from
// another goroutine for observability purposes only.
func (c *Connection) State() State { return c.state }

// Serve drives NEW through CLOSED. It never returns until the
// connection is fully torn down.
func (c *Connection) Serve() {
	defer c.close()

	if c.deps.TLS != nil {
		c.state = StateTLSHandshake
		sess := c.deps.TLS.Server(c.raw)
		timeout := c.connTimeout()
		if c.deps.Config != nil && c.deps.Config.TLS != nil && c.deps.Config.TLS.HandshakeTimeout > 0 {
			timeout = c.deps.Config.TLS.HandshakeTimeout
		}
		if herr := sess.Handshake(context.Background(), time.Now().Add(timeout)); herr != nil {
			c.deps.Observer.ObserveError(herr.Code)
			c.log().WithError(herr).Warn("tls handshake failed")
			return
		}
		c.tr = sess
	} else {
		c.tr = c.raw
	}

	c.state = StateHTTPReading
	c.serveHTTP()
}

func (c *Connection) connTimeout() time.Duration {
	if c.deps.Config != nil && c.deps.Config.ConnTimeout > 0 {
		return c.deps.Config.ConnTimeout
	}
	return 30 * time.Second
}

func (c *Connection) limits() httpparser.Limits {
	if c.deps.Config == nil {
		return httpparser.Limits{}
	}
	return httpparser.Limits{
		MaxHeaderSize: c.deps.Config.MaxHeaderSize,
		MaxURLSize:    c.deps.Config.MaxURLSize,
		MaxBodySize:   c.deps.Config.MaxBodySize,
	}
}

// serveHTTP implements the HTTP_READING <-> HTTP_WRITING pipelining
// loop: parse one request to completion, dispatch it, write the
// response, and — only if negotiated — read the next pipelined request
// on the same goroutine. Because this is a plain for loop on a
// dedicated goroutine rather than a callback reinvoked from a
// write-complete handler, the "restart-read must be deferred, not
// reentrant" rule from spec.md §4.1/§5 is satisfied structurally: the
// next iteration's read happens after this one's write returns, at the
// same stack depth, never nested inside it.
func (c *Connection) serveHTTP() {
	readBuf := make([]byte, c.readBufferInitial())

	// One parser for the lifetime of the HTTP phase: Reset() clears
	// per-message state but deliberately leaves any bytes already
	// buffered from a prior pipelined Read in place (parser.go's
	// Reset doc comment). Reallocating here instead would throw away
	// a second request that arrived in the same Read as the first.
	c.parser = httpparser.New(c.limits(), c.buildCallbacks())

	for {
		if c.isClosePending() {
			return
		}

		c.req = &api.Request{}
		c.resp = api.NewResponse()
		c.parser.Reset()

		if !c.readOneMessage(readBuf) {
			return
		}

		c.state = StateHTTPProcessing
		c.dispatch()

		if c.isClosePending() {
			return
		}

		c.state = StateHTTPWriting
		if err := c.writeResponse(); err != nil {
			return
		}

		if c.pendingWS {
			c.state = StateWebSocketOpen
			c.runWebSocket(readBuf)
			return
		}

		if !c.keepAlive {
			c.state = StateClosing
			return
		}

		c.state = StateHTTPReading
	}
}

func (c *Connection) readBufferInitial() int {
	if c.deps.Config != nil && c.deps.Config.ReadBufferInitial > 0 {
		return c.deps.Config.ReadBufferInitial
	}
	return 4096
}

// readOneMessage feeds the parser until it reports message-complete or
// a fatal parse/read error occurs. Returns false if the connection
// should close: after writing a 400/413 error response for malformed
// input, or without a response on a read error or timeout. The read
// chunk size (buf) is independent of the hard caps
// on header/URL/body size, which httpparser.Limits enforces against
// its own internal accumulation buffer regardless of how many bytes
// arrive per Read.
func (c *Connection) readOneMessage(buf []byte) bool {
	for !c.parser.Done() {
		if err := c.tr.SetReadDeadline(time.Now().Add(c.connTimeout())); err != nil {
			return false
		}
		n, err := c.tr.Read(buf)
		if n > 0 {
			_, perr := c.parser.Feed(buf[:n])
			if perr != nil {
				c.writeErrorResponse(perr)
				c.deps.Observer.ObserveError(perr.Code)
				c.log().WithError(perr).Debug("malformed request, closing connection")
				return false
			}
		}
		if err != nil {
			return false
		}
	}
	return true
}

func (c *Connection) buildCallbacks() httpparser.Callbacks {
	var curField string
	return httpparser.Callbacks{
		OnMethod: func(b []byte) { c.req.Method = api.Method(b) },
		OnURL: func(b []byte) {
			c.req.Target = string(b)
			c.splitTarget()
		},
		OnVersion: func(major, minor int) {
			c.req.VersionMajor, c.req.VersionMinor = major, minor
		},
		OnHeaderField: func(b []byte) { curField = string(b) },
		OnHeaderValue: func(b []byte) {
			c.req.Headers = append(c.req.Headers, api.Header{Name: curField, Value: string(b)})
		},
		OnHeadersComplete: func() { c.extractFraming() },
		OnBody: func(b []byte) {
			c.req.Body = append(c.req.Body, b...)
		},
	}
}

func (c *Connection) splitTarget() {
	if i := strings.IndexByte(c.req.Target, '?'); i >= 0 {
		c.req.Path = c.req.Target[:i]
		c.req.RawQuery = c.req.Target[i+1:]
	} else {
		c.req.Path = c.req.Target
	}
	if decoded, err := url.PathUnescape(c.req.Path); err == nil {
		c.req.Path = decoded
	}
}

// extractFraming pulls Connection/Upgrade semantics out of the now
// fully-parsed header set, per spec.md §4.1's HTTP_READING ->
// HTTP_PROCESSING transition.
func (c *Connection) extractFraming() {
	keepAlive := c.req.VersionMajor == 1 && c.req.VersionMinor == 1
	upgradeRequested := false
	wsKey := ""

	for _, h := range c.req.Headers {
		switch {
		case strings.EqualFold(h.Name, "Connection"):
			if containsToken(h.Value, "close") {
				keepAlive = false
			} else if containsToken(h.Value, "keep-alive") {
				keepAlive = true
			}
		case strings.EqualFold(h.Name, "Upgrade") && strings.EqualFold(strings.TrimSpace(h.Value), "websocket"):
			upgradeRequested = true
		case strings.EqualFold(h.Name, "Sec-WebSocket-Key"):
			wsKey = h.Value
		}
	}

	c.req.KeepAlive = keepAlive
	if upgradeRequested && wsKey != "" {
		c.req.Upgrade = true
		c.req.WebSocketKey = wsKey
	}
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// dispatch consults the router, falls back to the static-file service,
// and handles a pending WebSocket upgrade, per spec.md §4.1
// HTTP_PROCESSING.
func (c *Connection) dispatch() {
	if c.req.Upgrade && c.deps.WebSocketHandler != nil {
		c.completeUpgrade()
		return
	}
	match, rerr := c.routerLookup()
	switch {
	case rerr == nil:
		c.req.Params = match.Params
		match.Handler(c.req, c.resp)
	case c.deps.Static != nil:
		c.deps.Static.Handle(c.req, c.resp, c.streamLargeFile)
	default:
		c.resp.StatusCode = 404
		c.resp.Body = []byte("not found")
	}
	c.keepAlive = c.req.KeepAlive && !c.pendingWS
}

func (c *Connection) routerLookup() (*router.Match, *api.Error) {
	if c.deps.Router == nil {
		return nil, api.New(api.CodeRouteNotFound, "no router configured")
	}
	return c.deps.Router.Lookup(c.req.Method, c.req.Path)
}

// completeUpgrade validates the RFC 6455 preconditions and, if they
// hold, prepares the 101 response; the actual state transition to
// WEBSOCKET_OPEN happens after this response is written.
func (c *Connection) completeUpgrade() {
	version, _ := c.req.Header("Sec-WebSocket-Version")
	connHeader, _ := c.req.Header("Connection")
	upgradeHeader, _ := c.req.Header("Upgrade")

	if err := wsproto.ValidateUpgrade(wsproto.UpgradeRequest{
		Connection: connHeader,
		Upgrade:    upgradeHeader,
		Key:        c.req.WebSocketKey,
		Version:    version,
	}); err != nil {
		c.resp.StatusCode = 400
		c.resp.Body = []byte(err.Error())
		return
	}

	c.resp.StatusCode = 101
	c.resp.SetHeader("Upgrade", "websocket")
	c.resp.SetHeader("Connection", "Upgrade")
	c.resp.SetHeader("Sec-WebSocket-Accept", wsproto.DeriveAccept(c.req.WebSocketKey))
	c.pendingWS = true
	c.wsKey = c.req.WebSocketKey
}

func (c *Connection) streamLargeFile(absPath string, size int64) {
	if c.deps.Files == nil {
		return
	}
	cfg := asyncfile.DefaultStreamConfig()
	done := make(chan *api.Error, 1)
	c.deps.Files.StreamFile(c.tr, absPath, cfg, func(err *api.Error) { done <- err })
	if err := <-done; err != nil {
		c.deps.Observer.ObserveError(err.Code)
	}
}

func (c *Connection) writeErrorResponse(perr *api.Error) {
	resp := api.NewResponse()
	resp.StatusCode = statusForError(perr.Code)
	resp.SetHeader("Content-Length", "0")
	resp.SetHeader("Connection", "close")
	c.resp = resp
	_ = c.writeResponse()
}

func statusForError(code api.Code) int {
	switch code {
	case api.CodeHeaderTooLarge, api.CodeBodyTooLarge:
		return 413
	case api.CodeInvalidMethod, api.CodeInvalidVersion, api.CodeMalformed:
		return 400
	default:
		return 400
	}
}

func (c *Connection) isClosePending() bool { return atomic.LoadInt32(&c.closePend) != 0 }

// RequestClose marks close-pending; every subsequent loop iteration and
// callback checks this first, per spec.md §4.1 "Error handling inside
// the FSM".
func (c *Connection) RequestClose() { atomic.StoreInt32(&c.closePend, 1) }

// Close marks close-pending and immediately tears down the transport,
// unblocking whatever Read/Write the connection's goroutine is
// currently waiting on. A server's graceful shutdown calls this
// directly instead of RequestClose alone, since an idle keep-alive
// connection may otherwise sit blocked in Read until its next
// connection-timeout deadline.
func (c *Connection) Close() { c.close() }

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.state = StateClosing
		c.RequestClose()
		if c.tr != nil {
			_ = c.tr.Close()
		} else {
			_ = c.raw.Close()
		}
		c.state = StateClosed
		c.log().Debug("connection closed")
	})
}
