// Package server implements the top-level Server facade from spec.md
// §3: a bound listening endpoint wired to a configuration snapshot, a
// router held by weak-reference semantics, and optional TLS/static/
// async-file collaborators, producing one conn.Connection goroutine
// per accepted socket.
//
// Grounded on the teacher's server/server.go accept loop (goroutine per
// accepted connection, buffered shutdown channel) and
// highlevel/server.go's connection-tracking map guarded by a mutex for
// GetActiveConnections/Shutdown.
package server

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/emberhttpd/ember/api"
	"github.com/emberhttpd/ember/asyncfile"
	"github.com/emberhttpd/ember/conn"
	"github.com/emberhttpd/ember/config"
	"github.com/emberhttpd/ember/eventloop"
	"github.com/emberhttpd/ember/router"
	"github.com/emberhttpd/ember/static"
	"github.com/emberhttpd/ember/tlssession"
	"github.com/emberhttpd/ember/wsproto"
)

// Server is the embeddable HTTP/1.1 server core. It is created before
// Listen and destroyed only after every accepted connection has
// released its reference to the shared collaborators (spec.md §3
// "Server"), which in this goroutine-per-connection realization means
// waiting for every Serve goroutine to return.
type Server struct {
	cfg *config.Config

	// Router is held by weak-reference semantics: the router may
	// outlive the server, and the server never mutates it after
	// Listen (spec.md §5 "Shared-resource policy").
	Router *router.Router

	Static *static.Service
	Files  *asyncfile.Manager
	TLS    *tlssession.Context

	Observer api.ErrorObserver
	Logger   api.Logger

	// WebSocketHandler, if set, is forwarded to every Connection's
	// Deps so application code can receive reassembled messages.
	WebSocketHandler func(ws *conn.WebSocket, msg *wsproto.Message)

	loop *eventloop.Loop

	mu        sync.Mutex
	running   bool
	listener  net.Listener
	conns     map[*conn.Connection]struct{}
	closeOnce sync.Once
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New validates cfg and constructs a Server ready for Listen. The
// router must already be populated (or populated later — the server
// only reads it after a connection accepts a socket, never at
// construction time) since the server does not own its lifecycle.
func New(cfg *config.Config, r *router.Router) (*Server, *api.Error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, api.Wrap(api.CodeInvalidConfig, err, "invalid server config")
	}
	if r == nil {
		r = router.New()
	}

	s := &Server{
		cfg:      cfg,
		Router:   r,
		Observer: api.NoopObserver{},
		Logger:   logrus.StandardLogger(),
		loop:     eventloop.New(),
		conns:    make(map[*conn.Connection]struct{}),
		shutdown: make(chan struct{}),
	}

	if cfg.TLS != nil {
		tlsCtx, err := tlssession.NewContext(cfg.TLS)
		if err != nil {
			return nil, err
		}
		s.TLS = tlsCtx
	}
	if cfg.Static != nil {
		filesCfg := asyncfile.DefaultConfig()
		s.Files = asyncfile.New(s.loop, s.Observer, filesCfg)
		s.Static = static.New(cfg.Static, s.Files)
	}

	return s, nil
}

// ListenAndServe binds the configured address, runs the async-file
// completion loop on its own goroutine, and accepts connections until
// Shutdown is called. It blocks for the server's entire lifetime.
func (s *Server) ListenAndServe() *api.Error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return api.New(api.CodeServerAlreadyRunning, "server already running")
	}
	addr := net.JoinHostPort(s.cfg.ListenHost, strconv.Itoa(s.cfg.ListenPort))
	ln, lerr := net.Listen("tcp", addr)
	if lerr != nil {
		s.mu.Unlock()
		return api.Wrap(api.CodeServerListen, lerr, "listen failed")
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	go s.loop.Run()

	s.acceptLoop()
	return nil
}

// acceptLoop runs on the calling goroutine (ListenAndServe's caller
// typically spawns it, or calls ListenAndServe itself in a goroutine).
// Each accepted socket gets its own conn.Connection goroutine,
// mirroring the teacher's server/server.go Serve loop.
func (s *Server) acceptLoop() {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if s.Observer != nil {
					s.Observer.ObserveError(api.CodeConnAccept)
				}
				if s.Logger != nil {
					s.Logger.WithError(err).Warn("accept failed")
				}
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.activeCount() >= s.cfg.MaxConnections {
			_ = raw.Close()
			if s.Observer != nil {
				s.Observer.ObserveError(api.CodeConnectionLimit)
			}
			if s.Logger != nil {
				s.Logger.WithField("remote", raw.RemoteAddr().String()).Warn("connection limit reached, rejecting")
			}
			continue
		}

		c := conn.New(raw, conn.Deps{
			Config:           s.cfg,
			Router:           s.Router,
			Static:           s.Static,
			Files:            s.Files,
			TLS:              s.TLS,
			Observer:         s.Observer,
			Logger:           s.Logger,
			WebSocketHandler: s.WebSocketHandler,
		})

		s.trackConn(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(c)
			c.Serve()
		}()
	}
}

func (s *Server) trackConn(c *conn.Connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(c *conn.Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ActiveConnections reports the number of connections currently
// tracked (accepted, not yet returned from Serve).
func (s *Server) ActiveConnections() int { return s.activeCount() }

// Shutdown stops accepting new connections, closes every tracked
// connection, and waits (up to ctx's deadline) for their Serve
// goroutines to return. Connection.Close marks close-pending and tears
// the transport down at once, so a response still being written is cut
// off.
func (s *Server) Shutdown(ctx context.Context) *api.Error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.mu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.loop.Stop()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return api.New(api.CodeTimeout, "shutdown deadline exceeded waiting for connections to close")
	}
}
