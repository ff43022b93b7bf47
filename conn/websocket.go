package conn

import (
	"time"

	"github.com/emberhttpd/ember/wsproto"
)

// WebSocket is the handle passed to the application's registered
// callback once a connection has entered WEBSOCKET_OPEN (spec.md
// §4.1). It exposes Send so handlers can push frames back without
// reaching into Connection's internals.
type WebSocket struct {
	c *Connection
}

// Send builds and writes one WebSocket frame, serializing concurrent
// writers (the keep-alive ping goroutine and any handler-driven send)
// behind the connection's write mutex, grounded on the teacher's
// internal/websocket/connection.go splitting messageLoop and keepAlive
// into separate goroutines writing the same transport.
func (w *WebSocket) Send(opcode wsproto.Opcode, payload []byte) error {
	frame, err := wsproto.BuildFrame(opcode, payload, true, wsproto.RoleServer)
	if err != nil {
		return err
	}
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	if derr := w.c.tr.SetWriteDeadline(time.Now().Add(w.c.connTimeout())); derr != nil {
		return derr
	}
	_, werr := w.c.tr.Write(frame)
	return werr
}

// Close sends a close frame and tears the connection down.
func (w *WebSocket) Close(code int, reason string) {
	payload := append([]byte{byte(code >> 8), byte(code)}, []byte(reason)...)
	_ = w.Send(wsproto.OpcodeClose, payload)
	w.c.RequestClose()
}

const wsKeepAliveInterval = 30 * time.Second

// runWebSocket drives spec.md §4.1's WEBSOCKET_OPEN state: a read loop
// on this goroutine feeding the codec's reassembly session, plus a
// sibling ping goroutine, both writing through the mutex-guarded
// transport.
func (c *Connection) runWebSocket(buf []byte) {
	session := wsproto.NewSession(wsproto.RoleServer, 0)
	session.MarkOpen()
	ws := &WebSocket{c: c}

	stop := make(chan struct{})
	defer close(stop)
	go c.wsKeepAlive(ws, stop)

	var pending []byte
	for {
		if c.isClosePending() {
			return
		}
		if err := c.tr.SetReadDeadline(time.Now().Add(c.connTimeout())); err != nil {
			return
		}
		n, err := c.tr.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				frame, consumed, perr := wsproto.ParseFrame(pending, wsproto.RoleServer)
				if perr != nil {
					ws.Close(wsproto.CloseProtocolError, "")
					return
				}
				if frame == nil {
					break
				}
				pending = pending[consumed:]

				msg, ferr := session.Feed(frame)
				if ferr != nil {
					ws.Close(wsproto.CloseProtocolError, "")
					return
				}
				if msg == nil {
					continue
				}
				if !c.handleWSMessage(ws, session, msg) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handleWSMessage dispatches one reassembled message, answering control
// frames in the codec layer (spec.md §4.1 "control frames are handled
// in the codec layer") and forwarding data frames to the application.
// It returns false if the connection should stop reading.
func (c *Connection) handleWSMessage(ws *WebSocket, session *wsproto.Session, msg *wsproto.Message) bool {
	switch msg.Opcode {
	case wsproto.OpcodeClose:
		session.MarkClosing()
		_ = ws.Send(wsproto.OpcodeClose, msg.Payload)
		c.RequestClose()
		return false
	case wsproto.OpcodePing:
		_ = ws.Send(wsproto.OpcodePong, msg.Payload)
		return true
	case wsproto.OpcodePong:
		return true
	default:
		if c.deps.WebSocketHandler != nil {
			c.deps.WebSocketHandler(ws, msg)
		}
		return true
	}
}

func (c *Connection) wsKeepAlive(ws *WebSocket, stop <-chan struct{}) {
	ticker := time.NewTicker(wsKeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.isClosePending() {
				return
			}
			if err := ws.Send(wsproto.OpcodePing, nil); err != nil {
				c.RequestClose()
				return
			}
		}
	}
}
