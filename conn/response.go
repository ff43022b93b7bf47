package conn

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emberhttpd/ember/api"
)

var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	409: "Conflict",
	413: "Payload Too Large",
	414: "URI Too Long",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

func reasonPhrase(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "Unknown"
}

// writeResponse serializes c.resp onto the connection, setting
// Content-Length (if not already present) and Connection explicitly so
// the peer can rely on the framing without guessing, and transitions
// c.resp.Sent. This is the HTTP_PROCESSING -> HTTP_WRITING boundary
// from spec.md §4.1.
func (c *Connection) writeResponse() error {
	resp := c.resp
	if !hasHeader(resp.Headers, "Content-Length") {
		resp.SetHeader("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	if !hasHeader(resp.Headers, "Connection") {
		if c.keepAlive {
			resp.SetHeader("Connection", "keep-alive")
		} else {
			resp.SetHeader("Connection", "close")
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.StatusCode, reasonPhrase(resp.StatusCode))
	for _, h := range resp.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")

	if err := c.tr.SetWriteDeadline(time.Now().Add(c.connTimeout())); err != nil {
		return err
	}
	if _, err := c.tr.Write([]byte(b.String())); err != nil {
		return err
	}
	if len(resp.Body) > 0 {
		if _, err := c.tr.Write(resp.Body); err != nil {
			return err
		}
	}
	resp.Sent = true
	return nil
}

func hasHeader(headers []api.Header, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}
