package conn

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emberhttpd/ember/api"
	"github.com/emberhttpd/ember/config"
	"github.com/emberhttpd/ember/router"
	"github.com/emberhttpd/ember/wsproto"
)

func testDeps(t *testing.T) (Deps, *router.Router) {
	t.Helper()
	r := router.New()
	cfg := config.DefaultConfig()
	cfg.ConnTimeout = 2 * time.Second
	return Deps{Config: cfg, Router: r}, r
}

func dialPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()
	return net.Pipe()
}

func TestServesSimpleGetRequest(t *testing.T) {
	deps, r := testDeps(t)
	r.GET("/hello", func(req *api.Request, resp *api.Response) {
		resp.StatusCode = 200
		resp.Body = []byte("world")
	})

	serverSide, clientSide := dialPair(t)
	c := New(serverSide, deps)
	go c.Serve()

	clientSide.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	reader := bufio.NewReader(clientSide)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read status line: %v", err)
	}
	if !strings.Contains(status, "200") {
		t.Fatalf("expected 200 status line, got %q", status)
	}
	body := drainBody(t, reader)
	if body != "world" {
		t.Fatalf("expected body 'world', got %q", body)
	}
	clientSide.Close()
}

func TestKeepAlivePipelinesTwoRequests(t *testing.T) {
	deps, r := testDeps(t)
	count := 0
	r.GET("/ping", func(req *api.Request, resp *api.Response) {
		count++
		resp.Body = []byte("pong")
	})

	serverSide, clientSide := dialPair(t)
	c := New(serverSide, deps)
	go c.Serve()
	defer clientSide.Close()

	reqBytes := []byte("GET /ping HTTP/1.1\r\nHost: x\r\n\r\n")
	go func() {
		clientSide.Write(reqBytes)
		clientSide.Write(reqBytes)
	}()

	reader := bufio.NewReader(clientSide)
	for i := 0; i < 2; i++ {
		status, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("request %d: failed to read status line: %v", i, err)
		}
		if !strings.Contains(status, "200") {
			t.Fatalf("request %d: expected 200, got %q", i, status)
		}
		body := drainBody(t, reader)
		if body != "pong" {
			t.Fatalf("request %d: expected 'pong', got %q", i, body)
		}
	}
}

func TestWebSocketHandshakeUpgrade(t *testing.T) {
	deps, _ := testDeps(t)
	received := make(chan string, 1)
	deps.WebSocketHandler = func(ws *WebSocket, msg *wsproto.Message) {
		received <- string(msg.Payload)
	}

	serverSide, clientSide := dialPair(t)
	c := New(serverSide, deps)
	go c.Serve()
	defer clientSide.Close()

	req := "GET /ws HTTP/1.1\r\n" +
		"Host: h\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	clientSide.Write([]byte(req))

	reader := bufio.NewReader(clientSide)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read status line: %v", err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("expected 101 Switching Protocols, got %q", status)
	}

	var acceptValue string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read headers: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "sec-websocket-accept:") {
			acceptValue = strings.TrimSpace(line[len("sec-websocket-accept:"):])
		}
	}
	const wantAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if acceptValue != wantAccept {
		t.Fatalf("expected Sec-WebSocket-Accept %q, got %q", wantAccept, acceptValue)
	}

	frame, ferr := wsproto.BuildFrame(wsproto.OpcodeText, []byte("hi"), true, wsproto.RoleClient)
	if ferr != nil {
		t.Fatalf("BuildFrame failed: %v", ferr)
	}
	clientSide.Write(frame)

	select {
	case msg := <-received:
		if msg != "hi" {
			t.Fatalf("expected 'hi', got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WebSocket message delivery")
	}
}

func TestNotFoundWhenNoRouteOrStaticConfigured(t *testing.T) {
	deps, _ := testDeps(t)
	serverSide, clientSide := dialPair(t)
	c := New(serverSide, deps)
	go c.Serve()
	defer clientSide.Close()

	clientSide.Write([]byte("GET /missing HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	reader := bufio.NewReader(clientSide)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read status line: %v", err)
	}
	if !strings.Contains(status, "404") {
		t.Fatalf("expected 404, got %q", status)
	}
}

func drainBody(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	var contentLength int
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read headers: %v", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
			var n int
			_, _ = stringsSscanf(trimmed, &n)
			contentLength = n
		}
	}
	body := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := readFull(reader, body); err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
	}
	return string(body)
}

func stringsSscanf(headerLine string, out *int) (int, error) {
	idx := strings.Index(headerLine, ":")
	val := strings.TrimSpace(headerLine[idx+1:])
	n := 0
	for _, c := range val {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	*out = n
	return 1, nil
}

func readFull(reader *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := reader.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
