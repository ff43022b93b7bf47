package httpparser

import (
	"strings"
	"testing"

	"github.com/emberhttpd/ember/api"
)

type captured struct {
	method, target       string
	headers              [][2]string
	body                 []byte
	headersComplete      bool
	messageComplete      bool
	beginCount           int
}

func newCaptureParser() (*Parser, *captured) {
	c := &captured{}
	p := New(Limits{MaxHeaderSize: 8192, MaxURLSize: 2048, MaxBodySize: 1 << 20}, Callbacks{
		OnMessageBegin: func() { c.beginCount++ },
		OnMethod:       func(b []byte) { c.method = string(b) },
		OnURL:          func(b []byte) { c.target = string(b) },
		OnHeaderField: func(b []byte) {
			c.headers = append(c.headers, [2]string{string(b), ""})
		},
		OnHeaderValue: func(b []byte) {
			c.headers[len(c.headers)-1][1] = string(b)
		},
		OnHeadersComplete: func() { c.headersComplete = true },
		OnBody:            func(b []byte) { c.body = append(c.body, b...) },
		OnMessageComplete: func() { c.messageComplete = true },
	})
	return p, c
}

func TestParsesSimpleGetRequest(t *testing.T) {
	p, c := newCaptureParser()
	raw := "GET /hello?x=1 HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	_, err := p.Feed([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Done() {
		t.Fatal("expected parser to be done")
	}
	if c.method != "GET" || c.target != "/hello?x=1" {
		t.Fatalf("got method=%q target=%q", c.method, c.target)
	}
	if !c.headersComplete || !c.messageComplete {
		t.Fatal("expected both headers and message complete callbacks")
	}
	if len(c.headers) != 2 || c.headers[0][0] != "Host" || c.headers[0][1] != "example.com" {
		t.Fatalf("unexpected headers: %v", c.headers)
	}
}

func TestParsesRequestSplitAcrossFeeds(t *testing.T) {
	p, c := newCaptureParser()
	raw := "POST /submit HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"
	for i := 0; i < len(raw); i++ {
		if _, err := p.Feed([]byte{raw[i]}); err != nil {
			t.Fatalf("unexpected error at byte %d: %v", i, err)
		}
	}
	if !p.Done() {
		t.Fatal("expected done after full byte-by-byte feed")
	}
	if string(c.body) != "hello" {
		t.Fatalf("got body %q", c.body)
	}
}

func TestChunkedBodyReassembly(t *testing.T) {
	p, c := newCaptureParser()
	raw := "POST /x HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	_, err := p.Feed([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Done() {
		t.Fatal("expected done")
	}
	if string(c.body) != "Wikipedia" {
		t.Fatalf("got body %q", c.body)
	}
}

func TestRejectsContentLengthAndChunkedTogether(t *testing.T) {
	p, _ := newCaptureParser()
	raw := "POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello"
	_, err := p.Feed([]byte(raw))
	if err == nil {
		t.Fatal("expected malformed error")
	}
	if err.Code != api.CodeMalformed {
		t.Fatalf("expected CodeMalformed, got %v", err.Code)
	}
}

func TestRejectsUnknownMethod(t *testing.T) {
	p, _ := newCaptureParser()
	_, err := p.Feed([]byte("FOO / HTTP/1.1\r\n\r\n"))
	if err == nil || err.Code != api.CodeInvalidMethod {
		t.Fatalf("expected CodeInvalidMethod, got %v", err)
	}
}

func TestRejectsBadVersion(t *testing.T) {
	p, _ := newCaptureParser()
	_, err := p.Feed([]byte("GET / HTTP/2.0\r\n\r\n"))
	if err == nil || err.Code != api.CodeInvalidVersion {
		t.Fatalf("expected CodeInvalidVersion, got %v", err)
	}
}

func TestHeaderTooLargeRejected(t *testing.T) {
	p := New(Limits{MaxHeaderSize: 32, MaxURLSize: 2048, MaxBodySize: 1024}, Callbacks{})
	big := strings.Repeat("a", 100)
	_, err := p.Feed([]byte("GET / HTTP/1.1\r\nX-Big: " + big + "\r\n\r\n"))
	if err == nil || err.Code != api.CodeHeaderTooLarge {
		t.Fatalf("expected CodeHeaderTooLarge, got %v", err)
	}
}

func TestBodyTooLargeRejected(t *testing.T) {
	p := New(Limits{MaxHeaderSize: 8192, MaxURLSize: 2048, MaxBodySize: 4}, Callbacks{})
	_, err := p.Feed([]byte("POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123456789"))
	if err == nil || err.Code != api.CodeBodyTooLarge {
		t.Fatalf("expected CodeBodyTooLarge, got %v", err)
	}
}

func TestFoldedHeaderContinuation(t *testing.T) {
	p, c := newCaptureParser()
	raw := "GET / HTTP/1.1\r\nX-Multi: first\r\n second\r\n\r\n"
	_, err := p.Feed([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.headers) != 1 || c.headers[0][1] != "first second" {
		t.Fatalf("unexpected folded header: %v", c.headers)
	}
}

func TestPipelinedRequestsViaReset(t *testing.T) {
	p, c1 := newCaptureParser()
	raw1 := "GET /one HTTP/1.1\r\nHost: h\r\n\r\n"
	raw2 := "GET /two HTTP/1.1\r\nHost: h\r\n\r\n"
	if _, err := p.Feed([]byte(raw1 + raw2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1.target != "/one" {
		t.Fatalf("expected first target /one, got %q", c1.target)
	}

	p.Reset()
	c2 := &captured{}
	p.cb = Callbacks{
		OnURL: func(b []byte) { c2.target = string(b) },
	}
	// remaining bytes from the second pipelined request must still be
	// sitting in the parser's internal buffer after Reset.
	if !p.Done() {
		// drive it: feed empty to let it resume consuming buffered bytes
	}
	if _, err := p.Feed(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c2.target != "/two" {
		t.Fatalf("expected second target /two after reset, got %q", c2.target)
	}
}
