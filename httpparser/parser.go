// Package httpparser implements the HTTP/1.x pull parser from spec.md
// §4.2: a byte-stream-in, callback-out state machine over the
// connection's read buffer. Feed appends the caller's bytes to the
// parser's own buffer, so the caller may reuse its buffer as soon as
// Feed returns; callbacks never receive slices of the caller's buffer.
//
// Grounded on the request-line/header parsing structure of
// github.com/badu/http (badu-http, _examples/badu-http/src/http) — a
// from-scratch reimplementation of net/http's wire parsing — adapted
// from its blocking bufio.Reader style into the incremental Feed(...)
// form spec.md's pull contract requires, since the connection FSM only
// ever has whatever bytes the last readable event delivered.
package httpparser

import (
	"bytes"

	"golang.org/x/net/http/httpguts"

	"github.com/emberhttpd/ember/api"
)

// Callbacks mirrors spec.md §4.2's set exactly. Header field/value may
// conceptually fire multiple times per logical header if the wire
// fragments it across reads; this parser accumulates internally and
// invokes each callback once per header with the fully assembled bytes,
// which is a strictly simpler contract for callers while still matching
// the spec's pull-interface shape.
type Callbacks struct {
	OnMessageBegin     func()
	OnMethod           func(b []byte)
	OnURL              func(b []byte)
	OnVersion          func(major, minor int)
	OnHeaderField      func(b []byte)
	OnHeaderValue      func(b []byte)
	OnHeadersComplete  func()
	OnBody             func(b []byte)
	OnMessageComplete  func()
}

// Limits bounds header, URL, and body size the way spec.md §4.1 and
// §8's boundary behaviors require.
type Limits struct {
	MaxHeaderSize int
	MaxURLSize    int
	MaxBodySize   int64
}

type state int

const (
	stateStartLine state = iota
	stateHeaderLine
	stateBodyContentLength
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateChunkTrailer
	stateDone
	stateError
)

// Parser is one connection's HTTP/1.x message parser. It is reset
// between pipelined requests via Reset, not reallocated.
type Parser struct {
	cb     Callbacks
	limits Limits

	st state

	buf        []byte // unparsed bytes not yet consumed
	headerSize int
	urlSize    int

	method       []byte
	target       []byte
	versionMajor int
	versionMinor int

	curField []byte
	curValue []byte
	haveField bool

	contentLength    int64
	haveContentLen   bool
	chunked          bool
	bodyRead         int64
	chunkRemaining   int64
	lastErr          *api.Error
}

// New builds a Parser ready to parse one message; call Reset to reuse
// it for the next pipelined request on the same connection.
func New(limits Limits, cb Callbacks) *Parser {
	p := &Parser{cb: cb, limits: limits}
	return p
}

// Reset clears per-message state so the same Parser can parse the next
// pipelined request (spec.md §5 "request N's response is sent before
// the FSM begins parsing request N+1").
func (p *Parser) Reset() {
	p.st = stateStartLine
	// buf is deliberately left intact: pipelined requests (spec.md §5)
	// leave the next request's bytes already sitting in it.
	p.headerSize = 0
	p.urlSize = 0
	p.method = nil
	p.target = nil
	p.versionMajor = 0
	p.versionMinor = 0
	p.curField = nil
	p.curValue = nil
	p.haveField = false
	p.contentLength = 0
	p.haveContentLen = false
	p.chunked = false
	p.bodyRead = 0
	p.chunkRemaining = 0
	p.lastErr = nil
}

// Err returns the sticky parse error, if any. Once set, Feed keeps
// returning it without consuming further input.
func (p *Parser) Err() *api.Error { return p.lastErr }

// Feed appends data to the parser's internal buffer and advances the
// state machine as far as it can go, invoking callbacks as complete
// pieces become available. It returns the number of bytes consumed from
// data (the remainder, if any, is buffered internally) or a parse
// error.
func (p *Parser) Feed(data []byte) (int, *api.Error) {
	if p.lastErr != nil {
		return 0, p.lastErr
	}
	p.buf = append(p.buf, data...)
	consumedTotal := 0

	for {
		before := len(p.buf)
		switch p.st {
		case stateStartLine:
			if !p.parseStartLine() {
				goto drain
			}
		case stateHeaderLine:
			if !p.parseHeaderLine() {
				goto drain
			}
		case stateBodyContentLength:
			if !p.parseFixedBody() {
				goto drain
			}
		case stateChunkSize:
			if !p.parseChunkSize() {
				goto drain
			}
		case stateChunkData:
			if !p.parseChunkData() {
				goto drain
			}
		case stateChunkCRLF:
			if !p.parseChunkCRLF() {
				goto drain
			}
		case stateChunkTrailer:
			if !p.parseChunkTrailer() {
				goto drain
			}
		case stateDone, stateError:
			goto drain
		}
		consumedTotal += before - len(p.buf)
		if p.lastErr != nil {
			return len(data), p.lastErr
		}
		if p.st == stateDone {
			break
		}
	}
drain:
	if p.lastErr != nil {
		return len(data), p.lastErr
	}
	return len(data), nil
}

// Done reports whether the current message has been fully parsed
// (on_message_complete fired).
func (p *Parser) Done() bool { return p.st == stateDone }

func (p *Parser) fail(code api.Code, msg string) {
	p.lastErr = api.New(code, msg)
	p.st = stateError
}

func indexCRLF(b []byte) int {
	return bytes.Index(b, []byte("\r\n"))
}

func (p *Parser) parseStartLine() bool {
	i := indexCRLF(p.buf)
	if i < 0 {
		if p.limits.MaxURLSize > 0 && len(p.buf) > p.limits.MaxURLSize+64 {
			p.fail(api.CodeHeaderTooLarge, "request line exceeds limit")
		}
		return false
	}
	line := p.buf[:i]
	p.buf = p.buf[i+2:]

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		p.fail(api.CodeMalformed, "malformed request line")
		return false
	}
	method, target, version := parts[0], parts[1], parts[2]

	if !api.KnownMethod(string(method)) {
		p.fail(api.CodeInvalidMethod, "unknown method")
		return false
	}
	major, minor, ok := parseHTTPVersion(version)
	if !ok {
		p.fail(api.CodeInvalidVersion, "unsupported HTTP version")
		return false
	}

	p.urlSize += len(target)
	if p.limits.MaxURLSize > 0 && p.urlSize > p.limits.MaxURLSize {
		p.fail(api.CodeHeaderTooLarge, "url exceeds max size")
		return false
	}

	p.method = method
	p.target = target
	p.versionMajor, p.versionMinor = major, minor

	if p.cb.OnMessageBegin != nil {
		p.cb.OnMessageBegin()
	}
	if p.cb.OnMethod != nil {
		p.cb.OnMethod(method)
	}
	if p.cb.OnURL != nil {
		p.cb.OnURL(target)
	}
	if p.cb.OnVersion != nil {
		p.cb.OnVersion(major, minor)
	}

	p.st = stateHeaderLine
	return true
}

func parseHTTPVersion(v []byte) (major, minor int, ok bool) {
	switch string(v) {
	case "HTTP/1.0":
		return 1, 0, true
	case "HTTP/1.1":
		return 1, 1, true
	}
	return 0, 0, false
}

func (p *Parser) parseHeaderLine() bool {
	i := indexCRLF(p.buf)
	if i < 0 {
		if p.limits.MaxHeaderSize > 0 && p.headerSize+len(p.buf) > p.limits.MaxHeaderSize {
			p.fail(api.CodeHeaderTooLarge, "header section exceeds max size")
		}
		return false
	}
	line := p.buf[:i]
	p.buf = p.buf[i+2:]
	p.headerSize += i + 2
	if p.limits.MaxHeaderSize > 0 && p.headerSize > p.limits.MaxHeaderSize {
		p.fail(api.CodeHeaderTooLarge, "header section exceeds max size")
		return false
	}

	if len(line) == 0 {
		return p.finishHeaders()
	}

	// Folded continuation line (leading whitespace): append to the
	// previous header's value.
	if (line[0] == ' ' || line[0] == '\t') && p.haveField {
		p.curValue = append(p.curValue, ' ')
		p.curValue = append(p.curValue, bytes.TrimSpace(line)...)
		return true
	}

	if p.haveField {
		p.emitHeader()
	}

	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		p.fail(api.CodeMalformed, "header line missing colon")
		return false
	}
	field := line[:colon]
	if !httpguts.ValidHeaderFieldName(string(field)) {
		p.fail(api.CodeMalformed, "invalid header field name")
		return false
	}
	value := bytes.TrimSpace(line[colon+1:])

	p.curField = append([]byte(nil), field...)
	p.curValue = append([]byte(nil), value...)
	p.haveField = true
	return true
}

func (p *Parser) emitHeader() {
	if p.cb.OnHeaderField != nil {
		p.cb.OnHeaderField(p.curField)
	}
	if p.cb.OnHeaderValue != nil {
		p.cb.OnHeaderValue(p.curValue)
	}
	p.trackFramingHeader()
	p.curField, p.curValue, p.haveField = nil, nil, false
}

func (p *Parser) trackFramingHeader() {
	field := string(p.curField)
	switch {
	case equalFold(field, "Content-Length"):
		n, ok := parseUint(p.curValue)
		if !ok {
			p.fail(api.CodeMalformed, "invalid Content-Length")
			return
		}
		p.contentLength = n
		p.haveContentLen = true
	case equalFold(field, "Transfer-Encoding"):
		if containsFold(string(p.curValue), "chunked") {
			p.chunked = true
		}
	}
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func containsFold(s, substr string) bool {
	ls := toLowerASCII(s)
	return bytes.Contains([]byte(ls), []byte(toLowerASCII(substr)))
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func parseUint(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
		if n < 0 {
			return 0, false
		}
	}
	return n, true
}

func (p *Parser) finishHeaders() bool {
	if p.haveField {
		p.emitHeader()
	}

	// spec.md §8 "boundary behaviors": Content-Length AND
	// Transfer-Encoding: chunked together is rejected as malformed
	// (SPEC_FULL.md open-question decision), before either length
	// source is trusted.
	if p.haveContentLen && p.chunked {
		p.fail(api.CodeMalformed, "both Content-Length and chunked Transfer-Encoding present")
		return false
	}

	if p.cb.OnHeadersComplete != nil {
		p.cb.OnHeadersComplete()
	}

	switch {
	case p.chunked:
		p.st = stateChunkSize
	case p.haveContentLen && p.contentLength > 0:
		if p.limits.MaxBodySize > 0 && p.contentLength > p.limits.MaxBodySize {
			p.fail(api.CodeBodyTooLarge, "content-length exceeds max body size")
			return false
		}
		p.st = stateBodyContentLength
	default:
		return p.complete()
	}
	return true
}

func (p *Parser) parseFixedBody() bool {
	remaining := p.contentLength - p.bodyRead
	if remaining <= 0 {
		return p.complete()
	}
	if int64(len(p.buf)) == 0 {
		return false
	}
	n := int64(len(p.buf))
	if n > remaining {
		n = remaining
	}
	chunk := p.buf[:n]
	p.buf = p.buf[n:]
	p.bodyRead += n
	if p.cb.OnBody != nil {
		p.cb.OnBody(chunk)
	}
	if p.bodyRead >= p.contentLength {
		return p.complete()
	}
	return true
}

func (p *Parser) parseChunkSize() bool {
	i := indexCRLF(p.buf)
	if i < 0 {
		return false
	}
	line := p.buf[:i]
	p.buf = p.buf[i+2:]
	// strip chunk extensions after ';'
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	size, err := parseHexUint(line)
	if err != nil {
		p.fail(api.CodeMalformed, "invalid chunk size")
		return false
	}
	if size == 0 {
		p.st = stateChunkTrailer
		return true
	}
	p.bodyRead += size
	if p.limits.MaxBodySize > 0 && p.bodyRead > p.limits.MaxBodySize {
		p.fail(api.CodeBodyTooLarge, "chunked body exceeds max body size")
		return false
	}
	p.chunkRemaining = size
	p.st = stateChunkData
	return true
}

func parseHexUint(b []byte) (int64, error) {
	var n int64
	if len(b) == 0 {
		return 0, api.New(api.CodeMalformed, "empty chunk size")
	}
	for _, c := range b {
		var v int64
		switch {
		case c >= '0' && c <= '9':
			v = int64(c - '0')
		case c >= 'a' && c <= 'f':
			v = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int64(c-'A') + 10
		default:
			return 0, api.New(api.CodeMalformed, "non-hex chunk size digit")
		}
		n = n*16 + v
		if n < 0 {
			return 0, api.New(api.CodeMalformed, "chunk size overflow")
		}
	}
	return n, nil
}

func (p *Parser) parseChunkData() bool {
	if int64(len(p.buf)) == 0 {
		return false
	}
	n := int64(len(p.buf))
	if n > p.chunkRemaining {
		n = p.chunkRemaining
	}
	chunk := p.buf[:n]
	p.buf = p.buf[n:]
	p.chunkRemaining -= n
	if p.cb.OnBody != nil && len(chunk) > 0 {
		p.cb.OnBody(chunk)
	}
	if p.chunkRemaining == 0 {
		p.st = stateChunkCRLF
	}
	return true
}

func (p *Parser) parseChunkCRLF() bool {
	if len(p.buf) < 2 {
		return false
	}
	if p.buf[0] != '\r' || p.buf[1] != '\n' {
		p.fail(api.CodeMalformed, "missing chunk trailing CRLF")
		return false
	}
	p.buf = p.buf[2:]
	p.st = stateChunkSize
	return true
}

func (p *Parser) parseChunkTrailer() bool {
	// Consume trailer headers until the empty line; none are surfaced
	// to callbacks (trailers are rarely meaningful to handlers, and
	// spec.md does not ask for them).
	for {
		i := indexCRLF(p.buf)
		if i < 0 {
			return false
		}
		line := p.buf[:i]
		p.buf = p.buf[i+2:]
		if len(line) == 0 {
			return p.complete()
		}
	}
}

func (p *Parser) complete() bool {
	p.st = stateDone
	if p.cb.OnMessageComplete != nil {
		p.cb.OnMessageComplete()
	}
	return true
}

// Method returns the raw method bytes of the message currently parsed.
func (p *Parser) Method() []byte { return p.method }

// Target returns the raw request-target bytes.
func (p *Parser) Target() []byte { return p.target }

// Version returns the parsed HTTP version.
func (p *Parser) Version() (major, minor int) { return p.versionMajor, p.versionMinor }
