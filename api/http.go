package api

import "strings"

// Header is one (name, value) pair. Request and Response both keep
// headers as an ordered slice rather than a map, per spec.md §3, since
// header order is observable on the wire and duplicate field names
// (e.g. multiple Set-Cookie) are legal.
type Header struct {
	Name  string
	Value string
}

// Param is one captured path parameter, in the order the router's
// pattern declared it.
type Param struct {
	Name  string
	Value string
}

// Request is owned by the connection and passed by reference to
// handlers; it does not outlive the connection unless the handler
// copies out of it.
type Request struct {
	Method   Method
	Target   string // path + raw query, exactly as sent on the wire
	Path     string // Target with the query string stripped
	RawQuery string
	VersionMajor int
	VersionMinor int

	Headers []Header
	Body    []byte
	Params  []Param

	// KeepAlive and Upgrade are extracted from headers by the
	// connection FSM while the message is parsed (spec.md §4.1).
	KeepAlive bool
	Upgrade   bool
	WebSocketKey string
}

// Header returns the first header value matching name, compared
// case-insensitively, and whether it was present.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Param returns the captured path parameter value for name, and
// whether the router's matched pattern declared it.
func (r *Request) Param(name string) (string, bool) {
	for _, p := range r.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Response is owned by the connection and reset between pipelined
// requests. A handler populates it before returning, and the
// connection writes it as soon as the handler returns. There is no send
// primitive, so a response cannot be completed later from an
// asynchronous continuation.
type Response struct {
	StatusCode int
	Headers    []Header
	Body       []byte

	Sent            bool
	WriteInProgress bool
}

// NewResponse returns a Response ready for a handler to populate,
// defaulting to 200 as most handlers overwrite it only on error.
func NewResponse() *Response {
	return &Response{StatusCode: 200}
}

// SetHeader replaces (or appends) the first header named name.
func (r *Response) SetHeader(name, value string) {
	for i := range r.Headers {
		if strings.EqualFold(r.Headers[i].Name, name) {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// AddHeader appends a header without deduplicating, for fields like
// Set-Cookie that are legitimately repeated.
func (r *Response) AddHeader(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// Reset clears the response for the next pipelined request on the same
// connection (spec.md §3 "Reset between pipelined requests").
func (r *Response) Reset() {
	r.StatusCode = 200
	r.Headers = r.Headers[:0]
	r.Body = nil
	r.Sent = false
	r.WriteInProgress = false
}

// Handler is invoked by the connection FSM once a request has been
// fully framed. It populates resp and returns; the connection writes
// resp immediately afterwards, so completion is always synchronous.
type Handler func(req *Request, resp *Response)

// Middleware wraps a Handler to intercept it, the way the teacher's
// highlevel package chains connection middleware.
type Middleware func(next Handler) Handler
