// Package router implements spec.md §4.3's adaptive method+path
// dispatch: a linear array below a population threshold, rebuilt as a
// segment trie once the threshold is crossed.
//
// The public registration surface (GET/POST/.../Group/Use) is grounded
// on the teacher's highlevel.Server — momentics-hioload-ws's
// highlevel/server.go — but its regexp-based pattern matcher is
// replaced outright: the spec mandates the array/trie structure and an
// explicit literal > parameter > wildcard precedence regexp cannot
// express without resorting to alternation ordering tricks, so the
// matching engine below is written directly from spec.md §4.3.
package router

import (
	"net/url"
	"strings"

	"github.com/emberhttpd/ember/api"
)

// DefaultThreshold is T from spec.md §4.3: the route count the router
// must exceed before it rebuilds itself from the linear array into a
// trie (the rebuild happens when route T+1 is registered).
const DefaultThreshold = 100

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
)

type patternSegment struct {
	kind    segmentKind
	literal string // segLiteral
	name    string // segParam, segWildcard ("" for an unnamed wildcard)
}

// route is one registered (method, pattern) pair.
type route struct {
	method   api.Method
	pattern  string
	segments []patternSegment
	handler  api.Handler
}

// Router holds every registered route and transitions its internal
// representation from a linear scan to a trie once len(routes) exceeds
// its threshold, per spec.md §4.3. It is read-only after the server
// starts (spec.md §5 "Shared-resource policy"); all mutation happens
// during registration on the owning goroutine.
type Router struct {
	threshold int
	routes    []*route  // insertion order; always kept up to date
	trie      *trieNode // nil until threshold is first crossed
	prefix    string
	mw        []api.Middleware
	parent    *Router // set on groups, so Use propagates to the root's routes
}

// New creates a Router with the default threshold.
func New() *Router {
	return &Router{threshold: DefaultThreshold}
}

// NewWithThreshold creates a Router that switches from the array to a
// trie once more than t routes are registered, instead of
// DefaultThreshold.
func NewWithThreshold(t int) *Router {
	return &Router{threshold: t}
}

// Use appends middleware applied, in registration order, to every
// handler subsequently registered through this Router or Group.
func (r *Router) Use(mw ...api.Middleware) {
	r.mw = append(r.mw, mw...)
}

// Group returns a sub-router sharing this Router's route table but
// prefixing every pattern registered through it, the way the teacher's
// RouteGroup composes with its parent Server.
func (r *Router) Group(prefix string) *Router {
	return &Router{
		threshold: r.threshold,
		prefix:    r.prefix + prefix,
		parent:    r.root(),
	}
}

func (r *Router) root() *Router {
	if r.parent != nil {
		return r.parent
	}
	return r
}

func (r *Router) wrap(h api.Handler) api.Handler {
	// Group middleware runs innermost-first relative to ancestors: the
	// root's Use chain wraps last (outermost), the group's own Use
	// wraps first (innermost), matching registration order top-down.
	chain := h
	for i := len(r.mw) - 1; i >= 0; i-- {
		chain = r.mw[i](chain)
	}
	if r.parent != nil {
		chain = r.parent.wrap(chain)
	}
	return chain
}

func (r *Router) Handle(method api.Method, pattern string, h api.Handler) error {
	root := r.root()
	full := r.prefix + pattern
	segs, err := parsePattern(full)
	if err != nil {
		return err
	}
	rt := &route{method: method, pattern: full, segments: segs, handler: r.wrap(h)}
	return root.register(rt)
}

func (r *Router) GET(pattern string, h api.Handler) error     { return r.Handle(api.MethodGet, pattern, h) }
func (r *Router) POST(pattern string, h api.Handler) error    { return r.Handle(api.MethodPost, pattern, h) }
func (r *Router) PUT(pattern string, h api.Handler) error     { return r.Handle(api.MethodPut, pattern, h) }
func (r *Router) PATCH(pattern string, h api.Handler) error   { return r.Handle(api.MethodPatch, pattern, h) }
func (r *Router) DELETE(pattern string, h api.Handler) error  { return r.Handle(api.MethodDelete, pattern, h) }
func (r *Router) HEAD(pattern string, h api.Handler) error    { return r.Handle(api.MethodHead, pattern, h) }
func (r *Router) OPTIONS(pattern string, h api.Handler) error { return r.Handle(api.MethodOptions, pattern, h) }
func (r *Router) TRACE(pattern string, h api.Handler) error   { return r.Handle(api.MethodTrace, pattern, h) }
func (r *Router) ANY(pattern string, h api.Handler) error     { return r.Handle(api.MethodAny, pattern, h) }

// register inserts rt, replacing an existing (method, pattern) match in
// place (spec.md §4.3's documented choice, see DESIGN.md), and rebuilds
// the trie once the threshold is crossed or maintains it incrementally
// if already built.
func (r *Router) register(rt *route) error {
	for i, existing := range r.routes {
		if existing.method == rt.method && existing.pattern == rt.pattern {
			r.routes[i] = rt
			if r.trie != nil {
				r.rebuildTrie()
			}
			return nil
		}
	}
	r.routes = append(r.routes, rt)
	if r.trie != nil {
		r.insertTrie(rt)
	} else if len(r.routes) > r.threshold {
		r.rebuildTrie()
	}
	return nil
}

func (r *Router) rebuildTrie() {
	t := newTrieNode()
	for _, rt := range r.routes {
		t.insert(rt, 0)
	}
	r.trie = t
}

func (r *Router) insertTrie(rt *route) {
	r.trie.insert(rt, 0)
}

// Match result: the handler to invoke and the parameters captured
// along the way, in pattern declaration order.
type Match struct {
	Handler api.Handler
	Params  []api.Param
}

// Lookup finds the handler for method+path, consulting the trie if
// built, the linear array otherwise. path must already have its query
// string stripped.
func (r *Router) Lookup(method api.Method, path string) (*Match, *api.Error) {
	segs := splitPath(path)
	if r.trie != nil {
		return r.trie.lookup(method, segs)
	}
	return r.lookupLinear(method, segs)
}

// lookupLinear scans every registered route and keeps the best match
// seen so far, rather than returning on the first match, so that
// insertion order never overrides spec.md §4.3's literal > parameter >
// wildcard precedence — the same precedence trieNode.walk enforces by
// construction.
func (r *Router) lookupLinear(method api.Method, segs []string) (*Match, *api.Error) {
	var best *route
	var bestParams []api.Param

	for _, rt := range r.routes {
		if rt.method != method && rt.method != api.MethodAny {
			continue
		}
		params, ok := matchSegments(rt.segments, segs)
		if !ok {
			continue
		}
		if best == nil || betterMatch(rt, best, method) {
			best, bestParams = rt, params
		}
	}
	if best == nil {
		return nil, api.New(api.CodeRouteNotFound, "no route matches "+string(method)+" "+strings.Join(segs, "/"))
	}
	return &Match{Handler: best.handler, Params: bestParams}, nil
}

// betterMatch reports whether candidate should replace current as the
// chosen match: a more specific pattern always wins, and at equal
// specificity an exact method match beats an ANY match (the same
// tie-break trieNode.lookup applies at the terminal node).
func betterMatch(candidate, current *route, method api.Method) bool {
	if moreSpecific(candidate.segments, current.segments) {
		return true
	}
	if moreSpecific(current.segments, candidate.segments) {
		return false
	}
	return candidate.method == method && current.method == api.MethodAny
}

// segmentRank orders segment kinds by matching precedence: literal
// segments are the most specific, wildcards the least.
func segmentRank(kind segmentKind) int {
	switch kind {
	case segLiteral:
		return 0
	case segParam:
		return 1
	default:
		return 2
	}
}

// moreSpecific reports whether pattern a should be preferred over b
// when both match the same path, comparing segment kinds position by
// position (literal > parameter > wildcard) and falling back to the
// longer pattern when one is a kind-for-kind prefix of the other.
func moreSpecific(a, b []patternSegment) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		ra, rb := segmentRank(a[i].kind), segmentRank(b[i].kind)
		if ra != rb {
			return ra < rb
		}
	}
	return len(a) > len(b)
}

func matchSegments(pattern []patternSegment, path []string) ([]api.Param, bool) {
	var params []api.Param
	pi := 0
	for _, seg := range pattern {
		switch seg.kind {
		case segWildcard:
			rest := strings.Join(path[pi:], "/")
			if seg.name != "" {
				params = append(params, api.Param{Name: seg.name, Value: rest})
			}
			return params, true
		case segLiteral:
			if pi >= len(path) || path[pi] != seg.literal {
				return nil, false
			}
			pi++
		case segParam:
			if pi >= len(path) {
				return nil, false
			}
			params = append(params, api.Param{Name: seg.name, Value: decodeSegment(path[pi])})
			pi++
		}
	}
	if pi != len(path) {
		return nil, false
	}
	return params, true
}

// decodeSegment applies the resolved Open Question from spec.md §9:
// path parameter values are percent-decoded; a segment that fails to
// decode is kept raw rather than rejecting the whole request.
func decodeSegment(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// splitPath strips the leading slash and splits on '/'.
// spec.md §9's resolved Open Question: a trailing slash is NOT
// equivalent to its absence, so "/a/" keeps a trailing empty segment
// distinguishing it from "/a" — except for the root path itself, which
// splits to a single empty segment representing "/".
func splitPath(path string) []string {
	if path == "" || path == "/" {
		return []string{""}
	}
	trimmed := strings.TrimPrefix(path, "/")
	return strings.Split(trimmed, "/")
}

// parsePattern validates and splits a registration pattern per
// spec.md §4.3's failure semantics.
func parsePattern(pattern string) ([]patternSegment, *api.Error) {
	if pattern == "" {
		return nil, api.New(api.CodeInvalidRoutePattern, "empty path")
	}
	if strings.Contains(pattern, "//") {
		return nil, api.New(api.CodeInvalidRoutePattern, "pattern contains //")
	}

	parts := splitPath(pattern)
	segs := make([]patternSegment, 0, len(parts))
	seenNames := make(map[string]bool)

	for i, part := range parts {
		switch {
		case part == "":
			segs = append(segs, patternSegment{kind: segLiteral, literal: ""})
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" || strings.ContainsAny(name, "/:") {
				return nil, api.New(api.CodeInvalidRoutePattern, "invalid parameter name")
			}
			if seenNames[name] {
				return nil, api.New(api.CodeInvalidRoutePattern, "duplicate parameter name "+name)
			}
			seenNames[name] = true
			segs = append(segs, patternSegment{kind: segParam, name: name})
		case part == "*" || strings.HasPrefix(part, "*"):
			if i != len(parts)-1 {
				return nil, api.New(api.CodeInvalidRoutePattern, "wildcard must be the terminal segment")
			}
			name := strings.TrimPrefix(part, "*")
			if strings.ContainsAny(name, "/:") {
				return nil, api.New(api.CodeInvalidRoutePattern, "invalid wildcard name")
			}
			segs = append(segs, patternSegment{kind: segWildcard, name: name})
		default:
			segs = append(segs, patternSegment{kind: segLiteral, literal: part})
		}
	}
	return segs, nil
}
