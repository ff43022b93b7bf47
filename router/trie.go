package router

import "github.com/emberhttpd/ember/api"

// trieNode is one path segment level. spec.md §4.3: "each trie node
// carries three children groupings: literals (map from segment text),
// one optional parameter child, one optional wildcard child."
type trieNode struct {
	literals map[string]*trieNode
	param    *trieNode
	paramName string
	wildcard  *trieNode
	wildcardName string

	handlers map[api.Method]api.Handler // only populated on terminal nodes
}

func newTrieNode() *trieNode {
	return &trieNode{literals: make(map[string]*trieNode)}
}

func (n *trieNode) insert(rt *route, depth int) {
	if depth == len(rt.segments) {
		if n.handlers == nil {
			n.handlers = make(map[api.Method]api.Handler)
		}
		n.handlers[rt.method] = rt.handler
		return
	}
	seg := rt.segments[depth]
	switch seg.kind {
	case segLiteral:
		child, ok := n.literals[seg.literal]
		if !ok {
			child = newTrieNode()
			n.literals[seg.literal] = child
		}
		child.insert(rt, depth+1)
	case segParam:
		if n.param == nil {
			n.param = newTrieNode()
		}
		n.paramName = seg.name
		n.param.insert(rt, depth+1)
	case segWildcard:
		if n.wildcard == nil {
			n.wildcard = newTrieNode()
		}
		n.wildcardName = seg.name
		// A wildcard is always terminal (enforced at registration), so
		// this insert call lands directly on n.wildcard with
		// depth+1 == len(rt.segments).
		n.wildcard.insert(rt, depth+1)
	}
}

// lookup walks segs against the trie honoring spec.md §4.3's
// tie-breaking: literal > parameter > wildcard at each level, and
// method-specific > ANY at the terminal node.
func (n *trieNode) lookup(method api.Method, segs []string) (*Match, *api.Error) {
	params, terminal := n.walk(method, segs, nil)
	if terminal == nil {
		return nil, api.New(api.CodeRouteNotFound, "no route matches")
	}
	h, ok := terminal.handlers[method]
	if !ok {
		h, ok = terminal.handlers[api.MethodAny]
	}
	if !ok {
		return nil, api.New(api.CodeRouteNotFound, "no route matches")
	}
	return &Match{Handler: h, Params: params}, nil
}

// walk returns the captured params and the terminal node reached for
// the first matching path, preferring literal branches, then
// parameter, then wildcard, backtracking if a deeper choice dead-ends.
func (n *trieNode) walk(method api.Method, segs []string, params []api.Param) ([]api.Param, *trieNode) {
	if len(segs) == 0 {
		if n.hasHandler(method) {
			return params, n
		}
		return nil, nil
	}

	head, rest := segs[0], segs[1:]

	if child, ok := n.literals[head]; ok {
		if p, t := child.walk(method, rest, params); t != nil {
			return p, t
		}
	}
	if n.param != nil {
		withParam := append(append([]api.Param(nil), params...), api.Param{Name: n.paramName, Value: decodeSegment(head)})
		if p, t := n.param.walk(method, rest, withParam); t != nil {
			return p, t
		}
	}
	if n.wildcard != nil {
		full := joinRemaining(segs)
		withParam := params
		if n.wildcardName != "" {
			withParam = append(append([]api.Param(nil), params...), api.Param{Name: n.wildcardName, Value: full})
		}
		if n.wildcard.hasHandler(method) {
			return withParam, n.wildcard
		}
	}
	return nil, nil
}

func (n *trieNode) hasHandler(method api.Method) bool {
	if n.handlers == nil {
		return false
	}
	if _, ok := n.handlers[method]; ok {
		return true
	}
	_, ok := n.handlers[api.MethodAny]
	return ok
}

func joinRemaining(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}
