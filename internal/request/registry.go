// SPDX-License-Identifier: Apache-2.0

package request

import "fmt"

// Registry tracks in-flight requests by ID.
type Registry struct {
	reqs map[ID]*Request
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{reqs: make(map[ID]*Request)}
}

// Register adds req. It fails if a request with the same ID is in flight.
func (g *Registry) Register(req *Request) error {
	if _, ok := g.reqs[req.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	g.reqs[req.ID] = req
	req.registry = g
	return nil
}

// UnregisterAndFind removes and returns the request with the given ID, or nil
// if none is in flight.
func (g *Registry) UnregisterAndFind(id ID) *Request {
	req, ok := g.reqs[id]
	if !ok {
		return nil
	}
	g.remove(req)
	return req
}

// Len returns the number of in-flight requests.
func (g *Registry) Len() int { return len(g.reqs) }

// ReleaseAll completes every in-flight request with err.
func (g *Registry) ReleaseAll(err error) {
	pending := make([]*Request, 0, len(g.reqs))
	for _, req := range g.reqs {
		pending = append(pending, req)
	}
	for _, req := range pending {
		g.remove(req)
		req.Fail(err)
	}
}

func (g *Registry) remove(req *Request) {
	if cur, ok := g.reqs[req.ID]; ok && cur == req {
		delete(g.reqs, req.ID)
	}
	req.registry = nil
}
