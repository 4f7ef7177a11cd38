package rpc

import (
	"bytes"

	"github.com/treemana/evwire/evhttp"
)

// Direction selects the hook chain. Input hooks see the body that arrived
// (the request on a Base, the reply on a Pool); Output hooks see the body
// about to be sent.
type Direction int

const (
	Input Direction = iota
	Output
)

// Hook inspects or rewrites a raw call body. A non-nil error aborts the
// call.
type Hook func(req *evhttp.Request, body *bytes.Buffer) error

type HookID uint64

type hookEntry struct {
	id HookID
	fn Hook
}

type hookChain struct {
	last  HookID
	hooks [2][]hookEntry
}

func (c *hookChain) add(dir Direction, fn Hook) HookID {
	c.last++
	c.hooks[dir] = append(c.hooks[dir], hookEntry{id: c.last, fn: fn})
	return c.last
}

func (c *hookChain) remove(dir Direction, id HookID) bool {
	for i, h := range c.hooks[dir] {
		if h.id == id {
			c.hooks[dir] = append(c.hooks[dir][:i], c.hooks[dir][i+1:]...)
			return true
		}
	}
	return false
}

// run calls the hooks of dir in the order they were added and stops at the
// first failure.
func (c *hookChain) run(dir Direction, req *evhttp.Request, body *bytes.Buffer) error {
	for _, h := range c.hooks[dir] {
		if err := h.fn(req, body); err != nil {
			return err
		}
	}
	return nil
}
