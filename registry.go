package websocket

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Registry tracks open connections by ID. The zero value is ready to use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns == nil {
		r.conns = make(map[string]*Conn)
	}
	r.conns[c.ID()] = c
}

func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, c.ID())
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Range calls fn for a snapshot of the registered connections until fn
// returns false. fn may close connections.
func (r *Registry) Range(fn func(c *Conn) bool) {
	for _, c := range r.snapshot() {
		if !fn(c) {
			return
		}
	}
}

// Broadcast sends a message to every registered connection. Connections
// failing the write are reported in the returned error but do not stop the
// broadcast.
func (r *Registry) Broadcast(messageType MessageType, data []byte) error {
	var err error
	for _, c := range r.snapshot() {
		if werr := c.WriteMessage(messageType, data); werr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to write to connection %s: [%w]", c.ID(), werr))
		}
	}
	return err
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
