package websocket

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/wmdanor/websocket/frame"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	var clients []*Conn
	var servers []*Conn
	for i := 0; i < 3; i++ {
		a, b := net.Pipe()

		server, err := newConn(a, connOptions{
			role:     frame.RoleServer,
			cfg:      testConfig(),
			logger:   zap.NewNop().Sugar(),
			registry: registry,
		})
		if err != nil {
			t.Fatalf("newConn() error: %v", err)
		}
		t.Cleanup(func() { _ = server.Terminate() })

		servers = append(servers, server)
		clients = append(clients, newTestConn(t, b, frame.RoleClient, testConfig()))
	}

	if registry.Len() != 3 {
		t.Fatalf("Len() = %d, expected 3", registry.Len())
	}
	if c, ok := registry.Get(servers[1].ID()); !ok || c != servers[1] {
		t.Errorf("Get(%q) = %v %v, expected the second connection", servers[1].ID(), c, ok)
	}

	reads := make([]<-chan readResult, len(clients))
	for i, c := range clients {
		reads[i] = readAsync(c)
	}

	if err := registry.Broadcast(TextMessage, []byte("to everyone")); err != nil {
		t.Fatalf("Broadcast() error: %v", err)
	}
	for i, ch := range reads {
		res := <-ch
		if res.err != nil || string(res.data) != "to everyone" {
			t.Errorf("client %d NextMessage() = %q %v, expected broadcast", i, res.data, res.err)
		}
	}

	_ = servers[0].Terminate()
	if registry.Len() != 2 {
		t.Errorf("Len() after Terminate = %d, expected 2", registry.Len())
	}
	if _, ok := registry.Get(servers[0].ID()); ok {
		t.Errorf("Get() found a terminated connection")
	}

	visited := 0
	registry.Range(func(c *Conn) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("Range() visited %d connections after returning false, expected 1", visited)
	}
}

func TestRegistryBroadcastReportsFailures(t *testing.T) {
	registry := &Registry{}

	a, _ := net.Pipe()
	server, err := newConn(a, connOptions{
		role:     frame.RoleServer,
		cfg:      testConfig(),
		logger:   zap.NewNop().Sugar(),
		registry: registry,
	})
	if err != nil {
		t.Fatalf("newConn() error: %v", err)
	}

	// a closed Sender keeps the connection registered until it is released
	server.wmu.Lock()
	server.s.Discard(nil)
	server.wmu.Unlock()

	if err := registry.Broadcast(BinaryMessage, []byte{1}); err == nil {
		t.Errorf("Broadcast() to a discarded connection succeeded, expected error")
	}

	_ = server.Terminate()
	if registry.Len() != 0 {
		t.Errorf("Len() = %d, expected 0", registry.Len())
	}
}
