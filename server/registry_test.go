package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testClient() *client {
	server, _ := net.Pipe()
	return &client{conn: server}
}

func TestRegistryBindConflict(t *testing.T) {
	r := NewRegistry()
	c1 := testClient()
	c2 := testClient()
	defer c1.conn.Close()
	defer c2.conn.Close()

	assert.True(t, r.Bind("alice", c1))
	assert.False(t, r.Bind("alice", c2), "second bind from another connection must be rejected")

	// the original binding survives the rejected claim
	bound, ok := r.Find("alice")
	assert.True(t, ok)
	assert.Same(t, c1, bound)
}

func TestRegistryBindSameClientIdempotent(t *testing.T) {
	r := NewRegistry()
	c := testClient()
	defer c.conn.Close()

	assert.True(t, r.Bind("alice", c))
	assert.True(t, r.Bind("alice", c))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryUnbindAllowsRebind(t *testing.T) {
	r := NewRegistry()
	c1 := testClient()
	c2 := testClient()
	defer c1.conn.Close()
	defer c2.conn.Close()

	assert.True(t, r.Bind("alice", c1))
	r.Unbind("alice")
	r.Unbind("alice") // idempotent

	_, ok := r.Find("alice")
	assert.False(t, ok)
	assert.True(t, r.Bind("alice", c2))
}

func TestRegistryActive(t *testing.T) {
	r := NewRegistry()
	c1 := testClient()
	c2 := testClient()
	defer c1.conn.Close()
	defer c2.conn.Close()

	assert.Empty(t, r.Active())

	r.Bind("alice", c1)
	r.Bind("bob", c2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, r.Active())
	assert.Equal(t, 2, r.Len())
}
