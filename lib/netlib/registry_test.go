package netlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *[]Handle) {
	var released []Handle
	r := newRegistry(func(s *Socket) { released = append(released, s.handle) })
	return r, &released
}

func TestRegistryLookupAndResolve(t *testing.T) {
	r, _ := newTestRegistry()

	s := &Socket{handle: 7}
	ref := r.add(s)
	assert.Equal(t, Handle(7), ref.Handle)

	got, ok := r.Lookup(7)
	require.True(t, ok)
	assert.Same(t, s, got)

	got, ok = r.Resolve(ref)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.Lookup(8)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryStaleRefAfterReuse(t *testing.T) {
	r, released := newTestRegistry()

	old := &Socket{handle: 5}
	oldRef := r.add(old)
	r.retire(old)
	assert.Equal(t, []Handle{5}, *released)

	// the descriptor number gets reused by a new socket
	fresh := &Socket{handle: 5}
	freshRef := r.add(fresh)
	assert.NotEqual(t, oldRef.Gen, freshRef.Gen)

	_, ok := r.Resolve(oldRef)
	assert.False(t, ok, "stale ref must not resolve to the new socket")

	got, ok := r.Resolve(freshRef)
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistryRetireWhileBorrowed(t *testing.T) {
	r, released := newTestRegistry()

	s := &Socket{handle: 3}
	r.add(s)

	tok, ok := r.Borrow(3)
	require.True(t, ok)
	tok2, ok := r.Borrow(3)
	require.True(t, ok)

	r.retire(s)
	_, ok = r.Lookup(3)
	assert.False(t, ok, "retired socket must leave the lookup table at once")
	assert.Empty(t, *released, "release must wait for outstanding borrows")

	r.Release(tok)
	assert.Empty(t, *released)

	r.Release(tok2)
	assert.Equal(t, []Handle{3}, *released)

	// retiring again is a no-op
	r.retire(s)
	assert.Len(t, *released, 1)
}

func TestRegistryBorrowUnknown(t *testing.T) {
	r, _ := newTestRegistry()
	_, ok := r.Borrow(42)
	assert.False(t, ok)

	// releasing the zero token is harmless
	r.Release(Token{})
}

func TestRegistryHandles(t *testing.T) {
	r, _ := newTestRegistry()
	for _, h := range []Handle{10, 11, 12} {
		r.add(&Socket{handle: h})
	}
	assert.ElementsMatch(t, []Handle{10, 11, 12}, r.Handles())
}
