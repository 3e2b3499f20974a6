package netlib

import (
	"sync"
)

// slot tracks one registered socket. The socket is released (its descriptor
// closed) once it was retired and no borrow is outstanding, so a handle can
// never be reused while a callback for the old socket is still running.
type slot struct {
	sock     *Socket
	gen      uint64
	borrows  int
	retired  bool
	released bool
}

// Token is a borrowed socket. It must be handed back with Registry.Release.
type Token struct {
	slot *slot
}

// Socket returns the borrowed socket
func (t Token) Socket() *Socket {
	if t.slot == nil {
		return nil
	}
	return t.slot.sock
}

// Registry maps handles to live sockets
type Registry struct {
	mu      sync.Mutex
	slots   map[Handle]*slot
	nextGen uint64
	release func(*Socket)
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return newRegistry(func(s *Socket) { s.release() })
}

func newRegistry(release func(*Socket)) *Registry {
	return &Registry{
		slots:   make(map[Handle]*slot),
		release: release,
	}
}

// add registers s under its handle and returns its generation ref
func (r *Registry) add(s *Socket) Ref {
	r.mu.Lock()
	r.nextGen++
	sl := &slot{sock: s, gen: r.nextGen}
	r.slots[s.handle] = sl
	s.slot = sl
	s.ref = Ref{Handle: s.handle, Gen: sl.gen}
	r.mu.Unlock()
	return s.ref
}

// Lookup returns the live socket registered for h
func (r *Registry) Lookup(h Handle) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[h]
	if !ok {
		return nil, false
	}
	return sl.sock, true
}

// Resolve returns the socket ref was taken from, if it is still registered
func (r *Registry) Resolve(ref Ref) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[ref.Handle]
	if !ok || sl.gen != ref.Gen {
		return nil, false
	}
	return sl.sock, true
}

// Borrow pins the socket registered for h until the token is released
func (r *Registry) Borrow(h Handle) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[h]
	if !ok {
		return Token{}, false
	}
	sl.borrows++
	return Token{slot: sl}, true
}

// Release ends a borrow. The last release of a retired socket releases it.
func (r *Registry) Release(t Token) {
	if t.slot == nil {
		return
	}

	r.mu.Lock()
	sl := t.slot
	sl.borrows--
	purge := sl.retired && sl.borrows == 0 && !sl.released
	if purge {
		sl.released = true
	}
	r.mu.Unlock()

	if purge {
		r.release(sl.sock)
	}
}

// retire removes s from the lookup table. It is released immediately if no
// borrow is outstanding, otherwise by the last Release.
func (r *Registry) retire(s *Socket) {
	r.mu.Lock()
	sl := s.slot
	if sl == nil || sl.retired {
		r.mu.Unlock()
		return
	}
	sl.retired = true
	if cur, ok := r.slots[s.handle]; ok && cur == sl {
		delete(r.slots, s.handle)
	}
	purge := sl.borrows == 0 && !sl.released
	if purge {
		sl.released = true
	}
	r.mu.Unlock()

	if purge {
		r.release(s)
	}
}

// Len returns the number of registered sockets
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Handles returns a snapshot of all registered handles
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]Handle, 0, len(r.slots))
	for h := range r.slots {
		handles = append(handles, h)
	}
	return handles
}
