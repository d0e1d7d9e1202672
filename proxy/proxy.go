// Package proxy gives a remote object a local handle: construct it through
// the factory, invoke its methods by qualified name, and release it when
// done.
package proxy

import (
	"sync"

	"github.com/pkg/errors"

	"objrpc/session"
)

// Caller is the session surface a handle drives. *session.Client satisfies
// it.
type Caller interface {
	Invoke(objectID uint64, qualified string, args []any, reply any) error
	GoInvoke(objectID uint64, qualified string, args []any, reply any) *session.Call
	Construct(typeName string, args ...any) (uint64, error)
	Release(objectID uint64) error
}

// ErrClosedHandle is returned by any operation on a released handle.
var ErrClosedHandle = errors.New("proxy: handle is closed")

// Handle is one live remote object. It is safe for concurrent use; Close
// invalidates it exactly once.
type Handle struct {
	mu     sync.Mutex
	caller Caller
	id     uint64
	valid  bool
}

// New constructs a remote object of the registered type and returns its
// handle. Constructor arguments are matched against the registered
// constructor signature on the wire.
func New(c Caller, typeName string, ctorArgs ...any) (*Handle, error) {
	id, err := c.Construct(typeName, ctorArgs...)
	if err != nil {
		return nil, err
	}
	return &Handle{caller: c, id: id, valid: true}, nil
}

// Call invokes a method on the remote object. reply may be nil for methods
// without a result.
func (h *Handle) Call(qualified string, reply any, args ...any) error {
	h.mu.Lock()
	if !h.valid {
		h.mu.Unlock()
		return ErrClosedHandle
	}
	caller, id := h.caller, h.id
	h.mu.Unlock()

	return caller.Invoke(id, qualified, args, reply)
}

// Go invokes a method asynchronously, returning the call future.
func (h *Handle) Go(qualified string, reply any, args ...any) *session.Call {
	h.mu.Lock()
	if !h.valid {
		h.mu.Unlock()
		call := &session.Call{Qualified: qualified, Err: ErrClosedHandle, Done: make(chan *session.Call, 1)}
		call.Done <- call
		return call
	}
	caller, id := h.caller, h.id
	h.mu.Unlock()

	return caller.GoInvoke(id, qualified, args, reply)
}

// Close destroys the remote object and invalidates the handle. The second
// Close returns ErrClosedHandle.
func (h *Handle) Close() error {
	h.mu.Lock()
	if !h.valid {
		h.mu.Unlock()
		return ErrClosedHandle
	}
	h.valid = false
	caller, id := h.caller, h.id
	h.mu.Unlock()

	return caller.Release(id)
}

// RemoteID exposes the object id so a handle can travel as an argument:
// the encoder sends the id and the server resolves it back to the object.
func (h *Handle) RemoteID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// BindRemote attaches the handle to an object id received in a result. The
// decoder calls this when a method returns a reference; caller is the
// session the reply arrived on.
func (h *Handle) BindRemote(id uint64, caller any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.id = id
	h.caller = caller.(Caller)
	h.valid = true
}
