package codec

import "reflect"

// Side selects which reference-serialization behavior is active. The same
// codec runs inside both processes; the side decides whether an exported
// object pointer becomes a registry id or a proxy binding.
type Side int

const (
	SideNone Side = iota
	SideClient
	SideServer
)

// TypeSet reports whether a Go type is a registered exported-object type.
// Implemented by the function/type registry.
type TypeSet interface {
	Exports(t reflect.Type) bool
}

// ObjectTable resolves between live instances and object ids on the server.
// Implemented by the object registry.
type ObjectTable interface {
	// ExposeObject returns the object id for an instance, allocating one
	// the first time the instance crosses the wire.
	ExposeObject(instance any) (uint64, error)
	// ResolveObject returns the live instance for an id.
	ResolveObject(id uint64) (any, error)
}

// RemoteRef is implemented by client-side stand-ins for remote objects.
// Serializing one writes only its object id.
type RemoteRef interface {
	RemoteID() uint64
}

// RefTarget is implemented (on the pointer receiver) by client-side types
// that can be bound to a decoded object id. caller is the session the new
// stand-in forwards its calls through.
type RefTarget interface {
	BindRemote(id uint64, caller any)
}

// RoleContext carries the momentary role through every encode and decode
// call. It is an explicit parameter, never shared ambient state, so the same
// goroutine can act as server for one dispatch and client for a nested call
// without leakage.
type RoleContext struct {
	Side    Side
	Types   TypeSet     // which types are reference slots
	Objects ObjectTable // server side only
	Caller  any         // client side only; handed to RefTarget.BindRemote
}

// ServerRole returns the context used while executing an incoming call.
// objects must also implement TypeSet semantics via types.
func ServerRole(types TypeSet, objects ObjectTable) *RoleContext {
	return &RoleContext{Side: SideServer, Types: types, Objects: objects}
}

// ClientRole returns the context used while issuing a call or decoding its
// reply. caller is the active session.
func ClientRole(types TypeSet, caller any) *RoleContext {
	return &RoleContext{Side: SideClient, Types: types, Caller: caller}
}
