// Package dispatch serializes calls on the issuing side and deserializes,
// invokes, and re-serializes them on the executing side.
//
// Request envelope parts, in order (after the transport routing identity):
//
//	call_id (8 bytes) | qualified name | object_id (8 bytes) | argument block
//
// Reply envelope parts:
//
//	call_id (8 bytes) | status (1 byte) | result block or error text
//
// The argument block is encoded strictly left-to-right against the declared
// parameter types of the registered signature, so the wire schema is fixed
// at registration time and decoding order matches on the peer.
package dispatch

import (
	"fmt"

	"github.com/pkg/errors"

	"objrpc/codec"
	"objrpc/envelope"
	"objrpc/registry"
)

// Status is the outcome code carried by every reply.
type Status byte

const (
	StatusOK            Status = 0
	StatusAppError      Status = 1 // the implementation method returned an error
	StatusDispatchError Status = 2 // unknown name, unknown object, undecodable arguments
	StatusBusy          Status = 3 // server rejected the call under overload
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAppError:
		return "application error"
	case StatusDispatchError:
		return "dispatch error"
	case StatusBusy:
		return "busy"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

// Request is one parsed incoming call.
type Request struct {
	Identity  string // routing identity of the calling peer; empty client-side
	CallID    uint64
	Qualified string
	ObjectID  uint64
	Args      []byte
}

// Reply is the outcome of one call.
type Reply struct {
	CallID uint64
	Status Status
	Body   []byte // result block, StatusOK only
	Error  string // error text otherwise
}

// Issue resolves the qualified name to its registered signature, encodes the
// arguments against the declared parameter types, and builds the request
// envelope.
func Issue(rc *codec.RoleContext, reg *registry.Registry, callID, objectID uint64, qualified string, args ...any) (*envelope.Envelope, error) {
	inv, err := reg.Lookup(qualified)
	if err != nil {
		return nil, err
	}
	block, err := codec.EncodeArgs(rc, inv.Params(), args)
	if err != nil {
		return nil, errors.Wrap(err, qualified)
	}

	env := envelope.New()
	env.PushUint64Back(callID)
	env.PushBack([]byte(qualified))
	env.PushUint64Back(objectID)
	env.PushBack(block)
	return env, nil
}

// ParseRequest splits a request envelope. identity is the routing token the
// transport stripped off the front.
func ParseRequest(identity string, env *envelope.Envelope) (*Request, error) {
	callID, ok := env.PopUint64Front()
	if !ok {
		return nil, errors.New("dispatch: request missing call id")
	}
	qualified, ok := env.PopFront()
	if !ok {
		return nil, errors.New("dispatch: request missing qualified name")
	}
	objectID, ok := env.PopUint64Front()
	if !ok {
		return nil, errors.New("dispatch: request missing object id")
	}
	block, ok := env.PopFront()
	if !ok {
		return nil, errors.New("dispatch: request missing argument block")
	}
	return &Request{
		Identity:  identity,
		CallID:    callID,
		Qualified: string(qualified),
		ObjectID:  objectID,
		Args:      block,
	}, nil
}

// Envelope builds the wire form of a reply.
func (rep *Reply) Envelope() *envelope.Envelope {
	env := envelope.New()
	env.PushUint64Back(rep.CallID)
	env.PushBack([]byte{byte(rep.Status)})
	if rep.Status == StatusOK {
		env.PushBack(rep.Body)
	} else {
		env.PushBack([]byte(rep.Error))
	}
	return env
}

// ParseReply splits a reply envelope.
func ParseReply(env *envelope.Envelope) (*Reply, error) {
	callID, ok := env.PopUint64Front()
	if !ok {
		return nil, errors.New("dispatch: reply missing call id")
	}
	statusPart, ok := env.PopFront()
	if !ok || len(statusPart) != 1 {
		return nil, errors.New("dispatch: reply missing status")
	}
	tail, ok := env.PopFront()
	if !ok {
		return nil, errors.New("dispatch: reply missing body")
	}

	rep := &Reply{CallID: callID, Status: Status(statusPart[0])}
	if rep.Status == StatusOK {
		rep.Body = tail
	} else {
		rep.Error = string(tail)
	}
	return rep, nil
}

// factoryOp reports whether the qualified name is one of the factory
// operations, the only calls executed without a resolved instance.
func factoryOp(qualified string) bool {
	return qualified == registry.QualifiedCreate || qualified == registry.QualifiedDestroy
}

// dispatchReply classifies an invocation error: registry resolution failures
// are dispatch errors, everything else is an application error.
func dispatchReply(callID uint64, err error) *Reply {
	status := StatusAppError
	if errors.Is(err, registry.ErrUnknownFunction) ||
		errors.Is(err, registry.ErrUnknownType) ||
		errors.Is(err, registry.ErrObjectNotFound) {
		status = StatusDispatchError
	}
	return &Reply{CallID: callID, Status: status, Error: err.Error()}
}

// Execute resolves the invoker and target instance, decodes the arguments
// left-to-right per the declared parameter list, invokes the implementation,
// and encodes the result. Resolution and decode failures become a
// dispatch-error reply; they never take the server down.
func Execute(reg *registry.Registry, objects *registry.Objects, req *Request) *Reply {
	inv, err := reg.Lookup(req.Qualified)
	if err != nil {
		return &Reply{CallID: req.CallID, Status: StatusDispatchError, Error: err.Error()}
	}

	// Only the factory operations execute without a target instance. Any
	// other call must resolve its object id, including id 0, which is never
	// allocated to a constructed object.
	var instance any
	if !factoryOp(req.Qualified) {
		instance, err = objects.Resolve(req.ObjectID)
		if err != nil {
			return &Reply{CallID: req.CallID, Status: StatusDispatchError, Error: err.Error()}
		}
	}

	// Objects exposed while encoding the result belong to the calling
	// peer, so its disconnect cleans them up.
	rc := codec.ServerRole(reg, objects.Owned(req.Identity))

	args, err := codec.DecodeArgs(rc, inv.Params(), req.Args)
	if err != nil {
		return dispatchReply(req.CallID, err)
	}

	result, err := inv.Invoke(rc, &registry.CallInfo{Owner: req.Identity}, instance, args)
	if err != nil {
		return dispatchReply(req.CallID, err)
	}

	rep := &Reply{CallID: req.CallID, Status: StatusOK}
	if rt := inv.Result(); rt != nil {
		w := codec.NewWriter()
		if err := codec.EncodeValue(w, rc, rt, result); err != nil {
			return dispatchReply(req.CallID, err)
		}
		rep.Body = w.Bytes()
	}
	return rep
}
