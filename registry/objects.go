package registry

import (
	"sync"

	"github.com/pkg/errors"

	"objrpc/codec"
)

// Record is one live exported-object instance. The server exclusively owns
// the instance; the record exists from construction (or first exposure)
// until an explicit destroy or the owning peer's disconnect.
type Record struct {
	ID       uint64
	TypeName string
	Owner    string // routing identity of the constructing peer, "" for exposures
	Instance any
}

// Objects is the server-side object registry: object id → live instance.
// Ids are allocated monotonically from 1 and never reused for the process
// lifetime. A single lock guards the table.
type Objects struct {
	mu         sync.Mutex
	reg        *Registry
	nextID     uint64
	live       map[uint64]*Record
	byInstance map[any]uint64
}

// NewObjects creates the object table and binds the registry's factory
// operations to it.
func NewObjects(reg *Registry) *Objects {
	o := &Objects{
		reg:        reg,
		live:       make(map[uint64]*Record),
		byInstance: make(map[any]uint64),
	}
	reg.create.objects = o
	reg.destroy.objects = o
	return o
}

// Construct invokes the registered constructor for typeName with arguments
// decoded from block against the constructor's declared parameters, stores
// the new record, and returns the fresh object id.
func (o *Objects) Construct(typeName, owner string, rc *codec.RoleContext, block codec.Raw) (uint64, error) {
	info, err := o.reg.Type(typeName)
	if err != nil {
		return 0, err
	}
	args, err := codec.DecodeArgs(rc, info.CtorParams, block)
	if err != nil {
		return 0, errors.Wrapf(err, "construct %s", typeName)
	}

	out := info.Ctor.Call(args)
	if len(out) == 2 && !out[1].IsNil() {
		return 0, out[1].Interface().(error)
	}
	instance := out[0].Interface()

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.storeLocked(typeName, owner, instance), nil
}

// storeLocked allocates the next id and records the instance.
func (o *Objects) storeLocked(typeName, owner string, instance any) uint64 {
	o.nextID++
	id := o.nextID
	o.live[id] = &Record{ID: id, TypeName: typeName, Owner: owner, Instance: instance}
	o.byInstance[instance] = id
	return id
}

// Resolve returns the live instance for id.
func (o *Objects) Resolve(id uint64) (any, error) {
	o.mu.Lock()
	rec, ok := o.live[id]
	o.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrObjectNotFound, "object %d", id)
	}
	return rec.Instance, nil
}

// Destroy removes the record for id. Destroying an id that is not live is
// reported as not-found rather than silently succeeding, so a double destroy
// is always visible to the caller.
func (o *Objects) Destroy(id uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.live[id]
	if !ok {
		return errors.Wrapf(ErrObjectNotFound, "object %d", id)
	}
	delete(o.live, id)
	delete(o.byInstance, rec.Instance)
	return nil
}

// DestroyOwned removes every record constructed by the given peer, called
// when its session terminates. Returns the number of records destroyed.
func (o *Objects) DestroyOwned(owner string) int {
	if owner == "" {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, rec := range o.live {
		if rec.Owner == owner {
			delete(o.live, id)
			delete(o.byInstance, rec.Instance)
			n++
		}
	}
	return n
}

// Len returns the number of live records.
func (o *Objects) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// Owned returns a view of the table that stamps the given owner onto
// instances exposed through it, so objects first returned by a method call
// are cleaned up with the session that received them.
func (o *Objects) Owned(owner string) codec.ObjectTable {
	return ownedView{o: o, owner: owner}
}

type ownedView struct {
	o     *Objects
	owner string
}

func (v ownedView) ExposeObject(instance any) (uint64, error) {
	return v.o.expose(instance, v.owner)
}

func (v ownedView) ResolveObject(id uint64) (any, error) {
	return v.o.Resolve(id)
}

// expose returns the id of an instance already on the wire, or allocates one
// the first time the instance is exposed.
func (o *Objects) expose(instance any, owner string) (uint64, error) {
	rv := instance
	info, ok := o.reg.lookupByInstance(rv)
	if !ok {
		return 0, errors.Errorf("registry: %T is not a registered exported type", instance)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.byInstance[instance]; ok {
		return id, nil
	}
	return o.storeLocked(info.Name, owner, instance), nil
}

// ExposeObject and ResolveObject make Objects itself usable as a
// codec.ObjectTable when no owner attribution is needed (tests, local use).
func (o *Objects) ExposeObject(instance any) (uint64, error) {
	return o.expose(instance, "")
}

func (o *Objects) ResolveObject(id uint64) (any, error) {
	return o.Resolve(id)
}
