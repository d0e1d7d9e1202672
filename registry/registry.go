// Package registry implements the two runtime tables the dispatch core
// depends on: the function registry, mapping a qualified name
// "<type>::<Method>" to a type-erased invoker, and the object registry,
// mapping object ids to live exported instances.
//
// Registration runs once per exported type, before the type's factory is
// reachable. Both endpoints register the same types, so the name→signature
// mapping is symmetric: the client uses it to label and encode outgoing
// calls, the server to decode and invoke.
package registry

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"objrpc/codec"
)

// Dispatch-failure sentinels. These are recovered into a typed reply status
// on the server; they never crash the process.
var (
	ErrUnknownFunction = errors.New("unknown function")
	ErrUnknownType     = errors.New("unknown type")
	ErrObjectNotFound  = errors.New("object not found")
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// CallInfo carries per-call dispatch context into an invoker.
type CallInfo struct {
	// Owner is the routing identity of the calling peer. Objects it
	// constructs are destroyed when that peer disconnects.
	Owner string
}

// Invoker is the type-erased contract every registered operation satisfies:
// it knows its declared parameter and result types and can invoke the
// implementation on a resolved instance.
type Invoker interface {
	// Params returns the declared parameter types, left to right. They
	// fix the wire schema of the argument block.
	Params() []reflect.Type
	// Result returns the declared result type, or nil for none.
	Result() reflect.Type
	// Invoke calls the implementation. instance is the resolved target
	// (ignored by factory operations).
	Invoke(rc *codec.RoleContext, info *CallInfo, instance any, args []reflect.Value) (reflect.Value, error)
}

// TypeInfo describes one registered exported-object type.
type TypeInfo struct {
	Name       string
	GoType     reflect.Type // pointer-to-struct implementation type
	Ctor       reflect.Value
	CtorParams []reflect.Type
}

// Registry holds the exported-type table and the function table.
// Registration is a one-time step; lookups after that are read-locked only.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]*TypeInfo
	byGoType map[reflect.Type]*TypeInfo
	funcs    map[string]Invoker

	create  *createInvoker
	destroy *destroyInvoker
}

// New returns a registry with the factory operations pre-registered.
// The factory is bound to an object table by NewObjects.
func New() *Registry {
	r := &Registry{
		types:    make(map[string]*TypeInfo),
		byGoType: make(map[reflect.Type]*TypeInfo),
		funcs:    make(map[string]Invoker),
		create:   &createInvoker{},
		destroy:  &destroyInvoker{},
	}
	r.funcs[QualifiedCreate] = r.create
	r.funcs[QualifiedDestroy] = r.destroy
	return r
}

// RegisterType registers an exported type under name. template is a pointer
// to the implementation struct; its exported methods with supported
// signatures become callable as "<name>::<Method>". ctor is the constructor
// function, returning (*T) or (*T, error); its parameters fix the wire
// schema of construction arguments.
func (r *Registry) RegisterType(name string, template any, ctor any) error {
	typ := reflect.TypeOf(template)
	if typ == nil || typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return errors.Errorf("registry: template for %q must be a pointer to struct", name)
	}

	ctorVal := reflect.ValueOf(ctor)
	if ctorVal.Kind() != reflect.Func {
		return errors.Errorf("registry: ctor for %q must be a function", name)
	}
	ctorType := ctorVal.Type()
	switch ctorType.NumOut() {
	case 1:
		if ctorType.Out(0) != typ {
			return errors.Errorf("registry: ctor for %q must return %s", name, typ)
		}
	case 2:
		if ctorType.Out(0) != typ || ctorType.Out(1) != errorType {
			return errors.Errorf("registry: ctor for %q must return (%s, error)", name, typ)
		}
	default:
		return errors.Errorf("registry: ctor for %q must return (%s) or (%s, error)", name, typ, typ)
	}
	ctorParams := make([]reflect.Type, ctorType.NumIn())
	for i := range ctorParams {
		ctorParams[i] = ctorType.In(i)
	}

	info := &TypeInfo{Name: name, GoType: typ, Ctor: ctorVal, CtorParams: ctorParams}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[name]; dup {
		return errors.Errorf("registry: type %q already registered", name)
	}
	r.types[name] = info
	r.byGoType[typ] = info

	// Scan the exported method set for supported signatures.
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		inv, ok := newMethodInvoker(m)
		if !ok {
			continue
		}
		r.funcs[name+"::"+m.Name] = inv
	}
	return nil
}

// Lookup resolves a qualified name to its invoker.
func (r *Registry) Lookup(qualified string) (Invoker, error) {
	r.mu.RLock()
	inv, ok := r.funcs[qualified]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownFunction, qualified)
	}
	return inv, nil
}

// Type returns the registered info for a type name.
func (r *Registry) Type(name string) (*TypeInfo, error) {
	r.mu.RLock()
	info, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownType, name)
	}
	return info, nil
}

// lookupByInstance resolves the type info for a live instance value.
func (r *Registry) lookupByInstance(instance any) (*TypeInfo, bool) {
	t := reflect.TypeOf(instance)
	r.mu.RLock()
	info, ok := r.byGoType[t]
	r.mu.RUnlock()
	return info, ok
}

// Exports reports whether t is a registered exported-object pointer type.
// Implements codec.TypeSet: these are the reference slots of the wire schema.
func (r *Registry) Exports(t reflect.Type) bool {
	r.mu.RLock()
	_, ok := r.byGoType[t]
	r.mu.RUnlock()
	return ok
}

// methodInvoker wraps one reflected method behind the Invoker contract.
type methodInvoker struct {
	method reflect.Method
	params []reflect.Type
	result reflect.Type // nil when the method returns nothing but error
	hasErr bool
}

// newMethodInvoker accepts methods of shape
//
//	func (recv) M(p1, ..., pn) (T)
//	func (recv) M(p1, ..., pn) (T, error)
//	func (recv) M(p1, ..., pn) error
//	func (recv) M(p1, ..., pn)
//
// where every parameter type is representable by the codec.
func newMethodInvoker(m reflect.Method) (*methodInvoker, bool) {
	mt := m.Type
	params := make([]reflect.Type, 0, mt.NumIn()-1)
	for i := 1; i < mt.NumIn(); i++ { // skip receiver
		if !representable(mt.In(i)) {
			return nil, false
		}
		params = append(params, mt.In(i))
	}

	inv := &methodInvoker{method: m, params: params}
	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) == errorType {
			inv.hasErr = true
		} else {
			if !representable(mt.Out(0)) {
				return nil, false
			}
			inv.result = mt.Out(0)
		}
	case 2:
		if mt.Out(1) != errorType || !representable(mt.Out(0)) {
			return nil, false
		}
		inv.result = mt.Out(0)
		inv.hasErr = true
	default:
		return nil, false
	}
	return inv, true
}

// representable filters out types the codec can never carry. Pointers pass
// here because exported-object references are pointer-typed; the codec
// rejects unregistered ones at call time.
func representable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return false
	}
	return true
}

func (mi *methodInvoker) Params() []reflect.Type { return mi.params }
func (mi *methodInvoker) Result() reflect.Type   { return mi.result }

func (mi *methodInvoker) Invoke(_ *codec.RoleContext, _ *CallInfo, instance any, args []reflect.Value) (reflect.Value, error) {
	recv := reflect.ValueOf(instance)
	if !recv.IsValid() {
		return reflect.Value{}, fmt.Errorf("registry: %s called without a receiver", mi.method.Name)
	}
	if recv.Type() != mi.method.Type.In(0) {
		return reflect.Value{}, fmt.Errorf("registry: %s called on %s", mi.method.Name, recv.Type())
	}
	in := append([]reflect.Value{recv}, args...)
	out := mi.method.Func.Call(in)

	var result reflect.Value
	if mi.result != nil {
		result = out[0]
	}
	if mi.hasErr {
		errv := out[len(out)-1]
		if !errv.IsNil() {
			return result, errv.Interface().(error)
		}
	}
	return result, nil
}
