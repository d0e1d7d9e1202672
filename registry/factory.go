package registry

import (
	"reflect"

	"github.com/pkg/errors"

	"objrpc/codec"
)

// The object registry is itself reachable as an exported remote object (the
// "factory"), so remote construction and destruction ride the ordinary
// call-dispatch path instead of a special-case protocol. It lives at a
// well-known object id that no constructed object ever receives.
const (
	FactoryObjectID  uint64 = 0
	QualifiedCreate         = "factory::create"
	QualifiedDestroy        = "factory::destroy"
)

var (
	stringType = reflect.TypeOf("")
	rawType    = reflect.TypeOf(codec.Raw(nil))
	uint64Type = reflect.TypeOf(uint64(0))
)

// createInvoker implements factory::create(typeName, ctorArgs) → object id.
// The ctorArgs block is opaque at this level; Construct decodes it against
// the constructor's own declared parameters.
type createInvoker struct {
	objects *Objects
}

func (ci *createInvoker) Params() []reflect.Type { return []reflect.Type{stringType, rawType} }
func (ci *createInvoker) Result() reflect.Type   { return uint64Type }

func (ci *createInvoker) Invoke(rc *codec.RoleContext, info *CallInfo, _ any, args []reflect.Value) (reflect.Value, error) {
	if ci.objects == nil {
		return reflect.Value{}, errors.New("registry: factory not bound to an object table")
	}
	typeName := args[0].String()
	block := args[1].Interface().(codec.Raw)
	owner := ""
	if info != nil {
		owner = info.Owner
	}
	id, err := ci.objects.Construct(typeName, owner, rc, block)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(id), nil
}

// destroyInvoker implements factory::destroy(id).
type destroyInvoker struct {
	objects *Objects
}

func (di *destroyInvoker) Params() []reflect.Type { return []reflect.Type{uint64Type} }
func (di *destroyInvoker) Result() reflect.Type   { return nil }

func (di *destroyInvoker) Invoke(_ *codec.RoleContext, _ *CallInfo, _ any, args []reflect.Value) (reflect.Value, error) {
	if di.objects == nil {
		return reflect.Value{}, errors.New("registry: factory not bound to an object table")
	}
	return reflect.Value{}, di.objects.Destroy(args[0].Uint())
}
