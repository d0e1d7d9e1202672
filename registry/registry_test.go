package registry

import (
	"errors"
	"reflect"
	"testing"

	"objrpc/codec"
)

type counter struct {
	value int64
}

func newCounter() *counter { return &counter{} }

func (c *counter) Add(n int64) int64 {
	c.value += n
	return c.value
}

func (c *counter) Get() int64 { return c.value }

func (c *counter) Reset() {}

func (c *counter) Fail() error { return errors.New("boom") }

// Unsupported signature; must not be registered.
func (c *counter) Stream(ch chan int) {}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New()
	if err := reg.RegisterType("counter", &counter{}, newCounter); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRegisterTypeScansMethods(t *testing.T) {
	reg := newTestRegistry(t)

	for _, name := range []string{"counter::Add", "counter::Get", "counter::Reset", "counter::Fail"} {
		if _, err := reg.Lookup(name); err != nil {
			t.Fatalf("expected %s to be registered: %v", name, err)
		}
	}
	if _, err := reg.Lookup("counter::Stream"); err == nil {
		t.Fatal("chan-typed method must not be registered")
	}
	if _, err := reg.Lookup("counter::NoSuch"); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestFactoryOperationsPreRegistered(t *testing.T) {
	reg := New()
	if _, err := reg.Lookup(QualifiedCreate); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup(QualifiedDestroy); err != nil {
		t.Fatal(err)
	}
}

func TestInvokeMethod(t *testing.T) {
	reg := newTestRegistry(t)
	inv, err := reg.Lookup("counter::Add")
	if err != nil {
		t.Fatal(err)
	}

	c := &counter{}
	res, err := inv.Invoke(nil, nil, c, []reflect.Value{reflect.ValueOf(int64(5))})
	if err != nil {
		t.Fatal(err)
	}
	if res.Int() != 5 {
		t.Fatalf("expect 5, got %d", res.Int())
	}

	failInv, _ := reg.Lookup("counter::Fail")
	if _, err := failInv.Invoke(nil, nil, c, nil); err == nil || err.Error() != "boom" {
		t.Fatalf("expect method error 'boom', got %v", err)
	}
}

func TestInvokeWithoutReceiver(t *testing.T) {
	reg := newTestRegistry(t)
	inv, err := reg.Lookup("counter::Get")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := inv.Invoke(nil, nil, nil, nil); err == nil {
		t.Fatal("nil receiver must be an error, not a panic")
	}
}

func TestConstructDestroyLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	objects := NewObjects(reg)
	rc := codec.ServerRole(reg, objects)

	// K constructions yield K distinct ids.
	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		id, err := objects.Construct("counter", "peer-1", rc, nil)
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("object id %d reused", id)
		}
		seen[id] = true
	}

	var anyID uint64
	for id := range seen {
		anyID = id
		break
	}
	if _, err := objects.Resolve(anyID); err != nil {
		t.Fatal(err)
	}
	if err := objects.Destroy(anyID); err != nil {
		t.Fatal(err)
	}
	// Second destroy reports not-found, never silently succeeds.
	if err := objects.Destroy(anyID); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := objects.Resolve(anyID); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestConstructUnknownType(t *testing.T) {
	reg := newTestRegistry(t)
	objects := NewObjects(reg)
	rc := codec.ServerRole(reg, objects)

	if _, err := objects.Construct("nope", "", rc, nil); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDestroyOwned(t *testing.T) {
	reg := newTestRegistry(t)
	objects := NewObjects(reg)
	rc := codec.ServerRole(reg, objects)

	for i := 0; i < 3; i++ {
		if _, err := objects.Construct("counter", "peer-a", rc, nil); err != nil {
			t.Fatal(err)
		}
	}
	idB, err := objects.Construct("counter", "peer-b", rc, nil)
	if err != nil {
		t.Fatal(err)
	}

	if n := objects.DestroyOwned("peer-a"); n != 3 {
		t.Fatalf("expect 3 destroyed, got %d", n)
	}
	if objects.Len() != 1 {
		t.Fatalf("expect 1 object left, got %d", objects.Len())
	}
	if _, err := objects.Resolve(idB); err != nil {
		t.Fatal("peer-b's object must survive peer-a's disconnect")
	}
}

func TestExposeReusesID(t *testing.T) {
	reg := newTestRegistry(t)
	objects := NewObjects(reg)

	inst := &counter{}
	id1, err := objects.ExposeObject(inst)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := objects.ExposeObject(inst)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("same instance must keep one id: %d vs %d", id1, id2)
	}

	resolved, err := objects.Resolve(id1)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != any(inst) {
		t.Fatal("resolve must yield the exposed instance")
	}
}

func TestFactoryCreateInvoker(t *testing.T) {
	reg := newTestRegistry(t)
	objects := NewObjects(reg)
	rc := codec.ServerRole(reg, objects)

	inv, err := reg.Lookup(QualifiedCreate)
	if err != nil {
		t.Fatal(err)
	}
	res, err := inv.Invoke(rc, &CallInfo{Owner: "peer-x"}, nil, []reflect.Value{
		reflect.ValueOf("counter"),
		reflect.ValueOf(codec.Raw(nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	id := res.Uint()
	if id == FactoryObjectID {
		t.Fatal("constructed object must not receive the factory id")
	}

	destroy, _ := reg.Lookup(QualifiedDestroy)
	if _, err := destroy.Invoke(rc, nil, nil, []reflect.Value{reflect.ValueOf(id)}); err != nil {
		t.Fatal(err)
	}
	if _, err := objects.Resolve(id); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound after destroy, got %v", err)
	}
}
