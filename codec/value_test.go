package codec

import (
	"errors"
	"reflect"
	"testing"
)

// ---- fakes for the reference path ----

type widget struct{ n int }

type fakeTypes struct{}

func (fakeTypes) Exports(t reflect.Type) bool {
	return t == reflect.TypeOf(&widget{})
}

type fakeObjects struct {
	ids  map[any]uint64
	live map[uint64]any
	next uint64
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{ids: map[any]uint64{}, live: map[uint64]any{}, next: 1}
}

func (f *fakeObjects) ExposeObject(instance any) (uint64, error) {
	if id, ok := f.ids[instance]; ok {
		return id, nil
	}
	id := f.next
	f.next++
	f.ids[instance] = id
	f.live[id] = instance
	return id, nil
}

func (f *fakeObjects) ResolveObject(id uint64) (any, error) {
	inst, ok := f.live[id]
	if !ok {
		return nil, errors.New("object not found")
	}
	return inst, nil
}

// stub stands in for a proxy handle on the client side.
type stub struct {
	id     uint64
	caller any
}

func (s *stub) RemoteID() uint64 { return s.id }

func (s *stub) BindRemote(id uint64, caller any) {
	s.id = id
	s.caller = caller
}

func TestServerEncodeDecodeReference(t *testing.T) {
	objects := newFakeObjects()
	rc := ServerRole(fakeTypes{}, objects)
	inst := &widget{n: 9}

	declared := reflect.TypeOf(&widget{})
	w := NewWriter()
	if err := EncodeValue(w, rc, declared, reflect.ValueOf(inst)); err != nil {
		t.Fatal(err)
	}
	// First exposure allocates an id; the wire carries only 8 bytes.
	if len(w.Bytes()) != 8 {
		t.Fatalf("reference should be a bare id, got %d bytes", len(w.Bytes()))
	}

	// Re-encoding the same instance reuses the id.
	w2 := NewWriter()
	if err := EncodeValue(w2, rc, declared, reflect.ValueOf(inst)); err != nil {
		t.Fatal(err)
	}
	if string(w.Bytes()) != string(w2.Bytes()) {
		t.Fatal("same instance must keep the same object id")
	}

	got, err := DecodeValue(NewReader(w.Bytes()), rc, declared)
	if err != nil {
		t.Fatal(err)
	}
	if got.Interface() != any(inst) {
		t.Fatal("server decode must yield the original instance")
	}
}

func TestServerDecodeUnknownID(t *testing.T) {
	rc := ServerRole(fakeTypes{}, newFakeObjects())
	w := NewWriter()
	w.PutUint64(12345)
	if _, err := DecodeValue(NewReader(w.Bytes()), rc, reflect.TypeOf(&widget{})); err == nil {
		t.Fatal("expected object-not-found error")
	}
}

func TestClientEncodeDecodeReference(t *testing.T) {
	session := "the-session"
	rc := ClientRole(fakeTypes{}, session)

	// Client encodes an existing stand-in as its id.
	w := NewWriter()
	if err := EncodeValue(w, rc, reflect.TypeOf(&widget{}), reflect.ValueOf(&stub{id: 77})); err != nil {
		t.Fatal(err)
	}

	// Client decodes an id into a fresh bound stand-in.
	got, err := DecodeValue(NewReader(w.Bytes()), rc, reflect.TypeOf(stub{}))
	if err != nil {
		t.Fatal(err)
	}
	s := got.Interface().(stub)
	if s.id != 77 {
		t.Fatalf("expect id 77, got %d", s.id)
	}
	if s.caller != any(session) {
		t.Fatal("decoded stand-in must be bound to the active session")
	}
}

func TestNilReferenceRejected(t *testing.T) {
	rc := ServerRole(fakeTypes{}, newFakeObjects())
	var nilWidget *widget
	w := NewWriter()
	if err := EncodeValue(w, rc, reflect.TypeOf(&widget{}), reflect.ValueOf(nilWidget)); err == nil {
		t.Fatal("expected error encoding nil reference")
	}
}

func TestReferenceOutsideRole(t *testing.T) {
	rc := &RoleContext{Side: SideNone, Types: fakeTypes{}}
	w := NewWriter()
	err := EncodeValue(w, rc, reflect.TypeOf(&widget{}), reflect.ValueOf(&widget{}))
	if err == nil {
		t.Fatal("expected error encoding a reference with no role")
	}
}

func TestDecodeIntoRefTarget(t *testing.T) {
	rc := ClientRole(fakeTypes{}, "sess")
	w := NewWriter()
	w.PutUint64(5)

	var s stub
	if err := DecodeInto(rc, w.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.id != 5 || s.caller != any("sess") {
		t.Fatalf("unexpected binding: %+v", s)
	}
}
