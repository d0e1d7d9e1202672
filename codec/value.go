package codec

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

var (
	rawType       = reflect.TypeOf(Raw(nil))
	bytesType     = reflect.TypeOf([]byte(nil))
	refTargetType = reflect.TypeOf((*RefTarget)(nil)).Elem()
)

// EncodeValue serializes v against the declared type, writing to w.
// declared comes from the registered method signature; it fixes the wire
// schema regardless of the runtime type of v. Pointers to registered
// exported-object types are written as bare object ids; all other pointer
// serialization is unsupported.
func EncodeValue(w *Writer, rc *RoleContext, declared reflect.Type, v reflect.Value) error {
	// Reference slot: the declared type is an exported-object pointer.
	if isRefSlot(rc, declared) {
		return encodeRef(w, rc, v)
	}

	if !v.IsValid() {
		return errors.Errorf("codec: nil value for declared type %s", declared)
	}
	if v.Type() != declared {
		switch {
		case v.Type().AssignableTo(declared):
			// ok as-is
		case v.Type().ConvertibleTo(declared) && convertibleKind(declared.Kind()):
			v = v.Convert(declared)
		default:
			return errors.Errorf("codec: cannot encode %s as declared %s", v.Type(), declared)
		}
	}

	switch declared {
	case rawType, bytesType:
		w.PutBytes(v.Bytes())
		return nil
	}

	switch declared.Kind() {
	case reflect.Bool:
		w.PutBool(v.Bool())
	case reflect.Int8:
		w.PutUint8(uint8(v.Int()))
	case reflect.Int16:
		w.PutUint16(uint16(v.Int()))
	case reflect.Int32:
		w.PutUint32(uint32(v.Int()))
	case reflect.Int, reflect.Int64:
		w.PutInt64(v.Int())
	case reflect.Uint8:
		w.PutUint8(uint8(v.Uint()))
	case reflect.Uint16:
		w.PutUint16(uint16(v.Uint()))
	case reflect.Uint32:
		w.PutUint32(uint32(v.Uint()))
	case reflect.Uint, reflect.Uint64:
		w.PutUint64(v.Uint())
	case reflect.Float32:
		w.PutFloat32(float32(v.Float()))
	case reflect.Float64:
		w.PutFloat64(v.Float())
	case reflect.String:
		w.PutString(v.String())
	case reflect.Slice:
		w.PutUint32(uint32(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := EncodeValue(w, rc, declared.Elem(), v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := EncodeValue(w, rc, declared.Elem(), v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		w.PutUint32(uint32(v.Len()))
		iter := v.MapRange()
		for iter.Next() {
			if err := EncodeValue(w, rc, declared.Key(), iter.Key()); err != nil {
				return err
			}
			if err := EncodeValue(w, rc, declared.Elem(), iter.Value()); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < declared.NumField(); i++ {
			f := declared.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			if err := EncodeValue(w, rc, f.Type, v.Field(i)); err != nil {
				return errors.Wrapf(err, "field %s.%s", declared.Name(), f.Name)
			}
		}
	default:
		return errors.Errorf("codec: unsupported declared type %s", declared)
	}
	return nil
}

// DecodeValue deserializes a value of the declared type from r.
func DecodeValue(r *Reader, rc *RoleContext, declared reflect.Type) (reflect.Value, error) {
	if isRefSlot(rc, declared) || isRefTarget(rc, declared) {
		return decodeRef(r, rc, declared)
	}

	switch declared {
	case rawType:
		b, err := r.Bytes()
		return reflect.ValueOf(Raw(b)), err
	case bytesType:
		b, err := r.Bytes()
		return reflect.ValueOf(b), err
	}

	out := reflect.New(declared).Elem()
	switch declared.Kind() {
	case reflect.Bool:
		v, err := r.Bool()
		if err != nil {
			return out, err
		}
		out.SetBool(v)
	case reflect.Int8:
		v, err := r.Uint8()
		if err != nil {
			return out, err
		}
		out.SetInt(int64(int8(v)))
	case reflect.Int16:
		v, err := r.Uint16()
		if err != nil {
			return out, err
		}
		out.SetInt(int64(int16(v)))
	case reflect.Int32:
		v, err := r.Uint32()
		if err != nil {
			return out, err
		}
		out.SetInt(int64(int32(v)))
	case reflect.Int, reflect.Int64:
		v, err := r.Int64()
		if err != nil {
			return out, err
		}
		out.SetInt(v)
	case reflect.Uint8:
		v, err := r.Uint8()
		if err != nil {
			return out, err
		}
		out.SetUint(uint64(v))
	case reflect.Uint16:
		v, err := r.Uint16()
		if err != nil {
			return out, err
		}
		out.SetUint(uint64(v))
	case reflect.Uint32:
		v, err := r.Uint32()
		if err != nil {
			return out, err
		}
		out.SetUint(uint64(v))
	case reflect.Uint, reflect.Uint64:
		v, err := r.Uint64()
		if err != nil {
			return out, err
		}
		out.SetUint(v)
	case reflect.Float32:
		v, err := r.Float32()
		if err != nil {
			return out, err
		}
		out.SetFloat(float64(v))
	case reflect.Float64:
		v, err := r.Float64()
		if err != nil {
			return out, err
		}
		out.SetFloat(v)
	case reflect.String:
		v, err := r.String()
		if err != nil {
			return out, err
		}
		out.SetString(v)
	case reflect.Slice:
		n, err := r.Uint32()
		if err != nil {
			return out, err
		}
		s := reflect.MakeSlice(declared, int(n), int(n))
		for i := 0; i < int(n); i++ {
			ev, err := DecodeValue(r, rc, declared.Elem())
			if err != nil {
				return out, err
			}
			s.Index(i).Set(ev)
		}
		out.Set(s)
	case reflect.Array:
		for i := 0; i < declared.Len(); i++ {
			ev, err := DecodeValue(r, rc, declared.Elem())
			if err != nil {
				return out, err
			}
			out.Index(i).Set(ev)
		}
	case reflect.Map:
		n, err := r.Uint32()
		if err != nil {
			return out, err
		}
		m := reflect.MakeMapWithSize(declared, int(n))
		for i := 0; i < int(n); i++ {
			kv, err := DecodeValue(r, rc, declared.Key())
			if err != nil {
				return out, err
			}
			vv, err := DecodeValue(r, rc, declared.Elem())
			if err != nil {
				return out, err
			}
			m.SetMapIndex(kv, vv)
		}
		out.Set(m)
	case reflect.Struct:
		for i := 0; i < declared.NumField(); i++ {
			f := declared.Field(i)
			if f.PkgPath != "" {
				continue
			}
			fv, err := DecodeValue(r, rc, f.Type)
			if err != nil {
				return out, errors.Wrapf(err, "field %s.%s", declared.Name(), f.Name)
			}
			out.Field(i).Set(fv)
		}
	default:
		return out, errors.Errorf("codec: unsupported declared type %s", declared)
	}
	return out, nil
}

// isRefSlot reports whether the declared type is a pointer to a registered
// exported-object type, i.e. a slot carrying an object id on the wire.
func isRefSlot(rc *RoleContext, declared reflect.Type) bool {
	return rc != nil && rc.Types != nil &&
		declared.Kind() == reflect.Pointer && rc.Types.Exports(declared)
}

// isRefTarget reports whether the declared type is a client-side stand-in
// that a decoded object id can be bound into.
func isRefTarget(rc *RoleContext, declared reflect.Type) bool {
	if rc == nil || rc.Side != SideClient {
		return false
	}
	if declared.Kind() == reflect.Pointer {
		return declared.Implements(refTargetType)
	}
	return reflect.PointerTo(declared).Implements(refTargetType)
}

func encodeRef(w *Writer, rc *RoleContext, v reflect.Value) error {
	if !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return errors.New("codec: cannot encode nil object reference")
	}
	switch rc.Side {
	case SideServer:
		if rc.Objects == nil {
			return errors.New("codec: server role has no object table")
		}
		id, err := rc.Objects.ExposeObject(v.Interface())
		if err != nil {
			return err
		}
		w.PutUint64(id)
		return nil
	case SideClient:
		ref, ok := v.Interface().(RemoteRef)
		if !ok {
			return errors.Errorf("codec: %s does not carry a remote object id", v.Type())
		}
		w.PutUint64(ref.RemoteID())
		return nil
	default:
		return errors.New("codec: object reference outside client or server role")
	}
}

func decodeRef(r *Reader, rc *RoleContext, declared reflect.Type) (reflect.Value, error) {
	id, err := r.Uint64()
	if err != nil {
		return reflect.Value{}, err
	}
	switch rc.Side {
	case SideServer:
		if rc.Objects == nil {
			return reflect.Value{}, errors.New("codec: server role has no object table")
		}
		inst, err := rc.Objects.ResolveObject(id)
		if err != nil {
			return reflect.Value{}, err
		}
		rv := reflect.ValueOf(inst)
		if !rv.Type().AssignableTo(declared) {
			return reflect.Value{}, errors.Errorf("codec: object %d is %s, want %s", id, rv.Type(), declared)
		}
		return rv, nil
	case SideClient:
		elem := declared
		if declared.Kind() == reflect.Pointer {
			elem = declared.Elem()
		}
		pv := reflect.New(elem)
		pv.Interface().(RefTarget).BindRemote(id, rc.Caller)
		if declared.Kind() == reflect.Pointer {
			return pv, nil
		}
		return pv.Elem(), nil
	default:
		return reflect.Value{}, errors.New("codec: object reference outside client or server role")
	}
}

// convertibleKind limits implicit conversions to scalar kinds, so an int
// argument can fill an int64 parameter without widening surprises elsewhere.
func convertibleKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return true
	}
	return false
}

// EncodeArgs serializes args strictly left-to-right against the declared
// parameter types, producing the packed argument block of a request.
func EncodeArgs(rc *RoleContext, params []reflect.Type, args []any) ([]byte, error) {
	if len(args) != len(params) {
		return nil, fmt.Errorf("codec: got %d args, signature declares %d", len(args), len(params))
	}
	w := NewWriter()
	for i, p := range params {
		if err := EncodeValue(w, rc, p, reflect.ValueOf(args[i])); err != nil {
			return nil, errors.Wrapf(err, "arg %d", i)
		}
	}
	return w.Bytes(), nil
}

// DecodeArgs deserializes the packed argument block strictly left-to-right
// per the declared parameter types.
func DecodeArgs(rc *RoleContext, params []reflect.Type, block []byte) ([]reflect.Value, error) {
	r := NewReader(block)
	out := make([]reflect.Value, len(params))
	for i, p := range params {
		v, err := DecodeValue(r, rc, p)
		if err != nil {
			return nil, errors.Wrapf(err, "arg %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// DecodeInto deserializes a result block into the caller-provided reply
// pointer. The reply's element type fixes the expected schema.
func DecodeInto(rc *RoleContext, block []byte, reply any) error {
	rv := reflect.ValueOf(reply)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("codec: reply must be a non-nil pointer")
	}
	v, err := DecodeValue(NewReader(block), rc, rv.Type().Elem())
	if err != nil {
		return err
	}
	rv.Elem().Set(v)
	return nil
}
