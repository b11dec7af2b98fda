// Package codec turns registered message values into wire payloads and back.
//
// A Codec only handles the message body. Every payload on the wire is an
// Envelope carrying the body plus routing metadata (id, sender, type name,
// reply channel), framed as JSON.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Codec serializes message bodies.
type Codec interface {
	// Name identifies the codec on the wire.
	Name() string
	// Marshal serializes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes data into a new value of type t. A pointer
	// type yields a pointer, a value type yields a value.
	Unmarshal(data []byte, t reflect.Type) (any, error)
}

// Built-in codec names.
const (
	NameJSON    = "json"
	NameMsgPack = "msgpack"
	NameProto   = "proto"
)

// ByName returns the built-in codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameMsgPack:
		return MsgPack{}, nil
	case NameProto:
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSON encodes bodies with encoding/json.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, t reflect.Type) (any, error) {
	ptr, isPtr := newTarget(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return result(ptr, isPtr), nil
}

// newTarget allocates storage for a value of type t.
func newTarget(t reflect.Type) (reflect.Value, bool) {
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()), true
	}
	return reflect.New(t), false
}

func result(ptr reflect.Value, isPtr bool) any {
	if isPtr {
		return ptr.Interface()
	}
	return ptr.Elem().Interface()
}
