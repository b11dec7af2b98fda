package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// Proto encodes bodies in protobuf wire format. Registered types must be
// generated message pointers (for example *pb.Order).
type Proto struct{}

func (Proto) Name() string { return NameProto }

func (Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (Proto) Unmarshal(data []byte, t reflect.Type) (any, error) {
	if t.Kind() != reflect.Pointer || !t.Implements(protoMessageType) {
		return nil, fmt.Errorf("%s does not implement proto.Message", t)
	}
	m := reflect.New(t.Elem()).Interface().(proto.Message)
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SupportsType reports whether t can be carried by the Proto codec.
func (Proto) SupportsType(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer && t.Implements(protoMessageType)
}
