package codec

import (
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack encodes bodies as MessagePack.
type MsgPack struct{}

func (MsgPack) Name() string { return NameMsgPack }

func (MsgPack) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgPack) Unmarshal(data []byte, t reflect.Type) (any, error) {
	ptr, isPtr := newTarget(t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return result(ptr, isPtr), nil
}
