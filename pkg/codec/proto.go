package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Proto serializes protobuf message types. Register it only for message
// types implementing proto.Message; other values fail at encode/decode
// time with a Serialize/Deserialize error.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

// Unmarshal accepts either a proto.Message or a pointer to one, as the
// generic dispatch path passes *M where M is itself the pointer type.
func (Proto) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Pointer {
		elem := rv.Elem()
		if elem.IsNil() {
			elem.Set(reflect.New(elem.Type().Elem()))
		}
		if m, ok := elem.Interface().(proto.Message); ok {
			return proto.Unmarshal(data, m)
		}
	}
	return fmt.Errorf("proto codec: %T does not implement proto.Message", v)
}
