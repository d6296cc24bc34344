package grpcadapter

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// codecName keeps the wire content-type proto so stock clients talk
// to the gateway unchanged.
const codecName = "proto"

// frame holds one raw gRPC message. The codec passes bytes through
// untouched, so handlers see the payload exactly as sent.
type frame struct {
	payload []byte
}

// rawCodec marshals frames as-is and falls back to proto for typed
// messages. Anything else is rejected so a miswired value surfaces as
// a codec error instead of an empty message on the wire.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(*frame); ok {
		return f.payload, nil
	}
	if msg, ok := v.(proto.Message); ok {
		return proto.Marshal(msg)
	}
	return nil, fmt.Errorf("grpc codec: cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*frame); ok {
		f.payload = data
		return nil
	}
	if msg, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, msg)
	}
	return fmt.Errorf("grpc codec: cannot unmarshal into %T", v)
}

func (rawCodec) Name() string {
	return codecName
}

func (rawCodec) String() string {
	return codecName
}
