package grpcserver

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// rawCodec passes request and response payloads through as opaque bytes. The
// serialization format of function arguments is the caller's business, not the
// transport's. proto.Message values still round-trip through protobuf so the
// standard health service keeps working on the same server.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		return *t, nil
	case proto.Message:
		return proto.Marshal(t)
	default:
		return nil, errors.Errorf("cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch t := v.(type) {
	case *[]byte:
		*t = data
		return nil
	case proto.Message:
		return proto.Unmarshal(data, t)
	default:
		return errors.Errorf("cannot unmarshal into %T", v)
	}
}

func (rawCodec) Name() string {
	return "slacker-raw"
}
