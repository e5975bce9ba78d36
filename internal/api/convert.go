package api

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/pioner22/client-web-sub000/internal/chat"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts any JSON-encodable value whose encoding is an object.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return out, nil
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func toValue(v any) *structpb.Value {
	if v == nil {
		return structpb.NewNullValue()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return structpb.NewStringValue(fmt.Sprint(v))
	}
	out := &structpb.Value{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return structpb.NewStringValue(string(data))
	}
	return out
}

func field(s *structpb.Struct, name string) *structpb.Value {
	if s == nil {
		return nil
	}
	return s.GetFields()[name]
}

func stringField(s *structpb.Struct, name string) string {
	return field(s, name).GetStringValue()
}

func boolField(s *structpb.Struct, name string) bool {
	return field(s, name).GetBoolValue()
}

func intField(s *structpb.Struct, name string) (int64, error) {
	f := field(s, name).GetNumberValue()
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return int64(f), nil
}

func keyField(s *structpb.Struct) (chat.Key, error) {
	key, err := chat.ParseKey(stringField(s, "key"))
	if err != nil {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	return key, nil
}
