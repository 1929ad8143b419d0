package domain

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// MemoryFact is a keyed fact remembered about a user. Value is a tagged
// union of null, bool, number, string, list and map.
type MemoryFact struct {
	Tenant    Tenant          `json:"-"`
	UserID    string          `json:"user_id"`
	Key       string          `json:"key"`
	Value     *structpb.Value `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewMemoryValue converts a native Go value into a memory value.
func NewMemoryValue(v any) (*structpb.Value, error) {
	val, err := structpb.NewValue(v)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Code: CodeInvalidMemoryValue, Message: err.Error(), Err: err}
	}
	return val, nil
}

// EncodeMemoryValue serializes a memory value for storage.
func EncodeMemoryValue(v *structpb.Value) ([]byte, error) {
	if v == nil {
		v = structpb.NewNullValue()
	}
	b, err := protojson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode memory value: %w", err)
	}
	return b, nil
}

// DecodeMemoryValue parses a stored memory value.
func DecodeMemoryValue(b []byte) (*structpb.Value, error) {
	var v structpb.Value
	if err := protojson.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode memory value: %w", err)
	}
	return &v, nil
}

// MemoryMap flattens facts into native values keyed by fact key.
func MemoryMap(facts []MemoryFact) map[string]any {
	out := make(map[string]any, len(facts))
	for _, f := range facts {
		if f.Value == nil {
			out[f.Key] = nil
			continue
		}
		out[f.Key] = f.Value.AsInterface()
	}
	return out
}
