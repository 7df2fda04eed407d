package arrow

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// Schema metadata keys. Per-message values travel in the schema metadata
// because every message is its own IPC stream.
const (
	MetaRequestID = "request_id"
	MetaAuthToken = "auth_token"
	MetaSeedID    = "seed_id"
	MetaError     = "error"
)

// RequestSchema returns the Arrow schema for a hash request.
//
// Fields:
//   - input: binary (not null) - Message to hash
func RequestSchema(md *arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "input", Type: arrow.BinaryTypes.Binary, Nullable: false},
		},
		md,
	)
}

// ResponseSchema returns the Arrow schema for a hash response.
//
// Fields:
//   - hash: fixed_size_binary[32] (not null) - Hash of the input in the same row
func ResponseSchema(md *arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "hash", Type: &arrow.FixedSizeBinaryType{ByteWidth: randomx.HashSize}, Nullable: false},
		},
		md,
	)
}

// ValidateSchema checks that actual has the fields of expected, ignoring
// metadata.
func ValidateSchema(actual, expected *arrow.Schema) error {
	if actual == nil {
		return errors.New("schema is nil")
	}
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}
	for i := 0; i < actual.NumFields(); i++ {
		a, e := actual.Field(i), expected.Field(i)
		if a.Name != e.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s", i, a.Name, e.Name)
		}
		if !arrow.TypeEqual(a.Type, e.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s", a.Name, a.Type, e.Type)
		}
	}
	return nil
}

func metadataValue(md arrow.Metadata, key string) string {
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i]
	}
	return ""
}

func newMetadata(pairs map[string]string) *arrow.Metadata {
	keys := make([]string, 0, len(pairs))
	values := make([]string, 0, len(pairs))
	for k, v := range pairs {
		if v == "" {
			continue
		}
		keys = append(keys, k)
		values = append(values, v)
	}
	md := arrow.NewMetadata(keys, values)
	return &md
}
