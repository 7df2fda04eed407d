package arrow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// Request is a batch of messages to hash under the server's current seed.
type Request struct {
	ID     string
	Token  string
	Inputs [][]byte
}

// Response carries one hash per request input, in input order, or an
// error message and no hashes.
type Response struct {
	ID     string
	SeedID string
	Hashes []randomx.Hash
	Error  string
}

// Codec converts requests and responses to and from Arrow IPC streams.
type Codec struct {
	allocator memory.Allocator
}

// NewCodec creates a Codec. A nil allocator uses memory.DefaultAllocator.
func NewCodec(allocator memory.Allocator) *Codec {
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	return &Codec{allocator: allocator}
}

// EncodeRequest serializes req as a single-batch IPC stream.
func (c *Codec) EncodeRequest(req *Request) ([]byte, error) {
	schema := RequestSchema(newMetadata(map[string]string{
		MetaRequestID: req.ID,
		MetaAuthToken: req.Token,
	}))

	builder := array.NewRecordBuilder(c.allocator, schema)
	defer builder.Release()

	inputs := builder.Field(0).(*array.BinaryBuilder)
	inputs.Reserve(len(req.Inputs))
	for _, in := range req.Inputs {
		inputs.Append(in)
	}

	record := builder.NewRecord()
	defer record.Release()
	return c.serialize(record)
}

// DecodeRequest parses an IPC stream produced by EncodeRequest. The
// returned inputs do not alias Arrow buffers.
func (c *Codec) DecodeRequest(data []byte) (*Request, error) {
	record, err := c.deserialize(data)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	if err := ValidateSchema(record.Schema(), RequestSchema(nil)); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	col, ok := record.Column(0).(*array.Binary)
	if !ok {
		return nil, errors.New("column 0 (input) is not a Binary array")
	}

	md := record.Schema().Metadata()
	req := &Request{
		ID:     metadataValue(md, MetaRequestID),
		Token:  metadataValue(md, MetaAuthToken),
		Inputs: make([][]byte, col.Len()),
	}
	for i := range req.Inputs {
		if col.IsNull(i) {
			return nil, fmt.Errorf("input %d is null", i)
		}
		req.Inputs[i] = bytes.Clone(col.Value(i))
		if req.Inputs[i] == nil {
			req.Inputs[i] = []byte{}
		}
	}
	return req, nil
}

// EncodeResponse serializes resp as a single-batch IPC stream.
func (c *Codec) EncodeResponse(resp *Response) ([]byte, error) {
	schema := ResponseSchema(newMetadata(map[string]string{
		MetaRequestID: resp.ID,
		MetaSeedID:    resp.SeedID,
		MetaError:     resp.Error,
	}))

	builder := array.NewRecordBuilder(c.allocator, schema)
	defer builder.Release()

	hashes := builder.Field(0).(*array.FixedSizeBinaryBuilder)
	hashes.Reserve(len(resp.Hashes))
	for _, h := range resp.Hashes {
		hashes.Append(h[:])
	}

	record := builder.NewRecord()
	defer record.Release()
	return c.serialize(record)
}

// DecodeResponse parses an IPC stream produced by EncodeResponse.
func (c *Codec) DecodeResponse(data []byte) (*Response, error) {
	record, err := c.deserialize(data)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	if err := ValidateSchema(record.Schema(), ResponseSchema(nil)); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	col, ok := record.Column(0).(*array.FixedSizeBinary)
	if !ok {
		return nil, errors.New("column 0 (hash) is not a FixedSizeBinary array")
	}

	md := record.Schema().Metadata()
	resp := &Response{
		ID:     metadataValue(md, MetaRequestID),
		SeedID: metadataValue(md, MetaSeedID),
		Error:  metadataValue(md, MetaError),
		Hashes: make([]randomx.Hash, col.Len()),
	}
	for i := range resp.Hashes {
		copy(resp.Hashes[i][:], col.Value(i))
	}
	return resp, nil
}

// serialize writes record as a complete IPC stream.
func (c *Codec) serialize(record arrow.Record) ([]byte, error) {
	var buf bytes.Buffer

	writer := ipc.NewWriter(&buf, ipc.WithSchema(record.Schema()), ipc.WithAllocator(c.allocator))
	defer writer.Close()

	if err := writer.Write(record); err != nil {
		return nil, fmt.Errorf("failed to write record: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

// deserialize reads the first record of an IPC stream. The caller must
// release it.
func (c *Codec) deserialize(data []byte) (arrow.Record, error) {
	if len(data) == 0 {
		return nil, errors.New("received empty data")
	}

	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, reader.Err()
		}
		return nil, errors.New("no records in IPC data")
	}

	record := reader.Record()
	record.Retain() // Retain the record to prevent it from being released

	return record, nil
}
