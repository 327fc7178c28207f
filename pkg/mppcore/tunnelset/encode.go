package tunnelset

import (
	"bytes"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pierrec/lz4/v4"
)

// Encoding selects the on-wire representation chunks are rendered to
// once they leave the process through the transport. A Set records its
// encoding in Settings but does not read it: tunnel buffers hold typed
// arrow.Record batches directly, and the bytes on the wire come from
// the Encoder handed to transport.Local.ServeTunnel, whichever
// encoding that Encoder was built with.
type Encoding int

const (
	// EncodingColumnar writes the Arrow IPC stream format as-is.
	EncodingColumnar Encoding = iota
	// EncodingRowWise writes exactly the same IPC stream as
	// EncodingColumnar; neither the Encoder nor the Set treats it
	// differently.
	EncodingRowWise
	// EncodingCompact wraps the IPC stream in LZ4 frame compression.
	EncodingCompact
)

// String implements fmt.Stringer.
func (e Encoding) String() string {
	switch e {
	case EncodingColumnar:
		return "columnar"
	case EncodingRowWise:
		return "row_wise"
	case EncodingCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// Encoder renders arrow.Record batches to and from bytes for the
// transport boundary, per a TunnelSet's configured Encoding.
type Encoder struct {
	encoding Encoding
	schema   *arrow.Schema
	mem      memory.Allocator
}

// NewEncoder builds an Encoder for schema using enc.
func NewEncoder(enc Encoding, schema *arrow.Schema) *Encoder {
	return &Encoder{encoding: enc, schema: schema, mem: memory.DefaultAllocator}
}

// Encode renders rec to bytes.
func (e *Encoder) Encode(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer

	var w io.Writer = &buf
	var lzw *lz4.Writer
	if e.encoding == EncodingCompact {
		lzw = lz4.NewWriter(&buf)
		w = lzw
	}

	iw := ipc.NewWriter(w, ipc.WithSchema(e.schema), ipc.WithAllocator(e.mem))
	if err := iw.Write(rec); err != nil {
		return nil, fmt.Errorf("encoding chunk: %w", err)
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("closing chunk encoder: %w", err)
	}
	if lzw != nil {
		if err := lzw.Close(); err != nil {
			return nil, fmt.Errorf("closing lz4 writer: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode back into a record.
func (e *Encoder) Decode(data []byte) (arrow.Record, error) {
	var r io.Reader = bytes.NewReader(data)
	if e.encoding == EncodingCompact {
		r = lz4.NewReader(r)
	}

	ir, err := ipc.NewReader(r, ipc.WithSchema(e.schema), ipc.WithAllocator(e.mem))
	if err != nil {
		return nil, fmt.Errorf("opening chunk decoder: %w", err)
	}
	defer ir.Release()

	if !ir.Next() {
		if err := ir.Err(); err != nil {
			return nil, fmt.Errorf("decoding chunk: %w", err)
		}
		return nil, fmt.Errorf("decoding chunk: empty stream")
	}
	rec := ir.Record()
	rec.Retain()
	return rec, nil
}
