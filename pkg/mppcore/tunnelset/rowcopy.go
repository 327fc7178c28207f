package tunnelset

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// takeRows builds a new record containing only the given row indices
// of rec, preserving their relative order. It is the scatter primitive
// Hash partitioning needs to split one input batch across tunnels.
func takeRows(mem memory.Allocator, rec arrow.Record, rows []int) (arrow.Record, error) {
	rb := array.NewRecordBuilder(mem, rec.Schema())
	defer rb.Release()

	for _, row := range rows {
		for c := 0; c < int(rec.NumCols()); c++ {
			if err := appendValue(rb.Field(c), rec.Column(c), row); err != nil {
				return nil, err
			}
		}
	}
	return rb.NewRecord(), nil
}

// appendValue copies src[row] into builder, preserving nullness.
// Supported types cover the primitives the partitioner itself hashes
// on; a type outside this set is a configuration error we surface
// rather than silently drop.
func appendValue(builder array.Builder, src arrow.Array, row int) error {
	if src.IsNull(row) {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.Int64Builder:
		b.Append(src.(*array.Int64).Value(row))
	case *array.Int32Builder:
		b.Append(src.(*array.Int32).Value(row))
	case *array.Uint64Builder:
		b.Append(src.(*array.Uint64).Value(row))
	case *array.Float64Builder:
		b.Append(src.(*array.Float64).Value(row))
	case *array.BooleanBuilder:
		b.Append(src.(*array.Boolean).Value(row))
	case *array.StringBuilder:
		b.Append(src.(*array.String).Value(row))
	case *array.BinaryBuilder:
		b.Append(src.(*array.Binary).Value(row))
	default:
		return fmt.Errorf("unsupported column type %T for row-level partitioning", builder)
	}
	return nil
}
