package tunnelset

import (
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cespare/xxhash/v2"
)

// Policy selects how rows of a producer's output are routed across
// its outgoing tunnels.
type Policy int

const (
	// Broadcast sends every encoded chunk to every outgoing tunnel.
	Broadcast Policy = iota
	// PassThrough sends the whole stream, verbatim, to the single
	// outgoing tunnel.
	PassThrough
	// Hash routes each row to tunnel h(partition_cols) mod N.
	Hash
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case Broadcast:
		return "broadcast"
	case PassThrough:
		return "pass_through"
	case Hash:
		return "hash"
	default:
		return "unknown"
	}
}

// hashRow computes an FNV-like (non-cryptographic, fast) digest of the
// partition columns of row i, using xxhash — the hash the rest of the
// pack (and Loki generally) reaches for wherever a fast row digest is
// needed.
func hashRow(rec arrow.Record, cols []int, row int) (uint64, error) {
	var buf [8]byte
	d := xxhash.New()

	for _, c := range cols {
		if c < 0 || c >= int(rec.NumCols()) {
			return 0, fmt.Errorf("partition column index %d out of range (record has %d columns)", c, rec.NumCols())
		}
		col := rec.Column(c)
		if col.IsNull(row) {
			_, _ = d.Write([]byte{0})
			continue
		}
		b, err := rowBytes(col, row, buf[:])
		if err != nil {
			return 0, err
		}
		_, _ = d.Write(b)
	}
	return d.Sum64(), nil
}

// rowBytes renders the value at arr[row] into scratch (reused across
// calls to avoid allocating per row) and returns the slice written.
func rowBytes(arr arrow.Array, row int, scratch []byte) ([]byte, error) {
	switch a := arr.(type) {
	case *array.Int64:
		binary.LittleEndian.PutUint64(scratch, uint64(a.Value(row)))
		return scratch[:8], nil
	case *array.Int32:
		binary.LittleEndian.PutUint32(scratch, uint32(a.Value(row)))
		return scratch[:4], nil
	case *array.Uint64:
		binary.LittleEndian.PutUint64(scratch, a.Value(row))
		return scratch[:8], nil
	case *array.Float64:
		binary.LittleEndian.PutUint64(scratch, uint64(int64(a.Value(row))))
		return scratch[:8], nil
	case *array.Boolean:
		if a.Value(row) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case *array.String:
		return []byte(a.Value(row)), nil
	case *array.Binary:
		return a.Value(row), nil
	default:
		return nil, fmt.Errorf("unsupported partition column type %T", arr)
	}
}

// bucketRows groups row indices of rec by destination tunnel under the
// Hash policy.
func bucketRows(rec arrow.Record, cols []int, numTunnels int) (map[int][]int, error) {
	buckets := make(map[int][]int)
	n := int(rec.NumRows())
	for row := 0; row < n; row++ {
		h, err := hashRow(rec, cols, row)
		if err != nil {
			return nil, err
		}
		dest := int(h % uint64(numTunnels))
		buckets[dest] = append(buckets[dest], row)
	}
	return buckets, nil
}
