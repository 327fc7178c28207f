package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/mpperr"
)

func testID() ids.TunnelID {
	return ids.TunnelID{
		Sender:   ids.TaskID{Query: 1, Ordinal: 1},
		Receiver: ids.TaskID{Query: 1, Ordinal: 2},
	}
}

func testRecord(n int64) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	b := array.NewInt64Builder(memory.DefaultAllocator)
	b.Append(n)
	data := b.NewArray()
	return array.NewRecord(schema, []arrow.Array{data}, 1)
}

func TestTunnel_HappyPath(t *testing.T) {
	tn := New(testID(), time.Second, 4, nil)

	recv, err := tn.Attach(context.Background())
	require.NoError(t, err)

	require.NoError(t, tn.Write(context.Background(), testRecord(1)))
	require.NoError(t, tn.Write(context.Background(), testRecord(2)))
	require.NoError(t, tn.WriteEnd())

	rec, done, err := recv.Recv(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.NotNil(t, rec)

	rec, done, err = recv.Recv(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.NotNil(t, rec)

	_, done, err = recv.Recv(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	require.Equal(t, Finished, tn.State())
}

func TestTunnel_WriteOrderPreserved(t *testing.T) {
	tn := New(testID(), 0, 8, nil)
	recv, err := tn.Attach(context.Background())
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		require.NoError(t, tn.Write(context.Background(), testRecord(i)))
	}
	require.NoError(t, tn.WriteEnd())

	for i := int64(0); i < 5; i++ {
		rec, done, err := recv.Recv(context.Background())
		require.NoError(t, err)
		require.False(t, done)
		col := rec.Column(0).(*array.Int64)
		require.Equal(t, i, col.Value(0))
	}
}

func TestTunnel_AlreadyAttached(t *testing.T) {
	tn := New(testID(), 0, 4, nil)
	_, err := tn.Attach(context.Background())
	require.NoError(t, err)

	_, err = tn.Attach(context.Background())
	require.ErrorIs(t, err, mpperr.ErrAlreadyAttached)
}

func TestTunnel_WriteAfterEndFails(t *testing.T) {
	tn := New(testID(), 0, 4, nil)
	require.NoError(t, tn.WriteEnd())

	err := tn.Write(context.Background(), testRecord(1))
	require.Error(t, err)
}

func TestTunnel_SecondErrorDiscarded(t *testing.T) {
	tn := New(testID(), 0, 4, nil)
	first := errors.New("first")
	second := errors.New("second")

	require.NoError(t, tn.WriteError(first))
	require.NoError(t, tn.WriteError(second))

	recv, err := tn.Attach(context.Background())
	require.NoError(t, err)

	_, done, err := recv.Recv(context.Background())
	require.True(t, done)
	require.Equal(t, first, err)
}

func TestTunnel_AttachTimeout(t *testing.T) {
	tn := New(testID(), 20*time.Millisecond, 4, nil)

	// Let the attach deadline pass before the receiver shows up.
	time.Sleep(50 * time.Millisecond)

	_, err := tn.Attach(context.Background())
	require.ErrorIs(t, err, mpperr.ErrAttachTimeout)
	require.Equal(t, Closed, tn.State())
}

func TestTunnel_WaitForAttachTimesOut(t *testing.T) {
	tn := New(testID(), 20*time.Millisecond, 4, nil)
	err := tn.WaitForAttach(context.Background())
	require.ErrorIs(t, err, mpperr.ErrAttachTimeout)
}

func TestTunnel_WaitForAttachSucceeds(t *testing.T) {
	tn := New(testID(), time.Second, 4, nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = tn.Attach(context.Background())
	}()

	require.NoError(t, tn.WaitForAttach(context.Background()))
}

func TestTunnel_CloseDropsBufferedChunksAndSurfacesError(t *testing.T) {
	tn := New(testID(), 0, 4, nil)
	recv, err := tn.Attach(context.Background())
	require.NoError(t, err)

	require.NoError(t, tn.Write(context.Background(), testRecord(1)))

	reason := errors.New("cancelled mid-stream")
	tn.Close(reason)

	_, done, err := recv.Recv(context.Background())
	require.True(t, done)
	require.Equal(t, reason, err)
}

func TestTunnel_CloseIsIdempotent(t *testing.T) {
	tn := New(testID(), 0, 4, nil)
	tn.Close(errors.New("first"))
	tn.Close(errors.New("second"))
	require.Equal(t, Closed, tn.State())
}

func TestTunnel_WriteBlocksOnFullBuffer(t *testing.T) {
	tn := New(testID(), 0, 1, nil)
	require.NoError(t, tn.Write(context.Background(), testRecord(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tn.Write(ctx, testRecord(2))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTunnel_AttachAfterCloseReportsReason(t *testing.T) {
	tn := New(testID(), 0, 4, nil)
	reason := errors.New("boom")
	tn.Close(reason)

	_, err := tn.Attach(context.Background())
	require.Equal(t, reason, err)
}
