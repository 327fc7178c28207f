package taskmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/mpperr"
	"github.com/grafana/mppcore/pkg/mppcore/plansource"
	"github.com/grafana/mppcore/pkg/mppcore/task"
	"github.com/grafana/mppcore/pkg/mppcore/transport"
	"github.com/grafana/mppcore/pkg/mppcore/tunnelset"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "k", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

func testRecord(t *testing.T, keys ...int64) arrow.Record {
	t.Helper()
	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(keys, nil)
	data := b.NewArray()
	return array.NewRecord(testSchema(), []arrow.Array{data}, int64(len(keys)))
}

var consumerID = ids.TaskID{Query: 500, Ordinal: 99}

func testPlan() plansource.Plan {
	return plansource.Plan{
		Schema: testSchema(),
		Exchange: plansource.ExchangeSender{
			Destinations: []ids.TaskID{consumerID},
			Policy:       tunnelset.PassThrough,
		},
	}
}

func testRequest(query, ordinal, timeout int64) *transport.DispatchRequest {
	return &transport.DispatchRequest{
		Meta:    transport.TaskMeta{StartTS: query, TaskOrdinal: ordinal},
		Timeout: timeout,
	}
}

// newTestManager builds a manager whose monitor service is started and
// stopped with the test.
func newTestManager(t *testing.T, source plansource.PlanSource, settings Settings) *Manager {
	t.Helper()
	m := New(source, settings, nil)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), m.Service()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, services.StopAndAwaitTerminated(ctx, m.Service()))
	})
	return m
}

func drainTunnel(t *testing.T, m *Manager, id ids.TunnelID) ([]int64, error) {
	t.Helper()
	recv, err := m.Attach(context.Background(), id)
	require.NoError(t, err)

	var keys []int64
	for {
		rec, done, rerr := recv.Recv(context.Background())
		if done {
			return keys, rerr
		}
		require.NoError(t, rerr)
		col := rec.Column(0).(*array.Int64)
		keys = append(keys, col.Int64Values()...)
	}
}

func TestManager_DispatchHappyPath(t *testing.T) {
	// The per-batch delay keeps the task alive long enough for the test
	// to attach; without a receiver the rows would still be buffered,
	// but a finished task unregisters and can no longer be found.
	source := &plansource.Fake{
		Plan:       testPlan(),
		Batches:    []arrow.Record{testRecord(t, 1), testRecord(t, 2), testRecord(t, 3)},
		BatchDelay: 20 * time.Millisecond,
	}
	m := newTestManager(t, source, Settings{})

	resp := m.Dispatch(context.Background(), testRequest(500, 1, 1))
	require.True(t, resp.OK(), "dispatch failed: %s", resp.Error)

	sender := ids.TaskID{Query: 500, Ordinal: 1}
	keys, terr := drainTunnel(t, m, ids.TunnelID{Sender: sender, Receiver: consumerID})
	require.NoError(t, terr)
	require.Equal(t, []int64{1, 2, 3}, keys)

	// The finished task unregisters itself.
	require.Eventually(t, func() bool {
		_, ok := m.Find(sender.Query, sender)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_DuplicateDispatch(t *testing.T) {
	source := &plansource.Fake{Plan: testPlan(), Endless: true}
	m := newTestManager(t, source, Settings{})

	first := m.Dispatch(context.Background(), testRequest(500, 1, 0))
	require.True(t, first.OK())

	second := m.Dispatch(context.Background(), testRequest(500, 1, 0))
	require.False(t, second.OK())
	require.Contains(t, second.Error, "duplicate task")

	// The first task is unperturbed.
	sender := ids.TaskID{Query: 500, Ordinal: 1}
	tk, ok := m.Find(sender.Query, sender)
	require.True(t, ok)
	require.NotEqual(t, task.StatusCancelled, tk.Status())

	m.CancelQuery(500, nil)
}

func TestManager_RegistrationUniqueness(t *testing.T) {
	m := New(&plansource.Fake{Plan: testPlan()}, Settings{}, nil)

	tk := task.New(ids.TaskID{Query: 1, Ordinal: 1}, m, &plansource.Fake{}, task.Settings{}, nil)
	require.True(t, m.Register(tk))
	require.False(t, m.Register(tk))

	dup := task.New(ids.TaskID{Query: 1, Ordinal: 1}, m, &plansource.Fake{}, task.Settings{}, nil)
	require.False(t, m.Register(dup))

	m.Unregister(tk)
	require.True(t, m.Register(dup))
	m.Unregister(dup)

	require.Empty(t, m.QueryIDs(), "empty query entries must be dropped")
}

func TestManager_FindAndSnapshots(t *testing.T) {
	m := New(&plansource.Fake{}, Settings{}, nil)

	a := task.New(ids.TaskID{Query: 2, Ordinal: 1}, m, &plansource.Fake{}, task.Settings{}, nil)
	b := task.New(ids.TaskID{Query: 1, Ordinal: 1}, m, &plansource.Fake{}, task.Settings{}, nil)
	require.True(t, m.Register(a))
	require.True(t, m.Register(b))

	got, ok := m.Find(2, a.ID)
	require.True(t, ok)
	require.Same(t, a, got)

	_, ok = m.Find(3, ids.TaskID{Query: 3, Ordinal: 1})
	require.False(t, ok)

	require.Equal(t, []ids.QueryID{1, 2}, m.QueryIDs())
	require.Len(t, m.Tasks(1), 1)

	m.Unregister(a)
	m.Unregister(b)
}

func TestManager_AttachUnknownTunnel(t *testing.T) {
	m := New(&plansource.Fake{}, Settings{}, nil)

	_, err := m.Attach(context.Background(), ids.TunnelID{
		Sender:   ids.TaskID{Query: 9, Ordinal: 9},
		Receiver: consumerID,
	})
	require.ErrorIs(t, err, mpperr.ErrTaskNotFound)
}

func TestManager_CancelQuery(t *testing.T) {
	source := &plansource.Fake{Plan: testPlan(), Endless: true}
	m := newTestManager(t, source, Settings{})

	require.True(t, m.Dispatch(context.Background(), testRequest(500, 1, 0)).OK())

	sender := ids.TaskID{Query: 500, Ordinal: 1}
	tk, ok := m.Find(sender.Query, sender)
	require.True(t, ok)

	// Attach before cancelling so the receiver observes the error
	// terminal rather than a rejected late attach.
	recv, err := m.Attach(context.Background(), ids.TunnelID{Sender: sender, Receiver: consumerID})
	require.NoError(t, err)

	reason := errors.New("coordinator aborted the query")
	m.CancelQuery(500, reason)
	require.Equal(t, task.StatusCancelled, tk.Status())

	// Downstream unblocks with the cancellation error.
	var terr error
	for {
		_, done, rerr := recv.Recv(context.Background())
		if done {
			terr = rerr
			break
		}
		require.NoError(t, rerr)
	}
	require.ErrorIs(t, terr, reason)

	require.Eventually(t, func() bool {
		_, ok := m.Find(sender.Query, sender)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_CancelUnknownQueryIsNoOp(t *testing.T) {
	m := New(&plansource.Fake{}, Settings{}, nil)
	m.CancelQuery(12345, errors.New("nothing to do"))
}

func TestManager_HangMonitorCancelsStuckQuery(t *testing.T) {
	source := &plansource.Fake{Plan: testPlan(), Endless: true}
	m := newTestManager(t, source, Settings{
		MonitorInterval: 10 * time.Millisecond,
		WaitingTimeout:  50 * time.Millisecond,
	})

	// timeout=0 disables the request-derived running timeout; the
	// waiting timeout still applies because no rows are ever produced.
	require.True(t, m.Dispatch(context.Background(), testRequest(500, 1, 0)).OK())

	sender := ids.TaskID{Query: 500, Ordinal: 1}
	tk, ok := m.Find(sender.Query, sender)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return tk.Status() == task.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond, "monitor should cancel the stuck query")
	require.ErrorIs(t, tk.Err(), mpperr.ErrHanging)
}

func TestManager_HangMonitorSparesProgressingTasks(t *testing.T) {
	batches := make([]arrow.Record, 50)
	for i := range batches {
		batches[i] = testRecord(t, int64(i))
	}
	source := &plansource.Fake{
		Plan:       testPlan(),
		Batches:    batches,
		BatchDelay: 2 * time.Millisecond,
	}
	m := newTestManager(t, source, Settings{
		MonitorInterval: 5 * time.Millisecond,
		WaitingTimeout:  30 * time.Second,
		RunningTimeout:  30 * time.Second,
	})

	require.True(t, m.Dispatch(context.Background(), testRequest(500, 1, 0)).OK())

	sender := ids.TaskID{Query: 500, Ordinal: 1}
	keys, terr := drainTunnel(t, m, ids.TunnelID{Sender: sender, Receiver: consumerID})
	require.NoError(t, terr, "a progressing task must never be cancelled as hanging")
	require.Len(t, keys, 50)
}

func TestManager_StoppingCancelsLiveTasks(t *testing.T) {
	source := &plansource.Fake{Plan: testPlan(), Endless: true}
	m := New(source, Settings{}, nil)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), m.Service()))

	require.True(t, m.Dispatch(context.Background(), testRequest(500, 1, 0)).OK())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, services.StopAndAwaitTerminated(ctx, m.Service()))
	require.Empty(t, m.QueryIDs())
}
