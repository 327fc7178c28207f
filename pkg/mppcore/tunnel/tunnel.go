// Package tunnel implements the point-to-point, ordered chunk channel
// between one producing task and one consuming task. A
// Tunnel buffers a bounded number of chunk messages followed by
// exactly one terminal (End or Error), and bridges that sequence to
// whatever reads it through Attach — in production the transport; in
// tests, an in-process receiver.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/mpperr"
)

// DefaultBufferDepth is the fixed small constant governing how many
// chunk messages a Tunnel buffers before Write blocks for
// backpressure.
const DefaultBufferDepth = 16

// State is one of the four states in the Tunnel lifecycle.
type State int32

const (
	Unconnected State = iota
	Connected
	Finished
	Closed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Finished:
		return "finished"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one element of a Tunnel's buffer: either a chunk, or the
// single terminal (End, or Error carrying Err).
type Message struct {
	Chunk arrow.Record
	End   bool
	Err   error
}

// IsTerminal reports whether m is the End or Error terminal.
func (m Message) IsTerminal() bool { return m.End || m.Err != nil }

// Receiver is the handle returned by Attach. Recv drains the tunnel in
// producer write order; it returns done=true exactly once, for the
// single terminal message.
type Receiver interface {
	Recv(ctx context.Context) (rec arrow.Record, done bool, err error)
}

// Tunnel is a single directed, ordered byte-chunk channel from one
// producer task to one consumer task.
type Tunnel struct {
	ID     ids.TunnelID
	logger log.Logger

	bufferDepth int
	timeout     time.Duration
	createdAt   time.Time

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	queue          []Message
	terminalSent   bool
	producedAny    bool
	readerAttached bool
	closeReason    error

	timer *time.Timer
}

// New creates a Tunnel in the Unconnected state. timeout is the
// maximum wait from registration to receiver attachment; zero disables
// the attach timeout. bufferDepth <= 0 uses
// DefaultBufferDepth.
func New(id ids.TunnelID, timeout time.Duration, bufferDepth int, logger log.Logger) *Tunnel {
	if bufferDepth <= 0 {
		bufferDepth = DefaultBufferDepth
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	t := &Tunnel{
		ID:          id,
		logger:      logger,
		bufferDepth: bufferDepth,
		timeout:     timeout,
		createdAt:   time.Now(),
		state:       Unconnected,
	}
	t.cond = sync.NewCond(&t.mu)

	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, t.onAttachTimeout)
	}
	return t
}

// State returns the tunnel's current state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Write appends a chunk message, blocking while the buffer is full.
// It fails with mpperr.ErrTunnelClosed if the tunnel is Closed or a
// terminal has already been written; the error also wraps the close
// reason when one was recorded.
func (t *Tunnel) Write(ctx context.Context, chunk arrow.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.queue) >= t.bufferDepth {
		if t.terminalSent || t.state == Closed {
			return t.writeRejected()
		}
		if err := t.waitLocked(ctx, func() bool {
			return len(t.queue) < t.bufferDepth || t.terminalSent || t.state == Closed
		}); err != nil {
			return err
		}
	}
	if t.terminalSent || t.state == Closed {
		return t.writeRejected()
	}

	t.producedAny = true
	t.queue = append(t.queue, Message{Chunk: chunk})
	t.cond.Broadcast()
	return nil
}

// WriteEnd appends the End terminal. Further writes fail afterward.
func (t *Tunnel) WriteEnd() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminalSent || t.state == Closed {
		return t.terminalError()
	}
	t.terminalSent = true
	t.queue = append(t.queue, Message{End: true})
	t.cond.Broadcast()
	return nil
}

// WriteError appends the Error terminal and moves the tunnel toward
// Closed: buffered chunks stay drainable, and the transition completes
// once the receiver consumes the terminal. A second call is
// idempotent — it is discarded, not re-broadcast.
func (t *Tunnel) WriteError(msg error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminalSent {
		level.Debug(t.logger).Log("msg", "discarding second error on tunnel", "tunnel", t.ID.String(), "err", msg)
		return nil
	}
	t.terminalSent = true
	t.closeReason = msg
	t.queue = append(t.queue, Message{Err: msg})
	if t.timer != nil {
		t.timer.Stop()
	}
	t.cond.Broadcast()
	return nil
}

// Attach transitions Unconnected -> Connected and returns a Receiver.
// It fails with mpperr.ErrAlreadyAttached if a receiver already
// attached, or mpperr.ErrAttachTimeout if called after the tunnel's
// timeout has elapsed without the producer having written anything.
func (t *Tunnel) Attach(_ context.Context) (Receiver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Closed || t.state == Finished {
		return nil, t.terminalError()
	}
	if t.readerAttached {
		return nil, mpperr.ErrAlreadyAttached
	}
	if t.timeout > 0 && !t.producedAny && time.Since(t.createdAt) > t.timeout {
		t.closeLocked(mpperr.ErrAttachTimeout)
		return nil, mpperr.ErrAttachTimeout
	}

	t.readerAttached = true
	t.state = Connected
	if t.timer != nil {
		t.timer.Stop()
	}
	t.cond.Broadcast()
	return &receiver{t: t}, nil
}

// WaitForAttach is the producer-side suspension point: it blocks until
// a receiver attaches, or fails mpperr.ErrAttachTimeout once the
// tunnel's timeout elapses.
func (t *Tunnel) WaitForAttach(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.waitLocked(ctx, func() bool {
		return t.state == Connected || t.state == Closed || t.state == Finished
	}); err != nil {
		return err
	}
	if t.state == Closed || t.state == Finished {
		return t.terminalError()
	}
	return nil
}

// Close unconditionally shuts the tunnel down: it drops any buffered
// chunks, appends an Error terminal if none was produced yet, wakes
// every waiter, and transitions to Closed. Close is idempotent and
// safe to call from any thread, any number of times.
func (t *Tunnel) Close(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked(reason)
}

func (t *Tunnel) closeLocked(reason error) {
	if t.state == Closed {
		return
	}
	t.state = Closed
	if t.timer != nil {
		t.timer.Stop()
	}

	// Drop buffered chunks. The receiver must still observe exactly one
	// terminal: keep a queued one, or append an Error if none was ever
	// produced.
	var terminal *Message
	for i := range t.queue {
		if t.queue[i].IsTerminal() {
			terminal = &t.queue[i]
			break
		}
	}
	t.queue = nil
	switch {
	case terminal != nil:
		t.queue = append(t.queue, *terminal)
	case !t.terminalSent:
		if reason == nil {
			reason = mpperr.ErrCancelled
		}
		t.terminalSent = true
		t.closeReason = reason
		t.queue = append(t.queue, Message{Err: reason})
	}
	t.cond.Broadcast()
}

func (t *Tunnel) onAttachTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Unconnected {
		level.Warn(t.logger).Log("msg", "tunnel attach timed out", "tunnel", t.ID.String())
		t.closeLocked(mpperr.ErrAttachTimeout)
	}
}

// terminalError must be called with t.mu held; it reports why further
// operations on a terminated tunnel are no-ops beyond reporting the
// terminal state.
func (t *Tunnel) terminalError() error {
	if t.closeReason != nil {
		return t.closeReason
	}
	return mpperr.ErrTunnelClosed
}

// writeRejected must be called with t.mu held; it is the error Write
// returns on a terminated tunnel.
func (t *Tunnel) writeRejected() error {
	if t.closeReason != nil && !errors.Is(t.closeReason, mpperr.ErrTunnelClosed) {
		return fmt.Errorf("%w: %w", mpperr.ErrTunnelClosed, t.closeReason)
	}
	return t.terminalError()
}

// waitLocked blocks on t.cond until check() is true or ctx is done.
// Callers must hold t.mu; it is re-acquired on return.
func (t *Tunnel) waitLocked(ctx context.Context, check func() bool) error {
	if check() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-stop:
		}
	}()

	for !check() {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.cond.Wait()
	}
	return nil
}

// receiver is the Receiver returned by Attach.
type receiver struct {
	t *Tunnel
}

// Recv implements Receiver.
func (r *receiver) Recv(ctx context.Context) (arrow.Record, bool, error) {
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.waitLocked(ctx, func() bool { return len(t.queue) > 0 }); err != nil {
		return nil, false, err
	}

	msg := t.queue[0]
	t.queue = t.queue[1:]
	t.cond.Broadcast() // wake any writer blocked on buffer space

	if msg.End {
		if t.state != Closed {
			t.state = Finished
		}
		return nil, true, nil
	}
	if msg.Err != nil {
		t.state = Closed
		if t.timer != nil {
			t.timer.Stop()
		}
		return nil, true, msg.Err
	}
	return msg.Chunk, false, nil
}
