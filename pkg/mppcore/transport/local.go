package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/mpperr"
	"github.com/grafana/mppcore/pkg/mppcore/tunnelset"
)

// Frame kinds on the local wire. A tunnel stream is a sequence of
// chunk frames followed by exactly one end or error frame.
const (
	frameChunk byte = iota + 1
	frameEnd
	frameError
)

// DefaultMaxFrameSize bounds a single frame's payload, preventing a
// corrupt length prefix from driving an excessive allocation.
const DefaultMaxFrameSize = 100 * 1024 * 1024 // 100MB

// WriteFrame writes one frame: [4-byte length (big-endian)][1-byte
// kind][payload]. The length covers the kind byte plus the payload.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	length := uint32(len(payload) + 1)
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("writing length prefix: %w", err)
	}
	if _, err := w.Write([]byte{kind}); err != nil {
		return fmt.Errorf("writing frame kind: %w", err)
	}
	n, err := w.Write(payload)
	if err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	if n != len(payload) {
		return fmt.Errorf("incomplete write: wrote %d bytes, expected %d", n, len(payload))
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader, maxSize uint32) (kind byte, payload []byte, err error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, fmt.Errorf("reading length prefix: %w", err)
	}
	if length == 0 {
		return 0, nil, errors.New("zero-length frame")
	}
	if length > maxSize {
		return 0, nil, fmt.Errorf("frame size %d exceeds maximum %d", length, maxSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("reading payload: %w", err)
	}
	return data[0], data[1:], nil
}

// Local is an in-process Transport: it hands dispatch requests straight
// to the core and bridges tunnel streams over io.Reader/io.Writer pairs
// using the frame format above, so single-node setups and tests honor
// the same wire contract a remote transport would.
type Local struct {
	core Core
}

// NewLocal builds a Local transport over core.
func NewLocal(core Core) *Local {
	return &Local{core: core}
}

// Dispatch delivers req to the core.
func (l *Local) Dispatch(ctx context.Context, req *DispatchRequest) *DispatchResponse {
	return l.core.Dispatch(ctx, req)
}

// CancelQuery delivers a query-level cancellation to the core.
func (l *Local) CancelQuery(q ids.QueryID, reason error) {
	l.core.CancelQuery(q, reason)
}

// ServeTunnel attaches to the identified tunnel and copies its stream
// into w as frames until the terminal is sent. The encoder's schema
// must match the tunnel's chunk schema.
func (l *Local) ServeTunnel(ctx context.Context, id ids.TunnelID, enc *tunnelset.Encoder, w io.Writer) error {
	recv, err := l.core.Attach(ctx, id)
	if err != nil {
		return fmt.Errorf("attaching to tunnel %s: %w", id, err)
	}

	for {
		rec, done, err := recv.Recv(ctx)
		if done {
			if err != nil {
				return WriteFrame(w, frameError, []byte(err.Error()))
			}
			return WriteFrame(w, frameEnd, nil)
		}
		if err != nil {
			return err
		}

		payload, err := enc.Encode(rec)
		rec.Release()
		if err != nil {
			return err
		}
		if err := WriteFrame(w, frameChunk, payload); err != nil {
			return err
		}
	}
}

// TunnelClient decodes a framed tunnel stream from r.
type TunnelClient struct {
	r       io.Reader
	enc     *tunnelset.Encoder
	maxSize uint32
}

// NewTunnelClient builds a TunnelClient reading frames from r and
// decoding chunk payloads with enc.
func NewTunnelClient(r io.Reader, enc *tunnelset.Encoder) *TunnelClient {
	return &TunnelClient{r: r, enc: enc, maxSize: DefaultMaxFrameSize}
}

// Recv returns the next chunk, or done=true on the terminal frame. An
// error terminal surfaces as done=true with a non-nil error wrapping
// mpperr.ErrTunnelClosed.
func (c *TunnelClient) Recv() (rec arrow.Record, done bool, err error) {
	kind, payload, err := ReadFrame(c.r, c.maxSize)
	if err != nil {
		return nil, false, err
	}

	switch kind {
	case frameChunk:
		rec, err := c.enc.Decode(payload)
		if err != nil {
			return nil, false, err
		}
		return rec, false, nil
	case frameEnd:
		return nil, true, nil
	case frameError:
		return nil, true, fmt.Errorf("%w: %s", mpperr.ErrTunnelClosed, payload)
	default:
		return nil, false, fmt.Errorf("unknown frame kind %d", kind)
	}
}
