// Package transport declares the boundary between the MPP task runtime
// and whatever RPC layer delivers dispatch requests and carries tunnel
// byte-streams between processes. Message framing, retries, TLS, and
// service registration all live on the far side of this boundary; the
// runtime only sees the types below. Local is an in-process
// implementation for tests and single-node setups.
package transport

import (
	"context"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/plansource"
	"github.com/grafana/mppcore/pkg/mppcore/tunnel"
)

// TaskMeta carries the identity fields of a dispatched fragment.
type TaskMeta struct {
	// StartTS is the coordinator-assigned start timestamp shared by
	// every fragment of one query.
	StartTS int64
	// TaskOrdinal distinguishes fragments within the query.
	TaskOrdinal int64
}

// TaskID forms the runtime identifier from the meta fields.
func (m TaskMeta) TaskID() ids.TaskID {
	return ids.TaskID{Query: ids.QueryID(m.StartTS), Ordinal: m.TaskOrdinal}
}

// DispatchRequest asks a node to accept and launch one plan fragment.
type DispatchRequest struct {
	Meta        TaskMeta
	EncodedPlan []byte
	Regions     []plansource.Region
	SchemaVer   int64

	// Timeout, in seconds, seeds the tunnel attach timeout and the task
	// running timeout. Negative selects short fixed test-mode timeouts,
	// zero disables both, positive sets the attach timeout directly and
	// the running timeout to thirty seconds beyond it.
	Timeout int64
}

// DispatchResponse reports whether the fragment was accepted and
// launched. OK means launched, not completed. At most one error is
// reported per request: the first fatal captured during prepare.
type DispatchResponse struct {
	Error string
}

// OK reports whether the dispatch succeeded.
func (r *DispatchResponse) OK() bool { return r.Error == "" }

// Core is the surface the runtime exposes to a transport: accept a
// dispatch, attach a downstream receiver to a producer's tunnel, and
// cancel a whole query.
type Core interface {
	Dispatch(ctx context.Context, req *DispatchRequest) *DispatchResponse
	Attach(ctx context.Context, id ids.TunnelID) (tunnel.Receiver, error)
	CancelQuery(q ids.QueryID, reason error)
}
