// Package plansource declares the capability the task runtime consumes
// to turn an encoded plan fragment into a running chunk pipeline. The
// physical query plan, operators, expression evaluation, and storage
// engine behind this boundary are external collaborators — this package
// only defines the contract and ships an in-memory fake for tests.
package plansource

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/mpperr"
	"github.com/grafana/mppcore/pkg/mppcore/tunnelset"
)

// EOF is returned by Pipeline.Read once the stream is exhausted.
var EOF = errors.New("plansource: pipeline exhausted") //nolint:revive,staticcheck

// Pipeline is a stream of Arrow record batches produced by the plan the
// core has been handed. Task.Run drains a Pipeline and routes its
// output through a tunnelset.Set.
type Pipeline interface {
	// Read returns the next batch, or EOF once the stream is
	// exhausted. Implementations must be safe to call repeatedly after
	// EOF (continuing to return EOF).
	Read(ctx context.Context) (arrow.Record, error)

	// Close releases resources held by the pipeline and any of its
	// inputs. Close must be safe to call more than once.
	Close()
}

// Region is an opaque storage-layer shard identifier passed through to
// the PlanSource unchanged, except that duplicate region IDs in a
// single request are rejected before the plan is ever decoded.
type Region struct {
	ID    int64
	Epoch Epoch
	// Ranges is opaque to the core; it is interpreted only by the
	// storage engine behind PlanSource.
	Ranges [][]byte
}

// Epoch carries the storage-layer version/conf-version pair the core
// forwards unmodified.
type Epoch struct {
	Version int64
	ConfVer int64
}

// Settings are the per-query execution settings the core threads
// through to PlanSource.Build, derived from a DispatchRequest and the
// process-wide defaults.
type Settings struct {
	ReadTimestamp   int64
	SchemaVersion   int64
	RecordsPerChunk int64
}

// ExchangeSender describes the plan node whose output is shipped
// through a tunnel set: where the fragment's output goes and how rows
// are split across the destinations.
type ExchangeSender struct {
	Destinations     []ids.TaskID
	Policy           tunnelset.Policy
	PartitionColumns []int
	Encoding         tunnelset.Encoding
}

// Plan is the decoded form of a dispatched fragment: its output schema
// plus the exchange-sender metadata the runtime needs to build tunnels
// before the (possibly slow) pipeline construction starts.
type Plan struct {
	Schema   *arrow.Schema
	Exchange ExchangeSender

	// Payload is private to the PlanSource that decoded the plan,
	// carried unmodified from Decode to Build. The runtime never
	// inspects it.
	Payload any
}

// PlanSource decodes dispatched plan fragments and builds their
// pipelines.
type PlanSource interface {
	// Decode parses an encoded plan. It must fail with an error
	// wrapping mpperr.ErrBadRequest when the bytes cannot be decoded.
	Decode(encodedPlan []byte) (*Plan, error)

	// Build constructs the input pipeline for a decoded plan. This may
	// take a long time: it can block on data-dependent preparation
	// against the storage engine.
	Build(ctx context.Context, plan *Plan, regions []Region, settings Settings) (Pipeline, error)
}

// ValidateRegions rejects a region list containing duplicate IDs.
func ValidateRegions(regions []Region) error {
	seen := make(map[int64]struct{}, len(regions))
	for _, r := range regions {
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("%w: duplicate region %d", mpperr.ErrBadRequest, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}
