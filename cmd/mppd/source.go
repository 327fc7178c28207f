package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/mpperr"
	"github.com/grafana/mppcore/pkg/mppcore/plansource"
	"github.com/grafana/mppcore/pkg/mppcore/tunnelset"
)

// jsonPlan is the encoded-plan format mppd understands. A real
// deployment replaces jsonPlanSource with the query engine's planner;
// this one exists so the binary can run fragments end to end on its
// own.
type jsonPlan struct {
	Columns []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"columns"`
	Destinations []struct {
		Query   int64 `json:"query"`
		Ordinal int64 `json:"ordinal"`
	} `json:"destinations"`
	Policy           string  `json:"policy"`
	PartitionColumns []int   `json:"partition_columns"`
	Encoding         string  `json:"encoding"`
	Rows             [][]any `json:"rows"`
}

// jsonPlanSource decodes JSON-encoded plans carrying their rows
// inline.
type jsonPlanSource struct{}

// Decode implements plansource.PlanSource.
func (s *jsonPlanSource) Decode(encodedPlan []byte) (*plansource.Plan, error) {
	var jp jsonPlan
	if err := json.Unmarshal(encodedPlan, &jp); err != nil {
		return nil, fmt.Errorf("%w: decoding plan: %v", mpperr.ErrBadRequest, err)
	}

	fields := make([]arrow.Field, 0, len(jp.Columns))
	for _, c := range jp.Columns {
		var typ arrow.DataType
		switch c.Type {
		case "int64":
			typ = arrow.PrimitiveTypes.Int64
		case "string":
			typ = arrow.BinaryTypes.String
		default:
			return nil, fmt.Errorf("%w: unsupported column type %q", mpperr.ErrBadRequest, c.Type)
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: typ})
	}

	dests := make([]ids.TaskID, 0, len(jp.Destinations))
	for _, d := range jp.Destinations {
		dests = append(dests, ids.TaskID{Query: ids.QueryID(d.Query), Ordinal: d.Ordinal})
	}

	var policy tunnelset.Policy
	switch jp.Policy {
	case "broadcast":
		policy = tunnelset.Broadcast
	case "", "pass_through":
		policy = tunnelset.PassThrough
	case "hash":
		policy = tunnelset.Hash
	default:
		return nil, fmt.Errorf("%w: unsupported partition policy %q", mpperr.ErrBadRequest, jp.Policy)
	}

	var encoding tunnelset.Encoding
	switch jp.Encoding {
	case "", "columnar":
		encoding = tunnelset.EncodingColumnar
	case "row_wise":
		encoding = tunnelset.EncodingRowWise
	case "compact":
		encoding = tunnelset.EncodingCompact
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", mpperr.ErrBadRequest, jp.Encoding)
	}

	return &plansource.Plan{
		Schema: arrow.NewSchema(fields, nil),
		Exchange: plansource.ExchangeSender{
			Destinations:     dests,
			Policy:           policy,
			PartitionColumns: jp.PartitionColumns,
			Encoding:         encoding,
		},
		Payload: jp.Rows,
	}, nil
}

// Build implements plansource.PlanSource. Batches honor
// settings.RecordsPerChunk.
func (s *jsonPlanSource) Build(_ context.Context, plan *plansource.Plan, _ []plansource.Region, settings plansource.Settings) (plansource.Pipeline, error) {
	return &jsonPipeline{plan: plan, batchRows: settings.RecordsPerChunk}, nil
}

// jsonPipeline emits the plan's inline rows as Arrow batches.
type jsonPipeline struct {
	plan      *plansource.Plan
	batchRows int64
	rows      [][]any
	parsed    bool
	pos       int
}

// Read implements plansource.Pipeline.
func (p *jsonPipeline) Read(_ context.Context) (arrow.Record, error) {
	if !p.parsed {
		p.rows, _ = p.plan.Payload.([][]any)
		p.parsed = true
	}
	if p.pos >= len(p.rows) {
		return nil, plansource.EOF
	}

	n := len(p.rows) - p.pos
	if p.batchRows > 0 && int64(n) > p.batchRows {
		n = int(p.batchRows)
	}

	rb := array.NewRecordBuilder(memory.DefaultAllocator, p.plan.Schema)
	defer rb.Release()
	for _, row := range p.rows[p.pos : p.pos+n] {
		for c, field := range p.plan.Schema.Fields() {
			if c >= len(row) || row[c] == nil {
				rb.Field(c).AppendNull()
				continue
			}
			switch field.Type.ID() {
			case arrow.INT64:
				v, ok := row[c].(float64)
				if !ok {
					return nil, fmt.Errorf("row value %v is not a number", row[c])
				}
				rb.Field(c).(*array.Int64Builder).Append(int64(v))
			case arrow.STRING:
				v, ok := row[c].(string)
				if !ok {
					return nil, fmt.Errorf("row value %v is not a string", row[c])
				}
				rb.Field(c).(*array.StringBuilder).Append(v)
			}
		}
	}
	p.pos += n
	return rb.NewRecord(), nil
}

// Close implements plansource.Pipeline.
func (p *jsonPipeline) Close() {}
