package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/mppcore/pkg/mppcore/plansource"
	"github.com/grafana/mppcore/pkg/mppcore/transport"
)

// dispatchBody is the JSON shape of POST /api/v1/dispatch.
type dispatchBody struct {
	StartTS   int64           `json:"start_ts"`
	TaskID    int64           `json:"task_id"`
	Plan      json.RawMessage `json:"plan"`
	SchemaVer int64           `json:"schema_ver"`
	Timeout   int64           `json:"timeout"`
	Regions   []struct {
		ID      int64 `json:"id"`
		Version int64 `json:"version"`
		ConfVer int64 `json:"conf_ver"`
	} `json:"regions"`
}

type dispatchReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// newDispatchHandler exposes the local transport's dispatch path over
// HTTP, so fragments can be launched with curl against a running mppd.
func newDispatchHandler(local *transport.Local, logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body dispatchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		regions := make([]plansource.Region, 0, len(body.Regions))
		for _, reg := range body.Regions {
			regions = append(regions, plansource.Region{
				ID:    reg.ID,
				Epoch: plansource.Epoch{Version: reg.Version, ConfVer: reg.ConfVer},
			})
		}

		resp := local.Dispatch(r.Context(), &transport.DispatchRequest{
			Meta:        transport.TaskMeta{StartTS: body.StartTS, TaskOrdinal: body.TaskID},
			EncodedPlan: body.Plan,
			Regions:     regions,
			SchemaVer:   body.SchemaVer,
			Timeout:     body.Timeout,
		})

		w.Header().Set("Content-Type", "application/json")
		if !resp.OK() {
			level.Warn(logger).Log("msg", "dispatch failed", "err", resp.Error)
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
		if err := json.NewEncoder(w).Encode(dispatchReply{OK: resp.OK(), Error: resp.Error}); err != nil {
			level.Warn(logger).Log("msg", "writing dispatch reply", "err", err)
		}
	})
}
