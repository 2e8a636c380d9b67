// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ddl

import (
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/pingcap/metaddl/pkg/metrics"
	"github.com/pingcap/metaddl/pkg/util/logutil"
	"go.uber.org/zap"
)

// HeartbeatDispatcher is the endpoint backfill workers poll. One call merges
// the worker's reports into the scheduler and broadcast state, then pulls
// the worker's newly assigned work and pending broadcast payloads into the
// response. The RPC server runs many of these in parallel; two heartbeats
// from distinct workers touch disjoint queues.
type HeartbeatDispatcher struct {
	mgr *DDLManager
}

// OnHeartbeat handles one worker heartbeat. Within a single heartbeat the
// worker's reports are acked before new work is emitted, so a worker never
// loses track of a unit it just returned.
func (h *HeartbeatDispatcher) OnHeartbeat(address string, req *model.HeartbeatRequest) *model.HeartbeatResponse {
	resp := &model.HeartbeatResponse{}
	if !req.CanDoDDL {
		return resp
	}
	start := h.mgr.clk.Now()
	defer func() {
		metrics.HeartbeatDuration.Observe(h.mgr.clk.Now().Sub(start).Seconds())
	}()

	h.mgr.workerMgr.RegisterWorker(address, req.PhysicalRoom)

	// Ack the worker's region status reports. Final statuses leave the
	// doing queue and are persisted; Doing only refreshes freshness.
	for _, report := range req.RegionWorks {
		if h.mgr.workerMgr.AckReport(address, report) {
			if err := h.mgr.UpdateRegionWork(report); err != nil {
				logutil.SchedLogger().Error("persist reported region work failed",
					zap.String("task", report.TaskID()), zap.Error(err))
			}
		}
	}

	// Merge broadcast acks; verdicts are delivered outside the broadcast
	// lock.
	for _, ack := range req.DDLWorks {
		for _, sig := range h.mgr.broadcast.Ack(address, ack) {
			h.mgr.setBarrierReady(sig)
		}
	}

	// Only after acking: hand out new assignments, persisting each unit's
	// Doing status.
	assigned := h.mgr.workerMgr.DrainAssignments(address)
	for _, work := range assigned {
		if err := h.mgr.UpdateRegionWork(work); err != nil {
			logutil.SchedLogger().Error("persist assigned region work failed",
				zap.String("task", work.TaskID()), zap.Error(err))
		}
	}
	resp.RegionWorks = assigned
	resp.DDLWorks = h.mgr.broadcast.PayloadsFor(address)
	return resp
}
