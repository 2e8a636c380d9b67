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

package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/pingcap/metaddl/pkg/util"
	"github.com/pingcap/metaddl/pkg/util/logutil"
	atomicutil "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Heartbeater is the coordinator endpoint the worker polls. In-process it
// is the coordinator's dispatcher; over the wire it is an RPC client with
// the same shape.
type Heartbeater interface {
	OnHeartbeat(address string, req *model.HeartbeatRequest) *model.HeartbeatResponse
}

// SchemaApplier adopts a broadcast schema-state milestone on the worker:
// flush plans and caches so every new statement observes the state.
type SchemaApplier interface {
	ApplyJobState(job *model.DDLJob) error
}

// Worker is a backfill worker: it heartbeats the coordinator, runs assigned
// units through the executor with bounded parallelism and reports results
// and broadcast acknowledgements on the next heartbeat.
type Worker struct {
	address string
	room    string
	hb      Heartbeater
	exec    *Executor
	applier SchemaApplier
	clk     clock.Clock
	// HeartbeatInterval is the polling cadence.
	HeartbeatInterval time.Duration

	canDoDDL *atomicutil.Bool

	mu       sync.Mutex
	inflight map[string]*model.RegionWork
	reports  []*model.RegionWork
	acks     []*model.BroadcastAck

	shutdown chan struct{}
	wg       util.WaitGroupWrapper
	execWG   util.WaitGroupWrapper
}

// NewWorker creates a worker agent.
func NewWorker(address, room string, hb Heartbeater, exec *Executor, applier SchemaApplier, clk clock.Clock, hbInterval time.Duration) *Worker {
	return &Worker{
		address:           address,
		room:              room,
		hb:                hb,
		exec:              exec,
		applier:           applier,
		clk:               clk,
		HeartbeatInterval: hbInterval,
		canDoDDL:          atomicutil.NewBool(true),
		inflight:          make(map[string]*model.RegionWork),
		shutdown:          make(chan struct{}),
	}
}

// SetCanDoDDL toggles whether the worker advertises backfill capacity.
func (w *Worker) SetCanDoDDL(v bool) {
	w.canDoDDL.Store(v)
}

// Start launches the heartbeat loop.
func (w *Worker) Start() {
	w.wg.Run(w.heartbeatLoop)
}

// Stop terminates the loop and waits for in-flight units.
func (w *Worker) Stop() {
	close(w.shutdown)
	w.wg.Wait()
	w.execWG.Wait()
}

// WaitUnits blocks until every in-flight unit has finished and queued its
// report.
func (w *Worker) WaitUnits() {
	w.execWG.Wait()
}

func (w *Worker) heartbeatLoop() {
	for {
		if !util.SleepWithShutdown(w.clk, w.HeartbeatInterval, w.shutdown) {
			return
		}
		w.HeartbeatOnce(context.Background())
	}
}

// HeartbeatOnce performs one poll: report finished units and in-flight
// progress, then take on new assignments and broadcast payloads.
func (w *Worker) HeartbeatOnce(ctx context.Context) {
	req := &model.HeartbeatRequest{
		CanDoDDL:     w.canDoDDL.Load(),
		PhysicalRoom: w.room,
	}
	w.mu.Lock()
	req.RegionWorks = append(req.RegionWorks, w.reports...)
	w.reports = nil
	req.DDLWorks = append(req.DDLWorks, w.acks...)
	w.acks = nil
	for _, work := range w.inflight {
		doing := work.Clone()
		doing.Status = model.WorkDoing
		req.RegionWorks = append(req.RegionWorks, doing)
	}
	w.mu.Unlock()

	resp := w.hb.OnHeartbeat(w.address, req)
	if resp == nil {
		return
	}
	for _, work := range resp.RegionWorks {
		w.startUnit(ctx, work)
	}
	for _, payload := range resp.DDLWorks {
		w.applyBroadcast(payload)
	}
}

// startUnit launches one assigned unit. The result replaces the in-flight
// record and is reported on the next heartbeat.
func (w *Worker) startUnit(ctx context.Context, work *model.RegionWork) {
	w.mu.Lock()
	if _, ok := w.inflight[work.TaskID()]; ok {
		// Already running; the coordinator re-sent the assignment.
		w.mu.Unlock()
		return
	}
	w.inflight[work.TaskID()] = work
	w.mu.Unlock()
	logutil.BgLogger().Info("worker starts backfill unit",
		zap.String("worker", w.address), zap.String("task", work.TaskID()))

	w.execWG.Run(func() {
		res := w.exec.Run(ctx, work)
		report := work.Clone()
		report.Status = res.Status
		w.mu.Lock()
		delete(w.inflight, work.TaskID())
		w.reports = append(w.reports, report)
		w.mu.Unlock()
	})
}

// applyBroadcast adopts the pushed schema state and queues the ack.
func (w *Worker) applyBroadcast(payload *model.BroadcastPayload) {
	status := model.WorkDone
	if err := w.applier.ApplyJobState(&payload.Job); err != nil {
		logutil.BgLogger().Warn("apply broadcast job state failed",
			zap.String("worker", w.address),
			zap.Int64("tableID", payload.Job.TableID), zap.Error(err))
		status = model.WorkFail
	}
	w.mu.Lock()
	w.acks = append(w.acks, &model.BroadcastAck{
		TableID: payload.Job.TableID,
		Status:  status,
	})
	w.mu.Unlock()
}
