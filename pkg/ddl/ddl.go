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

// Package ddl implements the global online DDL coordinator: the table-level
// state machine that drives add/drop global index jobs, the scheduler that
// farms per-region backfill out to a dynamic worker pool, and the broadcast
// barrier that gates the write-only to write-local transition.
//
// Lock order, for operations touching more than one map:
// table -> region -> worker queues -> broadcast. Consensus proposals are
// issued outside all of these locks.
package ddl

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/metaddl/pkg/config"
	"github.com/pingcap/metaddl/pkg/meta"
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/pingcap/metaddl/pkg/metrics"
	"github.com/pingcap/metaddl/pkg/owner"
	"github.com/pingcap/metaddl/pkg/util"
	"github.com/pingcap/metaddl/pkg/util/logutil"
	atomicutil "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Exported errors of the coordinator.
var (
	// ErrJobRunning means the table already has a global DDL job.
	ErrJobRunning = errors.New("ddl: a global DDL job is already running on the table")
	// ErrUnknownOp means the consensus log carried an operation the state
	// machine does not understand.
	ErrUnknownOp = errors.New("ddl: unknown consensus operation")
)

// barrierState is the controller-side record of one broadcast barrier.
type barrierState struct {
	done bool
	ok   bool
}

// DDLManager is the leader-side DDL controller. It owns the per-table job
// map and the per-region work map, ticks every active job through its
// visibility chain and rehydrates both maps from the durable meta store on
// leader takeover.
type DDLManager struct {
	cfg      *config.Config
	clk      clock.Clock
	store    *meta.Store
	catalog  Catalog
	applier  Applier
	ownerMgr owner.Manager

	workerMgr  *WorkerManager
	broadcast  *BroadcastCoordinator
	dispatcher *HeartbeatDispatcher
	policy     *stateDwellPolicy

	tableMu  sync.Mutex
	tableDDL map[int64]*model.DDLJob

	regionMu    sync.Mutex
	regionWorks map[int64]map[int64]*model.RegionWork
	doingCounts map[int64]*atomicutil.Int32

	barrierMu sync.Mutex
	barriers  map[int64]*barrierState

	wasOwner bool
	shutdown chan struct{}
	wg       util.WaitGroupWrapper
}

// NewDDLManager wires the coordinator. The applier is set afterwards with
// SetApplier because a loopback log needs the manager as its state machine.
func NewDDLManager(cfg *config.Config, clk clock.Clock, st *meta.Store, catalog Catalog, ownerMgr owner.Manager) *DDLManager {
	d := &DDLManager{
		cfg:         cfg,
		clk:         clk,
		store:       st,
		catalog:     catalog,
		ownerMgr:    ownerMgr,
		workerMgr:   NewWorkerManager(cfg, clk),
		broadcast:   NewBroadcastCoordinator(clk),
		policy:      newStateDwellPolicy(clk, cfg.StatusUpdateInterval.Duration),
		tableDDL:    make(map[int64]*model.DDLJob),
		regionWorks: make(map[int64]map[int64]*model.RegionWork),
		doingCounts: make(map[int64]*atomicutil.Int32),
		barriers:    make(map[int64]*barrierState),
		shutdown:    make(chan struct{}),
	}
	d.dispatcher = &HeartbeatDispatcher{mgr: d}
	return d
}

// SetApplier attaches the consensus log.
func (d *DDLManager) SetApplier(applier Applier) {
	d.applier = applier
}

// Dispatcher returns the heartbeat endpoint served to workers.
func (d *DDLManager) Dispatcher() *HeartbeatDispatcher {
	return d.dispatcher
}

// WorkerManager returns the scheduler, for the query path and tests.
func (d *DDLManager) WorkerManager() *WorkerManager {
	return d.workerMgr
}

// Start launches the controller and sweeper loops. Both only make progress
// while this node is the owner.
func (d *DDLManager) Start() {
	d.wg.Run(d.workLoop)
	d.wg.Run(d.sweepLoop)
}

// Stop terminates the loops and waits for them.
func (d *DDLManager) Stop() {
	close(d.shutdown)
	d.wg.Wait()
}

func (d *DDLManager) workLoop() {
	logutil.DDLLogger().Info("ddl work loop started")
	for {
		if !util.SleepWithShutdown(d.clk, d.cfg.TickInterval.Duration, d.shutdown) {
			logutil.DDLLogger().Info("ddl work loop exit")
			return
		}
		if !d.ownerMgr.IsOwner() {
			d.wasOwner = false
			continue
		}
		if !d.wasOwner {
			if err := d.LoadSnapshot(); err != nil {
				logutil.DDLLogger().Error("load snapshot on leader start failed",
					zap.Error(err))
				continue
			}
			d.wasOwner = true
			d.OnLeaderStart()
		}
		d.RunOnce()
	}
}

func (d *DDLManager) sweepLoop() {
	logutil.DDLLogger().Info("scheduler sweep loop started")
	for {
		if !util.SleepWithShutdown(d.clk, d.cfg.SweepInterval.Duration, d.shutdown) {
			logutil.DDLLogger().Info("scheduler sweep loop exit")
			return
		}
		if !d.ownerMgr.IsOwner() {
			continue
		}
		d.SweepOnce()
	}
}

// SweepOnce runs one scheduler sweep: requeue stale units, mark faulty
// workers and unblock broadcast barriers from silent participants.
func (d *DDLManager) SweepOnce() {
	requeue, faulty := d.workerMgr.SweepOnce()
	for _, work := range requeue {
		if err := d.UpdateRegionWork(work); err != nil {
			logutil.DDLLogger().Error("requeue region work failed",
				zap.String("task", work.TaskID()), zap.Error(err))
		}
	}
	d.broadcast.SweepOnce(d.cfg.HeartbeatInterval.Duration, faulty)
}

// InitAddIndexJob creates an add-global-index job and one Idle region work
// unit per region of the table's partition set. Fails with ErrJobRunning
// when the table already has a job.
func (d *DDLManager) InitAddIndexJob(tableID, indexID int64, partitionRegions map[int64][]int64) error {
	job := &model.DDLJob{
		TableID: tableID,
		OpType:  model.OpAddGlobalIndex,
		IndexID: indexID,
		ErrCode: model.CodeInProcess,
		Global:  true,
	}
	if err := d.registerJob(job); err != nil {
		return errors.Trace(err)
	}

	regionIDs := make([]int64, 0, 16)
	regionPartition := make(map[int64]int64)
	for partition, regions := range partitionRegions {
		for _, regionID := range regions {
			regionIDs = append(regionIDs, regionID)
			regionPartition[regionID] = partition
		}
	}
	infos, err := d.catalog.GetRegionInfo(regionIDs)
	if err != nil {
		return errors.Trace(err)
	}

	works := make(map[int64]*model.RegionWork, len(infos))
	for _, info := range infos {
		work := &model.RegionWork{
			TableID:   tableID,
			RegionID:  info.RegionID,
			IndexID:   indexID,
			Partition: regionPartition[info.RegionID],
			StartKey:  info.StartKey,
			EndKey:    info.EndKey,
			Status:    model.WorkIdle,
		}
		if err := d.store.SaveRegionWork(work); err != nil {
			return errors.Trace(err)
		}
		works[work.RegionID] = work
		logutil.DDLLogger().Info("init region ddl work",
			zap.String("task", work.TaskID()))
	}

	d.regionMu.Lock()
	d.regionWorks[tableID] = works
	d.doingCounts[tableID] = atomicutil.NewInt32(0)
	d.regionMu.Unlock()
	logutil.DDLLogger().Info("init global add index job",
		zap.Int64("tableID", tableID), zap.Int64("indexID", indexID),
		zap.Int("regions", len(works)))
	return nil
}

// InitDropIndexJob creates a drop-global-index job. Dropping needs no
// backfill and therefore no region work units.
func (d *DDLManager) InitDropIndexJob(tableID, indexID int64) error {
	job := &model.DDLJob{
		TableID: tableID,
		OpType:  model.OpDropGlobalIndex,
		IndexID: indexID,
		ErrCode: model.CodeInProcess,
		Global:  true,
	}
	if err := d.registerJob(job); err != nil {
		return errors.Trace(err)
	}
	logutil.DDLLogger().Info("init global drop index job",
		zap.Int64("tableID", tableID), zap.Int64("indexID", indexID))
	return nil
}

// registerJob inserts the job into memory and the meta store, rejecting a
// second job on the same table.
func (d *DDLManager) registerJob(job *model.DDLJob) error {
	d.tableMu.Lock()
	if _, ok := d.tableDDL[job.TableID]; ok {
		d.tableMu.Unlock()
		return errors.Annotatef(ErrJobRunning, "table %d", job.TableID)
	}
	d.tableDDL[job.TableID] = job.Clone()
	d.tableMu.Unlock()
	return errors.Trace(d.store.SaveJob(job))
}

// RunOnce is one controller cycle: terminal jobs are cleaned up, suspended
// jobs are skipped, every other job ticks its state machine once.
func (d *DDLManager) RunOnce() {
	var terminal, active []*model.DDLJob
	d.tableMu.Lock()
	for _, job := range d.tableDDL {
		switch {
		case job.ErrCode.Terminal():
			terminal = append(terminal, job.Clone())
		case job.Suspended:
			logutil.DDLLogger().Info("job is suspended",
				zap.Int64("tableID", job.TableID))
		default:
			active = append(active, job.Clone())
		}
	}
	d.tableMu.Unlock()
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].TableID < terminal[j].TableID })
	sort.Slice(active, func(i, j int) bool { return active[i].TableID < active[j].TableID })

	for _, job := range terminal {
		d.finishJob(job)
	}
	for _, job := range active {
		var err error
		switch job.OpType {
		case model.OpAddGlobalIndex:
			err = d.tickAddIndex(job)
		case model.OpDropGlobalIndex:
			err = d.tickDropIndex(job)
		default:
			logutil.DDLLogger().Error("unknown job op type",
				zap.Stringer("op", job.OpType))
		}
		if err != nil {
			// Memory never advances past what is persisted: abort this tick
			// and retry the job on the next cycle.
			logutil.DDLLogger().Error("tick job failed",
				zap.Int64("tableID", job.TableID), zap.Error(err))
		}
	}
}

// finishJob applies the terminal cleanup of a job and, for a rolled back
// add-index job, asks the catalog to drop the partially built index.
func (d *DDLManager) finishJob(job *model.DDLJob) {
	req := &OpRequest{Op: OpDeleteDDLWork, TableID: job.TableID, Job: job.Clone()}
	if err := d.applier.Propose(req); err != nil {
		logutil.DDLLogger().Error("propose delete ddl work failed",
			zap.Int64("tableID", job.TableID), zap.Error(err))
		return
	}
	if job.ErrCode == model.CodeExecFail && job.OpType == model.OpAddGlobalIndex {
		logutil.DDLLogger().Warn("add index job failed, drop the partial index",
			zap.Int64("tableID", job.TableID), zap.Int64("indexID", job.IndexID))
		if err := d.catalog.DropIndexRequest(job); err != nil {
			logutil.DDLLogger().Error("drop index request failed",
				zap.Int64("tableID", job.TableID), zap.Error(err))
		}
	}
	metrics.JobFinishCounter.WithLabelValues(job.OpType.String(), job.ErrCode.String()).Inc()
	logutil.DDLLogger().Info("ddl job finished", zap.Stringer("job", job))
}

// tickAddIndex advances an add-global-index job by at most one visibility
// state.
func (d *DDLManager) tickAddIndex(job *model.DDLJob) error {
	tableID := job.TableID
	state, err := d.catalog.GetIndexState(tableID, job.IndexID)
	if err != nil {
		return errors.Annotatef(err, "index not ready, table %d index %d", tableID, job.IndexID)
	}
	switch state {
	case model.StateNone:
		if d.policy.ShouldChange(tableID, state) {
			d.publishState(job, model.StateDeleteOnly)
		}
	case model.StateDeleteOnly:
		if d.policy.ShouldChange(tableID, state) {
			d.publishState(job, model.StateWriteOnly)
		}
	case model.StateWriteOnly:
		d.tickWriteOnlyBarrier(job)
	case model.StateWriteLocal:
		return errors.Trace(d.tickWriteLocal(job))
	case model.StatePublic:
		logutil.DDLLogger().Info("job already public",
			zap.Int64("tableID", tableID))
	}
	return nil
}

// tickWriteOnlyBarrier runs the all-workers barrier at the write-only to
// write-local transition: every live worker must adopt the write-only state
// before any backfill starts, or pending transactions could miss index
// writes.
func (d *DDLManager) tickWriteOnlyBarrier(job *model.DDLJob) {
	tableID := job.TableID
	if !d.barrierExists(tableID) {
		d.setBarrier(tableID, &barrierState{})
		payload := job.Clone()
		payload.State = model.StateWriteOnly
		d.broadcast.Start(payload, d.workerMgr.LiveAddrs())
		return
	}
	if sig, fin := d.broadcast.TickReady(tableID); fin {
		d.setBarrierReady(sig)
	}
	st, ok := d.barrierState(tableID)
	if !ok || !st.done {
		logutil.DDLLogger().Info("waiting for broadcast barrier",
			zap.Int64("tableID", tableID))
		return
	}
	if st.ok {
		logutil.DDLLogger().Info("broadcast barrier acked by all workers",
			zap.Int64("tableID", tableID))
		d.publishState(job, model.StateWriteLocal)
		d.eraseBarrier(tableID)
		return
	}
	logutil.DDLLogger().Warn("broadcast barrier failed, rollback job",
		zap.Int64("tableID", tableID))
	d.rollbackJob(job)
	d.eraseBarrier(tableID)
}

// tickWriteLocal drives the backfill phase: admit Idle units up to the batch
// and ratio caps, resubmit retryable failures, roll the job back on fatal
// unit errors and advance to public when every unit is done.
func (d *DDLManager) tickWriteLocal(job *model.DDLJob) error {
	tableID := job.TableID
	regionCnt, err := d.catalog.GetRegionCount(job.IndexID)
	if err != nil {
		return errors.Trace(err)
	}
	doingCap := int32(regionCnt * d.cfg.MaxRegionRatio)

	doing, ok := d.doingWorkNumber(tableID)
	if !ok {
		logutil.DDLLogger().Warn("job has no region work map",
			zap.Int64("tableID", tableID))
		return nil
	}
	if doing > doingCap {
		logutil.DDLLogger().Info("doing work above region ratio cap, wait",
			zap.Int64("tableID", tableID), zap.Int32("doing", doing))
		return nil
	}

	done := true
	rollback := false
	admitted := 0
	waitNum := 0

	d.regionMu.Lock()
	works := d.regionWorks[tableID]
	counter := d.doingCounts[tableID]
	if works == nil || counter == nil {
		d.regionMu.Unlock()
		return nil
	}
	regionIDs := make([]int64, 0, len(works))
	for regionID := range works {
		regionIDs = append(regionIDs, regionID)
	}
	sort.Slice(regionIDs, func(i, j int) bool { return regionIDs[i] < regionIDs[j] })

loop:
	for _, regionID := range regionIDs {
		work := works[regionID]
		switch work.Status {
		case model.WorkIdle:
			done = false
			if counter.Load() >= doingCap {
				logutil.DDLLogger().Info("doing work reached region ratio cap",
					zap.Int64("tableID", tableID))
				break loop
			}
			if _, ok := d.workerMgr.ExecuteTask(work); !ok {
				logutil.DDLLogger().Info("no worker capacity, wait next tick",
					zap.Int64("tableID", tableID))
				break loop
			}
			// Memory-first transient transition; the sweeper reconciles a
			// unit that never reaches a worker.
			work.Status = model.WorkDoing
			counter.Inc()
			metrics.DoingWorkGauge.Inc()
			admitted++
			if admitted >= d.cfg.MaxBatchPerTick {
				logutil.DDLLogger().Info("admission batch full, next round",
					zap.Int64("tableID", tableID))
				break loop
			}
			continue
		case model.WorkFail:
			done = false
			waitNum++
			if work.RetryTime < d.cfg.MaxDDLRetryTime {
				if counter.Load() >= doingCap {
					logutil.DDLLogger().Info("doing work reached region ratio cap",
						zap.Int64("tableID", tableID))
					break loop
				}
				if _, ok := d.workerMgr.ExecuteTask(work); ok {
					work.Status = model.WorkDoing
					counter.Inc()
					metrics.DoingWorkGauge.Inc()
					logutil.DDLLogger().Info("retry region work",
						zap.String("task", work.TaskID()),
						zap.Int32("retry", work.RetryTime))
				}
			} else {
				logutil.DDLLogger().Warn("region work retries exhausted",
					zap.String("task", work.TaskID()))
				rollback = true
				break loop
			}
		case model.WorkDupUniq, model.WorkError:
			logutil.DDLLogger().Error("region work fatal error",
				zap.String("task", work.TaskID()),
				zap.Stringer("status", work.Status))
			done = false
			rollback = true
			break loop
		case model.WorkDoing:
			done = false
			waitNum++
		case model.WorkDone:
		}
	}
	d.regionMu.Unlock()

	if rollback {
		d.rollbackJob(job)
		return nil
	}
	if done {
		job.State = model.StatePublic
		job.ErrCode = model.CodeSuccess
		d.updateTableDDLMem(job)
		if err := d.catalog.UpdateIndexStatus(job); err != nil {
			return errors.Trace(err)
		}
		logutil.DDLLogger().Info("all region works done, index public",
			zap.Int64("tableID", tableID))
		return nil
	}
	logutil.DDLLogger().Info("wait region works",
		zap.Int64("tableID", tableID), zap.Int("wait", waitNum))
	return nil
}

// tickDropIndex walks the inverse visibility chain with the same dwell gate
// and finally reclaims the index data.
func (d *DDLManager) tickDropIndex(job *model.DDLJob) error {
	tableID := job.TableID
	state, err := d.catalog.GetIndexState(tableID, job.IndexID)
	if err != nil {
		return errors.Annotatef(err, "index not ready, table %d index %d", tableID, job.IndexID)
	}
	switch state {
	case model.StatePublic, model.StateWriteLocal:
		if d.policy.ShouldChange(tableID, state) {
			d.publishState(job, model.StateWriteOnly)
		}
	case model.StateWriteOnly:
		if d.policy.ShouldChange(tableID, state) {
			d.publishState(job, model.StateDeleteOnly)
		}
	case model.StateDeleteOnly:
		if d.policy.ShouldChange(tableID, state) {
			d.publishState(job, model.StateNone)
		}
	case model.StateNone:
		if d.policy.ShouldChange(tableID, state) {
			job.Deleted = true
			job.ErrCode = model.CodeSuccess
			if err := d.catalog.UpdateIndexStatus(job); err != nil {
				return errors.Trace(err)
			}
			req := &OpRequest{
				Op:      OpRemoveGlobalIndexData,
				TableID: tableID,
				IndexID: job.IndexID,
			}
			if err := d.applier.Propose(req); err != nil {
				return errors.Trace(err)
			}
			d.policy.Clear(tableID)
			d.updateTableDDLMem(job)
			logutil.DDLLogger().Info("drop index job done",
				zap.Int64("tableID", tableID), zap.Int64("indexID", job.IndexID))
		}
	}
	return nil
}

// publishState moves the job to the next visibility state and publishes it
// through the catalog.
func (d *DDLManager) publishState(job *model.DDLJob, next model.IndexState) {
	job.State = next
	d.updateTableDDLMem(job)
	if err := d.catalog.UpdateIndexStatus(job); err != nil {
		logutil.DDLLogger().Error("publish index state failed",
			zap.Int64("tableID", job.TableID), zap.Error(err))
		return
	}
	logutil.DDLLogger().Info("publish index state",
		zap.Int64("tableID", job.TableID), zap.Stringer("state", next))
}

// rollbackJob marks the job failed; the next controller cycle applies the
// terminal cleanup.
func (d *DDLManager) rollbackJob(job *model.DDLJob) {
	logutil.DDLLogger().Warn("rollback ddl job", zap.Stringer("job", job))
	job.ErrCode = model.CodeExecFail
	d.updateTableDDLMem(job)
	d.policy.Clear(job.TableID)
}

func (d *DDLManager) updateTableDDLMem(job *model.DDLJob) {
	d.tableMu.Lock()
	d.tableDDL[job.TableID] = job.Clone()
	d.tableMu.Unlock()
}

// SuspendJob pauses a job: it keeps all in-flight state but makes no
// progress until restarted.
func (d *DDLManager) SuspendJob(tableID int64) error {
	return errors.Trace(d.applier.Propose(&OpRequest{Op: OpSuspendDDLWork, TableID: tableID}))
}

// RestartJob resumes a suspended job.
func (d *DDLManager) RestartJob(tableID int64) error {
	return errors.Trace(d.applier.Propose(&OpRequest{Op: OpRestartDDLWork, TableID: tableID}))
}

// UpdateRegionWork persists one region unit's status through the consensus
// log. A unit leaving Doing releases its slot in the table's doing budget.
func (d *DDLManager) UpdateRegionWork(work *model.RegionWork) error {
	if work.Status != model.WorkDoing {
		d.decreaseDoingWork(work.TableID)
	}
	req := &OpRequest{
		Op:         OpUpdateRegionWork,
		TableID:    work.TableID,
		RegionWork: work.Clone(),
	}
	return errors.Trace(d.applier.Propose(req))
}

func (d *DDLManager) doingWorkNumber(tableID int64) (int32, bool) {
	d.regionMu.Lock()
	defer d.regionMu.Unlock()
	counter, ok := d.doingCounts[tableID]
	if !ok {
		return 0, false
	}
	return counter.Load(), true
}

func (d *DDLManager) decreaseDoingWork(tableID int64) {
	d.regionMu.Lock()
	defer d.regionMu.Unlock()
	if counter, ok := d.doingCounts[tableID]; ok {
		counter.Dec()
		metrics.DoingWorkGauge.Dec()
	}
}

// barrier bookkeeping ----------------------------------------------------

func (d *DDLManager) barrierExists(tableID int64) bool {
	d.barrierMu.Lock()
	defer d.barrierMu.Unlock()
	_, ok := d.barriers[tableID]
	return ok
}

func (d *DDLManager) setBarrier(tableID int64, st *barrierState) {
	d.barrierMu.Lock()
	d.barriers[tableID] = st
	d.barrierMu.Unlock()
}

func (d *DDLManager) barrierState(tableID int64) (barrierState, bool) {
	d.barrierMu.Lock()
	defer d.barrierMu.Unlock()
	st, ok := d.barriers[tableID]
	if !ok {
		return barrierState{}, false
	}
	return *st, true
}

// setBarrierReady records the verdict of a broadcast barrier. Called from
// the dispatcher and the controller tick, outside all scheduler locks.
func (d *DDLManager) setBarrierReady(sig BarrierSignal) {
	d.barrierMu.Lock()
	defer d.barrierMu.Unlock()
	st, ok := d.barriers[sig.TableID]
	if !ok {
		logutil.DDLLogger().Warn("barrier verdict for unknown table",
			zap.Int64("tableID", sig.TableID))
		return
	}
	st.done = true
	st.ok = sig.OK
}

func (d *DDLManager) eraseBarrier(tableID int64) {
	d.barrierMu.Lock()
	delete(d.barriers, tableID)
	d.barrierMu.Unlock()
}

// consensus state machine ------------------------------------------------

// ApplyOp applies one committed consensus operation. Every operation is
// idempotent; terminal region transitions persist before memory advances.
func (d *DDLManager) ApplyOp(req *OpRequest) error {
	switch req.Op {
	case OpUpdateRegionWork:
		return errors.Trace(d.applyUpdateRegionWork(req.RegionWork))
	case OpDeleteDDLWork:
		return errors.Trace(d.applyDeleteDDLWork(req.TableID))
	case OpSuspendDDLWork:
		return errors.Trace(d.applyUpdateDDLStatus(req.TableID, true))
	case OpRestartDDLWork:
		return errors.Trace(d.applyUpdateDDLStatus(req.TableID, false))
	case OpRemoveGlobalIndexData:
		return errors.Trace(d.catalog.RemoveGlobalIndexData(req.TableID, req.IndexID))
	default:
		return errors.Annotatef(ErrUnknownOp, "op %d", req.Op)
	}
}

func (d *DDLManager) applyUpdateRegionWork(work *model.RegionWork) error {
	failpoint.Inject("mockPersistRegionWorkErr", func() {
		failpoint.Return(errors.New("mock persist region work error"))
	})
	if err := d.store.SaveRegionWork(work); err != nil {
		return errors.Trace(err)
	}
	d.regionMu.Lock()
	defer d.regionMu.Unlock()
	if works, ok := d.regionWorks[work.TableID]; ok {
		works[work.RegionID] = work.Clone()
		logutil.DDLLogger().Info("update region work",
			zap.String("task", work.TaskID()), zap.Stringer("status", work.Status))
	}
	return nil
}

func (d *DDLManager) applyDeleteDDLWork(tableID int64) error {
	if err := d.store.DeleteRegionWorks(tableID); err != nil {
		return errors.Trace(err)
	}
	if err := d.store.DeleteJob(tableID); err != nil {
		return errors.Trace(err)
	}
	d.tableMu.Lock()
	delete(d.tableDDL, tableID)
	d.tableMu.Unlock()
	d.regionMu.Lock()
	delete(d.regionWorks, tableID)
	delete(d.doingCounts, tableID)
	d.regionMu.Unlock()
	d.policy.Clear(tableID)
	d.eraseBarrier(tableID)
	d.workerMgr.ClearTask(tableID)
	d.broadcast.Drop(tableID)
	logutil.DDLLogger().Info("delete ddl work", zap.Int64("tableID", tableID))
	return nil
}

func (d *DDLManager) applyUpdateDDLStatus(tableID int64, suspend bool) error {
	d.tableMu.Lock()
	job, ok := d.tableDDL[tableID]
	if !ok {
		d.tableMu.Unlock()
		logutil.DDLLogger().Warn("suspend/restart for unknown job",
			zap.Int64("tableID", tableID))
		return nil
	}
	job.Suspended = suspend
	snapshot := job.Clone()
	d.tableMu.Unlock()
	logutil.DDLLogger().Info("update job suspension",
		zap.Int64("tableID", tableID), zap.Bool("suspend", suspend))
	return errors.Trace(d.store.SaveJob(snapshot))
}

// rehydration ------------------------------------------------------------

// LoadSnapshot rebuilds the in-memory job and region maps from the durable
// meta store. Called before serving as leader.
func (d *DDLManager) LoadSnapshot() error {
	tableDDL := make(map[int64]*model.DDLJob)
	err := d.store.IterJobs(func(job *model.DDLJob) error {
		logutil.DDLLogger().Info("load job snapshot", zap.Stringer("job", job))
		tableDDL[job.TableID] = job
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	regionWorks := make(map[int64]map[int64]*model.RegionWork)
	err = d.store.IterAllRegionWorks(func(work *model.RegionWork) error {
		logutil.DDLLogger().Info("load region work snapshot",
			zap.String("task", work.TaskID()))
		works, ok := regionWorks[work.TableID]
		if !ok {
			works = make(map[int64]*model.RegionWork)
			regionWorks[work.TableID] = works
		}
		works[work.RegionID] = work
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}

	d.tableMu.Lock()
	d.tableDDL = tableDDL
	d.tableMu.Unlock()
	d.regionMu.Lock()
	d.regionWorks = regionWorks
	d.doingCounts = make(map[int64]*atomicutil.Int32)
	d.regionMu.Unlock()
	return nil
}

// OnLeaderStart restores scheduler state after leader takeover: doing
// counters are reset to the count of durably Doing units (never carried
// forward), and each such unit returns to its recorded worker's doing
// queue.
func (d *DDLManager) OnLeaderStart() {
	logutil.DDLLogger().Info("leader start, reload ddl work")
	// Queues of a previous leadership term are stale.
	d.workerMgr.ResetQueues()
	var toRestore []*model.RegionWork

	d.regionMu.Lock()
	for tableID, works := range d.regionWorks {
		counter := atomicutil.NewInt32(0)
		for _, work := range works {
			if work.Status == model.WorkDoing {
				counter.Inc()
				toRestore = append(toRestore, work.Clone())
			}
		}
		d.doingCounts[tableID] = counter
	}
	d.regionMu.Unlock()

	for _, work := range toRestore {
		logutil.DDLLogger().Info("restore doing region work",
			zap.String("task", work.TaskID()), zap.String("address", work.Address))
		d.workerMgr.RestoreTask(work)
	}
}

// query path -------------------------------------------------------------

// JobInfo returns a snapshot of the table's job for the catalog query path;
// callers observe InProcess, Success or ExecFail.
func (d *DDLManager) JobInfo(tableID int64) (*model.DDLJob, bool) {
	d.tableMu.Lock()
	defer d.tableMu.Unlock()
	job, ok := d.tableDDL[tableID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// RegionWorkInfos returns a snapshot of the table's region units, sorted by
// region id.
func (d *DDLManager) RegionWorkInfos(tableID int64) []*model.RegionWork {
	d.regionMu.Lock()
	defer d.regionMu.Unlock()
	works, ok := d.regionWorks[tableID]
	if !ok {
		return nil
	}
	out := make([]*model.RegionWork, 0, len(works))
	for _, work := range works {
		out = append(out, work.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}
