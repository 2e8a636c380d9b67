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
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/metaddl/pkg/config"
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/pingcap/metaddl/pkg/metrics"
	"github.com/pingcap/metaddl/pkg/util/logutil"
	"go.uber.org/zap"
)

// Sweeper thresholds, in heartbeat intervals. A queue entry or worker that
// stays silent past faultyHeartbeats is requeued/marked faulty; a worker
// silent past evictHeartbeats is forgotten entirely; a broadcast participant
// silent past broadcastHeartbeats no longer blocks the barrier.
const (
	faultyHeartbeats    = 20
	evictHeartbeats     = 90
	broadcastHeartbeats = 30
)

// memWork is a queued region unit with its freshness timestamp.
type memWork struct {
	work     *model.RegionWork
	updateTS time.Time
}

// workerQueues is the per-worker scheduling state. |todo|+|doing| is bounded
// by the per-worker concurrency cap.
type workerQueues struct {
	todo  map[string]*memWork
	doing map[string]*memWork
}

func (q *workerQueues) size() int {
	return len(q.todo) + len(q.doing)
}

// WorkerManager tracks the dynamic pool of backfill workers, owns their todo
// and doing queues and assigns region units round-robin under the per-worker
// concurrency cap. A region unit is in at most one worker's queues at any
// instant.
type WorkerManager struct {
	cfg *config.Config
	clk clock.Clock

	mu          sync.Mutex
	workers     map[string]*model.WorkerInfo
	addrs       []string // sorted; drives deterministic round-robin
	lastRolling string
	queues      map[string]*workerQueues
}

// NewWorkerManager creates the scheduler.
func NewWorkerManager(cfg *config.Config, clk clock.Clock) *WorkerManager {
	return &WorkerManager{
		cfg:     cfg,
		clk:     clk,
		workers: make(map[string]*model.WorkerInfo),
		queues:  make(map[string]*workerQueues),
	}
}

// RegisterWorker records a heartbeat from address: first contact creates the
// worker, later contacts refresh LastSeen and restore it to healthy.
func (m *WorkerManager) RegisterWorker(address, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.workers[address]
	if !ok {
		info = &model.WorkerInfo{Address: address, Room: room}
		m.workers[address] = info
		m.addrs = append(m.addrs, address)
		sort.Strings(m.addrs)
		logutil.SchedLogger().Info("new backfill worker",
			zap.String("address", address), zap.String("room", room))
	}
	info.Room = room
	info.State = model.WorkerHealthy
	info.LastSeen = m.clk.Now()
}

// LiveAddrs returns the addresses of all non-faulty workers.
func (m *WorkerManager) LiveAddrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.addrs))
	for _, addr := range m.addrs {
		if m.workers[addr].State != model.WorkerFaulty {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// roundRobinSelect picks the next worker with spare capacity, starting from
// the slot after the last assigned worker and skipping faulty workers.
// Deterministic for a given snapshot of workers. Caller holds m.mu.
func (m *WorkerManager) roundRobinSelect() (string, bool) {
	n := len(m.addrs)
	if n == 0 {
		return "", false
	}
	start := 0
	if idx := sort.SearchStrings(m.addrs, m.lastRolling); idx < n && m.addrs[idx] == m.lastRolling {
		start = (idx + 1) % n
	}
	for i := 0; i < n; i++ {
		addr := m.addrs[(start+i)%n]
		if m.workers[addr].State == model.WorkerFaulty {
			continue
		}
		if q, ok := m.queues[addr]; ok && q.size() >= m.cfg.MaxConcurrent {
			continue
		}
		m.lastRolling = addr
		return addr, true
	}
	return "", false
}

// ExecuteTask admits one region unit: selects a worker, bumps the unit's
// retry counter and queues a snapshot on the worker's todo queue. Returns
// false when no worker has capacity.
func (m *WorkerManager) ExecuteTask(work *model.RegionWork) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	failpoint.Inject("mockNoWorkerCapacity", func() {
		failpoint.Return("", false)
	})
	addr, ok := m.roundRobinSelect()
	if !ok {
		return "", false
	}
	work.RetryTime++
	work.Address = addr
	metrics.RegionWorkRetryCounter.Inc()
	q := m.ensureQueues(addr)
	q.todo[work.TaskID()] = &memWork{work: work.Clone(), updateTS: m.clk.Now()}
	logutil.SchedLogger().Info("choose worker for task",
		zap.String("address", addr), zap.String("task", work.TaskID()),
		zap.Int32("retry", work.RetryTime))
	return addr, true
}

// RestoreTask places a unit that was durably Doing back into its recorded
// worker's doing queue with a fresh timestamp. Used at leader takeover; the
// sweeper reclaims it if the worker never resumes reporting.
func (m *WorkerManager) RestoreTask(work *model.RegionWork) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.ensureQueues(work.Address)
	q.doing[work.TaskID()] = &memWork{work: work.Clone(), updateTS: m.clk.Now()}
	logutil.SchedLogger().Info("restore task to doing queue",
		zap.String("address", work.Address), zap.String("task", work.TaskID()))
}

// ResetQueues drops every queue. Used at leader takeover before the doing
// set is rebuilt from durable state; worker registrations survive.
func (m *WorkerManager) ResetQueues() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string]*workerQueues)
}

// ClearTask removes every queued unit of one table across all workers.
func (m *WorkerManager) ClearTask(tableID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		for id, mw := range q.todo {
			if mw.work.TableID == tableID {
				delete(q.todo, id)
			}
		}
		for id, mw := range q.doing {
			if mw.work.TableID == tableID {
				delete(q.doing, id)
			}
		}
	}
}

// DrainAssignments moves every unit of the worker's todo queue into doing
// with status Doing and a fresh timestamp, and returns the assignment
// snapshots. The caller persists each returned unit through the consensus
// log after releasing all scheduler locks.
func (m *WorkerManager) DrainAssignments(address string) []*model.RegionWork {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[address]
	if !ok || len(q.todo) == 0 {
		return nil
	}
	assigned := make([]*model.RegionWork, 0, len(q.todo))
	now := m.clk.Now()
	for id, mw := range q.todo {
		mw.work.Status = model.WorkDoing
		mw.work.Address = address
		mw.updateTS = now
		q.doing[id] = mw
		delete(q.todo, id)
		assigned = append(assigned, mw.work.Clone())
		logutil.SchedLogger().Info("assign task to worker",
			zap.String("task", id), zap.String("address", address))
	}
	sort.Slice(assigned, func(i, j int) bool {
		return assigned[i].RegionID < assigned[j].RegionID
	})
	return assigned
}

// AckReport merges one worker-reported status. A Doing report only refreshes
// the freshness timestamp; a final report removes the unit from the doing
// queue and the caller persists the new status. Reports for units the
// scheduler no longer tracks are dropped.
func (m *WorkerManager) AckReport(address string, report *model.RegionWork) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[address]
	if !ok {
		return false
	}
	id := report.TaskID()
	mw, ok := q.doing[id]
	if !ok {
		return false
	}
	if report.Status == model.WorkDoing {
		mw.updateTS = m.clk.Now()
		return false
	}
	delete(q.doing, id)
	logutil.SchedLogger().Info("task finished on worker",
		zap.String("task", id), zap.String("address", address),
		zap.Stringer("status", report.Status))
	return true
}

// SweepOnce runs one sweeper pass: requeues queue entries whose freshness
// timestamp is stale, marks silent workers faulty (requeuing all their
// work), and evicts long-dead workers. It returns the units to reset to
// Idle through the consensus log and the addresses that turned faulty this
// pass (the broadcast coordinator drops them from open barriers).
func (m *WorkerManager) SweepOnce() (requeue []*model.RegionWork, faulty []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	hb := m.cfg.HeartbeatInterval.Duration

	staleBound := now.Add(-time.Duration(faultyHeartbeats) * hb)
	for addr, q := range m.queues {
		requeue = append(requeue, m.expireQueue(q.todo, addr, staleBound)...)
		requeue = append(requeue, m.expireQueue(q.doing, addr, staleBound)...)
	}

	healthy := 0
	for addr, info := range m.workers {
		silent := now.Sub(info.LastSeen)
		if silent > time.Duration(faultyHeartbeats)*hb {
			if info.State != model.WorkerFaulty {
				logutil.SchedLogger().Warn("worker is faulty",
					zap.String("address", addr))
				info.State = model.WorkerFaulty
				faulty = append(faulty, addr)
				requeue = append(requeue, m.requeueAll(addr)...)
			}
			if silent > time.Duration(evictHeartbeats)*hb {
				logutil.SchedLogger().Warn("worker is dead, evict",
					zap.String("address", addr))
				delete(m.workers, addr)
				delete(m.queues, addr)
				m.removeAddr(addr)
			}
			continue
		}
		healthy++
	}
	metrics.WorkerGauge.WithLabelValues(model.WorkerHealthy.String()).Set(float64(healthy))
	metrics.WorkerGauge.WithLabelValues(model.WorkerFaulty.String()).Set(float64(len(m.workers) - healthy))
	sort.Strings(faulty)
	return requeue, faulty
}

// expireQueue drops entries older than bound and returns them reset to Idle.
// Caller holds m.mu.
func (m *WorkerManager) expireQueue(queue map[string]*memWork, addr string, bound time.Time) []*model.RegionWork {
	var expired []*model.RegionWork
	for id, mw := range queue {
		if mw.updateTS.Before(bound) {
			logutil.SchedLogger().Info("task heartbeat timeout, requeue",
				zap.String("task", id), zap.String("address", addr))
			mw.work.Status = model.WorkIdle
			expired = append(expired, mw.work)
			delete(queue, id)
		}
	}
	return expired
}

// requeueAll empties both queues of a worker, resetting every unit to Idle.
// Caller holds m.mu.
func (m *WorkerManager) requeueAll(addr string) []*model.RegionWork {
	q, ok := m.queues[addr]
	if !ok {
		return nil
	}
	var all []*model.RegionWork
	for id, mw := range q.todo {
		mw.work.Status = model.WorkIdle
		all = append(all, mw.work)
		delete(q.todo, id)
	}
	for id, mw := range q.doing {
		mw.work.Status = model.WorkIdle
		all = append(all, mw.work)
		delete(q.doing, id)
	}
	return all
}

func (m *WorkerManager) ensureQueues(addr string) *workerQueues {
	q, ok := m.queues[addr]
	if !ok {
		q = &workerQueues{
			todo:  make(map[string]*memWork),
			doing: make(map[string]*memWork),
		}
		m.queues[addr] = q
	}
	return q
}

func (m *WorkerManager) removeAddr(addr string) {
	if idx := sort.SearchStrings(m.addrs, addr); idx < len(m.addrs) && m.addrs[idx] == addr {
		m.addrs = append(m.addrs[:idx], m.addrs[idx+1:]...)
	}
}

// QueueSizes reports |todo| and |doing| of one worker, for tests and the
// catalog query path.
func (m *WorkerManager) QueueSizes(addr string) (todo, doing int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[addr]; ok {
		return len(q.todo), len(q.doing)
	}
	return 0, 0
}

// WorkerState returns the recorded state of one worker.
func (m *WorkerManager) WorkerState(addr string) (model.WorkerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.workers[addr]
	if !ok {
		return 0, false
	}
	return info.State, true
}
