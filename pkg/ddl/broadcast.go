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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/pingcap/metaddl/pkg/metrics"
	"github.com/pingcap/metaddl/pkg/util/logutil"
	"go.uber.org/zap"
)

// BarrierSignal tells the controller a barrier reached a verdict.
type BarrierSignal struct {
	TableID int64
	OK      bool
}

// broadcastTask is a pending all-workers acknowledgement barrier for one
// table. A worker moves todo -> doing when its heartbeat picks the payload
// up, and out of doing when it acks Done; number counts workers still
// blocking the barrier.
type broadcastTask struct {
	job    model.DDLJob
	todo   map[string]time.Time
	doing  map[string]time.Time
	number int
}

// BroadcastCoordinator pushes a schema-state milestone to every live worker
// and reports whether all of them adopted it. It owns the last lock in the
// fixed acquisition order; verdicts are returned to callers as signals and
// delivered outside the lock.
type BroadcastCoordinator struct {
	mu    sync.Mutex
	clk   clock.Clock
	tasks map[int64]*broadcastTask
}

// NewBroadcastCoordinator creates the coordinator.
func NewBroadcastCoordinator(clk clock.Clock) *BroadcastCoordinator {
	return &BroadcastCoordinator{
		clk:   clk,
		tasks: make(map[int64]*broadcastTask),
	}
}

// Start opens a barrier for the job over the given worker set. A barrier
// over zero workers is trivially satisfied at the next Tick.
func (b *BroadcastCoordinator) Start(job *model.DDLJob, addrs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task := &broadcastTask{
		job:   *job,
		todo:  make(map[string]time.Time, len(addrs)),
		doing: make(map[string]time.Time),
	}
	now := b.clk.Now()
	for _, addr := range addrs {
		task.todo[addr] = now
	}
	task.number = len(task.todo)
	b.tasks[job.TableID] = task
	metrics.BroadcastPendingGauge.Set(float64(len(b.tasks)))
	logutil.DDLLogger().Info("start broadcast barrier",
		zap.Int64("tableID", job.TableID), zap.Int("workers", task.number))
}

// PayloadsFor hands the worker every pending payload it has not picked up
// yet, moving it todo -> doing with a fresh timestamp.
func (b *BroadcastCoordinator) PayloadsFor(address string) []*model.BroadcastPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	var payloads []*model.BroadcastPayload
	now := b.clk.Now()
	for _, task := range b.tasks {
		if _, ok := task.todo[address]; !ok {
			continue
		}
		delete(task.todo, address)
		task.doing[address] = now
		payloads = append(payloads, &model.BroadcastPayload{
			Job:    task.job,
			Status: model.WorkDoing,
		})
	}
	return payloads
}

// Ack merges one worker acknowledgement. Doing refreshes the worker's
// freshness timestamp; Done unblocks the worker's slot; Fail collapses the
// barrier. Returned signals are delivered by the caller after all locks are
// released.
func (b *BroadcastCoordinator) Ack(address string, ack *model.BroadcastAck) []BarrierSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[ack.TableID]
	if !ok {
		logutil.DDLLogger().Info("ack for unknown broadcast task",
			zap.Int64("tableID", ack.TableID), zap.String("address", address))
		return nil
	}
	now := b.clk.Now()
	switch ack.Status {
	case model.WorkDoing:
		if _, ok := task.doing[address]; ok {
			task.doing[address] = now
		} else if _, ok := task.todo[address]; ok {
			task.todo[address] = now
		}
		return nil
	case model.WorkFail:
		logutil.DDLLogger().Warn("broadcast barrier failed",
			zap.Int64("tableID", ack.TableID), zap.String("address", address))
		b.finish(ack.TableID)
		return []BarrierSignal{{TableID: ack.TableID, OK: false}}
	case model.WorkDone:
		if _, ok := task.doing[address]; ok {
			delete(task.doing, address)
			task.number--
		}
		if task.number == 0 {
			logutil.DDLLogger().Info("broadcast barrier complete",
				zap.Int64("tableID", ack.TableID))
			b.finish(ack.TableID)
			return []BarrierSignal{{TableID: ack.TableID, OK: true}}
		}
	}
	return nil
}

// TickReady is the controller-side poll: when the barrier's number already
// reached zero (for example because the sweeper removed its last silent
// participant), the barrier completes now.
func (b *BroadcastCoordinator) TickReady(tableID int64) (BarrierSignal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[tableID]
	if !ok {
		logutil.DDLLogger().Warn("unknown broadcast barrier",
			zap.Int64("tableID", tableID))
		return BarrierSignal{}, false
	}
	if task.number == 0 {
		b.finish(tableID)
		return BarrierSignal{TableID: tableID, OK: true}, true
	}
	return BarrierSignal{}, false
}

// SweepOnce removes participants silent past the broadcast threshold from
// every open barrier, and drops the given faulty workers. A silent worker
// no longer blocks the barrier; it is treated as no longer present.
func (b *BroadcastCoordinator) SweepOnce(hbInterval time.Duration, faulty []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bound := b.clk.Now().Add(-broadcastHeartbeats * hbInterval)
	for tableID, task := range b.tasks {
		for addr, ts := range task.todo {
			if ts.Before(bound) {
				logutil.DDLLogger().Warn("broadcast participant heartbeat timeout",
					zap.Int64("tableID", tableID), zap.String("address", addr))
				delete(task.todo, addr)
				task.number--
			}
		}
		for addr, ts := range task.doing {
			if ts.Before(bound) {
				logutil.DDLLogger().Warn("broadcast participant heartbeat timeout",
					zap.Int64("tableID", tableID), zap.String("address", addr))
				delete(task.doing, addr)
				task.number--
			}
		}
		for _, addr := range faulty {
			if _, ok := task.todo[addr]; ok {
				delete(task.todo, addr)
				task.number--
			}
			if _, ok := task.doing[addr]; ok {
				delete(task.doing, addr)
				task.number--
			}
		}
	}
}

// Drop removes the barrier of a table, if any. Used at job cleanup.
func (b *BroadcastCoordinator) Drop(tableID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[tableID]; ok {
		b.finish(tableID)
	}
}

// finish removes a task. Caller holds b.mu.
func (b *BroadcastCoordinator) finish(tableID int64) {
	delete(b.tasks, tableID)
	metrics.BroadcastPendingGauge.Set(float64(len(b.tasks)))
}
