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

package model

import (
	"fmt"
	"time"
)

// IndexState is the visibility state of a global index in the catalog. The
// forward chain is None -> DeleteOnly -> WriteOnly -> WriteLocal -> Public;
// dropping an index walks the inverse chain.
type IndexState int32

// Index visibility states.
const (
	// StateNone means the index is invisible to every path.
	StateNone IndexState = iota
	// StateDeleteOnly means only delete operations propagate to the index.
	StateDeleteOnly
	// StateWriteOnly means writes propagate but reads ignore the index.
	StateWriteOnly
	// StateWriteLocal is the backfill phase: writes propagate and the
	// coordinator is filling historic rows.
	StateWriteLocal
	// StatePublic means the index is fully visible.
	StatePublic
)

// String implements fmt.Stringer.
func (s IndexState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateDeleteOnly:
		return "delete only"
	case StateWriteOnly:
		return "write only"
	case StateWriteLocal:
		return "write local"
	case StatePublic:
		return "public"
	default:
		return "invalid"
	}
}

// WorkStatus is the status of one region backfill unit.
type WorkStatus int32

// Region work statuses.
const (
	// WorkIdle means the unit waits for admission.
	WorkIdle WorkStatus = iota
	// WorkDoing means the unit is assigned and running on a worker.
	WorkDoing
	// WorkDone means the unit finished normally.
	WorkDone
	// WorkFail means the unit failed with a retryable error.
	WorkFail
	// WorkDupUniq means the unit hit a uniqueness violation. Not retryable,
	// the whole job rolls back.
	WorkDupUniq
	// WorkError means the unit hit an internal error. Not retryable.
	WorkError
)

// String implements fmt.Stringer.
func (s WorkStatus) String() string {
	switch s {
	case WorkIdle:
		return "idle"
	case WorkDoing:
		return "doing"
	case WorkDone:
		return "done"
	case WorkFail:
		return "fail"
	case WorkDupUniq:
		return "dup uniq"
	case WorkError:
		return "error"
	default:
		return "invalid"
	}
}

// Final reports whether the status is terminal for the unit.
func (s WorkStatus) Final() bool {
	switch s {
	case WorkDone, WorkFail, WorkDupUniq, WorkError:
		return true
	default:
		return false
	}
}

// OpType is the kind of a table-level DDL job.
type OpType int32

// Job operation types.
const (
	// OpAddGlobalIndex builds a new global secondary index online.
	OpAddGlobalIndex OpType = iota + 1
	// OpDropGlobalIndex drops a global secondary index online.
	OpDropGlobalIndex
)

// String implements fmt.Stringer.
func (t OpType) String() string {
	switch t {
	case OpAddGlobalIndex:
		return "add global index"
	case OpDropGlobalIndex:
		return "drop global index"
	default:
		return "invalid"
	}
}

// ErrCode is the user-visible result of a DDL job.
type ErrCode int32

// Job result codes.
const (
	// CodeInProcess means the job is still running.
	CodeInProcess ErrCode = iota
	// CodeSuccess means the job finished.
	CodeSuccess
	// CodeExecFail means the job rolled back.
	CodeExecFail
)

// String implements fmt.Stringer.
func (c ErrCode) String() string {
	switch c {
	case CodeInProcess:
		return "in process"
	case CodeSuccess:
		return "success"
	case CodeExecFail:
		return "exec fail"
	default:
		return "invalid"
	}
}

// Terminal reports whether the code ends the job.
func (c ErrCode) Terminal() bool {
	return c == CodeSuccess || c == CodeExecFail
}

// DDLJob is one table-level DDL operation. TableID is the job identity: at
// most one global DDL job runs per table at a time.
type DDLJob struct {
	TableID   int64      `json:"table_id"`
	OpType    OpType     `json:"op_type"`
	IndexID   int64      `json:"index_id"`
	State     IndexState `json:"job_state"`
	ErrCode   ErrCode    `json:"errcode"`
	Suspended bool       `json:"suspended"`
	Deleted   bool       `json:"deleted"`
	Global    bool       `json:"global"`
}

// Clone returns a deep copy of the job.
func (j *DDLJob) Clone() *DDLJob {
	nj := *j
	return &nj
}

// String implements fmt.Stringer.
func (j *DDLJob) String() string {
	return fmt.Sprintf("job{table:%d, index:%d, op:%s, state:%s, errcode:%s, suspended:%v}",
		j.TableID, j.IndexID, j.OpType, j.State, j.ErrCode, j.Suspended)
}

// RegionWork is one backfill task for one region of the job's table.
type RegionWork struct {
	TableID   int64      `json:"table_id"`
	RegionID  int64      `json:"region_id"`
	IndexID   int64      `json:"index_id"`
	Partition int64      `json:"partition"`
	StartKey  []byte     `json:"start_key"`
	EndKey    []byte     `json:"end_key"`
	Status    WorkStatus `json:"status"`
	RetryTime int32      `json:"retry_time"`
	// Address is the worker the unit is assigned to, empty when unassigned.
	Address string `json:"address"`
}

// TaskID identifies the unit inside the scheduler queues.
func (w *RegionWork) TaskID() string {
	return fmt.Sprintf("%d_%d", w.TableID, w.RegionID)
}

// Clone returns a deep copy of the unit.
func (w *RegionWork) Clone() *RegionWork {
	nw := *w
	nw.StartKey = append([]byte(nil), w.StartKey...)
	nw.EndKey = append([]byte(nil), w.EndKey...)
	return &nw
}

// String implements fmt.Stringer.
func (w *RegionWork) String() string {
	return fmt.Sprintf("work{task:%s, index:%d, status:%s, retry:%d, addr:%s}",
		w.TaskID(), w.IndexID, w.Status, w.RetryTime, w.Address)
}

// WorkerState is the health of a known backfill worker.
type WorkerState int32

// Worker states.
const (
	// WorkerHealthy means the worker heartbeats in time.
	WorkerHealthy WorkerState = iota
	// WorkerFaulty means the worker missed heartbeats past the faulty
	// threshold; its queued work is requeued.
	WorkerFaulty
)

// String implements fmt.Stringer.
func (s WorkerState) String() string {
	switch s {
	case WorkerHealthy:
		return "healthy"
	case WorkerFaulty:
		return "faulty"
	default:
		return "invalid"
	}
}

// WorkerInfo is a known backfill worker, created on first heartbeat.
type WorkerInfo struct {
	Address  string
	Room     string
	State    WorkerState
	LastSeen time.Time
}

// HeartbeatRequest is what a worker reports when it polls the coordinator.
type HeartbeatRequest struct {
	// CanDoDDL is false while the worker cannot take backfill work; the
	// dispatcher then ignores the heartbeat entirely.
	CanDoDDL bool `json:"can_do_ddl"`
	// PhysicalRoom is the worker's locality tag.
	PhysicalRoom string `json:"physical_room"`
	// RegionWorks carries status updates for units the worker knows about.
	RegionWorks []*RegionWork `json:"region_ddl_works"`
	// DDLWorks carries broadcast-task acknowledgements.
	DDLWorks []*BroadcastAck `json:"ddl_works"`
}

// HeartbeatResponse is what the coordinator hands back.
type HeartbeatResponse struct {
	// RegionWorks are newly assigned units.
	RegionWorks []*RegionWork `json:"region_ddl_works"`
	// DDLWorks are broadcast payloads the worker must apply, each carrying
	// status Doing.
	DDLWorks []*BroadcastPayload `json:"ddl_works"`
}

// BroadcastPayload is a schema-state milestone pushed to every live worker.
type BroadcastPayload struct {
	Job    DDLJob     `json:"job"`
	Status WorkStatus `json:"status"`
}

// BroadcastAck is a worker's answer to a broadcast payload.
type BroadcastAck struct {
	TableID int64      `json:"table_id"`
	Status  WorkStatus `json:"status"`
}

// BackfillResult is reported by the worker-side executor for one unit.
type BackfillResult struct {
	Status      WorkStatus
	ScanSize    int64
	FirstRecord string
	LastRecord  string
	// MaxPKKey is the largest primary key seen in the scan, encoded. It lets
	// the coordinator confirm non-empty progress and bound future scans.
	MaxPKKey []byte
}
