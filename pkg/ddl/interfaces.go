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
)

// RegionInfo is the catalog's view of one region of a table.
type RegionInfo struct {
	RegionID int64
	StartKey []byte
	EndKey   []byte
}

// Catalog is the schema service the coordinator publishes index visibility
// states to and reads region topology from.
type Catalog interface {
	// GetIndexState returns the current visibility state of the index.
	GetIndexState(tableID, indexID int64) (model.IndexState, error)
	// UpdateIndexStatus publishes the job's state (and deleted flag) to the
	// catalog so all schema caches converge on it.
	UpdateIndexStatus(job *model.DDLJob) error
	// DropIndexRequest asks the catalog to drop a partially built index
	// after a rolled back add-index job.
	DropIndexRequest(job *model.DDLJob) error
	// GetRegionInfo resolves region ids to their key ranges.
	GetRegionInfo(regionIDs []int64) ([]*RegionInfo, error)
	// GetRegionCount returns the number of regions backing the index.
	GetRegionCount(indexID int64) (int, error)
	// RemoveGlobalIndexData asks storage to reclaim the index data of a
	// dropped or rolled back global index.
	RemoveGlobalIndexData(tableID, indexID int64) error
}

// Op is a consensus-log operation kind consumed by the coordinator.
type Op int32

// Consensus operations.
const (
	// OpUpdateRegionWork persists one region's backfill status.
	OpUpdateRegionWork Op = iota + 1
	// OpDeleteDDLWork is the terminal cleanup of a job.
	OpDeleteDDLWork
	// OpSuspendDDLWork pauses a job, preserving in-flight state.
	OpSuspendDDLWork
	// OpRestartDDLWork resumes a suspended job.
	OpRestartDDLWork
	// OpRemoveGlobalIndexData reclaims dropped index data in storage.
	OpRemoveGlobalIndexData
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpUpdateRegionWork:
		return "update region ddl work"
	case OpDeleteDDLWork:
		return "delete ddl work"
	case OpSuspendDDLWork:
		return "suspend ddl work"
	case OpRestartDDLWork:
		return "restart ddl work"
	case OpRemoveGlobalIndexData:
		return "remove global index data"
	default:
		return "invalid"
	}
}

// OpRequest is the state change proposed to the replicated log.
type OpRequest struct {
	Op         Op
	TableID    int64
	IndexID    int64
	RegionWork *model.RegionWork
	Job        *model.DDLJob
}

// Applier is the replicated log: Propose submits a state change and returns
// once the change is applied on this node. Callers never hold scheduler
// locks across Propose.
type Applier interface {
	Propose(req *OpRequest) error
}

// StateMachine applies committed consensus operations.
type StateMachine interface {
	ApplyOp(req *OpRequest) error
}

// LoopbackApplier applies proposals synchronously to the local state
// machine. Real deployments replace it with the raft log; apply semantics
// are identical because every operation is idempotent.
type LoopbackApplier struct {
	SM StateMachine
}

// Propose implements Applier.
func (a *LoopbackApplier) Propose(req *OpRequest) error {
	return a.SM.ApplyOp(req)
}
