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
	"testing"
	"time"

	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/stretchr/testify/require"
)

// A worker crashes mid-backfill: the sweeper reclaims its unit, the next
// tick reassigns it to the surviving worker and the job still succeeds.
func TestWorkerCrashRequeues(t *testing.T) {
	env := newTestEnv(t, nil)
	env.catalog.setRegionCount(100, 1)
	require.NoError(t, env.mgr.InitAddIndexJob(1, 100, map[int64][]int64{0: {1}}))
	env.catalog.setState(1, 100, model.StateWriteLocal)
	env.heartbeat("w1")
	env.heartbeat("w2")

	env.mgr.RunOnce()
	resp := env.heartbeat("w1")
	require.Len(t, resp.RegionWorks, 1)

	// w1 goes silent past the faulty bound while w2 keeps heartbeating.
	env.clk.Add(21 * time.Second)
	env.heartbeat("w2")
	env.mgr.SweepOnce()

	work, err := loadRegionWork(env, 1, 1)
	require.NoError(t, err)
	require.Equal(t, model.WorkIdle, work.Status)
	state, ok := env.mgr.WorkerManager().WorkerState("w1")
	require.True(t, ok)
	require.Equal(t, model.WorkerFaulty, state)

	// Reassignment lands on the survivor.
	env.mgr.RunOnce()
	resp = env.heartbeat("w2")
	require.Len(t, resp.RegionWorks, 1)
	require.Equal(t, int32(2), resp.RegionWorks[0].RetryTime)
	env.report("w2", resp.RegionWorks[0], model.WorkDone)

	env.mgr.RunOnce()
	job, ok := env.mgr.JobInfo(1)
	require.True(t, ok)
	require.Equal(t, model.CodeSuccess, job.ErrCode)
}
