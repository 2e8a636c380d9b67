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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/metaddl/pkg/config"
	"github.com/pingcap/metaddl/pkg/meta"
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/pingcap/metaddl/pkg/owner"
	"github.com/pingcap/metaddl/pkg/store"
	"github.com/stretchr/testify/require"
)

type indexKey struct {
	tableID int64
	indexID int64
}

// mockCatalog is an in-memory catalog service for tests.
type mockCatalog struct {
	mu           sync.Mutex
	states       map[indexKey]model.IndexState
	deleted      map[indexKey]bool
	regionCounts map[int64]int
	dropRequests []int64
	removedData  []indexKey
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		states:       make(map[indexKey]model.IndexState),
		deleted:      make(map[indexKey]bool),
		regionCounts: make(map[int64]int),
	}
}

func (c *mockCatalog) setState(tableID, indexID int64, state model.IndexState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[indexKey{tableID, indexID}] = state
}

func (c *mockCatalog) setRegionCount(indexID int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regionCounts[indexID] = count
}

func (c *mockCatalog) GetIndexState(tableID, indexID int64) (model.IndexState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[indexKey{tableID, indexID}]
	if !ok {
		return 0, errors.Errorf("index %d of table %d not ready", indexID, tableID)
	}
	return state, nil
}

func (c *mockCatalog) UpdateIndexStatus(job *model.DDLJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := indexKey{job.TableID, job.IndexID}
	c.states[key] = job.State
	if job.Deleted {
		c.deleted[key] = true
	}
	return nil
}

func (c *mockCatalog) DropIndexRequest(job *model.DDLJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropRequests = append(c.dropRequests, job.TableID)
	return nil
}

func (c *mockCatalog) GetRegionInfo(regionIDs []int64) ([]*RegionInfo, error) {
	infos := make([]*RegionInfo, 0, len(regionIDs))
	for _, regionID := range regionIDs {
		infos = append(infos, &RegionInfo{
			RegionID: regionID,
			StartKey: []byte{byte(regionID)},
			EndKey:   []byte{byte(regionID + 1)},
		})
	}
	return infos, nil
}

func (c *mockCatalog) GetRegionCount(indexID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regionCounts[indexID], nil
}

func (c *mockCatalog) RemoveGlobalIndexData(tableID, indexID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removedData = append(c.removedData, indexKey{tableID, indexID})
	return nil
}

func (c *mockCatalog) droppedTables() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.dropRequests...)
}

func (c *mockCatalog) isDeleted(tableID, indexID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted[indexKey{tableID, indexID}]
}

// testEnv wires a coordinator over an in-memory store, a mock clock, a mock
// catalog and a loopback consensus log.
type testEnv struct {
	t       *testing.T
	cfg     *config.Config
	clk     *clock.Mock
	kv      *store.KV
	metaSt  *meta.Store
	catalog *mockCatalog
	mgr     *DDLManager
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	cfg := config.DefaultConfig()
	cfg.HeartbeatInterval = config.NewDuration(time.Second)
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewMock()
	kv, err := store.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, kv.Close()) })
	metaSt := meta.NewStore(kv)
	catalog := newMockCatalog()
	ownerMgr := owner.NewMockManager("coordinator-test")
	require.NoError(t, ownerMgr.CampaignOwner())
	mgr := NewDDLManager(cfg, clk, metaSt, catalog, ownerMgr)
	mgr.SetApplier(&LoopbackApplier{SM: mgr})
	return &testEnv{
		t:       t,
		cfg:     cfg,
		clk:     clk,
		kv:      kv,
		metaSt:  metaSt,
		catalog: catalog,
		mgr:     mgr,
	}
}

// reopen builds a second coordinator over the same durable store, as a new
// leader would after failover.
func (e *testEnv) reopen() *DDLManager {
	ownerMgr := owner.NewMockManager("coordinator-test-2")
	require.NoError(e.t, ownerMgr.CampaignOwner())
	mgr := NewDDLManager(e.cfg, e.clk, e.metaSt, e.catalog, ownerMgr)
	mgr.SetApplier(&LoopbackApplier{SM: mgr})
	return mgr
}

// heartbeat sends an empty heartbeat from addr, registering the worker.
func (e *testEnv) heartbeat(addr string) *model.HeartbeatResponse {
	return e.mgr.Dispatcher().OnHeartbeat(addr, &model.HeartbeatRequest{
		CanDoDDL:     true,
		PhysicalRoom: "room1",
	})
}

// report sends one region status report from addr.
func (e *testEnv) report(addr string, work *model.RegionWork, status model.WorkStatus) *model.HeartbeatResponse {
	update := work.Clone()
	update.Status = status
	return e.mgr.Dispatcher().OnHeartbeat(addr, &model.HeartbeatRequest{
		CanDoDDL:     true,
		PhysicalRoom: "room1",
		RegionWorks:  []*model.RegionWork{update},
	})
}

// ack sends one broadcast acknowledgement from addr.
func (e *testEnv) ack(addr string, tableID int64, status model.WorkStatus) *model.HeartbeatResponse {
	return e.mgr.Dispatcher().OnHeartbeat(addr, &model.HeartbeatRequest{
		CanDoDDL:     true,
		PhysicalRoom: "room1",
		DDLWorks:     []*model.BroadcastAck{{TableID: tableID, Status: status}},
	})
}

// dwell advances the mock clock past the state dwell gate.
func (e *testEnv) dwell() {
	e.clk.Add(dwellFactor*e.cfg.StatusUpdateInterval.Duration + time.Second)
}

// advanceToState ticks the controller (advancing the dwell clock) until the
// catalog publishes the wanted state.
func (e *testEnv) advanceToState(tableID, indexID int64, want model.IndexState) {
	e.t.Helper()
	for i := 0; i < 10; i++ {
		state, err := e.catalog.GetIndexState(tableID, indexID)
		require.NoError(e.t, err)
		if state == want {
			return
		}
		e.mgr.RunOnce()
		e.dwell()
	}
	state, err := e.catalog.GetIndexState(tableID, indexID)
	require.NoError(e.t, err)
	require.Equal(e.t, want, state, "state never reached")
}

// passBarrier drives the write-only broadcast barrier with the given
// workers acking Done.
func (e *testEnv) passBarrier(tableID int64, addrs ...string) {
	e.t.Helper()
	// First tick opens the barrier over the live worker set.
	e.mgr.RunOnce()
	for _, addr := range addrs {
		resp := e.heartbeat(addr)
		require.NotEmpty(e.t, resp.DDLWorks, "worker %s got no payload", addr)
		require.Equal(e.t, model.WorkDoing, resp.DDLWorks[0].Status)
	}
	for _, addr := range addrs {
		e.ack(addr, tableID, model.WorkDone)
	}
}

// workStatuses snapshots region work statuses by region id.
func (e *testEnv) workStatuses(tableID int64) map[int64]model.WorkStatus {
	out := make(map[int64]model.WorkStatus)
	for _, work := range e.mgr.RegionWorkInfos(tableID) {
		out[work.RegionID] = work.Status
	}
	return out
}
