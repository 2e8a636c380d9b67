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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/stretchr/testify/require"
)

// fakeHeartbeater records requests and plays scripted responses.
type fakeHeartbeater struct {
	mu        sync.Mutex
	requests  []*model.HeartbeatRequest
	responses []*model.HeartbeatResponse
}

func (f *fakeHeartbeater) OnHeartbeat(_ string, req *model.HeartbeatRequest) *model.HeartbeatResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return &model.HeartbeatResponse{}
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp
}

func (f *fakeHeartbeater) lastRequest() *model.HeartbeatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recordingApplier struct {
	mu  sync.Mutex
	err error
	got []int64
}

func (a *recordingApplier) ApplyJobState(job *model.DDLJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, job.TableID)
	return a.err
}

func newAgent(hb Heartbeater, applier SchemaApplier) *Worker {
	exec := NewExecutor(
		&fakeScanner{plan: mainTablePlan(), batches: []*RegionBatch{
			{StartKey: []byte("a"), Rows: []Row{row(1, "a", "x")}},
		}},
		fakeSchema{},
		&fakeWriter{inserted: -1},
		100,
	)
	return NewWorker("w1", "room1", hb, exec, applier, clock.NewMock(), time.Second)
}

func TestWorkerRunsAssignmentsAndReports(t *testing.T) {
	t.Parallel()
	assignment := &model.RegionWork{
		TableID: 1, RegionID: 9, IndexID: 2,
		Status: model.WorkDoing, Address: "w1", RetryTime: 1,
	}
	hb := &fakeHeartbeater{responses: []*model.HeartbeatResponse{
		{RegionWorks: []*model.RegionWork{assignment}},
	}}
	w := newAgent(hb, &recordingApplier{})

	w.HeartbeatOnce(context.Background())
	w.WaitUnits()
	w.HeartbeatOnce(context.Background())

	req := hb.lastRequest()
	require.True(t, req.CanDoDDL)
	require.Equal(t, "room1", req.PhysicalRoom)
	require.Len(t, req.RegionWorks, 1)
	require.Equal(t, model.WorkDone, req.RegionWorks[0].Status)
	require.Equal(t, int32(1), req.RegionWorks[0].RetryTime)
}

func TestWorkerReportsDoingWhileRunning(t *testing.T) {
	t.Parallel()
	// A scanner that blocks until released keeps the unit in flight.
	release := make(chan struct{})
	blocking := &blockingScanner{release: release}
	exec := NewExecutor(blocking, fakeSchema{}, &fakeWriter{inserted: -1}, 100)
	hb := &fakeHeartbeater{responses: []*model.HeartbeatResponse{
		{RegionWorks: []*model.RegionWork{{
			TableID: 1, RegionID: 9, IndexID: 2, Status: model.WorkDoing,
		}}},
	}}
	w := NewWorker("w1", "room1", hb, exec, &recordingApplier{}, clock.NewMock(), time.Second)

	w.HeartbeatOnce(context.Background())
	w.HeartbeatOnce(context.Background())
	req := hb.lastRequest()
	require.Len(t, req.RegionWorks, 1)
	require.Equal(t, model.WorkDoing, req.RegionWorks[0].Status)

	close(release)
	w.WaitUnits()
	w.HeartbeatOnce(context.Background())
	req = hb.lastRequest()
	require.Len(t, req.RegionWorks, 1)
	require.Equal(t, model.WorkDone, req.RegionWorks[0].Status)
}

type blockingScanner struct {
	release chan struct{}
}

func (s *blockingScanner) Plan(*model.RegionWork) (*ScanPlan, error) {
	return mainTablePlan(), nil
}

func (s *blockingScanner) Scan(context.Context, *model.RegionWork, int64) ([]*RegionBatch, error) {
	<-s.release
	return nil, nil
}

func TestWorkerAcksBroadcast(t *testing.T) {
	t.Parallel()
	payload := &model.BroadcastPayload{
		Job:    model.DDLJob{TableID: 7, State: model.StateWriteOnly},
		Status: model.WorkDoing,
	}
	hb := &fakeHeartbeater{responses: []*model.HeartbeatResponse{
		{DDLWorks: []*model.BroadcastPayload{payload}},
	}}
	applier := &recordingApplier{}
	w := newAgent(hb, applier)

	w.HeartbeatOnce(context.Background())
	w.HeartbeatOnce(context.Background())
	req := hb.lastRequest()
	require.Len(t, req.DDLWorks, 1)
	require.Equal(t, int64(7), req.DDLWorks[0].TableID)
	require.Equal(t, model.WorkDone, req.DDLWorks[0].Status)
	require.Equal(t, []int64{7}, applier.got)
}

func TestWorkerAcksBroadcastFailure(t *testing.T) {
	t.Parallel()
	payload := &model.BroadcastPayload{
		Job:    model.DDLJob{TableID: 7, State: model.StateWriteOnly},
		Status: model.WorkDoing,
	}
	hb := &fakeHeartbeater{responses: []*model.HeartbeatResponse{
		{DDLWorks: []*model.BroadcastPayload{payload}},
	}}
	applier := &recordingApplier{err: errors.New("schema cache flush failed")}
	w := newAgent(hb, applier)

	w.HeartbeatOnce(context.Background())
	w.HeartbeatOnce(context.Background())
	req := hb.lastRequest()
	require.Len(t, req.DDLWorks, 1)
	require.Equal(t, model.WorkFail, req.DDLWorks[0].Status)
}
