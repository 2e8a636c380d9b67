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
	"testing"

	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	plan    *ScanPlan
	batches []*RegionBatch
	err     error
}

func (s *fakeScanner) Plan(*model.RegionWork) (*ScanPlan, error) {
	return s.plan, nil
}

func (s *fakeScanner) Scan(context.Context, *model.RegionWork, int64) ([]*RegionBatch, error) {
	return s.batches, s.err
}

type fakeSchema struct{}

func (fakeSchema) IndexFieldIDs(indexID int64) ([]int64, error) {
	if indexID == 1 {
		return []int64{1}, nil
	}
	return []int64{2}, nil
}

type fakeWriter struct {
	records  []*Record
	inserted int
	err      error
}

func (w *fakeWriter) Insert(_ context.Context, _ int64, records []*Record) (int, error) {
	w.records = records
	if w.err != nil {
		return 0, w.err
	}
	if w.inserted >= 0 {
		return w.inserted, nil
	}
	return len(records), nil
}

func row(pk byte, v1, v2 string) Row {
	return Row{
		PK:     []byte{pk},
		Fields: map[int64][]byte{1: []byte(v1), 2: []byte(v2)},
	}
}

func work() *model.RegionWork {
	return &model.RegionWork{TableID: 1, RegionID: 9, IndexID: 2}
}

func mainTablePlan() *ScanPlan {
	return &ScanPlan{MainTableID: 1, RouterIndexID: 1}
}

func TestExecutorHappyPath(t *testing.T) {
	t.Parallel()
	scanner := &fakeScanner{
		plan: mainTablePlan(),
		// Batches arrive unordered; the merge is stable on start key.
		batches: []*RegionBatch{
			{StartKey: []byte("b"), Rows: []Row{row(3, "c", "z3"), row(4, "d", "z4")}},
			{StartKey: []byte("a"), Rows: []Row{row(1, "a", "z1"), row(2, "b", "z2")}},
		},
	}
	writer := &fakeWriter{inserted: -1}
	exec := NewExecutor(scanner, fakeSchema{}, writer, 100)

	res := exec.Run(context.Background(), work())
	require.Equal(t, model.WorkDone, res.Status)
	require.Equal(t, int64(4), res.ScanSize)
	require.Equal(t, []byte{4}, res.MaxPKKey)
	require.Equal(t, "a,z1", res.FirstRecord)
	require.Equal(t, "d,z4", res.LastRecord)
	require.Len(t, writer.records, 4)
	// Each record carries both the primary key field and the index field.
	require.Equal(t, []byte("a"), writer.records[0].Fields[1])
	require.Equal(t, []byte("z1"), writer.records[0].Fields[2])
}

func TestExecutorHonorsLimit(t *testing.T) {
	t.Parallel()
	scanner := &fakeScanner{
		plan: mainTablePlan(),
		batches: []*RegionBatch{
			{StartKey: []byte("a"), Rows: []Row{row(1, "a", "x"), row(2, "b", "y"), row(3, "c", "z")}},
		},
	}
	writer := &fakeWriter{inserted: -1}
	exec := NewExecutor(scanner, fakeSchema{}, writer, 2)

	res := exec.Run(context.Background(), work())
	require.Equal(t, model.WorkDone, res.Status)
	require.Equal(t, int64(2), res.ScanSize)
	// The limit row bounds the scan, so it is the maximum key seen.
	require.Equal(t, []byte{2}, res.MaxPKKey)
}

func TestExecutorRejectsUncoveredScan(t *testing.T) {
	t.Parallel()
	scanner := &fakeScanner{
		plan: &ScanPlan{MainTableID: 1, RouterIndexID: 5, CoveringIndex: false},
	}
	exec := NewExecutor(scanner, fakeSchema{}, &fakeWriter{inserted: -1}, 100)
	res := exec.Run(context.Background(), work())
	require.Equal(t, model.WorkFail, res.Status)

	// A covering index is accepted.
	scanner.plan.CoveringIndex = true
	scanner.batches = nil
	res = exec.Run(context.Background(), work())
	require.Equal(t, model.WorkDone, res.Status)
	require.Zero(t, res.ScanSize)
}

func TestExecutorCountMismatchFails(t *testing.T) {
	t.Parallel()
	scanner := &fakeScanner{
		plan:    mainTablePlan(),
		batches: []*RegionBatch{{StartKey: []byte("a"), Rows: []Row{row(1, "a", "x"), row(2, "b", "y")}}},
	}
	writer := &fakeWriter{inserted: 1}
	exec := NewExecutor(scanner, fakeSchema{}, writer, 100)
	res := exec.Run(context.Background(), work())
	require.Equal(t, model.WorkFail, res.Status)
}

func TestExecutorClassifiesWriteErrors(t *testing.T) {
	t.Parallel()
	batches := []*RegionBatch{{StartKey: []byte("a"), Rows: []Row{row(1, "a", "x")}}}

	cases := []struct {
		err  error
		want model.WorkStatus
	}{
		{ErrDupUniq, model.WorkDupUniq},
		{ErrInternal, model.WorkError},
		{context.DeadlineExceeded, model.WorkFail},
	}
	for _, tc := range cases {
		scanner := &fakeScanner{plan: mainTablePlan(), batches: batches}
		exec := NewExecutor(scanner, fakeSchema{}, &fakeWriter{err: tc.err}, 100)
		res := exec.Run(context.Background(), work())
		require.Equal(t, tc.want, res.Status)
	}
}

func TestExecutorMissingFieldFails(t *testing.T) {
	t.Parallel()
	scanner := &fakeScanner{
		plan: mainTablePlan(),
		batches: []*RegionBatch{{
			StartKey: []byte("a"),
			Rows:     []Row{{PK: []byte{1}, Fields: map[int64][]byte{1: []byte("a")}}},
		}},
	}
	exec := NewExecutor(scanner, fakeSchema{}, &fakeWriter{inserted: -1}, 100)
	res := exec.Run(context.Background(), work())
	require.Equal(t, model.WorkFail, res.Status)
}
