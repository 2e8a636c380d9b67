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

// Package backfill holds the worker-side executor of one region backfill
// unit and the heartbeat agent that pulls units from the coordinator.
package backfill

import (
	"bytes"
	"context"
	"sort"

	"github.com/pingcap/errors"
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/pingcap/metaddl/pkg/util/logutil"
	"go.uber.org/zap"
)

// Error classes of the index write path. The executor maps them onto the
// unit's terminal status.
var (
	// ErrDupUniq is a uniqueness violation while building the index; the
	// whole job rolls back.
	ErrDupUniq = errors.New("backfill: duplicated entry on unique index")
	// ErrInternal is an internal corruption of the write path; the whole
	// job rolls back.
	ErrInternal = errors.New("backfill: internal error")
)

// ScanPlan describes how a unit's scan would be served. The scan is valid
// only when the router index equals the main table or the index covers the
// scan.
type ScanPlan struct {
	MainTableID   int64
	RouterIndexID int64
	CoveringIndex bool
}

// Row is one scanned tuple: the encoded primary key plus the field values
// by field id.
type Row struct {
	PK     []byte
	Fields map[int64][]byte
}

// RegionBatch is the sorted scan output of one storage region. Batches of a
// multi-region fan-out merge stably on StartKey.
type RegionBatch struct {
	StartKey []byte
	Rows     []Row
}

// Scanner reads a region's rows under select-for-update semantics.
type Scanner interface {
	// Plan returns how the unit's scan is routed.
	Plan(work *model.RegionWork) (*ScanPlan, error)
	// Scan reads at most limit rows of the unit's key range.
	Scan(ctx context.Context, work *model.RegionWork, limit int64) ([]*RegionBatch, error)
}

// Schema resolves the field ids that a backfill record must carry.
type Schema interface {
	// IndexFieldIDs returns the field ids of an index, primary key
	// included for the main table id.
	IndexFieldIDs(indexID int64) ([]int64, error)
}

// Record is one row of the target index write batch: primary-key fields and
// target-index fields, built in one pass from the scanned tuple.
type Record struct {
	Fields map[int64][]byte
}

// String renders the record for progress reporting.
func (r *Record) String() string {
	ids := make([]int64, 0, len(r.Fields))
	for id := range r.Fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var buf bytes.Buffer
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(r.Fields[id])
	}
	return buf.String()
}

// Writer submits a backfill batch to the secondary-index write path with
// operation type insert. It returns the number of rows inserted.
type Writer interface {
	Insert(ctx context.Context, indexID int64, records []*Record) (int, error)
}

// Executor runs one region backfill unit against the local scan and write
// paths. Its result contract is what the coordinator's scheduler relies
// upon.
type Executor struct {
	scanner Scanner
	schema  Schema
	writer  Writer
	// Limit bounds the rows of one unit's scan.
	Limit int64
}

// NewExecutor creates an executor.
func NewExecutor(scanner Scanner, schema Schema, writer Writer, limit int64) *Executor {
	return &Executor{scanner: scanner, schema: schema, writer: writer, Limit: limit}
}

// Run executes the unit and classifies the outcome: Done on success, Fail
// on retryable errors (including scan/insert count mismatch), DupUniq on a
// uniqueness violation and Error on internal corruption.
func (e *Executor) Run(ctx context.Context, work *model.RegionWork) *model.BackfillResult {
	res, err := e.run(ctx, work)
	if err == nil {
		return res
	}
	status := model.WorkFail
	switch {
	case errors.ErrorEqual(err, ErrDupUniq):
		status = model.WorkDupUniq
	case errors.ErrorEqual(err, ErrInternal):
		status = model.WorkError
	}
	logutil.BgLogger().Warn("backfill unit failed",
		zap.String("task", work.TaskID()),
		zap.Stringer("status", status), zap.Error(err))
	if res == nil {
		res = &model.BackfillResult{}
	}
	res.Status = status
	return res
}

func (e *Executor) run(ctx context.Context, work *model.RegionWork) (*model.BackfillResult, error) {
	plan, err := e.scanner.Plan(work)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if plan.RouterIndexID != plan.MainTableID && !plan.CoveringIndex {
		return nil, errors.Errorf("scan not served by main table or covering index, router %d main %d",
			plan.RouterIndexID, plan.MainTableID)
	}

	batches, err := e.scanner.Scan(ctx, work, e.Limit)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Rows inside a batch are already sorted; merge batches stably on their
	// region start key.
	sort.SliceStable(batches, func(i, j int) bool {
		return bytes.Compare(batches[i].StartKey, batches[j].StartKey) < 0
	})

	pkFields, err := e.schema.IndexFieldIDs(plan.MainTableID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	idxFields, err := e.schema.IndexFieldIDs(work.IndexID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	res := &model.BackfillResult{}
	records := make([]*Record, 0, e.Limit)
scan:
	for _, batch := range batches {
		for i, row := range batch.Rows {
			record := &Record{Fields: make(map[int64][]byte, len(pkFields)+len(idxFields))}
			if err := fillFields(record, row, pkFields); err != nil {
				return nil, errors.Trace(err)
			}
			if err := fillFields(record, row, idxFields); err != nil {
				return nil, errors.Trace(err)
			}
			records = append(records, record)
			res.ScanSize++
			atLimit := res.ScanSize == e.Limit
			// The batch is sorted, so only its last row (or the row that
			// hits the limit) can raise the maximum primary key.
			if i == len(batch.Rows)-1 || atLimit {
				if bytes.Compare(row.PK, res.MaxPKKey) > 0 {
					res.MaxPKKey = append([]byte(nil), row.PK...)
				}
			}
			if atLimit {
				break scan
			}
		}
	}

	if res.ScanSize == 0 {
		res.Status = model.WorkDone
		return res, nil
	}
	res.FirstRecord = records[0].String()
	res.LastRecord = records[len(records)-1].String()

	inserted, err := e.writer.Insert(ctx, work.IndexID, records)
	if err != nil {
		return res, errors.Trace(err)
	}
	if int64(inserted) != res.ScanSize {
		return res, errors.Errorf("scanned %d rows but inserted %d", res.ScanSize, inserted)
	}
	logutil.BgLogger().Info("backfill unit done",
		zap.String("task", work.TaskID()), zap.Int64("rows", res.ScanSize))
	res.Status = model.WorkDone
	return res, nil
}

func fillFields(record *Record, row Row, fieldIDs []int64) error {
	for _, id := range fieldIDs {
		value, ok := row.Fields[id]
		if !ok {
			return errors.Errorf("row misses field %d", id)
		}
		record.Fields[id] = value
	}
	return nil
}
