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

package meta

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pingcap/errors"
	"github.com/pingcap/metaddl/pkg/meta/model"
	"github.com/pingcap/metaddl/pkg/store"
)

// Meta key layout. Ids are appended as fixed-width 8-byte big-endian so a
// table's region rows form one contiguous range.
//
//	schemaIdentify || ddlWorkIdentify       || table_id              -> DDLJob
//	schemaIdentify || regionDDLWorkIdentify || table_id || region_id -> RegionWork
const (
	schemaIdentify        = 0x01
	ddlWorkIdentify       = 0x10
	regionDDLWorkIdentify = 0x11
)

// ErrJobNotFound is returned when a table has no persisted DDL job.
var ErrJobNotFound = errors.New("meta: ddl job not found")

// Store reads and writes the durable DDL state. It owns the canonical state;
// all in-memory maps of the coordinator are derived views.
type Store struct {
	kv *store.KV
}

// NewStore creates a Store over the given kv.
func NewStore(kv *store.KV) *Store {
	return &Store{kv: kv}
}

// JobKey returns the meta key of the table's DDL job.
func JobKey(tableID int64) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, schemaIdentify, ddlWorkIdentify)
	return appendID(buf, tableID)
}

// RegionWorkKey returns the meta key of one region work row.
func RegionWorkKey(tableID, regionID int64) []byte {
	buf := regionWorkPrefix(tableID)
	return appendID(buf, regionID)
}

func regionWorkPrefix(tableID int64) []byte {
	buf := make([]byte, 0, 18)
	buf = append(buf, schemaIdentify, regionDDLWorkIdentify)
	return appendID(buf, tableID)
}

func appendID(buf []byte, id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return append(buf, b[:]...)
}

// SaveJob persists the table's DDL job.
func (s *Store) SaveJob(job *model.DDLJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.kv.Put(JobKey(job.TableID), data))
}

// GetJob loads the table's DDL job, or ErrJobNotFound.
func (s *Store) GetJob(tableID int64) (*model.DDLJob, error) {
	data, err := s.kv.Get(JobKey(tableID))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrJobNotFound
		}
		return nil, errors.Trace(err)
	}
	job := &model.DDLJob{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.Trace(err)
	}
	return job, nil
}

// DeleteJob removes the table's DDL job row.
func (s *Store) DeleteJob(tableID int64) error {
	return errors.Trace(s.kv.Delete(JobKey(tableID)))
}

// IterJobs walks every persisted DDL job.
func (s *Store) IterJobs(fn func(job *model.DDLJob) error) error {
	prefix := []byte{schemaIdentify, ddlWorkIdentify}
	return s.kv.Scan(prefix, func(_, value []byte) (bool, error) {
		job := &model.DDLJob{}
		if err := json.Unmarshal(value, job); err != nil {
			return false, errors.Trace(err)
		}
		if err := fn(job); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	})
}

// SaveRegionWork persists one region work row.
func (s *Store) SaveRegionWork(work *model.RegionWork) error {
	data, err := json.Marshal(work)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.kv.Put(RegionWorkKey(work.TableID, work.RegionID), data))
}

// IterRegionWorks walks every region work row of one table.
func (s *Store) IterRegionWorks(tableID int64, fn func(work *model.RegionWork) error) error {
	return s.kv.Scan(regionWorkPrefix(tableID), func(_, value []byte) (bool, error) {
		work := &model.RegionWork{}
		if err := json.Unmarshal(value, work); err != nil {
			return false, errors.Trace(err)
		}
		if err := fn(work); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	})
}

// IterAllRegionWorks walks every region work row of every table.
func (s *Store) IterAllRegionWorks(fn func(work *model.RegionWork) error) error {
	prefix := []byte{schemaIdentify, regionDDLWorkIdentify}
	return s.kv.Scan(prefix, func(_, value []byte) (bool, error) {
		work := &model.RegionWork{}
		if err := json.Unmarshal(value, work); err != nil {
			return false, errors.Trace(err)
		}
		if err := fn(work); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	})
}

// DeleteRegionWorks range-deletes all region work rows of one table,
// [prefix, prefix || 0xFF x 8).
func (s *Store) DeleteRegionWorks(tableID int64) error {
	begin := regionWorkPrefix(tableID)
	end := append(append([]byte(nil), begin...),
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	return errors.Trace(s.kv.DeleteRange(begin, end))
}
