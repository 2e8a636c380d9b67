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

package store

import (
	"bytes"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pingcap/errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// KV is the durable key-value store backing the meta layer. All writes are
// synced; the meta layer never advances in-memory state past what is
// persisted here.
type KV struct {
	db *pebble.DB
}

// Open opens a store rooted at dir.
func Open(dir string) (*KV, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &KV{db: db}, nil
}

// OpenMem opens an in-memory store, used by tests and tools.
func OpenMem() (*KV, error) {
	db, err := pebble.Open("mem", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &KV{db: db}, nil
}

// Close closes the underlying db.
func (s *KV) Close() error {
	return errors.Trace(s.db.Close())
}

// Get returns a copy of the value for key, or ErrNotFound.
func (s *KV) Get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Trace(err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

// Put stores key/value with a synced write.
func (s *KV) Put(key, value []byte) error {
	return errors.Trace(s.db.Set(key, value, pebble.Sync))
}

// Delete removes key with a synced write.
func (s *KV) Delete(key []byte) error {
	return errors.Trace(s.db.Delete(key, pebble.Sync))
}

// DeleteRange removes all keys in [start, end).
func (s *KV) DeleteRange(start, end []byte) error {
	return errors.Trace(s.db.DeleteRange(start, end, pebble.Sync))
}

// Scan iterates all keys with the given prefix in order, invoking fn with
// copies of key and value. Iteration stops when fn returns false.
func (s *KV) Scan(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	upper := prefixUpperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		more, err := fn(k, v)
		if err != nil {
			return errors.Trace(err)
		}
		if !more {
			break
		}
	}
	return errors.Trace(iter.Error())
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when the prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
