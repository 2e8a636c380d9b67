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
)

// dwellFactor scales StatusUpdateInterval into the minimum residency time of
// any visibility state. Five intervals give every schema cache and worker
// time to observe the previous state through normal propagation.
const dwellFactor = 5

// stateDwellPolicy gates state-machine advances: the first ShouldChange call
// for a (table, state) pair arms a timer and answers false; later calls
// answer true once the dwell time has passed.
type stateDwellPolicy struct {
	mu       sync.Mutex
	clk      clock.Clock
	interval time.Duration
	entered  map[int64]map[model.IndexState]time.Time
}

func newStateDwellPolicy(clk clock.Clock, statusUpdateInterval time.Duration) *stateDwellPolicy {
	return &stateDwellPolicy{
		clk:      clk,
		interval: statusUpdateInterval,
		entered:  make(map[int64]map[model.IndexState]time.Time),
	}
}

func (p *stateDwellPolicy) ShouldChange(tableID int64, state model.IndexState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	states, ok := p.entered[tableID]
	if !ok {
		states = make(map[model.IndexState]time.Time)
		p.entered[tableID] = states
	}
	entered, ok := states[state]
	if !ok {
		states[state] = p.clk.Now()
		return false
	}
	return p.clk.Now().Sub(entered) > dwellFactor*p.interval
}

// Clear drops all dwell timers of a table. Called on rollback and job
// deletion so a future job starts fresh.
func (p *stateDwellPolicy) Clear(tableID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entered, tableID)
}
