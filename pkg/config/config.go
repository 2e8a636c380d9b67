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

package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/metaddl/pkg/util/logutil"
)

// Duration is a time.Duration that (un)marshals as a string in toml.
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the toml-serialized configuration of the coordinator process.
type Config struct {
	// DataDir is where the durable meta store lives.
	DataDir string `toml:"data-dir" json:"data-dir"`
	// EtcdEndpoints enables etcd-based leader election when non-empty.
	// A single-node deployment leaves it empty and is always the leader.
	EtcdEndpoints []string `toml:"etcd-endpoints" json:"etcd-endpoints"`

	// MaxConcurrent caps |todo|+|doing| per backfill worker.
	MaxConcurrent int `toml:"max-concurrent" json:"max-concurrent"`
	// StatusUpdateInterval scales the dwell policy: a job stays in any
	// visibility state for at least five of these intervals.
	StatusUpdateInterval Duration `toml:"status-update-interval" json:"status-update-interval"`
	// MaxRegionRatio bounds doing work per table to region_count times this.
	MaxRegionRatio int `toml:"max-region-ratio" json:"max-region-ratio"`
	// MaxDDLRetryTime is the per-unit retry budget before the job rolls back.
	MaxDDLRetryTime int32 `toml:"max-ddl-retry-time" json:"max-ddl-retry-time"`
	// HeartbeatInterval is the expected worker polling cadence; the sweeper
	// thresholds are multiples of it.
	HeartbeatInterval Duration `toml:"heartbeat-interval" json:"heartbeat-interval"`
	// MaxBatchPerTick caps newly admitted idle units per controller tick.
	MaxBatchPerTick int `toml:"max-batch-per-tick" json:"max-batch-per-tick"`
	// SweepInterval is the cadence of the scheduler background sweeper.
	SweepInterval Duration `toml:"sweep-interval" json:"sweep-interval"`
	// TickInterval is the cadence of the controller work loop.
	TickInterval Duration `toml:"tick-interval" json:"tick-interval"`

	Log logutil.LogConfig `toml:"log" json:"log"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:              "data",
		MaxConcurrent:        10,
		StatusUpdateInterval: NewDuration(10 * time.Second),
		MaxRegionRatio:       2,
		MaxDDLRetryTime:      30,
		HeartbeatInterval:    NewDuration(30 * time.Second),
		MaxBatchPerTick:      20,
		SweepInterval:        NewDuration(20 * time.Second),
		TickInterval:         NewDuration(20 * time.Second),
		Log: logutil.LogConfig{
			Level:  logutil.DefaultLogLevel,
			Format: logutil.DefaultLogFormat,
		},
	}
}

// Load reads a toml file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config file %s contains unknown item %v", path, undecoded[0])
	}
	return cfg, nil
}
