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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 10, cfg.MaxConcurrent)
	require.Equal(t, 10*time.Second, cfg.StatusUpdateInterval.Duration)
	require.Equal(t, 2, cfg.MaxRegionRatio)
	require.Equal(t, int32(30), cfg.MaxDDLRetryTime)
	require.Equal(t, 20, cfg.MaxBatchPerTick)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "coordinator.toml")
	content := `
data-dir = "/tmp/meta"
max-concurrent = 4
status-update-interval = "2s"
heartbeat-interval = "500ms"

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/meta", cfg.DataDir)
	require.Equal(t, 4, cfg.MaxConcurrent)
	require.Equal(t, 2*time.Second, cfg.StatusUpdateInterval.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval.Duration)
	require.Equal(t, "debug", cfg.Log.Level)
	// Untouched fields keep their defaults.
	require.Equal(t, 2, cfg.MaxRegionRatio)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "coordinator.toml")
	require.NoError(t, os.WriteFile(path, []byte("no-such-key = 1\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
