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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants.
const (
	LblResult = "result"
	LblState  = "state"
	LblType   = "type"
)

// Metrics of the DDL coordinator.
var (
	// JobFinishCounter counts terminated DDL jobs by op type and result.
	JobFinishCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metaddl",
			Subsystem: "ddl",
			Name:      "job_finish_total",
			Help:      "Counter of finished global DDL jobs.",
		}, []string{LblType, LblResult})

	// DoingWorkGauge tracks region units currently in doing state.
	DoingWorkGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metaddl",
			Subsystem: "ddl",
			Name:      "doing_region_works",
			Help:      "Number of region backfill units currently running.",
		})

	// WorkerGauge tracks known workers by health state.
	WorkerGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "metaddl",
			Subsystem: "scheduler",
			Name:      "workers",
			Help:      "Number of known backfill workers.",
		}, []string{LblState})

	// BroadcastPendingGauge tracks outstanding broadcast barriers.
	BroadcastPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metaddl",
			Subsystem: "ddl",
			Name:      "broadcast_pending",
			Help:      "Number of broadcast barriers waiting for acks.",
		})

	// HeartbeatDuration observes dispatcher handling latency.
	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "metaddl",
			Subsystem: "scheduler",
			Name:      "heartbeat_duration_seconds",
			Help:      "Bucketed histogram of heartbeat handling time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		})

	// RegionWorkRetryCounter counts region unit retries.
	RegionWorkRetryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "metaddl",
			Subsystem: "ddl",
			Name:      "region_work_retry_total",
			Help:      "Counter of region backfill retries.",
		})
)

// Register registers all coordinator metrics with the default registerer.
func Register() {
	prometheus.MustRegister(JobFinishCounter)
	prometheus.MustRegister(DoingWorkGauge)
	prometheus.MustRegister(WorkerGauge)
	prometheus.MustRegister(BroadcastPendingGauge)
	prometheus.MustRegister(HeartbeatDuration)
	prometheus.MustRegister(RegionWorkRetryCounter)
}
