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

package owner

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/metaddl/pkg/util/logutil"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const (
	// ManagerSessionTTL is the etcd session TTL in seconds.
	ManagerSessionTTL = 60

	campaignRetryInterval = time.Second
)

// Manager is used to campaign the owner and manage the ownership of the DDL
// coordinator. Only the owner runs the controller and sweeper loops.
type Manager interface {
	// ID returns the ID of this server.
	ID() string
	// IsOwner returns whether this server is the owner right now.
	IsOwner() bool
	// CampaignOwner campaigns the ownership in the background until Close.
	CampaignOwner() error
	// ResignOwner lets the owner give up the ownership.
	ResignOwner(ctx context.Context) error
	// Close releases campaign resources.
	Close()
}

// ownerManager campaigns ownership through an etcd election, in the manner
// of the DDL owner path of a distributed SQL server.
type ownerManager struct {
	id        string
	key       string
	prompt    string
	etcdCli   *clientv3.Client
	elecMu    sync.Mutex
	elec      *concurrency.Election
	isOwner   bool
	ownerMu   sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewOwnerManager creates an etcd-backed owner manager. key is the election
// prefix, id identifies this server.
func NewOwnerManager(ctx context.Context, etcdCli *clientv3.Client, prompt, id, key string) Manager {
	subCtx, cancel := context.WithCancel(ctx)
	return &ownerManager{
		id:      id,
		key:     key,
		prompt:  prompt,
		etcdCli: etcdCli,
		ctx:     subCtx,
		cancel:  cancel,
	}
}

func (m *ownerManager) ID() string {
	return m.id
}

func (m *ownerManager) IsOwner() bool {
	m.ownerMu.RLock()
	defer m.ownerMu.RUnlock()
	return m.isOwner
}

func (m *ownerManager) setOwner(v bool) {
	m.ownerMu.Lock()
	m.isOwner = v
	m.ownerMu.Unlock()
}

func (m *ownerManager) CampaignOwner() error {
	logutil.BgLogger().Info("start campaign owner",
		zap.String("prompt", m.prompt), zap.String("id", m.id))
	m.wg.Add(1)
	go m.campaignLoop()
	return nil
}

func (m *ownerManager) campaignLoop() {
	defer m.wg.Done()
	for m.ctx.Err() == nil {
		session, err := concurrency.NewSession(m.etcdCli,
			concurrency.WithTTL(ManagerSessionTTL), concurrency.WithContext(m.ctx))
		if err != nil {
			logutil.BgLogger().Warn("create etcd session failed",
				zap.String("prompt", m.prompt), zap.Error(err))
			if !m.sleep(campaignRetryInterval) {
				return
			}
			continue
		}
		elec := concurrency.NewElection(session, m.key)
		m.elecMu.Lock()
		m.elec = elec
		m.elecMu.Unlock()

		if err := elec.Campaign(m.ctx, m.id); err != nil {
			logutil.BgLogger().Warn("campaign owner failed",
				zap.String("prompt", m.prompt), zap.Error(err))
			_ = session.Close()
			continue
		}
		logutil.BgLogger().Info("become owner",
			zap.String("prompt", m.prompt), zap.String("id", m.id))
		m.setOwner(true)

		select {
		case <-session.Done():
			logutil.BgLogger().Warn("etcd session done, retire owner",
				zap.String("prompt", m.prompt), zap.String("id", m.id))
		case <-m.ctx.Done():
		}
		m.setOwner(false)
		_ = session.Close()
	}
}

func (m *ownerManager) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *ownerManager) ResignOwner(ctx context.Context) error {
	m.elecMu.Lock()
	elec := m.elec
	m.elecMu.Unlock()
	if elec == nil || !m.IsOwner() {
		return errors.Errorf("%s is not the owner", m.id)
	}
	m.setOwner(false)
	return errors.Trace(elec.Resign(ctx))
}

func (m *ownerManager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

// mockManager is always the owner after CampaignOwner, used by tests and
// single-node deployments without etcd.
type mockManager struct {
	id      string
	ownerMu sync.RWMutex
	isOwner bool
}

// NewMockManager creates a Manager that wins the campaign immediately.
func NewMockManager(id string) Manager {
	return &mockManager{id: id}
}

func (m *mockManager) ID() string {
	return m.id
}

func (m *mockManager) IsOwner() bool {
	m.ownerMu.RLock()
	defer m.ownerMu.RUnlock()
	return m.isOwner
}

func (m *mockManager) CampaignOwner() error {
	m.ownerMu.Lock()
	m.isOwner = true
	m.ownerMu.Unlock()
	return nil
}

func (m *mockManager) ResignOwner(context.Context) error {
	m.ownerMu.Lock()
	m.isOwner = false
	m.ownerMu.Unlock()
	return nil
}

func (m *mockManager) Close() {
	m.ownerMu.Lock()
	m.isOwner = false
	m.ownerMu.Unlock()
}
