/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package test

import (
	"context"
	"sync"
	"time"

	leaseerr "github.com/scailio-oss/dlease/error"
	"github.com/scailio-oss/dlease/internal/storage"
	"github.com/scailio-oss/dlease/lease"
)

func NewMockDb() *MockDb {
	return &MockDb{
		Leases:      map[string]lease.Lease{},
		AcquireErr:  map[string]error{},
		RenewErr:    map[string]error{},
		RemoveErr:   map[string]error{},
		RemoveCalls: map[string]int{},
		Feed:        storage.NewMemFeed(),
	}
}

// MockDb is an in-memory storage.DB which publishes its changes to Feed, like the SQLite store does.
type MockDb struct {
	mu sync.Mutex

	Leases      map[string]lease.Lease
	AcquireErr  map[string]error
	RenewErr    map[string]error
	RemoveErr   map[string]error
	RemoveCalls map[string]int
	RenewCalls  int

	Feed *storage.MemFeed
}

func (m *MockDb) Acquire(_ context.Context, l lease.Lease, stealUntil time.Time) (*storage.AcquireInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.AcquireErr[l.ResourceID]; ok {
		return nil, err
	}

	prev, ok := m.Leases[l.ResourceID]
	if ok && prev.HolderID != l.HolderID && prev.ExpiresAt.After(stealUntil) {
		return nil, &leaseerr.LeaseTakenError{Holder: prev}
	}

	m.Leases[l.ResourceID] = l
	c := storage.Change{Op: storage.OpInsert, ResourceID: l.ResourceID, New: &l}
	info := &storage.AcquireInfo{}
	if ok {
		c.Op = storage.OpModify
		c.Old = &prev
		info.Previous = &prev
	}
	m.Feed.Publish(c)
	return info, nil
}

func (m *MockDb) Get(_ context.Context, resourceID string, liveAfter time.Time) (*lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.Leases[resourceID]
	if !ok || !l.ExpiresAt.After(liveAfter) {
		return nil, nil
	}
	return &l, nil
}

func (m *MockDb) Renew(_ context.Context, resourceID string, holderID string, newUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RenewCalls++

	if err, ok := m.RenewErr[resourceID]; ok {
		return false, err
	}

	l, ok := m.Leases[resourceID]
	if !ok || l.HolderID != holderID {
		return false, nil
	}
	old := l
	l.ExpiresAt = newUntil
	m.Leases[resourceID] = l
	m.Feed.Publish(storage.Change{Op: storage.OpModify, ResourceID: resourceID, New: &l, Old: &old})
	return true, nil
}

func (m *MockDb) Remove(_ context.Context, resourceID string, holderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoveCalls[resourceID]++

	if err, ok := m.RemoveErr[resourceID]; ok {
		return false, err
	}

	l, ok := m.Leases[resourceID]
	if !ok || l.HolderID != holderID {
		return false, nil
	}
	delete(m.Leases, resourceID)
	m.Feed.Publish(storage.Change{Op: storage.OpRemove, ResourceID: resourceID, Old: &l})
	return true, nil
}

// Put writes l as if another process had acquired it.
func (m *MockDb) Put(l lease.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.Leases[l.ResourceID]
	m.Leases[l.ResourceID] = l
	c := storage.Change{Op: storage.OpInsert, ResourceID: l.ResourceID, New: &l}
	if ok {
		c.Op = storage.OpModify
		c.Old = &prev
	}
	m.Feed.Publish(c)
}

func (m *MockDb) Lease(resourceID string) (lease.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Leases[resourceID]
	return l, ok
}

func (m *MockDb) SetRenewErr(resourceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.RenewErr, resourceID)
	} else {
		m.RenewErr[resourceID] = err
	}
}

func (m *MockDb) SetRemoveErr(resourceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.RemoveErr, resourceID)
	} else {
		m.RemoveErr[resourceID] = err
	}
}

func (m *MockDb) SetAcquireErr(resourceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.AcquireErr, resourceID)
	} else {
		m.AcquireErr[resourceID] = err
	}
}

func (m *MockDb) RemoveCount(resourceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RemoveCalls[resourceID]
}

func (m *MockDb) RenewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RenewCalls
}

// PutUnannounced writes l without publishing a change, as if its feed event had been consumed before anybody
// subscribed.
func (m *MockDb) PutUnannounced(l lease.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leases[l.ResourceID] = l
}
