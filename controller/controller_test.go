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

package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	leaseerr "github.com/scailio-oss/dlease/error"
	"github.com/scailio-oss/dlease/internal/logger"
	"github.com/scailio-oss/dlease/internal/manager"
	"github.com/scailio-oss/dlease/internal/manager/test"
	"github.com/scailio-oss/dlease/lease"
)

const vehicle = "vehicle-1"

const timeoutDuration = 1 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) get() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func controllerSetup(t *testing.T) (*manager.Manager, *test.MockDb, *clock.Mock) {
	db := test.NewMockDb()
	clk := clock.NewMock()
	m, err := manager.New(context.Background(), db, db.Feed, clk, logger.Default(), nil, manager.Config{
		Lease:          5 * time.Minute,
		Renewal:        2 * time.Minute,
		FeedRetryDelay: time.Second,
		CleanupTimeout: time.Second,
	})
	require.NoError(t, err)
	return m, db, clk
}

func bobLease(clk clock.Clock, leaseID string) lease.Lease {
	return lease.Lease{
		ResourceID: vehicle,
		HolderID:   "bob",
		HolderName: "Bob",
		Kind:       lease.KindSelling,
		LeaseID:    leaseID,
		AcquiredAt: clk.Now(),
		ExpiresAt:  clk.Now().Add(5 * time.Minute),
	}
}

func assertPhase(t *testing.T, c *Controller, phase Phase) {
	assert.Eventually(t, func() bool {
		return c.Snapshot().Phase == phase
	}, timeoutDuration, time.Millisecond, "Expected phase %v", phase)
}

func TestStartOnFreeResource(t *testing.T) {
	// GIVEN
	m, _, _ := controllerSetup(t)
	defer m.Close()
	r := &recorder{}
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice", WithListener(r.add))
	defer c.Close()

	// WHEN
	err := c.Start(context.Background())

	// THEN
	require.NoError(t, err)
	s := c.Snapshot()
	assert.Equal(t, PhaseFree, s.Phase)
	assert.False(t, s.IsLockedByOther)
	assert.False(t, s.HaveMyLock)
	assert.Empty(t, r.get())
}

func TestStartOnResourceHeldByOther(t *testing.T) {
	// GIVEN
	m, db, clk := controllerSetup(t)
	defer m.Close()
	db.Put(bobLease(clk, "lease-bob"))
	r := &recorder{}
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice", WithListener(r.add))
	defer c.Close()

	// WHEN
	err := c.Start(context.Background())

	// THEN
	require.NoError(t, err)
	s := c.Snapshot()
	assert.Equal(t, PhaseHeldByOther, s.Phase)
	assert.True(t, s.IsLockedByOther)
	assert.Equal(t, "Bob", s.LockedByName)
	assert.Equal(t, lease.KindSelling, s.LockedByKind)
	assert.Eventually(t, func() bool { return len(r.get()) == 1 }, timeoutDuration, time.Millisecond)
	assert.Equal(t, []Event{{Type: EventBecameLockedByOther, ResourceID: vehicle, HolderName: "Bob",
		Kind: lease.KindSelling}}, r.get())
}

func TestAcquireFree(t *testing.T) {
	// GIVEN
	m, db, _ := controllerSetup(t)
	defer m.Close()
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice")
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	// WHEN
	res, err := c.Acquire(context.Background())

	// THEN
	require.NoError(t, err)
	assert.True(t, res.Acquired())
	s := c.Snapshot()
	assert.True(t, s.HaveMyLock)
	assert.False(t, s.IsAcquiring)
	assert.False(t, s.IsLockedByOther)
	stored, ok := db.Lease(vehicle)
	assert.True(t, ok)
	assert.Equal(t, "alice", stored.HolderID)

	// WHEN
	require.NoError(t, c.Release(context.Background()))

	// THEN
	assert.Equal(t, PhaseFree, c.Snapshot().Phase)
	_, ok = db.Lease(vehicle)
	assert.False(t, ok)
}

func TestBusyNotifiesOncePerEdge(t *testing.T) {
	// GIVEN
	m, db, clk := controllerSetup(t)
	defer m.Close()
	r := &recorder{}
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice", WithListener(r.add))
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))
	bob := bobLease(clk, "lease-bob")
	db.Put(bob)
	assertPhase(t, c, PhaseHeldByOther)

	// WHEN
	res, err := c.Acquire(context.Background())
	renewed := bob
	renewed.ExpiresAt = renewed.ExpiresAt.Add(time.Minute)
	db.Put(renewed)

	// THEN
	require.NoError(t, err)
	assert.True(t, res.Busy())
	assert.Equal(t, "Bob", res.Lease.HolderName)
	assert.Equal(t, lease.KindSelling, res.Lease.Kind)

	// WHEN
	_, err = db.Remove(context.Background(), vehicle, "bob")
	require.NoError(t, err)

	// THEN
	assertPhase(t, c, PhaseFree)
	assert.Eventually(t, func() bool { return len(r.get()) == 2 }, timeoutDuration, time.Millisecond)
	events := r.get()
	assert.Equal(t, EventBecameLockedByOther, events[0].Type)
	assert.Equal(t, "Bob", events[0].HolderName)
	assert.Equal(t, EventBecameFree, events[1].Type)
}

func TestOtherControllerSeesReleaseAndAcquires(t *testing.T) {
	// GIVEN
	m, _, _ := controllerSetup(t)
	defer m.Close()
	alice := New(m, vehicle, lease.KindSelling, "alice", "Alice")
	defer alice.Close()
	r := &recorder{}
	bob := New(m, vehicle, lease.KindEditing, "bob", "Bob", WithListener(r.add))
	defer bob.Close()
	require.NoError(t, alice.Start(context.Background()))
	_, err := alice.Acquire(context.Background())
	require.NoError(t, err)

	// WHEN
	require.NoError(t, bob.Start(context.Background()))

	// THEN
	assert.Equal(t, "Alice", bob.Snapshot().LockedByName)
	assert.Equal(t, lease.KindSelling, bob.Snapshot().LockedByKind)

	// WHEN
	require.NoError(t, alice.Release(context.Background()))

	// THEN
	assertPhase(t, bob, PhaseFree)
	res, err := bob.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Acquired())
	assert.Eventually(t, func() bool {
		return alice.Snapshot().Phase == PhaseHeldByOther && alice.Snapshot().LockedByName == "Bob"
	}, timeoutDuration, time.Millisecond)
	assert.Eventually(t, func() bool { return len(r.get()) == 2 }, timeoutDuration, time.Millisecond)
	events := r.get()
	assert.Equal(t, EventBecameLockedByOther, events[0].Type)
	assert.Equal(t, EventBecameFree, events[1].Type)
}

func TestLostLeaseMovesToHeldByOther(t *testing.T) {
	// GIVEN
	m, db, clk := controllerSetup(t)
	defer m.Close()
	r := &recorder{}
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice", WithListener(r.add))
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))
	_, err := c.Acquire(context.Background())
	require.NoError(t, err)

	// WHEN
	db.Put(bobLease(clk, "lease-bob"))

	// THEN
	assertPhase(t, c, PhaseHeldByOther)
	assert.False(t, c.Snapshot().HaveMyLock)
	assert.Eventually(t, func() bool { return len(r.get()) == 1 }, timeoutDuration, time.Millisecond)
}

func TestEnsureHeld(t *testing.T) {
	// GIVEN
	m, db, clk := controllerSetup(t)
	defer m.Close()
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice")
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	// WHEN
	err := c.EnsureHeld(context.Background())

	// THEN
	assert.NoError(t, err)
	assert.True(t, c.Snapshot().HaveMyLock)

	// WHEN
	db.Put(bobLease(clk, "lease-bob"))
	err = c.EnsureHeld(context.Background())

	// THEN
	assert.ErrorIs(t, err, leaseerr.ErrNotHeld)
	assert.Equal(t, PhaseHeldByOther, c.Snapshot().Phase)
}

func TestContextEndCleansUp(t *testing.T) {
	// GIVEN
	m, db, _ := controllerSetup(t)
	defer m.Close()
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	_, err := c.Acquire(context.Background())
	require.NoError(t, err)

	// WHEN
	cancel()

	// THEN
	assert.Eventually(t, func() bool {
		_, ok := db.Lease(vehicle)
		return !ok
	}, timeoutDuration, time.Millisecond, "Expected the lease to be released")
	assertPhase(t, c, PhaseIdle)
	_, err = c.Acquire(context.Background())
	assert.ErrorIs(t, err, leaseerr.ErrClosed)
}

// fakeManager answers Check and Acquire with configured results; Acquire blocks until gate is closed.
type fakeManager struct {
	checkErr   error
	acquireErr error
	result     lease.AcquireResult
	gate       chan struct{}
	onChange   func(lease.State)
	cleanups   int
	mu         sync.Mutex
}

func (f *fakeManager) Acquire(context.Context, string, lease.Kind, string, string) (lease.AcquireResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.result, f.acquireErr
}

func (f *fakeManager) Check(context.Context, string) (lease.State, error) {
	return lease.Free(lease.Lease{}), f.checkErr
}

func (f *fakeManager) Release(context.Context, string, string) (bool, error) {
	return true, nil
}

func (f *fakeManager) Cleanup(string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
}

func (f *fakeManager) Subscribe(_ string, onChange func(lease.State)) (func(), error) {
	f.onChange = onChange
	return func() {}, nil
}

func (f *fakeManager) Held(string, string) bool {
	return false
}

func TestCheckErrorLeavesStateUndetermined(t *testing.T) {
	// GIVEN
	f := &fakeManager{checkErr: errors.New("network down")}
	c := New(f, vehicle, lease.KindEditing, "alice", "Alice")
	defer c.Close()

	// WHEN
	err := c.Start(context.Background())

	// THEN
	assert.Error(t, err)
	assert.Equal(t, PhaseChecking, c.Snapshot().Phase)

	// WHEN
	f.onChange(lease.Held(lease.Lease{ResourceID: vehicle, HolderID: "bob", HolderName: "Bob", LeaseID: "l"}))

	// THEN
	assert.Equal(t, PhaseHeldByOther, c.Snapshot().Phase)
}

func TestAcquireErrorDoesNotGrantLock(t *testing.T) {
	// GIVEN
	f := &fakeManager{acquireErr: errors.New("network down")}
	c := New(f, vehicle, lease.KindEditing, "alice", "Alice")
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	// WHEN
	_, err := c.Acquire(context.Background())

	// THEN
	assert.Error(t, err)
	assert.False(t, c.Snapshot().HaveMyLock)
	assert.Equal(t, PhaseFree, c.Snapshot().Phase)
}

func TestIsAcquiringAndBufferedChanges(t *testing.T) {
	// GIVEN
	bob := lease.Lease{ResourceID: vehicle, HolderID: "bob", HolderName: "Bob", Kind: lease.KindSelling, LeaseID: "l"}
	f := &fakeManager{gate: make(chan struct{}), result: lease.AcquireResult{Outcome: lease.OutcomeBusy, Lease: bob}}
	r := &recorder{}
	c := New(f, vehicle, lease.KindEditing, "alice", "Alice", WithListener(r.add))
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	// WHEN
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Acquire(context.Background())
	}()
	assertPhase(t, c, PhaseAcquiring)
	assert.True(t, c.Snapshot().IsAcquiring)
	f.onChange(lease.Free(bob)) // bob released while we were asking
	close(f.gate)
	<-done

	// THEN
	assert.Equal(t, PhaseFree, c.Snapshot().Phase)
	assert.Equal(t, []EventType{EventBecameLockedByOther, EventBecameFree}, types(r.get()))
}

func TestCloseDuringAcquireCleansUp(t *testing.T) {
	// GIVEN
	f := &fakeManager{gate: make(chan struct{}), result: lease.AcquireResult{Outcome: lease.OutcomeAcquired,
		Lease: lease.Lease{ResourceID: vehicle, HolderID: "alice"}}}
	c := New(f, vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, c.Start(context.Background()))

	// WHEN
	errChan := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background())
		errChan <- err
	}()
	assertPhase(t, c, PhaseAcquiring)
	c.Close()
	close(f.gate)

	// THEN
	assert.ErrorIs(t, <-errChan, leaseerr.ErrClosed)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.cleanups)
}

func types(events []Event) []EventType {
	res := make([]EventType, 0, len(events))
	for _, e := range events {
		res = append(res, e.Type)
	}
	return res
}

func TestStartSeesExpiryOfLeaseWithoutFeedEvent(t *testing.T) {
	// GIVEN
	m, db, clk := controllerSetup(t)
	defer m.Close()
	db.PutUnannounced(bobLease(clk, "lease-bob")) // bob crashed after his last renewal
	r := &recorder{}
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice", WithListener(r.add))
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, PhaseHeldByOther, c.Snapshot().Phase)

	// WHEN
	clk.Add(5*time.Minute + time.Second)

	// THEN
	assertPhase(t, c, PhaseFree)
	state, err := m.Check(context.Background(), vehicle)
	require.NoError(t, err)
	assert.Equal(t, lease.StatusFree, state.Status)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]EventType{EventBecameLockedByOther, EventBecameFree}, types(r.get()))
	}, timeoutDuration, time.Millisecond)
}

func TestBusySeesExpiryOfLeaseWithoutFeedEvent(t *testing.T) {
	// GIVEN
	m, db, clk := controllerSetup(t)
	defer m.Close()
	c := New(m, vehicle, lease.KindEditing, "alice", "Alice")
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, PhaseFree, c.Snapshot().Phase)
	db.PutUnannounced(bobLease(clk, "lease-bob"))

	// WHEN
	res, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, res.Busy())
	clk.Add(5*time.Minute + time.Second)

	// THEN
	assertPhase(t, c, PhaseFree)
	res, err = c.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Acquired())
}
