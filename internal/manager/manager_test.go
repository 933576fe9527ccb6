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

package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	leaseerr "github.com/scailio-oss/dlease/error"
	"github.com/scailio-oss/dlease/internal/logger"
	"github.com/scailio-oss/dlease/internal/manager/test"
	"github.com/scailio-oss/dlease/lease"
)

const (
	prefix  = "prefix-"
	vehicle = "vehicle-1"
)

var leaseDuration = 5 * time.Minute
var renewalInterval = 2 * time.Minute

const timeoutDuration = 1 * time.Second

type managerSetupData struct {
	maxClockSkew time.Duration
	db           *test.MockDb
}

func managerSetup(t *testing.T, data managerSetupData) (*Manager, *test.MockDb, *clock.Mock) {
	db := test.NewMockDb()
	if data.db != nil {
		db = data.db
	}
	clk := clock.NewMock()

	m, err := New(context.Background(), db, db.Feed, clk, logger.Default(), nil, Config{
		Lease:            leaseDuration,
		Renewal:          renewalInterval,
		MaxClockSkew:     data.maxClockSkew,
		FeedRetryDelay:   time.Second,
		CleanupTimeout:   time.Second,
		ResourceIdPrefix: prefix,
	})
	require.NoError(t, err)
	return m, db, clk
}

func bobLease(clk clock.Clock, until time.Time) lease.Lease {
	return lease.Lease{
		ResourceID: prefix + vehicle,
		HolderID:   "bob",
		HolderName: "Bob",
		Kind:       lease.KindSelling,
		LeaseID:    "lease-bob",
		AcquiredAt: clk.Now(),
		ExpiresAt:  until,
	}
}

func assertStoredUntil(t *testing.T, db *test.MockDb, until time.Time) {
	assert.Eventually(t, func() bool {
		l, ok := db.Lease(prefix + vehicle)
		return ok && l.ExpiresAt.Equal(until)
	}, timeoutDuration, time.Millisecond, "Expected stored lease until %v", until)
}

func TestAcquireFree(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{})
	defer m.Close()

	// WHEN
	res, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")

	// THEN
	require.NoError(t, err)
	assert.True(t, res.Acquired())
	assert.Equal(t, vehicle, res.Lease.ResourceID, "Expected resource id without prefix")
	assert.Equal(t, clk.Now().Add(leaseDuration), res.Lease.ExpiresAt)
	assert.NotEmpty(t, res.Lease.LeaseID)

	stored, ok := db.Lease(prefix + vehicle)
	assert.True(t, ok, "Expected DB to have entry for lease")
	assert.Equal(t, "alice", stored.HolderID)
	assert.True(t, m.Held(vehicle, "alice"))

	state, err := m.Check(context.Background(), vehicle)
	require.NoError(t, err)
	assert.True(t, state.HeldBy("alice"))
	assert.Equal(t, lease.KindEditing, state.Lease.Kind)
}

func TestAcquireBusy(t *testing.T) {
	// GIVEN
	m, db, _ := managerSetup(t, managerSetupData{})
	defer m.Close()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)
	before, _ := db.Lease(prefix + vehicle)

	// WHEN
	res, err := m.Acquire(context.Background(), vehicle, lease.KindSelling, "bob", "Bob")

	// THEN
	require.NoError(t, err, "Expected busy to be a result, not an error")
	assert.True(t, res.Busy())
	assert.Equal(t, "alice", res.Lease.HolderID)
	assert.Equal(t, "Alice", res.Lease.HolderName)
	assert.Equal(t, lease.KindEditing, res.Lease.Kind)
	assert.Equal(t, vehicle, res.Lease.ResourceID)
	after, _ := db.Lease(prefix + vehicle)
	assert.Equal(t, before, after, "Expected stored lease unchanged")
	assert.False(t, m.Held(vehicle, "bob"))
}

func TestReacquireKeepsIdentity(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{})
	defer m.Close()
	first, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)

	// WHEN
	clk.Add(time.Minute)
	second, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")

	// THEN
	require.NoError(t, err)
	assert.True(t, second.Acquired())
	assert.Equal(t, first.Lease.LeaseID, second.Lease.LeaseID)
	assert.Equal(t, first.Lease.AcquiredAt, second.Lease.AcquiredAt)
	assert.Equal(t, clk.Now().Add(leaseDuration), second.Lease.ExpiresAt, "Expected expiry to be extended")
	assert.Len(t, db.Leases, 1)
}

func TestTakeOverExpiredAfterClockSkew(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{maxClockSkew: time.Minute})
	defer m.Close()
	db.Put(bobLease(clk, clk.Now().Add(time.Minute)))

	// WHEN
	clk.Add(90 * time.Second)
	state, err := m.Check(context.Background(), vehicle)
	require.NoError(t, err)
	res, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)

	// THEN
	assert.True(t, state.HeldBy("bob"), "Expected lease to count as held within the clock skew")
	assert.True(t, res.Busy(), "Expected lease not to be taken over within the clock skew")

	// WHEN
	clk.Add(31 * time.Second)
	state, err = m.Check(context.Background(), vehicle)
	require.NoError(t, err)
	res, err = m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)

	// THEN
	assert.Equal(t, lease.StatusFree, state.Status)
	assert.True(t, res.Acquired())
	stored, _ := db.Lease(prefix + vehicle)
	assert.Equal(t, "alice", stored.HolderID)
	assert.NotEqual(t, "lease-bob", stored.LeaseID)
}

func TestRenewalExtendsLease(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{})
	defer m.Close()
	start := clk.Now()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)

	// WHEN
	clk.Add(renewalInterval)

	// THEN
	assertStoredUntil(t, db, start.Add(renewalInterval+leaseDuration))

	// WHEN
	clk.Add(renewalInterval)

	// THEN
	assertStoredUntil(t, db, start.Add(2*renewalInterval+leaseDuration))
	assert.True(t, m.Held(vehicle, "alice"))
}

func TestRenewalDetectsLostLease(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{})
	defer m.Close()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)
	bob := bobLease(clk, clk.Now().Add(time.Hour))
	db.Put(bob) // e.g. after a partition, bob took over

	// WHEN
	clk.Add(renewalInterval)

	// THEN
	assert.Eventually(t, func() bool {
		return !m.Held(vehicle, "alice")
	}, timeoutDuration, time.Millisecond, "Expected lease to be given up")
	stored, _ := db.Lease(prefix + vehicle)
	assert.Equal(t, bob, stored, "Expected bob's lease to be untouched")
}

func TestFailingRenewalsExpireLease(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{})
	defer m.Close()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)
	db.SetRenewErr(prefix+vehicle, errors.New("network down"))

	// WHEN
	clk.Add(renewalInterval)
	assert.Eventually(t, func() bool { return db.RenewCount() == 1 }, timeoutDuration, time.Millisecond)
	clk.Add(renewalInterval)
	assert.Eventually(t, func() bool { return db.RenewCount() == 2 }, timeoutDuration, time.Millisecond)

	// THEN
	assert.True(t, m.Held(vehicle, "alice"), "Expected lease to be held until it expires")

	// WHEN
	clk.Add(renewalInterval)

	// THEN
	assert.False(t, m.Held(vehicle, "alice"))
	assert.Eventually(t, func() bool {
		_, ok := db.Lease(prefix + vehicle)
		return !ok
	}, timeoutDuration, time.Millisecond, "Expected expired lease to be removed from the store")
	assert.Equal(t, 2, db.RenewCount(), "Expected no renewal of an expired lease")
}

func TestRenewAndReleaseByOtherHolderAreNoops(t *testing.T) {
	// GIVEN
	m, db, _ := managerSetup(t, managerSetupData{})
	defer m.Close()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)
	before, _ := db.Lease(prefix + vehicle)

	// WHEN
	renewed, renewErr := m.Renew(context.Background(), vehicle, "bob")
	released, releaseErr := m.Release(context.Background(), vehicle, "bob")

	// THEN
	assert.NoError(t, renewErr)
	assert.NoError(t, releaseErr)
	assert.False(t, renewed)
	assert.False(t, released)
	after, _ := db.Lease(prefix + vehicle)
	assert.Equal(t, before, after)
	assert.True(t, m.Held(vehicle, "alice"))
}

func TestExplicitRenew(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{})
	defer m.Close()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)

	// WHEN
	clk.Add(time.Minute)
	renewed, err := m.Renew(context.Background(), vehicle, "alice")

	// THEN
	require.NoError(t, err)
	assert.True(t, renewed)
	assertStoredUntil(t, db, clk.Now().Add(leaseDuration))
}

func TestReleaseIsIdempotent(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{})
	defer m.Close()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)

	// WHEN
	first, err1 := m.Release(context.Background(), vehicle, "alice")
	second, err2 := m.Release(context.Background(), vehicle, "alice")

	// THEN
	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, m.Held(vehicle, "alice"))
	_, ok := db.Lease(prefix + vehicle)
	assert.False(t, ok, "Expected DB to NOT have entry for lease")

	// WHEN
	clk.Add(renewalInterval)

	// THEN
	assert.Equal(t, 0, db.RenewCount(), "Expected renewals to have stopped")
}

func TestReleaseErrorGivesUpLease(t *testing.T) {
	// GIVEN
	m, db, _ := managerSetup(t, managerSetupData{})
	defer m.Close()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)
	db.SetRemoveErr(prefix+vehicle, errors.New("network down"))

	// WHEN
	released, err := m.Release(context.Background(), vehicle, "alice")

	// THEN
	assert.Error(t, err)
	assert.False(t, released)
	assert.False(t, m.Held(vehicle, "alice"), "Expected caller to not hold the lease anymore")
}

func TestCleanupReleasesInBackground(t *testing.T) {
	// GIVEN
	m, db, _ := managerSetup(t, managerSetupData{})
	defer m.Close()
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)

	// WHEN
	m.Cleanup(vehicle, "alice")

	// THEN
	assert.Eventually(t, func() bool {
		_, ok := db.Lease(prefix + vehicle)
		return !ok
	}, timeoutDuration, time.Millisecond, "Expected lease to be removed")
	assert.False(t, m.Held(vehicle, "alice"))
}

func TestSubscribeSeesOtherHolder(t *testing.T) {
	// GIVEN
	m, db, clk := managerSetup(t, managerSetupData{})
	defer m.Close()

	var mu sync.Mutex
	var states []lease.State
	unsubscribe, err := m.Subscribe(vehicle, func(s lease.State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	require.NoError(t, err)
	defer unsubscribe()

	// WHEN
	db.Put(bobLease(clk, clk.Now().Add(leaseDuration)))

	// THEN
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 1
	}, timeoutDuration, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, states[0].HeldBy("bob"))
	assert.Equal(t, "Bob", states[0].Lease.HolderName)
	assert.Equal(t, lease.KindSelling, states[0].Lease.Kind)
	assert.Equal(t, vehicle, states[0].Lease.ResourceID, "Expected resource id without prefix")
}

func TestInvalidArguments(t *testing.T) {
	// GIVEN
	m, db, _ := managerSetup(t, managerSetupData{})
	defer m.Close()

	// WHEN
	_, emptyResource := m.Acquire(context.Background(), "", lease.KindEditing, "alice", "Alice")
	_, emptyHolder := m.Acquire(context.Background(), vehicle, lease.KindEditing, "", "Alice")
	_, badKind := m.Acquire(context.Background(), vehicle, lease.Kind(42), "alice", "Alice")
	_, checkErr := m.Check(context.Background(), "")

	// THEN
	var invalid *leaseerr.InvalidArgumentError
	assert.ErrorAs(t, emptyResource, &invalid)
	assert.Equal(t, "resourceID", invalid.Field)
	assert.ErrorAs(t, emptyHolder, &invalid)
	assert.Equal(t, "holderID", invalid.Field)
	assert.ErrorAs(t, badKind, &invalid)
	assert.Equal(t, "kind", invalid.Field)
	assert.ErrorAs(t, checkErr, &invalid)
	assert.Empty(t, db.Leases)
}

func TestStoreErrorOnAcquire(t *testing.T) {
	// GIVEN
	m, db, _ := managerSetup(t, managerSetupData{})
	defer m.Close()
	db.SetAcquireErr(prefix+vehicle, errors.New("throttled"))

	// WHEN
	_, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, "alice", "Alice")

	// THEN
	assert.Error(t, err)
	assert.False(t, leaseerr.IsLeaseTaken(err))
	assert.False(t, m.Held(vehicle, "alice"))
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	// GIVEN
	m, _, _ := managerSetup(t, managerSetupData{})
	defer m.Close()
	holders := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	// WHEN
	var wg sync.WaitGroup
	results := make([]lease.AcquireResult, len(holders))
	for i, h := range holders {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			res, err := m.Acquire(context.Background(), vehicle, lease.KindEditing, h, h)
			assert.NoError(t, err)
			results[i] = res
		}(i, h)
	}
	wg.Wait()

	// THEN
	acquired := 0
	var winner string
	for i, res := range results {
		if res.Acquired() {
			acquired++
			winner = holders[i]
		}
	}
	assert.Equal(t, 1, acquired, "Expected exactly one winner")
	for _, res := range results {
		if res.Busy() {
			assert.Equal(t, winner, res.Lease.HolderID, "Expected busy results to name the winner")
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	db := test.NewMockDb()
	_, err := New(context.Background(), db, db.Feed, clock.NewMock(), logger.Default(), nil, Config{
		Lease:          time.Minute,
		Renewal:        time.Minute,
		FeedRetryDelay: time.Second,
		CleanupTimeout: time.Second,
	})
	assert.Error(t, err, "Expected renewal interval equal to the lease to be rejected")
}

type sweepingDb struct {
	*test.MockDb
	swept chan time.Time
}

func (s *sweepingDb) Sweep(_ context.Context, before time.Time) (int64, error) {
	s.swept <- before
	return 1, nil
}

func TestSweepLoop(t *testing.T) {
	// GIVEN
	db := &sweepingDb{MockDb: test.NewMockDb(), swept: make(chan time.Time, 1)}
	clk := clock.NewMock()
	m, err := New(context.Background(), db, db.Feed, clk, logger.Default(), nil, Config{
		Lease:          leaseDuration,
		Renewal:        renewalInterval,
		MaxClockSkew:   time.Second,
		SweepInterval:  time.Minute,
		FeedRetryDelay: time.Second,
		CleanupTimeout: time.Second,
	})
	require.NoError(t, err)
	defer m.Close()

	// WHEN
	clk.Add(time.Minute)

	// THEN
	select {
	case before := <-db.swept:
		assert.Equal(t, clk.Now().Add(-time.Second), before)
	case <-time.After(timeoutDuration):
		assert.Fail(t, "Expected a sweep")
	}
}

func TestCloseReleasesAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// GIVEN
	m, db, _ := managerSetup(t, managerSetupData{})
	_, err := m.Acquire(context.Background(), "v1", lease.KindEditing, "alice", "Alice")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "v2", lease.KindSelling, "bob", "Bob")
	require.NoError(t, err)

	// WHEN
	m.Close()

	// THEN
	assert.Empty(t, db.Leases, "Expected all leases to be removed")
	assert.False(t, m.Held("v1", "alice"))

	_, err = m.Acquire(context.Background(), "v1", lease.KindEditing, "alice", "Alice")
	assert.ErrorIs(t, err, leaseerr.ErrClosed)
	_, err = m.Subscribe("v1", func(lease.State) {})
	assert.ErrorIs(t, err, leaseerr.ErrClosed)

	m.Close() // second close is a no-op
}
