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

package renewal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/scailio-oss/dlease/internal/logger"
)

const (
	resource1 = "vehicle-1"
	resource2 = "vehicle-2"
)

var interval = 2 * time.Minute

const timeoutDuration = 1 * time.Second

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	keep  map[string]bool
	block chan struct{}
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, keep: map[string]bool{}}
}

func (r *recorder) renew(_ context.Context, resourceID string) bool {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[resourceID]++
	keep, ok := r.keep[resourceID]
	return !ok || keep
}

func (r *recorder) count(resourceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[resourceID]
}

func schedulerSetup(r *recorder) (*Scheduler, *clock.Mock) {
	clk := clock.NewMock()
	return New(logger.Default(), clk, interval, r.renew), clk
}

// Waits until the entry of resourceID is scheduled at the given time, i.e. the previous renewal completed.
func assertScheduledAt(t *testing.T, s *Scheduler, resourceID string, at time.Time) {
	assert.Eventually(t, func() bool {
		due, ok := s.NextRenewal(resourceID)
		return ok && due.Equal(at)
	}, timeoutDuration, time.Millisecond, "Expected next renewal at %v", at)
}

func TestNoRenewalBeforeInterval(t *testing.T) {
	// GIVEN
	r := newRecorder()
	s, clk := schedulerSetup(r)
	defer s.Close()

	// WHEN
	s.Start(resource1)
	clk.Add(interval - time.Second)

	// THEN
	assert.Equal(t, 0, r.count(resource1))
	assert.True(t, s.Active(resource1))
}

func TestRenewsEveryInterval(t *testing.T) {
	// GIVEN
	r := newRecorder()
	s, clk := schedulerSetup(r)
	defer s.Close()
	start := clk.Now()

	// WHEN
	s.Start(resource1)
	for i := 1; i <= 3; i++ {
		clk.Add(interval)
		assertScheduledAt(t, s, resource1, start.Add(time.Duration(i+1)*interval))
	}

	// THEN
	assert.Equal(t, 3, r.count(resource1))
}

func TestStartTwiceReschedules(t *testing.T) {
	// GIVEN
	r := newRecorder()
	s, clk := schedulerSetup(r)
	defer s.Close()
	start := clk.Now()

	// WHEN
	s.Start(resource1)
	clk.Add(time.Minute)
	s.Start(resource1)

	// THEN
	due, ok := s.NextRenewal(resource1)
	assert.True(t, ok)
	assert.Equal(t, start.Add(time.Minute+interval), due, "Expected restart to move the renewal")

	// WHEN
	clk.Add(time.Minute) // first schedule would have been due now

	// THEN
	assert.Equal(t, 0, r.count(resource1), "Expected the first schedule to be replaced")

	// WHEN
	clk.Add(time.Minute)

	// THEN
	assertScheduledAt(t, s, resource1, start.Add(3*time.Minute+interval))
	assert.Equal(t, 1, r.count(resource1))
}

func TestStopCancels(t *testing.T) {
	// GIVEN
	r := newRecorder()
	s, clk := schedulerSetup(r)
	defer s.Close()

	// WHEN
	s.Start(resource1)
	s.Start(resource2)
	s.Stop(resource1)
	clk.Add(interval)

	// THEN
	assertScheduledAt(t, s, resource2, clk.Now().Add(interval))
	assert.Equal(t, 0, r.count(resource1))
	assert.Equal(t, 1, r.count(resource2))
	assert.False(t, s.Active(resource1))
}

func TestDroppedWhenRenewFnGivesUp(t *testing.T) {
	// GIVEN
	r := newRecorder()
	r.keep[resource1] = false
	s, clk := schedulerSetup(r)
	defer s.Close()

	// WHEN
	s.Start(resource1)
	clk.Add(interval)

	// THEN
	assert.Eventually(t, func() bool { return !s.Active(resource1) }, timeoutDuration, time.Millisecond)
	clk.Add(interval)
	assert.Equal(t, 1, r.count(resource1))
}

func TestStopWaitsForRenewalInFlight(t *testing.T) {
	// GIVEN
	r := newRecorder()
	r.block = make(chan struct{})
	s, clk := schedulerSetup(r)
	defer s.Close()

	s.Start(resource1)
	clk.Add(interval) // renewal starts and blocks

	// WHEN
	stopped := make(chan struct{})
	go func() {
		s.Stop(resource1)
		close(stopped)
	}()

	// THEN
	select {
	case <-stopped:
		assert.Fail(t, "Expected Stop to wait for the running renewal")
	case <-time.After(50 * time.Millisecond):
	}

	close(r.block)
	select {
	case <-stopped:
	case <-time.After(timeoutDuration):
		assert.Fail(t, "Timeout waiting for Stop")
	}
	assert.Equal(t, 1, r.count(resource1))
	assert.False(t, s.Active(resource1))
}

func TestSingleRenewalInFlight(t *testing.T) {
	// GIVEN
	r := newRecorder()
	r.block = make(chan struct{})
	s, clk := schedulerSetup(r)

	s.Start(resource1)
	clk.Add(interval) // first renewal blocks

	// WHEN
	s.Start(resource1) // due again while the first one runs
	clk.Add(interval)

	close(r.block)

	// THEN
	assert.Eventually(t, func() bool { return r.count(resource1) == 1 }, timeoutDuration, time.Millisecond)
	s.Close()
	assert.Equal(t, 1, r.count(resource1), "Expected the overlapping renewal to be skipped")
}

func TestCloseStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// GIVEN
	r := newRecorder()
	s, clk := schedulerSetup(r)
	s.Start(resource1)

	// WHEN
	s.Close()
	s.Close()
	clk.Add(interval)
	s.Start(resource1)

	// THEN
	assert.Equal(t, 0, r.count(resource1))
	assert.False(t, s.Active(resource1))
}
