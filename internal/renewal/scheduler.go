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
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/scailio-oss/dlease/logger"
)

// RenewFn renews the lease on resourceID. It returns false if the lease is gone for good and must not be renewed
// anymore; the scheduler then drops it. A RenewFn must not call Stop or Close of the scheduler that runs it.
type RenewFn func(ctx context.Context, resourceID string) bool

type entry struct {
	resourceID string
	// Time of the next renewal.
	due time.Time
	// True while a renewal of this entry runs. There is never more than one renewal in flight per entry.
	inFlight bool
	// Done when the in-flight renewal finished.
	running sync.WaitGroup

	// Index in the entryHeap of this entry, -1 when not in the heap.
	heapIndex int
}

type entryHeap []*entry

var _ heap.Interface = &entryHeap{}

// Scheduler renews every registered lease at a fixed interval, from a single loop goroutine. There is exactly one
// entry per resource: starting an already started resource reschedules it.
type Scheduler struct {
	// This is closed to trigger shutdown of renewLoop
	closeChan chan struct{}
	// write lock during shutdown, sync access to closed
	closeMu sync.RWMutex
	closed  bool
	// When renewLoop has finished shutting down, it closes this chan.
	closeFinishedChan chan struct{}

	logger   logger.Logger
	clock    clock.Clock
	interval time.Duration
	renewFn  RenewFn
	// send a message when the head of the heap changed. Valid until closed == true. The inner chan is closed when the work is done.
	newHeapHeadChan chan chan struct{}

	// Waits for all renewals in flight.
	renewals sync.WaitGroup

	mu sync.Mutex // sync access to entries and entriesHeap
	// resourceID -> entry for active leases
	entries map[string]*entry
	// Heap of entries, ordered by due, earliest first.
	entriesHeap *entryHeap
}

func New(logger logger.Logger, clk clock.Clock, interval time.Duration, renewFn RenewFn) *Scheduler {
	h := make(entryHeap, 0)
	heap.Init(&h)
	s := &Scheduler{
		entries:           map[string]*entry{},
		entriesHeap:       &h,
		closeChan:         make(chan struct{}),
		newHeapHeadChan:   make(chan chan struct{}),
		closeFinishedChan: make(chan struct{}),
		clock:             clk,
		logger:            logger,
		interval:          interval,
		renewFn:           renewFn,
	}

	startupCompleteChan := make(chan struct{})
	go s.renewLoop(startupCompleteChan)
	// Wait until the goroutine actually started, otherwise a mock clock could be advanced before the loop listens.
	<-startupCompleteChan

	return s
}

// Start schedules renewals of resourceID, the first one interval from now. If resourceID is scheduled already, its
// next renewal is moved to interval from now.
func (s *Scheduler) Start(resourceID string) {
	s.schedule(resourceID, nil)
}

// Reschedules e (or creates the entry if e is nil) to interval from now. If e is not nil and not the current entry of
// its resource anymore, nothing happens.
func (s *Scheduler) schedule(resourceID string, e *entry) {
	// Take readlock on closeMu to ensure this does not run concurrently to Close
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return
	}

	due := s.clock.Now().Add(s.interval)

	s.mu.Lock()
	cur, ok := s.entries[resourceID]
	if e != nil && (!ok || cur != e) {
		s.mu.Unlock()
		return
	}
	if !ok {
		cur = &entry{resourceID: resourceID, heapIndex: -1}
		s.entries[resourceID] = cur
	}
	cur.due = due
	if cur.heapIndex == -1 {
		heap.Push(s.entriesHeap, cur)
	} else {
		s.entriesHeap.fix(cur)
	}
	newHeapHead := s.entriesHeap.head() == cur
	s.mu.Unlock()

	if newHeapHead {
		// inform newHeapHeadChan outside of lock and block until renewLoop set up its timer for the new head, so a
		// mock clock advanced right after this call cannot overtake the loop.
		doneChan := make(chan struct{})
		s.newHeapHeadChan <- doneChan
		<-doneChan
	}
}

// Stop cancels the renewals of resourceID. If a renewal is in flight, Stop waits for it to finish: after Stop returned
// no renewal of resourceID runs anymore (until Start is called again).
func (s *Scheduler) Stop(resourceID string) {
	s.mu.Lock()
	e, ok := s.entries[resourceID]
	if ok {
		delete(s.entries, resourceID)
		// do not update the heap, instead just ignore the entry in renewLoop
	}
	s.mu.Unlock()

	if ok {
		e.running.Wait()
		s.logger.Debug(context.Background(), "Stopped renewals (resourceId)", resourceID)
	}
}

// Active returns true if renewals of resourceID are scheduled.
func (s *Scheduler) Active(resourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[resourceID]
	return ok
}

// NextRenewal returns when resourceID is renewed next.
func (s *Scheduler) NextRenewal(resourceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[resourceID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// Loops until closeChan is closed and wakes up once when the first element in entriesHeap is due. Will schedule the
// next wakeup accordingly.
// The chan passed in will be closed just before entering the worker loop.
func (s *Scheduler) renewLoop(startupCompleteChan chan struct{}) {
	var timer *clock.Timer
	var timerChan <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		timerChan = nil
	}

	setupNextRenewalAt := func(at time.Time) {
		now := s.clock.Now()
		renewIn := at.Sub(now)
		if renewIn <= 0 {
			newChan := make(chan time.Time, 1)
			newChan <- now
			timerChan = newChan
			return
		}
		timer = s.clock.Timer(renewIn)
		timerChan = timer.C
	}

	close(startupCompleteChan)

	for {
		select {
		case <-s.closeChan:
			stopTimer()
			close(s.closeFinishedChan)
			return
		case doneChan := <-s.newHeapHeadChan:
			stopTimer()

			s.mu.Lock()
			if h := s.entriesHeap.head(); h != nil {
				setupNextRenewalAt(h.due)
			}
			s.mu.Unlock()
			close(doneChan)
			continue
		case <-timerChan:
		}

		// Timer triggered, dispatch a renewal for every entry at the beginning of entriesHeap which is due.
		stopTimer()
		for {
			s.mu.Lock()
			e := s.entriesHeap.head()
			if e == nil || s.clock.Now().Before(e.due) {
				s.mu.Unlock()
				break
			}

			heap.Pop(s.entriesHeap)
			if cur, ok := s.entries[e.resourceID]; !ok || cur != e {
				// entry in queue is outdated: it was stopped already.
				s.mu.Unlock()
				continue
			}
			if e.inFlight {
				// The previous renewal still runs, it reschedules the entry when it is done.
				s.logger.Warn(context.Background(), "Skipping renewal since the previous one is still running (resourceId)",
					e.resourceID)
				s.mu.Unlock()
				continue
			}
			e.inFlight = true
			e.running.Add(1)
			s.renewals.Add(1)
			s.mu.Unlock()

			go s.renew(e)
		}

		s.mu.Lock()
		if h := s.entriesHeap.head(); h != nil {
			setupNextRenewalAt(h.due)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) renew(e *entry) {
	defer s.renewals.Done()

	keep := s.renewFn(context.Background(), e.resourceID)

	s.mu.Lock()
	e.inFlight = false
	current := s.entries[e.resourceID] == e
	if current && !keep {
		delete(s.entries, e.resourceID)
	}
	s.mu.Unlock()
	e.running.Done()

	if !keep {
		if current {
			s.logger.Info(context.Background(), "Lease gone, stopped renewals (resourceId)", e.resourceID)
		}
		return
	}
	s.schedule(e.resourceID, e)
}

// Close stops all renewals and waits for the ones in flight.
func (s *Scheduler) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}

	// shutdown renewLoop
	close(s.closeChan)
	<-s.closeFinishedChan

	s.mu.Lock()
	s.entries = map[string]*entry{}
	*s.entriesHeap = (*s.entriesHeap)[:0]
	s.mu.Unlock()

	close(s.newHeapHeadChan)
	s.closed = true
	s.closeMu.Unlock()

	// outside of closeMu: finishing renewals try to reschedule, which needs the read lock.
	s.renewals.Wait()
}

func (l *entryHeap) Len() int {
	return len(*l)
}

func (l *entryHeap) Less(i, j int) bool {
	if (*l)[i].due.Equal((*l)[j].due) {
		// if [i].due == [j].due, use resourceID as tiebreaker
		return (*l)[i].resourceID < (*l)[j].resourceID
	}

	return (*l)[i].due.Before((*l)[j].due)
}

func (l *entryHeap) Swap(i, j int) {
	(*l)[i], (*l)[j] = (*l)[j], (*l)[i]
	(*l)[i].heapIndex = i
	(*l)[j].heapIndex = j
}

func (l *entryHeap) Push(x any) {
	e := x.(*entry)
	*l = append(*l, e)
	e.heapIndex = len(*l) - 1
}

func (l *entryHeap) Pop() any {
	prev := *l
	newLen := len(prev) - 1
	popped := prev[newLen]
	popped.heapIndex = -1
	prev[newLen] = nil
	*l = prev[0:newLen]
	return popped
}

func (l *entryHeap) fix(e *entry) {
	heap.Fix(l, e.heapIndex)
}

// Returns the head of the heap or nil. The head of the heap is the entry with the earliest due time.
func (l *entryHeap) head() *entry {
	if len(*l) > 0 {
		return (*l)[0]
	}
	return nil
}
