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

package watcher

import (
	"sync"

	"github.com/scailio-oss/dlease/lease"
)

// A subscription delivers states to its callback from its own goroutine, in the order they were enqueued, without
// ever blocking the feed.
type subscription struct {
	onChange func(lease.State)

	queueMu sync.Mutex // sync access to queue
	queue   []lease.State
	signal  chan struct{}

	// Held while onChange runs. stop takes it, so once stop returned no callback runs anymore.
	deliverMu sync.Mutex
	stopped   bool

	stopChan chan struct{}
	stopOnce sync.Once
}

func newSubscription(onChange func(lease.State)) *subscription {
	s := &subscription{
		onChange: onChange,
		signal:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	go s.deliverLoop()
	return s
}

func (s *subscription) enqueue(state lease.State) {
	s.queueMu.Lock()
	s.queue = append(s.queue, state)
	s.queueMu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) deliverLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		case <-s.signal:
		}

		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			state := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			if !s.deliver(state) {
				return
			}
		}
	}
}

func (s *subscription) deliver(state lease.State) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.stopped {
		return false
	}
	s.onChange(state)
	return true
}

// stop ends the subscription and returns true if it was still running.
func (s *subscription) stop() bool {
	stoppedNow := false
	s.stopOnce.Do(func() {
		s.deliverMu.Lock()
		s.stopped = true
		s.deliverMu.Unlock()
		close(s.stopChan)
		stoppedNow = true
	})
	return stoppedNow
}
