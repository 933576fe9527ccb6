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

package storage

import (
	"context"
	"sync"
)

// MemFeed is an in-process Feed. Stores living in this process publish every committed change to it. It only sees
// writes of this process.
type MemFeed struct {
	mu       sync.Mutex // sync access to watchers
	watchers map[*memWatcher]struct{}
}

type memWatcher struct {
	mu     sync.Mutex // sync access to queue
	queue  []Change
	signal chan struct{}
}

func NewMemFeed() *MemFeed {
	return &MemFeed{
		watchers: map[*memWatcher]struct{}{},
	}
}

// Publish hands c to all current watchers without blocking. Callers must publish changes of one resource in commit
// order.
func (m *MemFeed) Publish(c Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for w := range m.watchers {
		w.mu.Lock()
		w.queue = append(w.queue, c)
		w.mu.Unlock()

		select {
		case w.signal <- struct{}{}:
		default:
			// a wakeup is pending already
		}
	}
}

func (m *MemFeed) Watch(ctx context.Context, established func(), fn func(Change)) error {
	w := &memWatcher{signal: make(chan struct{}, 1)}

	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.watchers, w)
		m.mu.Unlock()
	}()

	established()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.signal:
		}

		for {
			w.mu.Lock()
			batch := w.queue
			w.queue = nil
			w.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, c := range batch {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fn(c)
			}
		}
	}
}
