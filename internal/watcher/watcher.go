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
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	leaseerr "github.com/scailio-oss/dlease/error"
	"github.com/scailio-oss/dlease/internal/metrics"
	"github.com/scailio-oss/dlease/internal/storage"
	"github.com/scailio-oss/dlease/lease"
	"github.com/scailio-oss/dlease/logger"
)

// CheckFn reads the current state of a resource from the store.
type CheckFn func(ctx context.Context, resourceID string) (lease.State, error)

// Watcher consumes the change feed of the lease table and fans the changes out to the subscribers of each resource.
//
// Besides feed events, subscribers receive the re-read state of their resource when a held lease reaches its expiry
// (expired rows are not necessarily deleted, so the feed says nothing) and after the feed had to be re-established.
type Watcher struct {
	feed       storage.Feed
	check      CheckFn
	clock      clock.Clock
	logger     logger.Logger
	metrics    *metrics.Metrics
	retryDelay time.Duration
	// Time after ExpiresAt at which a lease is re-read, see dlease.WithMaxClockSkew.
	grace time.Duration

	cancel   context.CancelFunc
	doneChan chan struct{}

	// re-reads running outside the feed goroutine. Only added to while holding mu and not closed.
	background sync.WaitGroup

	mu     sync.Mutex // sync access to topics and closed
	topics map[string]*topic
	closed bool
}

// All subscribers of one resource.
type topic struct {
	resourceID string
	subs       map[string]*subscription
	// Incremented with every state published to this topic. Used to discard re-read states that were overtaken by a
	// feed event while the read was running.
	version uint64
	expiry  *clock.Timer
	// the expiry the timer is armed for
	expiresAt time.Time
}

func New(feed storage.Feed, check CheckFn, clk clock.Clock, logger logger.Logger, m *metrics.Metrics,
	retryDelay time.Duration, grace time.Duration) *Watcher {
	return &Watcher{
		feed:       feed,
		check:      check,
		clock:      clk,
		logger:     logger,
		metrics:    m,
		retryDelay: retryDelay,
		grace:      grace,
		topics:     map[string]*topic{},
	}
}

// Start establishes the feed and returns when it is established. If the feed breaks down later, it is re-established
// in the background after retryDelay. Returns an error if the feed cannot be established initially.
func (w *Watcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.doneChan = make(chan struct{})

	establishedChan := make(chan struct{})
	errChan := make(chan error, 1)
	go w.run(runCtx, establishedChan, errChan)

	select {
	case <-establishedChan:
		return nil
	case err := <-errChan:
		cancel()
		<-w.doneChan
		return err
	case <-ctx.Done():
		cancel()
		<-w.doneChan
		return ctx.Err()
	}
}

func (w *Watcher) run(ctx context.Context, establishedChan chan struct{}, errChan chan error) {
	defer close(w.doneChan)

	first := true
	for {
		established := false
		err := w.feed.Watch(ctx, func() {
			established = true
			if first {
				close(establishedChan)
				return
			}
			w.logger.Info(ctx, "Change feed re-established, re-reading all watched resources")
			go w.inBackground(func() {
				w.resyncAll(ctx)
			})
		}, w.dispatch)

		if ctx.Err() != nil {
			return
		}
		if first && !established {
			errChan <- err
			return
		}
		first = false

		w.logger.Error(ctx, "Change feed broke down, re-establishing (retryIn)", w.retryDelay, err)
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.retryDelay):
		}
	}
}

// Subscribe calls onChange with every new state of resourceID until the returned unsubscribe function is called.
// Subscriptions only report changes after they were established; callers read the current state themselves.
// onChange is called from one goroutine per subscription, in feed order. The unsubscribe function may be called
// multiple times; once it returned, onChange is not running and will not be called anymore. It must not be called from
// within onChange.
func (w *Watcher) Subscribe(resourceID string, onChange func(lease.State)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, leaseerr.ErrClosed
	}

	t, ok := w.topics[resourceID]
	if !ok {
		t = &topic{resourceID: resourceID, subs: map[string]*subscription{}}
		w.topics[resourceID] = t
	}

	id := uuid.NewString()
	sub := newSubscription(onChange)
	t.subs[id] = sub
	w.metrics.AddSubscriptions(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			if cur, ok := w.topics[resourceID]; ok && cur == t {
				delete(t.subs, id)
				if len(t.subs) == 0 {
					if t.expiry != nil {
						t.expiry.Stop()
					}
					delete(w.topics, resourceID)
				}
			}
			w.mu.Unlock()

			if sub.stop() {
				w.metrics.AddSubscriptions(-1)
			}
		})
	}, nil
}

// Called by the feed for every change.
func (w *Watcher) dispatch(c storage.Change) {
	w.metrics.FeedEvent(c.Op.String())

	var state lease.State
	switch c.Op {
	case storage.OpRemove:
		prev := lease.Lease{}
		if c.Old != nil {
			prev = *c.Old
		}
		state = lease.Free(prev)
	default:
		if c.New == nil {
			return
		}
		if c.New.Live(w.clock.Now().Add(-w.grace)) {
			state = lease.Held(*c.New)
		} else {
			// an expired row is absent, no matter what the feed says
			state = lease.Free(*c.New)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.topics[c.ResourceID]; ok {
		w.publishLocked(t, state)
	}
}

// Hands state to all subscribers of t and arms the expiry timer. Caller must hold w.mu.
func (w *Watcher) publishLocked(t *topic, state lease.State) {
	t.version++

	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	if state.IsHeld() {
		w.armLocked(t, state.Lease.ExpiresAt)
	}

	for _, sub := range t.subs {
		sub.enqueue(state)
	}
}

// Re-reads t's resource once expiresAt plus grace passed. Caller must hold w.mu.
func (w *Watcher) armLocked(t *topic, expiresAt time.Time) {
	if t.expiry != nil {
		t.expiry.Stop()
	}
	resourceID := t.resourceID
	version := t.version
	t.expiresAt = expiresAt
	t.expiry = w.clock.AfterFunc(expiresAt.Add(w.grace).Sub(w.clock.Now()), func() {
		w.inBackground(func() {
			w.recheck(resourceID, version)
		})
	})
}

// Track makes sure the subscribers of l's resource learn about l's expiry, also if the feed event that brought l was
// consumed before they subscribed. Call it with every live lease read from the store.
func (w *Watcher) Track(l lease.Lease) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.topics[l.ResourceID]
	if !ok || w.closed {
		return
	}
	if t.expiry != nil && !t.expiresAt.Before(l.ExpiresAt) {
		return
	}
	w.armLocked(t, l.ExpiresAt)
}

// Runs fn unless the watcher is closed. Close waits for fn to return.
func (w *Watcher) inBackground(fn func()) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.background.Add(1)
	w.mu.Unlock()

	defer w.background.Done()
	fn()
}

// Re-reads resourceID and publishes the result, unless a newer state was published in the meantime or the state was
// published with version already.
func (w *Watcher) recheck(resourceID string, version uint64) {
	state, err := w.check(context.Background(), resourceID)
	if err != nil {
		w.logger.Warn(context.Background(), "Could not re-read watched resource (resourceId)", resourceID, err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.topics[resourceID]
	if !ok || t.version != version {
		return
	}
	w.publishLocked(t, state)
}

func (w *Watcher) resyncAll(ctx context.Context) {
	w.mu.Lock()
	versions := make(map[string]uint64, len(w.topics))
	for id, t := range w.topics {
		versions[id] = t.version
	}
	w.mu.Unlock()

	for id, version := range versions {
		if ctx.Err() != nil {
			return
		}
		w.recheck(id, version)
	}
}

// Close stops the feed and ends all subscriptions.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	topics := w.topics
	w.topics = map[string]*topic{}
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		<-w.doneChan
	}
	w.background.Wait()

	for _, t := range topics {
		if t.expiry != nil {
			t.expiry.Stop()
		}
		for _, sub := range t.subs {
			if sub.stop() {
				w.metrics.AddSubscriptions(-1)
			}
		}
	}
}
