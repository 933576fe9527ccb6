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

// Package controller provides the per call site view of one lease: whether somebody else holds it, whether we hold it,
// and the verbs to change that.
package controller

import (
	"context"
	"fmt"
	"sync"

	leaseerr "github.com/scailio-oss/dlease/error"
	internallogger "github.com/scailio-oss/dlease/internal/logger"
	"github.com/scailio-oss/dlease/lease"
	"github.com/scailio-oss/dlease/logger"
)

// LeaseManager is the part of dlease.Manager a Controller uses.
type LeaseManager interface {
	Acquire(ctx context.Context, resourceID string, kind lease.Kind, holderID string, holderName string) (lease.AcquireResult, error)
	Check(ctx context.Context, resourceID string) (lease.State, error)
	Release(ctx context.Context, resourceID string, holderID string) (bool, error)
	Cleanup(resourceID string, holderID string)
	Subscribe(resourceID string, onChange func(lease.State)) (func(), error)
	Held(resourceID string, holderID string) bool
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseFree
	PhaseHeldByOther
	PhaseAcquiring
	PhaseHeldByMe
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChecking:
		return "checking"
	case PhaseFree:
		return "free"
	case PhaseHeldByOther:
		return "held-by-other"
	case PhaseAcquiring:
		return "acquiring"
	case PhaseHeldByMe:
		return "held-by-me"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Snapshot is the observable state of a Controller. It is a cached projection of the store and might lag behind; it
// must not gate a mutation, use Controller.EnsureHeld for that.
type Snapshot struct {
	Phase           Phase
	IsLockedByOther bool
	LockedByName    string
	LockedByKind    lease.Kind
	HaveMyLock      bool
	IsAcquiring     bool
}

type EventType int

const (
	// EventBecameLockedByOther is emitted when another holder obtained the lease, or a different holder replaced them.
	EventBecameLockedByOther EventType = iota + 1
	// EventBecameFree is emitted when the lease is not held by another holder anymore, after an
	// EventBecameLockedByOther.
	EventBecameFree
)

func (e EventType) String() string {
	switch e {
	case EventBecameLockedByOther:
		return "became-locked-by-other"
	case EventBecameFree:
		return "became-free"
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

type Event struct {
	Type       EventType
	ResourceID string
	// HolderName and Kind of the other holder, set on EventBecameLockedByOther.
	HolderName string
	Kind       lease.Kind
}

type params struct {
	listener func(Event)
	logger   logger.Logger
}

type Option func(params *params)

// WithListener calls listener with every notification-worthy transition, exactly once per transition and in order.
// listener must not call Controller.Close.
func WithListener(listener func(Event)) Option {
	return func(params *params) {
		params.listener = listener
	}
}

// Use the given Logger instead of a default one
func WithLogger(logger logger.Logger) Option {
	return func(params *params) {
		params.logger = logger
	}
}

// Controller combines the lease manager calls and change events of one resource into an observable state. It is safe
// for concurrent use.
type Controller struct {
	mgr        LeaseManager
	logger     logger.Logger
	listener   func(Event)
	resourceID string
	kind       lease.Kind
	holderID   string
	holderName string

	mu          sync.Mutex // sync access to all fields below
	phase       Phase
	other       lease.Lease // set in PhaseHeldByOther
	mine        lease.Lease // set in PhaseHeldByMe
	notified    bool        // EventBecameLockedByOther emitted, EventBecameFree not yet
	buffered    []lease.State
	pending     []Event
	unsubscribe func()
	closed      bool

	emitMu sync.Mutex // serializes listener calls

	closeChan chan struct{}
	closeOnce sync.Once // used to close closeChan
}

func New(mgr LeaseManager, resourceID string, kind lease.Kind, holderID string, holderName string,
	options ...Option) *Controller {
	p := &params{}
	for _, opt := range options {
		opt(p)
	}
	if p.logger == nil {
		p.logger = internallogger.Default()
	}

	c := &Controller{
		mgr:        mgr,
		logger:     p.logger,
		listener:   p.listener,
		resourceID: resourceID,
		kind:       kind,
		holderID:   holderID,
		holderName: holderName,
		closeChan:  make(chan struct{}),
	}
	if c.listener == nil {
		c.listener = c.logEvent
	}
	return c
}

func (c *Controller) logEvent(e Event) {
	switch e.Type {
	case EventBecameLockedByOther:
		c.logger.Info(context.Background(), "Resource locked by other (resourceId/holderName/kind)", e.ResourceID,
			e.HolderName, e.Kind)
	case EventBecameFree:
		c.logger.Info(context.Background(), "Resource not locked by other anymore (resourceId)", e.ResourceID)
	}
}

// Start subscribes to changes and reads the current state. When ctx ends, the Controller is closed.
// An error reading the state leaves the Controller in PhaseChecking until the next change arrives; the subscription
// stays active.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return leaseerr.ErrClosed
	}
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseChecking
	c.mu.Unlock()

	// subscribe before reading, so no change between the two is missed
	unsubscribe, err := c.mgr.Subscribe(c.resourceID, c.onChange)
	if err != nil {
		c.mu.Lock()
		c.phase = PhaseIdle
		c.mu.Unlock()
		return fmt.Errorf("subscribe to %s: %w", c.resourceID, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsubscribe()
		return leaseerr.ErrClosed
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closeChan:
		}
	}()

	state, err := c.mgr.Check(ctx, c.resourceID)
	if err != nil {
		c.logger.Warn(ctx, "Could not determine lease state (resourceId)", c.resourceID, err)
		return fmt.Errorf("check %s: %w", c.resourceID, err)
	}

	c.mu.Lock()
	if c.phase == PhaseChecking {
		// a change that arrived in the meantime is newer than what we read
		c.applyLocked(state)
	}
	c.mu.Unlock()
	c.emit()
	return nil
}

func (c *Controller) onChange(state lease.State) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.phase == PhaseAcquiring {
		c.buffered = append(c.buffered, state)
	} else {
		c.applyLocked(state)
	}
	c.mu.Unlock()
	c.emit()
}

// Moves to the phase state implies. Caller must hold c.mu.
func (c *Controller) applyLocked(state lease.State) {
	if state.IsHeld() {
		if state.Lease.HolderID == c.holderID {
			if c.phase == PhaseHeldByMe {
				c.mine = state.Lease
			} else {
				// held by another session of our holder, Acquire would succeed
				c.toFreeLocked()
			}
			return
		}

		if c.phase == PhaseHeldByMe {
			c.logger.Warn(context.Background(), "Lease lost to other holder (resourceId/holderName)", c.resourceID,
				state.Lease.HolderName)
		}
		c.toHeldByOtherLocked(state.Lease)
		return
	}

	prev := state.Lease.LeaseID
	switch c.phase {
	case PhaseHeldByMe:
		// An empty LeaseID comes from a re-read of the store, which is authoritative.
		if prev != "" && prev != c.mine.LeaseID {
			return
		}
		c.logger.Warn(context.Background(), "Lease lost, it is not in the store anymore (resourceId)", c.resourceID)
		c.toFreeLocked()
	case PhaseHeldByOther:
		if prev != "" && prev != c.other.LeaseID {
			// removal of an older generation
			return
		}
		c.toFreeLocked()
	case PhaseChecking:
		c.toFreeLocked()
	}
}

func (c *Controller) toFreeLocked() {
	c.phase = PhaseFree
	c.other = lease.Lease{}
	c.mine = lease.Lease{}
	if c.notified {
		c.notified = false
		c.pending = append(c.pending, Event{Type: EventBecameFree, ResourceID: c.resourceID})
	}
}

func (c *Controller) toHeldByOtherLocked(l lease.Lease) {
	changed := !c.notified || c.other.HolderID != l.HolderID
	c.phase = PhaseHeldByOther
	c.other = l
	c.mine = lease.Lease{}
	if changed {
		c.notified = true
		c.pending = append(c.pending, Event{
			Type:       EventBecameLockedByOther,
			ResourceID: c.resourceID,
			HolderName: l.HolderName,
			Kind:       l.Kind,
		})
	}
}

func (c *Controller) toHeldByMeLocked(l lease.Lease) {
	c.phase = PhaseHeldByMe
	c.mine = l
	c.other = lease.Lease{}
	if c.notified {
		c.notified = false
		c.pending = append(c.pending, Event{Type: EventBecameFree, ResourceID: c.resourceID})
	}
}

// Hands pending events to the listener, in the order they were produced.
func (c *Controller) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	for {
		c.mu.Lock()
		events := c.pending
		c.pending = nil
		c.mu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, e := range events {
			c.listener(e)
		}
	}
}

// Acquire tries to obtain the lease. Busy is reported in the result and moves the Controller to PhaseHeldByOther.
// On error, the Controller returns to the phase it was in, except that a lease it held is kept only if the manager
// still considers it live.
func (c *Controller) Acquire(ctx context.Context) (lease.AcquireResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return lease.AcquireResult{}, leaseerr.ErrClosed
	}
	if c.phase == PhaseAcquiring {
		c.mu.Unlock()
		return lease.AcquireResult{}, fmt.Errorf("acquire of %s already in progress", c.resourceID)
	}
	prevPhase := c.phase
	c.phase = PhaseAcquiring
	c.buffered = nil
	c.mu.Unlock()

	res, err := c.mgr.Acquire(ctx, c.resourceID, c.kind, c.holderID, c.holderName)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err == nil && res.Acquired() {
			c.mgr.Cleanup(c.resourceID, c.holderID)
		}
		return lease.AcquireResult{}, leaseerr.ErrClosed
	}
	switch {
	case err != nil:
		c.phase = prevPhase
		if prevPhase == PhaseHeldByMe && !c.mgr.Held(c.resourceID, c.holderID) {
			c.toFreeLocked()
		}
	case res.Acquired():
		c.toHeldByMeLocked(res.Lease)
	default:
		c.toHeldByOtherLocked(res.Lease)
	}
	buffered := c.buffered
	c.buffered = nil
	for _, state := range buffered {
		c.applyLocked(state)
	}
	c.mu.Unlock()
	c.emit()

	if err != nil {
		return lease.AcquireResult{}, err
	}
	return res, nil
}

// EnsureHeld re-validates the lease against the store right before a protected mutation. It returns an error wrapping
// ErrNotHeld if another holder has the lease.
func (c *Controller) EnsureHeld(ctx context.Context) error {
	res, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	if res.Busy() {
		return fmt.Errorf("%w: %s is held by %s (%v)", leaseerr.ErrNotHeld, c.resourceID, res.Lease.HolderName,
			res.Lease.Kind)
	}
	return nil
}

// Release gives up the lease. Afterwards the Controller is in PhaseFree, also if the release failed.
func (c *Controller) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return leaseerr.ErrClosed
	}
	c.mu.Unlock()

	_, err := c.mgr.Release(ctx, c.resourceID, c.holderID)

	c.mu.Lock()
	if c.phase == PhaseHeldByMe {
		c.toFreeLocked()
	}
	c.mu.Unlock()
	c.emit()

	if err != nil {
		return fmt.Errorf("release %s: %w", c.resourceID, err)
	}
	return nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Phase:       c.phase,
		HaveMyLock:  c.phase == PhaseHeldByMe,
		IsAcquiring: c.phase == PhaseAcquiring,
	}
	if c.phase == PhaseHeldByOther {
		s.IsLockedByOther = true
		s.LockedByName = c.other.HolderName
		s.LockedByKind = c.other.Kind
	}
	return s
}

// Close ends the subscription and, if the lease is held, releases it in the background. It never blocks on the store.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	// an Acquire in flight cleans up itself
	held := c.phase == PhaseHeldByMe
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.phase = PhaseIdle
	c.pending = nil
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.closeChan)
	})

	if unsubscribe != nil {
		unsubscribe()
	}
	if held {
		c.mgr.Cleanup(c.resourceID, c.holderID)
	}
}
