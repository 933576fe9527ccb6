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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	leaseerr "github.com/scailio-oss/dlease/error"
	"github.com/scailio-oss/dlease/internal/held"
	"github.com/scailio-oss/dlease/internal/metrics"
	"github.com/scailio-oss/dlease/internal/renewal"
	"github.com/scailio-oss/dlease/internal/storage"
	"github.com/scailio-oss/dlease/internal/watcher"
	"github.com/scailio-oss/dlease/lease"
	"github.com/scailio-oss/dlease/logger"
)

// Config of a Manager. See the With* options of package dlease for the meaning of the fields.
type Config struct {
	Lease            time.Duration
	Renewal          time.Duration
	MaxClockSkew     time.Duration
	SweepInterval    time.Duration
	FeedRetryDelay   time.Duration
	CleanupTimeout   time.Duration
	ResourceIdPrefix string
}

func (c Config) validate() error {
	if c.Lease <= 0 {
		return fmt.Errorf("lease duration must be positive, got %v", c.Lease)
	}
	if c.Renewal <= 0 || c.Renewal >= c.Lease {
		return fmt.Errorf("renewal interval must be positive and shorter than the lease duration %v, got %v",
			c.Lease, c.Renewal)
	}
	if c.MaxClockSkew < 0 || c.SweepInterval < 0 || c.FeedRetryDelay <= 0 || c.CleanupTimeout <= 0 {
		return errors.New("clock skew, sweep interval, feed retry delay and cleanup timeout must not be negative")
	}
	return nil
}

// Manager implements the acquire / check / renew / release protocol against a storage.DB. It keeps a projection of
// every lease it acquired, renews them with a renewal.Scheduler and fans out the change feed with a watcher.Watcher.
type Manager struct {
	logger  logger.Logger
	db      storage.DB
	clock   clock.Clock
	metrics *metrics.Metrics
	cfg     Config

	scheduler *renewal.Scheduler
	watcher   *watcher.Watcher

	heldLeases   map[string]*held.Lease // prefixed resourceID -> lease held by this manager
	heldLeasesMu sync.Mutex             // sync access to heldLeases

	// background cleanups and loops
	background sync.WaitGroup

	closeChan chan struct{}
	closeOnce sync.Once // used to close closeChan

	closed   bool
	closedMu sync.RWMutex // sync access to closed
}

// New creates a Manager and establishes the change feed. The Manager must be closed when not needed anymore.
func New(ctx context.Context, db storage.DB, feed storage.Feed, clk clock.Clock, logger logger.Logger,
	m *metrics.Metrics, cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mgr := &Manager{
		logger:     logger,
		db:         db,
		clock:      clk,
		metrics:    m,
		cfg:        cfg,
		heldLeases: map[string]*held.Lease{},
		closeChan:  make(chan struct{}),
	}

	mgr.watcher = watcher.New(feed, mgr.check, clk, logger, m, cfg.FeedRetryDelay, cfg.MaxClockSkew)
	if err := mgr.watcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("establish change feed: %w", err)
	}
	mgr.scheduler = renewal.New(logger, clk, cfg.Renewal, mgr.renewScheduled)

	if sweeper, ok := db.(storage.Sweeper); ok && cfg.SweepInterval > 0 {
		startupCompleteChan := make(chan struct{})
		mgr.background.Add(1)
		go mgr.sweepLoop(sweeper, startupCompleteChan)
		<-startupCompleteChan
	}

	return mgr, nil
}

func validate(resourceID string, holderID string) error {
	if resourceID == "" {
		return &leaseerr.InvalidArgumentError{Field: "resourceID", Reason: "must not be empty"}
	}
	if holderID == "" {
		return &leaseerr.InvalidArgumentError{Field: "holderID", Reason: "must not be empty"}
	}
	return nil
}

// enter takes the read lock on closedMu. The returned func releases it.
func (m *Manager) enter() (func(), error) {
	m.closedMu.RLock()
	if m.closed {
		m.closedMu.RUnlock()
		return nil, leaseerr.ErrClosed
	}
	return m.closedMu.RUnlock, nil
}

func (m *Manager) storeId(resourceID string) string {
	return m.cfg.ResourceIdPrefix + resourceID
}

// Converts a lease read from the store to the caller's view, i.e. without resource id prefix.
func (m *Manager) external(l lease.Lease) lease.Lease {
	l.ResourceID = strings.TrimPrefix(l.ResourceID, m.cfg.ResourceIdPrefix)
	return l
}

func (m *Manager) Acquire(ctx context.Context, resourceID string, kind lease.Kind, holderID string,
	holderName string) (lease.AcquireResult, error) {
	exit, err := m.enter()
	if err != nil {
		return lease.AcquireResult{}, err
	}
	defer exit()

	if err := validate(resourceID, holderID); err != nil {
		m.logger.Error(ctx, "Refusing to acquire lease (resourceId/holderId)", resourceID, holderID, err)
		return lease.AcquireResult{}, err
	}
	if !kind.Valid() {
		err := &leaseerr.InvalidArgumentError{Field: "kind", Reason: kind.String() + " is unknown"}
		m.logger.Error(ctx, "Refusing to acquire lease (resourceId/holderId)", resourceID, holderID, err)
		return lease.AcquireResult{}, err
	}

	id := m.storeId(resourceID)
	now := m.clock.Now()

	l := lease.Lease{
		ResourceID: id,
		HolderID:   holderID,
		HolderName: holderName,
		Kind:       kind,
		LeaseID:    uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.cfg.Lease),
	}
	// A re-acquire of a lease we hold is a renewal: it keeps the identity of the lease.
	m.heldLeasesMu.Lock()
	if h, ok := m.heldLeases[id]; ok && h.HolderID() == holderID && !h.IsExpired() {
		prev := h.Lease()
		l.LeaseID = prev.LeaseID
		l.AcquiredAt = prev.AcquiredAt
	}
	m.heldLeasesMu.Unlock()

	// Rows that expired more than maxClockSkew ago do not block the insert, they are overwritten.
	info, err := m.db.Acquire(ctx, l, now.Add(-m.cfg.MaxClockSkew))
	if err != nil {
		var taken *leaseerr.LeaseTakenError
		if errors.As(err, &taken) {
			if taken.Holder.HolderID != "" {
				m.watcher.Track(taken.Holder)
			}
			m.metrics.Acquire(metrics.ResultBusy)
			m.logger.Info(ctx, "Lease busy (resourceId/holderId/holderName/kind)", resourceID, taken.Holder.HolderID,
				taken.Holder.HolderName, taken.Holder.Kind)
			return lease.AcquireResult{Outcome: lease.OutcomeBusy, Lease: m.external(taken.Holder)}, nil
		}

		m.metrics.Acquire(metrics.ResultError)
		m.logger.Error(ctx, "Could not acquire lease (resourceId)", resourceID, err)
		return lease.AcquireResult{}, fmt.Errorf("acquire lease on %s: %w", resourceID, err)
	}

	m.track(id, l)
	m.scheduler.Start(id)
	m.metrics.Acquire(metrics.ResultAcquired)

	if replaced := info.Replaced(holderID); replaced != nil {
		m.logger.Warn(ctx, "Took over expired lease (resourceId/oldHolderId/oldUntil)", resourceID, replaced.HolderID,
			replaced.ExpiresAt)
	} else if info.Renewed(holderID) {
		m.logger.Debug(ctx, "Re-acquired held lease (resourceId/until)", resourceID, l.ExpiresAt)
	} else {
		m.logger.Info(ctx, "Acquired lease (resourceId/holderId/kind/until)", resourceID, holderID, kind, l.ExpiresAt)
	}

	return lease.AcquireResult{Outcome: lease.OutcomeAcquired, Lease: m.external(l)}, nil
}

// Records l as held by this manager after it has been written to the store.
func (m *Manager) track(id string, l lease.Lease) {
	m.heldLeasesMu.Lock()
	defer m.heldLeasesMu.Unlock()

	if h, ok := m.heldLeases[id]; ok {
		if h.HolderID() == l.HolderID && h.Update(l) {
			return
		}
		// expired projection or a projection of a different holder of this process, which lost the lease already
		h.MarkReleased()
	}
	m.heldLeases[id] = held.New(m.clock, l)
	m.metrics.SetHeld(len(m.heldLeases))
}

// Removes h from the held leases, if it is still the current projection of id.
func (m *Manager) untrack(id string, h *held.Lease) {
	m.heldLeasesMu.Lock()
	defer m.heldLeasesMu.Unlock()

	if cur, ok := m.heldLeases[id]; ok && cur == h {
		delete(m.heldLeases, id)
		m.metrics.SetHeld(len(m.heldLeases))
	}
}

func (m *Manager) heldBy(id string, holderID string) *held.Lease {
	m.heldLeasesMu.Lock()
	defer m.heldLeasesMu.Unlock()

	if h, ok := m.heldLeases[id]; ok && h.HolderID() == holderID {
		return h
	}
	return nil
}

func (m *Manager) Check(ctx context.Context, resourceID string) (lease.State, error) {
	exit, err := m.enter()
	if err != nil {
		return lease.State{}, err
	}
	defer exit()

	if resourceID == "" {
		err := &leaseerr.InvalidArgumentError{Field: "resourceID", Reason: "must not be empty"}
		m.logger.Error(ctx, "Refusing to check lease", err)
		return lease.State{}, err
	}

	state, err := m.check(ctx, m.storeId(resourceID))
	if err != nil {
		return lease.State{}, fmt.Errorf("check lease on %s: %w", resourceID, err)
	}
	if state.IsHeld() {
		// subscribers that missed the event of this lease still need to see it expire
		m.watcher.Track(state.Lease)
	}
	state.Lease = m.external(state.Lease)
	return state, nil
}

// Reads the state of id from the store, treating leases as live until maxClockSkew after their expiry, i.e. for as
// long as Acquire would not take them over.
func (m *Manager) check(ctx context.Context, id string) (lease.State, error) {
	l, err := m.db.Get(ctx, id, m.clock.Now().Add(-m.cfg.MaxClockSkew))
	if err != nil {
		return lease.State{}, err
	}
	if l == nil {
		return lease.Free(lease.Lease{}), nil
	}
	return lease.Held(*l), nil
}

func (m *Manager) Renew(ctx context.Context, resourceID string, holderID string) (bool, error) {
	exit, err := m.enter()
	if err != nil {
		return false, err
	}
	defer exit()

	if err := validate(resourceID, holderID); err != nil {
		m.logger.Error(ctx, "Refusing to renew lease (resourceId/holderId)", resourceID, holderID, err)
		return false, err
	}

	id := m.storeId(resourceID)
	h := m.heldBy(id, holderID)
	if h == nil {
		m.logger.Error(ctx, "Renew of a lease that was not acquired by this manager, ignoring (resourceId/holderId)",
			resourceID, holderID)
		return false, nil
	}

	h.LockForUpdate()
	defer h.UnlockForUpdate()
	renewed, _, err := m.renew(ctx, id, h)
	return renewed, err
}

// Called by the scheduler. Returns false if the lease must not be renewed anymore.
func (m *Manager) renewScheduled(ctx context.Context, id string) bool {
	m.heldLeasesMu.Lock()
	h, ok := m.heldLeases[id]
	m.heldLeasesMu.Unlock()
	if !ok {
		return false
	}

	if !h.TryLockForUpdate() {
		m.logger.Warn(ctx, "Skipping renewal since an update is active (resourceId)", id)
		return true
	}
	defer h.UnlockForUpdate()

	_, lost, _ := m.renew(ctx, id, h)
	return !lost
}

// Extends h in the store. The caller must hold h's lock for update. lost is true if h must be given up: it expired
// locally, or the store row belongs to someone else now.
func (m *Manager) renew(ctx context.Context, id string, h *held.Lease) (renewed bool, lost bool, err error) {
	l := h.Lease()
	m.logger.Debug(ctx, "Renewing lease (resourceId)", id)

	if h.IsExpired() {
		if !h.Released() {
			m.logger.Warn(ctx, "Lease expired before it could be renewed, releasing (resourceId/until)", id, l.ExpiresAt)
			m.metrics.Renew(metrics.ResultLost)
			m.removeFromStore(ctx, id, l.HolderID)
		}
		m.untrack(id, h)
		return false, true, nil
	}

	now := m.clock.Now()
	newUntil := now.Add(m.cfg.Lease)

	ok, err := m.db.Renew(ctx, id, l.HolderID, newUntil)
	if err != nil {
		// The row might have been updated although we did not receive the answer. We do not extend our projection
		// then, i.e. we might think the lease is gone earlier than it actually is, never the other way round.
		m.metrics.Renew(metrics.ResultError)
		m.logger.Error(ctx, "Renewal failed, retrying on next tick (resourceId/until)", id, l.ExpiresAt, err)
		return false, false, err
	}
	if !ok {
		m.metrics.Renew(metrics.ResultLost)
		m.logger.Warn(ctx, "Lease lost, it is not held by us in the store anymore (resourceId/holderId)", id, l.HolderID)
		h.MarkReleased()
		m.untrack(id, h)
		return false, true, nil
	}

	l.ExpiresAt = newUntil
	if !h.Update(l) {
		// The projection expired while the store was updated, IsExpired might have returned true to somebody already.
		// Bring the store in line with what we told.
		m.logger.Warn(ctx, "Race during renewal, lease expired locally in the meantime. Releasing (resourceId)", id)
		m.metrics.Renew(metrics.ResultLost)
		m.removeFromStore(ctx, id, l.HolderID)
		m.untrack(id, h)
		return false, true, nil
	}

	m.metrics.Renew(metrics.ResultRenewed)
	return true, false, nil
}

func (m *Manager) removeFromStore(ctx context.Context, id string, holderID string) bool {
	removed, err := m.db.Remove(ctx, id, holderID)
	if err != nil {
		// Ignoring error: the lease expires anyway, and callers must assume they do not hold it anymore.
		m.metrics.Release(metrics.ResultError)
		m.logger.Warn(ctx, "Error while removing lease, ignoring (resourceId/holderId)", id, holderID, err)
		return false
	}
	if removed {
		m.metrics.Release(metrics.ResultReleased)
	} else {
		m.metrics.Release(metrics.ResultNoop)
	}
	return removed
}

func (m *Manager) Release(ctx context.Context, resourceID string, holderID string) (bool, error) {
	exit, err := m.enter()
	if err != nil {
		return false, err
	}
	defer exit()

	if err := validate(resourceID, holderID); err != nil {
		m.logger.Error(ctx, "Refusing to release lease (resourceId/holderId)", resourceID, holderID, err)
		return false, err
	}

	return m.release(ctx, m.storeId(resourceID), holderID)
}

func (m *Manager) release(ctx context.Context, id string, holderID string) (bool, error) {
	if h := m.heldBy(id, holderID); h != nil {
		// stop renewals first, so no renewal re-extends what we are about to delete
		m.scheduler.Stop(id)

		h.LockForUpdate()
		h.MarkReleased()
		h.UnlockForUpdate()
		m.untrack(id, h)
	}

	removed, err := m.db.Remove(ctx, id, holderID)
	if err != nil {
		m.metrics.Release(metrics.ResultError)
		m.logger.Warn(ctx, "Error while releasing lease (resourceId/holderId)", id, holderID, err)
		return false, fmt.Errorf("release lease on %s: %w", id, err)
	}

	if removed {
		m.metrics.Release(metrics.ResultReleased)
		m.logger.Info(ctx, "Released lease (resourceId/holderId)", id, holderID)
	} else {
		m.metrics.Release(metrics.ResultNoop)
		m.logger.Debug(ctx, "Nothing to release, lease not held (resourceId/holderId)", id, holderID)
	}
	return removed, nil
}

// Cleanup releases the lease in the background. It never blocks and never fails, errors are logged.
func (m *Manager) Cleanup(resourceID string, holderID string) {
	exit, err := m.enter()
	if err != nil {
		// Close releases everything anyway.
		return
	}
	defer exit()

	if err := validate(resourceID, holderID); err != nil {
		m.logger.Error(context.Background(), "Refusing to clean up lease (resourceId/holderId)", resourceID, holderID, err)
		return
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
		defer cancel()
		if _, err := m.release(ctx, m.storeId(resourceID), holderID); err != nil {
			m.logger.Warn(ctx, "Cleanup could not release lease, it will expire (resourceId/holderId)", resourceID,
				holderID, err)
		}
	}()
}

func (m *Manager) Subscribe(resourceID string, onChange func(lease.State)) (func(), error) {
	exit, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	if resourceID == "" {
		err := &leaseerr.InvalidArgumentError{Field: "resourceID", Reason: "must not be empty"}
		m.logger.Error(context.Background(), "Refusing to subscribe", err)
		return nil, err
	}

	return m.watcher.Subscribe(m.storeId(resourceID), func(state lease.State) {
		state.Lease = m.external(state.Lease)
		onChange(state)
	})
}

func (m *Manager) Held(resourceID string, holderID string) bool {
	h := m.heldBy(m.storeId(resourceID), holderID)
	return h != nil && !h.IsExpired()
}

// Periodically removes rows that expired more than maxClockSkew ago.
// The chan passed in will be closed just before entering the worker loop.
func (m *Manager) sweepLoop(sweeper storage.Sweeper, startupCompleteChan chan struct{}) {
	defer m.background.Done()

	ticker := m.clock.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()
	m.logger.Debug(context.Background(), "Starting sweep loop")
	close(startupCompleteChan)
	for {
		select {
		case <-m.closeChan:
			m.logger.Debug(context.Background(), "Shutting down sweep loop")
			return
		case <-ticker.C:
			n, err := sweeper.Sweep(context.Background(), m.clock.Now().Add(-m.cfg.MaxClockSkew))
			if err != nil {
				m.logger.Warn(context.Background(), "Sweeping expired leases failed", err)
			} else if n > 0 {
				m.logger.Info(context.Background(), "Swept expired leases (count)", n)
			}
		}
	}
}

// Close releases all held leases and stops all background work. Operations afterwards return ErrClosed.
func (m *Manager) Close() {
	m.closedMu.Lock()
	if m.closed {
		m.closedMu.Unlock()
		return
	}
	m.closed = true
	m.closedMu.Unlock()

	m.closeOnce.Do(func() {
		close(m.closeChan)
	})

	// now: nothing can acquire new leases anymore. Release all current ones.
	m.heldLeasesMu.Lock()
	toRelease := make(map[string]string, len(m.heldLeases))
	for id, h := range m.heldLeases {
		toRelease[id] = h.HolderID()
	}
	m.heldLeasesMu.Unlock()

	var group errgroup.Group
	for id, holderID := range toRelease {
		id, holderID := id, holderID
		group.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
			defer cancel()
			_, err := m.release(ctx, id, holderID)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		m.logger.Warn(context.Background(), "Not all leases could be released on close, they will expire", err)
	}

	m.scheduler.Close()
	m.watcher.Close()
	m.background.Wait()
}

func (m *Manager) Logger() logger.Logger {
	return m.logger
}
