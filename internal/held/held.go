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

package held

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/scailio-oss/dlease/lease"
)

// Lease is this process' projection of a lease it acquired. It is never authoritative, the row in the store is, but
// it tracks the deadline until which this process may assume to hold the lease: the expiry written by the last
// successful acquire or renewal. Once that deadline passed or the lease was released, the projection is expired and
// never becomes valid again.
//
// Additionally a Lease provides a "lock for update" which callers use to serialize renewals and releases.
type Lease struct {
	internalMu sync.Mutex // Serialize access to internal fields
	clock      clock.Clock
	lease      lease.Lease
	released   bool

	updateMu sync.Mutex // Mutex used externally to prepare calls to Update.
}

// New creates a projection for a lease that was just acquired.
func New(clk clock.Clock, l lease.Lease) *Lease {
	return &Lease{
		clock: clk,
		lease: l,
	}
}

func (h *Lease) IsExpired() bool {
	h.internalMu.Lock()
	defer h.internalMu.Unlock()

	return h.isExpiredInternal()
}

func (h *Lease) isExpiredInternal() bool {
	return h.released || !h.lease.Live(h.clock.Now())
}

// Update replaces the projected lease after a successful write to the store. Returns false, without applying l, if
// the projection expired already: IsExpired might have returned true to somebody, so it must not flip back.
func (h *Lease) Update(l lease.Lease) bool {
	h.internalMu.Lock()
	defer h.internalMu.Unlock()

	if h.isExpiredInternal() {
		return false
	}
	h.lease = l
	return true
}

// MarkReleased expires the projection immediately.
func (h *Lease) MarkReleased() {
	h.internalMu.Lock()
	defer h.internalMu.Unlock()

	h.released = true
}

func (h *Lease) Released() bool {
	h.internalMu.Lock()
	defer h.internalMu.Unlock()

	return h.released
}

// Lease returns a copy of the projected lease.
func (h *Lease) Lease() lease.Lease {
	h.internalMu.Lock()
	defer h.internalMu.Unlock()

	return h.lease
}

func (h *Lease) HolderID() string {
	h.internalMu.Lock()
	defer h.internalMu.Unlock()

	return h.lease.HolderID
}

// Try to lock the "lock for update"
func (h *Lease) TryLockForUpdate() bool {
	return h.updateMu.TryLock()
}

// Lock the "lock for update", blocking
func (h *Lease) LockForUpdate() {
	h.updateMu.Lock()
}

// Unlock the "lock for update"
func (h *Lease) UnlockForUpdate() {
	h.updateMu.Unlock()
}
