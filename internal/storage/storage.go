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
	"time"

	"github.com/scailio-oss/dlease/lease"
)

// DB is the lease store. Every write is conditional: an insert succeeds only if the slot is free (or expired before a
// given time), updates and deletes only if the caller is the current holder. There is no unconditional write path.
type DB interface {
	// Acquire writes l iff no row for l.ResourceID exists, the existing row's ExpiresAt is not after stealUntil, or the
	// existing row is held by l.HolderID. This check-and-write is a single atomic operation of the store.
	// If a live lease of a different holder exists, a *dlease/error.LeaseTakenError is returned which contains that
	// lease if the store reported it. Other errors may be returned as well.
	Acquire(ctx context.Context, l lease.Lease, stealUntil time.Time) (*AcquireInfo, error)

	// Get returns the row for resourceID iff it exists and its ExpiresAt is after liveAfter. Returns nil otherwise.
	Get(ctx context.Context, resourceID string, liveAfter time.Time) (*lease.Lease, error)

	// Renew sets ExpiresAt of the row to newUntil iff the row exists and is held by holderID. Returns false if the
	// condition did not hold; the row is not changed in that case.
	Renew(ctx context.Context, resourceID string, holderID string, newUntil time.Time) (bool, error)

	// Remove deletes the row iff it exists and is held by holderID. Returns false if there was nothing to delete.
	Remove(ctx context.Context, resourceID string, holderID string) (bool, error)
}

// AcquireInfo describes a successful Acquire.
type AcquireInfo struct {
	// Previous is the row that was overwritten, nil if the slot was empty.
	Previous *lease.Lease
}

// Renewed returns true if the acquire extended a lease the same holder held already.
func (a *AcquireInfo) Renewed(holderID string) bool {
	return a.Previous != nil && a.Previous.HolderID == holderID
}

// Replaced returns the expired lease of a different holder that the acquire took over, nil if none.
func (a *AcquireInfo) Replaced(holderID string) *lease.Lease {
	if a.Previous != nil && a.Previous.HolderID != holderID {
		return a.Previous
	}
	return nil
}

// Sweeper is implemented by stores that can physically remove expired rows themselves.
type Sweeper interface {
	// Sweep removes all rows with ExpiresAt not after before and returns how many were removed.
	Sweep(ctx context.Context, before time.Time) (int64, error)
}

// Operation of a Change.
type Operation int

const (
	OpInsert Operation = iota + 1
	OpModify
	OpRemove
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	}
	return "unknown"
}

// Change is a single committed write to the lease table.
type Change struct {
	Op         Operation
	ResourceID string
	// New is the row after the change, nil for OpRemove.
	New *lease.Lease
	// Old is the row before the change if the store reports it.
	Old *lease.Lease
}

// Feed is the change feed of the lease table.
type Feed interface {
	// Watch calls fn for every change committed after the feed was established, for all resources, until ctx is
	// done. established is called exactly once as soon as that point is reached, unless Watch fails before. Changes of
	// one resource are delivered in commit order. fn is called from a single goroutine. Returns ctx.Err() after
	// cancellation or a different error if the feed broke down.
	Watch(ctx context.Context, established func(), fn func(Change)) error
}
