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

package dlease

import (
	"context"

	"github.com/scailio-oss/dlease/lease"
)

// Manager hands out time-limited exclusive leases on resources (e.g. vehicles) to holders (e.g. users of a UI). At most
// one live lease exists per resource at any time.
//
// The backing store is authoritative. Expiry is judged on timestamps, so rows that expired but were not deleted yet
// count as absent everywhere. Participating systems must have clocks synchronized within maxClockSkew, see
// WithMaxClockSkew.
type Manager interface {
	// Acquire tries to obtain the lease on resourceID for holderID. It never overwrites the live lease of someone else.
	//
	// If the resource is free, or the existing lease expired, or holderID holds it already, the lease is written with
	// an expiry of now + lease duration and the result is Acquired. Re-acquiring a lease one holds keeps its LeaseID and
	// only extends it. While the lease is held, the Manager renews it automatically, see WithRenewal.
	//
	// If someone else holds a live lease, the result is Busy and carries that lease, i.e. who holds it and why. Busy is
	// not an error. Errors are returned for invalid arguments (InvalidArgumentError) and store failures, in which case
	// the caller must assume not to hold the lease.
	Acquire(ctx context.Context, resourceID string, kind lease.Kind, holderID string, holderName string) (lease.AcquireResult, error)

	// Check reads the current state of resourceID from the store. It never writes.
	Check(ctx context.Context, resourceID string) (lease.State, error)

	// Renew extends the lease of holderID on resourceID to now + lease duration. It returns false if holderID does not
	// hold the lease (anymore), leaving the store untouched. Leases acquired through Acquire are renewed automatically,
	// calling Renew is only needed to extend a lease right away.
	Renew(ctx context.Context, resourceID string, holderID string) (bool, error)

	// Release removes the lease of holderID on resourceID and stops its renewals. It returns false if there was nothing
	// to release. Releasing twice is not an error. On error, the caller must assume not to hold the lease anymore, the
	// row expires eventually.
	Release(ctx context.Context, resourceID string, holderID string) (bool, error)

	// Cleanup is a Release that runs in the background, for use during shutdown of a view. It never blocks.
	Cleanup(resourceID string, holderID string)

	// Subscribe calls onChange with every state change of resourceID seen after the subscription was established,
	// including leases that expire without being deleted. onChange is called on a separate goroutine per subscription
	// and in order. The returned function ends the subscription. It waits for a running onChange call and must not be
	// called from within onChange.
	Subscribe(resourceID string, onChange func(lease.State)) (unsubscribe func(), err error)

	// Held returns true if this Manager acquired the lease of holderID on resourceID and believes it is still live.
	Held(resourceID string, holderID string) bool

	// Close releases all leases acquired through this Manager and frees all resources. Must be called when the Manager
	// is not needed anymore. All operations return ErrClosed afterwards.
	Close()
}
