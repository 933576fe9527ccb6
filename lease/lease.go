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

package lease

import (
	"fmt"
	"time"
)

// Kind is the purpose a lease was taken for. It is informational only: a resource has a single lease slot regardless
// of the kind, but the kind is shown to other viewers ("being sold by Alice").
type Kind int

const (
	KindEditing Kind = iota + 1
	KindSelling
	KindMovingToArchived
)

var kindNames = map[Kind]string{
	KindEditing:          "editing",
	KindSelling:          "selling",
	KindMovingToArchived: "moving-to-archived",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid returns true if k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind parses the string form of a Kind as written into the store.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown lease kind %q", s)
}

// Lease is a time-bounded exclusive claim on a resource. The row in the lease store is the single source of truth,
// every Lease value in memory is a copy of it.
type Lease struct {
	ResourceID string
	HolderID   string
	HolderName string
	Kind       Kind
	// LeaseID identifies one acquisition. A renewal or re-acquire by the same holder keeps it, a fresh acquisition
	// (also of an expired lease) gets a new one.
	LeaseID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Live returns true if the lease has not yet expired at now.
func (l Lease) Live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// Status of a resource's lease slot.
type Status int

const (
	StatusFree Status = iota
	StatusHeld
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusHeld:
		return "held"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// State is a (possibly cached) view on the lease slot of a resource.
//
// For StatusHeld, Lease is the current live lease. For StatusFree, Lease is the row that was removed to free the slot,
// if that is known (change feed deletes), and the zero value otherwise.
type State struct {
	Status Status
	Lease  Lease
}

// Free returns a State for a free slot. previous may be the zero Lease.
func Free(previous Lease) State {
	return State{Status: StatusFree, Lease: previous}
}

// Held returns a State for a slot held by l.
func Held(l Lease) State {
	return State{Status: StatusHeld, Lease: l}
}

func (s State) IsHeld() bool {
	return s.Status == StatusHeld
}

// HeldBy returns true if the slot is held by the given holder.
func (s State) HeldBy(holderID string) bool {
	return s.Status == StatusHeld && s.Lease.HolderID == holderID
}

func (s State) String() string {
	if s.Status == StatusHeld {
		return fmt.Sprintf("held by %s (%s, %s)", s.Lease.HolderName, s.Lease.HolderID, s.Lease.Kind)
	}
	return "free"
}

// Outcome of an acquire call that reached the store.
type Outcome int

const (
	// OutcomeAcquired: the caller holds the lease now.
	OutcomeAcquired Outcome = iota + 1
	// OutcomeBusy: somebody else holds a live lease, nothing was changed.
	OutcomeBusy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcquired:
		return "acquired"
	case OutcomeBusy:
		return "busy"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// AcquireResult is the result of an acquire that did not fail with an error. Callers must check Outcome; only
// OutcomeAcquired grants exclusive access.
type AcquireResult struct {
	Outcome Outcome
	// Lease is the lease now held by the caller (OutcomeAcquired) or by the competing holder (OutcomeBusy).
	Lease Lease
}

func (r AcquireResult) Acquired() bool {
	return r.Outcome == OutcomeAcquired
}

func (r AcquireResult) Busy() bool {
	return r.Outcome == OutcomeBusy
}
