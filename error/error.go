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

package error

import (
	"errors"
	"fmt"

	"github.com/scailio-oss/dlease/lease"
)

// ErrClosed is returned by all operations of a Manager that has been closed.
var ErrClosed = errors.New("lease manager closed")

// ErrNotHeld is returned when re-validating a lease before a protected action shows that the caller does not hold it.
var ErrNotHeld = errors.New("lease not held")

// LeaseTakenError is returned by the storage layer when a conditional write lost against a live lease of a different
// holder. Holder contains the competing lease if the store reported it, otherwise the zero value.
type LeaseTakenError struct {
	Holder lease.Lease
	Cause  error
}

func (e *LeaseTakenError) Error() string {
	if e.Holder.HolderID != "" {
		return fmt.Sprintf("lease taken by %s (%s)", e.Holder.HolderName, e.Holder.Kind)
	}
	if e.Cause != nil {
		return "lease taken: " + e.Cause.Error()
	}
	return "lease taken"
}

func (e *LeaseTakenError) Unwrap() error {
	return e.Cause
}

// InvalidArgumentError signals a programming error of the caller, e.g. an empty resource id.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

// IsLeaseTaken returns true if err is or wraps a *LeaseTakenError.
func IsLeaseTaken(err error) bool {
	var lte *LeaseTakenError
	return errors.As(err, &lte)
}
