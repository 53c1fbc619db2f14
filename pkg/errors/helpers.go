// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"time"
)

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsRateLimited reports whether err is a RateLimitedError.
func IsRateLimited(err error) bool {
	var e *RateLimitedError
	return errors.As(err, &e)
}

// IsCircuitOpen reports whether err is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var e *CircuitOpenError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsRecoverable reports whether the error is recoverable within a retry
// loop. Rate-limit and circuit-open errors resolve on their own once the
// window resets or the breaker times out; everything else propagates per
// the step's on-error policy.
func IsRecoverable(err error) bool {
	return IsRateLimited(err) || IsCircuitOpen(err)
}

// RetryAfter extracts the retry-after hint carried by rate-limit and
// circuit-open errors. The second return is false when err carries no hint.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter(), true
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return co.RetryAfter(), true
	}
	return 0, false
}

// As is a re-export of errors.As so callers need only one errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a re-export of errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// New is a re-export of errors.New.
func New(text string) error {
	return errors.New(text)
}
