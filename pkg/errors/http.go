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
	"net/http"
)

// HTTPStatus maps an error to the status code used at the API boundary.
//
//	Validation                -> 400
//	Unauthenticated           -> 401
//	PermissionDenied          -> 403
//	NotFound                  -> 404
//	Conflict, SecretDetected  -> 409
//	RateLimited               -> 429
//	BudgetExceeded            -> 402
//	CircuitOpen               -> 503
//	Connection                -> 502
//	Timeout                   -> 504
//	everything else           -> 500
func HTTPStatus(err error) int {
	switch {
	case isAs[*ValidationError](err):
		return http.StatusBadRequest
	case isAs[*UnauthenticatedError](err):
		return http.StatusUnauthorized
	case isAs[*PermissionDeniedError](err):
		return http.StatusForbidden
	case isAs[*NotFoundError](err):
		return http.StatusNotFound
	case isAs[*ConflictError](err), isAs[*SecretDetectedError](err):
		return http.StatusConflict
	case isAs[*RateLimitedError](err):
		return http.StatusTooManyRequests
	case isAs[*BudgetExceededError](err):
		return http.StatusPaymentRequired
	case isAs[*CircuitOpenError](err):
		return http.StatusServiceUnavailable
	case isAs[*ConnectionError](err):
		return http.StatusBadGateway
	case isAs[*TimeoutError](err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns the taxonomy label for an error, for logs and payloads.
func Kind(err error) string {
	switch {
	case isAs[*ValidationError](err):
		return "validation"
	case isAs[*UnauthenticatedError](err):
		return "unauthenticated"
	case isAs[*PermissionDeniedError](err):
		return "permission_denied"
	case isAs[*NotFoundError](err):
		return "not_found"
	case isAs[*ConflictError](err):
		return "conflict"
	case isAs[*SecretDetectedError](err):
		return "secret_detected"
	case isAs[*RateLimitedError](err):
		return "rate_limited"
	case isAs[*BudgetExceededError](err):
		return "budget_exceeded"
	case isAs[*CircuitOpenError](err):
		return "circuit_open"
	case isAs[*ConnectionError](err):
		return "connection"
	case isAs[*TimeoutError](err):
		return "timeout"
	case isAs[*UpstreamError](err):
		return "upstream"
	default:
		return "internal"
	}
}

func isAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
