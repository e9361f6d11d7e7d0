// Arena
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package auth

import (
	"errors"
	"net/http"
)

// OAuth2 error codes per RFC 6749 §5.2, exposed verbatim on the wire.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeUnauthorizedClient   = "unauthorized_client"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeRateLimited          = "rate_limit_exceeded"
)

// Error is a grant failure tagged with its RFC 6749 error code. The port
// layer serializes it as {error, error_description} with the matching
// HTTP status; internal failure detail stays in the server log only.
type Error struct {
	// Code is the RFC 6749 error code.
	Code string
	// Description is the optional human-readable error_description.
	Description string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// HTTPStatus maps the error code to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func invalidRequest(description string) error {
	return &Error{Code: ErrCodeInvalidRequest, Description: description}
}

func invalidClient(description string) error {
	return &Error{Code: ErrCodeInvalidClient, Description: description}
}

func invalidGrant(description string) error {
	return &Error{Code: ErrCodeInvalidGrant, Description: description}
}

func unauthorizedClient(description string) error {
	return &Error{Code: ErrCodeUnauthorizedClient, Description: description}
}

func unsupportedGrantType(description string) error {
	return &Error{Code: ErrCodeUnsupportedGrantType, Description: description}
}

func invalidScope(description string) error {
	return &Error{Code: ErrCodeInvalidScope, Description: description}
}

func rateLimited(description string) error {
	return &Error{Code: ErrCodeRateLimited, Description: description}
}

// AsOAuth2Error extracts the tagged grant error, nil when err is not one.
func AsOAuth2Error(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return nil
}
