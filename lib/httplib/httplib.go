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

// Package httplib implements the handler plumbing shared by the API
// server: JSON replies, error conversion, panic recovery and request
// body limits.
package httplib

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/arena/lib/defaults"
)

// HandlerFunc is an HTTP handler that returns a JSON-serializable result
// or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler wraps a HandlerFunc into an httprouter.Handle: the result
// is written as JSON, errors convert to their HTTP shape, and panics are
// contained to a 500 without leaking the stack to the client.
func MakeHandler(logger *slog.Logger, fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.ErrorContext(r.Context(), "Recovered panic in request handler.",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				roundtrip.ReplyJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal_error"})
			}
		}()

		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if _, ok := out.(replied); ok {
			return
		}
		if out == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

type replied struct{}

// AlreadyReplied is returned by handlers that wrote their reply to the
// ResponseWriter themselves; MakeHandler writes nothing further.
func AlreadyReplied() any {
	return replied{}
}

// ErrorBody is the RFC 6749 §5.2 error shape used for every error reply.
type ErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// ReplyError converts an error into its HTTP reply: trace classes map to
// their status codes and everything unexpected flattens to a 503 without
// internal detail.
func ReplyError(w http.ResponseWriter, err error) {
	switch {
	case trace.IsBadParameter(err):
		roundtrip.ReplyJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid_request", Description: trace.UserMessage(err)})
	case trace.IsNotFound(err):
		roundtrip.ReplyJSON(w, http.StatusNotFound, ErrorBody{Error: "not_found", Description: trace.UserMessage(err)})
	case trace.IsAlreadyExists(err):
		roundtrip.ReplyJSON(w, http.StatusConflict, ErrorBody{Error: "conflict", Description: trace.UserMessage(err)})
	case trace.IsAccessDenied(err):
		roundtrip.ReplyJSON(w, http.StatusUnauthorized, ErrorBody{Error: "access_denied", Description: trace.UserMessage(err)})
	case trace.IsLimitExceeded(err):
		roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "limit_exceeded", Description: trace.UserMessage(err)})
	default:
		roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "service_unavailable", Description: "service is temporarily unavailable"})
	}
}

// ReplyRateLimited writes the 429 response with its Retry-After header.
func ReplyRateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	roundtrip.ReplyJSON(w, http.StatusTooManyRequests, ErrorBody{
		Error:       "rate_limit_exceeded",
		Description: "too many requests, retry after " + strconv.Itoa(retryAfterSeconds) + " seconds",
	})
}

// ReadJSON unmarshals a bounded request body into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, defaults.MaxRequestBodyBytes))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}

// ClientIP extracts the remote address of a request without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// OK is the conventional empty success body.
func OK() any {
	return map[string]string{"status": "ok"}
}
