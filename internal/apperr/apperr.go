// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package apperr is the closed error taxonomy shared by every component,
// mapped to HTTP status codes at the edge. Business code returns
// *Error directly; internal errors are never exposed to clients.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds the HTTP edge understands.
type Kind string

const (
	Unauthorized        Kind = "unauthorized"
	Forbidden           Kind = "forbidden"
	NotFound            Kind = "not_found"
	BadRequest          Kind = "bad_request"
	RateLimitExceeded   Kind = "rate_limit_exceeded"
	Timeout             Kind = "timeout"
	ConcurrencyRejected Kind = "concurrency_rejected"
	ConcurrencyQueueFull Kind = "concurrency_queue_full"
	ConcurrencyTimeout  Kind = "concurrency_timeout"
	SSHConnection       Kind = "ssh_connection"
	SSHAuth             Kind = "ssh_auth"
	SSHExec             Kind = "ssh_exec"
	NoRunnerAvailable   Kind = "no_runner_available"
	Conflict            Kind = "conflict"
	Database            Kind = "database"
	ConfigError          Kind = "config"
	Internal             Kind = "internal"
)

var httpStatus = map[Kind]int{
	Unauthorized:         401,
	Forbidden:            403,
	NotFound:             404,
	BadRequest:           400,
	RateLimitExceeded:    429,
	Timeout:              408,
	ConcurrencyRejected:  429,
	ConcurrencyQueueFull: 503,
	ConcurrencyTimeout:   504,
	SSHConnection:        500,
	SSHAuth:              500,
	SSHExec:              500,
	NoRunnerAvailable:    503,
	Conflict:             409,
	Database:             500,
	ConfigError:          500,
	Internal:             500,
}

// Error is the canonical application error. Message must never contain
// secrets, connection strings, stack traces, or enumerate internal
// entities beyond what Kind already conveys.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Detail    string // extra safe context, e.g. scope label or build_type
	cause     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the HTTP status code this error kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause to a new *Error without leaking its
// message to callers; the cause is only available to logs via errors.Is.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail returns a copy of e carrying the given safe detail string.
func (e *Error) WithDetail(detail string) *Error {
	n := *e
	n.Detail = detail
	return &n
}

// WithRequestID returns a copy of e carrying the given request id.
func (e *Error) WithRequestID(id string) *Error {
	n := *e
	n.RequestID = id
	return &n
}

// As reports whether err is (or wraps) an *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
