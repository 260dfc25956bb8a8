// Copyright 2015 Matthew Holt and The Caddy Authors
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

package fastcgi

import "errors"

// Sentinel errors surfaced to application code.
var (
	// ErrHeadersAlreadySent is returned by SetStatus/SetHeader/AddHeader/
	// SetBufferSize once the response prefix has been written.
	ErrHeadersAlreadySent = errors.New("fastcgi: headers already sent")

	// ErrInvalidHeader is returned by SetHeader/AddHeader for a name or
	// value containing characters that would let it inject extra lines
	// into the CGI response prefix.
	ErrInvalidHeader = errors.New("fastcgi: invalid header name or value")

	// ErrStreamClosed is returned by writes to a stdout/stderr stream
	// after Close.
	ErrStreamClosed = errors.New("fastcgi: stream closed")

	// ErrSessionAborted is observed by application code at its next
	// suspension point after ABORT_REQUEST or a connection fault.
	ErrSessionAborted = errors.New("fastcgi: session aborted")

	// ErrUnknownRole names the case of a BEGIN_REQUEST for a role this
	// engine has no Role implementation for. The connection loop answers
	// that case on the wire with END_REQUEST(UNKNOWN_ROLE) and does not
	// return this error.
	ErrUnknownRole = errors.New("fastcgi: unknown role")

	// ErrOverloaded names the case of a capacity cap rejecting a new
	// session. The connection loop answers that case on the wire with
	// END_REQUEST(OVERLOADED) and does not return this error.
	ErrOverloaded = errors.New("fastcgi: overloaded")

	// ErrCantMultiplex names the case of a BEGIN_REQUEST reusing the id
	// of a live session on the same connection. The connection loop
	// answers that case on the wire with END_REQUEST(CANT_MPX_CONN) and
	// does not return this error; a second session on a connection
	// capped at one session is answered with OVERLOADED instead.
	ErrCantMultiplex = errors.New("fastcgi: connection does not support multiplexing")
)

// AppExit carries the outcome of a finished application task back to the
// session handler as a tagged value rather than an exception.
type AppExit struct {
	// Kind classifies the outcome.
	Kind AppExitKind
	// Code is the application's chosen exit code; meaningful only when
	// Kind is AppExitOK.
	Code int
	// Err carries diagnostic detail for AppExitFailed.
	Err error
	// Detail, for AppExitFailed, is the text written to STDERR as part
	// of the best-effort failure response. Empty falls back to Err.Error().
	Detail string
}

// AppExitKind enumerates how an application task finished.
type AppExitKind int

const (
	AppExitOK AppExitKind = iota
	AppExitOverloaded
	AppExitAborted
	AppExitFailed
)

// wireOutcome maps an AppExit to the wire-level (appStatus, protocolStatus)
// pair written into END_REQUEST.
func (e AppExit) wireOutcome() (appStatus int32, proto ProtocolStatus) {
	switch e.Kind {
	case AppExitOK:
		return int32(e.Code), StatusRequestComplete
	case AppExitOverloaded:
		return -1, StatusOverloaded
	case AppExitAborted:
		return -1, StatusRequestComplete
	case AppExitFailed:
		return -2, StatusRequestComplete
	default:
		return -2, StatusRequestComplete
	}
}
