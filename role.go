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

import (
	"context"
	"io"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Responder is the application collaborator for the RESPONDER role: read
// the request body from Stdin, write a response to Stdout.
type Responder interface {
	ServeResponder(ctx context.Context, s *Session)
}

// Authorizer is the application collaborator for the AUTHORIZER role: no
// request body is presented; Stdout headers communicate allow/deny.
type Authorizer interface {
	ServeAuthorizer(ctx context.Context, s *Session)
}

// Filter is the application collaborator for the FILTER role: the
// request body is read from Stdin, then a second stream from Data,
// before writing a response to Stdout.
type Filter interface {
	ServeFilter(ctx context.Context, s *Session)
}

// Diagnostics is a snapshot of a session's identity useful for logging
// and operator tooling; it carries no wire representation.
type Diagnostics struct {
	SessionID      string
	RequestID      uint16
	Role           Role
	Remote         string
	Started        time.Time
	Duration       time.Duration
	ExitCode       int
	ProtocolStatus string
}

// Parameters returns the session's frozen parameter map. It is safe to
// call only from within the role's Serve method, after the session has
// reached the Running state: the parameter map is a fixed point once
// dispatch begins.
func (s *Session) Parameters() map[string]string {
	return s.params
}

// Stdin returns the request-body stream. For AUTHORIZER it is still
// present but reads return io.EOF immediately, since that role's STDIN
// stream is closed as soon as the session is created.
func (s *Session) Stdin() io.Reader {
	return s.stdin
}

// Data returns the FILTER role's second inbound stream. Calling it for
// any other role returns a reader that yields io.EOF immediately.
func (s *Session) Data() io.Reader {
	return s.data
}

// Stdout returns the response-body writer. The first write materializes
// the CGI response prefix from the session's current status and headers.
func (s *Session) Stdout() io.Writer {
	return &stdoutWriter{sess: s}
}

// Stderr returns the diagnostic-output writer.
func (s *Session) Stderr() io.Writer {
	return &stderrWriter{sess: s}
}

// SetStatus sets the response status code. Before the first Stdout
// write this is last-writer-wins; after, it returns
// ErrHeadersAlreadySent.
func (s *Session) SetStatus(code int) error {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headersSent {
		return ErrHeadersAlreadySent
	}
	s.status = code
	return nil
}

// SetHeader replaces all values of name with a single value. It returns
// ErrInvalidHeader if name or value contains characters that could
// split the CGI response prefix into extra lines.
func (s *Session) SetHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return ErrInvalidHeader
	}
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headersSent {
		return ErrHeadersAlreadySent
	}
	s.headers.set(name, value)
	return nil
}

// AddHeader appends value to name's value list without removing
// existing values. Duplicate semantics for conventionally single-valued
// fields are left to the caller; this method does not second-guess it.
// It returns ErrInvalidHeader under the same conditions as SetHeader.
func (s *Session) AddHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return ErrInvalidHeader
	}
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headersSent {
		return ErrHeadersAlreadySent
	}
	s.headers.add(name, value)
	return nil
}

// SetBufferSize records n as the session's STDOUT buffer size. Callable
// only before the first write. The value is only stored: STDOUT is not
// buffered, and each Stdout write is sent as records straight away.
func (s *Session) SetBufferSize(n int) error {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headersSent {
		return ErrHeadersAlreadySent
	}
	s.bufferSize = n
	return nil
}

// Exit records the application's chosen exit code for a normal
// completion. The default, if never called, is 0.
func (s *Session) Exit(code int) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	s.result = AppExit{Kind: AppExitOK, Code: code}
}

// Overload signals that the application declined to serve this request
// due to its own resource limits, distinct from the engine's capacity
// rejection.
func (s *Session) Overload() {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	s.result = AppExit{Kind: AppExitOverloaded}
}

// Fail records an application failure. The engine attempts a best-effort
// 501 response if headers have not been sent yet.
func (s *Session) Fail(err error) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	s.result = AppExit{Kind: AppExitFailed, Err: err}
}

// Diagnostics returns identifying information for logs and admin
// surfaces. ExitCode and ProtocolStatus only become meaningful once the
// session has reached Done; OnSessionDone observes it at that point.
func (s *Session) Diagnostics() Diagnostics {
	s.resultMu.Lock()
	appStatus, protoStatus := s.result.wireOutcome()
	s.resultMu.Unlock()
	return Diagnostics{
		SessionID:      s.id.String(),
		RequestID:      s.requestID,
		Role:           s.role,
		Remote:         s.conn.remoteAddr,
		Started:        s.started,
		Duration:       time.Since(s.started),
		ExitCode:       int(appStatus),
		ProtocolStatus: protoStatusLabel(protoStatus),
	}
}
