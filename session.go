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
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sessionState is the Session lifecycle position.
type sessionState int

const (
	stateOpening sessionState = iota
	stateReceivingParams
	stateRunning
	stateFinalizing
	stateDone
)

func (s sessionState) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateReceivingParams:
		return "receiving_params"
	case stateRunning:
		return "running"
	case stateFinalizing:
		return "finalizing"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Session is a single FastCGI request on a connection: the parameters,
// input streams, output streams, and response-header state an
// application role operates on.
type Session struct {
	id        uuid.UUID
	conn      *serverConn
	requestID uint16
	role      Role
	keepConn  bool

	mu    sync.Mutex
	state sessionState

	paramReader *ParamReader
	params      map[string]string

	stdin *inboundQueue
	data  *inboundQueue

	stdout *outboundStream
	stderr *outboundStream

	headerMu    sync.Mutex
	status      int
	headers     orderedHeaders
	bufferSize  int
	headersSent bool

	resultMu sync.Mutex
	result   AppExit

	cancel     context.CancelFunc
	done       chan struct{}
	dispatchCh chan struct{}

	started time.Time
}

func newSession(c *serverConn, requestID uint16, role Role, flags uint8) *Session {
	ctx, cancel := context.WithCancel(c.ctx)
	s := &Session{
		id:          uuid.New(),
		conn:        c,
		requestID:   requestID,
		role:        role,
		keepConn:    flags&KeepConn != 0,
		state:       stateOpening,
		paramReader: c.paramPool.acquire(),
		status:      http.StatusOK,
		cancel:      cancel,
		done:        make(chan struct{}),
		started:     time.Now(),
	}
	s.stdin = newInboundQueue()
	if role == RoleAuthorizer {
		s.stdin.closeStream()
	}
	if role == RoleFilter {
		s.data = newInboundQueue()
	} else {
		s.data = newInboundQueue()
		s.data.closeStream()
	}
	s.stdout = newOutboundStream(c.writer, TypeStdout, requestID)
	s.stderr = newOutboundStream(c.writer, TypeStderr, requestID)
	s.setState(stateReceivingParams)
	c.engine.trackSession(s)
	go s.runWithContext(ctx)
	return s
}

func (s *Session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// appendParams forwards a PARAMS record's content; a zero-length chunk
// closes the stream and freezes the parameter map. A PARAMS record
// arriving after the stream has already closed is a protocol violation,
// not a crash: it returns an error instead of dereferencing the
// already-released paramReader.
func (s *Session) appendParams(chunk []byte) error {
	if s.paramReader == nil {
		return fmt.Errorf("fastcgi: PARAMS record after stream close for request %d", s.requestID)
	}
	if len(chunk) == 0 {
		values, err := s.paramReader.Close()
		if err != nil {
			return err
		}
		s.params = values
		s.conn.paramPool.release(s.paramReader)
		s.paramReader = nil
		s.setState(stateRunning)
		close(s.readyForDispatch())
		return nil
	}
	return s.paramReader.Append(chunk)
}

// readyForDispatch lazily creates (once) the channel the application
// goroutine blocks on until PARAMS has closed.
func (s *Session) readyForDispatch() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchCh == nil {
		s.dispatchCh = make(chan struct{})
	}
	return s.dispatchCh
}

func (s *Session) abort() {
	s.cancel()
	s.stdin.cancel()
	s.data.cancel()
}

// runWithContext waits for parameters to close, then dispatches the
// application's role method on its own task, recovering panics into
// a failed-application result.
func (s *Session) runWithContext(ctx context.Context) {
	select {
	case <-s.readyForDispatch():
	case <-ctx.Done():
		s.resultMu.Lock()
		s.result = AppExit{Kind: AppExitAborted}
		s.resultMu.Unlock()
		s.finish(ctx)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic: %v", r)
				Log().Error("recovered panic in application role",
					zap.String("session", s.id.String()),
					zap.Uint16("request_id", s.requestID),
					zap.Error(err))
				s.resultMu.Lock()
				s.result = AppExit{
					Kind:   AppExitFailed,
					Err:    err,
					Detail: fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
				}
				s.resultMu.Unlock()
			}
		}()
		s.conn.dispatch(ctx, s)
	}()

	if ctx.Err() != nil {
		s.resultMu.Lock()
		s.result = AppExit{Kind: AppExitAborted}
		s.resultMu.Unlock()
	}
	s.finish(ctx)
}

// writeBestEffortFailure emits a diagnostic 501 response if headers have
// not already been sent, and detail to STDERR. Shared by a recovered
// panic in runWithContext and an explicit Session.Fail observed in
// finish, so both paths produce the same wire-visible diagnostic.
func (s *Session) writeBestEffortFailure(detail string) {
	s.headerMu.Lock()
	sentAlready := s.headersSent
	s.headerMu.Unlock()
	if !sentAlready {
		s.SetStatus(http.StatusNotImplemented)
		fmt.Fprintf(s.Stdout(), "Not Implemented\n")
	}
	fmt.Fprintf(s.Stderr(), "%s", detail)
}

// finish moves the session through Finalizing: closes any still-open
// outbound streams, emits END_REQUEST, then Done.
func (s *Session) finish(ctx context.Context) {
	s.setState(stateFinalizing)

	s.resultMu.Lock()
	result := s.result
	s.resultMu.Unlock()

	if result.Kind == AppExitFailed {
		detail := result.Detail
		if detail == "" {
			detail = fmt.Sprintf("fail: %v\n", result.Err)
		}
		s.writeBestEffortFailure(detail)
	}

	appStatus, protoStatus := result.wireOutcome()

	if err := s.stdout.close(); err != nil {
		s.conn.abortConnection(err)
		return
	}
	if err := s.stderr.close(); err != nil {
		s.conn.abortConnection(err)
		return
	}
	if err := s.conn.writer.writeEndRequest(s.requestID, appStatus, protoStatus); err != nil {
		s.conn.abortConnection(err)
		return
	}

	metrics.sessionsTotal.WithLabelValues(s.role.String(), protoStatusLabel(protoStatus)).Inc()
	metrics.sessionDuration.Observe(time.Since(s.started).Seconds())

	diag := s.Diagnostics()
	s.setState(stateDone)
	close(s.done)
	s.conn.removeSession(s.requestID)
	s.conn.engine.untrackSession(s)

	if onDone := s.conn.engine.config.OnSessionDone; onDone != nil {
		onDone(diag)
	}
}

func protoStatusLabel(p ProtocolStatus) string {
	switch p {
	case StatusRequestComplete:
		return "request_complete"
	case StatusCantMultiplex:
		return "cant_multiplex"
	case StatusOverloaded:
		return "overloaded"
	case StatusUnknownRole:
		return "unknown_role"
	default:
		return "unknown"
	}
}

// ensureHeadersSent materializes the CGI response prefix exactly once,
// on the first Stdout write.
func (s *Session) ensureHeadersSent() error {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headersSent {
		return nil
	}
	s.headersSent = true

	var buf []byte
	buf = append(buf, "Status: "...)
	buf = append(buf, strconv.Itoa(s.status)...)
	buf = append(buf, ' ')
	buf = append(buf, http.StatusText(s.status)...)
	buf = append(buf, '\r', '\n')
	buf = s.headers.writeTo(buf)
	buf = append(buf, '\r', '\n')

	if _, err := s.stdout.write(buf); err != nil {
		return err
	}
	return nil
}
