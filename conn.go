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
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Conn is the byte-duplex a transport hands the engine for one accepted
// peer connection. It matches the shape of net.Conn so a transport can
// hand over a raw socket directly.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteAddr() net.Addr
}

// serverConn owns everything scoped to one accepted connection: the
// shared outbound writer, the live session table, and the connection's
// own capacity semaphore.
type serverConn struct {
	raw        Conn
	remoteAddr string
	writer     *recordWriter
	engine     *Engine

	ctx       context.Context
	cancelCtx context.CancelFunc

	paramPool paramReaderPool

	mu       sync.Mutex
	sessions map[uint16]*Session
	aborted  bool

	perConnSem *semaphore.Weighted
}

func newServerConn(e *Engine, raw Conn) *serverConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{
		raw:        raw,
		remoteAddr: raw.RemoteAddr().String(),
		writer:     newRecordWriter(raw),
		engine:     e,
		ctx:        ctx,
		cancelCtx:  cancel,
		sessions:   make(map[uint16]*Session),
	}
	if e.config.MaxSessPerConn != nil {
		c.perConnSem = semaphore.NewWeighted(int64(*e.config.MaxSessPerConn))
	}
	return c
}

// serve drives the decode loop until the peer disconnects, a fatal I/O
// error occurs, or the engine shuts down.
func (c *serverConn) serve() {
	defer c.raw.Close()
	metrics.connectionsOpen.Inc()
	defer metrics.connectionsOpen.Dec()

	for {
		hdr, err := readHeader(c.raw)
		if err != nil {
			if errors.Is(err, ErrCleanEOF) {
				break
			}
			c.abortConnection(err)
			return
		}

		if bad := hdr.validate(); bad != 0 {
			Log().Warn("bad record header",
				zap.String("remote", c.remoteAddr),
				zap.Uint8("type", uint8(hdr.Type)),
				zap.Uint8("flags", uint8(bad)))
			if err := discard(c.raw, hdr.PaddedLen()-headerLen); err != nil {
				c.abortConnection(err)
				return
			}
			if bad&BadUnknownType != 0 {
				if err := c.writer.writeUnknownType(uint8(hdr.Type)); err != nil {
					c.abortConnection(err)
					return
				}
			}
			continue
		}

		metrics.recordsRead.WithLabelValues(hdr.Type.String()).Inc()

		if err := c.handleRecord(hdr); err != nil {
			c.abortConnection(err)
			return
		}
	}

	c.waitForSessions()
}

func (c *serverConn) handleRecord(hdr Header) error {
	switch hdr.Type {
	case TypeBeginRequest:
		return c.handleBeginRequest(hdr)
	case TypeAbortRequest:
		if err := discard(c.raw, hdr.PaddedLen()-headerLen); err != nil {
			return err
		}
		if s := c.lookupSession(hdr.RequestID); s != nil {
			s.abort()
		}
		return nil
	case TypeParams:
		return c.handleStreamRecord(hdr, func(s *Session) error { return s.appendParams(nil) }, func(s *Session, b []byte) error { return s.appendParams(b) })
	case TypeStdin:
		return c.handleStreamRecord(hdr, func(s *Session) error { s.stdin.closeStream(); return nil }, func(s *Session, b []byte) error { s.stdin.push(b); return nil })
	case TypeData:
		return c.handleStreamRecord(hdr, func(s *Session) error { s.data.closeStream(); return nil }, func(s *Session, b []byte) error { s.data.push(b); return nil })
	case TypeGetValues:
		return c.handleGetValues(hdr)
	default:
		return discard(c.raw, hdr.PaddedLen()-headerLen)
	}
}

// handleStreamRecord reads hdr's content, routes it to the named
// session's stream via push or onClose, then discards padding. Records
// naming an unknown session id are read and silently dropped.
func (c *serverConn) handleStreamRecord(hdr Header, onClose func(*Session) error, push func(*Session, []byte) error) error {
	content := make([]byte, hdr.ContentLength)
	if hdr.ContentLength > 0 {
		if _, err := io.ReadFull(c.raw, content); err != nil {
			return err
		}
	}
	if err := discard(c.raw, int(hdr.PaddingLength)); err != nil {
		return err
	}

	s := c.lookupSession(hdr.RequestID)
	if s == nil {
		return nil
	}
	if len(content) == 0 {
		return onClose(s)
	}
	return push(s, content)
}

func (c *serverConn) handleBeginRequest(hdr Header) error {
	content := make([]byte, hdr.ContentLength)
	if _, err := io.ReadFull(c.raw, content); err != nil {
		return err
	}
	if err := discard(c.raw, int(hdr.PaddingLength)); err != nil {
		return err
	}
	role, flags, err := decodeBeginRequestBody(content)
	if err != nil {
		return err
	}

	if c.lookupSession(hdr.RequestID) != nil {
		return c.writer.writeEndRequest(hdr.RequestID, 0, StatusCantMultiplex)
	}

	if !c.engine.supportsRole(role) {
		return c.writer.writeEndRequest(hdr.RequestID, 0, StatusUnknownRole)
	}

	if c.perConnSem != nil && !c.perConnSem.TryAcquire(1) {
		return c.writer.writeEndRequest(hdr.RequestID, -1, StatusOverloaded)
	}
	if c.engine.globalSem != nil && !c.engine.globalSem.TryAcquire(1) {
		if c.perConnSem != nil {
			c.perConnSem.Release(1)
		}
		return c.writer.writeEndRequest(hdr.RequestID, -1, StatusOverloaded)
	}

	s := newSession(c, hdr.RequestID, role, flags)
	c.mu.Lock()
	c.sessions[hdr.RequestID] = s
	c.mu.Unlock()
	metrics.sessionsOpen.Inc()
	return nil
}

func (c *serverConn) handleGetValues(hdr Header) error {
	content := make([]byte, hdr.ContentLength)
	if hdr.ContentLength > 0 {
		if _, err := io.ReadFull(c.raw, content); err != nil {
			return err
		}
	}
	if err := discard(c.raw, int(hdr.PaddingLength)); err != nil {
		return err
	}
	reader := NewParamReader()
	if err := reader.Append(content); err != nil {
		return nil // malformed GET_VALUES: ignore per spec's "silently ignore" policy
	}
	values, err := reader.Close()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	pairs := managementValues(names, c.engine.config.MaxConn, c.engine.config.MaxSess, c.engine.config.MaxSessPerConn)
	return c.writer.writeGetValuesResult(pairs)
}

func (c *serverConn) lookupSession(id uint16) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *serverConn) removeSession(id uint16) {
	c.mu.Lock()
	s := c.sessions[id]
	delete(c.sessions, id)
	remaining := len(c.sessions)
	c.mu.Unlock()
	if c.perConnSem != nil {
		c.perConnSem.Release(1)
	}
	if c.engine.globalSem != nil {
		c.engine.globalSem.Release(1)
	}
	metrics.sessionsOpen.Dec()
	if s != nil && !s.keepConn && remaining == 0 {
		c.raw.Close()
	}
}

// abortConnection tears down every live session on an I/O or decode
// fatal error.
func (c *serverConn) abortConnection(err error) {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	Log().Error("connection aborted", zap.String("remote", c.remoteAddr), zap.Error(err))
	for _, s := range sessions {
		s.abort()
	}
	c.cancelCtx()
	c.raw.Close()
}

// waitForSessions blocks until every still-live session has reached
// Done, then the caller may close the connection.
func (c *serverConn) waitForSessions() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		<-s.done
	}
}

// dispatch invokes the role-specific Serve method configured on the
// engine. Unimplemented roles never reach here: handleBeginRequest
// rejects them with UNKNOWN_ROLE before a session is created.
func (c *serverConn) dispatch(ctx context.Context, s *Session) {
	switch s.role {
	case RoleResponder:
		c.engine.config.Responder.ServeResponder(ctx, s)
	case RoleAuthorizer:
		c.engine.config.Authorizer.ServeAuthorizer(ctx, s)
	case RoleFilter:
		c.engine.config.Filter.ServeFilter(ctx, s)
	}
}
