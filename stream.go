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
	"io"
	"sync"
)

// inboundQueue is a FIFO of byte slices fed by the connection's reader
// and drained by application code, one STDIN or DATA stream per queue.
// It has no size limit: push never blocks, so the queue holds whatever
// the peer has sent until the application reads it. Order is preserved
// exactly as bytes arrived on the wire.
type inboundQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	closed   bool
	canceled bool
}

func newInboundQueue() *inboundQueue {
	q := &inboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a copy of b to the queue. Called from the connection's
// single reader goroutine; never blocks.
func (q *inboundQueue) push(b []byte) {
	if len(b) == 0 {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	q.mu.Lock()
	q.chunks = append(q.chunks, cp)
	q.cond.Signal()
	q.mu.Unlock()
}

// closeStream marks end-of-stream; pending chunks are still readable, but
// a subsequent empty Read observes io.EOF.
func (q *inboundQueue) closeStream() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// cancel wakes any blocked reader with ErrSessionAborted once the queue
// has been drained.
func (q *inboundQueue) cancel() {
	q.mu.Lock()
	q.canceled = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Read implements io.Reader. It blocks until at least one byte is
// available, the stream closes, or the session is canceled.
func (q *inboundQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	for len(q.chunks) == 0 && !q.closed && !q.canceled {
		q.cond.Wait()
	}
	if len(q.chunks) == 0 {
		if q.canceled {
			q.mu.Unlock()
			return 0, ErrSessionAborted
		}
		q.mu.Unlock()
		return 0, io.EOF
	}
	chunk := q.chunks[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		q.chunks[0] = chunk[n:]
	} else {
		q.chunks = q.chunks[1:]
	}
	q.mu.Unlock()
	return n, nil
}

// outboundStream is one half (STDOUT or STDERR) of a session's output
// path: an unbuffered front to the record writer, with closed/open
// discipline. It holds no inheritance chain, just a reference to
// the shared connection writer and its flags; each write is sent as
// records at once.
type outboundStream struct {
	mu        sync.Mutex
	w         *recordWriter
	recType   RecordType
	requestID uint16
	closed    bool
	wroteAny  bool
}

func newOutboundStream(w *recordWriter, recType RecordType, requestID uint16) *outboundStream {
	return &outboundStream{w: w, recType: recType, requestID: requestID}
}

func (s *outboundStream) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.w.writeStream(s.recType, s.requestID, p); err != nil {
		return 0, err
	}
	s.wroteAny = true
	return len(p), nil
}

// close emits the end-of-stream record exactly once. For STDERR, the
// end record is only emitted if at least one byte was written.
func (s *outboundStream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.recType == TypeStderr && !s.wroteAny {
		return nil
	}
	return s.w.writeEndOfStream(s.recType, s.requestID)
}

// stdoutWriter is the application-facing STDOUT handle. It defers to the
// owning Session to materialize the CGI response prefix on first write,
// then behaves like outboundStream thereafter.
type stdoutWriter struct {
	sess *Session
}

func (w *stdoutWriter) Write(p []byte) (int, error) {
	if err := w.sess.ensureHeadersSent(); err != nil {
		return 0, err
	}
	return w.sess.stdout.write(p)
}

// stderrWriter is the application-facing STDERR handle.
type stderrWriter struct {
	sess *Session
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	return w.sess.stderr.write(p)
}
