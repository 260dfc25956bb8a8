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
	"fmt"
	"io"
	"sync"
)

// zeroPad supplies padding bytes for record writes. Its contents are
// never read meaningfully, so it's safe to share without synchronization.
var zeroPad [maxPadding]byte

// recordWriter serializes records onto a shared io.Writer. All sessions
// on a connection share one recordWriter; the mutex is the single point
// of truth for record atomicity on the wire: each individual record is
// emitted as one atomic write sequence.
type recordWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newRecordWriter(w io.Writer) *recordWriter {
	return &recordWriter{w: w}
}

// writeRecord emits one record: header, content, then alignment padding.
// content must be at most maxContentLength bytes; callers that need to
// send more use writeStream, which chunks on their behalf.
func (rw *recordWriter) writeRecord(recType RecordType, requestID uint16, content []byte) error {
	if len(content) > maxContentLength {
		return fmt.Errorf("fastcgi: record content length %d exceeds %d", len(content), maxContentLength)
	}
	var hdr [headerLen]byte
	writeHeaderBytes(hdr[:], recType, requestID, len(content))
	pad := padFor(len(content))

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if _, err := rw.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(content) > 0 {
		if _, err := rw.w.Write(content); err != nil {
			return err
		}
	}
	if pad > 0 {
		if _, err := rw.w.Write(zeroPad[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// writeStream splits p into optimumPayload-sized chunks and writes one
// record per chunk. It never emits a zero-length record on its own;
// callers close a stream explicitly via writeEndOfStream.
func (rw *recordWriter) writeStream(recType RecordType, requestID uint16, p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > optimumPayload {
			n = optimumPayload
		}
		if err := rw.writeRecord(recType, requestID, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// writeEndOfStream emits the zero-length record that closes a PARAMS,
// STDIN, STDOUT, STDERR, or DATA stream.
func (rw *recordWriter) writeEndOfStream(recType RecordType, requestID uint16) error {
	return rw.writeRecord(recType, requestID, nil)
}

func (rw *recordWriter) writeBeginRequest(requestID uint16, role Role, flags uint8) error {
	body := encodeBeginRequestBody(role, flags)
	return rw.writeRecord(TypeBeginRequest, requestID, body[:])
}

func (rw *recordWriter) writeEndRequest(requestID uint16, appStatus int32, protoStatus ProtocolStatus) error {
	body := encodeEndRequestBody(appStatus, protoStatus)
	return rw.writeRecord(TypeEndRequest, requestID, body[:])
}

func (rw *recordWriter) writeUnknownType(unknownType uint8) error {
	body := encodeUnknownTypeBody(unknownType)
	return rw.writeRecord(TypeUnknownType, 0, body[:])
}

// writeGetValuesResult answers a GET_VALUES with a single record. As
// resolved in DESIGN.md, overflow beyond one record's content capacity
// is truncated rather than split.
func (rw *recordWriter) writeGetValuesResult(pairs map[string]string) error {
	var buf []byte
	for k, v := range pairs {
		candidate := EncodePair(buf, k, v)
		if len(candidate) > maxContentLength {
			break
		}
		buf = candidate
	}
	return rw.writeRecord(TypeGetValuesResult, 0, buf)
}
