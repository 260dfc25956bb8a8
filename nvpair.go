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
	"encoding/binary"
	"errors"
	"fmt"
)

// maxNameValueLen is the largest length a single name or value in a
// name/value pair may declare (2^31-1, the largest value the 4-byte
// length form with its high "long form" bit stripped can hold).
const maxNameValueLen = 1<<31 - 1

// ErrProtocolViolation reports a malformed name/value stream or
// out-of-contract PARAMS close.
var ErrProtocolViolation = errors.New("fastcgi: protocol violation")

// encodeSize appends the length-prefix encoding of size to buf and
// returns the extended slice: one byte if size <= 127, else four
// big-endian bytes with the high bit of the first byte set.
func encodeSize(buf []byte, size uint32) []byte {
	if size <= 127 {
		return append(buf, byte(size))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], size|(1<<31))
	return append(buf, b[:]...)
}

// decodeSize reads a length prefix from the head of b. ok is false if b
// does not yet contain enough bytes to determine (let alone decode) the
// length; this lets callers treat it as "need more data" rather than an
// error.
func decodeSize(b []byte) (size uint32, n int, ok bool) {
	if len(b) < 1 {
		return 0, 0, false
	}
	if b[0]>>7 == 0 {
		return uint32(b[0]), 1, true
	}
	if len(b) < 4 {
		return 0, 0, false
	}
	size = binary.BigEndian.Uint32(b[:4]) &^ (1 << 31)
	return size, 4, true
}

// EncodePair appends the wire encoding of one name/value pair to buf and
// returns the extended slice. Used to build PARAMS and GET_VALUES_RESULT
// records.
func EncodePair(buf []byte, name, value string) []byte {
	buf = encodeSize(buf, uint32(len(name)))
	buf = encodeSize(buf, uint32(len(value)))
	buf = append(buf, name...)
	buf = append(buf, value...)
	return buf
}

// paramBuffer is a growable byte queue used to accumulate a name/value
// pair stream across record boundaries. Bytes are appended at the tail;
// complete leading pairs are decoded and the residue is shifted to the
// front as bytes are consumed.
type paramBuffer struct {
	buf []byte
	len int
}

func (b *paramBuffer) reset() {
	b.len = 0
}

func (b *paramBuffer) append(p []byte) {
	if len(p) == 0 {
		return
	}
	need := b.len + len(p)
	if need > cap(b.buf) {
		newCap := (b.len + 128) * 2
		if newCap < need {
			newCap = need
		}
		nb := make([]byte, newCap)
		copy(nb, b.buf[:b.len])
		b.buf = nb
	} else if need > len(b.buf) {
		b.buf = b.buf[:cap(b.buf)]
	}
	copy(b.buf[b.len:need], p)
	b.len = need
}

// consume discards the first n bytes of the buffer, shifting the residue
// to the front.
func (b *paramBuffer) consume(n int) {
	copy(b.buf, b.buf[n:b.len])
	b.len -= n
}

// ParamReader accumulates a PARAMS (or GET_VALUES) name/value stream
// across successive record appends and exposes the decoded map once the
// stream closes.
type ParamReader struct {
	buf    paramBuffer
	values map[string]string
}

// NewParamReader returns a ready-to-use ParamReader.
func NewParamReader() *ParamReader {
	return &ParamReader{values: make(map[string]string)}
}

// Reset clears accumulated state so the ParamReader (and its backing
// buffer) can be reused for another stream.
func (p *ParamReader) Reset() {
	p.buf.reset()
	for k := range p.values {
		delete(p.values, k)
	}
}

// Append decodes as many complete (name, value) tuples as are available
// once chunk is appended to the pending stream. Partial tuples at the
// tail are preserved verbatim for the next call.
func (p *ParamReader) Append(chunk []byte) error {
	p.buf.append(chunk)
	for {
		head := p.buf.buf[:p.buf.len]
		nameLen, n1, ok := decodeSize(head)
		if !ok {
			return nil
		}
		if nameLen > maxNameValueLen {
			return fmt.Errorf("%w: name length %d exceeds limit", ErrProtocolViolation, nameLen)
		}
		valueLen, n2, ok := decodeSize(head[n1:])
		if !ok {
			return nil
		}
		if valueLen > maxNameValueLen {
			return fmt.Errorf("%w: value length %d exceeds limit", ErrProtocolViolation, valueLen)
		}
		headerLen := n1 + n2
		total := headerLen + int(nameLen) + int(valueLen)
		if total > len(head) {
			return nil // wait for more bytes
		}
		name := string(head[headerLen : headerLen+int(nameLen)])
		value := string(head[headerLen+int(nameLen) : total])
		p.values[name] = value
		p.buf.consume(total)
	}
}

// Close signals the end of the stream (the zero-length record). It
// returns the accumulated map, or an error if bytes remain undecoded
// (a truncated pair straddling the close).
func (p *ParamReader) Close() (map[string]string, error) {
	if p.buf.len != 0 {
		return nil, fmt.Errorf("%w: PARAMS stream closed with %d undecoded bytes pending", ErrProtocolViolation, p.buf.len)
	}
	return p.values, nil
}
