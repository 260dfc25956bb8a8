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
	"io"
)

// RecordType identifies the kind of a FastCGI record, per section 3.3 of
// the FastCGI protocol.
type RecordType uint8

// Record type tags. Values are fixed by the wire protocol.
const (
	TypeBeginRequest    RecordType = 1
	TypeAbortRequest    RecordType = 2
	TypeEndRequest      RecordType = 3
	TypeParams          RecordType = 4
	TypeStdin           RecordType = 5
	TypeStdout          RecordType = 6
	TypeStderr          RecordType = 7
	TypeData            RecordType = 8
	TypeGetValues       RecordType = 9
	TypeGetValuesResult RecordType = 10
	TypeUnknownType     RecordType = 11
)

func (t RecordType) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	case TypeUnknownType:
		return "UNKNOWN_TYPE"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Role identifies the functional contract a session was opened for.
type Role uint16

const (
	RoleResponder  Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "RESPONDER"
	case RoleAuthorizer:
		return "AUTHORIZER"
	case RoleFilter:
		return "FILTER"
	default:
		return fmt.Sprintf("Role(%d)", uint16(r))
	}
}

// ProtocolStatus is the outcome reported in an END_REQUEST record.
type ProtocolStatus uint8

const (
	StatusRequestComplete  ProtocolStatus = 0
	StatusCantMultiplex    ProtocolStatus = 1
	StatusOverloaded       ProtocolStatus = 2
	StatusUnknownRole      ProtocolStatus = 3
)

// KeepConn is bit 0 of the BEGIN_REQUEST flags byte.
const KeepConn uint8 = 1

// protocolVersion is the only version this codec speaks.
const protocolVersion uint8 = 1

const (
	headerLen = 8

	// maxContentLength is the largest contentLength a single record's
	// header can express.
	maxContentLength = 65535

	// optimumPayload is the largest chunk a writer should hand to a
	// single record so that no padding is wasted: 8+65528 = 65536,
	// a multiple of 8. Computed as alignDown(8+65535)-8.
	optimumPayload = 65528

	maxPadding = 255
)

// BadRecordFlag enumerates the ways a decoded header can violate the
// protocol. Multiple flags may apply to the same record.
type BadRecordFlag uint8

const (
	BadUnknownType BadRecordFlag = 1 << iota
	BadVersion
	BadLength
	BadRequestID
)

// Header is the fixed 8-byte prefix of every FastCGI record.
type Header struct {
	Version       uint8
	Type          RecordType
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
}

// PaddedLen returns the total on-wire length of a record with this header:
// 8 (header) + content + padding.
func (h Header) PaddedLen() int {
	return headerLen + int(h.ContentLength) + int(h.PaddingLength)
}

// padFor returns the padding length that aligns a record of the given
// content length to an 8-byte boundary.
func padFor(contentLength int) uint8 {
	return uint8((8 - (contentLength % 8)) % 8)
}

// ErrCleanEOF is returned by readHeader when the peer closed the
// connection between records (not mid-header), a normal shutdown.
var ErrCleanEOF = errors.New("fastcgi: clean end of stream")

// readHeader reads and decodes the next 8-byte record header from r.
// A zero-byte read (EOF right at the start) is reported as ErrCleanEOF;
// any other short read or I/O error is returned unwrapped.
func readHeader(r io.Reader) (Header, error) {
	var buf [headerLen]byte
	n, err := io.ReadFull(r, buf[:])
	if n == 0 && errors.Is(err, io.EOF) {
		return Header{}, ErrCleanEOF
	}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("fastcgi: truncated record header: %w", err)
		}
		return Header{}, err
	}
	h := Header{
		Version:       buf[0],
		Type:          RecordType(buf[1]),
		RequestID:     binary.BigEndian.Uint16(buf[2:4]),
		ContentLength: binary.BigEndian.Uint16(buf[4:6]),
		PaddingLength: buf[6],
		// buf[7] is reserved.
	}
	return h, nil
}

// validate reports the BadRecordFlag bits that apply to h, per spec
// section 4.1. A zero return means the header is acceptable.
func (h Header) validate() BadRecordFlag {
	var bad BadRecordFlag
	if h.Version != protocolVersion {
		bad |= BadVersion
	}
	switch h.Type {
	case TypeBeginRequest, TypeAbortRequest, TypeEndRequest, TypeParams,
		TypeStdin, TypeStdout, TypeStderr, TypeData, TypeGetValues,
		TypeGetValuesResult, TypeUnknownType:
		// known type
	default:
		bad |= BadUnknownType
	}
	isManagement := h.Type == TypeGetValues || h.Type == TypeGetValuesResult || h.Type == TypeUnknownType
	if isManagement && h.RequestID != 0 {
		bad |= BadRequestID
	}
	if h.Type == TypeBeginRequest && h.ContentLength != 8 {
		bad |= BadLength
	}
	if h.Type == TypeAbortRequest && h.ContentLength != 0 {
		bad |= BadLength
	}
	return bad
}

// discard reads and throws away n bytes from r, used to skip the
// unread remainder of a record's content plus its padding.
func discard(r io.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

// writeHeaderBytes encodes the header of a record with the given type,
// request id and content length, plus its alignment padding length, into
// buf[:8]. buf must have length >= 8.
func writeHeaderBytes(buf []byte, recType RecordType, requestID uint16, contentLength int) {
	buf[0] = protocolVersion
	buf[1] = byte(recType)
	binary.BigEndian.PutUint16(buf[2:4], requestID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(contentLength))
	buf[6] = padFor(contentLength)
	buf[7] = 0
}

// encodeBeginRequestBody returns the 8-byte BEGIN_REQUEST content for
// the given role and flags.
func encodeBeginRequestBody(role Role, flags uint8) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(role))
	b[2] = flags
	return b
}

// decodeBeginRequestBody parses an 8-byte BEGIN_REQUEST content.
func decodeBeginRequestBody(content []byte) (role Role, flags uint8, err error) {
	if len(content) != 8 {
		return 0, 0, fmt.Errorf("fastcgi: BEGIN_REQUEST content must be 8 bytes, got %d", len(content))
	}
	role = Role(binary.BigEndian.Uint16(content[0:2]))
	flags = content[2]
	return role, flags, nil
}

// encodeEndRequestBody returns the 8-byte END_REQUEST content.
func encodeEndRequestBody(appStatus int32, protoStatus ProtocolStatus) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(appStatus))
	b[4] = byte(protoStatus)
	return b
}

// encodeUnknownTypeBody returns the 8-byte UNKNOWN_TYPE content.
func encodeUnknownTypeBody(unknownType uint8) [8]byte {
	var b [8]byte
	b[0] = unknownType
	return b
}
