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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSizeBoundary(t *testing.T) {
	short := encodeSize(nil, 127)
	assert.Len(t, short, 1)

	long := encodeSize(nil, 128)
	assert.Len(t, long, 4)
	assert.True(t, long[0]&0x80 != 0)
}

func TestDecodeSizeRoundTrip(t *testing.T) {
	for _, size := range []uint32{0, 1, 127, 128, 300, 1 << 20} {
		buf := encodeSize(nil, size)
		got, n, ok := decodeSize(buf)
		require.True(t, ok)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, size, got)
	}
}

func TestDecodeSizeNeedsMoreData(t *testing.T) {
	_, _, ok := decodeSize(nil)
	assert.False(t, ok)

	longPrefix := []byte{0x80}
	_, _, ok = decodeSize(longPrefix)
	assert.False(t, ok)
}

func TestParamReaderSingleChunk(t *testing.T) {
	var buf []byte
	buf = EncodePair(buf, "SCRIPT_NAME", "/")
	buf = EncodePair(buf, "QUERY_STRING", "")

	pr := NewParamReader()
	require.NoError(t, pr.Append(buf))
	values, err := pr.Close()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"SCRIPT_NAME": "/", "QUERY_STRING": ""}, values)
}

// TestParamReaderArbitrarySplits checks that decoding a name/value stream
// yields the same map regardless of how the byte stream is chopped into
// append() calls.
func TestParamReaderArbitrarySplits(t *testing.T) {
	var full []byte
	full = EncodePair(full, "REQUEST_METHOD", "GET")
	full = EncodePair(full, "HTTP_X_LONG", strings.Repeat("a", 200))
	full = EncodePair(full, "EMPTY", "")

	for chunkSize := 1; chunkSize <= len(full); chunkSize++ {
		pr := NewParamReader()
		for i := 0; i < len(full); i += chunkSize {
			end := i + chunkSize
			if end > len(full) {
				end = len(full)
			}
			require.NoError(t, pr.Append(full[i:end]))
		}
		values, err := pr.Close()
		require.NoError(t, err)
		assert.Equal(t, "GET", values["REQUEST_METHOD"])
		assert.Equal(t, strings.Repeat("a", 200), values["HTTP_X_LONG"])
		assert.Equal(t, "", values["EMPTY"])
	}
}

func TestParamReaderCloseWithPendingBytesErrors(t *testing.T) {
	pr := NewParamReader()
	require.NoError(t, pr.Append([]byte{4})) // a lone length byte, no name/value yet
	_, err := pr.Close()
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

// TestParamReaderAcceptsMaximumLength checks that the largest length the
// 4-byte form can declare (the long-form bit is stripped, leaving
// 2^31-1 == maxNameValueLen) is not rejected: the reader waits for more
// bytes instead.
func TestParamReaderAcceptsMaximumLength(t *testing.T) {
	pr := NewParamReader()
	maxLen := []byte{0xFF, 0xFF, 0xFF, 0xFF} // high bit set, value == maxNameValueLen
	err := pr.Append(maxLen)
	assert.NoError(t, err)
}

func TestParamReaderReset(t *testing.T) {
	pr := NewParamReader()
	buf := EncodePair(nil, "A", "B")
	require.NoError(t, pr.Append(buf))
	_, err := pr.Close()
	require.NoError(t, err)

	pr.Reset()
	buf2 := EncodePair(nil, "C", "D")
	require.NoError(t, pr.Append(buf2))
	values, err := pr.Close()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"C": "D"}, values)
}
