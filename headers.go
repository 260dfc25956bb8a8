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

import "strings"

// headerField is one name/value(s) entry in insertion order.
type headerField struct {
	name   string
	values []string
}

// orderedHeaders is a case-insensitive, multi-valued, insertion-order
// preserving header map of a session's response-header fields.
type orderedHeaders struct {
	fields []headerField
}

func (h *orderedHeaders) indexOf(name string) int {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, name) {
			return i
		}
	}
	return -1
}

// set replaces all values of name with a single value, preserving the
// field's original position if it already existed.
func (h *orderedHeaders) set(name, value string) {
	if i := h.indexOf(name); i >= 0 {
		h.fields[i].values = []string{value}
		return
	}
	h.fields = append(h.fields, headerField{name: name, values: []string{value}})
}

// add appends value to name's list, creating the field at the end of
// insertion order if it doesn't exist yet.
func (h *orderedHeaders) add(name, value string) {
	if i := h.indexOf(name); i >= 0 {
		h.fields[i].values = append(h.fields[i].values, value)
		return
	}
	h.fields = append(h.fields, headerField{name: name, values: []string{value}})
}

// writeTo appends one "Name: value\r\n" line per (field, value) pair in
// insertion order to buf.
func (h *orderedHeaders) writeTo(buf []byte) []byte {
	for _, f := range h.fields {
		for _, v := range f.values {
			buf = append(buf, f.name...)
			buf = append(buf, ':', ' ')
			buf = append(buf, v...)
			buf = append(buf, '\r', '\n')
		}
	}
	return buf
}
