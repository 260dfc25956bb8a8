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

import "strconv"

// Management variable names recognized in GET_VALUES / GET_VALUES_RESULT.
const (
	VarMaxConns    = "FCGI_MAX_CONNS"
	VarMaxRequests = "FCGI_MAX_REQS"
	VarMpxsConns   = "FCGI_MPXS_CONNS"
)

// managementValues builds the GET_VALUES_RESULT payload for the
// requested names, limited to the ones this engine supports. Names not
// recognized or not applicable (e.g. an unset, unlimited cap) are
// omitted rather than answered with an empty value.
func managementValues(requested []string, maxConns, maxSess *int, maxSessPerConn *int) map[string]string {
	out := make(map[string]string, len(requested))
	want := make(map[string]bool, len(requested))
	for _, n := range requested {
		want[n] = true
	}
	if want[VarMaxConns] && maxConns != nil {
		out[VarMaxConns] = strconv.Itoa(*maxConns)
	}
	if want[VarMaxRequests] && maxSess != nil {
		out[VarMaxRequests] = strconv.Itoa(*maxSess)
	}
	if want[VarMpxsConns] {
		if maxSessPerConn != nil && *maxSessPerConn == 1 {
			out[VarMpxsConns] = "0"
		} else {
			out[VarMpxsConns] = "1"
		}
	}
	return out
}
