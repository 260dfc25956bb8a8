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

import "sync"

// paramReaderPool is a per-connection free list of ParamReader values,
// reused across sessions so a busy connection doesn't churn one growable
// buffer per request. Lent to exactly one session's parameter reader at a
// time and returned when that session's PARAMS stream closes.
type paramReaderPool struct {
	mu   sync.Mutex
	free []*ParamReader
}

func (p *paramReaderPool) acquire() *ParamReader {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		pr := p.free[n-1]
		p.free = p.free[:n-1]
		return pr
	}
	return NewParamReader()
}

func (p *paramReaderPool) release(pr *ParamReader) {
	pr.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, pr)
}
