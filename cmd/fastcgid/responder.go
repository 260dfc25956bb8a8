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

package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fastcgirun/fastcgi"
)

// echoResponder answers every request with its parameters and request
// body, sorted by name for deterministic output. It exists to give the
// daemon something to serve out of the box; real deployments supply
// their own fastcgi.Responder.
type echoResponder struct{}

func (echoResponder) ServeResponder(ctx context.Context, s *fastcgi.Session) {
	s.SetHeader("Content-Type", "text/plain; charset=utf-8")

	params := s.Parameters()
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)

	out := s.Stdout()
	for _, n := range names {
		fmt.Fprintf(out, "%s=%s\n", n, params[n])
	}

	fmt.Fprintln(out, "--")
	if _, err := io.Copy(out, s.Stdin()); err != nil {
		s.Fail(err)
		return
	}

	s.Exit(0)
}
