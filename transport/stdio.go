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

package transport

import (
	"fmt"
	"net"
	"os"
)

// Inherited wraps the classic FastCGI deployment model: the web server
// has already bound FCGI_LISTENSOCK_FILENO (file descriptor 0) and
// exec'd this process. It works for both TCP and Unix-domain inherited
// sockets; whichever the parent bound is what net.FileListener hands
// back.
func Inherited() (Transport, error) {
	f := os.NewFile(0, "fcgi-listen-sock")
	if f == nil {
		return nil, fmt.Errorf("transport: fd 0 is not a valid listen socket")
	}
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("transport: fd 0 is not a listening socket: %w", err)
	}
	return &netListenerTransport{ln: ln}, nil
}
