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

// Package transport supplies connection acquisition for the fastcgi
// engine: TCP and Unix-domain listeners, the classic FastCGI
// inherited-socket deployment, and permitted-peer filtering. None of
// this is opened or chosen by the core engine itself.
package transport

import (
	"context"
	"io"
	"net"
)

// Conn is the byte-duplex handed to the engine for one accepted peer
// connection. Any net.Conn satisfies it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteAddr() net.Addr
}

// Transport yields a stream of accepted connections.
type Transport interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// netListenerTransport adapts a net.Listener to Transport.
type netListenerTransport struct {
	ln net.Listener
}

func (t *netListenerTransport) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := t.ln.Accept()
		done <- result{c, err}
	}()
	select {
	case r := <-done:
		return r.c, r.err
	case <-ctx.Done():
		t.ln.Close()
		// Accept may have already succeeded in the race against
		// ctx.Done(); drain the buffered result so a connection
		// accepted right as the context was canceled gets closed
		// instead of leaking its fd.
		go func() {
			if r := <-done; r.c != nil {
				r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *netListenerTransport) Close() error   { return t.ln.Close() }
func (t *netListenerTransport) Addr() net.Addr { return t.ln.Addr() }
