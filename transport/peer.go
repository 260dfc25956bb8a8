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
	"context"
	"fmt"
	"net"
)

// permittedPeers wraps a Transport and rejects connections whose remote
// address isn't covered by any of a set of allowed CIDR blocks, the
// Go-native equivalent of FCGI_WEB_SERVER_ADDRS.
type permittedPeers struct {
	Transport
	nets []*net.IPNet
}

// WithPermittedPeers wraps t so that Accept only returns connections
// from a remote IP within one of cidrs.
func WithPermittedPeers(t Transport, cidrs []string) (Transport, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("transport: invalid permitted peer CIDR %q: %w", c, err)
		}
		nets = append(nets, ipnet)
	}
	return &permittedPeers{Transport: t, nets: nets}, nil
}

func (p *permittedPeers) Accept(ctx context.Context) (Conn, error) {
	for {
		c, err := p.Transport.Accept(ctx)
		if err != nil {
			return nil, err
		}
		if p.allowed(c.RemoteAddr()) {
			return c, nil
		}
		c.Close()
	}
}

// allowed reports whether addr passes the CIDR allowlist. FCGI_WEB_SERVER_ADDRS
// is an IP-address concept; a Unix-domain peer has no IP to check against a
// CIDR block, so it is always allowed — the permitted-peers filter only
// applies to a TCP listener.
func (p *permittedPeers) allowed(addr net.Addr) bool {
	if addr.Network() != "tcp" {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
