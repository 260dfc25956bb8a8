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
	"context"
	"fmt"
	"sync"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

func init() {
	// Sizes GOMAXPROCS to the container's real CPU quota rather than the
	// host's, so the fixed-worker-pool deployment mode doesn't
	// oversubscribe under cgroup limits. Errors are non-fatal: the
	// default GOMAXPROCS is still a valid, if suboptimal, choice.
	if _, err := maxprocs.Set(); err != nil {
		Log().Warn("automaxprocs: could not adjust GOMAXPROCS")
	}
}

// WorkerModel selects one of the two connection-handling deployment
// modes.
type WorkerModel int

const (
	// WorkerModelPerSession spawns one goroutine per session; this is
	// the default and is what Session.runWithContext already does, so
	// the engine has no extra plumbing in this mode.
	WorkerModelPerSession WorkerModel = iota
	// WorkerModelFixedPool bounds the number of connections served
	// concurrently to Config.PoolSize via an errgroup of workers that
	// drain accepted connections. The sessions on each connection still
	// run on one goroutine each, as in WorkerModelPerSession.
	WorkerModelFixedPool
)

// Config is the engine's configuration surface.
type Config struct {
	// MaxConn is advertised as FCGI_MAX_CONNS; nil means unlimited.
	MaxConn *int
	// MaxSess caps concurrent sessions globally; nil means unlimited.
	MaxSess *int
	// MaxSessPerConn caps concurrent sessions per connection; nil means
	// unlimited. A value of 1 advertises FCGI_MPXS_CONNS=0.
	MaxSessPerConn *int

	// WorkerModel selects the deployment mode.
	WorkerModel WorkerModel
	// PoolSize is the worker count for WorkerModelFixedPool.
	PoolSize int

	Responder  Responder
	Authorizer Authorizer
	Filter     Filter

	// OnSessionDone, if set, is invoked after every session reaches
	// Done; a caller may wire it to an audit sink.
	OnSessionDone func(Diagnostics)
}

func (c *Config) supportsRole(r Role) bool {
	switch r {
	case RoleResponder:
		return c.Responder != nil
	case RoleAuthorizer:
		return c.Authorizer != nil
	case RoleFilter:
		return c.Filter != nil
	default:
		return false
	}
}

// Engine accepts connections from a transport, spawns connection
// workers, and exposes process-level Serve/Stop.
type Engine struct {
	config    Config
	globalSem *semaphore.Weighted

	mu       sync.Mutex
	stopped  bool
	cancel   context.CancelFunc
	sessions map[*Session]struct{}
}

// NewEngine validates cfg and returns a ready-to-serve Engine. A fatal
// engine configuration failure is returned here rather than discovered
// mid-run.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Responder == nil && cfg.Authorizer == nil && cfg.Filter == nil {
		return nil, fmt.Errorf("fastcgi: engine configured with no role implementations")
	}
	if cfg.WorkerModel == WorkerModelFixedPool && cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("fastcgi: fixed worker pool requires PoolSize > 0")
	}
	e := &Engine{config: cfg, sessions: make(map[*Session]struct{})}
	if cfg.MaxSess != nil {
		e.globalSem = semaphore.NewWeighted(int64(*cfg.MaxSess))
	}
	return e, nil
}

func (e *Engine) supportsRole(r Role) bool { return e.config.supportsRole(r) }

func (e *Engine) trackSession(s *Session) {
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrackSession(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
}

// Sessions returns a snapshot of every session currently open across all
// connections, for admin/introspection surfaces.
func (e *Engine) Sessions() []Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Diagnostics, 0, len(e.sessions))
	for s := range e.sessions {
		out = append(out, s.Diagnostics())
	}
	return out
}

// connAcceptor is the minimal transport surface the engine depends on,
// matching the transport collaborator's shape without importing the
// transport package (avoiding a dependency cycle with sibling packages
// built on top of this one).
type connAcceptor interface {
	Accept(ctx context.Context) (Conn, error)
}

// Serve accepts connections from t until ctx is canceled or Stop is
// called, running each on its own goroutine (or through a fixed pool,
// per Config.WorkerModel). It returns when all accepted connections have
// finished.
func (e *Engine) Serve(ctx context.Context, t connAcceptor) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	if e.config.WorkerModel == WorkerModelFixedPool {
		return e.serveFixedPool(ctx, t)
	}
	return e.servePerConnection(ctx, t)
}

func (e *Engine) servePerConnection(ctx context.Context, t connAcceptor) error {
	var wg sync.WaitGroup
	for {
		raw, err := t.Accept(ctx)
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			newServerConn(e, raw).serve()
		}()
	}
}

// serveFixedPool drains accepted connections through a bounded number of
// errgroup workers.
func (e *Engine) serveFixedPool(ctx context.Context, t connAcceptor) error {
	connCh := make(chan Conn)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(connCh)
		for {
			raw, err := t.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case connCh <- raw:
			case <-gctx.Done():
				raw.Close()
				return nil
			}
		}
	})

	for i := 0; i < e.config.PoolSize; i++ {
		g.Go(func() error {
			for raw := range connCh {
				newServerConn(e, raw).serve()
			}
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop signals Serve to stop accepting new connections. In-flight
// sessions are allowed to finish; Stop does not wait for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	Log().Info("engine stopping")
}
