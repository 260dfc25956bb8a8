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
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fastcgirun/fastcgi"
	"github.com/fastcgirun/fastcgi/admin"
	"github.com/fastcgirun/fastcgi/auditlog"
	"github.com/fastcgirun/fastcgi/fastcgiconfig"
	"github.com/fastcgirun/fastcgi/transport"
)

var flags struct {
	listen     string
	configPath string
	poolSize   int
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fastcgid",
		Short: "Runs a FastCGI application-side responder",
		Long: `fastcgid accepts FastCGI connections and serves them with a demo
responder that echoes request parameters and body. It is meant as a
runnable entry point for the fastcgi engine, not a production
application server.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run fastcgid in the foreground",
		RunE:  runE,
	}
	fl := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fl.StringVar(&flags.listen, "listen", "tcp://127.0.0.1:9000", "Listen address: tcp://host:port, unix:///path, or fd://0")
	fl.StringVar(&flags.configPath, "config", "", "Path to a fastcgiconfig YAML or TOML file")
	fl.IntVar(&flags.poolSize, "pool-size", 0, "Fixed worker pool size; 0 selects per-session goroutines")
	runCmd.Flags().AddFlagSet(fl)

	root.AddCommand(runCmd)
	return root
}

func runE(cmd *cobra.Command, args []string) error {
	cfg := &fastcgiconfig.Config{Listen: flags.listen, PoolSize: flags.poolSize}
	if flags.configPath != "" {
		loaded, err := fastcgiconfig.Load(flags.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if cfg.LogFile != "" {
		fastcgi.SetLogger(fastcgi.NewRotatingLogger(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups))
	}

	// Pairs with the engine's own automaxprocs call (engine.go's init):
	// automaxprocs sizes GOMAXPROCS to the container's CPU quota, this
	// sizes GOMEMLIMIT to its memory quota, falling back to the host's.
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.Default()),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)

	t, err := buildTransport(cfg.Listen, cfg.PermittedPeers)
	if err != nil {
		return fmt.Errorf("fastcgid: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineCfg := fastcgi.Config{
		MaxConn:        cfg.MaxConn,
		MaxSess:        cfg.MaxSess,
		MaxSessPerConn: cfg.MaxSessPerConn,
		Responder:      echoResponder{},
	}
	switch cfg.WorkerModel {
	case "":
		if cfg.PoolSize > 0 {
			engineCfg.WorkerModel = fastcgi.WorkerModelFixedPool
			engineCfg.PoolSize = cfg.PoolSize
		}
	case "per_session":
		// Explicit request for unbounded per-session goroutines; a
		// leftover pool_size from another mode must not silently
		// switch this into fixed_pool.
	case "fixed_pool":
		if cfg.PoolSize <= 0 {
			return fmt.Errorf("fastcgid: worker_model: %q requires pool_size > 0", cfg.WorkerModel)
		}
		engineCfg.WorkerModel = fastcgi.WorkerModelFixedPool
		engineCfg.PoolSize = cfg.PoolSize
	default:
		return fmt.Errorf("fastcgid: unrecognized worker_model %q", cfg.WorkerModel)
	}
	if cfg.AuditDSN != "" {
		recorder, err := auditlog.Open(ctx, cfg.AuditDSN)
		if err != nil {
			return fmt.Errorf("fastcgid: %w", err)
		}
		defer recorder.Close()
		engineCfg.OnSessionDone = func(d fastcgi.Diagnostics) {
			summary := auditlog.SessionSummary{
				RequestID:      d.RequestID,
				Role:           d.Role.String(),
				Remote:         d.Remote,
				Started:        d.Started,
				Duration:       d.Duration,
				ExitCode:       d.ExitCode,
				ProtocolStatus: d.ProtocolStatus,
			}
			if err := recorder.Record(ctx, summary); err != nil {
				fastcgi.Log().Warn("auditlog: record failed", zap.Error(err))
			}
		}
	}

	engine, err := fastcgi.NewEngine(engineCfg)
	if err != nil {
		return err
	}

	if cfg.AdminListen != "" {
		adminSrv := &http.Server{Addr: cfg.AdminListen, Handler: admin.NewMux(engine)}
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fastcgi.Log().Warn("admin mux stopped", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			adminSrv.Close()
		}()
	}

	fastcgi.Log().Info("fastcgid listening", zap.String("addr", t.Addr().String()))
	return engine.Serve(ctx, transportAdapter{t})
}

// transportAdapter adapts transport.Transport's Accept signature to the
// one the engine expects; transport.Conn already satisfies
// fastcgi.Conn's method set, so no per-connection wrapping is needed.
type transportAdapter struct {
	t transport.Transport
}

func (a transportAdapter) Accept(ctx context.Context) (fastcgi.Conn, error) {
	return a.t.Accept(ctx)
}

func buildTransport(listen string, permittedPeers []string) (transport.Transport, error) {
	var t transport.Transport
	var err error

	switch {
	case strings.HasPrefix(listen, "tcp://"):
		t, err = transport.TCPListener(strings.TrimPrefix(listen, "tcp://"))
	case strings.HasPrefix(listen, "unix://"):
		t, err = transport.UnixListener(strings.TrimPrefix(listen, "unix://"), 0o660)
	case strings.HasPrefix(listen, "fd://"):
		fdStr := strings.TrimPrefix(listen, "fd://")
		if fdStr != "0" {
			return nil, fmt.Errorf("only fd://0 is supported, got %q", listen)
		}
		if _, convErr := strconv.Atoi(fdStr); convErr != nil {
			return nil, fmt.Errorf("invalid fd in %q", listen)
		}
		t, err = transport.Inherited()
	default:
		return nil, fmt.Errorf("unrecognized --listen scheme in %q", listen)
	}
	if err != nil {
		return nil, err
	}
	if len(permittedPeers) > 0 {
		return transport.WithPermittedPeers(t, permittedPeers)
	}
	return t, nil
}
