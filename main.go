// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2015 - 2017 Google Inc. All Rights Reserved.
// Copyright 2024 Tigris Data, Inc.
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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/valandreev/sitecache/core"
	"github.com/valandreev/sitecache/core/cfg"
	"github.com/valandreev/sitecache/lib"
	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/cleaner"
	"github.com/valandreev/sitecache/pkg/cache/failsafe"
	"github.com/valandreev/sitecache/pkg/cache/files"
	"github.com/valandreev/sitecache/pkg/cache/index/bbolt"
	"github.com/valandreev/sitecache/pkg/cache/metrics"
	"github.com/valandreev/sitecache/pkg/cache/registry"
	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
	"github.com/valandreev/sitecache/pkg/server"
	"github.com/valandreev/sitecache/pkg/tracing"
)

var mainLog = log.GetLogger("main")

const shutdownTimeout = 30 * time.Second

func loadConfig(flags *cfg.FlagStorage) (*cache.Config, error) {
	path, err := lib.ExpandPath(flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	conf, err := cache.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := flags.Apply(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// serve runs the caching front until a termination signal arrives. SIGHUP
// reloads the config file and deploys it as a new worker version.
func serve(flags *cfg.FlagStorage, conf *cache.Config) error {
	dataDir, err := conf.ResolvedDataDir()
	if err != nil {
		return err
	}

	idx, err := bbolt.Open(filepath.Join(dataDir, "index.db"), bbolt.Options{})
	if err != nil {
		return err
	}
	defer func() { mainLog.E(idx.Close()) }()

	blobs, err := files.NewBlobStore(filepath.Join(dataDir, "blobs"))
	if err != nil {
		return err
	}

	collector := metrics.New()
	reg, err := registry.New(conf.AppName, idx, blobs, registry.PoliciesFromConfig(conf.Partitions))
	if err != nil {
		return err
	}
	if n, err := reg.SweepOrphans(context.Background()); err != nil {
		mainLog.Warn().Err(err).Msg("orphan sweep failed")
	} else if n > 0 {
		mainLog.Info().Int("removed", n).Msg("removed orphan blobs")
	}

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	origin, err := core.NewOrigin(conf, client)
	if err != nil {
		return err
	}

	submitter, err := syncqueue.NewHTTPSubmitter(conf.Origin, conf.Sync.Endpoints, &http.Client{})
	if err != nil {
		return err
	}

	// The queue's trigger needs the host, and the host needs the queue.
	var host *core.Host
	queue, err := syncqueue.New(syncqueue.Config{
		PollInterval:  time.Duration(conf.Sync.PollIntervalSec) * time.Second,
		SubmitTimeout: time.Duration(conf.Sync.SubmitTimeoutSec) * time.Second,
	}, idx, submitter,
		syncqueue.WithMetrics(collector),
		syncqueue.WithConnectivity(origin),
		syncqueue.WithTrigger(func(ctx context.Context, tag syncqueue.Tag) error {
			return host.Sync(ctx, tag)
		}),
	)
	if err != nil {
		return err
	}

	clean, err := cleaner.New(cleaner.Config{
		MaxCacheBytes:  int64(conf.Cleaner.MaxCacheMB) << 20,
		MinFreePercent: conf.Cleaner.MinFreePercent,
		CleanInterval:  time.Duration(conf.Cleaner.CleanIntervalMin) * time.Minute,
	}, reg, cleaner.WithMetrics(collector))
	if err != nil {
		return err
	}
	monitor, err := failsafe.NewMonitor(clean, queue)
	if err != nil {
		return err
	}

	host = core.NewHost(reg, origin, queue,
		core.WithWorkerOptions(core.WithMetrics(collector), core.WithQuotaNotifier(monitor)),
	)

	srv := server.New(host, server.Options{
		AllowedOrigins: conf.Control.AllowedOrigins,
		Metrics:        collector.Handler(),
		Version:        cfg.Version,
	})
	host.SetBroadcaster(srv.Hub())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := host.Deploy(ctx, conf); err != nil {
		return fmt.Errorf("deploy %s: %w", conf.CacheVersion, err)
	}

	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(clean.RunBackground(gctx, nil)) })
	g.Go(func() error { return ignoreCanceled(monitor.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(queue.Run(gctx)) })
	g.Go(func() error {
		mainLog.Info().Str("listen", conf.Listen).Str("origin", conf.Origin).Msg("serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	reloads := newReloader(func(ctx context.Context) { reload(ctx, host, flags) })
	g.Go(func() error { return reloads.loop(gctx) })

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-signals:
				if s == syscall.SIGHUP {
					if !reloads.request() {
						mainLog.Info().Msg("reload already pending")
					}
					continue
				}
				mainLog.Info().Str("signal", s.String()).Msg("Received signal, shutting down")
				cancel()
				return nil
			}
		}
	})

	<-gctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	srv.Close()
	mainLog.E(httpServer.Shutdown(shutdownCtx))
	mainLog.E(host.Shutdown(shutdownCtx))

	return g.Wait()
}

// reloader runs config reloads away from the signal goroutine so a stop
// signal is never stuck behind install retries. Requests made while a reload
// runs collapse into one follow-up.
type reloader struct {
	pending chan struct{}
	run     func(context.Context)
}

func newReloader(run func(context.Context)) *reloader {
	return &reloader{pending: make(chan struct{}, 1), run: run}
}

// request never blocks. It reports false when a reload is already queued.
func (r *reloader) request() bool {
	select {
	case r.pending <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *reloader) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.pending:
			r.run(ctx)
		}
	}
}

func reload(ctx context.Context, host *core.Host, flags *cfg.FlagStorage) {
	conf, err := loadConfig(flags)
	if err != nil {
		mainLog.Error().Err(err).Msg("reload: invalid config, keeping current version")
		return
	}
	w, err := host.Deploy(ctx, conf)
	if err != nil {
		mainLog.Error().Err(err).Str("version", conf.CacheVersion).Msg("reload: deploy failed")
		return
	}
	mainLog.Info().Str("version", w.Version()).Str("state", w.State().String()).Msg("reload: deployed")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	app := cfg.NewApp()

	app.Action = func(c *cli.Context) error {
		if len(c.Args()) != 0 {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %s takes no arguments.\n\n", app.Name)
			mainLog.E(cli.ShowAppHelp(c))
			os.Exit(1)
		}

		flags := cfg.PopulateFlags(c)
		if err := cfg.InitLoggers(flags); err != nil {
			return err
		}

		mainLog.Info().Str("version", cfg.Version).Msg("Starting sitecache")

		shutdownTracing, err := tracing.Init(context.Background(), flags.TracingOptions())
		if err != nil {
			mainLog.Error().Err(err).Msg("Tracing setup failed")
			return err
		}
		defer func() {
			ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			mainLog.E(shutdownTracing(ctx))
		}()
		if flags.TraceEndpoint != "" {
			mainLog.Info().Str("endpoint", flags.TraceEndpoint).Str("protocol", flags.TraceProtocol).Msg("exporting traces")
		}

		conf, err := loadConfig(flags)
		if errors.Is(err, cache.ErrConfigMissing) {
			mainLog.Warn().Str("config", flags.ConfigFile).Msg("Config template written, edit it and restart")
			return err
		}
		if err != nil {
			mainLog.Error().Err(err).Msg("Loading config failed")
			return err
		}

		if err := serve(flags, conf); err != nil {
			mainLog.Error().Err(err).Msg("sitecache stopped with error")
			return err
		}
		mainLog.Info().Msg("Successfully exiting.")
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
