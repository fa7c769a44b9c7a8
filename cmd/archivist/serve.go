package main

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/archivist"
	archivisthttp "github.com/meigma/archivist/http"
	"github.com/meigma/archivist/internal/metrics"
)

type serveFlags struct {
	listen           string
	storageDir       string
	staticDir        string
	archiveExt       string
	blockingWorkers  int
	openArchives     int
	progressInterval time.Duration
	pprofAddr        string
}

func newServeCmd(a *app) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.apply(cmd, a)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, f.pprofAddr)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.listen, "listen", "l", "", "listen address (default "+`":8080"`+")")
	flags.StringVarP(&f.storageDir, "storage-dir", "d", "", "directory holding stored archives")
	flags.StringVar(&f.staticDir, "static-dir", "", "serve index.html and assets from this directory")
	flags.StringVar(&f.archiveExt, "archive-ext", "", "extension of stored archive files")
	flags.IntVar(&f.blockingWorkers, "blocking-workers", 0, "concurrent archive operations (0 = 2x GOMAXPROCS)")
	flags.IntVar(&f.openArchives, "open-archives", 0, "archives kept open between requests")
	flags.DurationVar(&f.progressInterval, "progress-interval", 0, "progress event interval")
	flags.StringVar(&f.pprofAddr, "pprof-addr", "", "serve net/http/pprof on this address")
	return cmd
}

// apply overrides configuration values with flags set on the command line.
func (f *serveFlags) apply(cmd *cobra.Command, a *app) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		a.cfg.Listen = f.listen
	}
	if flags.Changed("storage-dir") {
		a.cfg.StorageDir = f.storageDir
	}
	if flags.Changed("static-dir") {
		a.cfg.StaticDir = f.staticDir
	}
	if flags.Changed("archive-ext") {
		a.cfg.ArchiveExt = f.archiveExt
	}
	if flags.Changed("blocking-workers") {
		a.cfg.BlockingWorkers = f.blockingWorkers
	}
	if flags.Changed("open-archives") {
		a.cfg.OpenArchives = f.openArchives
	}
	if flags.Changed("progress-interval") {
		a.cfg.ProgressInterval = f.progressInterval
	}
}

func (a *app) serve(ctx context.Context, pprofAddr string) error {
	cfg := a.cfg
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	svc, err := archivist.New(cfg.StorageDir,
		archivist.WithArchiveExt(cfg.ArchiveExt),
		archivist.WithBlockingWorkers(cfg.BlockingWorkers),
		archivist.WithOpenArchives(cfg.OpenArchives),
		archivist.WithProgressInterval(cfg.ProgressInterval),
		archivist.WithMetrics(m),
		archivist.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			a.logger.Warn("closing service", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := archivisthttp.New(svc,
		archivisthttp.WithStaticDir(cfg.StaticDir),
		archivisthttp.WithMetrics(m, reg),
		archivisthttp.WithLogger(a.logger),
	)
	defer srv.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Listen, cfg.ShutdownTimeout)
	})
	if pprofAddr != "" {
		g.Go(func() error {
			return a.servePprof(gctx, pprofAddr)
		})
	}
	return g.Wait()
}

func (a *app) servePprof(ctx context.Context, addr string) error {
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &nethttp.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	a.logger.Info("pprof listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}
