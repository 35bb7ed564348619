package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"

	"github.com/simutrace/simutrace/internal/backend/fsbackend"
	"github.com/simutrace/simutrace/internal/config"
	"github.com/simutrace/simutrace/internal/handlers"
	"github.com/simutrace/simutrace/internal/metrics"
	"github.com/simutrace/simutrace/internal/serverrt"
	"github.com/simutrace/simutrace/internal/sessionmgr"
	"github.com/simutrace/simutrace/internal/store"
	"github.com/simutrace/simutrace/internal/workqueue"
)

// commandServerStart implements "simutraced server start" (§6): load
// configuration, lock the workspace, bind every configured Port, and
// serve requests until signaled, mirroring the teacher's runServer.
type commandServerStart struct {
	app *App

	metricsListen string
}

func (c *commandServerStart) setup(app *App, cmd *kingpin.CmdClause) {
	c.app = app

	cmd.Flag("metrics-listen", "Address to serve /metrics on (empty disables).").StringVar(&c.metricsListen)
	cmd.Action(app.noBackgroundAction(c.run))
}

func (c *commandServerStart) run(ctx context.Context) error {
	cfg, err := config.Load(c.app.configPath)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	if c.app.workspace != "" {
		cfg.Workspace = c.app.workspace
	}

	if len(c.app.bindings) > 0 {
		cfg.Bindings = c.app.bindings
	}

	wsLock, err := config.LockWorkspace(cfg.Workspace)
	if err != nil {
		return errors.Wrap(err, "lock workspace")
	}
	defer wsLock.Unlock() //nolint:errcheck

	reg, err := metrics.New()
	if err != nil {
		return errors.Wrap(err, "initialize metrics")
	}

	stores := sessionmgr.NewStoreManager(func() store.Backend { return fsbackend.New() })
	mgr := sessionmgr.NewSessionManager(stores, cfg.Session.CloseTimeout, nil)
	defer mgr.Close(ctx) //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	requestPool := workqueue.NewPool(ctx, "request", cfg.RequestWorkerPool.Size, false, nil)
	defer requestPool.Close(false, cfg.Session.CloseTimeout) //nolint:errcheck

	processingPool := workqueue.NewPool(ctx, "processing", cfg.WorkerPool.Size, true, nil)
	defer processingPool.Close(false, cfg.Session.CloseTimeout) //nolint:errcheck

	dispatcher := handlers.NewDispatcher(mgr, processingPool)
	srv := serverrt.New(dispatcher, reg, requestPool)

	log(ctx).Info("starting simutraced on %v", cfg.Bindings)

	return serveWithMetrics(ctx, srv, cfg.Bindings, reg, c.metricsListen)
}

func serveWithMetrics(ctx context.Context, srv *serverrt.Server, bindings []string, reg *metrics.Registry, metricsListen string) error {
	if metricsListen == "" {
		return srv.Serve(ctx, bindings)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	metricsSrv := &http.Server{Addr: metricsListen, Handler: mux}

	errCh := make(chan error, 1)

	go func() {
		errCh <- metricsSrv.ListenAndServe()
	}()

	go func() {
		<-ctx.Done()
		_ = metricsSrv.Shutdown(context.Background())
	}()

	serveErr := srv.Serve(ctx, bindings)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log(ctx).Warn("metrics server failed: %v", err)
	}

	return serveErr
}
