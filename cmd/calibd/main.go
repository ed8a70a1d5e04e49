package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/GoSim-25-26J-441/calibration-core/internal/controller"
	"github.com/GoSim-25-26J-441/calibration-core/internal/kernel"
	"github.com/GoSim-25-26J-441/calibration-core/internal/metrics"
	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/internal/solver"
	"github.com/GoSim-25-26J-441/calibration-core/internal/transport"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

type options struct {
	configPath string
	role       string
	name       string
	grpcAddr   string
	httpAddr   string
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "config/calibration.yaml", "run configuration")
	flag.StringVar(&opts.role, "role", "all", "process role (all, router, controller, solver, kernel)")
	flag.StringVar(&opts.name, "name", "", "endpoint name for solver and kernel roles")
	flag.StringVar(&opts.grpcAddr, "grpc-addr", "", "router listen address (defaults to transport.router_addr)")
	flag.StringVar(&opts.httpAddr, "http-addr", "", "controller status address (defaults to controller.http_addr)")
	flag.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		logger.Error("failed to load config", "path", opts.configPath, "error", err)
		os.Exit(1)
	}
	if opts.logLevel == "" {
		opts.logLevel = cfg.LogLevel
	}
	logger.SetDefault(logger.NewText(opts.logLevel, os.Stdout))
	if opts.grpcAddr == "" {
		opts.grpcAddr = cfg.Transport.RouterAddr
	}
	if opts.httpAddr == "" && cfg.Controller != nil {
		opts.httpAddr = cfg.Controller.HTTPAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.role {
	case "all":
		err = runAll(ctx, cfg, opts)
	case "router":
		err = runRouter(ctx, opts.grpcAddr)
	case "controller":
		err = runController(ctx, cfg, opts)
	case "solver":
		err = runSolver(ctx, cfg, opts)
	case "kernel":
		err = runKernel(ctx, cfg, opts)
	default:
		logger.Error("unknown role", "role", opts.role)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("calibd exited", "role", opts.role, "error", err)
		os.Exit(1)
	}
}

// runAll hosts every worker in this process on the router's bus. With the
// grpc transport the router is served too, so remote kernels can join.
func runAll(ctx context.Context, cfg *config.Config, opts options) error {
	router := transport.NewRouter()
	defer router.Close()
	if cfg.Transport.Mode == "grpc" {
		srv, err := serveRouter(router, opts.grpcAddr)
		if err != nil {
			return err
		}
		defer srv.GracefulStop()
	}

	store, err := parmstore.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore(store)

	bus := router.Bus()
	collector := metrics.NewCollector()
	ctrlConn, err := bus.Connect(ctx, protocol.ControllerEndpoint)
	if err != nil {
		return err
	}
	ctrl, err := controller.New(controller.Options{Config: cfg, Store: store, Conn: ctrlConn, Collector: collector})
	if err != nil {
		return err
	}
	stopHTTP := serveStatus(ctrl, opts.httpAddr)
	defer stopHTTP()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	solverConn, err := bus.Connect(ctx, "solver")
	if err != nil {
		return err
	}
	sw := solver.NewWorker(solver.Options{Name: "solver", Conn: solverConn, Collector: collector})
	g.Go(func() error { return worker(sw.Run(gctx)) })

	for _, k := range cfg.Kernels {
		conn, err := bus.Connect(ctx, k.Name)
		if err != nil {
			return err
		}
		kw, err := kernel.NewWorker(kernel.Options{Name: k.Name, Config: cfg, Store: store, Conn: conn})
		if err != nil {
			return err
		}
		g.Go(func() error { return worker(kw.Run(gctx)) })
	}

	g.Go(func() error {
		// workers left behind by a failed run stop with it
		defer cancel()
		return ctrl.Run(gctx)
	})
	err = g.Wait()
	report(ctrl)
	return err
}

func runRouter(ctx context.Context, addr string) error {
	router := transport.NewRouter()
	defer router.Close()
	srv, err := serveRouter(router, addr)
	if err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutdown requested")
	srv.GracefulStop()
	return nil
}

func runController(ctx context.Context, cfg *config.Config, opts options) error {
	store, err := parmstore.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore(store)

	conn, err := dial(ctx, cfg, protocol.ControllerEndpoint)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctrl, err := controller.New(controller.Options{Config: cfg, Store: store, Conn: conn})
	if err != nil {
		return err
	}
	stopHTTP := serveStatus(ctrl, opts.httpAddr)
	defer stopHTTP()

	err = ctrl.Run(ctx)
	report(ctrl)
	return err
}

func runSolver(ctx context.Context, cfg *config.Config, opts options) error {
	name := opts.name
	if name == "" {
		name = "solver"
	}
	conn, err := dial(ctx, cfg, name)
	if err != nil {
		return err
	}
	defer conn.Close()
	return solver.NewWorker(solver.Options{Name: name, Conn: conn}).Run(ctx)
}

func runKernel(ctx context.Context, cfg *config.Config, opts options) error {
	if opts.name == "" {
		return errors.New("kernel role requires -name")
	}
	store, err := parmstore.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore(store)

	conn, err := dial(ctx, cfg, opts.name)
	if err != nil {
		return err
	}
	defer conn.Close()
	w, err := kernel.NewWorker(kernel.Options{Name: opts.name, Config: cfg, Store: store, Conn: conn})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func serveRouter(router *transport.Router, addr string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen for gRPC", "addr", addr, "error", err)
		return nil, err
	}
	// TODO: Configure TLS on the router before exposing it beyond a trusted network.
	srv := grpc.NewServer()
	router.Register(srv)
	go func() {
		logger.Info("router listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()
	return srv, nil
}

// serveStatus starts the controller's HTTP status server when addr is set.
// The returned function shuts it down.
func serveStatus(ctrl *controller.Controller, addr string) func() {
	if addr == "" {
		return func() {}
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           controller.NewHTTPServer(ctrl).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", "error", err)
		}
	}
}

func dial(ctx context.Context, cfg *config.Config, name string) (*transport.GRPCConn, error) {
	if cfg.Transport.Mode != "grpc" {
		return nil, errors.New("separate worker processes need the grpc transport")
	}
	return transport.Dial(ctx, cfg.Transport.RouterAddr, name, transport.DialOptions{
		Attempts: cfg.Transport.DialAttempts,
		BaseWait: time.Duration(cfg.Transport.DialBaseMs) * time.Millisecond,
	})
}

// worker drops the cancellation a worker sees when the run ends without it
func worker(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func closeStore(store parmstore.Store) {
	if err := store.Close(); err != nil {
		logger.Error("failed to close parameter store", "error", err)
	}
}

func report(ctrl *controller.Controller) {
	st := ctrl.Status()
	args := []any{"run_id", st.RunID, "state", st.State, "chunks", st.ChunksDone, "duration", st.Duration}
	args = append(args, metrics.SummaryAttrs(ctrl.Collector().Summary())...)
	logger.Info("calibration finished", args...)
}
