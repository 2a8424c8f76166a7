package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"skywatch/internal/capture"
	"skywatch/internal/config"
	"skywatch/internal/filters"
	"skywatch/internal/metric"
	"skywatch/internal/server"
	"skywatch/internal/stacker"
	"skywatch/internal/state"
	"skywatch/internal/storage"
	"skywatch/internal/worker"
	"skywatch/internal/writer"
)

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr string
		seed int64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture service with the diagnostics server",
		Long: `Start the capture loop, the background stacking worker and the
diagnostics HTTP server, and run until interrupted.

Examples:
  skywatch serve
  skywatch serve --addr :8090 --config /etc/skywatch/config.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if addr != "" {
				root.cfg.Server.Addr = addr
			}
			svc, err := newService(root, seed)
			if err != nil {
				return err
			}
			defer svc.close()
			return svc.run(ctx, true)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "diagnostics server address, overrides configuration")
	cmd.Flags().Int64Var(&seed, "seed", 1, "star field seed for the synthetic camera")

	return cmd
}

// service holds the wired pipeline so serve and simulate share one setup
// path.
type service struct {
	root    *Root
	session string
	mgr     *config.Manager
	prom    *metric.Metrics
	store   *state.Store
	history *storage.Store
	worker  *worker.Worker
	loop    *capture.Loop
	writer  *writer.FrameWriter
}

func newService(root *Root, seed int64) (*service, error) {
	log := root.log
	mgr := config.NewManager(root.cfg, log)
	prom := metric.New()
	store := state.New(mgr)
	session := uuid.NewString()

	var history *storage.Store
	var workerHistory worker.History
	if root.cfg.Storage.Enabled {
		st, err := storage.New(root.cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open frame history: %w", err)
		}
		if keep := root.cfg.Storage.KeepFrames; keep > 0 {
			if err := st.Prune(keep); err != nil {
				log.Warn("history prune failed", "error", err)
			}
		}
		history = st
		workerHistory = st
	}

	camera, err := newCamera(root.cfg, seed)
	if err != nil {
		if history != nil {
			history.Close()
		}
		return nil, err
	}

	pipeline := filters.NewPipeline(log, filters.Defaults()...)

	wk := worker.New(worker.Options{
		Stacker:   stacker.New(log),
		Pipeline:  pipeline,
		Publisher: store,
		History:   workerHistory,
		Metrics:   prom,
		Log:       log,
		Config:    mgr.Snapshot(),
		SessionID: session,
	})

	loop := capture.NewLoop(capture.LoopOptions{
		Camera:    camera,
		Worker:    wk,
		Stacker:   stacker.New(log),
		Pipeline:  pipeline,
		Store:     store,
		History:   workerHistory,
		Metrics:   prom,
		Log:       log,
		SessionID: session,
	})

	return &service{
		root:    root,
		session: session,
		mgr:     mgr,
		prom:    prom,
		store:   store,
		history: history,
		worker:  wk,
		loop:    loop,
		writer:  writer.NewFrameWriter(store, log),
	}, nil
}

func (s *service) close() {
	if s.history != nil {
		s.history.Close()
	}
}

// run starts every component and blocks until ctx is cancelled or a
// component fails. A component failure takes the rest down.
func (s *service) run(ctx context.Context, withServer bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := s.root.log
	errc := make(chan error, 5)
	start := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil {
				errc <- fmt.Errorf("%s: %w", name, err)
				return
			}
			errc <- nil
		}()
	}

	components := 3
	start("background stacker", s.worker.Run)
	start("capture loop", s.loop.Run)
	start("frame writer", s.writer.Run)
	if withServer {
		components++
		srv := server.New(s.root.cfg.Server.Addr, s.store, s.history, s.worker, s.prom, log)
		start("diagnostics server", srv.Start)
	}
	if s.root.configPath != "" {
		components++
		start("config watcher", func(ctx context.Context) error {
			return s.mgr.Watch(ctx, s.root.configPath)
		})
	}

	log.Info("skywatch running",
		"session", s.session,
		"addr", s.root.cfg.Server.Addr,
		"camera", s.root.cfg.Camera.Source)

	var firstErr error
	for i := 0; i < components; i++ {
		if err := <-errc; err != nil {
			if firstErr == nil {
				firstErr = err
				if ctx.Err() == nil {
					log.Error("component failed, shutting down", "error", err)
				}
			}
			cancel()
		}
	}
	return firstErr
}

func newCamera(cfg *config.Config, seed int64) (capture.Camera, error) {
	switch cfg.Camera.Source {
	case "", "synthetic":
		return capture.NewSyntheticCamera(seed), nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Camera.Source)
	}
}
