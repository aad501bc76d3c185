package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/sockets-gateway/internal/broadcast"
	"github.com/adred-codev/sockets-gateway/internal/cluster"
	"github.com/adred-codev/sockets-gateway/internal/config"
	"github.com/adred-codev/sockets-gateway/internal/httpapi"
	"github.com/adred-codev/sockets-gateway/internal/logging"
	"github.com/adred-codev/sockets-gateway/internal/metrics"
	"github.com/adred-codev/sockets-gateway/internal/ratelimit"
	"github.com/adred-codev/sockets-gateway/internal/session"
	"github.com/adred-codev/sockets-gateway/internal/store"
	"github.com/adred-codev/sockets-gateway/internal/streamconsumer"
	"github.com/adred-codev/sockets-gateway/internal/subscription"
	"github.com/adred-codev/sockets-gateway/internal/supervisor"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sockets-gateway",
		Short: "Horizontally scalable pub/sub websocket gateway",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(clusterCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a single gateway worker bound to its own listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat)
			log.Info().Str("config", cfg.Print()).Msg("starting gateway worker")

			st, err := store.New(cfg.RedisURL, log)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			w, err := newWorker(cfg, "worker-0", st, log)
			if err != nil {
				return fmt.Errorf("build worker: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error { w.runBackground(gctx); return nil })
			group.Go(func() error { return serveAndWait(gctx, cfg, log, w.handler.Handler()) })
			return group.Wait()
		},
	}
}

func clusterCmd() *cobra.Command {
	var workerCount int
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Run N virtual workers behind one shared listener and store client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat)
			if workerCount <= 0 {
				workerCount = cfg.Workers
			}
			if workerCount <= 0 {
				workerCount = runtime.NumCPU()
			}
			log.Info().Int("workers", workerCount).Str("config", cfg.Print()).Msg("starting cluster bridge")

			st, err := store.New(cfg.RedisURL, log)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workers := make([]*worker, workerCount)
			for i := 0; i < workerCount; i++ {
				id := fmt.Sprintf("gw-%d", i)
				w, err := newWorker(cfg, id, st, log.With().Str("worker_id", id).Logger())
				if err != nil {
					return fmt.Errorf("build worker %s: %w", id, err)
				}
				workers[i] = w
			}

			bridge := cluster.New(log)
			group, gctx := errgroup.WithContext(ctx)
			for _, w := range workers {
				w := w
				group.Go(func() error {
					w.runBackground(gctx)
					return nil
				})
			}
			group.Go(func() error {
				bridge.Spawn(gctx, "bridge", workerCount, func(ctx context.Context, id string, inbox <-chan cluster.Message) error {
					<-ctx.Done()
					return nil
				})
				return nil
			})

			dispatcher := roundRobinHandler(workers)
			group.Go(func() error {
				return serveAndWait(gctx, cfg, log, dispatcher)
			})

			return group.Wait()
		},
	}
	cmd.Flags().IntVar(&workerCount, "workers", 0, "number of virtual workers (0 = WORKERS env var or CPU count)")
	return cmd
}

// worker is one gateway worker's fully wired component graph.
type worker struct {
	handler    *httpapi.Server
	sessions   *session.Registry
	subs       *subscription.Registry
	streams    *streamconsumer.Manager
	engine     *broadcast.Engine
	supervisor *supervisor.Supervisor
	limiter    *ratelimit.SourceLimiter
	log        zerolog.Logger
}

func newWorker(cfg *config.Config, workerID string, st *store.Store, log zerolog.Logger) (*worker, error) {
	sessions := session.New(st, log)
	subs := subscription.New(st, log)
	streams := streamconsumer.New(st, workerID, log)
	collector := metrics.New()
	engine := broadcast.New(st, streams, subs, collector, log)
	limiter := ratelimit.New()

	sup := supervisor.New(supervisor.Config{
		WorkerID:         workerID,
		PingInterval:     cfg.PingInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, sessions, subs, streams, engine, limiter, collector, log)

	handler := httpapi.New(sup, engine, subs, st, collector, cfg.CORSOrigin, log)

	return &worker{
		handler:    handler,
		sessions:   sessions,
		subs:       subs,
		streams:    streams,
		engine:     engine,
		supervisor: sup,
		limiter:    limiter,
		log:        log,
	}, nil
}

// runBackground runs every per-worker loop (session sweep, stream trim,
// poll/deliver, heartbeat) until ctx is canceled.
func (w *worker) runBackground(ctx context.Context) {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { w.sessions.RunSweep(gctx); return nil })
	group.Go(func() error { w.streams.RunTrimSweep(gctx); return nil })
	group.Go(func() error { w.engine.RunPollLoop(gctx, w.supervisor); return nil })
	group.Go(func() error { w.supervisor.RunHeartbeat(gctx); return nil })
	group.Wait()

	w.limiter.Stop()
	w.supervisor.Shutdown()
}

// roundRobinHandler dispatches each incoming request to the next
// worker's handler in turn — the in-process stand-in for the teacher's
// shard load balancer, since virtual workers share one process and
// don't need a network hop between them.
func roundRobinHandler(workers []*worker) http.Handler {
	var next uint64
	handlers := make([]http.Handler, len(workers))
	for i, w := range workers {
		handlers[i] = w.handler.Handler()
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		n := atomic.AddUint64(&next, 1)
		handlers[n%uint64(len(handlers))].ServeHTTP(rw, r)
	})
}

func serveAndWait(ctx context.Context, cfg *config.Config, log zerolog.Logger, handler http.Handler) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown error")
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
