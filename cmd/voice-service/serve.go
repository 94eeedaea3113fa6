package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/voice-service/internal/objectstore"
	"github.com/book-expert/voice-service/internal/server"
	"github.com/book-expert/voice-service/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(open func() (*app, error)) *cobra.Command {
	var (
		listenAddr string
		noWorker   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the NATS worker",
		Long: `Run the HTTP API until SIGINT or SIGTERM.

The embedding cache is warmed from disk before the listener starts when
cache.preload_on_start is set. With nats.enabled the service also answers
TextProcessedEvent requests on nats.synthesis_subject.

Examples:
  voice-service serve
  voice-service -c project.toml serve --addr :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := open()
			if err != nil {
				return err
			}

			defer func() {
				closeErr := application.Close()
				if closeErr != nil {
					fmt.Fprintf(os.Stderr, "error closing service: %v\n", closeErr)
				}
			}()

			if listenAddr != "" {
				application.cfg.Server.ListenAddr = listenAddr
			}

			if noWorker {
				application.cfg.NATS.Enabled = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return application.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "addr", "", "listen address, overrides server.listen_addr")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not start the NATS worker even if enabled")

	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Cache.PreloadOnStart {
		warmed := a.orchestrator.PreloadCache(ctx)
		a.log.Info("Preloaded %d cached embeddings", warmed)
	}

	httpServer := server.New(a.orchestrator, a.log, server.Options{
		MaxUploadBytes:    cfg.Server.MaxUploadBytes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
		EnableWebSocket:   cfg.Server.EnableWebSocket,
		UploadDir:         "",
	})

	var natsWorker *worker.NatsWorker

	if cfg.NATS.Enabled {
		created, closeNATS, err := a.newWorker()
		if err != nil {
			return err
		}
		defer closeNATS()

		natsWorker = created
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return httpServer.Run(groupCtx, cfg.Server.ListenAddr)
	})

	if natsWorker != nil {
		group.Go(func() error {
			return natsWorker.Run(groupCtx)
		})
	}

	a.log.System("Voice service started with %d voices (backend %s)", a.library.Count(), cfg.Backend.URL)

	err := group.Wait()
	if err != nil {
		a.log.Error("Voice service stopped: %v", err)

		return err
	}

	a.log.System("Voice service stopped")

	return nil
}

// newWorker connects to NATS and binds the text and audio buckets.
func (a *app) newWorker() (*worker.NatsWorker, func(), error) {
	cfg := a.cfg.NATS

	natsConnection, err := nats.Connect(cfg.URL, nats.Name("voice-service"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	fail := func(err error) (*worker.NatsWorker, func(), error) {
		natsConnection.Close()

		return nil, nil, err
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fail(fmt.Errorf("failed to create JetStream context: %w", err))
	}

	textStore, err := objectstore.New(jetstreamContext, cfg.TextObjectStoreBucket, objectstore.Options{
		TTL:         0,
		MaxBytes:    0,
		Compression: false,
	})
	if err != nil {
		return fail(err)
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.AudioObjectStoreBucket, objectstore.Options{
		TTL:         cfg.AudioTTL(),
		MaxBytes:    0,
		Compression: false,
	})
	if err != nil {
		return fail(err)
	}

	natsWorker, err := worker.NewNatsWorker(natsConnection, textStore, audioStore, a.orchestrator, a.log, worker.Options{
		Subject:     cfg.SynthesisSubject,
		QueueGroup:  cfg.QueueGroup,
		Concurrency: cfg.Workers,
		JobTimeout:  cfg.JobTimeout(),
	})
	if err != nil {
		return fail(err)
	}

	return natsWorker, natsConnection.Close, nil
}
