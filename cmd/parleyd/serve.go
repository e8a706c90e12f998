package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/auth"
	"github.com/ripkitten-co/parley/broker"
	"github.com/ripkitten-co/parley/broker/kafka"
	"github.com/ripkitten-co/parley/broker/memory"
	"github.com/ripkitten-co/parley/broker/pgnotify"
	"github.com/ripkitten-co/parley/broker/rabbitmq"
	"github.com/ripkitten-co/parley/events"
	"github.com/ripkitten-co/parley/hooks"
	"github.com/ripkitten-co/parley/internal/config"
	"github.com/ripkitten-co/parley/internal/httpapi"
	"github.com/ripkitten-co/parley/internal/metrics"
	"github.com/ripkitten-co/parley/live"
	"github.com/ripkitten-co/parley/loader"
	"github.com/ripkitten-co/parley/request"
	"github.com/ripkitten-co/parley/resolvers"
	"github.com/ripkitten-co/parley/store"
	"github.com/ripkitten-co/parley/store/bunstore"
	"github.com/ripkitten-co/parley/store/gormstore"
	"github.com/ripkitten-co/parley/store/memstore"
	"github.com/spf13/cobra"
)

const slowQuery = 100 * time.Millisecond

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger, err := stderrLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, root.dev, logger)
		},
	}
}

// backend is the data side of the daemon: where loaders read, where
// mutations write and what the health check pings.
type backend struct {
	fetcher store.Fetcher
	writer  store.MeetingWriter
	health  httpapi.Pinger
	store   *parley.Store
	closers []io.Closer
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
	if b.store != nil {
		b.store.Close()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, dev bool, logger *slog.Logger, queries hooks.Observer) (*backend, error) {
	if dev {
		mem := memstore.New()
		if err := seed(ctx, mem); err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		logger.Info("using in-memory store with seed data")
		return &backend{fetcher: mem, writer: mem}, nil
	}

	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required outside --dev")
	}
	opts := []parley.Option{}
	if cfg.Database.MaxConns > 0 {
		opts = append(opts, parley.WithMaxConns(cfg.Database.MaxConns))
	}
	st, err := parley.Open(ctx, cfg.Database.URL, opts...)
	if err != nil {
		return nil, err
	}
	pg := store.NewPostgres(st)
	if err := pg.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	b := &backend{fetcher: pg, writer: store.NewTxWriter(st), health: st, store: st}

	switch cfg.Database.Driver {
	case config.DriverBun:
		f := bunstore.Open(st.PgxPool(), bunstore.WithQueryHook(hooks.NewBunHook(queries)))
		b.fetcher = f
		b.closers = append(b.closers, f)
	case config.DriverGorm:
		f, err := gormstore.Open(st.PgxPool(), gormstore.WithLogger(hooks.NewGormLogger(queries, logger)))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.fetcher = f
	}
	logger.Info("connected to postgres", "read_driver", cfg.Database.Driver)
	return b, nil
}

func openBroker(ctx context.Context, cfg *config.Config, be *backend, logger *slog.Logger) (broker.Broker, error) {
	bl := logger.With("broker", cfg.Broker.Kind)
	switch cfg.Broker.Kind {
	case config.BrokerMemory:
		return memory.NewHub().Connect(), nil
	case config.BrokerPostgres:
		if be.store == nil {
			return nil, errors.New("postgres broker needs a database")
		}
		return pgnotify.New(ctx, be.store.PgxPool(),
			pgnotify.WithLogger(bl),
			pgnotify.WithMaxPayload(cfg.Broker.MaxPayload.Int()))
	case config.BrokerRabbitMQ:
		return rabbitmq.New(cfg.Broker.RabbitMQURL, rabbitmq.WithLogger(bl))
	case config.BrokerKafka:
		return kafka.New(cfg.Broker.KafkaSeeds, events.Topics(), kafka.WithLogger(bl))
	}
	return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
}

func serve(ctx context.Context, cfg *config.Config, dev bool, logger *slog.Logger) error {
	m := metrics.New()
	queries := hooks.Chain(hooks.Log(logger, slowQuery), m.QueryObserver())
	be, err := openBackend(ctx, cfg, dev, logger, queries)
	if err != nil {
		return err
	}
	defer be.Close()

	br, err := openBroker(ctx, cfg, be, logger)
	if err != nil {
		return err
	}
	defer br.Close()

	pub := events.NewPublisher(br,
		events.WithLogger(logger),
		events.WithTimeout(cfg.Publisher.Timeout.Duration()),
		events.WithFailureHook(m.PublishFailed))
	reg := live.NewRegistry(br,
		live.WithLogger(logger),
		live.WithObserver(m.Live()),
		live.WithBufferSize(cfg.Live.BufferSize),
		live.WithOriginTTL(cfg.Live.OriginTTL.Duration()))
	defer reg.Close()

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.Secret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience))
	builder := request.NewBuilder(verifier, be.fetcher,
		request.WithCookieName(cfg.Auth.CookieName),
		request.WithLoaderOptions(
			loader.WithWait(cfg.Loader.Wait.Duration()),
			loader.WithMaxBatch(cfg.Loader.MaxBatch),
			loader.WithFlushOnWait(cfg.Loader.FlushOnWait),
			loader.WithObserver(m.LoaderObserver()),
		))
	res := resolvers.New(be.writer, pub, reg, resolvers.WithLogger(logger))

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(m),
		httpapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	}
	if be.health != nil {
		apiOpts = append(apiOpts, httpapi.WithHealth(be.health))
	}
	api := httpapi.New(builder, res, apiOpts...)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "origin", pub.Origin(), "broker", cfg.Broker.Kind)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// websocket streams are hijacked; closing the registry ends them
	reg.Close()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
