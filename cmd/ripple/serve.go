package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ripple-frame/ripple/internal/config"
	"github.com/ripple-frame/ripple/internal/errors"
	"github.com/ripple-frame/ripple/pkg/middleware"
	"github.com/ripple-frame/ripple/pkg/server"
	"github.com/ripple-frame/ripple/pkg/state"
	"github.com/ripple-frame/ripple/pkg/store"
)

func serveCmd() *cobra.Command {
	var (
		addr       string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference counter application",
		Long: `Run a Ripple server with the built-in reference application.

The reference app registers a handful of handlers (counter.increment,
counter.add, counter.reset, job.run, ticker.start) and is meant for
trying out the protocol and smoke-testing a deployment. Applications
embed the server package directly instead.

Examples:
  ripple serve
  ripple serve --addr=:9000
  ripple serve --config=./ripple.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, configPath)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from ripple.json)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to ripple.json")

	return cmd
}

func runServe(addr, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Address = addr
	}

	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := newStore(ctx, cfg)
	cancel()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()

	sc := server.DefaultServerConfig()
	sc.Address = cfg.Server.Address
	sc.TrustedProxies = cfg.Server.TrustedProxies
	sc.MaxSessions = cfg.Server.MaxSessions
	sc.MaxSessionsPerIP = cfg.Server.MaxSessionsPerIP
	sc.ShutdownTimeout = cfg.ShutdownTimeout()
	sc.SessionConfig.ResumeWindow = cfg.ResumeWindow()
	sc.SessionConfig.IdleTimeout = cfg.IdleTimeout()
	sc.SessionConfig.HeartbeatInterval = cfg.HeartbeatInterval()
	sc.SessionConfig.MaxEventQueue = cfg.Session.MaxEventQueue
	sc.SessionConfig.MaxEmitChain = cfg.Session.MaxEmitChain

	srv := server.New(sc,
		server.WithLogger(logger),
		server.WithStore(st),
		server.WithRegisterer(promReg),
		server.WithInitialVars(func() map[string]any {
			return map[string]any{"count": 0, "ticks": 0, "status": "idle"}
		}),
	)

	if cfg.Tracing.Enabled {
		srv.Use(middleware.OpenTelemetry(middleware.WithTracerName(cfg.Name)))
	}
	if cfg.Metrics.Enabled {
		srv.Use(middleware.Prometheus(
			middleware.WithNamespace(cfg.Metrics.Namespace),
			middleware.WithRegistry(promReg),
		))
	}

	registerReferenceApp(srv)

	mux := chi.NewRouter()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
	mux.Mount("/", srv.Handler())

	printBanner()
	info("listening on %s", cfg.Server.Address)
	info("WebSocket endpoint: %s", server.WebSocketPath)
	if cfg.Metrics.Enabled {
		info("metrics: %s", cfg.Metrics.Path)
	}
	fmt.Println()

	httpSrv := &http.Server{Addr: cfg.Server.Address, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.New("E140").Wrap(err)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

// loadConfig resolves the configuration: an explicit path wins, then the
// nearest ripple.json, then built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if root, err := config.FindProjectRoot(wd); err == nil {
		return config.Load(root)
	}
	return config.New(), nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// newStore builds the session snapshot store selected in ripple.json.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.New("E121").
				WithDetail("Redis at " + cfg.Store.Redis.Addr + " did not answer").
				Wrap(err)
		}
		var opts []store.RedisStoreOption
		if cfg.Store.Redis.Prefix != "" {
			opts = append(opts, store.WithRedisPrefix(cfg.Store.Redis.Prefix))
		}
		return store.NewRedisStore(client, opts...), nil

	case "sql":
		db, err := sql.Open(cfg.Store.SQL.Driver, cfg.Store.SQL.DSN)
		if err != nil {
			return nil, errors.New("E121").
				WithDetail("Driver " + cfg.Store.SQL.Driver + " failed to open").
				WithSuggestion("The driver must be compiled into the binary; embed the server package and import the driver").
				Wrap(err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, errors.New("E121").Wrap(err)
		}
		st := store.NewSQLStore(db,
			store.WithSQLTable(cfg.Store.SQL.Table),
			store.WithSQLDialect(sqlDialect(cfg.Store.SQL)),
		)
		if err := st.CreateTable(ctx); err != nil {
			return nil, errors.New("E121").Wrap(err)
		}
		return st, nil

	case "s3":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Store.S3.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Store.S3.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, errors.New("E121").Wrap(err)
		}
		client := awss3.NewFromConfig(awsCfg)
		return store.NewS3Store(client, cfg.Store.S3.Bucket,
			store.WithS3Prefix(cfg.Store.S3.Prefix)), nil
	}
	return nil, errors.New("E120").
		WithDetail("Backend " + cfg.Store.Backend + " is not supported")
}

func sqlDialect(cfg config.SQLConfig) store.Dialect {
	name := cfg.Dialect
	if name == "" {
		name = cfg.Driver
	}
	switch {
	case strings.Contains(name, "mysql"):
		return store.DialectMySQL
	case strings.Contains(name, "sqlite"):
		return store.DialectSQLite
	default:
		return store.DialectPostgreSQL
	}
}

// registerReferenceApp wires the demo handlers used by 'ripple serve'.
func registerReferenceApp(srv *server.Server) {
	srv.Handle("counter.increment", func(c *server.Ctx) error {
		_, err := c.Inc("count", 1)
		return err
	})

	srv.Handle("counter.add", func(c *server.Ctx) error {
		var args struct {
			By int `json:"by"`
		}
		if err := c.Bind(&args); err != nil {
			return err
		}
		_, err := c.Inc("count", args.By)
		return err
	})

	srv.Handle("counter.reset", func(c *server.Ctx) error {
		return c.Set("count", 0)
	})

	// job.run streams progress through Yield: each stage is committed and
	// broadcast before the next begins.
	srv.Handle("job.run", func(c *server.Ctx) error {
		for _, stage := range []string{"fetching", "processing", "done"} {
			if err := c.Set("status", stage); err != nil {
				return err
			}
			if stage != "done" {
				if err := c.Yield(); err != nil {
					return err
				}
			}
		}
		return c.Emit("job.finished", nil)
	})

	srv.Handle("job.finished", func(c *server.Ctx) error {
		c.Logger().Info("job finished", "count", c.Int("count"))
		return nil
	})

	// ticker.start runs until the session closes, committing a tick every
	// second from outside the event loop.
	srv.HandleBackground("ticker.start", func(c *server.Ctx) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Context().Done():
				return c.Context().Err()
			case <-ticker.C:
				err := c.Mutate(func(tx *state.Tx) error {
					_, err := tx.Inc("ticks", 1)
					return err
				})
				if err != nil {
					return err
				}
			}
		}
	})
}
