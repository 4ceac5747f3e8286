package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentic-research/pokefs/internal/cache"
	"github.com/agentic-research/pokefs/internal/catalog"
	"github.com/agentic-research/pokefs/internal/config"
	"github.com/agentic-research/pokefs/internal/graph"
)

// annotMountArg marks commands whose first positional argument is the
// mountpoint, so it is applied before the config is validated.
const annotMountArg = "pokefs/mountpoint-arg"

// app carries resolved settings from the root command to its subcommands.
type app struct {
	// defaultConfig is read when --config is not given and the file exists.
	defaultConfig string
	// environ replaces the process environment when non-nil.
	environ map[string]string

	configPath string
	logLevel   string
	baseURL    string
	limit      int
	cachePath  string
	namespace  string
	redisURL   string
	arenaPath  string
	backend    string
	nfsListen  string
	opAddr     string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "pokefs",
		Short:         "Browse the PokéAPI catalog as a read-only filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd, args)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Path to an HCL config file (default ~/.pokefs/config.hcl if present)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&a.baseURL, "base-url", "", "Catalog API base URL")
	pf.IntVar(&a.limit, "limit", 0, "Number of catalog entries to fetch")
	pf.StringVar(&a.cachePath, "cache", "", "Path to the shared SQLite cache")
	pf.StringVar(&a.namespace, "namespace", "", "Shared cache namespace")
	pf.StringVar(&a.redisURL, "redis", "", "Keep the shared cache in Redis at this URL instead of SQLite")
	pf.StringVar(&a.arenaPath, "arena", "", "Keep the shared cache in a double-buffered arena file instead of SQLite")

	root.AddCommand(
		newServeCmd(a),
		newFetchCmd(a),
		newLsCmd(a),
		newCatCmd(a),
		newStatusCmd(a),
		newMCPCmd(a),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	a := &app{defaultConfig: config.DefaultFile()}
	if err := newRootCmd(a).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "pokefs:", err)
		os.Exit(1)
	}
}

// load resolves the config: defaults, file, environment, then flags.
func (a *app) load(cmd *cobra.Command, args []string) error {
	path := a.configPath
	if path == "" && a.defaultConfig != "" {
		if _, err := os.Stat(a.defaultConfig); err == nil {
			path = a.defaultConfig
		}
	}
	cfg, err := config.Load(path, a.environ)
	if err != nil {
		return err
	}
	a.applyFlags(cmd.Flags(), cfg)
	if _, ok := cmd.Annotations[annotMountArg]; ok && len(args) > 0 {
		cfg.Host.Mountpoint = args[0]
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) applyFlags(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("log-level", func() { cfg.LogLevel = a.logLevel })
	set("base-url", func() { cfg.Catalog.BaseURL = a.baseURL })
	set("limit", func() { cfg.Catalog.Limit = a.limit })
	set("cache", func() { cfg.Cache.Path = a.cachePath })
	set("namespace", func() { cfg.Cache.Namespace = a.namespace })
	set("redis", func() { cfg.Cache.RedisURL = a.redisURL })
	set("arena", func() { cfg.Cache.ArenaPath = a.arenaPath })
	set("backend", func() { cfg.Host.Backend = a.backend })
	set("nfs-listen", func() { cfg.Host.NFSListen = a.nfsListen })
	set("operator-addr", func() { cfg.Operator.Addr = a.opAddr })
}

// openStore opens the configured shared cache backend: Redis, then an
// arena file, then SQLite.
func (a *app) openStore(ctx context.Context) (*cache.Store, error) {
	var (
		b   cache.Backend
		err error
	)
	c := a.cfg.Cache
	switch {
	case c.RedisURL != "":
		b, err = cache.DialRedis(ctx, c.RedisURL, c.Namespace)
	case c.ArenaPath != "":
		b, err = cache.OpenArena(c.ArenaPath, c.Namespace, cache.DefaultArenaBufferSize)
	default:
		b, err = cache.OpenSQLite(c.Path, c.Namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return cache.NewStore(b, a.logger), nil
}

func (a *app) newClient(store *cache.Store) *catalog.Client {
	c := a.cfg.Catalog
	return catalog.NewClient(catalog.Options{
		BaseURL:         c.BaseURL,
		UserAgent:       c.UserAgent,
		RequestTimeout:  c.RequestTimeout,
		ResourceTimeout: c.ResourceTimeout,
		RateLimit:       c.RateLimit,
		Publisher:       store,
		Logger:          a.logger,
	})
}

func (a *app) newProjector(store *cache.Store, client *catalog.Client) *graph.Projector {
	opts := graph.ProjectorOptions{
		Source: store,
		Limit:  a.cfg.Catalog.Limit,
		Logger: a.logger,
	}
	if a.cfg.Catalog.FetchOnEmpty {
		opts.Fetcher = client
	}
	return graph.NewProjector(opts)
}

// readSide opens the store and builds the projector the read-only commands
// share. The caller closes the store.
func (a *app) readSide(ctx context.Context) (*cache.Store, *graph.Projector, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store, a.newProjector(store, a.newClient(store)), nil
}

func closeQuietly(logger *slog.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("close failed", "what", what, "error", err)
	}
}
