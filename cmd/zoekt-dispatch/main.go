// Command zoekt-dispatch answers code search requests by building the
// access controlled zoekt query, choosing the nodes holding the searched
// namespace and paginating their results.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/redis/go-redis/v9"
	sglog "github.com/sourcegraph/log"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/cache"
	"gitlab.com/gitlab-org/zoekt-dispatch/client"
	"gitlab.com/gitlab-org/zoekt-dispatch/debugserver"
	"gitlab.com/gitlab-org/zoekt-dispatch/fleet"
	zjson "gitlab.com/gitlab-org/zoekt-dispatch/json"
	"gitlab.com/gitlab-org/zoekt-dispatch/request"
	"gitlab.com/gitlab-org/zoekt-dispatch/search"
	"gitlab.com/gitlab-org/zoekt-dispatch/selector"
	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

const envPrefix = "ZOEKT_DISPATCH"

type rootConfig struct {
	listen      string
	inventory   string
	redisAddrs  string
	redisPrefix string
	pprof       bool

	retryMax    int
	timeout     time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
}

func (rc *rootConfig) registerRootFlags(fs *flag.FlagSet) {
	fs.StringVar(&rc.inventory, "inventory", "zoekt-dispatch.yml", "path to the YAML inventory of nodes, replicas, namespaces and feature flags. It is reloaded when it changes.")
	fs.StringVar(&rc.redisAddrs, "redis", "", "comma separated redis addresses for load counters, cached results and node backoff. When empty they are kept in memory.")
	fs.StringVar(&rc.redisPrefix, "redis_prefix", "", "prefix of every redis key.")
	fs.IntVar(&rc.retryMax, "retry_max", client.DefaultOptions.RetryMax, "retries of a failed node request.")
	fs.DurationVar(&rc.timeout, "timeout", client.DefaultOptions.Timeout, "timeout of a node request, retries included.")
	fs.DurationVar(&rc.backoffBase, "backoff_base", client.DefaultOptions.BackoffBase, "how long a node is skipped after its first failure. Doubles with every further failure.")
	fs.DurationVar(&rc.backoffMax, "backoff_max", client.DefaultOptions.BackoffMax, "the longest a node is skipped.")
}

func rootCmd() *ffcli.Command {
	rootFs := flag.NewFlagSet("rootFs", flag.ExitOnError)
	conf := rootConfig{}
	conf.registerRootFlags(rootFs)
	rootFs.StringVar(&conf.listen, "listen", ":6080", "listen on this address.")
	rootFs.BoolVar(&conf.pprof, "pprof", false, "set to enable remote profiling.")

	return &ffcli.Command{
		FlagSet:     rootFs,
		ShortUsage:  "zoekt-dispatch [flags] [<subcommand>]",
		Options:     []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Subcommands: []*ffcli.Command{debugCmd()},
		Exec: func(ctx context.Context, args []string) error {
			return startServer(ctx, conf)
		},
	}
}

// deps are the collaborators shared by the server and the debug commands.
type deps struct {
	fleet  *fleet.Static
	store  store.Store
	search *search.Service
}

func newDeps(conf rootConfig, logger sglog.Logger) (*deps, error) {
	inv, err := fleet.ReadInventory(conf.inventory)
	if err != nil {
		return nil, err
	}
	fl := fleet.NewStatic(inv)

	var st store.Store
	if conf.redisAddrs == "" {
		logger.Warn("no redis configured, load and cached results are not shared between instances")
		st = store.NewMemory()
	} else {
		st = store.NewRedis(redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: strings.Split(conf.redisAddrs, ","),
		}), conf.redisPrefix)
	}

	return &deps{
		fleet: fl,
		store: st,
		search: &search.Service{
			Builder: &request.Builder{
				Registry:  fl,
				Directory: fl,
				Selector:  selector.New(fl, logger),
			},
			Client: client.New(st, logger, client.Options{
				RetryMax:    conf.retryMax,
				Timeout:     conf.timeout,
				BackoffBase: conf.backoffBase,
				BackoffMax:  conf.backoffMax,
			}),
			Store:     st,
			Cache:     cache.New(st, logger),
			Directory: fl,
			Flags:     fl,
			Logger:    logger,
		},
	}, nil
}

func startServer(ctx context.Context, conf rootConfig) error {
	logger := sglog.Scoped("server", "zoekt dispatch server")

	d, err := newDeps(conf, logger)
	if err != nil {
		return err
	}

	s := &zjson.Server{
		Search:   d.search,
		Registry: d.fleet,
		Store:    d.store,
		Logger:   logger,
	}
	handler := s.Handler()
	debugserver.AddHandlers(handler, conf.pprof)

	srv := &http.Server{
		Addr:    conf.listen,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fleet.Watch(ctx, logger.Scoped("inventory", "inventory reloader"), conf.inventory, d.fleet)
	})
	g.Go(func() error {
		logger.Info("starting server", sglog.String("address", conf.listen))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		// Wait for 10s to drain ongoing requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	liblog := sglog.Init(sglog.Resource{
		Name:       "zoekt-dispatch",
		Version:    dispatch.Version,
		InstanceID: os.Getenv("HOSTNAME"),
	})
	defer liblog.Sync()

	// Tune GOMAXPROCS to match Linux container CPU quota.
	_, _ = maxprocs.Set()

	if err := rootCmd().ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
