// This file contains commands which run in a non daemon mode for testing/debugging.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	sglog "github.com/sourcegraph/log"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/balancer"
	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
	"gitlab.com/gitlab-org/zoekt-dispatch/request"
)

type searchFlags struct {
	projectID int64
	groupID   int64
	userID    int64
	admin     bool
	regex     bool
	page      int
	perPage   int
}

func (sf *searchFlags) register(fs *flag.FlagSet) {
	fs.Int64Var(&sf.projectID, "project", 0, "search this project.")
	fs.Int64Var(&sf.groupID, "group", 0, "search this group.")
	fs.Int64Var(&sf.userID, "user", 0, "search as this user. 0 searches anonymously.")
	fs.BoolVar(&sf.admin, "admin", false, "search as an admin.")
	fs.BoolVar(&sf.regex, "regex", false, "interpret the query as a regular expression.")
	fs.IntVar(&sf.page, "page", 1, "page to print.")
	fs.IntVar(&sf.perPage, "per_page", dispatch.DefaultPerPage, "results per page.")
}

func (sf *searchFlags) user() *dispatch.User {
	if sf.userID == 0 && !sf.admin {
		return nil
	}
	return &dispatch.User{ID: sf.userID, Admin: sf.admin}
}

func (sf *searchFlags) options() dispatch.Options {
	return dispatch.Options{
		ProjectID: optional.FromNonDefault(sf.projectID),
		GroupID:   optional.FromNonDefault(sf.groupID),
		Modes:     dispatch.Modes{Regex: sf.regex},
		Page:      sf.page,
		PerPage:   sf.perPage,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func debugPayload() *ffcli.Command {
	fs := flag.NewFlagSet("debug payload", flag.ExitOnError)
	conf := rootConfig{}
	conf.registerRootFlags(fs)
	sf := searchFlags{}
	sf.register(fs)

	return &ffcli.Command{
		Name:       "payload",
		ShortUsage: "payload [flags] <query>",
		ShortHelp:  "print the payload a search would send without sending it",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing query")
			}
			d, err := newDeps(conf, sglog.Scoped("debug", "debug commands"))
			if err != nil {
				return err
			}
			user := sf.user()
			features := dispatch.ResolveFeatures(d.fleet, user)
			p, nodes, err := d.search.Builder.Build(ctx, request.Request{
				Query:      strings.Join(args, " "),
				User:       user,
				Options:    sf.options(),
				Features:   features,
				Balancer:   balancer.New(d.store, balancer.Disabled(!features.LoadBalancer)),
				MaxResults: dispatch.MaxResultCount,
			})
			if err != nil {
				return err
			}
			for _, n := range nodes {
				fmt.Fprintf(os.Stderr, "node %s\n", n)
			}
			return printJSON(p)
		},
	}
}

func debugSearch() *ffcli.Command {
	fs := flag.NewFlagSet("debug search", flag.ExitOnError)
	conf := rootConfig{}
	conf.registerRootFlags(fs)
	sf := searchFlags{}
	sf.register(fs)

	return &ffcli.Command{
		Name:       "search",
		ShortUsage: "search [flags] <query>",
		ShortHelp:  "run a search and print a page of results",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing query")
			}
			d, err := newDeps(conf, sglog.Scoped("debug", "debug commands"))
			if err != nil {
				return err
			}
			res := d.search.NewResults(strings.Join(args, " "), sf.user(), nil, sf.options())
			blobs, err := res.Blobs(ctx, sf.page, sf.perPage)
			if err != nil {
				return err
			}
			if res.Failed() {
				return fmt.Errorf("search failed: %s", res.Error())
			}
			fmt.Fprintf(os.Stderr, "%s matches in %d files\n", res.FormattedCount(), res.FileCount())
			return printJSON(blobs)
		},
	}
}

func debugLoad() *ffcli.Command {
	fs := flag.NewFlagSet("debug load", flag.ExitOnError)
	conf := rootConfig{}
	conf.registerRootFlags(fs)
	reset := fs.Bool("reset", false, "delete the load counters instead of printing them.")

	return &ffcli.Command{
		Name:       "load",
		ShortUsage: "load [flags]",
		ShortHelp:  "print the load of every online node",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Exec: func(ctx context.Context, args []string) error {
			d, err := newDeps(conf, sglog.Scoped("debug", "debug commands"))
			if err != nil {
				return err
			}
			nodes, err := d.fleet.OnlineSearchableNodes(ctx)
			if err != nil {
				return err
			}
			b := balancer.New(d.store)
			if *reset {
				return b.Reset(ctx, nodes)
			}
			loads, err := b.Distribution(ctx, nodes)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				fmt.Printf("%s\t%g\n", n, loads[n.ID])
			}
			return nil
		},
	}
}

func debugCmd() *ffcli.Command {
	fs := flag.NewFlagSet("debug", flag.ExitOnError)

	return &ffcli.Command{
		Name:       "debug",
		ShortUsage: "debug <subcommand>",
		ShortHelp:  "a set of commands for debugging and testing",
		FlagSet:    fs,
		Subcommands: []*ffcli.Command{
			debugLoad(),
			debugPayload(),
			debugSearch(),
		},
	}
}
