// Package request turns one logical search into the payload posted to a
// zoekt proxy node, which forwards it to every target node.
package request

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/access"
	"gitlab.com/gitlab-org/zoekt-dispatch/balancer"
	"gitlab.com/gitlab-org/zoekt-dispatch/codequery"
	"gitlab.com/gitlab-org/zoekt-dispatch/fleet"
	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
	"gitlab.com/gitlab-org/zoekt-dispatch/query"
	"gitlab.com/gitlab-org/zoekt-dispatch/selector"
)

// Version is the payload format understood by the zoekt webserver.
const Version = 2

// Params are the engine tuning knobs sent with every search.
type Params struct {
	Timeout                    time.Duration
	NumContextLines            int
	MaxFileMatchWindow         int
	MaxFileMatchResults        int
	MaxLineMatchWindow         int
	MaxLineMatchResults        int
	MaxLineMatchResultsPerFile int
}

var DefaultParams = Params{
	Timeout:                    120 * time.Second,
	NumContextLines:            1,
	MaxFileMatchWindow:         1000,
	MaxFileMatchResults:        dispatch.MaxResultCount,
	MaxLineMatchWindow:         500,
	MaxLineMatchResults:        dispatch.MaxResultCount,
	MaxLineMatchResultsPerFile: 50,
}

// Payload is the JSON body of a v2 search.
type Payload struct {
	Version                    int       `json:"version"`
	Timeout                    string    `json:"timeout"`
	NumContextLines            int       `json:"num_context_lines"`
	MaxFileMatchWindow         int       `json:"max_file_match_window"`
	MaxFileMatchResults        int       `json:"max_file_match_results"`
	MaxLineMatchWindow         int       `json:"max_line_match_window"`
	MaxLineMatchResults        int       `json:"max_line_match_results"`
	MaxLineMatchResultsPerFile int       `json:"max_line_match_results_per_file"`
	ForwardTo                  []Forward `json:"forward_to"`
}

// Forward is the search one node runs.
type Forward struct {
	Query    query.Wire `json:"query"`
	Endpoint string     `json:"endpoint"`
}

// Request is one logical search.
type Request struct {
	Query    string
	User     *dispatch.User
	Auth     access.Authorization
	Options  dispatch.Options
	Features dispatch.Features
	Balancer *balancer.Balancer

	// MaxResults overrides the file and line result caps when positive.
	MaxResults int
}

// Builder is safe for concurrent use.
type Builder struct {
	Registry  fleet.Registry
	Selector  *selector.Selector
	Directory dispatch.Directory
	Params    Params
}

// Build returns the payload for r and the nodes it targets.
func (b *Builder) Build(ctx context.Context, r Request) (*Payload, []fleet.Node, error) {
	opts := r.Options.Normalize()

	var (
		forwards []Forward
		nodes    []fleet.Node
		err      error
	)
	if r.Features.TraversalIDQueries {
		forwards, nodes, err = b.traversal(ctx, r, opts)
	} else {
		forwards, nodes, err = b.targets(ctx, r, opts)
	}
	if err != nil {
		return nil, nil, err
	}

	p := b.payload(r.MaxResults)
	p.ForwardTo = forwards
	return p, nodes, nil
}

func (b *Builder) payload(maxResults int) *Payload {
	params := b.Params
	if params == (Params{}) {
		params = DefaultParams
	}
	if maxResults > 0 {
		params.MaxFileMatchResults = maxResults
		params.MaxLineMatchResults = maxResults
	}
	return &Payload{
		Version:                    Version,
		Timeout:                    strconv.Itoa(int(params.Timeout.Seconds())) + "s",
		NumContextLines:            params.NumContextLines,
		MaxFileMatchWindow:         params.MaxFileMatchWindow,
		MaxFileMatchResults:        params.MaxFileMatchResults,
		MaxLineMatchWindow:         params.MaxLineMatchWindow,
		MaxLineMatchResults:        params.MaxLineMatchResults,
		MaxLineMatchResultsPerFile: params.MaxLineMatchResultsPerFile,
	}
}

// traversal sends the same access controlled query to every node.
func (b *Builder) traversal(ctx context.Context, r Request, opts dispatch.Options) ([]Forward, []fleet.Node, error) {
	sc, err := b.scope(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	var nodes []fleet.Node
	if opts.NodeID.Has() {
		n, err := b.node(ctx, opts.NodeID.Value())
		if err != nil {
			return nil, nil, err
		}
		nodes = []fleet.Node{*n}
	} else {
		nodes, err = b.Selector.Nodes(ctx, r.Balancer, selector.Target{
			SearchLevel:     opts.SearchLevel,
			RootNamespaceID: sc.rootNamespaceID,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	res, err := codequery.Build(ctx, r.Query, codequery.Options{
		SearchLevel:     opts.SearchLevel,
		ProjectID:       opts.ProjectID,
		GroupID:         opts.GroupID,
		TraversalIDs:    sc.traversalIDs,
		IncludeArchived: opts.Filters.IncludeArchived,
		IncludeForks:    !opts.Filters.ExcludeForks,
		UseTraversalIDs: true,
		User:            r.User,
		Auth:            r.Auth,
	})
	if err != nil {
		return nil, nil, err
	}

	forwards := make([]Forward, len(nodes))
	for i, n := range nodes {
		forwards[i] = Forward{Query: query.Wire{Q: res.Query}, Endpoint: n.Endpoint()}
	}
	return forwards, nodes, nil
}

// targets sends each node a query restricted to the repositories it holds.
// Access was checked when the target map was built.
func (b *Builder) targets(ctx context.Context, r Request, opts dispatch.Options) ([]Forward, []fleet.Node, error) {
	targets := opts.Targets
	if opts.NodeID.Has() {
		id := opts.NodeID.Value()
		targets = map[int64][]int64{id: targets[id]}
	}
	if len(targets) == 0 {
		return nil, nil, dispatch.InvalidArgumentf("targets are required when traversal id queries are disabled")
	}

	ids := maps.Keys(targets)
	slices.Sort(ids)

	forwards := make([]Forward, 0, len(ids))
	nodes := make([]fleet.Node, 0, len(ids))
	for _, id := range ids {
		n, err := b.node(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		res, err := codequery.Build(ctx, r.Query, codequery.Options{
			SearchLevel: opts.SearchLevel,
			RepoIDs:     optional.Some(targets[id]),
		})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "node %d", id)
		}
		forwards = append(forwards, Forward{Query: query.Wire{Q: res.Query}, Endpoint: n.Endpoint()})
		nodes = append(nodes, *n)
	}
	return forwards, nodes, nil
}

func (b *Builder) node(ctx context.Context, id int64) (*fleet.Node, error) {
	n, ok, err := b.Registry.Node(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "node %d", id)
	}
	if !ok {
		return nil, dispatch.InvalidArgumentf("node %d does not exist", id)
	}
	return n, nil
}

type scope struct {
	rootNamespaceID int64
	traversalIDs    string
}

// scope resolves the namespace a project or group search runs in.
func (b *Builder) scope(ctx context.Context, opts dispatch.Options) (scope, error) {
	switch opts.SearchLevel {
	case dispatch.SearchLevelProject:
		p, ok, err := b.Directory.Project(ctx, opts.ProjectID.Value())
		if err != nil {
			return scope{}, errors.Wrap(err, "project")
		}
		if !ok {
			return scope{}, dispatch.InvalidArgumentf("project %d does not exist", opts.ProjectID.Value())
		}
		return scope{rootNamespaceID: p.RootID(), traversalIDs: dispatch.FormatTraversalIDs(p.TraversalIDs)}, nil
	case dispatch.SearchLevelGroup:
		g, ok, err := b.Directory.Group(ctx, opts.GroupID.Value())
		if err != nil {
			return scope{}, errors.Wrap(err, "group")
		}
		if !ok {
			return scope{}, dispatch.InvalidArgumentf("group %d does not exist", opts.GroupID.Value())
		}
		return scope{rootNamespaceID: g.RootID(), traversalIDs: dispatch.FormatTraversalIDs(g.Path())}, nil
	}
	return scope{}, nil
}
