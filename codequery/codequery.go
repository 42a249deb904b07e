// Package codequery composes the complete query tree for a code search:
// the user's query, the search scope and the access branches.
package codequery

import (
	"context"

	"github.com/pkg/errors"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/access"
	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
	"gitlab.com/gitlab-org/zoekt-dispatch/query"
)

// Options configure Build.
type Options struct {
	SearchLevel dispatch.SearchLevel
	ProjectID   optional.Option[int64]
	GroupID     optional.Option[int64]

	// TraversalIDs is the formatted path of GroupID. Required for group
	// searches.
	TraversalIDs string

	IncludeArchived bool
	IncludeForks    bool

	// RepoIDs restricts the search to known repositories. It is only honored
	// when UseTraversalIDs is false.
	RepoIDs         optional.Option[[]int64]
	UseTraversalIDs bool

	User *dispatch.User
	Auth access.Authorization
}

// Result holds a built query.
type Result struct {
	Query query.Q
}

// Build returns the query tree for q.
//
// The children of the top-level And are ordered for the engine: the query
// string first, then the scope filter (repo_ids or traversal_ids), then
// archived and forked, and the access branches last since they are the
// most expensive to evaluate. Keep it that way.
func Build(ctx context.Context, q string, opts Options) (*Result, error) {
	base, err := query.ByQueryString(q)
	if err != nil {
		return nil, err
	}

	if opts.RepoIDs.Has() && !opts.UseTraversalIDs {
		ids := opts.RepoIDs.Value()
		if len(ids) == 0 {
			return nil, dispatch.InvalidArgumentf("repo ids cannot be empty")
		}
		return &Result{Query: query.NewAnd(base, query.ByRepoIDs(ids))}, nil
	}

	children := []query.Q{base}

	switch opts.SearchLevel {
	case dispatch.SearchLevelProject:
		if !opts.ProjectID.Has() {
			return nil, dispatch.InvalidArgumentf("project id is required for a project search")
		}
		children = append(children, query.ByRepoIDs([]int64{opts.ProjectID.Value()}))
	case dispatch.SearchLevelGroup:
		f, err := query.ByTraversalIDs(opts.TraversalIDs)
		if err != nil {
			return nil, errors.Wrap(err, "group search")
		}
		children = append(children, f)
	case dispatch.SearchLevelGlobal, "":
	default:
		return nil, dispatch.InvalidArgumentf("unsupported search level %q", opts.SearchLevel)
	}

	if !opts.IncludeArchived {
		children = append(children, query.ByArchived(false))
	}
	if !opts.IncludeForks {
		children = append(children, query.ByForked(false))
	}

	branches, err := access.Build(ctx, opts.User, opts.Auth, access.Options{
		SearchLevel:  opts.SearchLevel,
		GroupID:      opts.GroupID,
		ProjectID:    opts.ProjectID,
		TraversalIDs: opts.TraversalIDs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "access branches")
	}
	children = append(children, query.NewOr(branches...))

	return &Result{Query: query.NewAnd(children...)}, nil
}
