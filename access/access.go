// Package access encodes what a user may search as a list of query
// branches. Callers OR the branches together; each one is cheap for the
// engine to evaluate on its own.
package access

import (
	"context"

	"github.com/pkg/errors"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
	"gitlab.com/gitlab-org/zoekt-dispatch/query"
)

// Project visibility levels.
const (
	VisibilityPrivate  = 0
	VisibilityInternal = 10
	VisibilityPublic   = 20
)

// Project feature access levels.
const (
	FeatureDisabled = 0
	FeaturePrivate  = 10
	FeatureEnabled  = 20
)

// FeatureRepository is the project feature guarding code search.
const FeatureRepository = "repository"

// AccessLevels are the minimum membership levels needed to read a feature.
type AccessLevels struct {
	// PublicAndInternal applies to public and internal projects whose
	// feature is restricted to members.
	PublicAndInternal int `json:"public_and_internal"`
	// Private applies to private projects.
	Private int `json:"private"`
}

// Scope restricts an authorization lookup to part of the namespace tree.
type Scope struct {
	MinAccessLevel int
	SearchLevel    dispatch.SearchLevel
	GroupID        optional.Option[int64]
	ProjectID      optional.Option[int64]

	// TraversalIDs is the formatted path of GroupID, if any.
	TraversalIDs string
}

// Authorization answers membership questions for the current user. It is
// provided by the application; this package never computes ACLs itself.
type Authorization interface {
	AccessLevelsForFeature(ctx context.Context, feature string) (AccessLevels, error)

	// ProjectsForUser and GroupsForUser return the ids the user was granted
	// directly at or above scope.MinAccessLevel.
	ProjectsForUser(ctx context.Context, user *dispatch.User, scope Scope) ([]int64, error)
	GroupsForUser(ctx context.Context, user *dispatch.User, scope Scope) ([]int64, error)

	// FormattedTraversalIDs returns the formatted traversal ids of groups,
	// see dispatch.FormatTraversalIDs.
	FormattedTraversalIDs(ctx context.Context, groupIDs []int64) ([]string, error)

	GroupsWithCustomRoles(ctx context.Context, user *dispatch.User, scope Scope) ([]int64, error)
	ProjectsWithCustomRoles(ctx context.Context, user *dispatch.User, scope Scope) ([]int64, error)
}

// Options describe the search the branches are built for.
type Options struct {
	SearchLevel  dispatch.SearchLevel
	GroupID      optional.Option[int64]
	ProjectID    optional.Option[int64]
	TraversalIDs string

	// Feature defaults to FeatureRepository.
	Feature string
}

func (o Options) scope(minAccessLevel int) Scope {
	return Scope{
		MinAccessLevel: minAccessLevel,
		SearchLevel:    o.SearchLevel,
		GroupID:        o.GroupID,
		ProjectID:      o.ProjectID,
		TraversalIDs:   o.TraversalIDs,
	}
}

// Build returns the branches for user, first match wins:
//
//   - admins get one branch matching every repository that is not disabled
//   - anonymous users get one branch for public repositories
//   - everyone else gets the public-and-internal branch, plus a branch for
//     members-only repositories of public/internal projects and one for
//     private projects, when the user has such grants
func Build(ctx context.Context, user *dispatch.User, auth Authorization, opts Options) ([]query.Q, error) {
	if user.CanReadAllResources() {
		return []query.Q{
			query.WithContext(query.ByRepositoryAccess(FeaturePrivate, FeatureEnabled), "admin"),
		}, nil
	}
	if user == nil {
		return []query.Q{
			query.WithContext(query.NewAnd(
				query.ByVisibility(VisibilityPublic),
				query.ByRepositoryAccess(FeatureEnabled),
			), "anonymous"),
		}, nil
	}

	branches := []query.Q{publicAndInternal()}
	if auth == nil {
		return branches, nil
	}

	feature := opts.Feature
	if feature == "" {
		feature = FeatureRepository
	}
	levels, err := auth.AccessLevelsForFeature(ctx, feature)
	if err != nil {
		return nil, errors.Wrap(err, "access levels")
	}

	b := builder{ctx: ctx, user: user, auth: auth}

	// Members-only repositories of public and internal projects.
	scope := opts.scope(levels.PublicAndInternal)
	groups, projects, err := b.direct(scope)
	if err != nil {
		return nil, err
	}
	if f, ok, err := b.authorized(groups, projects); err != nil {
		return nil, err
	} else if ok {
		branches = append(branches, query.WithContext(query.NewAnd(
			query.ByVisibility(VisibilityInternal, VisibilityPublic),
			query.ByRepositoryAccess(FeaturePrivate),
			f,
		), "public_and_internal_authorized"))
	}

	// Private projects, via direct grants or custom roles.
	scope = opts.scope(levels.Private)
	groups, projects, err = b.direct(scope)
	if err != nil {
		return nil, err
	}
	customGroups, err := auth.GroupsWithCustomRoles(ctx, user, scope)
	if err != nil {
		return nil, errors.Wrap(err, "groups with custom roles")
	}
	customProjects, err := auth.ProjectsWithCustomRoles(ctx, user, scope)
	if err != nil {
		return nil, errors.Wrap(err, "projects with custom roles")
	}
	if f, ok, err := b.authorized(union(groups, customGroups), union(projects, customProjects)); err != nil {
		return nil, err
	} else if ok {
		branches = append(branches, query.WithContext(query.NewAnd(
			query.ByRepositoryAccess(FeaturePrivate, FeatureEnabled),
			f,
		), "private_authorized"))
	}

	return branches, nil
}

func publicAndInternal() query.Q {
	return query.WithContext(query.NewAnd(
		query.ByVisibility(VisibilityInternal, VisibilityPublic),
		query.ByRepositoryAccess(FeatureEnabled),
	), "public_and_internal")
}

type builder struct {
	ctx  context.Context
	user *dispatch.User
	auth Authorization
}

func (b builder) direct(scope Scope) (groups, projects []int64, err error) {
	groups, err = b.auth.GroupsForUser(b.ctx, b.user, scope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "groups for user")
	}
	projects, err = b.auth.ProjectsForUser(b.ctx, b.user, scope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "projects for user")
	}
	return groups, projects, nil
}

// authorized ORs a traversal id filter per group with a project id filter
// per project. ok is false when there is nothing to authorize.
func (b builder) authorized(groups, projects []int64) (f query.Q, ok bool, err error) {
	var filters []query.Q
	if len(groups) > 0 {
		traversalIDs, err := b.auth.FormattedTraversalIDs(b.ctx, groups)
		if err != nil {
			return nil, false, errors.Wrap(err, "traversal ids")
		}
		for _, t := range collapse(traversalIDs) {
			q, err := query.ByTraversalIDs(t)
			if err != nil {
				return nil, false, err
			}
			filters = append(filters, q)
		}
	}
	if len(projects) > 0 {
		q, err := query.ByProjectIDs(projects)
		if err != nil {
			return nil, false, err
		}
		if or, isOr := q.(*query.Or); isOr {
			filters = append(filters, or.Children...)
		} else {
			filters = append(filters, q)
		}
	}

	switch len(filters) {
	case 0:
		return nil, false, nil
	case 1:
		return filters[0], true, nil
	}
	return query.NewOr(filters...), true, nil
}
