package access

import (
	"context"
	"strings"

	"golang.org/x/exp/slices"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
)

// DefaultAccessLevels are used by Static when no levels are configured:
// guests may read members-only code of public and internal projects,
// reporters may read private projects.
var DefaultAccessLevels = AccessLevels{PublicAndInternal: 10, Private: 20}

// Membership is a direct grant on a group or project.
type Membership struct {
	ID          int64 `json:"id" yaml:"id"`
	AccessLevel int   `json:"access_level" yaml:"access_level"`

	// TraversalIDs is the formatted path of the group, or of the project's
	// namespace.
	TraversalIDs string `json:"traversal_ids" yaml:"traversal_ids"`

	// CustomRole marks grants made through a custom role that includes
	// code read access.
	CustomRole bool `json:"custom_role,omitempty" yaml:"custom_role"`
}

// Static is an Authorization backed by precomputed grants, as sent by the
// application alongside a search request.
type Static struct {
	Levels   map[string]AccessLevels `json:"access_levels,omitempty"`
	Groups   []Membership            `json:"groups,omitempty"`
	Projects []Membership            `json:"projects,omitempty"`
}

var _ Authorization = (*Static)(nil)

func (s *Static) AccessLevelsForFeature(_ context.Context, feature string) (AccessLevels, error) {
	if l, ok := s.Levels[feature]; ok {
		return l, nil
	}
	return DefaultAccessLevels, nil
}

func (s *Static) ProjectsForUser(_ context.Context, _ *dispatch.User, scope Scope) ([]int64, error) {
	return filter(s.Projects, scope, false, true), nil
}

func (s *Static) GroupsForUser(_ context.Context, _ *dispatch.User, scope Scope) ([]int64, error) {
	return filter(s.Groups, scope, false, false), nil
}

func (s *Static) GroupsWithCustomRoles(_ context.Context, _ *dispatch.User, scope Scope) ([]int64, error) {
	return filter(s.Groups, scope, true, false), nil
}

func (s *Static) ProjectsWithCustomRoles(_ context.Context, _ *dispatch.User, scope Scope) ([]int64, error) {
	return filter(s.Projects, scope, true, true), nil
}

func (s *Static) FormattedTraversalIDs(_ context.Context, groupIDs []int64) ([]string, error) {
	var out []string
	for _, m := range s.Groups {
		if slices.Contains(groupIDs, m.ID) && m.TraversalIDs != "" {
			out = append(out, m.TraversalIDs)
		}
	}
	return out, nil
}

func filter(ms []Membership, scope Scope, customRole, projects bool) []int64 {
	var ids []int64
	for _, m := range ms {
		if m.CustomRole != customRole {
			continue
		}
		if !customRole && m.AccessLevel < scope.MinAccessLevel {
			continue
		}
		if !inScope(m, scope, projects) {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func inScope(m Membership, scope Scope, project bool) bool {
	switch scope.SearchLevel {
	case dispatch.SearchLevelProject:
		// A project search needs the grant on the project itself or on one
		// of its ancestors.
		if project {
			return m.ID == scope.ProjectID.Value()
		}
		if scope.TraversalIDs == "" {
			return true
		}
		return m.TraversalIDs != "" && strings.HasPrefix(scope.TraversalIDs, m.TraversalIDs)
	case dispatch.SearchLevelGroup:
		if scope.TraversalIDs == "" {
			return true
		}
		// A group without a known path is nobody's ancestor.
		if m.TraversalIDs == "" {
			return false
		}
		// Grants below the group, or on one of its ancestors.
		return strings.HasPrefix(m.TraversalIDs, scope.TraversalIDs) ||
			(!project && strings.HasPrefix(scope.TraversalIDs, m.TraversalIDs))
	}
	return true
}

// collapse sorts and dedupes traversal ids, dropping any id covered by an
// ancestor already in the list.
func collapse(traversalIDs []string) []string {
	ids := slices.Clone(traversalIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	out := ids[:0]
	for _, id := range ids {
		if len(out) > 0 && strings.HasPrefix(id, out[len(out)-1]) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func union(a, b []int64) []int64 {
	ids := append(slices.Clone(a), b...)
	slices.Sort(ids)
	return slices.Compact(ids)
}
