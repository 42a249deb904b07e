package codequery

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/access"
	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
	"gitlab.com/gitlab-org/zoekt-dispatch/query"
)

func TestBuildAnonymousProject(t *testing.T) {
	res, err := Build(context.Background(), "foo", Options{
		SearchLevel: dispatch.SearchLevelProject,
		ProjectID:   optional.Some[int64](7),
	})
	require.NoError(t, err)

	want := query.NewAnd(
		&query.QueryString{Query: "foo"},
		&query.RepoIDs{IDs: []int64{7}},
		&query.Meta{Key: "archived", Value: "^f$"},
		&query.Meta{Key: "forked", Value: "^f$"},
		query.NewOr(query.WithContext(query.NewAnd(
			&query.Meta{Key: "visibility_level", Value: "^20$"},
			&query.Meta{Key: "repository_access_level", Value: "^20$"},
		), "anonymous")),
	)
	if d := cmp.Diff(want.String(), res.Query.String()); d != "" {
		t.Fatalf("mismatch (-want +got):\n%s", d)
	}
	assert.Equal(t, want, res.Query)
}

func TestBuildChildOrder(t *testing.T) {
	res, err := Build(context.Background(), "foo", Options{
		SearchLevel:  dispatch.SearchLevelGroup,
		GroupID:      optional.Some[int64](123),
		TraversalIDs: "9970-123-",
		User:         &dispatch.User{ID: 1},
		Auth:         &access.Static{},
	})
	require.NoError(t, err)

	children := res.Query.(*query.And).Children
	require.Len(t, children, 5)
	assert.IsType(t, &query.QueryString{}, children[0])
	assert.Equal(t, `meta:traversal_ids="^9970-123-"`, children[1].String())
	assert.Equal(t, `meta:archived="^f$"`, children[2].String())
	assert.Equal(t, `meta:forked="^f$"`, children[3].String())
	assert.IsType(t, &query.Or{}, children[4])
}

func TestBuildGlobalIncludes(t *testing.T) {
	res, err := Build(context.Background(), "foo", Options{
		SearchLevel:     dispatch.SearchLevelGlobal,
		IncludeArchived: true,
		IncludeForks:    true,
		User:            &dispatch.User{ID: 1, Admin: true},
	})
	require.NoError(t, err)
	assert.Equal(t, `(and query_string:"foo" (or meta:repository_access_level="^(10|20)$"))`, res.Query.String())
}

func TestBuildRepoIDs(t *testing.T) {
	res, err := Build(context.Background(), "foo", Options{
		SearchLevel: dispatch.SearchLevelGlobal,
		RepoIDs:     optional.Some([]int64{1, 2}),
	})
	require.NoError(t, err)
	assert.Equal(t, `(and query_string:"foo" repo_ids:1,2)`, res.Query.String())

	// Traversal id queries ignore explicit repositories.
	res, err = Build(context.Background(), "foo", Options{
		SearchLevel:     dispatch.SearchLevelGlobal,
		RepoIDs:         optional.Some([]int64{1, 2}),
		UseTraversalIDs: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Query.String(), "repo_ids")

	_, err = Build(context.Background(), "foo", Options{RepoIDs: optional.Some([]int64{})})
	assert.True(t, errors.Is(err, dispatch.ErrInvalidArgument))
}

func TestBuildInvalid(t *testing.T) {
	cases := map[string]struct {
		q    string
		opts Options
	}{
		"blank query":       {" ", Options{}},
		"project without id": {"foo", Options{SearchLevel: dispatch.SearchLevelProject}},
		"group without path": {"foo", Options{SearchLevel: dispatch.SearchLevelGroup, GroupID: optional.Some[int64](1)}},
		"unknown level":      {"foo", Options{SearchLevel: "instance"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(context.Background(), tc.q, tc.opts)
			assert.True(t, errors.Is(err, dispatch.ErrInvalidArgument), err)
		})
	}
}
