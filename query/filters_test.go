package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
)

func TestByRepoIDs(t *testing.T) {
	ids := []int64{3, 1, 2}
	q := ByRepoIDs(ids)
	ids[0] = 99
	assert.Equal(t, &RepoIDs{IDs: []int64{3, 1, 2}}, q)

	assert.Equal(t, &RepoIDs{IDs: []int64{}}, ByRepoIDs(nil))
}

func TestByRepoIDValues(t *testing.T) {
	q, err := ByRepoIDValues([]any{float64(1), "2", 3})
	require.NoError(t, err)
	assert.Equal(t, &RepoIDs{IDs: []int64{1, 2, 3}}, q)

	q, err = ByRepoIDValues([]any{})
	require.NoError(t, err)
	assert.Equal(t, &RepoIDs{IDs: []int64{}}, q)

	for _, bad := range []any{nil, 7, "1,2", []any{"x"}} {
		_, err := ByRepoIDValues(bad)
		assert.Truef(t, errors.Is(err, dispatch.ErrInvalidArgument), "%v: %v", bad, err)
	}
}

func TestByProjectIDs(t *testing.T) {
	_, err := ByProjectIDs(nil)
	assert.True(t, errors.Is(err, dispatch.ErrInvalidArgument))

	q, err := ByProjectIDs([]int64{7})
	require.NoError(t, err)
	assert.Equal(t, &Meta{Key: "project_id", Value: "^7$"}, q)

	q, err = ByProjectIDs([]int64{7, 8})
	require.NoError(t, err)
	assert.Equal(t, `(or meta:project_id="^7$" meta:project_id="^8$")`, q.String())
}

func TestByTraversalIDs(t *testing.T) {
	_, err := ByTraversalIDs("  ")
	assert.True(t, errors.Is(err, dispatch.ErrInvalidArgument))

	q, err := ByTraversalIDs("9970-123-")
	require.NoError(t, err)
	assert.Equal(t, &Meta{Key: "traversal_ids", Value: "^9970-123-"}, q)
}

func TestByQueryString(t *testing.T) {
	_, err := ByQueryString(" \t")
	assert.True(t, errors.Is(err, dispatch.ErrInvalidArgument))

	q, err := ByQueryString("foo")
	require.NoError(t, err)
	assert.Equal(t, &QueryString{Query: "foo"}, q)
}

func TestByRegexp(t *testing.T) {
	_, err := ByRegexp("a(b")
	assert.True(t, errors.Is(err, dispatch.ErrInvalidArgument))

	q, err := ByRegexp("a.b", CaseSensitive(true))
	require.NoError(t, err)
	assert.Equal(t, `case_regex:"a.b"`, q.String())
}

func TestLevelFilters(t *testing.T) {
	cases := []struct {
		got  Q
		want string
	}{
		{ByArchived(false), `meta:archived="^f$"`},
		{ByForked(true), `meta:forked="^t$"`},
		{ByVisibility(20), `meta:visibility_level="^20$"`},
		{ByVisibility(10, 20), `meta:visibility_level="^(10|20)$"`},
		{ByRepositoryAccess(10, 20), `meta:repository_access_level="^(10|20)$"`},
	}
	for _, tt := range cases {
		if d := cmp.Diff(tt.want, tt.got.String()); d != "" {
			t.Errorf("mismatch (-want +got):\n%s", d)
		}
	}
}

func TestEmptyLogicalNodes(t *testing.T) {
	assert.Equal(t, "(and )", NewAnd().String())
	assert.Equal(t, "(or )", NewOr().String())
}

func TestWithContext(t *testing.T) {
	q := WithContext(BySubstring("x"), "label")
	assert.Equal(t, &Context{Name: "label"}, ContextOf(q))
	assert.Nil(t, ContextOf(BySubstring("x")))
}
