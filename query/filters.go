package query

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
)

// Metadata keys the indexer stores for every repository.
const (
	MetaProjectID        = "project_id"
	MetaTraversalIDs     = "traversal_ids"
	MetaArchived         = "archived"
	MetaForked           = "forked"
	MetaVisibilityLevel  = "visibility_level"
	MetaRepositoryAccess = "repository_access_level"
)

// MatchOption sets an optional attribute on Substring and Regexp filters.
type MatchOption func(*MatchAttrs)

func CaseSensitive(v bool) MatchOption {
	return func(a *MatchAttrs) { a.CaseSensitive = optional.Some(v) }
}

func FileName(v bool) MatchOption {
	return func(a *MatchAttrs) { a.FileName = optional.Some(v) }
}

func Content(v bool) MatchOption {
	return func(a *MatchAttrs) { a.Content = optional.Some(v) }
}

func matchAttrs(opts []MatchOption) MatchAttrs {
	var a MatchAttrs
	for _, o := range opts {
		o(&a)
	}
	return a
}

func BySubstring(pattern string, opts ...MatchOption) Q {
	return &Substring{Pattern: pattern, MatchAttrs: matchAttrs(opts)}
}

// ByRegexp fails if expr does not compile.
func ByRegexp(expr string, opts ...MatchOption) (Q, error) {
	if _, err := regexp.Compile(expr); err != nil {
		return nil, dispatch.InvalidArgumentf("regexp %q: %v", expr, err)
	}
	return &Regexp{Regexp: expr, MatchAttrs: matchAttrs(opts)}, nil
}

func ByMeta(key, value string) Q {
	return &Meta{Key: key, Value: value}
}

func BySymbol(expr Q) Q {
	return &Symbol{Expr: expr}
}

// ByQueryString fails if query is blank.
func ByQueryString(query string) (Q, error) {
	if strings.TrimSpace(query) == "" {
		return nil, dispatch.InvalidArgumentf("query string cannot be blank")
	}
	return &QueryString{Query: query}, nil
}

// ByRepoIDs matches the given repositories. An empty list is allowed.
func ByRepoIDs(ids []int64) Q {
	cp := make([]int64, len(ids))
	copy(cp, ids)
	return &RepoIDs{IDs: cp}
}

// ByRepoIDValues is ByRepoIDs for untyped input, eg decoded JSON. v must be
// a slice or array; every element is coerced to an integer.
func ByRepoIDValues(v any) (Q, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, dispatch.InvalidArgumentf("repo ids must be a list, got %T", v)
	}
	ids := make([]int64, rv.Len())
	for i := range ids {
		id, err := toInt(rv.Index(i).Interface())
		if err != nil {
			return nil, dispatch.InvalidArgumentf("repo id at %d: %v", i, err)
		}
		ids[i] = id
	}
	return &RepoIDs{IDs: ids}, nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

func ByProjectID(id int64) Q {
	return ByMeta(MetaProjectID, fmt.Sprintf("^%d$", id))
}

// ByProjectIDs fails if ids is empty.
func ByProjectIDs(ids []int64) (Q, error) {
	switch len(ids) {
	case 0:
		return nil, dispatch.InvalidArgumentf("project ids cannot be empty")
	case 1:
		return ByProjectID(ids[0]), nil
	}
	children := make([]Q, len(ids))
	for i, id := range ids {
		children[i] = ByProjectID(id)
	}
	return NewOr(children...), nil
}

// ByTraversalIDs matches every repository under the namespace path
// traversalIDs (see dispatch.FormatTraversalIDs).
func ByTraversalIDs(traversalIDs string) (Q, error) {
	if strings.TrimSpace(traversalIDs) == "" {
		return nil, dispatch.InvalidArgumentf("traversal ids cannot be blank")
	}
	return ByMeta(MetaTraversalIDs, "^"+traversalIDs), nil
}

func ByArchived(archived bool) Q {
	return ByMeta(MetaArchived, boolValue(archived))
}

func ByForked(forked bool) Q {
	return ByMeta(MetaForked, boolValue(forked))
}

func boolValue(b bool) string {
	if b {
		return "^t$"
	}
	return "^f$"
}

// ByVisibility matches projects with one of the given visibility levels.
func ByVisibility(levels ...int) Q {
	return ByMeta(MetaVisibilityLevel, anyOf(levels))
}

// ByRepositoryAccess matches projects whose repository feature has one of
// the given access levels.
func ByRepositoryAccess(levels ...int) Q {
	return ByMeta(MetaRepositoryAccess, anyOf(levels))
}

func anyOf(levels []int) string {
	if len(levels) == 1 {
		return fmt.Sprintf("^%d$", levels[0])
	}
	s := make([]string, len(levels))
	for i, l := range levels {
		s[i] = strconv.Itoa(l)
	}
	return "^(" + strings.Join(s, "|") + ")$"
}

// NewAnd is matched when all filters are. Passing no filters is the caller's
// responsibility; the result is an And without children.
func NewAnd(filters ...Q) Q {
	return &And{Children: filters}
}

// NewOr is matched when any filter is. See NewAnd for the empty case.
func NewOr(filters ...Q) Q {
	return &Or{Children: filters}
}

func NewNot(filter Q) Q {
	return &Not{Child: filter}
}

// WithContext labels q with name and returns it. It must be called while
// the tree is being built.
func WithContext(q Q, name string) Q {
	c := &Context{Name: name}
	switch s := q.(type) {
	case *Substring:
		s.Context = c
	case *Regexp:
		s.Context = c
	case *Meta:
		s.Context = c
	case *Symbol:
		s.Context = c
	case *QueryString:
		s.Context = c
	case *RepoIDs:
		s.Context = c
	case *And:
		s.Context = c
	case *Or:
		s.Context = c
	case *Not:
		s.Context = c
	}
	return q
}
