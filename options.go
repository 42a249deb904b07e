package dispatch

import (
	"sort"
	"strconv"
	"strings"

	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
)

// SearchLevel is the scope of a search.
type SearchLevel string

const (
	SearchLevelGlobal  SearchLevel = "global"
	SearchLevelGroup   SearchLevel = "group"
	SearchLevelProject SearchLevel = "project"
)

const (
	// DefaultPerPage is the page size used when the caller does not ask for
	// one.
	DefaultPerPage = 20

	// MaxResultCount is the ceiling on the match count we ask for and report.
	MaxResultCount = 5000
)

// Filters narrow the set of repositories searched.
type Filters struct {
	IncludeArchived bool `json:"include_archived"`
	ExcludeForks    bool `json:"exclude_forks"`

	// Language and other syntax-like filters passed through to the cache
	// fingerprint.
	Extra map[string]string `json:"extra,omitempty"`
}

// Modes selects how the query text is interpreted.
type Modes struct {
	Regex bool `json:"regex"`
}

// Options enumerates everything a caller can pass to a search. The zero
// value searches globally, excludes archived projects, includes forks and
// uses exact search.
type Options struct {
	ProjectID optional.Option[int64] `json:"project_id"`
	GroupID   optional.Option[int64] `json:"group_id"`

	// SearchLevel is derived by Normalize. Callers may leave it empty.
	SearchLevel SearchLevel `json:"search_level"`

	Filters Filters `json:"filters"`
	Modes   Modes   `json:"modes"`

	// MultiMatch is the requested number of chunks per file. None disables
	// chunked results.
	MultiMatch optional.Option[int] `json:"multi_match"`

	Page    int `json:"page"`
	PerPage int `json:"per_page"`

	// NodeID restricts the search to a single node.
	NodeID optional.Option[int64] `json:"node_id"`

	// Targets maps node ids to the repository ids placed on them. It is only
	// used when traversal id queries are disabled.
	Targets map[int64][]int64 `json:"targets,omitempty"`

	// ProjectIDs is the set of projects the caller may read. None means the
	// set is not restricted; an empty Some yields no results.
	ProjectIDs optional.Option[[]int64] `json:"project_ids"`
}

// Normalize returns a copy of o with absent values canonicalized and the
// search level derived. Blank (non-positive) ids count as absent.
func (o Options) Normalize() Options {
	if o.ProjectID.Has() && o.ProjectID.Value() <= 0 {
		o.ProjectID = optional.None[int64]()
	}
	if o.GroupID.Has() && o.GroupID.Value() <= 0 {
		o.GroupID = optional.None[int64]()
	}
	if o.NodeID.Has() && o.NodeID.Value() <= 0 {
		o.NodeID = optional.None[int64]()
	}

	switch {
	case o.ProjectID.Has():
		o.SearchLevel = SearchLevelProject
	case o.GroupID.Has():
		o.SearchLevel = SearchLevelGroup
	default:
		o.SearchLevel = SearchLevelGlobal
	}

	if o.Page < 1 {
		o.Page = 1
	}
	if o.PerPage < 1 {
		o.PerPage = DefaultPerPage
	}
	if o.MultiMatch.Has() && o.MultiMatch.Value() < 0 {
		o.MultiMatch = optional.Some(0)
	}
	return o
}

// FilterPairs returns the filters as sorted "key=value" pairs. Ordering is
// stable so that equal filter sets produce equal cache fingerprints.
func (f Filters) FilterPairs() []string {
	pairs := []string{
		"include_archived=" + strconv.FormatBool(f.IncludeArchived),
		"exclude_forks=" + strconv.FormatBool(f.ExcludeForks),
	}
	for k, v := range f.Extra {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// FormatTraversalIDs encodes a namespace path the way the indexer stores it
// in repository metadata, eg "9970-123-".
func FormatTraversalIDs(ids []int64) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(strconv.FormatInt(id, 10))
		sb.WriteByte('-')
	}
	return sb.String()
}
