package dispatch

// Feature flag names understood by the dispatch layer.
const (
	FlagLoadBalancer         = "zoekt_load_balancer"
	FlagCacheSearchResponses = "zoekt_cache_search_responses"
	FlagTraversalIDQueries   = "zoekt_traversal_id_queries"
	FlagExactSearch          = "zoekt_exact_search"
)

// Flags is the external feature flag service. actor is nil for checks
// that are not scoped to a user.
type Flags interface {
	Enabled(flag string, actor *User) bool
}

// FlagsFunc adapts an ordinary function to Flags.
type FlagsFunc func(flag string, actor *User) bool

func (f FlagsFunc) Enabled(flag string, actor *User) bool {
	return f(flag, actor)
}

// Features is a snapshot of the flags relevant to one search. It is
// resolved once per request and passed down, so a flag flipping mid-request
// does not change the outcome.
type Features struct {
	LoadBalancer       bool
	CacheResponses     bool
	TraversalIDQueries bool
	ExactSearch        bool
}

// ResolveFeatures queries flags for user. A nil Flags enables everything.
func ResolveFeatures(flags Flags, user *User) Features {
	if flags == nil {
		return Features{
			LoadBalancer:       true,
			CacheResponses:     true,
			TraversalIDQueries: true,
			ExactSearch:        true,
		}
	}
	return Features{
		LoadBalancer:       flags.Enabled(FlagLoadBalancer, nil),
		CacheResponses:     flags.Enabled(FlagCacheSearchResponses, user),
		TraversalIDQueries: flags.Enabled(FlagTraversalIDQueries, user),
		ExactSearch:        flags.Enabled(FlagExactSearch, user),
	}
}
