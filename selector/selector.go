// Package selector resolves the nodes a search should run on.
package selector

import (
	"context"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	sglog "github.com/sourcegraph/log"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/balancer"
	"gitlab.com/gitlab-org/zoekt-dispatch/fleet"
)

const (
	// CacheTTL bounds how long a resolved node list is reused.
	CacheTTL = 5 * time.Minute

	cacheSize = 10_000
)

var metricCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zoekt_dispatch_node_cache_lookups_total",
	Help: "Node list cache lookups.",
}, []string{"result"}) // result=hit|miss|stale

// Target is what a search runs against.
type Target struct {
	SearchLevel dispatch.SearchLevel

	// RootNamespaceID is the top level ancestor of the searched group or
	// project. Unused for global searches.
	RootNamespaceID int64
}

type cacheKey struct {
	namespace int64
	level     dispatch.SearchLevel
}

// Selector is safe for concurrent use and is meant to live as long as the
// process, so its node list cache is shared between requests.
type Selector struct {
	registry fleet.Registry
	logger   sglog.Logger
	cache    *expirable.LRU[cacheKey, []int64]
}

func New(registry fleet.Registry, logger sglog.Logger) *Selector {
	return &Selector{
		registry: registry,
		logger:   logger.Scoped("selector", "node and replica selection"),
		cache:    expirable.NewLRU[cacheKey, []int64](cacheSize, nil, CacheTTL),
	}
}

// Nodes returns the online nodes target should be searched on. bal is
// used to choose between replicas.
func (s *Selector) Nodes(ctx context.Context, bal *balancer.Balancer, target Target) ([]fleet.Node, error) {
	if target.SearchLevel == dispatch.SearchLevelGlobal {
		nodes, err := s.registry.OnlineSearchableNodes(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "online nodes")
		}
		if len(nodes) == 0 {
			return nil, dispatch.ErrNoNodesAvailable
		}
		return nodes, nil
	}

	key := cacheKey{namespace: target.RootNamespaceID, level: target.SearchLevel}
	if ids, ok := s.cache.Get(key); ok {
		nodes, err := s.registry.OnlineNodesByID(ctx, ids)
		if err != nil {
			return nil, errors.Wrap(err, "online nodes")
		}
		if len(nodes) == len(ids) {
			metricCacheLookups.WithLabelValues("hit").Inc()
			return nodes, nil
		}
		metricCacheLookups.WithLabelValues("stale").Inc()
		s.logger.Debug("cached nodes went offline",
			sglog.Int64("namespace", target.RootNamespaceID),
			sglog.Int("cached", len(ids)),
			sglog.Int("online", len(nodes)))
		s.cache.Remove(key)
	} else {
		metricCacheLookups.WithLabelValues("miss").Inc()
	}

	nodes, err := s.fetch(ctx, bal, target)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, fleet.NodeIDs(nodes))
	return nodes, nil
}

func (s *Selector) fetch(ctx context.Context, bal *balancer.Balancer, target Target) ([]fleet.Node, error) {
	ns, ok, err := s.registry.EnabledNamespace(ctx, target.RootNamespaceID)
	if err != nil {
		return nil, errors.Wrap(err, "enabled namespace")
	}
	if !ok {
		return nil, dispatch.InvalidArgumentf("namespace %d is not enabled for code search", target.RootNamespaceID)
	}

	replicas, err := s.registry.Replicas(ctx, ns.ID)
	if err != nil {
		return nil, errors.Wrap(err, "replicas")
	}
	online := make([]ReplicaNodes, 0, len(replicas))
	for _, r := range replicas {
		nodes, err := s.registry.OnlineNodesByID(ctx, r.NodeIDs)
		if err != nil {
			return nil, errors.Wrap(err, "online nodes")
		}
		online = append(online, ReplicaNodes{Replica: r, Nodes: nodes})
	}

	chosen, err := SelectReplica(ctx, bal, online)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, dispatch.ErrNoReplicaFound
	}
	if len(chosen.Nodes) == 0 {
		return nil, dispatch.ErrNoNodesAvailable
	}
	return chosen.Nodes, nil
}

// ReplicaNodes is a replica with its online nodes.
type ReplicaNodes struct {
	Replica fleet.Replica
	Nodes   []fleet.Node
}

// SelectReplica picks the replica whose least loaded node has the lowest
// load. Replicas without online nodes are only chosen when there is no other
// replica. It returns nil if no replica has online nodes.
func SelectReplica(ctx context.Context, bal *balancer.Balancer, replicas []ReplicaNodes) (*ReplicaNodes, error) {
	if len(replicas) == 1 {
		return &replicas[0], nil
	}

	var (
		best     *ReplicaNodes
		bestLoad = math.Inf(1)
	)
	for i := range replicas {
		r := &replicas[i]
		load := math.Inf(1)
		if rep, err := bal.Pick(ctx, r.Nodes); err != nil {
			return nil, err
		} else if rep != nil {
			if load, err = bal.Load(ctx, *rep); err != nil {
				return nil, err
			}
		}
		if load < bestLoad {
			best, bestLoad = r, load
		}
	}
	return best, nil
}
