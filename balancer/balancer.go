// Package balancer tracks the in-flight search load of every node in the
// shared store and picks the least loaded one.
package balancer

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gitlab.com/gitlab-org/zoekt-dispatch/fleet"
	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

const (
	keyPrefix = "zoekt:load_balancer:node:"

	// LoadTTL bounds how long a counter survives without updates, so a
	// process dying mid-search cannot leave load behind forever.
	LoadTTL = 300 * time.Second

	// DefaultWeight is the load of one search.
	DefaultWeight = 1.0
)

var metricPicks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zoekt_dispatch_load_balancer_picks_total",
	Help: "The number of nodes picked by the load balancer.",
}, []string{"strategy"}) // strategy=single|random|least_loaded

// Key returns the store key holding node's load.
func Key(node fleet.Node) string {
	return keyPrefix + strconv.FormatInt(node.ID, 10)
}

// Balancer is cheap to create; make one per request with the resolved
// state of the load balancer flag.
type Balancer struct {
	store    store.Store
	disabled bool

	// intn is replaced in tests.
	intn func(n int) int
}

type Option func(*Balancer)

// Disabled turns the balancer off: Pick chooses at random and load updates
// are dropped.
func Disabled(disabled bool) Option {
	return func(b *Balancer) { b.disabled = disabled }
}

func New(s store.Store, opts ...Option) *Balancer {
	b := &Balancer{store: s, intn: rand.Intn}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Pick returns the least loaded node. Ties go to the node listed first.
// It returns nil for an empty list.
func (b *Balancer) Pick(ctx context.Context, nodes []fleet.Node) (*fleet.Node, error) {
	switch {
	case len(nodes) == 0:
		return nil, nil
	case len(nodes) == 1:
		metricPicks.WithLabelValues("single").Inc()
		return &nodes[0], nil
	case b.disabled:
		metricPicks.WithLabelValues("random").Inc()
		return &nodes[b.intn(len(nodes))], nil
	}

	loads, err := b.loads(ctx, nodes)
	if err != nil {
		return nil, err
	}
	best := 0
	for i := 1; i < len(nodes); i++ {
		if loads[i] < loads[best] {
			best = i
		}
	}
	metricPicks.WithLabelValues("least_loaded").Inc()
	return &nodes[best], nil
}

// IncreaseLoad adds weight to node's load and refreshes its expiry.
func (b *Balancer) IncreaseLoad(ctx context.Context, node fleet.Node, weight float64) error {
	if b.disabled {
		return nil
	}
	_, err := b.store.IncrByFloat(ctx, Key(node), weight, LoadTTL)
	return errors.Wrapf(err, "increase load of %s", node)
}

// DecreaseLoad subtracts weight from node's load. The counter is deleted
// once it drops to zero or below.
func (b *Balancer) DecreaseLoad(ctx context.Context, node fleet.Node, weight float64) error {
	if b.disabled {
		return nil
	}
	_, err := b.store.DecrByFloatOrDelete(ctx, Key(node), weight)
	return errors.Wrapf(err, "decrease load of %s", node)
}

// Load returns node's current load.
func (b *Balancer) Load(ctx context.Context, node fleet.Node) (float64, error) {
	loads, err := b.loads(ctx, []fleet.Node{node})
	if err != nil {
		return 0, err
	}
	return loads[0], nil
}

// Distribution returns the load of every node, keyed by node id.
func (b *Balancer) Distribution(ctx context.Context, nodes []fleet.Node) (map[int64]float64, error) {
	loads, err := b.loads(ctx, nodes)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(nodes))
	for i, n := range nodes {
		out[n.ID] = loads[i]
	}
	return out, nil
}

// Reset deletes the counters of nodes.
func (b *Balancer) Reset(ctx context.Context, nodes []fleet.Node) error {
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = Key(n)
	}
	return errors.Wrap(b.store.Del(ctx, keys...), "reset load")
}

func (b *Balancer) loads(ctx context.Context, nodes []fleet.Node) ([]float64, error) {
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = Key(n)
	}
	loads, err := b.store.GetFloats(ctx, keys...)
	return loads, errors.Wrap(err, "read load")
}

// Track increases node's load by DefaultWeight and returns a func that
// decreases it again. Errors are passed to onErr, if set.
func (b *Balancer) Track(ctx context.Context, node fleet.Node, onErr func(error)) (done func()) {
	if err := b.IncreaseLoad(ctx, node, DefaultWeight); err != nil && onErr != nil {
		onErr(err)
	}
	return func() {
		// The search context may already be canceled; the counter must
		// still come down.
		if err := b.DecreaseLoad(context.WithoutCancel(ctx), node, DefaultWeight); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
