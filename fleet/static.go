package fleet

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
)

// Inventory is the on-disk description of the fleet, along with the
// project and group metadata and feature flags the dispatcher needs when it
// runs outside of the application.
type Inventory struct {
	Nodes      []Node             `yaml:"nodes"`
	Namespaces []EnabledNamespace `yaml:"namespaces"`
	Replicas   []Replica          `yaml:"replicas"`

	Groups   []dispatch.Group   `yaml:"groups"`
	Projects []dispatch.Project `yaml:"projects"`

	Flags map[string]FlagState `yaml:"flags"`
}

// FlagState enables a flag globally or for a list of user ids. Flags
// missing from the inventory are enabled.
type FlagState struct {
	Enabled bool    `yaml:"enabled"`
	Actors  []int64 `yaml:"actors"`
}

// ParseInventory decodes and validates a YAML inventory.
func ParseInventory(b []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, errors.Wrap(err, "parse inventory")
	}
	if err := inv.validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// ReadInventory reads the inventory at path.
func ReadInventory(path string) (*Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read inventory")
	}
	return ParseInventory(b)
}

func (inv *Inventory) validate() error {
	nodes := map[int64]bool{}
	for _, n := range inv.Nodes {
		if n.ID <= 0 {
			return errors.Errorf("node %q: id must be positive", n.Name)
		}
		if nodes[n.ID] {
			return errors.Errorf("node %d: duplicate id", n.ID)
		}
		nodes[n.ID] = true
	}
	namespaces := map[int64]bool{}
	for _, ns := range inv.Namespaces {
		namespaces[ns.ID] = true
	}
	for _, r := range inv.Replicas {
		if !namespaces[r.EnabledNamespaceID] {
			return errors.Errorf("replica %d: unknown enabled namespace %d", r.ID, r.EnabledNamespaceID)
		}
		for _, id := range r.NodeIDs {
			if !nodes[id] {
				return errors.Errorf("replica %d: unknown node %d", r.ID, id)
			}
		}
	}
	return nil
}

// Static serves an Inventory. It implements Registry, dispatch.Directory and
// dispatch.Flags. The inventory can be swapped at any time with Store.
type Static struct {
	inv atomic.Pointer[Inventory]
}

var (
	_ Registry           = (*Static)(nil)
	_ dispatch.Directory = (*Static)(nil)
	_ dispatch.Flags     = (*Static)(nil)
)

func NewStatic(inv *Inventory) *Static {
	s := &Static{}
	s.Store(inv)
	return s
}

// Store replaces the served inventory.
func (s *Static) Store(inv *Inventory) {
	if inv == nil {
		inv = &Inventory{}
	}
	s.inv.Store(inv)
}

func (s *Static) Inventory() *Inventory {
	return s.inv.Load()
}

func (s *Static) OnlineSearchableNodes(context.Context) ([]Node, error) {
	var out []Node
	for _, n := range s.inv.Load().Nodes {
		if n.Online {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Static) Node(_ context.Context, id int64) (*Node, bool, error) {
	for _, n := range s.inv.Load().Nodes {
		if n.ID == id {
			n := n
			return &n, true, nil
		}
	}
	return nil, false, nil
}

// OnlineNodesByID returns the online nodes among ids, in the order of ids.
func (s *Static) OnlineNodesByID(_ context.Context, ids []int64) ([]Node, error) {
	inv := s.inv.Load()
	var out []Node
	for _, id := range ids {
		for _, n := range inv.Nodes {
			if n.ID == id && n.Online {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

func (s *Static) EnabledNamespace(_ context.Context, rootNamespaceID int64) (*EnabledNamespace, bool, error) {
	for _, ns := range s.inv.Load().Namespaces {
		if ns.RootNamespaceID == rootNamespaceID {
			ns := ns
			return &ns, true, nil
		}
	}
	return nil, false, nil
}

func (s *Static) Replicas(_ context.Context, enabledNamespaceID int64) ([]Replica, error) {
	var out []Replica
	for _, r := range s.inv.Load().Replicas {
		if r.EnabledNamespaceID == enabledNamespaceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Static) Project(_ context.Context, id int64) (*dispatch.Project, bool, error) {
	for _, p := range s.inv.Load().Projects {
		if p.ID == id {
			p := p
			return &p, true, nil
		}
	}
	return nil, false, nil
}

func (s *Static) Group(_ context.Context, id int64) (*dispatch.Group, bool, error) {
	for _, g := range s.inv.Load().Groups {
		if g.ID == id {
			g := g
			return &g, true, nil
		}
	}
	return nil, false, nil
}

func (s *Static) ProjectsByID(_ context.Context, ids []int64) (map[int64]*dispatch.Project, error) {
	out := make(map[int64]*dispatch.Project, len(ids))
	for _, p := range s.inv.Load().Projects {
		if slices.Contains(ids, p.ID) {
			p := p
			out[p.ID] = &p
		}
	}
	return out, nil
}

// Enabled implements dispatch.Flags.
func (s *Static) Enabled(flag string, actor *dispatch.User) bool {
	st, ok := s.inv.Load().Flags[flag]
	if !ok || st.Enabled {
		return true
	}
	return actor != nil && slices.Contains(st.Actors, actor.ID)
}
