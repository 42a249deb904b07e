// Package fleet describes the zoekt search nodes and how indexed
// namespaces are replicated across them.
package fleet

import (
	"context"
	"strconv"
	"strings"
)

// Node is a zoekt search host.
type Node struct {
	ID     int64  `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Online bool   `yaml:"online" json:"online"`

	// SearchBaseURL is the base URL of the node's webserver, eg
	// http://zoekt-0.zoekt:6090.
	SearchBaseURL string `yaml:"search_base_url" json:"search_base_url"`
}

// Endpoint returns the URL forwarded searches are sent to.
func (n Node) Endpoint() string {
	return strings.TrimRight(n.SearchBaseURL, "/")
}

func (n Node) String() string {
	if n.Name != "" {
		return n.Name
	}
	return "node-" + strconv.FormatInt(n.ID, 10)
}

// EnabledNamespace is a root namespace with code search enabled.
type EnabledNamespace struct {
	ID              int64 `yaml:"id" json:"id"`
	RootNamespaceID int64 `yaml:"root_namespace_id" json:"root_namespace_id"`
}

// Replica is a set of interchangeable nodes holding a full copy of an
// enabled namespace's index.
type Replica struct {
	ID                 int64   `yaml:"id" json:"id"`
	EnabledNamespaceID int64   `yaml:"enabled_namespace_id" json:"enabled_namespace_id"`
	NodeIDs            []int64 `yaml:"node_ids" json:"node_ids"`
}

// Registry is the read side of fleet management.
type Registry interface {
	// OnlineSearchableNodes returns every online node.
	OnlineSearchableNodes(ctx context.Context) ([]Node, error)

	// Node returns a node by id, online or not.
	Node(ctx context.Context, id int64) (*Node, bool, error)

	// OnlineNodesByID returns the online nodes among ids.
	OnlineNodesByID(ctx context.Context, ids []int64) ([]Node, error)

	EnabledNamespace(ctx context.Context, rootNamespaceID int64) (*EnabledNamespace, bool, error)

	// Replicas returns the replicas of an enabled namespace.
	Replicas(ctx context.Context, enabledNamespaceID int64) ([]Replica, error)
}

// NodeIDs returns the ids of nodes.
func NodeIDs(nodes []Node) []int64 {
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
