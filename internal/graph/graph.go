// Package graph provides the typed node/edge container used for pipeline
// assignments. Every node has at most one outgoing edge, so a graph is a
// forest of chains that may merge (fan-in). Insertion rejects self-loops
// and cycles; partitioning into weakly-connected subgraphs is deterministic
// for equal inputs.
package graph

import (
	"cmp"
	"slices"
)

// sortedKeys returns the keys of m in ascending sorted order.
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// OpKind discriminates graph operations emitted for observers.
type OpKind int

const (
	OpAddNode OpKind = iota
	OpAddEdge
	OpRemoveNode
	OpRemoveEdge
)

// Op is a single mutation applied to the graph. Node is set for the node
// kinds, From/To for the edge kinds.
type Op[K cmp.Ordered, V any] struct {
	Kind OpKind
	Node V
	From K
	To   K
}

// Edge is a directed (from, to) pair.
type Edge[K cmp.Ordered] struct {
	From K
	To   K
}

// Graph is a multi-owner node/edge container. Zero value is not usable;
// construct with New.
type Graph[K cmp.Ordered, V any] struct {
	nodes map[K]V
	edges map[K]K
}

// New returns an empty graph.
func New[K cmp.Ordered, V any]() *Graph[K, V] {
	return &Graph[K, V]{
		nodes: make(map[K]V),
		edges: make(map[K]K),
	}
}

// AddNode inserts a node, replacing any node with the same id.
func (g *Graph[K, V]) AddNode(id K, node V) Op[K, V] {
	g.nodes[id] = node
	return Op[K, V]{Kind: OpAddNode, Node: node}
}

// GetNode returns the node with the given id.
func (g *Graph[K, V]) GetNode(id K) (V, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// RemoveNode removes a node together with its outgoing edge and every
// inbound edge to it.
func (g *Graph[K, V]) RemoveNode(id K) []Op[K, V] {
	var ops []Op[K, V]
	if node, ok := g.nodes[id]; ok {
		delete(g.nodes, id)
		ops = append(ops, Op[K, V]{Kind: OpRemoveNode, Node: node})
	}
	if op, ok := g.RemoveEdge(id); ok {
		ops = append(ops, op)
	}
	for _, from := range g.edgesTo(id) {
		if op, ok := g.RemoveEdge(from); ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// NodeCount returns the number of present nodes.
func (g *Graph[K, V]) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges, partial edges included.
func (g *Graph[K, V]) EdgeCount() int { return len(g.edges) }

// NodeIDs returns the ids of present nodes in sorted order.
func (g *Graph[K, V]) NodeIDs() []K {
	return sortedKeys(g.nodes)
}

// AllNodes returns present node ids plus ids referenced only by partial
// edges, sorted.
func (g *Graph[K, V]) AllNodes() []K {
	seen := make(map[K]struct{}, len(g.nodes)+len(g.edges))
	for id := range g.nodes {
		seen[id] = struct{}{}
	}
	for from, to := range g.edges {
		seen[from] = struct{}{}
		seen[to] = struct{}{}
	}
	return sortedKeys(seen)
}

// EdgeList returns all edges sorted by their from-node.
func (g *Graph[K, V]) EdgeList() []Edge[K] {
	edges := make([]Edge[K], 0, len(g.edges))
	for _, from := range sortedKeys(g.edges) {
		edges = append(edges, Edge[K]{From: from, To: g.edges[from]})
	}
	return edges
}

// AddEdge adds a directed edge between two present nodes. Self-loops,
// missing endpoints and cycle-closing edges are no-ops. If the from-node
// already has an outgoing edge, its removal is emitted before the addition.
func (g *Graph[K, V]) AddEdge(from, to K) []Op[K, V] {
	var ops []Op[K, V]
	if from == to {
		return ops
	}
	if _, ok := g.nodes[from]; !ok {
		return ops
	}
	if _, ok := g.nodes[to]; !ok {
		return ops
	}
	if g.closesCycle(from, to) {
		return ops
	}
	if prev, ok := g.edges[from]; ok {
		ops = append(ops, Op[K, V]{Kind: OpRemoveEdge, From: from, To: prev})
	}
	g.edges[from] = to
	ops = append(ops, Op[K, V]{Kind: OpAddEdge, From: from, To: to})
	return ops
}

// AddEdgePartial adds an edge whose endpoints may be split across daemons.
// With both endpoints present it behaves as AddEdge; with exactly one
// endpoint present the edge is stored without the presence check, as long
// as it cannot close a cycle. Used only during subgraph partitioning, so it
// emits no operations.
func (g *Graph[K, V]) AddEdgePartial(from, to K) {
	_, hasFrom := g.nodes[from]
	_, hasTo := g.nodes[to]
	switch {
	case hasFrom && hasTo:
		g.AddEdge(from, to)
	case hasFrom != hasTo && !g.closesCycle(from, to):
		g.edges[from] = to
	}
}

// AddEdgeUnchecked stores an edge without any validation. Only safe when
// rebuilding from an already-checked graph.
func (g *Graph[K, V]) AddEdgeUnchecked(from, to K) {
	g.edges[from] = to
}

// GetEdge returns the target of the from-node's outgoing edge.
func (g *Graph[K, V]) GetEdge(from K) (K, bool) {
	to, ok := g.edges[from]
	return to, ok
}

// RemoveEdge removes the outgoing edge of the from-node.
func (g *Graph[K, V]) RemoveEdge(from K) (Op[K, V], bool) {
	to, ok := g.edges[from]
	if !ok {
		return Op[K, V]{}, false
	}
	delete(g.edges, from)
	return Op[K, V]{Kind: OpRemoveEdge, From: from, To: to}, true
}

// GetChildNode returns the node the from-node's outgoing edge points at.
func (g *Graph[K, V]) GetChildNode(from K) (V, bool) {
	if to, ok := g.edges[from]; ok {
		return g.GetNode(to)
	}
	var zero V
	return zero, false
}

// ParentIDs returns the ids of all nodes with an edge into the given node,
// sorted.
func (g *Graph[K, V]) ParentIDs(to K) []K {
	return g.edgesTo(to)
}

// closesCycle reports whether adding from→to would close a cycle. Walks
// forward from `to` following single outgoing edges until terminal or a
// repeat is seen.
func (g *Graph[K, V]) closesCycle(from, to K) bool {
	visited := map[K]struct{}{from: {}, to: {}}
	next := to
	for {
		node, ok := g.edges[next]
		if !ok {
			return false
		}
		if _, seen := visited[node]; seen {
			return true
		}
		visited[node] = struct{}{}
		next = node
	}
}

// edgesTo returns the sorted from-nodes of all edges pointing at `to`.
func (g *Graph[K, V]) edgesTo(to K) []K {
	var froms []K
	for from, t := range g.edges {
		if t == to {
			froms = append(froms, from)
		}
	}
	slices.Sort(froms)
	return froms
}
