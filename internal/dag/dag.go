// Package dag provides the dataset lineage graph built from audit records.
// Nodes are dataset URNs; an edge points from an upstream dataset to the
// dataset derived from it and remembers which queries produced it.
// Warehouse lineage may contain cycles, so the graph does not reject them;
// HasCycle reports one when present.
package dag

import (
	"fmt"
	"slices"
	"sort"
)

// Node represents a dataset in the graph.
type Node struct {
	// ID is the dataset URN
	ID string
	// Data holds arbitrary node data
	Data any
}

type edgeKey struct {
	parent, child string
}

// Graph is a directed lineage graph.
type Graph struct {
	nodes   map[string]*Node
	edges   map[string][]string // upstream -> downstreams
	parents map[string][]string // downstream -> upstreams
	queries map[edgeKey][]string
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]*Node),
		edges:   make(map[string][]string),
		parents: make(map[string][]string),
		queries: make(map[edgeKey][]string),
	}
}

// AddNode adds a node to the graph, or updates its data if present.
func (g *Graph) AddNode(id string, data any) {
	if n, exists := g.nodes[id]; exists {
		if data != nil {
			n.Data = data
		}
		return
	}
	g.nodes[id] = &Node{ID: id, Data: data}
	g.edges[id] = []string{}
	g.parents[id] = []string{}
}

// AddEdge adds a directed edge from parent to child. queryID, when not
// empty, is recorded against the edge.
func (g *Graph) AddEdge(parentID, childID, queryID string) error {
	if _, exists := g.nodes[parentID]; !exists {
		return fmt.Errorf("parent node %q does not exist", parentID)
	}
	if _, exists := g.nodes[childID]; !exists {
		return fmt.Errorf("child node %q does not exist", childID)
	}
	if parentID == childID {
		return fmt.Errorf("self-loop detected: %s", parentID)
	}

	if !slices.Contains(g.edges[parentID], childID) {
		g.edges[parentID] = append(g.edges[parentID], childID)
		g.parents[childID] = append(g.parents[childID], parentID)
	}

	if queryID != "" {
		key := edgeKey{parentID, childID}
		if !slices.Contains(g.queries[key], queryID) {
			g.queries[key] = append(g.queries[key], queryID)
		}
	}
	return nil
}

// GetParents returns the direct upstreams of a node, in insertion order.
func (g *Graph) GetParents(id string) []string {
	return g.parents[id]
}

// EdgeQueries returns the query IDs recorded for an edge.
func (g *Graph) EdgeQueries(parentID, childID string) []string {
	return g.queries[edgeKey{parentID, childID}]
}

// GetAllNodes returns all nodes sorted by ID.
func (g *Graph) GetAllNodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph) EdgeCount() int {
	count := 0
	for _, children := range g.edges {
		count += len(children)
	}
	return count
}

// HasCycle returns true if the graph contains a cycle, along with the cycle path.
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make(map[string]string)

	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true

		for _, childID := range g.edges[id] {
			if !visited[childID] {
				path[childID] = id
				if dfs(childID) {
					return true
				}
			} else if recStack[childID] {
				cyclePath = []string{childID}
				for curr := id; curr != childID; curr = path[curr] {
					cyclePath = append([]string{curr}, cyclePath...)
				}
				cyclePath = append([]string{childID}, cyclePath...)
				return true
			}
		}

		recStack[id] = false
		return false
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !visited[id] && dfs(id) {
			return true, cyclePath
		}
	}
	return false, nil
}

// GetUpstreamNodes returns every dataset the node transitively derives from.
func (g *Graph) GetUpstreamNodes(id string) []string {
	return g.walk(id, g.parents)
}

func (g *Graph) walk(id string, next map[string][]string) []string {
	seen := make(map[string]bool)

	var mark func(nodeID string)
	mark = func(nodeID string) {
		for _, n := range next[nodeID] {
			if !seen[n] && n != id {
				seen[n] = true
				mark(n)
			}
		}
	}
	mark(id)

	result := make([]string, 0, len(seen))
	for nodeID := range seen {
		result = append(result, nodeID)
	}
	sort.Strings(result)
	return result
}

// GetRoots returns nodes with no upstreams.
func (g *Graph) GetRoots() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// GetLeaves returns nodes with no downstreams.
func (g *Graph) GetLeaves() []string {
	var leaves []string
	for id := range g.nodes {
		if len(g.edges[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}
