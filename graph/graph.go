// Package graph validates, edits and orders workflow graphs.
package graph

import (
	"errors"
	"fmt"

	nodeflow "nodeflow"
)

var (
	ErrUnknownNode      = errors.New("connection references unknown node")
	ErrSelfEdge         = errors.New("connection from a node to itself")
	ErrDuplicateNode    = errors.New("duplicate node id")
	ErrDuplicateTrigger = errors.New("workflow already has a trigger of this type")
	ErrUnknownType      = errors.New("unknown node type")
)

// DuplicatePolicy decides what AddNode does with a second trigger.
type DuplicatePolicy string

const (
	// DuplicateReject refuses the new trigger.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateReplace swaps the whole node set for the new trigger.
	DuplicateReplace DuplicatePolicy = "replace"
)

// Policy configures validation and editing rules.
type Policy struct {
	// ExclusiveTriggers lists trigger types limited to one node per graph.
	ExclusiveTriggers map[nodeflow.NodeType]bool
	OnDuplicate       DuplicatePolicy
}

// DefaultPolicy makes every trigger type exclusive and rejects duplicates.
func DefaultPolicy() Policy {
	exclusive := make(map[nodeflow.NodeType]bool)
	for _, t := range nodeflow.NodeTypes {
		if t.IsTrigger() {
			exclusive[t] = true
		}
	}
	return Policy{ExclusiveTriggers: exclusive, OnDuplicate: DuplicateReject}
}

// Warning describes a graph property that does not prevent execution.
type Warning struct {
	NodeID  string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("node %s: %s", w.NodeID, w.Message)
}

// Graph is an editable node and connection set.
type Graph struct {
	Nodes       []nodeflow.Node
	Connections []nodeflow.Connection
}

// Validate checks a graph without modifying it. Dangling nodes in a graph
// with more than one node are reported as warnings.
func Validate(nodes []nodeflow.Node, connections []nodeflow.Connection, policy Policy) ([]Warning, error) {
	ids := make(map[string]bool, len(nodes))
	triggers := make(map[nodeflow.NodeType]string)
	for _, n := range nodes {
		if n.ID == "" {
			return nil, errors.New("node with empty id")
		}
		if ids[n.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		ids[n.ID] = true
		if !n.Type.Valid() {
			return nil, fmt.Errorf("%w %q on node %s", ErrUnknownType, n.Type, n.ID)
		}
		if policy.ExclusiveTriggers[n.Type] {
			if first, ok := triggers[n.Type]; ok {
				return nil, fmt.Errorf("%w: %s (nodes %s and %s)", ErrDuplicateTrigger, n.Type, first, n.ID)
			}
			triggers[n.Type] = n.ID
		}
	}

	connected := make(map[string]bool, len(nodes))
	for _, c := range connections {
		if !ids[c.FromNodeID] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, c.FromNodeID)
		}
		if !ids[c.ToNodeID] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, c.ToNodeID)
		}
		if c.FromNodeID == c.ToNodeID {
			return nil, fmt.Errorf("%w: %s", ErrSelfEdge, c.FromNodeID)
		}
		connected[c.FromNodeID] = true
		connected[c.ToNodeID] = true
	}

	var warnings []Warning
	if len(nodes) > 1 {
		for _, n := range nodes {
			if !connected[n.ID] {
				warnings = append(warnings, Warning{NodeID: n.ID, Message: "node is not connected"})
			}
		}
	}
	return warnings, nil
}

// AddNode appends node to g. A trigger added to a graph that only holds the
// INITIAL placeholder replaces it. A trigger that duplicates an exclusive
// category is rejected or replaces the node set according to policy.
func AddNode(g *Graph, node nodeflow.Node, policy Policy) error {
	for _, n := range g.Nodes {
		if n.ID == node.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
		}
	}
	if !node.Type.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownType, node.Type)
	}

	if node.Type.IsTrigger() {
		if onlyPlaceholder(g.Nodes) {
			g.Nodes = []nodeflow.Node{node}
			g.Connections = nil
			return nil
		}
		if policy.ExclusiveTriggers[node.Type] {
			for _, n := range g.Nodes {
				if n.Type != node.Type {
					continue
				}
				if policy.OnDuplicate == DuplicateReplace {
					g.Nodes = []nodeflow.Node{node}
					g.Connections = nil
					return nil
				}
				return fmt.Errorf("%w: %s", ErrDuplicateTrigger, node.Type)
			}
		}
	}

	g.Nodes = append(g.Nodes, node)
	return nil
}

func onlyPlaceholder(nodes []nodeflow.Node) bool {
	return len(nodes) == 1 && nodes[0].Type == nodeflow.NodeTypeInitial
}

// RemoveNode deletes the node and every connection touching it.
func RemoveNode(g *Graph, id string) error {
	idx := -1
	for i, n := range g.Nodes {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", nodeflow.ErrNotFound, id)
	}
	g.Nodes = append(g.Nodes[:idx:idx], g.Nodes[idx+1:]...)

	kept := g.Connections[:0:0]
	for _, c := range g.Connections {
		if c.FromNodeID != id && c.ToNodeID != id {
			kept = append(kept, c)
		}
	}
	g.Connections = kept
	return nil
}

// Connect adds an edge. Adding an existing edge is a no-op.
func Connect(g *Graph, from, to string) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSelfEdge, from)
	}
	var haveFrom, haveTo bool
	for _, n := range g.Nodes {
		haveFrom = haveFrom || n.ID == from
		haveTo = haveTo || n.ID == to
	}
	if !haveFrom {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if !haveTo {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	for _, c := range g.Connections {
		if c.FromNodeID == from && c.ToNodeID == to {
			return nil
		}
	}
	g.Connections = append(g.Connections, nodeflow.Connection{FromNodeID: from, ToNodeID: to})
	return nil
}

// Disconnect removes the edge from -> to if present.
func Disconnect(g *Graph, from, to string) {
	kept := g.Connections[:0:0]
	for _, c := range g.Connections {
		if c.FromNodeID == from && c.ToNodeID == to {
			continue
		}
		kept = append(kept, c)
	}
	g.Connections = kept
}
